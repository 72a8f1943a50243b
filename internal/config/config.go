// Package config は環境変数と任意の設定ファイルからサービスの設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// 設定キー。環境変数名と同じ。
const (
	KeyPort                = "PORT"
	KeyDatabasePath        = "DATABASE_PATH"
	KeyJWTSecret           = "JWT_SECRET"
	KeyGmailRelayURL       = "GMAIL_RELAY_URL"
	KeyWhatsAppRelayURL    = "WHATSAPP_RELAY_URL"
	KeyRelayTimeout        = "RELAY_TIMEOUT"
	KeyProfileServiceURL   = "PROFILE_SERVICE_URL"
	KeyProfileCacheTTL     = "PROFILE_CACHE_TTL"
	KeyProfileCacheSize    = "PROFILE_CACHE_SIZE"
	KeySchedulerInterval   = "SCHEDULER_INTERVAL"
	KeyDispatchLeadTime    = "DISPATCH_LEAD_TIME"
	KeyDispatchBatchSize   = "DISPATCH_BATCH_SIZE"
	KeyDispatchTimeout     = "DISPATCH_TIMEOUT"
	KeyDispatchConcurrency = "DISPATCH_CONCURRENCY"
	KeyClaimStaleAfter     = "CLAIM_STALE_AFTER"
	KeyConnectTicketTTL    = "CONNECT_TICKET_TTL"
	KeyHeartbeatInterval   = "HEARTBEAT_INTERVAL"
	KeyStreamWriteTimeout  = "STREAM_WRITE_TIMEOUT"
	KeyCORSOrigins         = "CORS_ORIGINS"
	KeyRedisAddr           = "REDIS_ADDR"
	KeyRedisChannel        = "REDIS_CHANNEL"
)

// devSecret は開発用のJWT署名鍵。
const devSecret = "dev-secret-key"

// Config はサービス全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DatabasePath はSQLiteファイルのパス。":memory:" でインメモリDB。
	DatabasePath string
	// JWTSecret はBearerトークンの署名鍵。
	JWTSecret string

	// GmailRelayURL はメール配信リレーのURL。空ならメール配信は常に失敗する。
	GmailRelayURL string
	// WhatsAppRelayURL はWhatsApp配信リレーのURL。
	WhatsAppRelayURL string
	// RelayTimeout はリレー呼び出しのHTTPタイムアウト。
	RelayTimeout time.Duration

	// ProfileServiceURL はプロフィールサービスのURL。空なら補完しない。
	ProfileServiceURL string
	// ProfileCacheTTL はプロフィールをキャッシュする時間。
	ProfileCacheTTL time.Duration
	// ProfileCacheSize はキャッシュするプロフィールの最大数。
	ProfileCacheSize int

	// SchedulerInterval はスケジューラのティック間隔。
	SchedulerInterval time.Duration
	// DispatchLeadTime はリレー経由の配信を前倒しする幅。
	DispatchLeadTime time.Duration
	// DispatchBatchSize は1ティックで種別ごとに取り出す最大件数。
	DispatchBatchSize int
	// DispatchTimeout は1件の配信に許す時間。
	DispatchTimeout time.Duration
	// DispatchConcurrency は同時に配信する最大件数。
	DispatchConcurrency int
	// ClaimStaleAfter は放置されたクレームを回収するまでの時間。
	ClaimStaleAfter time.Duration

	// ConnectTicketTTL は接続チケットの有効期間。
	ConnectTicketTTL time.Duration
	// HeartbeatInterval はストリームのハートビート間隔。
	HeartbeatInterval time.Duration
	// StreamWriteTimeout はストリームへの1回の書き込みに許す時間。
	StreamWriteTimeout time.Duration
	// CORSOrigins は許可するオリジン。空ならCORSヘッダーを付けない。
	CORSOrigins []string

	// RedisAddr はインスタンス間中継に使うRedisのアドレス。空なら単一プロセスで動く。
	RedisAddr string
	// RedisChannel は中継に使うPub/Subチャネル名。
	RedisChannel string
}

// setDefaults は全キーの既定値を設定する。
func setDefaults(v *viper.Viper) {
	v.SetDefault(KeyPort, "8080")
	v.SetDefault(KeyDatabasePath, "remind.db")
	v.SetDefault(KeyJWTSecret, devSecret)
	v.SetDefault(KeyGmailRelayURL, "")
	v.SetDefault(KeyWhatsAppRelayURL, "")
	v.SetDefault(KeyRelayTimeout, "15s")
	v.SetDefault(KeyProfileServiceURL, "")
	v.SetDefault(KeyProfileCacheTTL, "5m")
	v.SetDefault(KeyProfileCacheSize, 1024)
	v.SetDefault(KeySchedulerInterval, "60s")
	v.SetDefault(KeyDispatchLeadTime, "30s")
	v.SetDefault(KeyDispatchBatchSize, 100)
	v.SetDefault(KeyDispatchTimeout, "30s")
	v.SetDefault(KeyDispatchConcurrency, 8)
	v.SetDefault(KeyClaimStaleAfter, "5m")
	v.SetDefault(KeyConnectTicketTTL, "60s")
	v.SetDefault(KeyHeartbeatInterval, "30s")
	v.SetDefault(KeyStreamWriteTimeout, "10s")
	v.SetDefault(KeyCORSOrigins, "")
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyRedisChannel, "remind:realtime")
}

// New は既定値と環境変数を読むviperを生成する。
// cobraのフラグを結び付けたい場合はこのviperに BindPFlag する。
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	return v
}

// Load はvから設定を読み込んで検証する。fileが空でなければ設定ファイルも読む。
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg := &Config{
		Port:                v.GetString(KeyPort),
		DatabasePath:        v.GetString(KeyDatabasePath),
		JWTSecret:           v.GetString(KeyJWTSecret),
		GmailRelayURL:       v.GetString(KeyGmailRelayURL),
		WhatsAppRelayURL:    v.GetString(KeyWhatsAppRelayURL),
		RelayTimeout:        v.GetDuration(KeyRelayTimeout),
		ProfileServiceURL:   v.GetString(KeyProfileServiceURL),
		ProfileCacheTTL:     v.GetDuration(KeyProfileCacheTTL),
		ProfileCacheSize:    v.GetInt(KeyProfileCacheSize),
		SchedulerInterval:   v.GetDuration(KeySchedulerInterval),
		DispatchLeadTime:    v.GetDuration(KeyDispatchLeadTime),
		DispatchBatchSize:   v.GetInt(KeyDispatchBatchSize),
		DispatchTimeout:     v.GetDuration(KeyDispatchTimeout),
		DispatchConcurrency: v.GetInt(KeyDispatchConcurrency),
		ClaimStaleAfter:     v.GetDuration(KeyClaimStaleAfter),
		ConnectTicketTTL:    v.GetDuration(KeyConnectTicketTTL),
		HeartbeatInterval:   v.GetDuration(KeyHeartbeatInterval),
		StreamWriteTimeout:  v.GetDuration(KeyStreamWriteTimeout),
		CORSOrigins:         splitList(v.GetString(KeyCORSOrigins)),
		RedisAddr:           v.GetString(KeyRedisAddr),
		RedisChannel:        v.GetString(KeyRedisChannel),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。問題は全てまとめて返す。
func (c *Config) Validate() error {
	var errs []error
	positive := []struct {
		key string
		d   time.Duration
	}{
		{KeyRelayTimeout, c.RelayTimeout},
		{KeyProfileCacheTTL, c.ProfileCacheTTL},
		{KeySchedulerInterval, c.SchedulerInterval},
		{KeyDispatchTimeout, c.DispatchTimeout},
		{KeyClaimStaleAfter, c.ClaimStaleAfter},
		{KeyConnectTicketTTL, c.ConnectTicketTTL},
		{KeyHeartbeatInterval, c.HeartbeatInterval},
		{KeyStreamWriteTimeout, c.StreamWriteTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%sは正の時間である必要があります: %s", p.key, p.d))
		}
	}
	if c.SchedulerInterval > 0 && c.SchedulerInterval < time.Second {
		errs = append(errs, fmt.Errorf("%sは1秒以上である必要があります: %s", KeySchedulerInterval, c.SchedulerInterval))
	}
	// 実行中の配信のクレームをティックが回収しないようにする
	if c.DispatchTimeout > 0 && c.ClaimStaleAfter > 0 && c.ClaimStaleAfter <= c.DispatchTimeout {
		errs = append(errs, fmt.Errorf("%sは%sより長い必要があります: %s <= %s",
			KeyClaimStaleAfter, KeyDispatchTimeout, c.ClaimStaleAfter, c.DispatchTimeout))
	}
	if c.DispatchLeadTime < 0 {
		errs = append(errs, fmt.Errorf("%sは負にできません: %s", KeyDispatchLeadTime, c.DispatchLeadTime))
	}
	if c.DispatchBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%sは1以上である必要があります: %d", KeyDispatchBatchSize, c.DispatchBatchSize))
	}
	if c.DispatchConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("%sは1以上である必要があります: %d", KeyDispatchConcurrency, c.DispatchConcurrency))
	}
	if c.ProfileCacheSize <= 0 {
		errs = append(errs, fmt.Errorf("%sは1以上である必要があります: %d", KeyProfileCacheSize, c.ProfileCacheSize))
	}
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("%sが空です", KeyJWTSecret))
	}
	if c.DatabasePath == "" {
		errs = append(errs, fmt.Errorf("%sが空です", KeyDatabasePath))
	}
	for _, u := range []struct {
		key, value string
	}{
		{KeyGmailRelayURL, c.GmailRelayURL},
		{KeyWhatsAppRelayURL, c.WhatsAppRelayURL},
		{KeyProfileServiceURL, c.ProfileServiceURL},
	} {
		if u.value == "" {
			continue
		}
		parsed, err := url.Parse(u.value)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			errs = append(errs, fmt.Errorf("%sがHTTP(S)のURLではありません: %q", u.key, u.value))
		}
	}
	return errors.Join(errs...)
}

// UsesDevSecret は開発用の署名鍵のままかどうかを返す。
func (c *Config) UsesDevSecret() bool {
	return c.JWTSecret == devSecret
}

// splitList はカンマ区切りの文字列を空要素を除いて分割する。
func splitList(s string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
