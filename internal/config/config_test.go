package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestLoad は既定値・上書き・検証を検証する。
// 環境変数を変更するため並列実行しない。
func TestLoad(t *testing.T) {
	t.Run("既定値で読み込めること", func(t *testing.T) {
		cfg, err := Load(New(), "")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Port != "8080" {
			t.Errorf("Port = %q, want 8080", cfg.Port)
		}
		if cfg.SchedulerInterval != time.Minute {
			t.Errorf("SchedulerInterval = %v, want 1m", cfg.SchedulerInterval)
		}
		if cfg.ConnectTicketTTL != time.Minute {
			t.Errorf("ConnectTicketTTL = %v, want 1m", cfg.ConnectTicketTTL)
		}
		if cfg.HeartbeatInterval != 30*time.Second {
			t.Errorf("HeartbeatInterval = %v, want 30s", cfg.HeartbeatInterval)
		}
		if cfg.DispatchBatchSize != 100 {
			t.Errorf("DispatchBatchSize = %d, want 100", cfg.DispatchBatchSize)
		}
		if len(cfg.CORSOrigins) != 0 {
			t.Errorf("CORSOrigins = %v, want empty", cfg.CORSOrigins)
		}
		if !cfg.UsesDevSecret() {
			t.Error("既定の署名鍵は開発用であるべき")
		}
	})

	t.Run("環境変数で上書きできること", func(t *testing.T) {
		t.Setenv(KeyPort, "9090")
		t.Setenv(KeySchedulerInterval, "15s")
		t.Setenv(KeyDispatchLeadTime, "0s")
		t.Setenv(KeyCORSOrigins, "https://a.example.com, https://b.example.com,")
		t.Setenv(KeyGmailRelayURL, "https://relay.example.com/webhook/gmail")
		t.Setenv(KeyJWTSecret, "prod-secret")

		cfg, err := Load(New(), "")
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Port != "9090" {
			t.Errorf("Port = %q, want 9090", cfg.Port)
		}
		if cfg.SchedulerInterval != 15*time.Second {
			t.Errorf("SchedulerInterval = %v, want 15s", cfg.SchedulerInterval)
		}
		if cfg.DispatchLeadTime != 0 {
			t.Errorf("DispatchLeadTime = %v, want 0", cfg.DispatchLeadTime)
		}
		if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example.com" {
			t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
		}
		if cfg.UsesDevSecret() {
			t.Error("署名鍵が上書きされていません")
		}
	})

	t.Run("不正な値はまとめてエラーになること", func(t *testing.T) {
		t.Setenv(KeySchedulerInterval, "500ms")
		t.Setenv(KeyDispatchBatchSize, "0")
		t.Setenv(KeyWhatsAppRelayURL, "relay.local")

		_, err := Load(New(), "")
		if err == nil {
			t.Fatal("エラーが返されるべき")
		}
		for _, key := range []string{KeySchedulerInterval, KeyDispatchBatchSize, KeyWhatsAppRelayURL} {
			if !strings.Contains(err.Error(), key) {
				t.Errorf("エラーに%sが含まれていません: %v", key, err)
			}
		}
	})

	t.Run("クレームの回収が配信タイムアウト以下ならエラーになること", func(t *testing.T) {
		t.Setenv(KeyDispatchTimeout, "5m")
		t.Setenv(KeyClaimStaleAfter, "5m")

		_, err := Load(New(), "")
		if err == nil {
			t.Fatal("エラーが返されるべき")
		}
		if !strings.Contains(err.Error(), KeyClaimStaleAfter) {
			t.Errorf("エラーに%sが含まれていません: %v", KeyClaimStaleAfter, err)
		}

		t.Setenv(KeyClaimStaleAfter, "6m")
		if _, err := Load(New(), ""); err != nil {
			t.Errorf("Load()でエラーが発生: %v", err)
		}
	})

	t.Run("設定ファイルから読み込めること", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "remind.yaml")
		data := "PORT: \"7070\"\nDISPATCH_CONCURRENCY: 2\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatalf("設定ファイルの作成に失敗: %v", err)
		}

		cfg, err := Load(New(), path)
		if err != nil {
			t.Fatalf("Load()でエラーが発生: %v", err)
		}
		if cfg.Port != "7070" || cfg.DispatchConcurrency != 2 {
			t.Errorf("Port = %q, DispatchConcurrency = %d", cfg.Port, cfg.DispatchConcurrency)
		}
	})

	t.Run("存在しない設定ファイルはエラーになること", func(t *testing.T) {
		if _, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatal("エラーが返されるべき")
		}
	})
}
