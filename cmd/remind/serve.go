package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/remind/internal/config"
	"github.com/nao1215/remind/internal/dispatch"
	"github.com/nao1215/remind/internal/ledger"
	"github.com/nao1215/remind/internal/metrics"
	"github.com/nao1215/remind/internal/realtime"
	"github.com/nao1215/remind/internal/reminder"
	"github.com/nao1215/remind/internal/scheduler"
	"github.com/nao1215/remind/internal/server"
	"github.com/nao1215/remind/internal/store"
	"github.com/nao1215/remind/pkg/httpclient"
	"github.com/nao1215/remind/pkg/middleware"
)

// drainTimeout は停止時に実行中の配信を待つ最大時間。
const drainTimeout = 30 * time.Second

func newServeCommand(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "HTTP APIと配信スケジューラを起動する",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, *configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().String("port", "", "リッスンポート（PORTより優先）")
	_ = v.BindPFlag(config.KeyPort, cmd.Flags().Lookup("port"))
	return cmd
}

// relayClient はURLが空ならnilを返す。nilのリレーはそのチャネルを無効にする。
func relayClient(url string, timeout time.Duration) dispatch.Relay {
	if url == "" {
		return nil
	}
	return httpclient.New(url, httpclient.WithTimeout(timeout))
}

// serve は全コンポーネントを組み立てて起動し、シグナルを受けると順に停止する。
func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.UsesDevSecret() {
		log.Printf("[Server] 警告: 開発用のJWT署名鍵で起動しています。JWT_SECRETを設定してください")
	}

	db, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}

	hub := realtime.NewHub(realtime.StreamConfig{
		Heartbeat:    cfg.HeartbeatInterval,
		WriteTimeout: cfg.StreamWriteTimeout,
	}, m)
	tickets := realtime.NewTickets(cfg.ConnectTicketTTL, m)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.RedisAddr != "" {
		client := realtime.NewRedisClient(cfg.RedisAddr)
		defer client.Close()
		bridge := realtime.NewRedisBridge(client, cfg.RedisChannel, hub)
		hub.SetPublisher(bridge)
		g.Go(func() error {
			if err := bridge.Run(gctx); err != nil {
				// 中継できなくてもこのインスタンスの接続には配信を続ける
				log.Printf("[Realtime] Redis中継を無効にします: %v", err)
				hub.SetPublisher(nil)
			}
			return nil
		})
	}

	var profiles dispatch.ProfileLookup
	if cfg.ProfileServiceURL != "" {
		profiles = dispatch.NewCachedProfiles(
			dispatch.NewHTTPProfiles(httpclient.New(cfg.ProfileServiceURL, httpclient.WithTimeout(cfg.RelayTimeout))),
			cfg.ProfileCacheSize,
			cfg.ProfileCacheTTL,
		)
	}

	reminders := reminder.NewStore(db)
	notifications := ledger.New(db)
	dispatcher := dispatch.New(reminders, notifications, dispatch.Config{
		GmailRelay:    relayClient(cfg.GmailRelayURL, cfg.RelayTimeout),
		WhatsAppRelay: relayClient(cfg.WhatsAppRelayURL, cfg.RelayTimeout),
		Hub:           hub,
		Profiles:      profiles,
		Metrics:       m,
	})

	sched := scheduler.New(reminders, dispatcher, scheduler.Config{
		Interval:        cfg.SchedulerInterval,
		LeadTime:        cfg.DispatchLeadTime,
		BatchSize:       cfg.DispatchBatchSize,
		Timeout:         cfg.DispatchTimeout,
		Concurrency:     cfg.DispatchConcurrency,
		ClaimStaleAfter: cfg.ClaimStaleAfter,
	}, m)
	sched.Start(gctx)

	srv := server.New(server.Config{
		Port:          cfg.Port,
		Verifier:      middleware.NewJWT(cfg.JWTSecret, 0),
		CORSOrigins:   cfg.CORSOrigins,
		Gatherer:      prometheus.DefaultGatherer,
		Reminders:     reminders,
		Notifications: notifications,
		Hub:           hub,
		Tickets:       tickets,
		Dispatcher:    sched,
	})

	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		tickets.Run(gctx, cfg.ConnectTicketTTL)
		return nil
	})

	err = g.Wait()

	log.Printf("[Scheduler] 実行中の配信の完了を待っています")
	select {
	case <-sched.Stop().Done():
	case <-time.After(drainTimeout):
		log.Printf("[Scheduler] 配信の完了を待たずに停止します")
	}
	return err
}
