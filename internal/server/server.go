// Package server はリマインダー配信サービスのHTTP APIを提供する。
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/remind/internal/apperr"
	"github.com/nao1215/remind/internal/ledger"
	"github.com/nao1215/remind/internal/realtime"
	"github.com/nao1215/remind/internal/reminder"
	"github.com/nao1215/remind/pkg/middleware"
)

// shutdownTimeout はグレースフルシャットダウンで待つ最大時間。
const shutdownTimeout = 10 * time.Second

// Reminders はハンドラが使うリマインダーの操作。
type Reminders interface {
	Create(ctx context.Context, in reminder.NewReminder) (reminder.Reminder, error)
	Get(ctx context.Context, id string) (reminder.Reminder, error)
	Update(ctx context.Context, id string, p reminder.Patch) error
	Delete(ctx context.Context, id string) (bool, error)
	ListByUser(ctx context.Context, userID string) ([]reminder.Reminder, error)
}

// Notifications は通知台帳の参照。
type Notifications interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]ledger.Record, error)
}

// ImmediateDispatcher は作成直後のリマインダーを次のティックを待たずに配信する。
type ImmediateDispatcher interface {
	DispatchNow(r reminder.Reminder)
}

// Config はサーバーの構成。
type Config struct {
	// Port はリッスンポート。
	Port string
	// Verifier はBearerトークンの検証器。
	Verifier middleware.Verifier
	// CORSOrigins は許可するオリジン。
	CORSOrigins []string
	// Gatherer は /metrics で公開するメトリクス。nilならprometheusの既定レジストリ。
	Gatherer prometheus.Gatherer
	// Reminders はリマインダーストア。
	Reminders Reminders
	// Notifications は通知台帳。
	Notifications Notifications
	// Hub はリアルタイム接続のハブ。
	Hub *realtime.Hub
	// Tickets は接続チケットの発行元。
	Tickets *realtime.Tickets
	// Dispatcher は即時配信の実行者。nilなら即時配信しない。
	Dispatcher ImmediateDispatcher
}

// Server はリマインダー配信サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port          string
	verifier      middleware.Verifier
	gatherer      prometheus.Gatherer
	reminders     Reminders
	notifications Notifications
	hub           *realtime.Hub
	tickets       *realtime.Tickets
	dispatcher    ImmediateDispatcher
}

// New は新しいサーバーを生成し、ルーティングを設定する。
func New(cfg Config) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(gin.Logger())
	if len(cfg.CORSOrigins) > 0 {
		router.Use(middleware.CORS(cfg.CORSOrigins))
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		router:        router,
		port:          cfg.Port,
		verifier:      cfg.Verifier,
		gatherer:      gatherer,
		reminders:     cfg.Reminders,
		notifications: cfg.Notifications,
		hub:           cfg.Hub,
		tickets:       cfg.Tickets,
		dispatcher:    cfg.Dispatcher,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxが終わるとリアルタイム接続を閉じてから停止する。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] HTTPサーバーを起動します: %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
	case <-ctx.Done():
	}

	// ストリームは接続を保持し続けるので先に閉じる
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーの停止に失敗: %w", err)
	}
	log.Printf("[Server] HTTPサーバーを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := middleware.Auth(s.verifier)

	reminders := s.router.Group("/reminders", auth)
	{
		reminders.POST("", s.handleCreateReminder())
		reminders.GET("", s.handleListReminders())
		reminders.PATCH("/:id", s.handleUpdateReminder())
		reminders.DELETE("/:id", s.handleDeleteReminder())
	}

	s.router.GET("/notifications", auth, s.handleListNotifications())

	rt := s.router.Group("/realtime")
	{
		// チケット発行（認証必須）
		rt.POST("/connect", auth, s.handleConnect())
		// チケットでストリームを開く（チケット自体が認証情報）
		rt.GET("/stream/:connectId", s.handleStream())
		// 旧クライアント向けの直接接続。EventSourceはヘッダーを送れないため ?token= も受け付ける
		rt.GET("/legacy/:userId", middleware.Auth(s.verifier, middleware.WithQueryToken("token")), s.handleLegacyStream())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"service":     "remind",
			"connections": s.hub.Total(),
		})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
}

// writeError はエラーを {"message": "..."} 形式で返す。
// 永続化層などの内部エラーはログにのみ詳細を残す。
func writeError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[Server] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(status, gin.H{"message": apperr.Message(err)})
}
