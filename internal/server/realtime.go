package server

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/remind/internal/apperr"
	"github.com/nao1215/remind/pkg/middleware"
)

// maxNotificationLimit は通知一覧で一度に返す最大件数。
const maxNotificationLimit = 200

// handleListNotifications は認証済みユーザーの通知を新しい順に返すハンドラ。
func (s *Server) handleListNotifications() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(c, apperr.New(apperr.KindValidation, "limitは0以上の整数で指定してください"))
				return
			}
			limit = min(n, maxNotificationLimit)
		}

		records, err := s.notifications.ListByUser(c.Request.Context(), middleware.GetUserID(c), limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

// handleConnect は接続チケットを発行するハンドラ。
func (s *Server) handleConnect() gin.HandlerFunc {
	return func(c *gin.Context) {
		ticket, err := s.tickets.Connect(middleware.GetUserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"connectId": ticket.ConnectID,
			"ttl":       int(s.tickets.TTL().Seconds()),
			"expiresAt": ticket.ExpiresAt,
		})
	}
}

// handleStream はチケットを消費してイベントストリームを開くハンドラ。
func (s *Server) handleStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := s.tickets.Consume(c.Param("connectId"))
		if err != nil {
			writeError(c, err)
			return
		}
		s.serveStream(c, userID)
	}
}

// handleLegacyStream はBearerトークンで直接イベントストリームを開くハンドラ。
func (s *Server) handleLegacyStream() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if c.Param("userId") != userID {
			writeError(c, apperr.New(apperr.KindOwnership, "他のユーザーのストリームには接続できません"))
			return
		}
		s.serveStream(c, userID)
	}
}

func (s *Server) serveStream(c *gin.Context, userID string) {
	log.Printf("[Realtime] ストリームを開きました: user=%s", userID)
	if err := s.hub.Serve(c.Request.Context(), c.Writer, userID); err != nil {
		log.Printf("[Realtime] ストリームエラー: user=%s: %v", userID, err)
	}
	log.Printf("[Realtime] ストリームを閉じました: user=%s", userID)
}
