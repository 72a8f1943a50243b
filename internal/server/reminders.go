package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/remind/internal/apperr"
	"github.com/nao1215/remind/internal/reminder"
	"github.com/nao1215/remind/pkg/middleware"
)

// createReminderRequest はリマインダー作成リクエストのJSON構造。
type createReminderRequest struct {
	// Type は配信チャネル種別。
	Type string `json:"type"`
	// Datetime は配信予定時刻（RFC3339形式）。
	Datetime string `json:"datetime"`
	// Message は配信するメッセージ。
	Message string `json:"message"`
	// UserPhone はWhatsApp配信先の電話番号。
	UserPhone string `json:"user_phone"`
	// UserEmail はメール配信先のアドレス。
	UserEmail string `json:"user_email"`
	// UserToken はメールリレーに引き渡す利用者トークン。
	UserToken string `json:"user_token"`
}

// updateReminderRequest はリマインダー部分更新リクエストのJSON構造。
type updateReminderRequest struct {
	Status   *string `json:"status"`
	Message  *string `json:"message"`
	Datetime *string `json:"datetime"`
}

// parseDatetime はRFC3339形式の日時を解釈する。
func parseDatetime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, apperr.New(apperr.KindValidation, fmt.Sprintf("datetimeはRFC3339形式で指定してください: %q", s))
	}
	return t, nil
}

// toNewReminder はリクエストを検証して作成入力に変換する。
func (req createReminderRequest) toNewReminder(userID string) (reminder.NewReminder, error) {
	var missing []string
	if req.Type == "" {
		missing = append(missing, "type")
	}
	if req.Datetime == "" {
		missing = append(missing, "datetime")
	}
	if strings.TrimSpace(req.Message) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return reminder.NewReminder{}, apperr.New(apperr.KindValidation,
			fmt.Sprintf("必須項目がありません: %s", strings.Join(missing, ", ")))
	}

	typ := reminder.Type(req.Type)
	if !typ.Valid() {
		return reminder.NewReminder{}, apperr.New(apperr.KindValidation, fmt.Sprintf("typeの値が不正です: %q", req.Type))
	}
	if typ == reminder.TypeWhatsApp && strings.TrimSpace(req.UserPhone) == "" {
		return reminder.NewReminder{}, apperr.New(apperr.KindValidation, "whatsappのリマインダーにはuser_phoneが必要です")
	}
	dt, err := parseDatetime(req.Datetime)
	if err != nil {
		return reminder.NewReminder{}, err
	}

	return reminder.NewReminder{
		UserID:    userID,
		Type:      typ,
		Datetime:  dt,
		Message:   req.Message,
		UserPhone: strings.TrimSpace(req.UserPhone),
		UserEmail: strings.TrimSpace(req.UserEmail),
		UserToken: req.UserToken,
	}, nil
}

// toPatch はリクエストを部分更新に変換する。
func (req updateReminderRequest) toPatch() (reminder.Patch, error) {
	var p reminder.Patch
	p.Message = req.Message
	if req.Status != nil {
		st := reminder.Status(*req.Status)
		p.Status = &st
	}
	if req.Datetime != nil {
		dt, err := parseDatetime(*req.Datetime)
		if err != nil {
			return reminder.Patch{}, err
		}
		p.Datetime = &dt
	}
	return p, nil
}

// handleCreateReminder はリマインダーを作成するハンドラ。
// gmailのリマインダーは作成直後に即時配信も試みる。
func (s *Server) handleCreateReminder() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)

		var req createReminderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.New(apperr.KindValidation, fmt.Sprintf("リクエストが不正です: %v", err)))
			return
		}
		in, err := req.toNewReminder(userID)
		if err != nil {
			writeError(c, err)
			return
		}

		r, err := s.reminders.Create(c.Request.Context(), in)
		if err != nil {
			writeError(c, err)
			return
		}

		if r.Type == reminder.TypeGmail && s.dispatcher != nil {
			s.dispatcher.DispatchNow(r)
		}
		c.JSON(http.StatusCreated, r)
	}
}

// handleListReminders は認証済みユーザーのリマインダー一覧を返すハンドラ。
func (s *Server) handleListReminders() gin.HandlerFunc {
	return func(c *gin.Context) {
		rs, err := s.reminders.ListByUser(c.Request.Context(), middleware.GetUserID(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rs)
	}
}

// loadOwned は指定されたリマインダーを取得し、所有者を確認する。
func (s *Server) loadOwned(c *gin.Context) (reminder.Reminder, bool) {
	r, err := s.reminders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return reminder.Reminder{}, false
	}
	if r.UserID != middleware.GetUserID(c) {
		writeError(c, apperr.New(apperr.KindOwnership, "このリマインダーを操作する権限がありません"))
		return reminder.Reminder{}, false
	}
	return r, true
}

// handleUpdateReminder はリマインダーを部分更新するハンドラ。
func (s *Server) handleUpdateReminder() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := s.loadOwned(c)
		if !ok {
			return
		}

		var req updateReminderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.New(apperr.KindValidation, fmt.Sprintf("リクエストが不正です: %v", err)))
			return
		}

		p, err := req.toPatch()
		if err != nil {
			writeError(c, err)
			return
		}
		if err := s.reminders.Update(c.Request.Context(), r.ID, p); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// handleDeleteReminder はリマインダーを削除するハンドラ。
func (s *Server) handleDeleteReminder() gin.HandlerFunc {
	return func(c *gin.Context) {
		r, ok := s.loadOwned(c)
		if !ok {
			return
		}

		deleted, err := s.reminders.Delete(c.Request.Context(), r.ID)
		if err != nil {
			writeError(c, err)
			return
		}
		if !deleted {
			writeError(c, apperr.New(apperr.KindNotFound, "リマインダーが見つかりません"))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}
