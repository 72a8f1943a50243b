package dispatch

import (
	"context"
	"log"
	"time"

	"github.com/nao1215/remind/internal/apperr"
	"github.com/nao1215/remind/internal/reminder"
	"github.com/nao1215/remind/pkg/event"
)

// gmailPayload はメールリレーへ送るボディ。
type gmailPayload struct {
	ReminderID string    `json:"reminderId"`
	UserID     string    `json:"userId"`
	UserName   string    `json:"userName,omitempty"`
	UserAvatar string    `json:"userAvatar,omitempty"`
	Email      string    `json:"email,omitempty"`
	Token      string    `json:"token,omitempty"`
	Message    string    `json:"message"`
	Datetime   time.Time `json:"datetime"`
}

// whatsappPayload はWhatsAppリレーへ送るボディ。
type whatsappPayload struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// deliver は種別ごとの配信方法で1件を配信する。
func (d *Dispatcher) deliver(ctx context.Context, r reminder.Reminder) error {
	switch r.Type {
	case reminder.TypeGmail:
		return d.deliverGmail(ctx, r)
	case reminder.TypeWhatsApp:
		return d.deliverWhatsApp(ctx, r)
	case reminder.TypeGeneral:
		d.push(ctx, r)
		return nil
	default:
		return apperr.New(apperr.KindValidation, "未知の配信チャネルです: "+string(r.Type))
	}
}

func (d *Dispatcher) deliverGmail(ctx context.Context, r reminder.Reminder) error {
	if d.gmail == nil {
		return apperr.New(apperr.KindUpstreamDelivery, "メールリレーが設定されていません")
	}
	payload := gmailPayload{
		ReminderID: r.ID,
		UserID:     r.UserID,
		Email:      r.UserEmail,
		Token:      r.UserToken,
		Message:    r.Message,
		Datetime:   r.Datetime,
	}
	d.enrich(ctx, r.UserID, &payload)

	if err := d.gmail.PostJSON(ctx, "", payload, nil); err != nil {
		return apperr.Wrap(apperr.KindUpstreamDelivery, "メールリレーへの送信に失敗しました", err)
	}
	return nil
}

// enrich はプロフィールで表示名・アバター・メールアドレスを補う。
// 取得に失敗しても配信は続ける。
func (d *Dispatcher) enrich(ctx context.Context, userID string, p *gmailPayload) {
	if d.profiles == nil {
		return
	}
	profile, err := d.profiles.Lookup(ctx, userID)
	if err != nil {
		log.Printf("[Dispatch] プロフィールを補完できませんでした: user=%s: %v", userID, err)
		return
	}
	p.UserName = profile.DisplayName
	p.UserAvatar = profile.AvatarURL
	if profile.Email != "" {
		p.Email = profile.Email
	}
}

func (d *Dispatcher) deliverWhatsApp(ctx context.Context, r reminder.Reminder) error {
	if r.UserPhone == "" {
		return apperr.New(apperr.KindValidation, "電話番号が設定されていません")
	}
	if d.whatsapp == nil {
		return apperr.New(apperr.KindUpstreamDelivery, "WhatsAppリレーが設定されていません")
	}
	if err := d.whatsapp.PostJSON(ctx, "", whatsappPayload{Phone: r.UserPhone, Message: r.Message}, nil); err != nil {
		return apperr.Wrap(apperr.KindUpstreamDelivery, "WhatsAppリレーへの送信に失敗しました", err)
	}
	d.push(ctx, r)
	return nil
}

// push はユーザーのライブ接続へ reminder イベントを送る。失敗はログに残すだけ。
func (d *Dispatcher) push(ctx context.Context, r reminder.Reminder) {
	if d.hub == nil {
		return
	}
	err := d.hub.Push(ctx, r.UserID, event.TypeReminder, event.ReminderData{
		ID:       r.ID,
		UserID:   r.UserID,
		Type:     string(r.Type),
		Message:  r.Message,
		Datetime: r.Datetime,
	})
	if err != nil {
		log.Printf("[Dispatch] リアルタイム配信に失敗: reminder=%s: %v", r.ID, err)
	}
}
