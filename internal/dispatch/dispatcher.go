// Package dispatch はリマインダー1件を種別に応じたチャネルで配信する。
//
// 配信前に pending → in_flight のクレームを行い、クレームできた呼び出し元だけが
// 配信する。成功すれば sent にして台帳へ記録し、失敗すれば failed にする。
// 自動の再送は行わない。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nao1215/remind/internal/apperr"
	"github.com/nao1215/remind/internal/ledger"
	"github.com/nao1215/remind/internal/metrics"
	"github.com/nao1215/remind/internal/reminder"
	"github.com/nao1215/remind/pkg/event"
)

// Outcome は1件の配信結果。
type Outcome string

const (
	// OutcomeSent は配信に成功した。
	OutcomeSent Outcome = metrics.ResultSent
	// OutcomeFailed は配信に失敗しfailedにした。
	OutcomeFailed Outcome = metrics.ResultFailed
	// OutcomeSkipped は他の呼び出し元がクレーム済みだったため何もしなかった。
	OutcomeSkipped Outcome = metrics.ResultSkipped
	// OutcomeAborted は停止処理で中断されpendingに戻した。
	OutcomeAborted Outcome = metrics.ResultAborted
)

// Reminders は配信に必要なリマインダーの状態遷移。
type Reminders interface {
	Claim(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
}

// Ledger は配信成功の記録先。
type Ledger interface {
	Insert(ctx context.Context, rec ledger.Record) (ledger.Record, error)
}

// Pusher はユーザーのライブ接続にイベントを送る。
type Pusher interface {
	Push(ctx context.Context, userID string, name event.Type, payload any) error
}

// Relay は配信リレーへのJSON送信。*httpclient.Client が満たす。
type Relay interface {
	PostJSON(ctx context.Context, path string, body any, result any) error
}

// Config はDispatcherの依存先。nilのフィールドはそのチャネルや補完を無効にする。
type Config struct {
	// GmailRelay はメールリレー。
	GmailRelay Relay
	// WhatsAppRelay はWhatsAppリレー。
	WhatsAppRelay Relay
	// Hub はリアルタイム配信先。
	Hub Pusher
	// Profiles はメール配信時のプロフィール補完。
	Profiles ProfileLookup
	// Metrics は配信結果の記録先。
	Metrics *metrics.Metrics
}

// Dispatcher はリマインダーを種別ごとのチャネルで配信する。
type Dispatcher struct {
	reminders Reminders
	ledger    Ledger
	gmail     Relay
	whatsapp  Relay
	hub       Pusher
	profiles  ProfileLookup
	metrics   *metrics.Metrics
	now       func() time.Time
}

// New は新しいDispatcherを生成する。
func New(reminders Reminders, l Ledger, cfg Config) *Dispatcher {
	return &Dispatcher{
		reminders: reminders,
		ledger:    l,
		gmail:     cfg.GmailRelay,
		whatsapp:  cfg.WhatsAppRelay,
		hub:       cfg.Hub,
		profiles:  cfg.Profiles,
		metrics:   cfg.Metrics,
		now:       time.Now,
	}
}

// Dispatch はリマインダー1件をクレームして配信し、結果を記録する。
//
// ctxの期限切れ（配信タイムアウト）は配信失敗として扱う。ctxのキャンセル（停止処理）で
// 中断された場合はpendingに戻し、次回以降に配信されるようにする。
// 返すエラーはログ用であり、結果は Outcome で判断する。
func (d *Dispatcher) Dispatch(ctx context.Context, r reminder.Reminder) (Outcome, error) {
	claimed, err := d.reminders.Claim(ctx, r.ID)
	if err != nil {
		return OutcomeSkipped, err
	}
	if !claimed {
		d.metrics.Dispatched(string(r.Type), metrics.ResultSkipped)
		return OutcomeSkipped, nil
	}

	deliverErr := d.deliver(ctx, r)

	// 状態の書き込みは配信のタイムアウトやキャンセルに巻き込まない
	finishCtx := context.WithoutCancel(ctx)

	if deliverErr != nil && errors.Is(ctx.Err(), context.Canceled) {
		if _, err := d.reminders.Release(finishCtx, r.ID); err != nil {
			return OutcomeAborted, errors.Join(deliverErr, err)
		}
		d.metrics.Dispatched(string(r.Type), metrics.ResultAborted)
		return OutcomeAborted, deliverErr
	}

	if deliverErr != nil {
		if _, err := d.reminders.MarkFailed(finishCtx, r.ID); err != nil {
			return OutcomeFailed, errors.Join(deliverErr, err)
		}
		d.metrics.Dispatched(string(r.Type), metrics.ResultFailed)
		return OutcomeFailed, deliverErr
	}

	changed, err := d.reminders.MarkSent(finishCtx, r.ID)
	if err != nil {
		return OutcomeSent, fmt.Errorf("配信後の状態更新に失敗: %w", err)
	}
	d.metrics.Dispatched(string(r.Type), metrics.ResultSent)
	if !changed {
		return OutcomeSent, nil
	}

	delivered := d.now().UTC()
	reminderID := r.ID
	_, err = d.ledger.Insert(finishCtx, ledger.Record{
		ReminderID:  &reminderID,
		UserID:      r.UserID,
		Message:     r.Message,
		Type:        string(r.Type),
		CreatedAt:   delivered,
		DeliveredAt: &delivered,
	})
	if errors.Is(err, apperr.ErrConflict) {
		log.Printf("[Dispatch] 台帳に記録済みのため追記しません: reminder=%s", r.ID)
		return OutcomeSent, nil
	}
	if err != nil {
		return OutcomeSent, fmt.Errorf("台帳への記録に失敗: %w", err)
	}
	return OutcomeSent, nil
}
