// Package reminder は時刻起動リマインダーの永続キューと状態遷移を提供する。
//
// リマインダーは pending で作成され、スケジューラがクレーム（in_flight）した後に
// sent または failed へ遷移する。sent と failed はスケジューラにとって終端であり、
// failed から pending への戻しは利用者の明示的な編集でのみ行われる。
package reminder

import (
	"time"
)

// Type はリマインダーの配信チャネル種別を表す。
type Type string

const (
	// TypeWhatsApp はWhatsAppリレー経由で配信する。
	TypeWhatsApp Type = "whatsapp"
	// TypeGmail はメールリレー経由で配信する。
	TypeGmail Type = "gmail"
	// TypeGeneral はリアルタイム接続へのプッシュのみで配信する。
	TypeGeneral Type = "general"
)

// Types は有効なチャネル種別の一覧。
var Types = []Type{TypeWhatsApp, TypeGmail, TypeGeneral}

// Valid は既知のチャネル種別かどうかを返す。
func (t Type) Valid() bool {
	switch t {
	case TypeWhatsApp, TypeGmail, TypeGeneral:
		return true
	}
	return false
}

// Status はリマインダーの状態を表す。
type Status string

const (
	// StatusPending は配信待ち。
	StatusPending Status = "pending"
	// StatusInFlight はスケジューラがクレーム済みで配信中。
	StatusInFlight Status = "in_flight"
	// StatusSent は配信済み（終端）。
	StatusSent Status = "sent"
	// StatusFailed は配信失敗（終端）。
	StatusFailed Status = "failed"
)

// Terminal は終端状態かどうかを返す。
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Reminder は永続化されたリマインダー。
type Reminder struct {
	// ID はリマインダーの一意識別子。
	ID string `json:"id"`
	// UserID は所有ユーザーのID。
	UserID string `json:"user_id"`
	// Type は配信チャネル種別。
	Type Type `json:"type"`
	// Datetime は配信予定時刻。
	Datetime time.Time `json:"datetime"`
	// Message は配信するメッセージ。
	Message string `json:"message"`
	// UserPhone はWhatsApp配信先の電話番号。
	UserPhone string `json:"user_phone,omitempty"`
	// UserEmail はメール配信先のアドレス。
	UserEmail string `json:"user_email,omitempty"`
	// UserToken はメールリレーに引き渡す利用者トークン。APIレスポンスには含めない。
	UserToken string `json:"-"`
	// Status は現在の状態。
	Status Status `json:"status"`
	// CreatedAt は作成日時。
	CreatedAt time.Time `json:"created_at"`
	// DeliveredAt は配信完了日時。
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// NewReminder はリマインダー作成時の入力。
type NewReminder struct {
	UserID    string
	Type      Type
	Datetime  time.Time
	Message   string
	UserPhone string
	UserEmail string
	UserToken string
}

// Patch は利用者による部分更新。nilのフィールドは変更しない。
type Patch struct {
	Message  *string
	Datetime *time.Time
	Status   *Status
}

// Empty は更新項目が1つもないかどうかを返す。
func (p Patch) Empty() bool {
	return p.Message == nil && p.Datetime == nil && p.Status == nil
}
