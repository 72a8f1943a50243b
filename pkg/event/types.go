package event

import (
	"encoding/json"
	"time"
)

// Type はリアルタイム配信するイベントの種類を表す。フレームの event: 行にそのまま載る。
type Type string

const (
	// TypeConnected はストリーム確立直後に1度だけ送るイベント。
	TypeConnected Type = "connected"
	// TypeReminder はリマインダーの配信を表す。
	TypeReminder Type = "reminder"
)

// Event はクライアントへ送るイベントの名前とJSONデータの組。
type Event struct {
	// Name はイベント名。
	Name Type `json:"name"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
}

// ConnectedData は connected イベントのデータ。
type ConnectedData struct {
	// UserID は接続したユーザーのID。
	UserID string `json:"userId"`
	// ConnectedAt は接続日時。
	ConnectedAt time.Time `json:"connectedAt"`
}

// ReminderData は reminder イベントのデータ。
// 利用者トークンなどの秘匿情報は含めない。
type ReminderData struct {
	// ID はリマインダーのID。
	ID string `json:"id"`
	// UserID は所有ユーザーのID。
	UserID string `json:"userId"`
	// Type は配信チャネル種別。
	Type string `json:"type"`
	// Message は配信するメッセージ。
	Message string `json:"message"`
	// Datetime は配信予定時刻。
	Datetime time.Time `json:"datetime"`
}
