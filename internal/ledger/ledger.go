// Package ledger は配信済み通知の追記専用台帳を提供する。
//
// 台帳はリマインダー自身の状態とは独立しており、配信が成功するたびに
// 1行だけ追記される。更新・削除の操作は持たない。
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/remind/internal/apperr"
	"github.com/nao1215/remind/internal/store"
)

// DefaultLimit はListByUserでlimitを省略した場合の件数。
const DefaultLimit = 50

// Record は台帳の1行。
type Record struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// ReminderID は元になったリマインダーのID。リマインダー以外から作られた通知ではnil。
	ReminderID *string `json:"reminder_id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Message は配信したメッセージ。
	Message string `json:"message"`
	// Type は配信チャネル種別。
	Type string `json:"type"`
	// CreatedAt は記録日時。
	CreatedAt time.Time `json:"created_at"`
	// DeliveredAt は配信日時。
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

// Ledger はnotificationsテーブルへの追記と参照を行う。
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New は新しいLedgerを生成する。
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// Insert は台帳に1行追記する。IDと作成日時が空なら補完した上で、追記した行を返す。
// 同じリマインダーの記録が既にある場合は KindConflict を返す。
func (l *Ledger) Insert(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Millisecond)

	var reminderID sql.NullString
	if rec.ReminderID != nil {
		reminderID = sql.NullString{String: *rec.ReminderID, Valid: true}
	}
	var deliveredAt sql.NullInt64
	if rec.DeliveredAt != nil {
		t := rec.DeliveredAt.UTC().Truncate(time.Millisecond)
		rec.DeliveredAt = &t
		deliveredAt = sql.NullInt64{Int64: store.ToMillis(t), Valid: true}
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO notifications (id, reminder_id, user_id, message, type, created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, reminderID, rec.UserID, rec.Message, rec.Type, store.ToMillis(rec.CreatedAt), deliveredAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, apperr.Wrap(apperr.KindConflict, "このリマインダーの通知は記録済みです", err)
		}
		return Record{}, apperr.Wrap(apperr.KindStorage, "通知の記録に失敗しました", err)
	}
	return rec, nil
}

// ListByUser はユーザーの通知を新しい順に最大limit件返す。limitが0以下なら DefaultLimit 件。
func (l *Ledger) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, reminder_id, user_id, message, type, created_at, delivered_at
		FROM notifications
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "通知一覧の取得に失敗しました", err)
	}
	defer func() { _ = rows.Close() }()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec        Record
			reminderID sql.NullString
			created    int64
			delivered  sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &reminderID, &rec.UserID, &rec.Message, &rec.Type, &created, &delivered); err != nil {
			return nil, apperr.Wrap(apperr.KindStorage, "通知の読み取りに失敗しました", err)
		}
		if reminderID.Valid {
			rec.ReminderID = &reminderID.String
		}
		rec.CreatedAt = store.FromMillis(created)
		rec.DeliveredAt = store.NullMillis(delivered)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "通知一覧の取得に失敗しました", err)
	}
	return records, nil
}

// CountByReminder はリマインダーに紐づく記録の件数を返す。
func (l *Ledger) CountByReminder(ctx context.Context, reminderID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE reminder_id = ?`, reminderID).Scan(&n)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "通知件数の取得に失敗しました", err)
	}
	return n, nil
}

// isUniqueViolation はSQLiteの一意制約違反かどうかを判定する。
func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
