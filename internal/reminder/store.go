package reminder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/remind/internal/apperr"
	"github.com/nao1215/remind/internal/store"
)

const columns = `id, user_id, type, "datetime", message, user_phone, user_email, user_token,
	status, created_at, delivered_at`

// Store はremindersテーブルに対するCRUDと状態遷移を提供する。
type Store struct {
	db *sql.DB
	// now は現在時刻を返す。テストで差し替える。
	now func() time.Time
}

// NewStore は新しいStoreを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// WithClock は現在時刻の取得元を差し替えたStoreを返す。
func (s *Store) WithClock(now func() time.Time) *Store {
	return &Store{db: s.db, now: now}
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Reminder, error) {
	var (
		r           Reminder
		typ, status string
		at, created int64
		delivered   sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.UserID, &typ, &at, &r.Message, &r.UserPhone, &r.UserEmail, &r.UserToken,
		&status, &created, &delivered)
	if err != nil {
		return Reminder{}, err
	}
	r.Type = Type(typ)
	r.Status = Status(status)
	r.Datetime = store.FromMillis(at)
	r.CreatedAt = store.FromMillis(created)
	r.DeliveredAt = store.NullMillis(delivered)
	return r, nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	reminders := make([]Reminder, 0)
	for rows.Next() {
		r, err := scan(rows)
		if err != nil {
			return nil, err
		}
		reminders = append(reminders, r)
	}
	return reminders, rows.Err()
}

// Create はリマインダーをpendingで作成する。
func (s *Store) Create(ctx context.Context, in NewReminder) (Reminder, error) {
	r := Reminder{
		ID:        uuid.NewString(),
		UserID:    in.UserID,
		Type:      in.Type,
		Datetime:  in.Datetime.UTC().Truncate(time.Millisecond),
		Message:   in.Message,
		UserPhone: in.UserPhone,
		UserEmail: in.UserEmail,
		UserToken: in.UserToken,
		Status:    StatusPending,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reminders (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.UserID, string(r.Type), store.ToMillis(r.Datetime), r.Message,
		r.UserPhone, r.UserEmail, r.UserToken, string(r.Status), store.ToMillis(r.CreatedAt),
	)
	if err != nil {
		return Reminder{}, apperr.Wrap(apperr.KindStorage, "リマインダーの作成に失敗しました", err)
	}
	return r, nil
}

// Get はIDでリマインダーを取得する。
func (s *Store) Get(ctx context.Context, id string) (Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM reminders WHERE id = ?`, id)
	r, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Reminder{}, apperr.New(apperr.KindNotFound, "リマインダーが見つかりません")
	}
	if err != nil {
		return Reminder{}, apperr.Wrap(apperr.KindStorage, "リマインダーの取得に失敗しました", err)
	}
	return r, nil
}

// Delete はリマインダーを削除し、削除した行があったかを返す。
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorage, "リマインダーの削除に失敗しました", err)
	}
	return affected(res)
}

// Update は利用者による部分更新を適用する。
//
// pendingの間は全項目を変更できる。failedからはstatusのみをpendingに戻す
// 再設定だけを受け付ける。それ以外の状態への編集は KindConflict になる。
func (s *Store) Update(ctx context.Context, id string, p Patch) error {
	if p.Empty() {
		return apperr.New(apperr.KindValidation, "更新項目がありません")
	}
	if p.Message != nil && strings.TrimSpace(*p.Message) == "" {
		return apperr.New(apperr.KindValidation, "messageは空にできません")
	}
	if p.Status != nil {
		switch *p.Status {
		case StatusPending, StatusSent, StatusFailed:
		default:
			return apperr.New(apperr.KindValidation, fmt.Sprintf("statusの値が不正です: %q", *p.Status))
		}
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case current.Status == StatusPending:
	case current.Status == StatusFailed && p.Message == nil && p.Datetime == nil &&
		p.Status != nil && *p.Status == StatusPending:
		// 失敗したリマインダーの再設定
	default:
		return apperr.New(apperr.KindConflict, fmt.Sprintf("status=%sのリマインダーは編集できません", current.Status))
	}

	sets := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if p.Message != nil {
		sets = append(sets, "message = ?")
		args = append(args, *p.Message)
	}
	if p.Datetime != nil {
		sets = append(sets, `"datetime" = ?`)
		args = append(args, store.ToMillis(*p.Datetime))
	}
	if p.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*p.Status))
		switch *p.Status {
		case StatusPending:
			sets = append(sets, "delivered_at = NULL", "claimed_at = NULL")
		case StatusSent:
			// MarkSent と同じくsentへの遷移で配信日時を記録する
			sets = append(sets, "delivered_at = ?")
			args = append(args, store.ToMillis(s.now()))
		}
	}
	args = append(args, id, string(current.Status))

	// 読み取り後にスケジューラがクレームした場合は更新しない
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return apperr.Wrap(apperr.KindStorage, "リマインダーの更新に失敗しました", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindConflict, "リマインダーの状態が変化したため更新できませんでした")
	}
	return nil
}

// Claim はpendingのリマインダーをin_flightに遷移させる。
// 他の呼び出し元が先にクレームしていた場合はfalseを返す。
func (s *Store) Claim(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		string(StatusInFlight), store.ToMillis(s.now()), id, string(StatusPending))
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorage, "リマインダーのクレームに失敗しました", err)
	}
	return affected(res)
}

// Release はin_flightのリマインダーをpendingに戻す。
func (s *Store) Release(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, claimed_at = NULL WHERE id = ? AND status = ?`,
		string(StatusPending), id, string(StatusInFlight))
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorage, "リマインダーの解放に失敗しました", err)
	}
	return affected(res)
}

// ReleaseStale はcutoffより前にクレームされたまま残っているリマインダーをpendingに戻す。
// 配信途中でプロセスが落ちた場合の回収に使う。
func (s *Store) ReleaseStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at < ?`,
		string(StatusPending), string(StatusInFlight), store.ToMillis(cutoff))
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "停滞したクレームの回収に失敗しました", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, apperr.Wrap(apperr.KindStorage, "停滞したクレームの回収に失敗しました", err)
	}
	return n, nil
}

// MarkSent はリマインダーをsentにする。pendingかin_flightの場合のみ遷移し、
// 遷移した場合だけdelivered_atを記録する。2回目以降の呼び出しは何も変えずfalseを返す。
func (s *Store) MarkSent(ctx context.Context, id string) (bool, error) {
	return s.finish(ctx, id, StatusSent, true)
}

// MarkFailed はリマインダーをfailedにする。遷移条件はMarkSentと同じ。
func (s *Store) MarkFailed(ctx context.Context, id string) (bool, error) {
	return s.finish(ctx, id, StatusFailed, false)
}

func (s *Store) finish(ctx context.Context, id string, to Status, delivered bool) (bool, error) {
	var deliveredAt sql.NullInt64
	if delivered {
		deliveredAt = sql.NullInt64{Int64: store.ToMillis(s.now()), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders SET status = ?, delivered_at = ?, claimed_at = NULL
		WHERE id = ? AND status IN (?, ?)`,
		string(to), deliveredAt, id, string(StatusPending), string(StatusInFlight))
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorage, fmt.Sprintf("リマインダーを%sにできませんでした", to), err)
	}
	return affected(res)
}

// ListByUser はユーザーの全リマインダーを配信予定時刻の昇順で返す。
func (s *Store) ListByUser(ctx context.Context, userID string) ([]Reminder, error) {
	reminders, err := s.query(ctx,
		`SELECT `+columns+` FROM reminders WHERE user_id = ? ORDER BY "datetime" ASC, id ASC`, userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "リマインダー一覧の取得に失敗しました", err)
	}
	return reminders, nil
}

// FetchDuePending は now+lead までに配信予定のpendingリマインダーを
// 配信予定時刻の昇順で最大limit件返す。typが空でなければその種別に絞る。
func (s *Store) FetchDuePending(ctx context.Context, limit int, lead time.Duration, typ Type) ([]Reminder, error) {
	if limit <= 0 {
		return []Reminder{}, nil
	}
	horizon := store.ToMillis(s.now().Add(lead))

	q := `SELECT ` + columns + ` FROM reminders WHERE status = ? AND "datetime" <= ?`
	args := []any{string(StatusPending), horizon}
	if typ != "" {
		q += ` AND type = ?`
		args = append(args, string(typ))
	}
	q += ` ORDER BY "datetime" ASC, id ASC LIMIT ?`
	args = append(args, limit)

	reminders, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "配信対象リマインダーの取得に失敗しました", err)
	}
	return reminders, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap(apperr.KindStorage, "更新件数の取得に失敗しました", err)
	}
	return n > 0, nil
}
