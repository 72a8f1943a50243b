// Package store はリマインダーと通知台帳が共有するSQLite接続を管理する。
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nao1215/remind/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Memory はテストや一時実行用のインメモリDBを指す。
const Memory = ":memory:"

// Open はSQLiteデータベースを開き、未適用のマイグレーションを適用する。
// pathに Memory を渡すとインメモリDBになる。
func Open(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path
	if path != Memory {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	// SQLiteは書き込みが直列化されるため接続は1本に絞る。
	// インメモリDBは接続ごとに別DBになるのでこれが必須。
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate は埋め込みスキーマを適用する。
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := migration.Run(ctx, db, migrations, "migrations"); err != nil {
		return fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return nil
}

// ToMillis は時刻をUNIXミリ秒に変換する。
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis はUNIXミリ秒をUTCの時刻に変換する。
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis はNULL許容のミリ秒列を時刻ポインタに変換する。
func NullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := FromMillis(v.Int64)
	return &t
}
