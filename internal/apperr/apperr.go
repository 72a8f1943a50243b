// Package apperr はリマインダー配信サービス全体で共有するエラー分類を提供する。
//
// ハンドラ層は Kind を見てHTTPステータスを決め、スケジューラ層は
// UpstreamDelivery を見てリマインダーを failed にする。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind はエラーの分類を表す。
type Kind int

const (
	// KindInternal は分類不能なエラー。
	KindInternal Kind = iota
	// KindAuth は認証情報の欠落・不正を表す。
	KindAuth
	// KindValidation は必須項目の欠落や値の不正を表す。
	KindValidation
	// KindNotFound は対象が存在しないこと（期限切れチケットを含む）を表す。
	KindNotFound
	// KindOwnership は他ユーザーのリソースへの操作を表す。
	KindOwnership
	// KindConflict は現在の状態では許可されない操作を表す。
	KindConflict
	// KindUpstreamDelivery はリレー先の非2xx応答またはネットワーク障害を表す。
	KindUpstreamDelivery
	// KindStorage は永続化層のI/O障害を表す。
	KindStorage
)

// String はログ出力用の分類名を返す。
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindOwnership:
		return "ownership"
	case KindConflict:
		return "conflict"
	case KindUpstreamDelivery:
		return "upstream_delivery"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// Error は分類付きのアプリケーションエラー。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Message は利用者に返すメッセージ。
	Message string
	// Err は原因となったエラー。
	Err error
}

// Error はエラーメッセージを返す。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Is は同じKindのsentinelと一致させる。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// errors.Is で分類を判定するためのsentinel。
var (
	ErrAuth             = &Error{Kind: KindAuth}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrOwnership        = &Error{Kind: KindOwnership}
	ErrConflict         = &Error{Kind: KindConflict}
	ErrUpstreamDelivery = &Error{Kind: KindUpstreamDelivery}
	ErrStorage          = &Error{Kind: KindStorage}
)

// New は分類とメッセージからエラーを生成する。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap は原因エラーに分類とメッセージを付与する。errがnilならnilを返す。
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf はエラーチェーンから最初に見つかった分類を返す。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message はAPI応答に載せるメッセージを返す。
// 内部エラーや永続化エラーの詳細は外部に出さない。
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "内部サーバーエラーが発生しました"
	}
	switch e.Kind {
	case KindStorage, KindInternal:
		if e.Message != "" {
			return e.Message
		}
		return "内部サーバーエラーが発生しました"
	default:
		return e.Message
	}
}

// HTTPStatus はエラー分類に対応するHTTPステータスコードを返す。
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuth:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindOwnership:
		return http.StatusForbidden
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamDelivery:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
