// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// Bearerトークンの検証、パニックリカバリ、CORS設定を含む。
// エラー応答はいずれも {"message": "..."} の形式で返す。
package middleware
