// Package httpclient は外部サービスとJSONで通信するHTTPクライアントを提供する。
//
// メール・WhatsAppの配信リレーへのPOSTや、プロフィールサービスからの
// 取得など、外部呼び出しの形を統一する。2xx以外は *StatusError として返す。
package httpclient
