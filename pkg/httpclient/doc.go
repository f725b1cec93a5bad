// Package httpclient はサービス間のHTTP通信を行うクライアントを提供する。
//
// ゲートウェイがMessage Storeなどの協調サービスを呼び出す際に使用する。
// 検証済みのユーザーIDとBearerトークンをコンテキスト経由で伝播する。
package httpclient
