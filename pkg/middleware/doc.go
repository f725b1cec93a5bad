// Package middleware はゲートウェイのリクエストパイプラインを構成するGinミドルウェアを提供する。
//
// パイプラインは Recovery → RequestLogger → CORS → Authenticate の順に並び、
// どの段もレスポンスを書いて処理を打ち切れる。CORSはプリフライトを認証より前に応答し、
// Authenticateは業務ロジックや接続アップグレードより前に一度だけ実行される。
package middleware
