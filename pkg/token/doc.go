// Package token はBearerトークン（JWT）の検証と発行を提供する。
//
// ゲートウェイはトークンを検証するだけで、保存も書き換えも行わない。
// 発行（Issue）は参照実装の認証サービスとテストからのみ使用する。
package token
