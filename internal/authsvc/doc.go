// Package authsvc はゲートウェイと組み合わせて動かす参照用の認証サービスを提供する。
//
// ユーザーをSQLiteに保存し、パスワードはbcryptでハッシュ化する。
// サインイン成功時にゲートウェイと共有するJWT_SECRETでトークンを発行する。
// ゲートウェイからは /auth/** のリバースプロキシ経由でのみ呼び出される。
package authsvc
