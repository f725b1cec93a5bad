// Package authz は認証不要なパスの許可リスト（Authorization Policy）を提供する。
//
// 規則は (メソッド, パスパターン, 要件) の順序付きリストで、上から順に評価され、
// 最初に一致した規則の要件が採用される。どの規則にも一致しない場合は認証必須とする。
package authz
