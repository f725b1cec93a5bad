package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer は参照実装の認証サービスが使用するissクレーム。
const DefaultIssuer = "chatgate-auth"

// Issue はクレームに署名してトークンを生成する。
// IssuedAtとExpiresAtが未設定の場合はnowとttlから補完する。
func Issue(secret string, claims Claims, now time.Time, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("token: 署名鍵が空です")
	}
	if claims.Subject == "" {
		return "", errors.New("token: subjectが空です")
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	if claims.Issuer == "" {
		claims.Issuer = DefaultIssuer
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}
