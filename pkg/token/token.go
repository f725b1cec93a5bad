package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 検証エラー。境界ではすべて同一の401に畳み込まれ、区別はログとメトリクスにのみ残る。
var (
	// ErrMissing はトークンが指定されていないことを表す。
	ErrMissing = errors.New("token: missing")
	// ErrMalformed はトークンの構造が不正であることを表す。
	ErrMalformed = errors.New("token: malformed")
	// ErrSignatureInvalid は署名が検証鍵と一致しないことを表す。
	ErrSignatureInvalid = errors.New("token: signature invalid")
	// ErrExpired はトークンの有効期限が切れていることを表す。
	ErrExpired = errors.New("token: expired")
)

// Reason は検証エラーをメトリクスのラベル値に変換する。
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissing):
		return "missing"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrExpired):
		return "expired"
	default:
		return "unknown"
	}
}

// Claims はトークンのクレーム（ペイロード）を表す。
type Claims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
	// Roles はユーザーに付与されたロール。
	Roles []string `json:"roles,omitempty"`
}

// Identity は検証済みの認証主体を表す。
// Verifierが検証に成功したときだけ生成され、永続化されない。
type Identity struct {
	// Subject はユーザーの一意識別子。
	Subject string `json:"sub"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email,omitempty"`
	// Roles はユーザーのロール。
	Roles []string `json:"roles,omitempty"`
	// IssuedAt はトークンの発行日時。
	IssuedAt time.Time `json:"iat"`
	// ExpiresAt はトークンの有効期限。
	ExpiresAt time.Time `json:"exp"`
}

// HasRole はIdentityが指定されたロールを持つかどうかを返す。
func (id *Identity) HasRole(role string) bool {
	if id == nil {
		return false
	}
	for _, r := range id.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// FromHeader はAuthorizationヘッダーの値からBearerトークンを取り出す。
// スキーム名は大文字小文字を区別しない。
func FromHeader(header string) (string, bool) {
	scheme, raw, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	return raw, true
}
