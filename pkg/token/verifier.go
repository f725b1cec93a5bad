package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier はHS256で署名されたトークンを検証する。
// 状態を持たないため、複数のゴルーチンから同時に使用できる。
type Verifier struct {
	// secret は署名検証に使用する共有秘密鍵。
	secret []byte
	// now は現在時刻を返す関数。テストで差し替える。
	now func() time.Time
	// issuer が空でない場合、issクレームの一致を要求する。
	issuer string
}

// Option はVerifierの設定を変更する。
type Option func(*Verifier)

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithIssuer はissクレームの一致を要求する。
func WithIssuer(issuer string) Option {
	return func(v *Verifier) {
		v.issuer = strings.TrimSpace(issuer)
	}
}

// NewVerifier は共有秘密鍵からVerifierを生成する。
func NewVerifier(secret string, opts ...Option) (*Verifier, error) {
	if secret == "" {
		return nil, errors.New("token: 検証鍵が空です")
	}
	v := &Verifier{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify はトークンの署名、有効期限、構造を検証しIdentityを返す。
// 失敗した場合はErrMissing、ErrMalformed、ErrSignatureInvalid、ErrExpiredのいずれかを返す。
func (v *Verifier) Verify(raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrMissing
	}
	if strings.Count(raw, ".") != 2 {
		return nil, ErrMalformed
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("予期しない署名アルゴリズム: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}

	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, ErrMalformed
	}
	// 発行直後の境界でも期限切れを受け入れない。
	expiresAt := claims.ExpiresAt.Time
	if !expiresAt.After(v.now()) {
		return nil, ErrExpired
	}

	id := &Identity{
		Subject:   claims.Subject,
		Email:     claims.Email,
		Roles:     append([]string(nil), claims.Roles...),
		ExpiresAt: expiresAt,
	}
	if claims.IssuedAt != nil {
		id.IssuedAt = claims.IssuedAt.Time
	}
	return id, nil
}

// classify はjwtライブラリのエラーを検証エラーに変換する。
// 判別できないものは構造不正として扱う。
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
