package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testSecret はテスト用の共有秘密鍵。
const testSecret = "test-secret-key-for-unit-tests"

// fixedNow はテストで使用する固定時刻。秒精度に丸めてある。
var fixedNow = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// newTestVerifier は固定時刻を返すVerifierを生成する。
func newTestVerifier(t *testing.T) *Verifier {
	t.Helper()

	v, err := NewVerifier(testSecret, WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("NewVerifier()でエラーが発生: %v", err)
	}
	return v
}

// mustIssue はテスト用トークンを発行する。
func mustIssue(t *testing.T, secret string, claims Claims, now time.Time, ttl time.Duration) string {
	t.Helper()

	raw, err := Issue(secret, claims, now, ttl)
	if err != nil {
		t.Fatalf("Issue()でエラーが発生: %v", err)
	}
	return raw
}

// TestVerify はVerifier.Verifyを検証する。
func TestVerify(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンからIdentityが得られること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		raw := mustIssue(t, testSecret, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
			Email:            "alice@example.com",
			Roles:            []string{"member"},
		}, fixedNow.Add(-time.Minute), time.Hour)

		id, err := v.Verify(raw)
		if err != nil {
			t.Fatalf("Verify()でエラーが発生: %v", err)
		}
		if id.Subject != "user-1" {
			t.Errorf("Subject = %q, want %q", id.Subject, "user-1")
		}
		if id.Email != "alice@example.com" {
			t.Errorf("Email = %q, want %q", id.Email, "alice@example.com")
		}
		if !id.HasRole("MEMBER") {
			t.Errorf("Roles = %v, memberを含むべき", id.Roles)
		}
		if want := fixedNow.Add(59 * time.Minute); !id.ExpiresAt.Equal(want) {
			t.Errorf("ExpiresAt = %v, want %v", id.ExpiresAt, want)
		}
		if !id.IssuedAt.Equal(fixedNow.Add(-time.Minute)) {
			t.Errorf("IssuedAt = %v, want %v", id.IssuedAt, fixedNow.Add(-time.Minute))
		}
	})

	t.Run("空のトークンはErrMissingになること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		for _, raw := range []string{"", "   "} {
			if _, err := v.Verify(raw); !errors.Is(err, ErrMissing) {
				t.Errorf("Verify(%q) error = %v, want ErrMissing", raw, err)
			}
		}
	})

	t.Run("構造が不正なトークンはErrMalformedになること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		tests := []struct {
			name string
			raw  string
		}{
			{name: "セグメント不足", raw: "abc.def"},
			{name: "セグメント過多", raw: "a.b.c.d"},
			{name: "base64でない", raw: "!!!.@@@.###"},
			{name: "JSONでない", raw: base64.RawURLEncoding.EncodeToString([]byte("nope")) + ".e30.sig"},
		}
		for _, tt := range tests {
			if _, err := v.Verify(tt.raw); !errors.Is(err, ErrMalformed) {
				t.Errorf("%s: error = %v, want ErrMalformed", tt.name, err)
			}
		}
	})

	t.Run("subjectの無いトークンはErrMalformedになること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		claims := jwt.MapClaims{"exp": fixedNow.Add(time.Hour).Unix()}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("署名に失敗: %v", err)
		}
		if _, err := v.Verify(raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("error = %v, want ErrMalformed", err)
		}
	})

	t.Run("expの無いトークンはErrMalformedになること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		claims := jwt.MapClaims{"sub": "user-1"}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("署名に失敗: %v", err)
		}
		if _, err := v.Verify(raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("error = %v, want ErrMalformed", err)
		}
	})

	t.Run("異なる鍵で署名されたトークンはErrSignatureInvalidになること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		raw := mustIssue(t, "another-secret", Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		}, fixedNow, time.Hour)

		if _, err := v.Verify(raw); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("error = %v, want ErrSignatureInvalid", err)
		}
	})

	t.Run("改ざんされたペイロードはErrSignatureInvalidになること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		raw := mustIssue(t, testSecret, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		}, fixedNow, time.Hour)
		forged := mustIssue(t, testSecret, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "admin"},
		}, fixedNow, time.Hour)

		parts := strings.Split(raw, ".")
		forgedParts := strings.Split(forged, ".")
		tampered := parts[0] + "." + forgedParts[1] + "." + parts[2]

		if _, err := v.Verify(tampered); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("error = %v, want ErrSignatureInvalid", err)
		}
	})

	t.Run("alg=noneのトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		claims := jwt.MapClaims{"sub": "user-1", "exp": fixedNow.Add(time.Hour).Unix()}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
		if err != nil {
			t.Fatalf("署名に失敗: %v", err)
		}
		if _, err := v.Verify(raw); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("error = %v, want ErrSignatureInvalid", err)
		}
	})

	t.Run("HS512のトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		claims := jwt.MapClaims{"sub": "user-1", "exp": fixedNow.Add(time.Hour).Unix()}
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
		if err != nil {
			t.Fatalf("署名に失敗: %v", err)
		}
		if _, err := v.Verify(raw); !errors.Is(err, ErrSignatureInvalid) {
			t.Errorf("error = %v, want ErrSignatureInvalid", err)
		}
	})

	t.Run("有効期限切れのトークンはErrExpiredになること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		raw := mustIssue(t, testSecret, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
		}, fixedNow.Add(-2*time.Hour), time.Hour)

		if _, err := v.Verify(raw); !errors.Is(err, ErrExpired) {
			t.Errorf("error = %v, want ErrExpired", err)
		}
	})

	t.Run("expが現在時刻と等しいトークンはErrExpiredになること", func(t *testing.T) {
		t.Parallel()

		v := newTestVerifier(t)
		raw := mustIssue(t, testSecret, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "user-1",
				ExpiresAt: jwt.NewNumericDate(fixedNow),
			},
		}, fixedNow.Add(-time.Hour), time.Hour)

		if _, err := v.Verify(raw); !errors.Is(err, ErrExpired) {
			t.Errorf("error = %v, want ErrExpired", err)
		}
	})

	t.Run("issuerが一致しないトークンは拒否されること", func(t *testing.T) {
		t.Parallel()

		v, err := NewVerifier(testSecret, WithClock(func() time.Time { return fixedNow }), WithIssuer("expected"))
		if err != nil {
			t.Fatalf("NewVerifier()でエラーが発生: %v", err)
		}
		raw := mustIssue(t, testSecret, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1", Issuer: "other"},
		}, fixedNow, time.Hour)

		if _, err := v.Verify(raw); err == nil {
			t.Error("issuer不一致のトークンはエラーになるべき")
		}
	})
}

// TestNewVerifier は検証鍵の必須チェックを検証する。
func TestNewVerifier(t *testing.T) {
	t.Parallel()

	if _, err := NewVerifier(""); err == nil {
		t.Error("空の検証鍵はエラーになるべき")
	}
}

// TestFromHeader はAuthorizationヘッダーの解析を検証する。
func TestFromHeader(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{name: "Bearerスキーム", header: "Bearer abc.def.ghi", want: "abc.def.ghi", ok: true},
		{name: "小文字のスキーム", header: "bearer abc", want: "abc", ok: true},
		{name: "前後の空白", header: "  Bearer   abc  ", want: "abc", ok: true},
		{name: "空文字列", header: "", ok: false},
		{name: "トークン無し", header: "Bearer ", ok: false},
		{name: "Basicスキーム", header: "Basic dXNlcjpwYXNz", ok: false},
		{name: "スキーム無し", header: "abc.def.ghi", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, ok := FromHeader(tt.header)
			if ok != tt.ok || got != tt.want {
				t.Errorf("FromHeader(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
			}
		})
	}
}

// TestReason はエラーからメトリクスラベルへの変換を検証する。
func TestReason(t *testing.T) {
	t.Parallel()

	tests := map[error]string{
		nil:                 "ok",
		ErrMissing:          "missing",
		ErrMalformed:        "malformed",
		ErrSignatureInvalid: "signature_invalid",
		ErrExpired:          "expired",
		errors.New("x"):     "unknown",
	}
	for err, want := range tests {
		if got := Reason(err); got != want {
			t.Errorf("Reason(%v) = %q, want %q", err, got, want)
		}
	}
}
