package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gin-gonic/gin"
	"github.com/nao1215/chatgate/pkg/logging"
	"github.com/nao1215/chatgate/pkg/metrics"
	"go.uber.org/zap"
)

// ErrOriginForbidden はOriginがCORSポリシーで許可されていないことを表す。
var ErrOriginForbidden = errors.New("middleware: origin forbidden")

// CORSConfig はCORSポリシーの設定。起動後は変更しない。
type CORSConfig struct {
	// AllowedOrigins は許可するOriginのパターン。"*" はすべてに一致し、
	// "https://*.example.com" のようなワイルドカードも指定できる。
	AllowedOrigins []string
	// AllowedMethods は許可するHTTPメソッド。
	AllowedMethods []string
	// AllowedHeaders は許可するリクエストヘッダー。"*" はプリフライトで要求されたヘッダーをそのまま許可する。
	AllowedHeaders []string
	// AllowCredentials は認証情報付きリクエストを許可するかどうか。
	AllowCredentials bool
	// MaxAge はプリフライト結果のキャッシュ期間。
	MaxAge time.Duration
}

// DefaultCORSConfig は開発用の既定ポリシーを返す。
// すべてのOriginを認証情報付きで許可するため、本番環境では必ずAllowedOriginsを絞ること。
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           3600 * time.Second,
	}
}

// CORSPolicy はOriginの判定とCORSレスポンスヘッダーの付与を行う。
type CORSPolicy struct {
	// allowAny は "*" が指定されていることを表す。
	allowAny bool
	// patterns は小文字化したOriginパターン。
	patterns []string
	// methods はAccess-Control-Allow-Methodsの値。
	methods string
	// headers はAccess-Control-Allow-Headersの値。echoHeadersの場合は未使用。
	headers string
	// echoHeaders はリクエストされたヘッダーをそのまま許可することを表す。
	echoHeaders bool
	// credentials はAccess-Control-Allow-Credentialsを付与するかどうか。
	credentials bool
	// maxAge はAccess-Control-Max-Ageの値（秒）。
	maxAge string
}

// NewCORSPolicy は設定からCORSPolicyを生成する。
func NewCORSPolicy(cfg CORSConfig) (*CORSPolicy, error) {
	p := &CORSPolicy{credentials: cfg.AllowCredentials}
	for _, o := range cfg.AllowedOrigins {
		o = strings.ToLower(strings.TrimSpace(o))
		switch {
		case o == "":
			continue
		case o == "*":
			p.allowAny = true
		default:
			if !doublestar.ValidatePattern(o) {
				return nil, fmt.Errorf("Originパターンの構文が不正です: %q", o)
			}
			p.patterns = append(p.patterns, strings.TrimSuffix(o, "/"))
		}
	}

	methods := make([]string, 0, len(cfg.AllowedMethods))
	for _, m := range cfg.AllowedMethods {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}
	p.methods = strings.Join(methods, ", ")

	headers := make([]string, 0, len(cfg.AllowedHeaders))
	for _, h := range cfg.AllowedHeaders {
		h = strings.TrimSpace(h)
		if h == "*" {
			p.echoHeaders = true
			continue
		}
		if h != "" {
			headers = append(headers, http.CanonicalHeaderKey(h))
		}
	}
	p.headers = strings.Join(headers, ", ")

	if cfg.MaxAge > 0 {
		p.maxAge = strconv.FormatInt(int64(cfg.MaxAge/time.Second), 10)
	}
	return p, nil
}

// AllowsOrigin はOriginがポリシーで許可されているかどうかを返す。
// 空のOriginは許可しない。
func (p *CORSPolicy) AllowsOrigin(origin string) bool {
	origin = strings.ToLower(strings.TrimSpace(origin))
	if origin == "" || origin == "null" {
		return false
	}
	if p.allowAny {
		return true
	}
	for _, pattern := range p.patterns {
		if pattern == origin {
			return true
		}
		if ok, err := doublestar.Match(pattern, origin); err == nil && ok {
			return true
		}
	}
	return false
}

// isPreflight はリクエストがCORSプリフライトかどうかを返す。
func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// IsSameOrigin はOriginがリクエスト先と同一かどうかを返す。同一オリジンはCORSの対象外。
// X-Forwarded-Protoがある場合はそのスキームで比較する。
func IsSameOrigin(r *http.Request, origin string) bool {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}
	return strings.EqualFold(origin, scheme+"://"+r.Host)
}

// writeHeaders はOriginを反映したCORSヘッダーを付与する。
// 認証情報を許可するためワイルドカードは返さない。
func (p *CORSPolicy) writeHeaders(c *gin.Context, origin string, preflight bool) {
	h := c.Writer.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if !preflight {
		return
	}
	if p.methods != "" {
		h.Set("Access-Control-Allow-Methods", p.methods)
	}
	if p.echoHeaders {
		if requested := c.GetHeader("Access-Control-Request-Headers"); requested != "" {
			h.Set("Access-Control-Allow-Headers", requested)
		}
	} else if p.headers != "" {
		h.Set("Access-Control-Allow-Headers", p.headers)
	}
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
}

// allowsMethod はプリフライトで要求されたメソッドが許可されているかどうかを返す。
func (p *CORSPolicy) allowsMethod(method string) bool {
	method = strings.ToUpper(strings.TrimSpace(method))
	for _, m := range strings.Split(p.methods, ", ") {
		if m == method {
			return true
		}
	}
	return false
}

// CORS はCORSポリシーを適用するGinミドルウェアを返す。
// プリフライトはこの段で応答し、後続（認証を含む）には到達させない。
func CORS(policy *CORSPolicy, logger *zap.Logger, m *metrics.Metrics) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Add("Vary", "Origin")

		origin := c.GetHeader("Origin")
		if isPreflight(c.Request) {
			h.Add("Vary", "Access-Control-Request-Method")
			h.Add("Vary", "Access-Control-Request-Headers")
			if !policy.AllowsOrigin(origin) || !policy.allowsMethod(c.GetHeader("Access-Control-Request-Method")) {
				m.OriginRejected("preflight")
				logger.Info("CORSプリフライトを拒否しました",
					zap.String("origin", origin),
					zap.String("path", c.Request.URL.Path),
				)
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "許可されていないオリジンです"})
				return
			}
			policy.writeHeaders(c, origin, true)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		if origin == "" || IsSameOrigin(c.Request, origin) {
			c.Next()
			return
		}

		if !policy.AllowsOrigin(origin) {
			m.OriginRejected("http")
			logger.Info("許可されていないオリジンからのリクエストを拒否しました",
				zap.String("origin", origin),
				zap.String("path", c.Request.URL.Path),
			)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "許可されていないオリジンです"})
			return
		}

		policy.writeHeaders(c, origin, false)
		c.Next()
	}
}
