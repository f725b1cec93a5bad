package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/chatgate/pkg/authz"
	"github.com/nao1215/chatgate/pkg/logging"
	"github.com/nao1215/chatgate/pkg/metrics"
	"github.com/nao1215/chatgate/pkg/token"
	"go.uber.org/zap"
)

// Verifier はBearerトークンを検証しIdentityを返す。
type Verifier interface {
	Verify(raw string) (*token.Identity, error)
}

// HeaderUserID は検証済みユーザーIDを後段のサービスへ伝播するHTTPヘッダー。
// クライアントが送ったものは必ず取り除く。
const HeaderUserID = "X-User-ID"

const (
	// ctxKeyIdentity はGinコンテキストにIdentityを格納するキー。
	ctxKeyIdentity = "identity"
	// ctxKeyUserID はGinコンテキストにユーザーIDを格納するキー。
	ctxKeyUserID = "user_id"
	// ctxKeyGateDone は認証ゲートが実行済みであることを表すキー。
	ctxKeyGateDone = "auth_gate_done"
)

// unauthorizedBody は401のレスポンスボディ。検証のどの段で失敗したかは返さない。
var unauthorizedBody = gin.H{"error": "認証に失敗しました"}

// AuthConfig は認証ゲートの依存関係。
type AuthConfig struct {
	// Verifier はトークン検証器。必須。
	Verifier Verifier
	// Policy は認証不要パスの判定に使う。必須。
	Policy *authz.Policy
	// Logger は検証失敗の理由を記録する。
	Logger *zap.Logger
	// Metrics は検証失敗を理由別に数える。
	Metrics *metrics.Metrics
}

// Authenticate は認証ゲートとなるGinミドルウェアを返す。
//
// 公開パスはトークン検証を行わずに通過させる。それ以外はBearerトークンを検証し、
// 成功した場合はIdentityをGinコンテキストとリクエストのcontext.Contextに格納する。
// 失敗理由はログとメトリクスにのみ残し、レスポンスは常に同じ401とする。
func Authenticate(cfg AuthConfig) gin.HandlerFunc {
	logger := logging.OrNop(cfg.Logger)

	return func(c *gin.Context) {
		if _, done := c.Get(ctxKeyGateDone); done {
			c.Next()
			return
		}
		c.Set(ctxKeyGateDone, true)

		// 上流から偽のユーザーIDを持ち込ませない。
		c.Request.Header.Del(HeaderUserID)

		path := c.Request.URL.Path
		if !authz.IsCanonical(path) {
			logger.Info("正規化されていないパスを拒否しました", zap.String("path", path))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "パスが正規化されていません"})
			return
		}

		if cfg.Policy.IsPublic(path, c.Request.Method) {
			c.Next()
			return
		}

		raw, ok := token.FromHeader(c.GetHeader("Authorization"))
		if !ok {
			reject(c, logger, cfg.Metrics, token.ErrMissing)
			return
		}

		id, err := cfg.Verifier.Verify(raw)
		if err != nil {
			reject(c, logger, cfg.Metrics, err)
			return
		}

		c.Set(ctxKeyIdentity, id)
		c.Set(ctxKeyUserID, id.Subject)
		c.Request = c.Request.WithContext(token.NewContext(c.Request.Context(), id))
		c.Request.Header.Set(HeaderUserID, id.Subject)
		c.Next()
	}
}

// reject は検証失敗を記録し、汎用の401を返す。
func reject(c *gin.Context, logger *zap.Logger, m *metrics.Metrics, err error) {
	reason := token.Reason(err)
	m.AuthFailure(reason)
	logger.Info("認証に失敗しました",
		zap.String("reason", reason),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.String("client_ip", c.ClientIP()),
	)
	c.Header("WWW-Authenticate", `Bearer realm="chatgate"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, unauthorizedBody)
}

// GetIdentity はGinコンテキストから検証済みIdentityを取得する。
// Authenticateミドルウェアが事前に適用されている必要がある。
func GetIdentity(c *gin.Context) (*token.Identity, bool) {
	v, ok := c.Get(ctxKeyIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*token.Identity)
	return id, ok && id != nil
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// 未認証の場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(ctxKeyUserID)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}
