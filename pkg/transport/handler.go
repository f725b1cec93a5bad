package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/nao1215/chatgate/pkg/broker"
	"github.com/nao1215/chatgate/pkg/logging"
	"github.com/nao1215/chatgate/pkg/metrics"
	"github.com/nao1215/chatgate/pkg/middleware"
	"github.com/nao1215/chatgate/pkg/token"
	"go.uber.org/zap"
)

// 既定値。
const (
	DefaultWriteTimeout      = 10 * time.Second
	DefaultPollTimeout       = 25 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
)

// accessTokenParam はアップグレード時にトークンを渡すクエリパラメータ名。
// ブラウザのWebSocket APIはヘッダーを設定できないため使用する。
const accessTokenParam = "access_token"

// OriginChecker はOriginを許可するかどうかを判定する。middleware.CORSPolicyが実装する。
type OriginChecker interface {
	AllowsOrigin(origin string) bool
}

// Config はHandlerの設定。
type Config struct {
	// Dispatcher は受信フレームの振り分け先。必須。
	Dispatcher *broker.Dispatcher
	// Verifier はアップグレード時に提示されたトークンの検証器。必須。
	Verifier broker.Verifier
	// Origins はOriginの判定に使用する。nilの場合はすべて許可する。
	Origins OriginChecker
	// Session は各Sessionの送信キューの上限。
	Session broker.SessionOptions
	// MaxMessageBytes は受信フレームの最大バイト数。
	MaxMessageBytes int64
	// WriteTimeout はWebSocketのフレーム1つあたりの書き込みタイムアウト。
	WriteTimeout time.Duration
	// PollTimeout はロングポーリングの最大待機時間。
	PollTimeout time.Duration
	// HeartbeatInterval はSSEのハートビート間隔。
	HeartbeatInterval time.Duration
	// FallbackEnabled はSSEとロングポーリングの経路を有効にするかどうか。
	FallbackEnabled bool
	// Logger はロガー。
	Logger *zap.Logger
	// Metrics はメトリクス。
	Metrics *metrics.Metrics
}

// Handler はConnection Upgrade Handler。
type Handler struct {
	dispatcher *broker.Dispatcher
	registry   *broker.Registry
	verifier   broker.Verifier
	origins    OriginChecker
	session    broker.SessionOptions
	maxBytes   int64
	writeWait  time.Duration
	pollWait   time.Duration
	heartbeat  time.Duration
	fallback   bool
	upgrader   websocket.Upgrader
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// New は新しいHandlerを生成する。
func New(cfg Config) *Handler {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = broker.DefaultMaxMessageBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	h := &Handler{
		dispatcher: cfg.Dispatcher,
		registry:   cfg.Dispatcher.Registry(),
		verifier:   cfg.Verifier,
		origins:    cfg.Origins,
		session:    cfg.Session,
		maxBytes:   cfg.MaxMessageBytes,
		writeWait:  cfg.WriteTimeout,
		pollWait:   cfg.PollTimeout,
		heartbeat:  cfg.HeartbeatInterval,
		fallback:   cfg.FallbackEnabled,
		logger:     logging.OrNop(cfg.Logger),
		metrics:    cfg.Metrics,
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: cfg.WriteTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		// Originはアップグレード前にadmitで検証する。
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return h
}

// Register はルーターにエンドポイントを登録する。
// rはベースパス（例: "/ws"）のグループを想定する。
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("", h.ServeWebSocket)
	if !h.fallback {
		return
	}
	r.POST("/sessions", h.createSession)
	r.GET("/sessions/:id/stream", h.stream)
	r.GET("/sessions/:id/poll", h.poll)
	r.POST("/sessions/:id/send", h.send)
	r.DELETE("/sessions/:id", h.deleteSession)
}

// admit はOriginとアップグレード時のトークンを検証する。
// トークンが提示されていない場合はnilのIdentityを返す。
func (h *Handler) admit(r *http.Request, endpoint string) (*token.Identity, error) {
	if origin := r.Header.Get("Origin"); origin != "" && h.origins != nil &&
		!middleware.IsSameOrigin(r, origin) && !h.origins.AllowsOrigin(origin) {
		h.metrics.OriginRejected(endpoint)
		return nil, &UpgradeError{Kind: KindForbidden, Err: middleware.ErrOriginForbidden}
	}

	raw, ok := token.FromHeader(r.Header.Get("Authorization"))
	if !ok {
		raw = strings.TrimSpace(r.URL.Query().Get(accessTokenParam))
	}
	if raw == "" {
		return nil, nil
	}
	id, err := h.verifier.Verify(raw)
	if err != nil {
		h.metrics.AuthFailure(token.Reason(err))
		return nil, &UpgradeError{Kind: KindUnauthorized, Err: err}
	}
	return id, nil
}

// abort はアップグレードの失敗をJSONで返す。
func (h *Handler) abort(c *gin.Context, err error) {
	var ue *UpgradeError
	if !errors.As(err, &ue) {
		ue = &UpgradeError{Kind: KindBadRequest, Err: err}
	}
	h.logger.Info("接続要求を拒否しました",
		zap.String("kind", ue.Kind.String()),
		zap.String("path", c.Request.URL.Path),
		zap.String("origin", c.GetHeader("Origin")),
		zap.Error(ue.Err),
	)
	if ue.Kind == KindUnauthorized {
		c.Header("WWW-Authenticate", `Bearer realm="chatgate"`)
	}
	c.AbortWithStatusJSON(ue.Status(), gin.H{"error": ue.message()})
}

// open はSessionを生成してRegistryに登録する。
func (h *Handler) open(transport string, id *token.Identity) (*broker.Session, error) {
	s := broker.NewSession(transport, h.session)
	if id != nil {
		s.SetIdentity(id)
	}
	if err := h.registry.Attach(s); err != nil {
		return nil, err
	}
	return s, nil
}
