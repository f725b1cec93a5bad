package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/chatgate/internal/config"
	"github.com/nao1215/chatgate/pkg/authz"
	"github.com/nao1215/chatgate/pkg/broker"
	"github.com/nao1215/chatgate/pkg/logging"
	"github.com/nao1215/chatgate/pkg/metrics"
	"github.com/nao1215/chatgate/pkg/middleware"
	"github.com/nao1215/chatgate/pkg/token"
	"github.com/nao1215/chatgate/pkg/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// proxyTimeout は協調サービスへのプロキシのタイムアウト。
const proxyTimeout = 30 * time.Second

// hopHeaders はプロキシで転送しないレスポンスヘッダー。
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
	"Content-Length":    true,
}

// Server はゲートウェイのHTTPサーバー。
type Server struct {
	// cfg はゲートウェイの設定。
	cfg *config.Gateway
	// router は公開ポートのGinルーター。
	router *gin.Engine
	// admin は管理用ポートのGinルーター。
	admin *gin.Engine
	// registry はブローカーのRegistry。
	registry *broker.Registry
	// proxyClient は協調サービスへのプロキシに使うHTTPクライアント。
	proxyClient *http.Client
	// logger はロガー。
	logger *zap.Logger
}

// NewServer は新しいゲートウェイサーバーを生成する。
// promRegがnilの場合は専用のレジストリを作成する。
func NewServer(cfg *config.Gateway, logger *zap.Logger, promReg *prometheus.Registry) (*Server, error) {
	logger = logging.OrNop(logger)
	if promReg == nil {
		promReg = prometheus.NewRegistry()
		promReg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := metrics.New(promReg)

	var verifierOpts []token.Option
	if cfg.JWTIssuer != "" {
		verifierOpts = append(verifierOpts, token.WithIssuer(cfg.JWTIssuer))
	}
	verifier, err := token.NewVerifier(cfg.JWTSecret, verifierOpts...)
	if err != nil {
		return nil, fmt.Errorf("トークン検証器の生成に失敗: %w", err)
	}
	policy, err := authz.DefaultPolicy(publicPatterns(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("認可ポリシーの生成に失敗: %w", err)
	}
	cors, err := middleware.NewCORSPolicy(middleware.CORSConfig{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   cfg.CORS.AllowedMethods,
		AllowedHeaders:   cfg.CORS.AllowedHeaders,
		AllowCredentials: cfg.CORS.AllowCredentials,
		MaxAge:           cfg.CORS.MaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("CORSポリシーの生成に失敗: %w", err)
	}
	if cfg.InsecureCORS() {
		logger.Warn("すべてのOriginを認証情報付きで許可しています。本番環境ではCORS_ALLOWED_ORIGINSを設定してください")
	}

	var origins transport.OriginChecker = cors
	if len(cfg.WS.AllowedOrigins) > 0 {
		wsOrigins, err := middleware.NewCORSPolicy(middleware.CORSConfig{AllowedOrigins: cfg.WS.AllowedOrigins})
		if err != nil {
			return nil, fmt.Errorf("WebSocketのOriginポリシーの生成に失敗: %w", err)
		}
		origins = wsOrigins
	}

	registry := broker.NewRegistry(broker.Config{
		DisconnectDelay: cfg.WS.DisconnectDelay,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		Logger:          logger.Named("broker"),
		Metrics:         m,
	})
	dispatcher := broker.NewDispatcher(registry, broker.DispatcherConfig{
		Verifier:        verifier,
		RequireIdentity: cfg.WS.RequireAuth,
		Logger:          logger.Named("broker"),
	})

	relay := newChatRelay(registry, cfg.Services, logger.Named("chat"))
	if err := dispatcher.Handle(roomPattern, relay.handleSend); err != nil {
		return nil, fmt.Errorf("チャットリレーの登録に失敗: %w", err)
	}

	upgrader := transport.New(transport.Config{
		Dispatcher: dispatcher,
		Verifier:   verifier,
		Origins:    origins,
		Session: broker.SessionOptions{
			MaxMessages: cfg.WS.MessageCacheSize,
			MaxBytes:    cfg.WS.MaxMessageBytes,
		},
		MaxMessageBytes: int64(cfg.WS.MaxMessageBytes),
		WriteTimeout:    cfg.WS.WriteTimeout,
		PollTimeout:     cfg.WS.PollTimeout,
		FallbackEnabled: cfg.WS.FallbackEnabled,
		Logger:          logger.Named("transport"),
		Metrics:         m,
	})

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger.Named("http")))
	router.Use(middleware.CORS(cors, logger.Named("cors"), m))
	router.Use(middleware.Authenticate(middleware.AuthConfig{
		Verifier: verifier,
		Policy:   policy,
		Logger:   logger.Named("auth"),
		Metrics:  m,
	}))

	s := &Server{
		cfg:         cfg,
		router:      router,
		registry:    registry,
		proxyClient: &http.Client{Timeout: proxyTimeout},
		logger:      logger,
	}
	s.setupRoutes(upgrader)
	s.admin = s.newAdminRouter(promReg)

	return s, nil
}

// publicPatterns は認証不要のパスパターンを返す。
// 接続エンドポイントはハンドシェイクとCONNECTでトークンを検証するため、WS_PATHの配下を常に含める。
func publicPatterns(cfg *config.Gateway) []string {
	patterns := slices.Clone(cfg.PublicPaths)
	if len(patterns) == 0 {
		patterns = slices.Clone(authz.DefaultPublicPatterns)
	}
	for _, p := range []string{cfg.WS.Path, cfg.WS.Path + "/**"} {
		if !slices.Contains(patterns, p) {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// Handler は公開ポートのHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler { return s.router }

// AdminHandler は管理用ポートのHTTPハンドラーを返す。
func (s *Server) AdminHandler() http.Handler { return s.admin }

// Registry はブローカーのRegistryを返す。
func (s *Server) Registry() *broker.Registry { return s.registry }

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes(upgrader *transport.Handler) {
	// 認証サービス（認証不要）
	s.router.Any("/auth/*path", s.handleProxy(s.cfg.Services.Auth))

	// チャットサービス（認証必須）
	chat := s.handleProxy(s.cfg.Services.Chat)
	s.router.Any("/api/*path", chat)
	s.router.Any("/chat/*path", chat)
	s.router.Any("/users/*path", chat)

	// リアルタイム通信
	upgrader.Register(s.router.Group(s.cfg.WS.Path))

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "リソースが見つかりません"})
	})
}

// newAdminRouter はヘルスチェックとメトリクスを提供する管理用ルーターを生成する。
func (s *Server) newAdminRouter(gatherer prometheus.Gatherer) *gin.Engine {
	admin := gin.New()
	admin.Use(middleware.Recovery(s.logger))
	admin.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  "gateway",
			"sessions": s.registry.SessionCount(),
			"topics":   s.registry.TopicCount(),
		})
	})
	admin.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return admin
}

// handleProxy は指定されたサービスへリクエストのパスをそのままプロキシするハンドラを返す。
func (s *Server) handleProxy(baseURL string) gin.HandlerFunc {
	baseURL = strings.TrimRight(baseURL, "/")
	return func(c *gin.Context) {
		proxyURL := baseURL + c.Request.URL.EscapedPath()
		if c.Request.URL.RawQuery != "" {
			proxyURL += "?" + c.Request.URL.RawQuery
		}
		s.doProxy(c, proxyURL)
	}
}

// doProxy はリクエストを協調サービスにプロキシする共通処理。
// Authorizationヘッダーと検証済みのユーザーIDを転送する。
func (s *Server) doProxy(c *gin.Context, url string) {
	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, url, c.Request.Body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "プロキシリクエストの作成に失敗しました"})
		return
	}

	for _, h := range []string{"Content-Type", "Accept", "Authorization"} {
		if v := c.GetHeader(h); v != "" {
			req.Header.Set(h, v)
		}
	}
	if userID := middleware.GetUserID(c); userID != "" {
		req.Header.Set(middleware.HeaderUserID, userID)
	}
	req.Header.Set("X-Forwarded-For", c.ClientIP())
	req.ContentLength = c.Request.ContentLength

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.logger.Warn("プロキシに失敗しました", zap.String("url", url), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if hopHeaders[k] || strings.HasPrefix(k, "Access-Control-") {
			continue
		}
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.Info("プロキシレスポンスの転送に失敗しました", zap.String("url", url), zap.Error(err))
	}
}

// Run は公開ポートと管理用ポートでサーバーを起動し、ctxがキャンセルされるとグレースフルにシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	public := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	admin := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.AdminPort),
		Handler:           s.admin,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.registry.Run(gctx)
		return nil
	})
	for _, srv := range []*http.Server{public, admin} {
		g.Go(func() error {
			s.logger.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("シャットダウンを開始します")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		// ハイジャックされたWebSocket接続はShutdownの対象外なので先に閉じる。
		s.registry.CloseAll(broker.ReasonShutdown)
		return errors.Join(public.Shutdown(shutdownCtx), admin.Shutdown(shutdownCtx))
	})
	return g.Wait()
}
