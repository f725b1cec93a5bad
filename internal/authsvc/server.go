package authsvc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/chatgate/internal/config"
	"github.com/nao1215/chatgate/pkg/logging"
	"github.com/nao1215/chatgate/pkg/middleware"
	"github.com/nao1215/chatgate/pkg/token"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// minPasswordLength はパスワードの最小文字数。
	minPasswordLength = 8
	// maxPasswordBytes はbcryptが扱えるパスワードの最大バイト数。
	maxPasswordBytes = 72
	// defaultRole は登録したユーザーに付与するロール。
	defaultRole = "user"
	// devEmail は開発用トークンのユーザーのメールアドレス。
	devEmail = "dev@localhost"
)

// dummyPasswordHash は存在しないユーザーのサインインでも照合を行うためのハッシュ。
// 応答時間からユーザーの有無を推測されないようにする。
var dummyPasswordHash = sync.OnceValue(func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("chatgate-dummy-password"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("ダミーハッシュの生成に失敗: %v", err))
	}
	return hash
})

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// cfg は認証サービスの設定。
	cfg *config.AuthService
	// router はGinのHTTPルーター。
	router *gin.Engine
	// store はユーザーストア。
	store *Store
	// now は現在時刻を返す関数。
	now func() time.Time
	// logger はロガー。
	logger *zap.Logger
}

// NewServer は新しい認証サーバーを生成する。
func NewServer(cfg *config.AuthService, store *Store, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger.Named("http")))

	s := &Server{
		cfg:    cfg,
		router: router,
		store:  store,
		now:    time.Now,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	auth := s.router.Group("/auth")
	{
		auth.POST("/signup", s.handleSignup())
		auth.POST("/signin", s.handleSignin())
		// 開発用トークン発行
		if s.cfg.DevTokenEnabled {
			auth.POST("/dev-token", s.handleDevToken())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "authsvc"})
	})
}

// signupRequest はユーザー登録リクエストのJSON構造。
type signupRequest struct {
	// Email はメールアドレス。
	Email string `json:"email" binding:"required,email"`
	// Password はパスワード。
	Password string `json:"password" binding:"required"`
	// DisplayName は表示名。
	DisplayName string `json:"display_name"`
}

// signinRequest はサインインリクエストのJSON構造。
type signinRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// tokenResponse はトークン発行のJSONレスポンス構造。
type tokenResponse struct {
	// Token はBearerトークン。
	Token string `json:"token"`
	// TokenType は常に "Bearer"。
	TokenType string `json:"token_type"`
	// ExpiresIn は有効期間（秒）。
	ExpiresIn int64 `json:"expires_in"`
	// UserID はトークンのsubと同じユーザーID。
	UserID string `json:"user_id"`
}

// handleSignup はユーザーを登録してトークンを発行するハンドラを返す。
func (s *Server) handleSignup() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}
		if len(req.Password) < minPasswordLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("パスワードは%d文字以上にしてください", minPasswordLength)})
			return
		}
		if len(req.Password) > maxPasswordBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("パスワードは%dバイト以下にしてください", maxPasswordBytes)})
			return
		}
		displayName := strings.TrimSpace(req.DisplayName)
		if displayName == "" {
			displayName, _, _ = strings.Cut(req.Email, "@")
		}

		hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
		if err != nil {
			s.logger.Error("パスワードのハッシュ化に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー登録に失敗しました"})
			return
		}

		user, err := s.store.CreateUser(c.Request.Context(), strings.ToLower(req.Email), displayName, string(hash), []string{defaultRole})
		if errors.Is(err, ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "メールアドレスは既に登録されています"})
			return
		}
		if err != nil {
			s.logger.Error("ユーザー登録に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー登録に失敗しました"})
			return
		}

		s.respondToken(c, http.StatusCreated, user)
	}
}

// handleSignin はパスワードを照合してトークンを発行するハンドラを返す。
// ユーザーの有無とパスワードの不一致は区別せず401を返す。
func (s *Server) handleSignin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req signinRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}

		user, err := s.store.GetUserByEmail(c.Request.Context(), strings.ToLower(req.Email))
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			s.logger.Error("ユーザーの取得に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "サインインに失敗しました"})
			return
		}
		hash := dummyPasswordHash()
		if user != nil && user.PasswordHash != "" {
			hash = []byte(user.PasswordHash)
		}
		matched := bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) == nil
		if user == nil || user.PasswordHash == "" || !matched {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "メールアドレスまたはパスワードが正しくありません"})
			return
		}

		if err := s.store.UpdateLastLogin(c.Request.Context(), user.ID); err != nil {
			s.logger.Warn("最終ログイン日時の更新に失敗しました", zap.String("user_id", user.ID), zap.Error(err))
		}
		s.respondToken(c, http.StatusOK, user)
	}
}

// handleDevToken は開発用ユーザーのトークンを発行するハンドラを返す。
// DEV_TOKEN_ENABLEDが有効な場合のみ登録される。
func (s *Server) handleDevToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := s.store.EnsureUser(c.Request.Context(), devEmail, "開発ユーザー", []string{defaultRole})
		if err != nil {
			s.logger.Error("開発ユーザーの作成に失敗しました", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー作成に失敗しました"})
			return
		}
		s.respondToken(c, http.StatusOK, user)
	}
}

// respondToken はユーザーのトークンを発行してレスポンスを返す。
func (s *Server) respondToken(c *gin.Context, status int, user *User) {
	claims := token.Claims{Email: user.Email, Roles: user.Roles}
	claims.Subject = user.ID
	raw, err := token.Issue(s.cfg.JWTSecret, claims, s.now(), s.cfg.TokenTTL)
	if err != nil {
		s.logger.Error("トークン生成に失敗しました", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
		return
	}
	c.JSON(status, tokenResponse{
		Token:     raw,
		TokenType: "Bearer",
		ExpiresIn: int64(s.cfg.TokenTTL / time.Second),
		UserID:    user.ID,
	})
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルにシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort("", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTPサーバーを起動します", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("シャットダウンに失敗: %w", err)
	}
	return <-errCh
}
