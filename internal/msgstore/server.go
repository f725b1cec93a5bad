package msgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/chatgate/internal/config"
	"github.com/nao1215/chatgate/pkg/event"
	"github.com/nao1215/chatgate/pkg/logging"
	"github.com/nao1215/chatgate/pkg/middleware"
	"go.uber.org/zap"
)

// maxListLimit は一覧取得で指定できる件数の上限。
const maxListLimit = 500

// Server はメッセージ保存サービスのHTTPサーバー。
type Server struct {
	// cfg はメッセージ保存サービスの設定。
	cfg *config.MessageStore
	// router はGinのHTTPルーター。
	router *gin.Engine
	// store はメッセージストア。
	store *Store
	// logger はロガー。
	logger *zap.Logger
}

// NewServer は新しいメッセージ保存サーバーを生成する。
func NewServer(cfg *config.MessageStore, store *Store, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger.Named("http")))

	s := &Server{
		cfg:    cfg,
		router: router,
		store:  store,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	messages := s.router.Group("/api/v1/messages")
	{
		// メッセージの追記
		messages.POST("", s.handleAppend())
		// ルームのメッセージ取得（クエリパラメータ: room, since, limit）
		messages.GET("", s.handleList())
	}

	// ヘルスチェック
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "msgstore"})
	})
}

// handleAppend はメッセージの追記を処理するハンドラを返す。
// X-User-IDヘッダーがある場合は送信者と一致しなければならない。
func (s *Server) handleAppend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg event.ChatMessage
		if err := c.ShouldBindJSON(&msg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストが不正です"})
			return
		}
		if msg.ID == "" || msg.Room == "" || msg.Sender == "" || msg.SentAt.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id, room, sender, sent_at は必須です"})
			return
		}
		if userID := c.GetHeader(middleware.HeaderUserID); userID != "" && userID != msg.Sender {
			c.JSON(http.StatusForbidden, gin.H{"error": "送信者とユーザーIDが一致しません"})
			return
		}

		err := s.store.Append(c.Request.Context(), &msg)
		if errors.Is(err, ErrDuplicateMessage) {
			c.JSON(http.StatusConflict, gin.H{"error": "メッセージは既に保存されています"})
			return
		}
		if err != nil {
			s.logger.Error("メッセージの保存に失敗しました", zap.String("message_id", msg.ID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "メッセージの保存に失敗しました"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": msg.ID})
	}
}

// handleList はルームのメッセージ取得を処理するハンドラを返す。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		room := c.Query("room")
		if room == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "room は必須です"})
			return
		}

		var since time.Time
		if raw := c.Query("since"); raw != "" {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "since はRFC3339形式で指定してください"})
				return
			}
			since = t
		}

		limit := s.cfg.DefaultLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit は正の整数で指定してください"})
				return
			}
			limit = min(n, maxListLimit)
		}

		messages, err := s.store.List(c.Request.Context(), room, since, limit)
		if err != nil {
			s.logger.Error("メッセージの取得に失敗しました", zap.String("room", room), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "メッセージの取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages, "count": len(messages)})
	}
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
