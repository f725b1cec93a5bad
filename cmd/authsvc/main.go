// 参照用認証サービスのエントリポイント。
// ユーザー登録、サインイン、ゲートウェイと共有する鍵でのトークン発行を担当する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/chatgate/internal/authsvc"
	"github.com/nao1215/chatgate/internal/config"
	"github.com/nao1215/chatgate/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "認証サービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadAuthService()
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.Debug)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := authsvc.OpenStore(ctx, cfg.DBPath, logger.Named("store"))
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.DevTokenEnabled {
		logger.Warn("開発用トークン発行エンドポイントが有効です")
	}
	logger.Info("認証サービスを起動します", zap.String("port", cfg.Port), zap.String("env", cfg.Env))
	return authsvc.NewServer(cfg, store, logger).Run(ctx)
}
