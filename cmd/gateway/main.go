// チャットゲートウェイのエントリポイント。
// トークン検証、CORS、認可、リアルタイム接続のアップグレードとメッセージブローカーを担当する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/chatgate/internal/config"
	"github.com/nao1215/chatgate/internal/gateway"
	"github.com/nao1215/chatgate/pkg/logging"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Gatewayサービスの起動に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadGateway()
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

	server, err := gateway.NewServer(cfg, logger, nil)
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Gatewayサービスを起動します",
		zap.String("port", cfg.Port),
		zap.String("admin_port", cfg.AdminPort),
		zap.String("env", cfg.Env),
	)
	return server.Run(ctx)
}
