package main

import (
	"context"
	"log"
	"os"

	"go.uber.org/zap"

	"nigan/internal/app"
	"nigan/internal/config"
	"nigan/internal/logging"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("ロガーの作成に失敗しました: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("アプリケーションの作成に失敗しました", zap.Error(err))
		os.Exit(1)
	}

	// サーバーを起動
	if err := a.Run(context.Background()); err != nil {
		logger.Error("サーバーが異常終了しました", zap.Error(err))
		os.Exit(1)
	}
}
