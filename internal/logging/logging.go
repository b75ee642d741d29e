// Package logging はzapロガーの構築とcron向けのアダプタを提供する
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New はレベル文字列からロガーを作成する
//
// development がtrueなら人間向けのコンソール出力、falseならJSON出力になる。
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("無効なログレベル %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("ロガーの作成に失敗: %w", err)
	}
	return logger, nil
}

// CronLogger はzapをcron.Loggerとして使うためのアダプタ
type CronLogger struct {
	Logger *zap.Logger
}

// NewCronLogger は新しいCronLoggerを作成する
func NewCronLogger(logger *zap.Logger) *CronLogger {
	return &CronLogger{Logger: logger}
}

func (l *CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l *CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
