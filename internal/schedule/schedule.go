// Package schedule はcron式に従って定期的に撮影する
package schedule

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"nigan/internal/camera"
	"nigan/internal/logging"
)

// Capturer は撮影を受け付ける側（camera.Controller）
type Capturer interface {
	Capture(ctx context.Context) ([]camera.PendingCapture, error)
}

// Scheduler は定期撮影を管理する
type Scheduler struct {
	spec     string
	capturer Capturer
	logger   *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	runs    int
	running bool
}

// New は新しいSchedulerを作成する。specが不正な場合はエラーを返す
func New(spec string, capturer Capturer, logger *zap.Logger) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("cron式の解析に失敗 %q: %w", spec, err)
	}
	return &Scheduler{
		spec:     spec,
		capturer: capturer,
		logger:   logger.With(zap.String("schedule", spec)),
	}, nil
}

// Start は定期撮影を開始する
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	cronLogger := logging.NewCronLogger(s.logger)
	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	if _, err := c.AddFunc(s.spec, s.run); err != nil {
		return fmt.Errorf("定期撮影の登録に失敗: %w", err)
	}
	c.Start()

	s.cron, s.running = c, true
	s.logger.Info("定期撮影を開始しました")
	return nil
}

// Stop は定期撮影を止め、実行中の撮影が終わるのを待つ
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron, s.running = nil, false
	s.mu.Unlock()

	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		s.logger.Info("定期撮影を停止しました")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("定期撮影の停止待ちを中断: %w", ctx.Err())
	}
}

// Runs は撮影を試みた回数を返す
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

func (s *Scheduler) run() {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()

	captures, err := s.capturer.Capture(context.Background())
	if err != nil {
		s.logger.Warn("定期撮影に失敗しました", zap.Error(err))
	}
	if len(captures) == 0 {
		if err == nil {
			s.logger.Debug("撮影対象のカメラがありません")
		}
		return
	}
	for _, pc := range captures {
		s.logger.Debug("定期撮影を受け付けました",
			zap.String("camera", string(pc.Camera)),
			zap.String("path", pc.Path))
	}
}
