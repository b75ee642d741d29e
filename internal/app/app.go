// Package app は設定からカメラコントローラーとHTTPサーバーを組み立てて実行する
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"nigan/internal/camera"
	"nigan/internal/config"
	"nigan/internal/schedule"
	"nigan/internal/server"
)

// App は起動中のアプリケーション一式
type App struct {
	config     *config.Config
	logger     *zap.Logger
	controller *camera.Controller
	scheduler  *schedule.Scheduler
	server     *server.Server
}

// HardwareOptions は設定からバックエンドの作成オプションを組み立てる
func HardwareOptions(cfg *config.Config) camera.HardwareOptions {
	opts := camera.HardwareOptions{
		Devices: make(map[camera.CameraID]string, len(cfg.Camera.Devices)),
		Sizes:   make(map[camera.CameraID][]camera.Resolution),
	}
	for _, d := range cfg.Camera.Devices {
		id := camera.CameraID(d.ID)
		opts.Devices[id] = d.Device
		if d.FPS > opts.FPS {
			opts.FPS = d.FPS
		}
		for _, s := range d.Sizes {
			opts.Sizes[id] = append(opts.Sizes[id], camera.Resolution{Width: s.Width, Height: s.Height})
		}
	}
	if len(opts.Sizes) == 0 {
		opts.Sizes = nil
	}
	return opts
}

// ControllerOptions は設定からコントローラーのオプションを組み立てる
func ControllerOptions(cfg *config.Config) camera.Options {
	opts := camera.Options{
		GateTimeout: cfg.Camera.GateTimeout,
		CaptureDir:  cfg.Capture.Dir,
		CaptureExt:  cfg.CaptureExt(),
	}
	for _, d := range cfg.Camera.Devices {
		opts.Devices = append(opts.Devices, camera.DeviceOptions{
			ID:           camera.CameraID(d.ID),
			Name:         d.Name,
			StartRunning: d.StartRunning,
		})
	}
	return opts
}

// New はアプリケーションを組み立てる。コントローラーはまだ開始しない
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	hw, err := camera.NewHardwareRegistry().Create(cfg.Camera.Backend, HardwareOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("カメラバックエンドの作成に失敗: %w", err)
	}

	persister := camera.NewFilePersister(cfg.Capture.Quality, logger.Named("persist"))
	controller, err := camera.NewController(hw, camera.AllowAll{}, persister, ControllerOptions(cfg), logger.Named("camera"))
	if err != nil {
		return nil, fmt.Errorf("カメラコントローラーの作成に失敗: %w", err)
	}

	a := &App{
		config:     cfg,
		logger:     logger,
		controller: controller,
		server:     server.New(cfg, controller, logger.Named("server")),
	}

	if cfg.Capture.Schedule != "" {
		a.scheduler, err = schedule.New(cfg.Capture.Schedule, controller, logger.Named("schedule"))
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Run はコントローラーとサーバーを開始し、終了するまでブロックする
//
// サーバーが止まった後、定期撮影を止めてからカメラを閉じる。
func (a *App) Run(ctx context.Context) error {
	if err := a.controller.Start(); err != nil {
		return fmt.Errorf("カメラコントローラーの開始に失敗: %w", err)
	}
	if a.scheduler != nil {
		if err := a.scheduler.Start(); err != nil {
			return errors.Join(err, a.teardown())
		}
	}

	a.logger.Info("nigan を起動します",
		zap.String("addr", a.config.ServerAddress()),
		zap.String("backend", a.config.Camera.Backend),
		zap.Any("cameras", a.controller.CameraIDs()))

	err := a.server.Start(ctx)
	return errors.Join(err, a.teardown())
}

func (a *App) teardown() error {
	timeout := a.config.Camera.CloseTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("定期撮影の停止に失敗: %w", err))
		}
	}
	if err := a.controller.Teardown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("カメラの終了処理に失敗: %w", err))
	}

	if len(errs) == 0 {
		a.logger.Info("すべてのカメラを閉じました")
	}
	return errors.Join(errs...)
}
