package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nigan/internal/camera"
	"nigan/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Capture.Dir = t.TempDir()
	return cfg
}

func TestHardwareOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Camera.Devices[0].FPS = 30
	cfg.Camera.Devices[1].Sizes = []config.Size{{Width: 1280, Height: 720}}

	opts := HardwareOptions(cfg)
	assert.Equal(t, "/dev/video0", opts.Devices["front"])
	assert.Equal(t, "/dev/video2", opts.Devices["back"])
	assert.Equal(t, 30, opts.FPS)
	assert.Equal(t, []camera.Resolution{{Width: 1280, Height: 720}}, opts.Sizes["back"])
	assert.NotContains(t, opts.Sizes, camera.CameraID("front"))

	// 固定解像度がなければバックエンドに問い合わせる
	assert.Nil(t, HardwareOptions(testConfig(t)).Sizes)
}

func TestControllerOptions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Format = config.FormatPNG

	opts := ControllerOptions(cfg)
	require.Len(t, opts.Devices, 2)
	assert.Equal(t, camera.CameraID("front"), opts.Devices[0].ID)
	assert.True(t, opts.Devices[0].StartRunning)
	assert.False(t, opts.Devices[1].StartRunning)
	assert.Equal(t, cfg.Camera.GateTimeout, opts.GateTimeout)
	assert.Equal(t, ".png", opts.CaptureExt)
	assert.Equal(t, cfg.Capture.Dir, opts.CaptureDir)
}

func TestNew_Errors(t *testing.T) {
	t.Run("不明なバックエンド", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Camera.Backend = "gopro"
		_, err := New(cfg, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("不正なcron式", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Capture.Schedule = "every minute"
		_, err := New(cfg, zap.NewNop())
		assert.Error(t, err)
	})
}

func TestRun_StopsOnCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Schedule = "@every 1h"

	a, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// 終了後はカメラ操作を受け付けない
	_, err = a.controller.Toggle(context.Background(), "front")
	assert.ErrorIs(t, err, camera.ErrNotStarted)
}
