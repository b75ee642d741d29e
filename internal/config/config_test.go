package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	t.Setenv("NIGAN_CONFIG", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}

	// 2台構成で、1台目だけが自動開始
	if len(cfg.Camera.Devices) != 2 {
		t.Fatalf("Expected 2 devices, got %d", len(cfg.Camera.Devices))
	}
	if !cfg.Camera.Devices[0].StartRunning {
		t.Error("Expected first device to start running")
	}
	if cfg.Camera.Devices[1].StartRunning {
		t.Error("Expected second device to start stopped")
	}
	if cfg.Camera.GateTimeout != 2500*time.Millisecond {
		t.Errorf("Expected gate timeout 2.5s, got %s", cfg.Camera.GateTimeout)
	}
	if cfg.CaptureExt() != ".jpg" {
		t.Errorf("Expected .jpg, got %s", cfg.CaptureExt())
	}
}

// TestConfigLoadFile はYAMLファイルの読み込みをテストする
func TestConfigLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nigan.yaml")
	content := `
server:
  port: 9000
camera:
  backend: v4l2
  gate_timeout: 1s
  devices:
    - id: left
      device: /dev/video4
      start_running: true
      sizes:
        - {width: 1280, height: 720}
    - id: right
      device: /dev/video6
capture:
  format: png
  schedule: "@every 1m"
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	t.Setenv("NIGAN_CONFIG", path)
	t.Setenv("NIGAN_CAPTURE_DIR", filepath.Join(dir, "out"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Camera.Backend != BackendV4L2 {
		t.Errorf("Expected v4l2 backend, got %s", cfg.Camera.Backend)
	}
	if cfg.Camera.GateTimeout != time.Second {
		t.Errorf("Expected gate timeout 1s, got %s", cfg.Camera.GateTimeout)
	}
	if len(cfg.Camera.Devices) != 2 || cfg.Camera.Devices[0].ID != "left" {
		t.Fatalf("Unexpected devices: %+v", cfg.Camera.Devices)
	}
	if got := cfg.Camera.Devices[0].Sizes; len(got) != 1 || got[0] != (Size{Width: 1280, Height: 720}) {
		t.Errorf("Unexpected sizes: %+v", got)
	}
	if cfg.CaptureExt() != ".png" {
		t.Errorf("Expected .png, got %s", cfg.CaptureExt())
	}
	if cfg.Capture.Schedule != "@every 1m" {
		t.Errorf("Expected schedule, got %q", cfg.Capture.Schedule)
	}
	// 指定のない項目はデフォルトのまま
	if cfg.Capture.Quality != 90 {
		t.Errorf("Expected default quality 90, got %d", cfg.Capture.Quality)
	}
	// 環境変数はファイルより優先
	if cfg.Capture.Dir != filepath.Join(dir, "out") {
		t.Errorf("Expected capture dir from env, got %s", cfg.Capture.Dir)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Expected debug log level, got %s", cfg.Log.Level)
	}
}

// TestConfigLoadFileMissing は存在しないファイルを指定した場合をテストする
func TestConfigLoadFileMissing(t *testing.T) {
	t.Setenv("NIGAN_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Error("Expected error for missing config file")
	}
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			modify:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 99999 },
			expectErr: true,
		},
		{
			name:      "カメラデバイスなし",
			modify:    func(c *Config) { c.Camera.Devices = nil },
			expectErr: true,
		},
		{
			name:      "カメラIDなし",
			modify:    func(c *Config) { c.Camera.Devices[0].ID = "" },
			expectErr: true,
		},
		{
			name:      "カメラIDの重複",
			modify:    func(c *Config) { c.Camera.Devices[1].ID = c.Camera.Devices[0].ID },
			expectErr: true,
		},
		{
			name: "v4l2でデバイスパスなし",
			modify: func(c *Config) {
				c.Camera.Backend = BackendV4L2
				c.Camera.Devices[0].Device = ""
			},
			expectErr: true,
		},
		{
			name:      "mockならデバイスパスなしでもよい",
			modify:    func(c *Config) { c.Camera.Devices[0].Device = "" },
			expectErr: false,
		},
		{
			name:      "不明なバックエンド",
			modify:    func(c *Config) { c.Camera.Backend = "gopro" },
			expectErr: true,
		},
		{
			name:      "ゲート待ち時間なし",
			modify:    func(c *Config) { c.Camera.GateTimeout = 0 },
			expectErr: true,
		},
		{
			name:      "無効な解像度",
			modify:    func(c *Config) { c.Camera.Devices[0].Sizes = []Size{{Width: 0, Height: 720}} },
			expectErr: true,
		},
		{
			name:      "不明な保存フォーマット",
			modify:    func(c *Config) { c.Capture.Format = "gif" },
			expectErr: true,
		},
		{
			name:      "無効なJPEG品質",
			modify:    func(c *Config) { c.Capture.Quality = 101 },
			expectErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("予期しないエラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "192.168.1.100",
			Port: 9090,
		},
	}

	expected := "192.168.1.100:9090"
	if actual := cfg.ServerAddress(); actual != expected {
		t.Errorf("サーバーアドレスが一致しません: got %s, want %s", actual, expected)
	}
}

// TestEnvironmentVariables は環境変数の処理をテストする
func TestEnvironmentVariables(t *testing.T) {
	t.Setenv("NIGAN_CONFIG", "")
	t.Setenv("SERVER_HOST", "test.example.com")
	t.Setenv("PORT", "9999")
	t.Setenv("NIGAN_BACKEND", BackendMock)
	t.Setenv("NIGAN_LOG_LEVEL", "warn")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	if cfg.Server.Host != "test.example.com" {
		t.Errorf("環境変数のホストが反映されていません: got %s, want test.example.com", cfg.Server.Host)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("環境変数のポートが反映されていません: got %d, want 9999", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("環境変数のログレベルが反映されていません: got %s", cfg.Log.Level)
	}
}
