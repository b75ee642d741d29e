package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Camera  CameraConfig  `yaml:"camera"`
	Capture CaptureConfig `yaml:"capture"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend string `yaml:"backend"` // mock または v4l2

	GateTimeout  time.Duration `yaml:"gate_timeout"`  // open開始時のゲート待ち上限
	CloseTimeout time.Duration `yaml:"close_timeout"` // 終了時にクローズと保存を待つ上限

	Devices []CameraDevice `yaml:"devices"`
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	ID     string `yaml:"id"`     // カメラID
	Name   string `yaml:"name"`   // カメラ名
	Device string `yaml:"device"` // デバイスパス (例: /dev/video0)

	// StartRunning がtrueならopen後すぐにプレビューを開始する
	StartRunning bool `yaml:"start_running"`

	FPS   int    `yaml:"fps"`
	Sizes []Size `yaml:"sizes"` // 固定の出力解像度（省略時はデバイスに問い合わせる）
}

// Size は解像度
type Size struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// CaptureConfig は撮影画像の保存設定
type CaptureConfig struct {
	Dir      string `yaml:"dir"`      // 保存先ディレクトリ
	Format   string `yaml:"format"`   // jpeg または png
	Quality  int    `yaml:"quality"`  // JPEG品質 (1-100)
	Schedule string `yaml:"schedule"` // 定期撮影のcron式（空なら無効）
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Development bool   `yaml:"development"` // 開発用の見やすい出力
}

// バックエンド名とフォーマット
const (
	BackendMock = "mock"
	BackendV4L2 = "v4l2"

	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// Default はデフォルト設定を返す
// 1台目はopen後すぐにプレビューを開始し、2台目は操作されるまで停止しておく
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Backend:      BackendMock,
			GateTimeout:  2500 * time.Millisecond,
			CloseTimeout: 5 * time.Second,
			Devices: []CameraDevice{
				{ID: "front", Name: "フロントカメラ", Device: "/dev/video0", StartRunning: true, FPS: 15},
				{ID: "back", Name: "バックカメラ", Device: "/dev/video2", StartRunning: false, FPS: 15},
			},
		},
		Capture: CaptureConfig{
			Dir:     "./captures",
			Format:  FormatJPEG,
			Quality: 90,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
// デフォルト値 → NIGAN_CONFIG で指定したYAMLファイル → 環境変数 の順に上書きする
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("NIGAN_CONFIG"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// LoadFile はYAMLファイルの内容で設定を上書きする
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Capture.Dir = getEnvOrDefault("NIGAN_CAPTURE_DIR", c.Capture.Dir)
	c.Camera.Backend = getEnvOrDefault("NIGAN_BACKEND", c.Camera.Backend)
	c.Log.Level = getEnvOrDefault("NIGAN_LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	switch c.Camera.Backend {
	case BackendMock, BackendV4L2:
	default:
		return fmt.Errorf("不明なバックエンド: %s", c.Camera.Backend)
	}
	if c.Camera.GateTimeout <= 0 {
		return fmt.Errorf("無効なゲート待ち時間: %s", c.Camera.GateTimeout)
	}
	if len(c.Camera.Devices) == 0 {
		return fmt.Errorf("カメラデバイスが設定されていません")
	}
	seen := make(map[string]bool)
	for i, d := range c.Camera.Devices {
		if d.ID == "" {
			return fmt.Errorf("カメラ%d: IDが設定されていません", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("カメラIDが重複しています: %s", d.ID)
		}
		seen[d.ID] = true
		if c.Camera.Backend == BackendV4L2 && d.Device == "" {
			return fmt.Errorf("カメラ %s: デバイスパスが設定されていません", d.ID)
		}
		for _, s := range d.Sizes {
			if s.Width <= 0 || s.Height <= 0 {
				return fmt.Errorf("カメラ %s: 無効な解像度 %dx%d", d.ID, s.Width, s.Height)
			}
		}
	}

	// 保存設定の検証
	if c.Capture.Dir == "" {
		return fmt.Errorf("保存先ディレクトリが設定されていません")
	}
	switch c.Capture.Format {
	case FormatJPEG, FormatPNG:
	default:
		return fmt.Errorf("不明な保存フォーマット: %s", c.Capture.Format)
	}
	if c.Capture.Quality < 1 || c.Capture.Quality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Capture.Quality)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// CaptureExt は保存ファイルの拡張子を返す
func (c *Config) CaptureExt() string {
	if strings.EqualFold(c.Capture.Format, FormatPNG) {
		return ".png"
	}
	return ".jpg"
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
