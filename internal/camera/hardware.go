package camera

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// EventKind はハードウェアからの非同期通知の種類
type EventKind string

const (
	EventOpened          EventKind = "opened"
	EventDisconnected    EventKind = "disconnected"
	EventError           EventKind = "error"
	EventConfigured      EventKind = "configured"
	EventConfigureFailed EventKind = "configure_failed"
)

// DeviceEvent はハードウェアから届いた状態通知
type DeviceEvent struct {
	Camera  CameraID
	Kind    EventKind
	Device  Device
	Session Session
	Err     error
}

// EventFunc は通知の受け口。呼び出し側をブロックしない
type EventFunc func(DeviceEvent)

// Hardware はカメラデバイス群へのアクセスを抽象化する
type Hardware interface {
	// SupportedOutputSizes はデバイスが出力できる解像度一覧を返す
	SupportedOutputSizes(ctx context.Context, id CameraID) ([]Resolution, error)

	// OpenDevice はデバイスを非同期に開く。結果はEventOpened/EventError等で通知される
	OpenDevice(id CameraID, notify EventFunc) error
}

// Device は開かれた1台のデバイス
type Device interface {
	ID() CameraID

	// CreateSession は描画先に向けたセッションを非同期に構築する
	// 結果はEventConfigured/EventConfigureFailedで通知される
	CreateSession(target Surface, notify EventFunc) error

	Close() error
}

// Session は描画先とリピートリクエストを束ねたキャプチャセッション
type Session interface {
	ID() string

	// SetRepeatingRequest はプレビューの連続リクエストを開始する
	SetRepeatingRequest() error

	// StopRepeating は連続リクエストを止める。既に止まっている場合もエラーにしない
	StopRepeating() error

	Close() error
}

// HardwareOptions はバックエンド作成時の設定
type HardwareOptions struct {
	// Devices はカメラIDとデバイスパスの対応
	Devices map[CameraID]string

	// Sizes は固定の出力解像度一覧（指定がなければバックエンドが問い合わせる）
	Sizes map[CameraID][]Resolution

	FPS int
}

// HardwareCreator はバックエンド作成関数の型
type HardwareCreator func(opts HardwareOptions) (Hardware, error)

// HardwareRegistry はバックエンド名と作成関数の対応を保持する
type HardwareRegistry struct {
	mu       sync.RWMutex
	creators map[string]HardwareCreator
}

// NewHardwareRegistry は標準バックエンドを登録したレジストリを作成する
func NewHardwareRegistry() *HardwareRegistry {
	r := &HardwareRegistry{
		creators: make(map[string]HardwareCreator),
	}

	r.Register(BackendMock, func(opts HardwareOptions) (Hardware, error) {
		return NewMockHardware(opts.Sizes), nil
	})
	r.Register(BackendV4L2, func(opts HardwareOptions) (Hardware, error) {
		hw, err := NewV4L2Hardware(opts)
		if err != nil {
			return nil, err
		}
		return hw, nil
	})

	return r
}

// バックエンド名
const (
	BackendMock = "mock"
	BackendV4L2 = "v4l2"
)

// Register は作成関数を登録する
func (r *HardwareRegistry) Register(name string, creator HardwareCreator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creators[name] = creator
}

// Create はバックエンドを作成する
func (r *HardwareRegistry) Create(name string, opts HardwareOptions) (Hardware, error) {
	r.mu.RLock()
	creator, exists := r.creators[name]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("サポートされていないバックエンド: %s", name)
	}
	return creator(opts)
}

// SupportedBackends は登録済みのバックエンド名を返す
func (r *HardwareRegistry) SupportedBackends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.creators))
	for name := range r.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
