package camera

import (
	"context"
	"fmt"
	"image"
	"time"
)

// CameraID はカメラデバイスの識別子
type CameraID string

// DeviceState はデバイスの動作状態を表す
type DeviceState string

const (
	StateClosed             DeviceState = "closed"              // デバイスは閉じている
	StateOpening            DeviceState = "opening"             // open要求の結果待ち
	StateOpen               DeviceState = "open"                // 開いているがセッションなし
	StateSessionConfiguring DeviceState = "session_configuring" // セッション構築中
	StatePreviewRunning     DeviceState = "preview_running"     // プレビュー動作中
	StatePreviewFrozen      DeviceState = "preview_frozen"      // プレビュー停止中（デバイスは開いたまま）
	StateClosing            DeviceState = "closing"             // close処理中
	StateFailed             DeviceState = "failed"              // エラーで使用不能
)

// Active はデバイスがハードウェア資源を保持している状態かどうかを返す
func (s DeviceState) Active() bool {
	switch s {
	case StateOpening, StateOpen, StateSessionConfiguring, StatePreviewRunning, StatePreviewFrozen:
		return true
	default:
		return false
	}
}

// Resolution は幅×高さを表す
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// IsZero は幅か高さが0以下かどうかを返す
func (r Resolution) IsZero() bool {
	return r.Width <= 0 || r.Height <= 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Rotation はディスプレイの回転コード（0..3、90度単位）
type Rotation int

const (
	Rotation0   Rotation = 0
	Rotation90  Rotation = 1
	Rotation180 Rotation = 2
	Rotation270 Rotation = 3
)

// Degrees は回転角を度で返す
func (r Rotation) Degrees() int {
	return int(r) * 90
}

// Valid は既知の回転コードかどうかを返す
func (r Rotation) Valid() bool {
	return r >= Rotation0 && r <= Rotation270
}

// RotationFromDegrees は角度から回転コードを求める
func RotationFromDegrees(deg int) (Rotation, error) {
	if deg%90 != 0 {
		return 0, fmt.Errorf("90度単位ではない回転角: %d", deg)
	}
	return Rotation(((deg/90)%4 + 4) % 4), nil
}

// Capability は権限の種類
type Capability string

const (
	CapabilityCamera  Capability = "camera"
	CapabilityStorage Capability = "storage"
)

// ToggleResult はToggleの結果
type ToggleResult string

const (
	ToggleStarted ToggleResult = "started"
	ToggleStopped ToggleResult = "stopped"
)

// Surface はプレビューの描画先（UIサーフェス）を表す
//
// Present はセッションから呼ばれ、それ以外はControllerから呼ばれる。
type Surface interface {
	// CurrentFrame は現在表示されているフレームを返す
	CurrentFrame() (image.Image, error)

	// SetTargetBufferSize はセッションが書き込むバッファサイズを設定する
	SetTargetBufferSize(width, height int)

	// ApplyTransform は表示用変換行列を適用する
	ApplyTransform(t Transform)

	// Present はセッションが生成したフレームを受け取る
	Present(frame image.Image)
}

// Persister は撮影画像の保存を担う
type Persister interface {
	Save(ctx context.Context, frame image.Image, path string) error
}

// DeviceOptions は1台分の設定
type DeviceOptions struct {
	ID   CameraID
	Name string

	// StartRunning がtrueの場合、open完了後すぐにプレビューを開始する
	StartRunning bool
}

// Options はControllerの設定
type Options struct {
	Devices []DeviceOptions

	// GateTimeout はattach時のOpenGate待ち上限
	GateTimeout time.Duration

	// CaptureDir は撮影画像の保存先
	CaptureDir string

	// CaptureExt は保存ファイルの拡張子（".jpg" または ".png"）
	CaptureExt string
}

// DefaultGateTimeout はOpenGate待ちの既定値
const DefaultGateTimeout = 2500 * time.Millisecond

// Status はデバイスの状態スナップショット
type Status struct {
	ID             CameraID    `json:"id"`
	Name           string      `json:"name"`
	State          DeviceState `json:"state"`
	Reason         string      `json:"reason,omitempty"`
	Running        bool        `json:"running"`
	PreviewSize    Resolution  `json:"preview_size"`
	SurfaceSize    Resolution  `json:"surface_size"`
	Rotation       Rotation    `json:"rotation"`
	Transform      Transform   `json:"transform"`
	SessionID      string      `json:"session_id,omitempty"`
	CapturePending bool        `json:"capture_pending"`
}

// PendingCapture は保存待ちの撮影1件を表す
type PendingCapture struct {
	Camera      CameraID    `json:"camera"`
	Frame       image.Image `json:"-"`
	Path        string      `json:"path"`
	RequestedAt time.Time   `json:"requested_at"`
}

// CaptureResult は保存処理の結果
type CaptureResult struct {
	Capture PendingCapture
	Err     error
	At      time.Time
}

// Notice は非同期に発生した状態通知
type Notice struct {
	Camera     CameraID
	Err        error
	Severity   Severity
	ExitScreen bool
	At         time.Time
}
