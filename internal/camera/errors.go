package camera

import "errors"

// エラー分類
var (
	// ErrBusy はOpenGateの取得がタイムアウトしたことを表す（再試行可能）
	ErrBusy = errors.New("カメラがビジー状態です")

	// ErrUnavailable はデバイス特性やAPIが存在しないことを表す（そのデバイスにとって致命的）
	ErrUnavailable = errors.New("カメラが利用できません")

	// ErrDisconnected はデバイスの切断通知を表す
	ErrDisconnected = errors.New("カメラが切断されました")

	// ErrHardware はデバイスのエラー通知を表す
	ErrHardware = errors.New("カメラでハードウェアエラーが発生しました")

	// ErrPermissionDenied はカメラ権限が拒否されたことを表す
	ErrPermissionDenied = errors.New("カメラ権限が拒否されました")

	// ErrConfigureFailed はセッション構築の失敗を表す
	ErrConfigureFailed = errors.New("キャプチャセッションの構築に失敗しました")

	// ErrPersistenceFailed は撮影画像の保存失敗を表す
	ErrPersistenceFailed = errors.New("撮影画像の保存に失敗しました")
)

// 操作エラー
var (
	ErrUnknownCamera     = errors.New("カメラが見つかりません")
	ErrNotStarted        = errors.New("コントローラーが開始されていません")
	ErrInvalidState      = errors.New("現在の状態では実行できません")
	ErrCaptureInProgress = errors.New("撮影画像の保存が進行中です")
	ErrCaptureDiscarded  = errors.New("撮影が保存前に破棄されました")
	ErrExecutorStopped   = errors.New("バックグラウンド処理は停止しています")
	ErrInvalidSize       = errors.New("無効なサイズです")
	ErrNoFrame           = errors.New("表示中のフレームがありません")
)

// Severity は利用者への通知方法を表す
type Severity int

const (
	// SeverityTransient は閉じられる通知で十分な一時的な状態
	SeverityTransient Severity = iota

	// SeverityFatal は画面を閉じる前にダイアログで知らせる致命的な状態
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityTransient:
		return "transient"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// SeverityOf はエラーの通知方法を判定する
func SeverityOf(err error) Severity {
	switch {
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrDisconnected),
		errors.Is(err, ErrHardware),
		errors.Is(err, ErrConfigureFailed):
		return SeverityFatal
	default:
		return SeverityTransient
	}
}
