package camera

import (
	"context"
	"fmt"
	"time"
)

// OpenGate はデバイスごとの二値セマフォ
//
// open開始からopen結果通知まで、またはclose開始から終了までの間だけ保持される。
// Release は保持されていない場合は何もしないため、失敗経路から重ねて呼んでもよい。
type OpenGate struct {
	id     CameraID
	tokens chan struct{}
}

// NewOpenGate は新しいOpenGateを作成する
func NewOpenGate(id CameraID) *OpenGate {
	return &OpenGate{
		id:     id,
		tokens: make(chan struct{}, 1),
	}
}

// Acquire はゲートが空くかctxが終了するまで待つ
func (g *OpenGate) Acquire(ctx context.Context) error {
	select {
	case g.tokens <- struct{}{}:
		return nil
	default:
	}

	select {
	case g.tokens <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("カメラ %s のゲート待ちに失敗: %w: %w", g.id, ErrBusy, ctx.Err())
	}
}

// TryAcquire はtimeoutを上限にゲートを取得する
func (g *OpenGate) TryAcquire(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.Acquire(ctx)
}

// Release はゲートを解放する。実際に解放した場合にtrueを返す
func (g *OpenGate) Release() bool {
	select {
	case <-g.tokens:
		return true
	default:
		return false
	}
}

// Held はゲートが保持されているかどうかを返す
func (g *OpenGate) Held() bool {
	return len(g.tokens) == 1
}
