package camera

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// captureTarget は撮影対象1台分の情報
type captureTarget struct {
	id      CameraID
	surface Surface
	pending *atomic.Bool
}

// CaptureCoordinator は動作中のデバイスからフレームを取り出し、保存処理をバックグラウンドに積む
type CaptureCoordinator struct {
	persister Persister
	dir       string
	ext       string
	logger    *zap.Logger
	publish   func(CaptureResult)
	now       func() time.Time
}

// NewCaptureCoordinator は新しいCaptureCoordinatorを作成する
func NewCaptureCoordinator(persister Persister, dir, ext string, logger *zap.Logger, publish func(CaptureResult)) *CaptureCoordinator {
	return &CaptureCoordinator{
		persister: persister,
		dir:       dir,
		ext:       ext,
		logger:    logger,
		publish:   publish,
		now:       time.Now,
	}
}

// Capture は対象ごとにPendingCaptureを作り、保存処理を投入する
//
// 対象がなければ何もせず空のスライスを返す。保存中の撮影があるデバイスは
// ErrCaptureInProgressで拒否するが、他のデバイスの撮影は続ける。
func (co *CaptureCoordinator) Capture(ctx context.Context, background *Executor, targets []captureTarget) ([]PendingCapture, error) {
	if len(targets) == 0 {
		co.logger.Debug("撮影対象のカメラがありません")
		return nil, nil
	}
	if co.persister == nil {
		return nil, fmt.Errorf("保存先が設定されていません: %w", ErrPersistenceFailed)
	}

	var (
		captures []PendingCapture
		errs     []error
	)
	for _, target := range targets {
		pc, err := co.submit(ctx, background, target)
		if err != nil {
			co.logger.Warn("撮影できませんでした", zap.String("camera", string(target.id)), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		captures = append(captures, pc)
	}
	return captures, errors.Join(errs...)
}

func (co *CaptureCoordinator) submit(ctx context.Context, background *Executor, target captureTarget) (PendingCapture, error) {
	if target.surface == nil {
		return PendingCapture{}, fmt.Errorf("カメラ %s の描画先がありません: %w", target.id, ErrInvalidState)
	}
	if !target.pending.CompareAndSwap(false, true) {
		return PendingCapture{}, fmt.Errorf("カメラ %s: %w", target.id, ErrCaptureInProgress)
	}

	frame, err := target.surface.CurrentFrame()
	if err != nil {
		target.pending.Store(false)
		return PendingCapture{}, fmt.Errorf("カメラ %s のフレーム取得に失敗: %w", target.id, err)
	}

	at := co.now()
	pc := PendingCapture{
		Camera:      target.id,
		Frame:       frame,
		Path:        filepath.Join(co.dir, CaptureFileName(target.id, at, co.ext)),
		RequestedAt: at,
	}

	// 保存処理は呼び出し元のキャンセルに影響されない
	saveCtx := context.WithoutCancel(ctx)
	err = background.Post(Task{
		Name: "persist:" + string(target.id),
		Run: func() {
			var result error
			if err := co.persister.Save(saveCtx, pc.Frame, pc.Path); err != nil {
				result = fmt.Errorf("%s: %w: %w", pc.Path, ErrPersistenceFailed, err)
			}
			co.finish(target, pc, result)
		},
		Discard: func() {
			co.finish(target, pc, fmt.Errorf("%s: %w: %w", pc.Path, ErrPersistenceFailed, ErrCaptureDiscarded))
		},
	})
	if err != nil {
		target.pending.Store(false)
		return PendingCapture{}, err
	}
	return pc, nil
}

// finish は保存待ちを解除して結果を報告する。デバイスの状態には触れない
func (co *CaptureCoordinator) finish(target captureTarget, pc PendingCapture, err error) {
	target.pending.Store(false)

	if err != nil {
		co.logger.Error("撮影画像の保存に失敗しました",
			zap.String("camera", string(pc.Camera)),
			zap.String("path", pc.Path),
			zap.Error(err))
	}
	if co.publish != nil {
		co.publish(CaptureResult{Capture: pc, Err: err, At: co.now()})
	}
}
