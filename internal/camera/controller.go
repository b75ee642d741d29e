package camera

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// deviceSlot は1台分の記録。Controllerだけが持つ
type deviceSlot struct {
	opts   DeviceOptions
	handle *DeviceHandle
	gate   *OpenGate
	logger *zap.Logger

	// pending は保存待ちの撮影があるかどうか
	pending atomic.Bool

	mu          sync.Mutex
	surface     Surface
	previewSize Resolution
	surfaceSize Resolution
	rotation    Rotation
	transform   Transform
}

// Controller は複数のDeviceHandleとOpenGateをまとめて制御する
type Controller struct {
	hw          Hardware
	permission  Permission
	coordinator *CaptureCoordinator
	opts        Options
	logger      *zap.Logger
	slots       []*deviceSlot

	mu         sync.Mutex
	started    bool
	control    *Executor
	background *Executor
	changed    chan struct{}

	notices chan Notice
	results chan CaptureResult
}

const eventBuffer = 32

// NewController は新しいControllerを作成する
func NewController(hw Hardware, permission Permission, persister Persister, opts Options, logger *zap.Logger) (*Controller, error) {
	if hw == nil {
		return nil, fmt.Errorf("ハードウェアが指定されていません")
	}
	if len(opts.Devices) == 0 {
		return nil, fmt.Errorf("カメラが1台も設定されていません")
	}
	if permission == nil {
		permission = AllowAll{}
	}
	if opts.GateTimeout <= 0 {
		opts.GateTimeout = DefaultGateTimeout
	}
	if opts.CaptureExt == "" {
		opts.CaptureExt = ".jpg"
	}

	c := &Controller{
		hw:         hw,
		permission: permission,
		opts:       opts,
		logger:     logger,
		changed:    make(chan struct{}),
		notices:    make(chan Notice, eventBuffer),
		results:    make(chan CaptureResult, eventBuffer),
	}

	seen := make(map[CameraID]bool)
	for _, d := range opts.Devices {
		if d.ID == "" {
			return nil, fmt.Errorf("カメラIDが空です")
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("カメラIDが重複しています: %s", d.ID)
		}
		seen[d.ID] = true

		slotLogger := logger.With(zap.String("camera", string(d.ID)))
		c.slots = append(c.slots, &deviceSlot{
			opts:      d,
			handle:    NewDeviceHandle(d.ID, slotLogger, c.stateChanged),
			gate:      NewOpenGate(d.ID),
			logger:    slotLogger,
			transform: IdentityTransform(),
		})
	}

	c.coordinator = NewCaptureCoordinator(persister, opts.CaptureDir, opts.CaptureExt, logger, c.publishResult)
	return c, nil
}

// Start は制御用とバックグラウンド用の実行コンテキストを作成する
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}
	c.control = NewExecutor("control", c.logger)
	c.background = NewExecutor("background", c.logger)
	c.started = true
	c.logger.Info("カメラコントローラーを開始しました", zap.Int("devices", len(c.slots)))
	return nil
}

func (c *Controller) executors() (*Executor, *Executor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, nil, ErrNotStarted
	}
	return c.control, c.background, nil
}

// slot は固定長のテーブルからカメラを探す
func (c *Controller) slot(id CameraID) (*deviceSlot, error) {
	for _, s := range c.slots {
		if s.opts.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", id, ErrUnknownCamera)
}

// CameraIDs は設定順のカメラIDを返す
func (c *Controller) CameraIDs() []CameraID {
	ids := make([]CameraID, len(c.slots))
	for i, s := range c.slots {
		ids[i] = s.opts.ID
	}
	return ids
}

// Notices は非同期に発生した通知を受け取るチャンネルを返す
func (c *Controller) Notices() <-chan Notice {
	return c.notices
}

// CaptureResults は保存結果を受け取るチャンネルを返す
func (c *Controller) CaptureResults() <-chan CaptureResult {
	return c.results
}

// AttachSurface は描画先が使えるようになったことを受けてデバイスを開く
//
// 既に開いている（または開いている途中の）デバイスに対しては何もしない。
// ゲートをGateTimeout以内に取得できなければErrBusyを返し、状態はClosedのまま。
func (c *Controller) AttachSurface(ctx context.Context, id CameraID, surface Surface, width, height int) error {
	slot, err := c.slot(id)
	if err != nil {
		return err
	}
	control, _, err := c.executors()
	if err != nil {
		return err
	}

	switch state := slot.handle.State(); {
	case state.Active():
		slot.logger.Debug("既に開いているためattachを無視します", zap.String("state", string(state)))
		return nil
	case state == StateFailed:
		return fmt.Errorf("カメラ %s: %w: %w", id, ErrUnavailable, slot.handle.Reason())
	}

	if err := c.ensurePermission(ctx, slot); err != nil {
		return err
	}

	sizes, err := c.hw.SupportedOutputSizes(ctx, id)
	if err == nil {
		sizes = validSizes(sizes)
		if len(sizes) == 0 {
			err = errors.New("出力解像度が空です")
		}
	}
	if err != nil {
		reason := fmt.Errorf("カメラ %s の出力解像度を取得できません: %w: %w", id, ErrUnavailable, err)
		if slot.handle.MarkUnavailable(reason) {
			c.publishNotice(slot, reason, len(c.slots) == 1)
		}
		return reason
	}

	preview, err := SelectPreviewSize(sizes, width, height)
	if err != nil {
		return err
	}
	slot.attach(surface, preview, width, height)
	slot.logger.Info("プレビューサイズを選択しました",
		zap.Stringer("preview", preview),
		zap.Int("surface_width", width),
		zap.Int("surface_height", height))

	if err := slot.gate.TryAcquire(ctx, c.opts.GateTimeout); err != nil {
		slot.logger.Warn("ゲートを取得できませんでした", zap.Error(err))
		return err
	}

	if err := slot.handle.BeginOpen(); err != nil {
		slot.gate.Release()
		if slot.handle.State().Active() {
			return nil
		}
		return err
	}

	if err := c.hw.OpenDevice(id, c.deliver(control, slot)); err != nil {
		reason := fmt.Errorf("カメラ %s を開けません: %w: %w", id, ErrUnavailable, err)
		slot.handle.Fail(reason)
		slot.gate.Release()
		return reason
	}
	return nil
}

func (c *Controller) ensurePermission(ctx context.Context, slot *deviceSlot) error {
	if c.permission.IsGranted(CapabilityCamera) {
		return nil
	}
	granted, err := c.permission.Request(ctx, CapabilityCamera)
	if err != nil {
		return fmt.Errorf("カメラ権限の要求に失敗: %w", err)
	}
	if !granted {
		c.publishNotice(slot, ErrPermissionDenied, true)
		return ErrPermissionDenied
	}
	return nil
}

// OnSurfaceResized は変換行列だけを計算し直す。デバイスは開き直さない
func (c *Controller) OnSurfaceResized(id CameraID, width, height int) error {
	slot, err := c.slot(id)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.surfaceSize = Resolution{Width: width, Height: height}
	slot.applyTransformLocked()
	return nil
}

// OnRotationChanged は表示の回転を反映して変換行列を計算し直す
func (c *Controller) OnRotationChanged(id CameraID, rotation Rotation) error {
	slot, err := c.slot(id)
	if err != nil {
		return err
	}
	if !rotation.Valid() {
		return fmt.Errorf("不明な回転コード: %d", rotation)
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.rotation = rotation
	slot.applyTransformLocked()
	slot.logger.Debug("回転を反映しました", zap.Int("degrees", rotation.Degrees()))
	return nil
}

// OnSurfaceDestroyed は描画先を忘れる。デバイスの状態は変えない
func (c *Controller) OnSurfaceDestroyed(id CameraID) error {
	slot, err := c.slot(id)
	if err != nil {
		return err
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.surface = nil
	slot.surfaceSize = Resolution{}
	return nil
}

// Toggle はプレビューの停止と再開を切り替える
func (c *Controller) Toggle(ctx context.Context, id CameraID) (ToggleResult, error) {
	slot, err := c.slot(id)
	if err != nil {
		return "", err
	}
	_, background, err := c.executors()
	if err != nil {
		return "", err
	}

	switch state := slot.handle.State(); state {
	case StatePreviewRunning:
		session, err := slot.handle.Freeze()
		if err != nil {
			return "", err
		}
		if err := c.postRepeating(background, slot, session, false); err != nil {
			return "", err
		}
		return ToggleStopped, nil

	case StatePreviewFrozen:
		session, err := slot.handle.Resume()
		if err != nil {
			return "", err
		}
		if err := c.postRepeating(background, slot, session, true); err != nil {
			return "", err
		}
		return ToggleStarted, nil

	case StateOpen:
		if err := c.buildSession(slot); err != nil {
			return "", err
		}
		return ToggleStarted, nil

	case StateFailed:
		return "", fmt.Errorf("カメラ %s: %w: %w", id, ErrUnavailable, slot.handle.Reason())

	default:
		return "", fmt.Errorf("カメラ %s は %s 状態のため切り替えできません: %w", id, state, ErrInvalidState)
	}
}

func (c *Controller) postRepeating(background *Executor, slot *deviceSlot, session Session, running bool) error {
	return background.Post(Task{
		Name: "repeating:" + string(slot.opts.ID),
		Run: func() {
			if err := slot.handle.ApplyRepeating(session, running); err != nil {
				c.failSlot(slot, nil, err)
			}
		},
	})
}

// buildSession はOpenのデバイスにセッションを構築させる
func (c *Controller) buildSession(slot *deviceSlot) error {
	control, background, err := c.executors()
	if err != nil {
		return err
	}
	surface := slot.currentSurface()
	if surface == nil {
		return fmt.Errorf("カメラ %s の描画先がありません: %w", slot.opts.ID, ErrInvalidState)
	}

	device, err := slot.handle.BeginSession()
	if err != nil {
		return err
	}

	return background.Post(Task{
		Name: "create_session:" + string(slot.opts.ID),
		Run: func() {
			if err := device.CreateSession(surface, c.deliver(control, slot)); err != nil {
				c.failSlot(slot, device, fmt.Errorf("カメラ %s: %w: %w", slot.opts.ID, ErrConfigureFailed, err))
			}
		},
		Discard: func() {
			c.failSlot(slot, device, fmt.Errorf("カメラ %s: %w: %w", slot.opts.ID, ErrConfigureFailed, ErrExecutorStopped))
		},
	})
}

// deliver はハードウェア通知を制御用コンテキストへ渡す関数を返す
func (c *Controller) deliver(control *Executor, slot *deviceSlot) EventFunc {
	return func(ev DeviceEvent) {
		err := control.Post(Task{
			Name:    "event:" + string(ev.Kind) + ":" + string(slot.opts.ID),
			Run:     func() { c.handleEvent(slot, ev) },
			Discard: func() { c.dropEvent(slot, ev) },
		})
		if err != nil {
			c.dropEvent(slot, ev)
		}
	}
}

// handleEvent は制御用コンテキスト上でハードウェア通知を反映する
func (c *Controller) handleEvent(slot *deviceSlot, ev DeviceEvent) {
	slot.logger.Debug("ハードウェア通知", zap.String("kind", string(ev.Kind)))

	switch ev.Kind {
	case EventOpened:
		if err := slot.handle.Opened(ev.Device); err != nil {
			slot.logger.Warn("open通知を反映できません", zap.Error(err))
			return
		}
		slot.gate.Release()
		if slot.opts.StartRunning {
			if err := c.buildSession(slot); err != nil {
				slot.logger.Warn("プレビューを開始できません", zap.Error(err))
			}
		}

	case EventDisconnected:
		c.failSlot(slot, ev.Device, fmt.Errorf("カメラ %s: %w: %w", slot.opts.ID, ErrDisconnected, eventErr(ev)))

	case EventError:
		c.failSlot(slot, ev.Device, fmt.Errorf("カメラ %s: %w: %w", slot.opts.ID, ErrHardware, eventErr(ev)))

	case EventConfigured:
		device, session := ev.Device, ev.Session
		_, background, err := c.executors()
		if err == nil {
			err = background.Post(Task{
				Name: "start_preview:" + string(slot.opts.ID),
				Run:  func() { c.startPreview(slot, device, session) },
				Discard: func() {
					if err := session.Close(); err != nil {
						slot.logger.Warn("セッションのクローズに失敗しました", zap.Error(err))
					}
				},
			})
		}
		if err != nil {
			if cerr := session.Close(); cerr != nil {
				slot.logger.Warn("セッションのクローズに失敗しました", zap.Error(cerr))
			}
		}

	case EventConfigureFailed:
		c.failSlot(slot, ev.Device, fmt.Errorf("カメラ %s: %w: %w", slot.opts.ID, ErrConfigureFailed, eventErr(ev)))
	}
}

func (c *Controller) startPreview(slot *deviceSlot, device Device, session Session) {
	err := slot.handle.StartPreview(device, session)
	switch {
	case err == nil:
		slot.logger.Info("プレビューを開始しました", zap.String("session", session.ID()))
	case errors.Is(err, ErrInvalidState):
		slot.logger.Debug("古いセッションを破棄しました", zap.Error(err))
	default:
		c.publishNotice(slot, err, !c.siblingAlive(slot))
	}
}

func eventErr(ev DeviceEvent) error {
	if ev.Err != nil {
		return ev.Err
	}
	return errors.New(string(ev.Kind))
}

// dropEvent は処理されなかった通知が持つ資源を解放する
func (c *Controller) dropEvent(slot *deviceSlot, ev DeviceEvent) {
	slot.logger.Warn("ハードウェア通知を処理できませんでした", zap.String("kind", string(ev.Kind)))
	if ev.Session != nil {
		if err := ev.Session.Close(); err != nil {
			slot.logger.Warn("セッションのクローズに失敗しました", zap.Error(err))
		}
	}
	switch ev.Kind {
	case EventOpened:
		if ev.Device != nil {
			if err := ev.Device.Close(); err != nil {
				slot.logger.Warn("デバイスのクローズに失敗しました", zap.Error(err))
			}
		}
		// open中のデバイスはまだハンドルに渡っていないので照合しない
		if prev, changed := slot.handle.Fail(fmt.Errorf("カメラ %s: %w", slot.opts.ID, ErrExecutorStopped)); changed && prev == StateOpening {
			slot.gate.Release()
		}
	case EventError, EventDisconnected:
		if prev, changed := slot.handle.FailDevice(ev.Device, fmt.Errorf("カメラ %s: %w", slot.opts.ID, ErrExecutorStopped)); changed && prev == StateOpening {
			slot.gate.Release()
		}
	}
}

// failSlot はデバイスをFailedにして通知する。Opening中の失敗ならゲートも解放する
func (c *Controller) failSlot(slot *deviceSlot, device Device, reason error) {
	prev, changed := slot.handle.FailDevice(device, reason)
	if changed && prev == StateOpening {
		slot.gate.Release()
	}
	if changed {
		c.publishNotice(slot, reason, !c.siblingAlive(slot))
	}
}

// siblingAlive は他のデバイスがハードウェアを保持しているかどうかを返す
func (c *Controller) siblingAlive(self *deviceSlot) bool {
	for _, s := range c.slots {
		if s != self && s.handle.State().Active() {
			return true
		}
	}
	return false
}

// Close は1台を閉じる。open中であればその結果が出るまで待つ
func (c *Controller) Close(ctx context.Context, id CameraID) error {
	slot, err := c.slot(id)
	if err != nil {
		return err
	}
	return c.closeSlot(ctx, slot)
}

func (c *Controller) closeSlot(ctx context.Context, slot *deviceSlot) error {
	if err := slot.gate.Acquire(ctx); err != nil {
		return err
	}
	defer slot.gate.Release()

	if err := slot.handle.Close(); err != nil {
		slot.logger.Warn("クローズ中にエラーが発生しました", zap.Error(err))
		return err
	}
	slot.logger.Info("カメラを閉じました")
	return nil
}

// Teardown はすべてのデバイスを閉じてから実行コンテキストを終了する
//
// 保存待ちの撮影はctxの期限まで待つ。期限を過ぎた場合は破棄され、
// ErrCaptureDiscardedとしてCaptureResultsに報告される。
func (c *Controller) Teardown(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	control, background := c.control, c.background
	c.started = false
	c.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, slot := range c.slots {
		wg.Add(1)
		go func(slot *deviceSlot) {
			defer wg.Done()
			if err := c.closeSlot(ctx, slot); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(slot)
	}
	wg.Wait()

	if err := background.QuitSafely(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := control.QuitSafely(ctx); err != nil {
		errs = append(errs, err)
	}

	c.logger.Info("カメラコントローラーを停止しました")
	return errors.Join(errs...)
}

// Capture は動作中のデバイスすべてで撮影する
//
// 動作中のデバイスがなければ空のスライスとnilを返す。
func (c *Controller) Capture(ctx context.Context) ([]PendingCapture, error) {
	_, background, err := c.executors()
	if err != nil {
		return nil, err
	}

	var targets []captureTarget
	for _, slot := range c.slots {
		if slot.handle.State() != StatePreviewRunning {
			continue
		}
		targets = append(targets, captureTarget{id: slot.opts.ID, surface: slot.currentSurface(), pending: &slot.pending})
	}
	return c.coordinator.Capture(ctx, background, targets)
}

// Status は1台の状態スナップショットを返す
func (c *Controller) Status(id CameraID) (Status, error) {
	slot, err := c.slot(id)
	if err != nil {
		return Status{}, err
	}
	return c.status(slot), nil
}

// Statuses は全デバイスの状態スナップショットを設定順に返す
func (c *Controller) Statuses() []Status {
	out := make([]Status, len(c.slots))
	for i, slot := range c.slots {
		out[i] = c.status(slot)
	}
	return out
}

func (c *Controller) status(slot *deviceSlot) Status {
	state := slot.handle.State()
	st := Status{
		ID:             slot.opts.ID,
		Name:           slot.opts.Name,
		State:          state,
		Running:        state == StatePreviewRunning,
		SessionID:      slot.handle.SessionID(),
		CapturePending: slot.pending.Load(),
	}
	if reason := slot.handle.Reason(); reason != nil {
		st.Reason = reason.Error()
	}

	slot.mu.Lock()
	st.PreviewSize = slot.previewSize
	st.SurfaceSize = slot.surfaceSize
	st.Rotation = slot.rotation
	st.Transform = slot.transform
	slot.mu.Unlock()
	return st
}

// Surface はデバイスに結びついた描画先を返す
func (c *Controller) Surface(id CameraID) (Surface, error) {
	slot, err := c.slot(id)
	if err != nil {
		return nil, err
	}
	surface := slot.currentSurface()
	if surface == nil {
		return nil, fmt.Errorf("カメラ %s の描画先がありません: %w", id, ErrInvalidState)
	}
	return surface, nil
}

// WaitState はデバイスが指定した状態のいずれかになるまで待つ
func (c *Controller) WaitState(ctx context.Context, id CameraID, want ...DeviceState) (DeviceState, error) {
	slot, err := c.slot(id)
	if err != nil {
		return "", err
	}
	for {
		c.mu.Lock()
		changed := c.changed
		c.mu.Unlock()

		state := slot.handle.State()
		if slices.Contains(want, state) {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, fmt.Errorf("カメラ %s の状態待ち（現在 %s）: %w", id, state, ctx.Err())
		}
	}
}

func (c *Controller) stateChanged(CameraID, DeviceState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Controller) publishNotice(slot *deviceSlot, err error, exitScreen bool) {
	n := Notice{
		Camera:     slot.opts.ID,
		Err:        err,
		Severity:   SeverityOf(err),
		ExitScreen: exitScreen,
		At:         time.Now(),
	}
	select {
	case c.notices <- n:
	default:
		slot.logger.Warn("通知を捨てました", zap.Error(err))
	}
}

func (c *Controller) publishResult(r CaptureResult) {
	select {
	case c.results <- r:
	default:
		c.logger.Warn("保存結果を捨てました",
			zap.String("camera", string(r.Capture.Camera)),
			zap.String("path", r.Capture.Path),
			zap.Error(r.Err))
	}
}

// attach は描画先とプレビューサイズを記録し、バッファサイズと変換行列を適用する
func (s *deviceSlot) attach(surface Surface, preview Resolution, width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surface = surface
	s.previewSize = preview
	s.surfaceSize = Resolution{Width: width, Height: height}
	surface.SetTargetBufferSize(preview.Width, preview.Height)
	s.applyTransformLocked()
}

// applyTransformLocked はサイズが不明な場合は何もしない
func (s *deviceSlot) applyTransformLocked() {
	if s.surface == nil {
		return
	}
	t, ok := ComputeTransform(s.previewSize, s.surfaceSize.Width, s.surfaceSize.Height, s.rotation)
	if !ok {
		return
	}
	s.transform = t
	s.surface.ApplyTransform(t)
}

func (s *deviceSlot) currentSurface() Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface
}
