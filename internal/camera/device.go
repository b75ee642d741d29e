package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"go.uber.org/zap"
)

// 状態遷移イベント名
const (
	eventOpen        = "open"
	eventOpened      = "opened"
	eventConfigure   = "configure"
	eventRun         = "run"
	eventFreeze      = "freeze"
	eventClose       = "close"
	eventClosed      = "closed"
	eventFail        = "fail"
	eventUnavailable = "unavailable"
)

func states(ss ...DeviceState) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

// deviceEvents はDeviceStateの遷移表
var deviceEvents = fsm.Events{
	{Name: eventOpen, Src: states(StateClosed), Dst: string(StateOpening)},
	{Name: eventOpened, Src: states(StateOpening), Dst: string(StateOpen)},
	{Name: eventConfigure, Src: states(StateOpen), Dst: string(StateSessionConfiguring)},
	{Name: eventRun, Src: states(StateSessionConfiguring, StatePreviewFrozen), Dst: string(StatePreviewRunning)},
	{Name: eventFreeze, Src: states(StatePreviewRunning), Dst: string(StatePreviewFrozen)},
	{Name: eventClose, Src: states(StateOpening, StateOpen, StateSessionConfiguring, StatePreviewRunning, StatePreviewFrozen, StateFailed), Dst: string(StateClosing)},
	{Name: eventClosed, Src: states(StateClosing), Dst: string(StateClosed)},
	{Name: eventFail, Src: states(StateOpening, StateOpen, StateSessionConfiguring, StatePreviewRunning, StatePreviewFrozen), Dst: string(StateFailed)},
	{Name: eventUnavailable, Src: states(StateClosed), Dst: string(StateFailed)},
}

// DeviceHandle は1台分のデバイス資源（デバイス・セッション）と状態を保持する
//
// 状態遷移はすべてこの型のメソッドを通して行う。ハードウェアの呼び出しは
// 呼び出し側が選んだ実行コンテキスト上で行われる。
type DeviceHandle struct {
	id     CameraID
	logger *zap.Logger

	mu      sync.Mutex
	machine *fsm.FSM
	reason  error
	device  Device
	session Session

	onChange func(CameraID, DeviceState)
}

// NewDeviceHandle はClosed状態のDeviceHandleを作成する
//
// onChange は状態が変わるたびにロックの外で呼ばれる（nil可）。
func NewDeviceHandle(id CameraID, logger *zap.Logger, onChange func(CameraID, DeviceState)) *DeviceHandle {
	return &DeviceHandle{
		id:       id,
		logger:   logger,
		machine:  fsm.NewFSM(string(StateClosed), deviceEvents, fsm.Callbacks{}),
		onChange: onChange,
	}
}

// ID はカメラIDを返す
func (h *DeviceHandle) ID() CameraID {
	return h.id
}

// State は現在の状態を返す
func (h *DeviceHandle) State() DeviceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return DeviceState(h.machine.Current())
}

// Reason はFailedになった原因を返す
func (h *DeviceHandle) Reason() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// SessionID は現在のセッションIDを返す。セッションがなければ空文字
func (h *DeviceHandle) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return ""
	}
	return h.session.ID()
}

// fire はロック保持中に遷移を実行する
func (h *DeviceHandle) fire(event string) error {
	if err := h.machine.Event(context.Background(), event); err != nil {
		return fmt.Errorf("カメラ %s は %s 状態のため %s できません: %w", h.id, h.machine.Current(), event, ErrInvalidState)
	}
	return nil
}

func (h *DeviceHandle) changed(state DeviceState) {
	h.logger.Debug("状態が変化しました", zap.String("state", string(state)))
	if h.onChange != nil {
		h.onChange(h.id, state)
	}
}

// BeginOpen はClosedからOpeningへ遷移する。呼び出し側はゲートを保持していること
func (h *DeviceHandle) BeginOpen() error {
	h.mu.Lock()
	err := h.fire(eventOpen)
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.changed(StateOpening)
	return nil
}

// Opened はopen成功の通知を反映する
//
// Opening以外で届いた通知は古いものとして扱い、渡されたデバイスを閉じる。
func (h *DeviceHandle) Opened(device Device) error {
	h.mu.Lock()
	if err := h.fire(eventOpened); err != nil {
		h.mu.Unlock()
		if device != nil {
			if cerr := device.Close(); cerr != nil {
				h.logger.Warn("古いデバイスのクローズに失敗しました", zap.Error(cerr))
			}
		}
		return err
	}
	h.device = device
	h.mu.Unlock()

	h.changed(StateOpen)
	return nil
}

// BeginSession はOpenからSessionConfiguringへ遷移し、セッション構築に使うデバイスを返す
func (h *DeviceHandle) BeginSession() (Device, error) {
	h.mu.Lock()
	if h.device == nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("カメラ %s のデバイスがありません: %w", h.id, ErrInvalidState)
	}
	if err := h.fire(eventConfigure); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	device := h.device
	h.mu.Unlock()

	h.changed(StateSessionConfiguring)
	return device, nil
}

// StartPreview はセッション構築完了を反映し、リピートリクエストを開始する
//
// SessionConfiguring以外で届いたセッションや、現在のデバイス以外が作った
// セッションは閉じてErrInvalidStateを返す。deviceがnilならデバイスは照合しない。
// リクエストの開始に失敗した場合はFailedへ遷移する。
func (h *DeviceHandle) StartPreview(device Device, session Session) error {
	h.mu.Lock()
	state := DeviceState(h.machine.Current())
	if state != StateSessionConfiguring || h.stale(device) {
		h.mu.Unlock()
		if err := session.Close(); err != nil {
			h.logger.Warn("古いセッションのクローズに失敗しました", zap.Error(err))
		}
		return fmt.Errorf("カメラ %s は %s 状態のためセッションを使えません: %w", h.id, state, ErrInvalidState)
	}
	h.session = session

	if err := session.SetRepeatingRequest(); err != nil {
		h.mu.Unlock()
		reason := fmt.Errorf("カメラ %s のプレビュー開始に失敗: %w: %w", h.id, ErrConfigureFailed, err)
		h.Fail(reason)
		return reason
	}
	if err := h.fire(eventRun); err != nil {
		h.mu.Unlock()
		return err
	}
	h.mu.Unlock()

	h.changed(StatePreviewRunning)
	return nil
}

// Freeze はPreviewRunningからPreviewFrozenへ遷移し、止めるべきセッションを返す
//
// デバイスとセッションは保持したまま。実際の停止はApplyRepeatingで行う。
func (h *DeviceHandle) Freeze() (Session, error) {
	h.mu.Lock()
	if err := h.fire(eventFreeze); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	session := h.session
	h.mu.Unlock()

	h.changed(StatePreviewFrozen)
	return session, nil
}

// Resume はPreviewFrozenからPreviewRunningへ遷移し、再開すべきセッションを返す
func (h *DeviceHandle) Resume() (Session, error) {
	h.mu.Lock()
	if h.session == nil {
		h.mu.Unlock()
		return nil, fmt.Errorf("カメラ %s のセッションがありません: %w", h.id, ErrInvalidState)
	}
	if err := h.fire(eventRun); err != nil {
		h.mu.Unlock()
		return nil, err
	}
	session := h.session
	h.mu.Unlock()

	h.changed(StatePreviewRunning)
	return session, nil
}

// ApplyRepeating はセッションのリピートリクエストを開始または停止する
//
// 既に別のセッションに置き換わっている場合は何もしない。
// 停止済みのセッションを止める操作はエラーにしない。
func (h *DeviceHandle) ApplyRepeating(session Session, running bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if session == nil || h.session != session {
		return nil
	}
	if running {
		if DeviceState(h.machine.Current()) != StatePreviewRunning {
			return nil
		}
		if err := session.SetRepeatingRequest(); err != nil {
			return fmt.Errorf("カメラ %s のプレビュー再開に失敗: %w: %w", h.id, ErrHardware, err)
		}
		return nil
	}
	if err := session.StopRepeating(); err != nil {
		h.logger.Warn("リピートリクエストの停止に失敗しました", zap.Error(err))
	}
	return nil
}

// Fail は障害を反映してFailedへ遷移し、保持している資源を解放する
//
// 遷移前の状態と、実際に遷移したかどうかを返す。Closed/Closing/Failedからは遷移しない。
func (h *DeviceHandle) Fail(reason error) (DeviceState, bool) {
	return h.failDevice(nil, reason)
}

// FailDevice は通知元のデバイスが現在保持しているものと同じ場合だけFailを行う
func (h *DeviceHandle) FailDevice(device Device, reason error) (DeviceState, bool) {
	return h.failDevice(device, reason)
}

func (h *DeviceHandle) failDevice(device Device, reason error) (DeviceState, bool) {
	h.mu.Lock()
	prev := DeviceState(h.machine.Current())
	if h.stale(device) {
		h.mu.Unlock()
		return prev, false
	}
	if err := h.fire(eventFail); err != nil {
		h.mu.Unlock()
		return prev, false
	}
	h.reason = reason
	session, dev := h.session, h.device
	h.session, h.device = nil, nil
	h.mu.Unlock()

	h.logger.Warn("デバイスが使用不能になりました", zap.String("from", string(prev)), zap.Error(reason))
	if err := release(session, dev); err != nil {
		h.logger.Warn("障害時の資源解放に失敗しました", zap.Error(err))
	}
	h.changed(StateFailed)
	return prev, true
}

// stale は通知元のデバイスが現在保持しているものと違うかどうかを返す
//
// クローズ後にデバイスを持っていない間も、以前のデバイスからの通知は古いものとして扱う。
func (h *DeviceHandle) stale(device Device) bool {
	return device != nil && h.device != device
}

// MarkUnavailable は一度も開いていないデバイスを恒久的にFailedにする
func (h *DeviceHandle) MarkUnavailable(reason error) bool {
	h.mu.Lock()
	if err := h.fire(eventUnavailable); err != nil {
		h.mu.Unlock()
		return false
	}
	h.reason = reason
	h.mu.Unlock()

	h.logger.Error("デバイスが利用できません", zap.Error(reason))
	h.changed(StateFailed)
	return true
}

// Close はどの状態からでもClosedへ遷移させる。呼び出し側はゲートを保持していること
//
// リピートリクエストの停止、セッションとデバイスの解放を行い、
// 途中で失敗しても最後まで進めてClosedにする。
func (h *DeviceHandle) Close() error {
	h.mu.Lock()
	if DeviceState(h.machine.Current()) == StateClosed {
		h.mu.Unlock()
		return nil
	}
	if err := h.fire(eventClose); err != nil {
		h.mu.Unlock()
		return err
	}
	session, dev := h.session, h.device
	h.session, h.device = nil, nil
	h.mu.Unlock()
	h.changed(StateClosing)

	err := release(session, dev)

	h.mu.Lock()
	if ferr := h.fire(eventClosed); ferr != nil {
		// Closingから抜け出せない場合も最終状態はClosedにする
		h.machine.SetState(string(StateClosed))
	}
	h.reason = nil
	h.mu.Unlock()
	h.changed(StateClosed)

	if err != nil {
		return fmt.Errorf("カメラ %s のクローズ中にエラー: %w", h.id, err)
	}
	return nil
}

// release はセッションとデバイスを順に解放する
func release(session Session, device Device) error {
	var errs []error
	if session != nil {
		if err := session.StopRepeating(); err != nil {
			errs = append(errs, fmt.Errorf("リピートリクエストの停止に失敗: %w", err))
		}
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("セッションのクローズに失敗: %w", err))
		}
	}
	if device != nil {
		if err := device.Close(); err != nil {
			errs = append(errs, fmt.Errorf("デバイスのクローズに失敗: %w", err))
		}
	}
	return errors.Join(errs...)
}
