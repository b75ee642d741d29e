package camera

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeDevice struct {
	mu     sync.Mutex
	closes int
}

func (d *fakeDevice) ID() CameraID { return "fake" }

func (d *fakeDevice) CreateSession(Surface, EventFunc) error { return nil }

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

type fakeSession struct {
	id string

	mu        sync.Mutex
	repeating bool
	starts    int
	stops     int
	closes    int
	failStart bool
	failClose bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) SetRepeatingRequest() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failStart {
		return errors.New("start failed")
	}
	s.starts++
	s.repeating = true
	return nil
}

func (s *fakeSession) StopRepeating() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	s.repeating = false
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.repeating = false
	if s.failClose {
		return errors.New("close failed")
	}
	return nil
}

func newTestHandle(t *testing.T) *DeviceHandle {
	t.Helper()
	return NewDeviceHandle("front", zaptest.NewLogger(t), nil)
}

// driveTo はハンドルを指定の状態まで進める
func driveTo(t *testing.T, h *DeviceHandle, target DeviceState) (*fakeDevice, *fakeSession) {
	t.Helper()
	dev := &fakeDevice{}
	sess := &fakeSession{id: "session-1"}

	steps := map[DeviceState][]func(){
		StateClosed:  nil,
		StateOpening: {func() { require.NoError(t, h.BeginOpen()) }},
		StateFailed: {
			func() { require.NoError(t, h.BeginOpen()) },
			func() { _, ok := h.Fail(ErrHardware); require.True(t, ok) },
		},
	}
	open := []func(){
		func() { require.NoError(t, h.BeginOpen()) },
		func() { require.NoError(t, h.Opened(dev)) },
	}
	steps[StateOpen] = open
	steps[StateSessionConfiguring] = append(append([]func(){}, open...),
		func() { _, err := h.BeginSession(); require.NoError(t, err) })
	steps[StatePreviewRunning] = append(append([]func(){}, steps[StateSessionConfiguring]...),
		func() { require.NoError(t, h.StartPreview(dev, sess)) })
	steps[StatePreviewFrozen] = append(append([]func(){}, steps[StatePreviewRunning]...),
		func() { _, err := h.Freeze(); require.NoError(t, err) })

	for _, step := range steps[target] {
		step()
	}
	require.Equal(t, target, h.State())
	return dev, sess
}

func TestDeviceHandle_Lifecycle(t *testing.T) {
	h := newTestHandle(t)
	dev, sess := driveTo(t, h, StatePreviewRunning)

	assert.Equal(t, "session-1", h.SessionID())
	assert.True(t, sess.repeating)

	frozen, err := h.Freeze()
	require.NoError(t, err)
	assert.Same(t, sess, frozen)
	require.NoError(t, h.ApplyRepeating(frozen, false))
	assert.Equal(t, StatePreviewFrozen, h.State())
	assert.False(t, sess.repeating)

	// 停止済みのセッションをもう一度止めてもエラーにならない
	require.NoError(t, h.ApplyRepeating(frozen, false))

	resumed, err := h.Resume()
	require.NoError(t, err)
	require.NoError(t, h.ApplyRepeating(resumed, true))
	assert.Equal(t, StatePreviewRunning, h.State())
	assert.Equal(t, "session-1", h.SessionID())
	assert.True(t, sess.repeating)
	assert.Equal(t, 0, dev.closes)
	assert.Equal(t, 0, sess.closes)
}

func TestDeviceHandle_CloseFromAnyState(t *testing.T) {
	states := []DeviceState{
		StateClosed,
		StateOpening,
		StateOpen,
		StateSessionConfiguring,
		StatePreviewRunning,
		StatePreviewFrozen,
		StateFailed,
	}

	for _, state := range states {
		t.Run(string(state), func(t *testing.T) {
			h := newTestHandle(t)
			dev, sess := driveTo(t, h, state)
			gate := NewOpenGate("front")

			require.NoError(t, gate.Acquire(context.Background()))
			err := h.Close()
			released := gate.Release()

			require.NoError(t, err)
			assert.Equal(t, StateClosed, h.State())
			assert.Nil(t, h.Reason())
			assert.Empty(t, h.SessionID())
			assert.True(t, released)
			assert.False(t, gate.Release(), "gate must be released exactly once")
			assert.LessOrEqual(t, dev.closes, 1)
			assert.LessOrEqual(t, sess.closes, 1)
		})
	}
}

func TestDeviceHandle_CloseReleasesResources(t *testing.T) {
	h := newTestHandle(t)
	dev, sess := driveTo(t, h, StatePreviewRunning)

	require.NoError(t, h.Close())

	assert.Equal(t, 1, dev.closes)
	assert.Equal(t, 1, sess.closes)
	assert.False(t, sess.repeating)
}

func TestDeviceHandle_Fail(t *testing.T) {
	h := newTestHandle(t)
	dev, sess := driveTo(t, h, StatePreviewRunning)

	prev, ok := h.Fail(ErrDisconnected)
	require.True(t, ok)
	assert.Equal(t, StatePreviewRunning, prev)
	assert.Equal(t, StateFailed, h.State())
	assert.ErrorIs(t, h.Reason(), ErrDisconnected)
	assert.Equal(t, 1, dev.closes)
	assert.Equal(t, 1, sess.closes)

	// 既にFailedなら遷移しない
	_, ok = h.Fail(ErrHardware)
	assert.False(t, ok)
	assert.ErrorIs(t, h.Reason(), ErrDisconnected)
}

func TestDeviceHandle_FailIgnoresClosed(t *testing.T) {
	h := newTestHandle(t)

	_, ok := h.Fail(ErrHardware)
	assert.False(t, ok)
	assert.Equal(t, StateClosed, h.State())

	assert.True(t, h.MarkUnavailable(ErrUnavailable))
	assert.Equal(t, StateFailed, h.State())
}

func TestDeviceHandle_FailDeviceIgnoresStaleDevice(t *testing.T) {
	h := newTestHandle(t)
	driveTo(t, h, StateOpen)

	_, ok := h.FailDevice(&fakeDevice{}, ErrHardware)
	assert.False(t, ok)
	assert.Equal(t, StateOpen, h.State())
}

func TestDeviceHandle_FailDeviceAfterReopen(t *testing.T) {
	h := newTestHandle(t)
	old, _ := driveTo(t, h, StateOpen)

	require.NoError(t, h.Close())
	require.NoError(t, h.BeginOpen())

	// 閉じたデバイスからの遅れた通知は新しいopenに影響しない
	_, ok := h.FailDevice(old, ErrHardware)
	assert.False(t, ok)
	assert.Equal(t, StateOpening, h.State())
	assert.Nil(t, h.Reason())

	// open失敗の通知はデバイスを持たない
	prev, ok := h.FailDevice(nil, ErrHardware)
	assert.True(t, ok)
	assert.Equal(t, StateOpening, prev)
}

func TestDeviceHandle_SessionFromOtherDevice(t *testing.T) {
	h := newTestHandle(t)
	driveTo(t, h, StateSessionConfiguring)

	sess := &fakeSession{id: "other"}
	err := h.StartPreview(&fakeDevice{}, sess)

	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, sess.closes)
	assert.Equal(t, 0, sess.starts)
	assert.Equal(t, StateSessionConfiguring, h.State())
	assert.Empty(t, h.SessionID())
}

func TestDeviceHandle_StaleSession(t *testing.T) {
	h := newTestHandle(t)
	driveTo(t, h, StateOpen)

	stale := &fakeSession{id: "stale"}
	err := h.StartPreview(nil, stale)

	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, stale.closes)
	assert.Equal(t, StateOpen, h.State())
}

func TestDeviceHandle_StartPreviewFailure(t *testing.T) {
	h := newTestHandle(t)
	driveTo(t, h, StateSessionConfiguring)

	sess := &fakeSession{id: "broken", failStart: true}
	err := h.StartPreview(nil, sess)

	assert.ErrorIs(t, err, ErrConfigureFailed)
	assert.Equal(t, StateFailed, h.State())
	assert.Equal(t, 1, sess.closes)
}

func TestDeviceHandle_InvalidTransitions(t *testing.T) {
	h := newTestHandle(t)

	_, err := h.Freeze()
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.Resume()
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = h.BeginSession()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, h.BeginOpen())
	assert.ErrorIs(t, h.BeginOpen(), ErrInvalidState)
}

func TestDeviceHandle_StaleOpenedClosesDevice(t *testing.T) {
	h := newTestHandle(t)
	dev := &fakeDevice{}

	err := h.Opened(dev)

	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, 1, dev.closes)
	assert.Equal(t, StateClosed, h.State())
}
