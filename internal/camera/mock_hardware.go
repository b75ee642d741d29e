package camera

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMockSizes はMockHardwareが既定で返す出力解像度
var DefaultMockSizes = []Resolution{
	{Width: 640, Height: 480},
	{Width: 1280, Height: 720},
	{Width: 1920, Height: 1080},
}

// MockHardware はテストや実機のない環境で使うHardware
//
// open結果などの通知はすべて別ゴルーチンから届く。
type MockHardware struct {
	mu            sync.Mutex
	sizes         map[CameraID][]Resolution
	sizesErr      map[CameraID]error
	failOpen      map[CameraID]error
	failConfigure map[CameraID]error
	holdOpen      map[CameraID]bool
	held          map[CameraID]func()
	devices       map[CameraID]*mockDevice
	openCalls     map[CameraID]int
	sessionCalls  map[CameraID]int
	frameInterval time.Duration
}

// NewMockHardware は新しいMockHardwareを作成する。sizesにないカメラはDefaultMockSizesを返す
func NewMockHardware(sizes map[CameraID][]Resolution) *MockHardware {
	h := &MockHardware{
		sizes:         make(map[CameraID][]Resolution),
		sizesErr:      make(map[CameraID]error),
		failOpen:      make(map[CameraID]error),
		failConfigure: make(map[CameraID]error),
		holdOpen:      make(map[CameraID]bool),
		held:          make(map[CameraID]func()),
		devices:       make(map[CameraID]*mockDevice),
		openCalls:     make(map[CameraID]int),
		sessionCalls:  make(map[CameraID]int),
		frameInterval: 100 * time.Millisecond,
	}
	for id, s := range sizes {
		h.sizes[id] = append([]Resolution(nil), s...)
	}
	return h
}

func (h *MockHardware) SupportedOutputSizes(ctx context.Context, id CameraID) ([]Resolution, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.sizesErr[id]; err != nil {
		return nil, err
	}
	if sizes, ok := h.sizes[id]; ok {
		return append([]Resolution(nil), sizes...), nil
	}
	return append([]Resolution(nil), DefaultMockSizes...), nil
}

func (h *MockHardware) OpenDevice(id CameraID, notify EventFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.openCalls[id]++

	if err := h.failOpen[id]; err != nil {
		go notify(DeviceEvent{Camera: id, Kind: EventError, Err: err})
		return nil
	}

	device := &mockDevice{hw: h, id: id, notify: notify}
	deliver := func() {
		h.mu.Lock()
		h.devices[id] = device
		h.mu.Unlock()
		notify(DeviceEvent{Camera: id, Kind: EventOpened, Device: device})
	}

	if h.holdOpen[id] {
		h.held[id] = deliver
		return nil
	}
	go deliver()
	return nil
}

// SetSizesError はSupportedOutputSizesを失敗させる（nilで解除）
func (h *MockHardware) SetSizesError(id CameraID, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.sizesErr, id)
		return
	}
	h.sizesErr[id] = err
}

// SetShouldFailOpen はopenをエラー通知で失敗させるかどうかを設定する
func (h *MockHardware) SetShouldFailOpen(id CameraID, shouldFail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if shouldFail {
		h.failOpen[id] = errors.New("モックopenエラー")
		return
	}
	delete(h.failOpen, id)
}

// SetShouldFailConfigure はセッション構築を失敗させるかどうかを設定する
func (h *MockHardware) SetShouldFailConfigure(id CameraID, shouldFail bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if shouldFail {
		h.failConfigure[id] = errors.New("モックセッション構築エラー")
		return
	}
	delete(h.failConfigure, id)
}

// HoldOpen はReleaseOpenが呼ばれるまでopen結果の通知を止める
func (h *MockHardware) HoldOpen(id CameraID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.holdOpen[id] = true
}

// ReleaseOpen は止めていたopen結果を通知する
func (h *MockHardware) ReleaseOpen(id CameraID) {
	h.mu.Lock()
	delete(h.holdOpen, id)
	deliver := h.held[id]
	delete(h.held, id)
	h.mu.Unlock()

	if deliver != nil {
		go deliver()
	}
}

// Disconnect は開いているデバイスの切断を通知する
func (h *MockHardware) Disconnect(id CameraID) error {
	h.mu.Lock()
	device := h.devices[id]
	h.mu.Unlock()

	if device == nil {
		return fmt.Errorf("カメラ %s は開かれていません", id)
	}
	go device.notify(DeviceEvent{Camera: id, Kind: EventDisconnected, Device: device})
	return nil
}

// OpenCalls はOpenDeviceの呼び出し回数を返す
func (h *MockHardware) OpenCalls(id CameraID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openCalls[id]
}

// SessionCalls はCreateSessionの呼び出し回数を返す
func (h *MockHardware) SessionCalls(id CameraID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionCalls[id]
}

// OpenDevices は閉じられていないデバイス数を返す
func (h *MockHardware) OpenDevices() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, d := range h.devices {
		if !d.isClosed() {
			n++
		}
	}
	return n
}

type mockDevice struct {
	hw     *MockHardware
	id     CameraID
	notify EventFunc

	mu     sync.Mutex
	closed bool
}

func (d *mockDevice) ID() CameraID {
	return d.id
}

func (d *mockDevice) CreateSession(target Surface, notify EventFunc) error {
	if d.isClosed() {
		return fmt.Errorf("カメラ %s は閉じられています", d.id)
	}

	d.hw.mu.Lock()
	d.hw.sessionCalls[d.id]++
	failErr := d.hw.failConfigure[d.id]
	interval := d.hw.frameInterval
	d.hw.mu.Unlock()

	if failErr != nil {
		go notify(DeviceEvent{Camera: d.id, Kind: EventConfigureFailed, Device: d, Err: failErr})
		return nil
	}

	session := &mockSession{
		id:       uuid.NewString(),
		camera:   d.id,
		target:   target,
		interval: interval,
	}
	go notify(DeviceEvent{Camera: d.id, Kind: EventConfigured, Device: d, Session: session})
	return nil
}

func (d *mockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *mockDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// mockSession はリピート中にテストパターンを描画先へ送り続ける
type mockSession struct {
	id       string
	camera   CameraID
	target   Surface
	interval time.Duration

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
	frame  int
}

func (s *mockSession) ID() string {
	return s.id
}

func (s *mockSession) SetRepeatingRequest() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("セッション %s は閉じられています", s.id)
	}
	if s.stop != nil {
		return nil
	}

	// 最初の1フレームは呼び出し中に届ける
	s.present()

	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	return nil
}

func (s *mockSession) StopRepeating() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *mockSession) Close() error {
	if err := s.StopRepeating(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSession) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.present()
			s.mu.Unlock()
		}
	}
}

// present はロック保持中に呼ぶ
func (s *mockSession) present() {
	s.frame++
	s.target.Present(testPattern(s.camera, s.frame))
}

const testPatternWidth, testPatternHeight = 320, 240

// testPattern はカメラごとに色の異なるグラデーション画像を作る
func testPattern(camera CameraID, frame int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, testPatternWidth, testPatternHeight))

	hash := fnv.New32a()
	_, _ = hash.Write([]byte(camera))
	base := byte(hash.Sum32())
	shade := byte(frame % 256)

	for y := 0; y < testPatternHeight; y++ {
		for x := 0; x < testPatternWidth; x++ {
			offset := y*img.Stride + x*4
			img.Pix[offset] = base ^ shade
			img.Pix[offset+1] = byte((x * 255) / testPatternWidth)
			img.Pix[offset+2] = byte((y * 255) / testPatternHeight)
			img.Pix[offset+3] = 255
		}
	}
	return img
}
