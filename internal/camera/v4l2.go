package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// V4L2Hardware はシェルコマンド（v4l2-ctl, ffmpeg）でV4L2デバイスを扱うHardware
type V4L2Hardware struct {
	devices map[CameraID]string
	sizes   map[CameraID][]Resolution
	fps     int
}

// NewV4L2Hardware は新しいV4L2Hardwareを作成する
func NewV4L2Hardware(opts HardwareOptions) (*V4L2Hardware, error) {
	if len(opts.Devices) == 0 {
		return nil, fmt.Errorf("デバイスパスが指定されていません")
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = 15
	}
	return &V4L2Hardware{
		devices: opts.Devices,
		sizes:   opts.Sizes,
		fps:     fps,
	}, nil
}

func (h *V4L2Hardware) devicePath(id CameraID) (string, error) {
	path, ok := h.devices[id]
	if !ok || path == "" {
		return "", fmt.Errorf("カメラ %s のデバイスパスがありません: %w", id, ErrUnavailable)
	}
	return path, nil
}

// SupportedOutputSizes は設定された解像度、なければ v4l2-ctl --list-formats-ext の結果を返す
func (h *V4L2Hardware) SupportedOutputSizes(ctx context.Context, id CameraID) ([]Resolution, error) {
	if sizes, ok := h.sizes[id]; ok && len(sizes) > 0 {
		return append([]Resolution(nil), sizes...), nil
	}

	path, err := h.devicePath(id)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", path, "--list-formats-ext")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("フォーマット一覧の取得に失敗: %w", err)
	}
	return parseFrameSizes(output), nil
}

// parseFrameSizes は "Size: Discrete 1280x720" の行を出現順に重複なく取り出す
func parseFrameSizes(output []byte) []Resolution {
	var sizes []Resolution
	seen := make(map[Resolution]bool)

	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "Size:") {
			continue
		}
		fields := strings.Fields(line)
		size, ok := parseResolution(fields[len(fields)-1])
		if !ok || seen[size] {
			continue
		}
		seen[size] = true
		sizes = append(sizes, size)
	}
	return sizes
}

// parseResolution は "1280x720" を解釈する
func parseResolution(s string) (Resolution, bool) {
	w, h, ok := strings.Cut(s, "x")
	if !ok {
		return Resolution{}, false
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, false
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, false
	}
	r := Resolution{Width: width, Height: height}
	if r.IsZero() {
		return Resolution{}, false
	}
	return r, true
}

// OpenDevice は v4l2-ctl --info でデバイスを確認し、結果を通知する
func (h *V4L2Hardware) OpenDevice(id CameraID, notify EventFunc) error {
	path, err := h.devicePath(id)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", path, "--info")
		if err := cmd.Run(); err != nil {
			notify(DeviceEvent{Camera: id, Kind: EventError, Err: fmt.Errorf("デバイス %s を開けません: %w", path, err)})
			return
		}
		notify(DeviceEvent{Camera: id, Kind: EventOpened, Device: &v4l2Device{id: id, path: path, fps: h.fps, notify: notify}})
	}()
	return nil
}

type v4l2Device struct {
	id     CameraID
	path   string
	fps    int
	notify EventFunc

	mu     sync.Mutex
	closed bool
}

func (d *v4l2Device) ID() CameraID {
	return d.id
}

// CreateSession は描画先のバッファサイズでストリームするセッションを作る
func (d *v4l2Device) CreateSession(target Surface, notify EventFunc) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return fmt.Errorf("デバイス %s は閉じられています", d.path)
	}

	size := Resolution{Width: 640, Height: 480}
	if sized, ok := target.(interface{ BufferSize() Resolution }); ok && !sized.BufferSize().IsZero() {
		size = sized.BufferSize()
	}

	session := &v4l2Session{
		id:     uuid.NewString(),
		device: d,
		target: target,
		size:   size,
	}
	go notify(DeviceEvent{Camera: d.id, Kind: EventConfigured, Device: d, Session: session})
	return nil
}

func (d *v4l2Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// v4l2Session はffmpegでMJPEGを取り出して描画先に送る
type v4l2Session struct {
	id     string
	device *v4l2Device
	target Surface
	size   Resolution

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func (s *v4l2Session) ID() string {
	return s.id
}

func (s *v4l2Session) SetRepeatingRequest() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("セッション %s は閉じられています", s.id)
	}
	if s.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-f", "v4l2",
		"-video_size", s.size.String(),
		"-r", strconv.Itoa(s.device.fps),
		"-i", s.device.path,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	done := make(chan struct{})
	s.cancel, s.done = cancel, done

	go func() {
		defer close(done)
		err := readJPEGStream(stdout, s.present)
		_ = cmd.Wait() // キャンセル時のエラーは無視する
		if ctx.Err() == nil {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			s.device.notify(DeviceEvent{
				Camera: s.device.id,
				Kind:   EventError,
				Device: s.device,
				Err:    fmt.Errorf("ストリームが終了しました: %w", err),
			})
		}
	}()
	return nil
}

func (s *v4l2Session) present(frame []byte) {
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return
	}
	s.target.Present(img)
}

func (s *v4l2Session) StopRepeating() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *v4l2Session) Close() error {
	if err := s.StopRepeating(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// readJPEGStream はJPEGの開始・終了マーカーでストリームを区切ってemitに渡す
func readJPEGStream(r io.Reader, emit func([]byte)) error {
	buffer := make([]byte, 64*1024)
	var pending []byte

	for {
		n, err := r.Read(buffer)
		if n > 0 {
			pending = append(pending, buffer[:n]...)
			pending = splitJPEGFrames(pending, emit)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("フレーム読み取りエラー: %w", err)
		}
	}
}

// splitJPEGFrames は完全なフレームを取り出し、残りのデータを返す
func splitJPEGFrames(data []byte, emit func([]byte)) []byte {
	for {
		start := bytes.Index(data, []byte{0xFF, 0xD8})
		if start == -1 {
			// 末尾が開始マーカーの前半かもしれないので残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				return append(data[:0], data[len(data)-1])
			}
			return data[:0]
		}
		end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
		if end == -1 {
			return append(data[:0], data[start:]...)
		}
		end += start + 2 + 2

		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		emit(frame)

		data = data[end:]
	}
}
