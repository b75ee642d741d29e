package camera

import (
	"context"
	"image"
	"sync"

	"golang.org/x/image/draw"
)

// FrameSurface はメモリ上の描画先
//
// セッションが Present したバッファを保持し、CurrentFrame で
// 表示サイズのRGBA画像に変換行列を適用して描画する。
type FrameSurface struct {
	mu        sync.RWMutex
	size      Resolution
	buffer    Resolution
	transform Transform
	frame     image.Image
	seq       uint64
	updated   chan struct{}
}

// NewFrameSurface は指定サイズの描画先を作成する
func NewFrameSurface(width, height int) *FrameSurface {
	return &FrameSurface{
		size:      Resolution{Width: width, Height: height},
		transform: IdentityTransform(),
		updated:   make(chan struct{}),
	}
}

// Size は表示サイズを返す
func (s *FrameSurface) Size() Resolution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Resize は表示サイズを変更する
func (s *FrameSurface) Resize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = Resolution{Width: width, Height: height}
}

// BufferSize はセッションが書き込むバッファサイズを返す
func (s *FrameSurface) BufferSize() Resolution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buffer
}

// Transform は適用中の変換行列を返す
func (s *FrameSurface) Transform() Transform {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transform
}

func (s *FrameSurface) SetTargetBufferSize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = Resolution{Width: width, Height: height}
}

func (s *FrameSurface) ApplyTransform(t Transform) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transform = t
}

func (s *FrameSurface) Present(frame image.Image) {
	s.mu.Lock()
	s.frame = frame
	s.seq++
	updated := s.updated
	s.updated = make(chan struct{})
	s.mu.Unlock()

	close(updated)
}

// WaitFrame はseqより新しいフレームが届くまで待ち、届いたフレームの番号を返す
func (s *FrameSurface) WaitFrame(ctx context.Context, seq uint64) (uint64, error) {
	for {
		s.mu.RLock()
		current, updated := s.seq, s.updated
		s.mu.RUnlock()

		if current > seq {
			return current, nil
		}
		select {
		case <-updated:
		case <-ctx.Done():
			return current, ctx.Err()
		}
	}
}

// CurrentFrame は表示中のフレームを表示サイズで返す
func (s *FrameSurface) CurrentFrame() (image.Image, error) {
	s.mu.RLock()
	frame, size, transform := s.frame, s.size, s.transform
	s.mu.RUnlock()

	if frame == nil {
		return nil, ErrNoFrame
	}
	if size.IsZero() {
		return nil, ErrInvalidSize
	}

	src := frame.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))

	// バッファを表示領域いっぱいに引き伸ばしてから変換行列を適用する
	fill := rectToRectFill(
		float64(src.Min.X), float64(src.Min.Y), float64(src.Dx()), float64(src.Dy()),
		0, 0, float64(size.Width), float64(size.Height),
	)
	m := fill.Then(transform)
	if m.IsIdentity() {
		draw.Draw(dst, dst.Bounds(), frame, src.Min, draw.Src)
		return dst, nil
	}
	draw.BiLinear.Transform(dst, m.Aff3(), frame, src, draw.Src, nil)
	return dst, nil
}
