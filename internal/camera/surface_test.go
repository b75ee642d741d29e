package camera

import (
	"context"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestFrameSurface_NoFrame(t *testing.T) {
	s := NewFrameSurface(64, 48)
	_, err := s.CurrentFrame()
	assert.ErrorIs(t, err, ErrNoFrame)
}

func TestFrameSurface_RendersAtSurfaceSize(t *testing.T) {
	s := NewFrameSurface(64, 48)
	red := color.RGBA{R: 255, A: 255}
	s.Present(solid(32, 24, red))

	frame, err := s.CurrentFrame()
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 48), frame.Bounds())

	r, g, b, a := frame.At(32, 24).RGBA()
	assert.Greater(t, r, uint32(0xf000))
	assert.Less(t, g, uint32(0x1000))
	assert.Less(t, b, uint32(0x1000))
	assert.Greater(t, a, uint32(0xf000))
}

func TestFrameSurface_HalfTurn(t *testing.T) {
	s := NewFrameSurface(2, 1)
	img := image.NewRGBA(image.Rect(0, 0, 2, 1))
	img.SetRGBA(0, 0, color.RGBA{R: 255, A: 255})
	img.SetRGBA(1, 0, color.RGBA{B: 255, A: 255})
	s.Present(img)

	tr, ok := ComputeTransform(Resolution{2, 1}, 2, 1, Rotation180)
	require.True(t, ok)
	s.ApplyTransform(tr)

	frame, err := s.CurrentFrame()
	require.NoError(t, err)

	// 左右が入れ替わる
	_, _, b, _ := frame.At(0, 0).RGBA()
	assert.Greater(t, b, uint32(0x8000))
	r, _, _, _ := frame.At(1, 0).RGBA()
	assert.Greater(t, r, uint32(0x8000))
}

func TestFrameSurface_WaitFrame(t *testing.T) {
	s := NewFrameSurface(4, 4)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.Present(solid(4, 4, color.RGBA{G: 255, A: 255}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	seq, err := s.WaitFrame(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	_, err = s.WaitFrame(short, seq)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
