package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"nigan/internal/camera"
)

type fakeCapturer struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCapturer) Capture(ctx context.Context) ([]camera.PendingCapture, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []camera.PendingCapture{{Camera: "front", Path: "image.jpg"}}, nil
}

func TestNew_InvalidSpec(t *testing.T) {
	if _, err := New("every minute", &fakeCapturer{}, zaptest.NewLogger(t)); err == nil {
		t.Error("Expected error for invalid spec")
	}
}

func TestScheduler_RunsCapture(t *testing.T) {
	capturer := &fakeCapturer{}
	s, err := New("@every 1s", capturer, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// 2回目のStartは何もしない
	if err := s.Start(); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for capturer.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	if capturer.calls.Load() == 0 {
		t.Fatal("Expected at least one capture")
	}
	if s.Runs() != int(capturer.calls.Load()) {
		t.Errorf("Expected runs %d to match captures %d", s.Runs(), capturer.calls.Load())
	}
}

func TestScheduler_CaptureErrorDoesNotStop(t *testing.T) {
	capturer := &fakeCapturer{err: errors.New("busy")}
	s, err := New("@every 1s", capturer, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(4 * time.Second)
	for capturer.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if capturer.calls.Load() < 2 {
		t.Errorf("Expected capture to keep running after errors, got %d calls", capturer.calls.Load())
	}
}

func TestScheduler_StopWithoutStart(t *testing.T) {
	s, err := New("@every 1m", &fakeCapturer{}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
