package camera

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestExecutor_RunsInOrder(t *testing.T) {
	e := NewExecutor("test", zaptest.NewLogger(t))

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, e.Post(Task{Name: "append", Run: func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}}))
	}

	require.NoError(t, e.QuitSafely(context.Background()))

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestExecutor_PostAfterQuit(t *testing.T) {
	e := NewExecutor("test", zaptest.NewLogger(t))
	require.NoError(t, e.QuitSafely(context.Background()))

	err := e.Post(Task{Name: "late", Run: func() {}})
	assert.ErrorIs(t, err, ErrExecutorStopped)

	select {
	case <-e.Done():
	default:
		t.Fatal("expected worker to be stopped")
	}
}

func TestExecutor_QuitDiscardsOnDeadline(t *testing.T) {
	e := NewExecutor("test", zaptest.NewLogger(t))

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, e.Post(Task{Name: "block", Run: func() {
		close(started)
		<-block
	}}))
	<-started

	var ran, discarded atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, e.Post(Task{
			Name:    "queued",
			Run:     func() { ran.Add(1) },
			Discard: func() { discarded.Add(1) },
		}))
	}

	go func() {
		time.Sleep(80 * time.Millisecond)
		close(block)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.QuitSafely(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, int32(3), discarded.Load())
}

func TestExecutor_RecoversPanic(t *testing.T) {
	e := NewExecutor("test", zaptest.NewLogger(t))

	var ran atomic.Bool
	require.NoError(t, e.Post(Task{Name: "panic", Run: func() { panic("boom") }}))
	require.NoError(t, e.Post(Task{Name: "after", Run: func() { ran.Store(true) }}))

	require.NoError(t, e.QuitSafely(context.Background()))
	assert.True(t, ran.Load())
}
