package camera

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenGate_AcquireRelease(t *testing.T) {
	g := NewOpenGate("front")

	require.NoError(t, g.Acquire(context.Background()))
	assert.True(t, g.Held())

	assert.True(t, g.Release())
	// 2回目の解放は何もしない
	assert.False(t, g.Release())
	assert.False(t, g.Held())
}

func TestOpenGate_TryAcquireTimeout(t *testing.T) {
	g := NewOpenGate("front")
	require.NoError(t, g.Acquire(context.Background()))

	start := time.Now()
	err := g.TryAcquire(context.Background(), 30*time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.True(t, g.Held(), "gate should still be held by the first owner")
}

func TestOpenGate_AcquireWaitsForRelease(t *testing.T) {
	g := NewOpenGate("front")
	require.NoError(t, g.Acquire(context.Background()))

	go func() {
		time.Sleep(20 * time.Millisecond)
		g.Release()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Acquire(ctx))
	assert.True(t, g.Held())
}
