package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskService_BoundsConcurrency(t *testing.T) {
	pool := NewTaskService(2, nil)
	var running, peak atomic.Int32
	release := make(chan struct{})

	for range 5 {
		_, err := pool.Enqueue("test", "hold", func(context.Context, func(string)) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, pool.ListRunning(), 5)
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Wait(ctx))
	assert.Equal(t, int32(2), peak.Load())
	assert.Len(t, pool.ListHistory(0), 5)
	assert.Empty(t, pool.ListRunning())
}

func TestTaskService_RecordsOutcome(t *testing.T) {
	pool := NewTaskService(1, nil)

	_, err := pool.Enqueue("test", "fails", func(_ context.Context, setNote func(string)) error {
		setNote("halfway")
		return errors.New("nope")
	})
	require.NoError(t, err)
	_, err = pool.Enqueue("test", "panics", func(context.Context, func(string)) error {
		panic("kaboom")
	})
	require.NoError(t, err)
	_, err = pool.Enqueue("test", "works", func(context.Context, func(string)) error { return nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))

	history := pool.ListHistory(0)
	require.Len(t, history, 3)
	// Newest first.
	assert.Equal(t, TaskStatusSucceeded, history[0].Status)
	assert.Equal(t, TaskStatusFailed, history[1].Status)
	assert.Contains(t, history[1].Error, "kaboom")
	assert.Equal(t, TaskStatusFailed, history[2].Status)
	assert.Equal(t, "halfway", history[2].Note)
	assert.Equal(t, "nope", history[2].Error)

	_, err = pool.Enqueue("test", "late", func(context.Context, func(string)) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}
