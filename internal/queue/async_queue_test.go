package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryableErr struct{}

func (retryableErr) Error() string   { return "busy" }
func (retryableErr) Retryable() bool { return true }

func newTestQueue(t *testing.T) *AsyncQueue {
	t.Helper()
	q := New(nil)
	t.Cleanup(func() {
		f := q.EnqueueAndInitiateShutdown(nil)
		<-f.Done()
	})
	return q
}

// ==================== Future Tests ====================

func TestFuture_ResolvesOnce(t *testing.T) {
	f := NewFuture[int]()
	_, ok, _ := f.Result()
	assert.False(t, ok)

	assert.True(t, f.Resolve(1, nil))
	assert.False(t, f.Resolve(2, errors.New("late")))

	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestFuture_WaitHonorsContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// ==================== AsyncQueue Tests ====================

func TestAsyncQueue_RunsInOrder(t *testing.T) {
	q := newTestQueue(t)

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 0; i < 50; i++ {
		i := i
		q.EnqueueAndForget(func() {
			q.VerifyOperationInProgress()
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Drain()

	require.Len(t, got, 50)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestAsyncQueue_EnqueueReturnsResult(t *testing.T) {
	q := newTestQueue(t)
	f := Enqueue(q, func() (string, error) { return "ok", nil })
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestAsyncQueue_DropsWorkAfterShutdown(t *testing.T) {
	q := New(nil)
	<-q.EnqueueAndInitiateShutdown(nil).Done()

	f := Enqueue(q, func() (int, error) { return 1, nil })
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, ErrShutdown)
	assert.True(t, q.IsShuttingDown())
}

func TestAsyncQueue_DelayedOperationCancel(t *testing.T) {
	q := newTestQueue(t)
	ran := false
	op := q.EnqueueAfterDelay(TimerListenStreamIdle, time.Hour, func() { ran = true })
	assert.True(t, q.ContainsDelayedOperation(TimerListenStreamIdle))

	op.Cancel()
	assert.False(t, q.ContainsDelayedOperation(TimerListenStreamIdle))
	q.RunAllDelayedOperationsUntil(TimerAll)
	assert.False(t, ran)
}

func TestAsyncQueue_RunAllDelayedOperationsUntil(t *testing.T) {
	q := newTestQueue(t)
	var order []TimerID
	q.EnqueueAfterDelay(TimerWriteStreamIdle, 2*time.Hour, func() { order = append(order, TimerWriteStreamIdle) })
	q.EnqueueAfterDelay(TimerListenStreamIdle, time.Hour, func() { order = append(order, TimerListenStreamIdle) })
	q.EnqueueAfterDelay(TimerGarbageCollection, 3*time.Hour, func() { order = append(order, TimerGarbageCollection) })

	q.RunAllDelayedOperationsUntil(TimerWriteStreamIdle)

	assert.Equal(t, []TimerID{TimerListenStreamIdle, TimerWriteStreamIdle}, order)
	assert.True(t, q.ContainsDelayedOperation(TimerGarbageCollection))
}

func TestAsyncQueue_RetryableOperation(t *testing.T) {
	q := newTestQueue(t)
	q.retryBackoff.InitialInterval = time.Millisecond
	q.retryBackoff.RandomizationFactor = 0
	q.retryBackoff.Reset()

	var attempts int
	done := make(chan struct{})
	q.EnqueueRetryable(func() error {
		attempts++
		if attempts < 3 {
			return retryableErr{}
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retryable operation never succeeded")
	}
	q.Drain()
	assert.Equal(t, 3, attempts)
	assert.True(t, IsRetryable(retryableErr{}))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestAsyncQueue_PanicFailsQueue(t *testing.T) {
	q := New(nil)
	q.EnqueueAndForget(func() { panic("boom") })
	q.Drain()

	f := Enqueue(q, func() (int, error) { return 1, nil })
	_, err := f.Wait(context.Background())
	assert.Error(t, err)
}
