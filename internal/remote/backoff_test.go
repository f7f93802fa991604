package remote

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kilupskalvis/docsync/internal/queue"
)

func TestExponentialBackoff_FirstAttemptImmediate(t *testing.T) {
	q := newTestQueue(t)
	b := NewExponentialBackoff(q, queue.TimerListenStreamConnectionBackoff)

	var runs atomic.Int32
	runOnQueue(t, q, func() { b.BackoffAndRun(func() { runs.Add(1) }) })

	eventually(t, q, func() bool { return runs.Load() == 1 })
	assert.Equal(t, time.Duration(0), onQueue(t, q, func() time.Duration { return b.lastDelay }))
}

func TestExponentialBackoff_DelaysGrowWithJitter(t *testing.T) {
	q := newTestQueue(t)
	b := NewExponentialBackoff(q, queue.TimerListenStreamConnectionBackoff)

	runOnQueue(t, q, func() {
		b.BackoffAndRun(func() {})
		b.BackoffAndRun(func() {})
	})
	first := onQueue(t, q, func() time.Duration { return b.lastDelay })
	assert.GreaterOrEqual(t, first, 500*time.Millisecond)
	assert.LessOrEqual(t, first, 1500*time.Millisecond)

	runOnQueue(t, q, func() { b.BackoffAndRun(func() {}) })
	second := onQueue(t, q, func() time.Duration { return b.lastDelay })
	assert.GreaterOrEqual(t, second, 750*time.Millisecond)
	assert.LessOrEqual(t, second, 2250*time.Millisecond)
	assert.True(t, q.ContainsDelayedOperation(queue.TimerListenStreamConnectionBackoff))

	runOnQueue(t, q, b.Cancel)
}

func TestExponentialBackoff_ResetToMax(t *testing.T) {
	q := newTestQueue(t)
	b := NewExponentialBackoff(q, queue.TimerWriteStreamConnectionBackoff)

	runOnQueue(t, q, func() {
		b.ResetToMax()
		b.BackoffAndRun(func() {})
	})
	d := onQueue(t, q, func() time.Duration { return b.lastDelay })
	assert.GreaterOrEqual(t, d, 30*time.Second)
	assert.LessOrEqual(t, d, 90*time.Second)

	runOnQueue(t, q, b.Cancel)
	assert.False(t, q.ContainsDelayedOperation(queue.TimerWriteStreamConnectionBackoff))
}

func TestExponentialBackoff_ResetMakesNextAttemptImmediate(t *testing.T) {
	q := newTestQueue(t)
	b := NewExponentialBackoff(q, queue.TimerListenStreamConnectionBackoff)

	var runs atomic.Int32
	runOnQueue(t, q, func() {
		b.BackoffAndRun(func() {})
		b.BackoffAndRun(func() {})
		b.Reset()
		b.BackoffAndRun(func() { runs.Add(1) })
	})
	eventually(t, q, func() bool { return runs.Load() == 1 })
	assert.False(t, q.ContainsDelayedOperation(queue.TimerListenStreamConnectionBackoff))
}

func TestExponentialBackoff_SkipBackoff(t *testing.T) {
	q := newTestQueue(t)
	b := NewExponentialBackoff(q, queue.TimerListenStreamConnectionBackoff)

	var runs atomic.Int32
	runOnQueue(t, q, func() {
		b.ResetToMax()
		b.BackoffAndRun(func() { runs.Add(1) })
	})
	assert.Equal(t, int32(0), runs.Load())

	runOnQueue(t, q, b.SkipBackoff)
	eventually(t, q, func() bool { return runs.Load() == 1 })
}
