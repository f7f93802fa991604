package remote

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kilupskalvis/docsync/internal/queue"
)

const (
	backoffInitialDelay = time.Second
	backoffFactor       = 1.5
	backoffMaxDelay     = time.Minute
	backoffJitter       = 0.5
)

func newBackoffPolicy(initial time.Duration) *backoff.ExponentialBackOff {
	p := backoff.NewExponentialBackOff()
	p.InitialInterval = initial
	p.Multiplier = backoffFactor
	p.MaxInterval = backoffMaxDelay
	p.RandomizationFactor = backoffJitter
	p.MaxElapsedTime = 0
	p.Reset()
	return p
}

// ExponentialBackoff schedules retries on the async queue. The first
// attempt after a reset runs without delay; later attempts grow by
// backoffFactor up to backoffMaxDelay, each jittered by up to 50%.
type ExponentialBackoff struct {
	queue   *queue.AsyncQueue
	timerID queue.TimerID
	policy  *backoff.ExponentialBackOff

	attempted   bool
	lastAttempt time.Time
	lastDelay   time.Duration
	op          *queue.DelayedOperation
}

func NewExponentialBackoff(q *queue.AsyncQueue, timerID queue.TimerID) *ExponentialBackoff {
	return &ExponentialBackoff{
		queue:       q,
		timerID:     timerID,
		policy:      newBackoffPolicy(backoffInitialDelay),
		lastAttempt: time.Now(),
	}
}

// Reset makes the next attempt run immediately.
func (b *ExponentialBackoff) Reset() {
	b.attempted = false
	b.policy = newBackoffPolicy(backoffInitialDelay)
}

// ResetToMax makes the next attempts wait the maximum delay, e.g. after the
// backend reported it is overloaded.
func (b *ExponentialBackoff) ResetToMax() {
	b.attempted = true
	b.policy = newBackoffPolicy(backoffMaxDelay)
}

// BackoffAndRun cancels any pending attempt and schedules op after the
// next delay. Time already spent since the previous attempt counts
// towards the delay.
func (b *ExponentialBackoff) BackoffAndRun(op func()) {
	b.Cancel()

	var delay time.Duration
	if b.attempted {
		delay = b.policy.NextBackOff()
	}
	b.attempted = true
	b.lastDelay = delay

	remaining := delay - time.Since(b.lastAttempt)
	if remaining < 0 {
		remaining = 0
	}
	b.op = b.queue.EnqueueAfterDelay(b.timerID, remaining, func() {
		b.op = nil
		b.lastAttempt = time.Now()
		op()
	})
}

// SkipBackoff runs a pending attempt now.
func (b *ExponentialBackoff) SkipBackoff() {
	if b.op != nil {
		b.op.SkipDelay()
	}
}

func (b *ExponentialBackoff) Cancel() {
	if b.op != nil {
		b.op.Cancel()
		b.op = nil
	}
}
