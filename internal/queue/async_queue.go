// Package queue provides the single-threaded cooperative task queue that
// serializes every state change of the sync engine.
//
// All local store, sync engine and remote store state is only touched from
// tasks running on an AsyncQueue, so none of it needs locking. Network and
// timer callbacks post continuations back onto the queue instead of touching
// state directly.
package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// TimerID identifies the kind of a delayed operation.
type TimerID string

const (
	TimerAll                           TimerID = "all"
	TimerListenStreamIdle              TimerID = "listen_stream_idle"
	TimerListenStreamConnectionBackoff TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle               TimerID = "write_stream_idle"
	TimerWriteStreamConnectionBackoff  TimerID = "write_stream_connection_backoff"
	TimerHealthCheckTimeout            TimerID = "health_check_timeout"
	TimerStreamResponseWatchdog        TimerID = "stream_response_watchdog"
	TimerOnlineStateTimeout            TimerID = "online_state_timeout"
	TimerGarbageCollection             TimerID = "garbage_collection"
	TimerIndexBackfill                 TimerID = "index_backfill"
	TimerClientMetadataRefresh         TimerID = "client_metadata_refresh"
	TimerTransactionRetry              TimerID = "transaction_retry"
	TimerAsyncQueueRetry               TimerID = "async_queue_retry"
)

// ErrShutdown is returned for work enqueued after the queue shut down.
var ErrShutdown = errors.New("async queue is shut down")

// Retryable is implemented by errors that the retryable sub-queue should
// retry, such as transient storage contention.
type Retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err, or an error it wraps, is retryable.
func IsRetryable(err error) bool {
	var r Retryable
	return errors.As(err, &r) && r.Retryable()
}

// AsyncQueue runs tasks one at a time in FIFO order on a single worker
// goroutine.
type AsyncQueue struct {
	logger *slog.Logger

	mu         sync.Mutex
	tasks      []func()
	wake       chan struct{}
	restricted bool
	stopped    bool
	failure    error
	delayed    []*DelayedOperation

	retryOps     []func() error
	retryBackoff *backoff.ExponentialBackOff

	inTask atomic.Bool
	done   chan struct{}
}

// New starts a queue. A nil logger uses slog.Default().
func New(logger *slog.Logger) *AsyncQueue {
	if logger == nil {
		logger = slog.Default()
	}
	rb := backoff.NewExponentialBackOff()
	rb.InitialInterval = time.Second
	rb.Multiplier = 1.5
	rb.MaxInterval = time.Minute
	rb.MaxElapsedTime = 0
	q := &AsyncQueue{
		logger:       logger,
		wake:         make(chan struct{}, 1),
		retryBackoff: rb,
		done:         make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *AsyncQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 {
			if q.stopped {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.runTask(task)
	}
}

func (q *AsyncQueue) runTask(task func()) {
	q.inTask.Store(true)
	defer q.inTask.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("async queue task panicked: %v", r)
			q.logger.Error("internal unhandled error", "error", err)
			q.mu.Lock()
			q.failure = err
			q.mu.Unlock()
		}
	}()
	task()
}

func (q *AsyncQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// push appends a task. evenIfRestricted lets shutdown work through.
func (q *AsyncQueue) push(task func(), evenIfRestricted bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failure != nil {
		return fmt.Errorf("async queue failed: %w", q.failure)
	}
	if q.stopped || (q.restricted && !evenIfRestricted) {
		return ErrShutdown
	}
	q.tasks = append(q.tasks, task)
	q.signal()
	return nil
}

// Enqueue schedules fn and returns a future for its result.
func Enqueue[T any](q *AsyncQueue, fn func() (T, error)) *Future[T] {
	f := NewFuture[T]()
	err := q.push(func() {
		v, err := fn()
		f.Resolve(v, err)
	}, false)
	if err != nil {
		var zero T
		f.Resolve(zero, err)
	}
	return f
}

// EnqueueAndForget schedules fn without tracking its completion. Work
// enqueued after shutdown is dropped.
func (q *AsyncQueue) EnqueueAndForget(fn func()) {
	if err := q.push(fn, false); err != nil {
		q.logger.Debug("dropping task", "error", err)
	}
}

// EnqueueEvenWhileRestricted schedules fn even after EnterRestrictedMode.
func (q *AsyncQueue) EnqueueEvenWhileRestricted(fn func()) *Future[struct{}] {
	f := NewFuture[struct{}]()
	err := q.push(func() {
		fn()
		f.Resolve(struct{}{}, nil)
	}, true)
	if err != nil {
		f.Resolve(struct{}{}, err)
	}
	return f
}

// EnterRestrictedMode stops accepting ordinary work. Already queued tasks
// still run.
func (q *AsyncQueue) EnterRestrictedMode() {
	q.mu.Lock()
	q.restricted = true
	q.mu.Unlock()
}

// IsShuttingDown reports whether the queue is restricted or stopped.
func (q *AsyncQueue) IsShuttingDown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.restricted || q.stopped
}

// EnqueueAndInitiateShutdown enters restricted mode, runs fn and then stops
// the worker. Pending delayed operations are cancelled.
func (q *AsyncQueue) EnqueueAndInitiateShutdown(fn func()) *Future[struct{}] {
	q.EnterRestrictedMode()
	return q.EnqueueEvenWhileRestricted(func() {
		if fn != nil {
			fn()
		}
		q.mu.Lock()
		ops := q.delayed
		q.delayed = nil
		q.stopped = true
		q.mu.Unlock()
		for _, op := range ops {
			op.stopTimer()
		}
	})
}

// Done is closed after the worker exits.
func (q *AsyncQueue) Done() <-chan struct{} { return q.done }

// VerifyOperationInProgress panics unless called from a queue task.
func (q *AsyncQueue) VerifyOperationInProgress() {
	if !q.inTask.Load() {
		panic("operation must run on the async queue")
	}
}

// EnqueueAfterDelay schedules fn to run on the queue after delay. The
// returned operation can be cancelled until it starts running.
func (q *AsyncQueue) EnqueueAfterDelay(id TimerID, delay time.Duration, fn func()) *DelayedOperation {
	op := &DelayedOperation{
		queue:    q,
		TimerID:  id,
		TargetAt: time.Now().Add(delay),
		fn:       fn,
	}
	q.mu.Lock()
	q.delayed = append(q.delayed, op)
	q.mu.Unlock()
	op.timer = time.AfterFunc(delay, func() {
		q.EnqueueAndForget(op.runIfPending)
	})
	return op
}

func (q *AsyncQueue) removeDelayed(op *DelayedOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, d := range q.delayed {
		if d == op {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return
		}
	}
}

// ContainsDelayedOperation reports whether an operation with id is pending.
func (q *AsyncQueue) ContainsDelayedOperation(id TimerID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.delayed {
		if d.TimerID == id {
			return true
		}
	}
	return false
}

// Drain waits until every task enqueued before the call has run.
func (q *AsyncQueue) Drain() {
	f := NewFuture[struct{}]()
	if err := q.push(func() { f.Resolve(struct{}{}, nil) }, true); err != nil {
		return
	}
	<-f.Done()
}

// RunAllDelayedOperationsUntil runs pending delayed operations in target
// time order, stopping after the first one with id (or after all of them
// for TimerAll). Intended for tests; must not be called from a task.
func (q *AsyncQueue) RunAllDelayedOperationsUntil(id TimerID) {
	q.Drain()
	q.mu.Lock()
	ops := append([]*DelayedOperation(nil), q.delayed...)
	q.mu.Unlock()
	sort.SliceStable(ops, func(i, j int) bool { return ops[i].TargetAt.Before(ops[j].TargetAt) })
	for _, op := range ops {
		op.SkipDelay()
		q.Drain()
		if id != TimerAll && op.TimerID == id {
			break
		}
	}
}

// EnqueueRetryable runs fn on the queue. If fn fails with a retryable
// error it is retried with exponential backoff; later retryable
// operations wait for it while ordinary tasks keep running.
func (q *AsyncQueue) EnqueueRetryable(fn func() error) {
	q.mu.Lock()
	q.retryOps = append(q.retryOps, fn)
	first := len(q.retryOps) == 1
	q.mu.Unlock()
	if first {
		q.EnqueueAndForget(q.runRetryable)
	}
}

func (q *AsyncQueue) runRetryable() {
	q.mu.Lock()
	if len(q.retryOps) == 0 {
		q.mu.Unlock()
		return
	}
	op := q.retryOps[0]
	q.mu.Unlock()

	err := op()
	if err != nil && IsRetryable(err) {
		delay := q.retryBackoff.NextBackOff()
		q.logger.Debug("retryable operation failed, backing off", "error", err, "delay", delay)
		q.EnqueueAfterDelay(TimerAsyncQueueRetry, delay, q.runRetryable)
		return
	}
	if err != nil {
		q.logger.Error("retryable operation failed permanently", "error", err)
	}
	q.retryBackoff.Reset()

	q.mu.Lock()
	q.retryOps = q.retryOps[1:]
	more := len(q.retryOps) > 0
	q.mu.Unlock()
	if more {
		q.runRetryable()
	}
}

// DelayedOperation is a cancellable task scheduled for later.
type DelayedOperation struct {
	queue    *AsyncQueue
	TimerID  TimerID
	TargetAt time.Time
	fn       func()
	timer    *time.Timer

	mu        sync.Mutex
	completed bool
}

func (op *DelayedOperation) claim() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.completed {
		return false
	}
	op.completed = true
	return true
}

func (op *DelayedOperation) runIfPending() {
	if !op.claim() {
		return
	}
	op.queue.removeDelayed(op)
	op.fn()
}

func (op *DelayedOperation) stopTimer() {
	if op.timer != nil {
		op.timer.Stop()
	}
	op.claim()
}

// Cancel prevents the operation from running if it has not started.
func (op *DelayedOperation) Cancel() {
	if op == nil {
		return
	}
	op.stopTimer()
	op.queue.removeDelayed(op)
}

// SkipDelay enqueues the operation immediately.
func (op *DelayedOperation) SkipDelay() {
	if op.timer != nil {
		op.timer.Stop()
	}
	op.queue.EnqueueAndForget(op.runIfPending)
}
