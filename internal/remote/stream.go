package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/looplab/fsm"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/queue"
	"github.com/kilupskalvis/docsync/internal/status"
)

// Stream states.
const (
	StreamInitial  = "initial"
	StreamStarting = "starting"
	StreamOpen     = "open"
	StreamHealthy  = "healthy"
	StreamError    = "error"
	StreamBackoff  = "backoff"
)

const (
	evStart   = "start"
	evOpen    = "open"
	evHealthy = "healthy"
	evFail    = "fail"
	evBackoff = "backoff"
	evRetry   = "retry"
	evStop    = "stop"
)

const (
	// idleTimeout closes an open stream nobody has used for this long.
	idleTimeout = time.Minute
	// healthyTimeout is how long a stream must stay open before its
	// backoff is reset.
	healthyTimeout = 10 * time.Second
	// DefaultResponseTimeout bounds the wait for a response the backend
	// owes us.
	DefaultResponseTimeout = 30 * time.Second
)

func newStreamMachine(name string, logger *slog.Logger) *fsm.FSM {
	return fsm.NewFSM(
		StreamInitial,
		fsm.Events{
			{Name: evStart, Src: []string{StreamInitial}, Dst: StreamStarting},
			{Name: evOpen, Src: []string{StreamStarting}, Dst: StreamOpen},
			{Name: evHealthy, Src: []string{StreamOpen}, Dst: StreamHealthy},
			{Name: evFail, Src: []string{StreamStarting, StreamOpen, StreamHealthy, StreamBackoff}, Dst: StreamError},
			{Name: evBackoff, Src: []string{StreamError}, Dst: StreamBackoff},
			{Name: evRetry, Src: []string{StreamBackoff}, Dst: StreamStarting},
			{Name: evStop, Src: []string{StreamStarting, StreamOpen, StreamHealthy, StreamError, StreamBackoff}, Dst: StreamInitial},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.IncStreamEvent(name, e.Dst)
				logger.Debug("stream state changed", "stream", name, "from", e.Src, "to", e.Dst)
			},
		},
	)
}

type streamTimers struct {
	idle      queue.TimerID
	backoff   queue.TimerID
	health    queue.TimerID
	responses queue.TimerID
}

// persistentStream keeps a Stream alive across failures. It owns the
// connection lifecycle: authentication, backoff between attempts, idle
// shutdown and health tracking. Methods must be called on the queue;
// callbacks run there too.
//
// Each connection attempt is tagged with the close count at the time it
// started. Results from an attempt that has since been closed are dropped.
type persistentStream[Req, Resp any] struct {
	name    string
	queue   *queue.AsyncQueue
	machine *fsm.FSM
	backoff *ExponentialBackoff
	timers  streamTimers
	logger  *slog.Logger

	open       func(ctx context.Context) (Stream[Req, Resp], error)
	invalidate func()

	// Set by the concrete stream.
	onOpen    func()
	onMessage func(*Resp) error
	onClose   func(err error)

	conn       Stream[Req, Resp]
	cancel     context.CancelFunc
	closeCount int

	idleOp   *queue.DelayedOperation
	healthOp *queue.DelayedOperation

	responseTimeout time.Duration
	awaiting        int
	watchdogOp      *queue.DelayedOperation
}

func newPersistentStream[Req, Resp any](
	name string,
	q *queue.AsyncQueue,
	timers streamTimers,
	open func(ctx context.Context) (Stream[Req, Resp], error),
	invalidate func(),
	logger *slog.Logger,
) *persistentStream[Req, Resp] {
	if logger == nil {
		logger = slog.Default()
	}
	return &persistentStream[Req, Resp]{
		name:            name,
		queue:           q,
		machine:         newStreamMachine(name, logger),
		backoff:         NewExponentialBackoff(q, timers.backoff),
		timers:          timers,
		logger:          logger,
		open:            open,
		invalidate:      invalidate,
		responseTimeout: DefaultResponseTimeout,
	}
}

func (s *persistentStream[Req, Resp]) transition(event string) {
	if err := s.machine.Event(context.Background(), event); err != nil {
		s.logger.Error("invalid stream transition", "stream", s.name, "event", event, "state", s.machine.Current(), "error", err)
	}
}

// State returns the current state.
func (s *persistentStream[Req, Resp]) State() string { return s.machine.Current() }

// IsStarted reports whether Start was called and the stream has not been
// stopped or failed since. A started stream may still be connecting or
// backing off.
func (s *persistentStream[Req, Resp]) IsStarted() bool {
	switch s.machine.Current() {
	case StreamStarting, StreamBackoff, StreamOpen, StreamHealthy:
		return true
	}
	return false
}

// IsOpen reports whether the stream is connected.
func (s *persistentStream[Req, Resp]) IsOpen() bool {
	switch s.machine.Current() {
	case StreamOpen, StreamHealthy:
		return true
	}
	return false
}

// Start connects the stream. A stream that failed waits out its backoff
// first.
func (s *persistentStream[Req, Resp]) Start() {
	switch s.machine.Current() {
	case StreamError:
		s.performBackoff()
		return
	case StreamInitial:
		s.transition(evStart)
		s.connect()
	}
}

// Stop closes the stream without error. Its listener sees OnClose(nil).
func (s *persistentStream[Req, Resp]) Stop() {
	if s.IsStarted() {
		s.close(StreamInitial, nil)
	}
}

// InhibitBackoff makes the next Start after a failure connect at once.
func (s *persistentStream[Req, Resp]) InhibitBackoff() {
	if s.machine.Current() == StreamError {
		s.transition(evStop)
	}
	s.backoff.Reset()
}

// MarkIdle schedules the stream to close unless it is used again soon.
func (s *persistentStream[Req, Resp]) MarkIdle() {
	if s.IsOpen() && s.idleOp == nil {
		s.idleOp = s.queue.EnqueueAfterDelay(s.timers.idle, idleTimeout, s.handleIdleCloseTimer)
	}
}

func (s *persistentStream[Req, Resp]) handleIdleCloseTimer() {
	s.idleOp = nil
	if s.IsOpen() {
		s.logger.Debug("closing idle stream", "stream", s.name)
		metrics.IncStreamEvent(s.name, "idle")
		s.close(StreamInitial, nil)
	}
}

func (s *persistentStream[Req, Resp]) cancelIdleCheck() {
	if s.idleOp != nil {
		s.idleOp.Cancel()
		s.idleOp = nil
	}
}

func (s *persistentStream[Req, Resp]) cancelHealthCheck() {
	if s.healthOp != nil {
		s.healthOp.Cancel()
		s.healthOp = nil
	}
}

// send writes req. Send failures surface through the receive loop, which
// sees the broken connection.
func (s *persistentStream[Req, Resp]) send(req *Req, expectedResponses int) {
	s.cancelIdleCheck()
	if s.conn == nil {
		return
	}
	if err := s.conn.Send(req); err != nil {
		s.logger.Debug("stream send failed", "stream", s.name, "error", err)
		return
	}
	s.expectResponses(expectedResponses)
}

func (s *persistentStream[Req, Resp]) expectResponses(n int) {
	if n <= 0 {
		return
	}
	s.awaiting += n
	if s.watchdogOp == nil {
		s.armWatchdog()
	}
}

// receivedResponses records n owed responses as delivered.
func (s *persistentStream[Req, Resp]) receivedResponses(n int) {
	s.awaiting -= n
	if s.awaiting < 0 {
		s.awaiting = 0
	}
	s.disarmWatchdog()
	if s.awaiting > 0 {
		s.armWatchdog()
	}
}

func (s *persistentStream[Req, Resp]) armWatchdog() {
	s.watchdogOp = s.queue.EnqueueAfterDelay(s.timers.responses, s.responseTimeout, func() {
		s.watchdogOp = nil
		if s.IsOpen() && s.awaiting > 0 {
			s.logger.Warn("stream response timed out", "stream", s.name, "awaiting", s.awaiting)
			s.close(StreamError, status.New(status.Unavailable, "no response from %s stream within %s", s.name, s.responseTimeout))
		}
	})
}

func (s *persistentStream[Req, Resp]) disarmWatchdog() {
	if s.watchdogOp != nil {
		s.watchdogOp.Cancel()
		s.watchdogOp = nil
	}
}

func (s *persistentStream[Req, Resp]) performBackoff() {
	s.transition(evBackoff)
	s.backoff.BackoffAndRun(func() {
		if s.machine.Current() != StreamBackoff {
			return
		}
		s.transition(evRetry)
		s.connect()
	})
}

// connect opens the connection off the queue and hands the result back to
// it.
func (s *persistentStream[Req, Resp]) connect() {
	gen := s.closeCount
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		conn, err := s.open(ctx)
		s.queue.EnqueueAndForget(func() {
			if gen != s.closeCount {
				if conn != nil {
					_ = conn.Close()
				}
				return
			}
			if err != nil {
				s.handleStreamClose(err)
				return
			}
			s.conn = conn
			s.onOpened()
			go s.receive(gen, conn)
		})
	}()
}

func (s *persistentStream[Req, Resp]) receive(gen int, conn Stream[Req, Resp]) {
	for {
		msg, err := conn.Recv()
		if err != nil {
			s.queue.EnqueueAndForget(func() {
				if gen == s.closeCount {
					s.handleStreamClose(err)
				}
			})
			return
		}
		s.queue.EnqueueAndForget(func() {
			if gen == s.closeCount {
				s.handleMessage(msg)
			}
		})
	}
}

func (s *persistentStream[Req, Resp]) onOpened() {
	s.transition(evOpen)
	s.healthOp = s.queue.EnqueueAfterDelay(s.timers.health, healthyTimeout, func() {
		s.healthOp = nil
		if s.machine.Current() == StreamOpen {
			s.transition(evHealthy)
			s.backoff.Reset()
		}
	})
	s.onOpen()
}

func (s *persistentStream[Req, Resp]) handleMessage(msg *Resp) {
	if err := s.onMessage(msg); err != nil {
		s.logger.Warn("stream message rejected", "stream", s.name, "error", err)
		s.close(StreamError, err)
	}
}

func (s *persistentStream[Req, Resp]) handleStreamClose(err error) {
	if errors.Is(err, io.EOF) {
		err = status.New(status.Unavailable, "%s stream closed by server", s.name)
	}
	s.logger.Debug("stream closed", "stream", s.name, "error", err)
	s.close(StreamError, err)
}

// close tears down the connection and notifies the listener. finalState
// is StreamInitial for intentional closes and StreamError otherwise.
func (s *persistentStream[Req, Resp]) close(finalState string, err error) {
	s.cancelIdleCheck()
	s.cancelHealthCheck()
	s.disarmWatchdog()
	s.backoff.Cancel()
	s.awaiting = 0

	// Drops callbacks still in flight from this connection.
	s.closeCount++

	switch code := status.CodeOf(err); {
	case finalState != StreamError:
		s.backoff.Reset()
	case code == status.ResourceExhausted:
		s.logger.Debug("backend overloaded, using maximum backoff", "stream", s.name)
		s.backoff.ResetToMax()
	case code == status.Unauthenticated && s.machine.Current() != StreamHealthy:
		// Credentials may have expired or been revoked.
		s.invalidate()
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	if finalState == StreamError {
		s.transition(evFail)
	} else {
		s.transition(evStop)
	}
	metrics.IncStreamEvent(s.name, "close")
	s.onClose(err)
}
