package remote

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kilupskalvis/docsync/internal/metrics"
	"github.com/kilupskalvis/docsync/internal/queue"
)

// OnlineState is the connectivity state reported to listeners.
type OnlineState int

const (
	// OnlineStateUnknown means we are trying to connect and do not yet know
	// whether that will work.
	OnlineStateUnknown OnlineState = iota
	OnlineStateOnline
	// OnlineStateOffline means requests will likely fail; cached results
	// are raised as from-cache snapshots.
	OnlineStateOffline
)

func (s OnlineState) String() string {
	switch s {
	case OnlineStateOnline:
		return "online"
	case OnlineStateOffline:
		return "offline"
	}
	return "unknown"
}

const (
	maxWatchStreamFailures = 1
	onlineStateTimeout     = 10 * time.Second
)

// OnlineStateTracker derives the online state from watch stream health.
// The state goes offline after one failed connection attempt, or when the
// stream has not come up within onlineStateTimeout.
type OnlineStateTracker struct {
	queue    *queue.AsyncQueue
	onChange func(OnlineState)
	logger   *slog.Logger

	state          OnlineState
	failures       int
	timer          *queue.DelayedOperation
	shouldWarnOnce bool
}

func NewOnlineStateTracker(q *queue.AsyncQueue, onChange func(OnlineState), logger *slog.Logger) *OnlineStateTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &OnlineStateTracker{queue: q, onChange: onChange, logger: logger, shouldWarnOnce: true}
}

// State returns the current state.
func (t *OnlineStateTracker) State() OnlineState { return t.state }

// HandleWatchStreamStart is called whenever the watch stream starts
// connecting. The first attempt arms the offline timer.
func (t *OnlineStateTracker) HandleWatchStreamStart() {
	if t.failures != 0 {
		return
	}
	t.setAndBroadcast(OnlineStateUnknown)
	if t.timer != nil {
		return
	}
	t.timer = t.queue.EnqueueAfterDelay(queue.TimerOnlineStateTimeout, onlineStateTimeout, func() {
		t.timer = nil
		if t.state == OnlineStateUnknown {
			t.logConnectivityWarning("backend did not respond within %s", onlineStateTimeout)
			t.setAndBroadcast(OnlineStateOffline)
		}
	})
}

// HandleWatchStreamFailure records a failed watch stream.
func (t *OnlineStateTracker) HandleWatchStreamFailure(err error) {
	if t.state == OnlineStateOnline {
		t.setAndBroadcast(OnlineStateUnknown)
		return
	}
	t.failures++
	if t.failures >= maxWatchStreamFailures {
		t.clearTimer()
		t.logConnectivityWarning("connection failed %d times: %v", t.failures, err)
		t.setAndBroadcast(OnlineStateOffline)
	}
}

// Set forces a state, e.g. online after a snapshot or offline when the
// network is disabled.
func (t *OnlineStateTracker) Set(s OnlineState) {
	t.clearTimer()
	t.failures = 0
	if s == OnlineStateOnline {
		// Outages after the first successful connection are logged quietly.
		t.shouldWarnOnce = false
	}
	t.setAndBroadcast(s)
}

func (t *OnlineStateTracker) setAndBroadcast(s OnlineState) {
	if s == t.state {
		return
	}
	t.state = s
	metrics.OnlineState.Set(float64(s))
	if t.onChange != nil {
		t.onChange(s)
	}
}

func (t *OnlineStateTracker) logConnectivityWarning(format string, args ...any) {
	if t.shouldWarnOnce {
		t.logger.Warn("could not reach backend, operating offline", "detail", fmt.Sprintf(format, args...))
		t.shouldWarnOnce = false
		return
	}
	t.logger.Debug("could not reach backend", "detail", fmt.Sprintf(format, args...))
}

func (t *OnlineStateTracker) clearTimer() {
	if t.timer != nil {
		t.timer.Cancel()
		t.timer = nil
	}
}
