package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/kilupskalvis/docsync/internal/status"
)

// RetryConfig configures how failed transactions are retried.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: backoffInitialDelay,
		MaxBackoff:     backoffMaxDelay,
		JitterFraction: backoffJitter,
	}
}

// TransactionFunc reads and writes through txn. It may run several times
// and must not have side effects outside txn.
type TransactionFunc func(ctx context.Context, txn *Transaction) error

// TransactionRunner runs a TransactionFunc until it commits, retrying
// attempts that failed because of contention.
type TransactionRunner struct {
	datastore *Datastore
	config    *RetryConfig
	logger    *slog.Logger
}

// NewTransactionRunner creates a runner. A nil config uses the defaults.
func NewTransactionRunner(ds *Datastore, cfg *RetryConfig, logger *slog.Logger) *TransactionRunner {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TransactionRunner{datastore: ds, config: cfg, logger: logger}
}

// isRetryable reports whether a failed attempt should be run again. Only
// errors tagged with a status code qualify; anything else came from the
// caller's function.
func isRetryable(err error) bool {
	var se *status.Error
	if !errors.As(err, &se) {
		return false
	}
	return status.IsRetryableTransactionError(se.Code)
}

// backoff computes the delay for the given attempt with jitter.
func (r *TransactionRunner) backoff(attempt int) time.Duration {
	base := float64(r.config.InitialBackoff) * math.Pow(backoffFactor, float64(attempt))
	if base > float64(r.config.MaxBackoff) {
		base = float64(r.config.MaxBackoff)
	}
	jitter := base * r.config.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// sleep waits for the given duration or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn in a fresh transaction and commits it. Attempts that
// fail with a retryable code start over after a backoff.
func (r *TransactionRunner) Run(ctx context.Context, fn TransactionFunc) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		txn := NewTransaction(r.datastore)
		lastErr = fn(ctx, txn)
		if lastErr == nil {
			if _, lastErr = txn.Commit(ctx); lastErr == nil {
				return nil
			}
		}
		if !isRetryable(lastErr) {
			return lastErr
		}
		if attempt < r.config.MaxAttempts-1 {
			d := r.backoff(attempt)
			r.logger.Debug("retrying transaction", "attempt", attempt+1, "delay", d, "error", lastErr)
			if err := sleep(ctx, d); err != nil {
				return fmt.Errorf("transaction: %w (retry cancelled)", lastErr)
			}
		}
	}
	return fmt.Errorf("transaction: %w (after %d attempts)", lastErr, r.config.MaxAttempts)
}
