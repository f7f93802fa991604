package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/docsync/internal/models"
	"github.com/kilupskalvis/docsync/internal/status"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: 1 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		JitterFraction: 0.0,
	}
}

func TestIsRetryable_NilError(t *testing.T) {
	assert.False(t, isRetryable(nil))
}

func TestIsRetryable_Aborted(t *testing.T) {
	assert.True(t, isRetryable(status.New(status.Aborted, "contention")))
}

func TestIsRetryable_Unavailable(t *testing.T) {
	assert.True(t, isRetryable(status.New(status.Unavailable, "down")))
}

func TestIsRetryable_PermissionDenied(t *testing.T) {
	assert.False(t, isRetryable(status.New(status.PermissionDenied, "no")))
}

func TestIsRetryable_UntaggedError(t *testing.T) {
	assert.False(t, isRetryable(errors.New("user error")))
}

func TestTransactionRunner_Backoff(t *testing.T) {
	r := NewTransactionRunner(nil, &RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.0, // no jitter for deterministic test
	}, nil)

	assert.Equal(t, 100*time.Millisecond, r.backoff(0))
	assert.Equal(t, 150*time.Millisecond, r.backoff(1))
	assert.Equal(t, 225*time.Millisecond, r.backoff(2))
}

func TestTransactionRunner_BackoffCapped(t *testing.T) {
	r := NewTransactionRunner(nil, &RetryConfig{
		MaxAttempts:    10,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.0,
	}, nil)

	assert.Equal(t, 5*time.Second, r.backoff(10))
}

func TestTransactionRunner_RetriesAbortedCommit(t *testing.T) {
	conn := newFakeConnection()
	commits := 0
	conn.commit = func(*CommitRequest) (*CommitResponse, error) {
		commits++
		if commits < 3 {
			return nil, status.New(status.Aborted, "too much contention")
		}
		return &CommitResponse{CommitTime: version(100)}, nil
	}
	r := NewTransactionRunner(newTestDatastore(conn), fastRetryConfig(5), nil)

	attempts := 0
	err := r.Run(context.Background(), func(_ context.Context, txn *Transaction) error {
		attempts++
		txn.Set(key("coll/a"), models.NewObjectValue())
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, commits)
}

func TestTransactionRunner_Exhausted(t *testing.T) {
	conn := newFakeConnection()
	conn.commit = func(*CommitRequest) (*CommitResponse, error) {
		return nil, status.New(status.Aborted, "too much contention")
	}
	r := NewTransactionRunner(newTestDatastore(conn), fastRetryConfig(2), nil)

	attempts := 0
	err := r.Run(context.Background(), func(_ context.Context, txn *Transaction) error {
		attempts++
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, status.Aborted, status.CodeOf(err))
	assert.Equal(t, 2, attempts)
}

func TestTransactionRunner_NoRetryOnCallerError(t *testing.T) {
	r := NewTransactionRunner(newTestDatastore(newFakeConnection()), fastRetryConfig(5), nil)

	boom := errors.New("boom")
	attempts := 0
	err := r.Run(context.Background(), func(context.Context, *Transaction) error {
		attempts++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestTransactionRunner_NoRetryOnPermanentError(t *testing.T) {
	conn := newFakeConnection()
	conn.commit = func(*CommitRequest) (*CommitResponse, error) {
		return nil, status.New(status.PermissionDenied, "missing permissions")
	}
	r := NewTransactionRunner(newTestDatastore(conn), fastRetryConfig(5), nil)

	attempts := 0
	err := r.Run(context.Background(), func(context.Context, *Transaction) error {
		attempts++
		return nil
	})

	assert.Equal(t, status.PermissionDenied, status.CodeOf(err))
	assert.Equal(t, 1, attempts)
}

func TestTransactionRunner_ContextCancellation(t *testing.T) {
	conn := newFakeConnection()
	conn.commit = func(*CommitRequest) (*CommitResponse, error) {
		return nil, status.New(status.Aborted, "too much contention")
	}
	r := NewTransactionRunner(newTestDatastore(conn), &RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		JitterFraction: 0.0,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := r.Run(ctx, func(context.Context, *Transaction) error {
		attempts++
		return nil
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, attempts)
}
