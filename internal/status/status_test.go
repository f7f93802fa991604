package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, OK, CodeOf(nil))
	assert.Equal(t, NotFound, CodeOf(fmt.Errorf("lookup: %w", New(NotFound, "missing"))))
	assert.Equal(t, Cancelled, CodeOf(context.Canceled))
	assert.Equal(t, DeadlineExceeded, CodeOf(fmt.Errorf("rpc: %w", context.DeadlineExceeded)))
	assert.Equal(t, Unknown, CodeOf(errors.New("boom")))
}

func TestError_IsMatchesCode(t *testing.T) {
	err := fmt.Errorf("commit: %w", New(Aborted, "contention"))
	assert.True(t, errors.Is(err, New(Aborted, "")))
	assert.False(t, errors.Is(err, New(Internal, "")))
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Internal, cause, "write batch %d", 3)
	assert.Equal(t, "internal: write batch 3: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestParseCode(t *testing.T) {
	for code, name := range codeNames {
		assert.Equal(t, code, ParseCode(name))
	}
	assert.Equal(t, Unknown, ParseCode("bogus"))
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		code      Code
		permanent bool
		write     bool
		txRetry   bool
	}{
		{Unavailable, false, false, true},
		{ResourceExhausted, false, false, true},
		{Unauthenticated, false, false, true},
		{Aborted, true, false, true},
		{FailedPrecondition, true, true, true},
		{AlreadyExists, true, true, true},
		{InvalidArgument, true, true, false},
		{PermissionDenied, true, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			assert.Equal(t, tt.permanent, IsPermanentError(tt.code))
			assert.Equal(t, tt.write, IsPermanentWriteError(tt.code))
			assert.Equal(t, tt.txRetry, IsRetryableTransactionError(tt.code))
		})
	}
}

func TestHTTPStatusRoundTrip(t *testing.T) {
	for _, code := range []Code{InvalidArgument, Unauthenticated, PermissionDenied, NotFound,
		Aborted, FailedPrecondition, ResourceExhausted, Unimplemented, Unavailable, DeadlineExceeded} {
		assert.Equal(t, code, CodeFromHTTPStatus(HTTPStatus(code)), code.String())
	}
	assert.Equal(t, Internal, CodeFromHTTPStatus(http.StatusInternalServerError))
}
