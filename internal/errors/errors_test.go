package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentError_Unwrap_PreservesOriginalError(t *testing.T) {
	// Given: an original error
	originalErr := errors.New("disk quota exceeded")

	// When: wrapping as a persistence error
	err := PersistenceError("mapping", originalErr)

	// Then: the chain still reaches the original
	require.NotNil(t, err)
	assert.True(t, errors.Is(err, originalErr))
	assert.Equal(t, ErrCodePersistence, GetCode(err))
	assert.Equal(t, "mapping", err.Details["artifact"])
}

func TestAgentError_Error_IncludesCause(t *testing.T) {
	tests := []struct {
		name     string
		err      *AgentError
		expected string
	}{
		{
			name:     "no cause",
			err:      New(ErrCodeConfigNotFound, "config file not found", nil),
			expected: "[ERR_101_CONFIG_NOT_FOUND] config file not found",
		},
		{
			name:     "cause with different message",
			err:      New(ErrCodeEmbeddingFailed, "embed chunk", errors.New("timeout")),
			expected: "[ERR_502_EMBEDDING_FAILED] embed chunk: timeout",
		},
		{
			name:     "wrapped keeps single message",
			err:      Wrap(ErrCodeInternal, errors.New("boom")),
			expected: "[ERR_501_INTERNAL] boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestAgentError_Is_MatchesByCodeThroughJoin(t *testing.T) {
	// Given: a source error joined with an unrelated error and wrapped again
	src := SourceError("wireless", errors.New("connection refused"))
	joined := fmt.Errorf("sync: %w", errors.Join(errors.New("other"), src))

	// Then: code matching sees through both layers
	assert.True(t, HasCode(joined, ErrCodeSourceUnavailable))
	assert.False(t, HasCode(joined, ErrCodePersistence))
	assert.Equal(t, "", GetCode(errors.New("plain")))
}

func TestSeverityAndCategory_DerivedFromCode(t *testing.T) {
	assert.True(t, IsFatal(PersistenceError("index", nil)))
	assert.False(t, IsFatal(EmbeddingError("x", nil)))
	assert.True(t, IsRetryable(SourceError("network", nil)))
	assert.False(t, IsRetryable(ValidationError("bad", nil)))
	assert.Equal(t, CategoryStorage, GetCategory(New(ErrCodeFileWrite, "w", nil)))
	assert.Equal(t, CategorySource, GetCategory(New(ErrCodeSourceTimeout, "t", nil)))
	assert.Equal(t, CategoryInternal, categoryFromCode("bad"))
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestFormatForCLI_IncludesHintAndCode(t *testing.T) {
	// Given: a persistence error with its default suggestion
	err := PersistenceError("index", errors.New("read-only file system"))

	// When: formatting for the terminal
	out := FormatForCLI(err)

	// Then: hint and code are both shown
	assert.Contains(t, out, "Hint:")
	assert.Contains(t, out, "Code: ERR_207_PERSISTENCE")
	assert.Equal(t, "Error: plain\n", FormatForCLI(errors.New("plain")))
	assert.Empty(t, FormatForCLI(nil))
}

func TestLogAttrs(t *testing.T) {
	attrs := LogAttrs(SourceError("dhcp", nil))
	assert.Contains(t, attrs, "error_code")
	assert.Contains(t, attrs, "detail_module")
	assert.Contains(t, attrs, "dhcp")
	assert.Equal(t, []any{"error", "x"}, LogAttrs(errors.New("x")))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function failing twice
	calls := 0
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}

	// When: retrying
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	// Then: it succeeds on the third attempt
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustedWrapsLastError(t *testing.T) {
	last := errors.New("still failing")
	calls := 0
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 1, Jitter: true}

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return last
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
}

func TestRetry_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := RetryWithResult(ctx, DefaultRetryConfig(), func() (int, error) {
		return 1, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, v)
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	// Given: a breaker that opens after two failures
	cb := NewCircuitBreaker("summarizer", WithMaxFailures(2), WithResetTimeout(20*time.Millisecond))
	fail := func() (string, error) { return "", errors.New("down") }

	// When: two calls fail
	_, _ = Execute(cb, fail)
	_, _ = Execute(cb, fail)

	// Then: the circuit is open and calls are short-circuited
	assert.Equal(t, StateOpen, cb.State())
	called := false
	_, err := Execute(cb, func() (string, error) { called = true; return "ok", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)

	// When: the reset timeout passes and a trial call succeeds
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	v, err := Execute(cb, func() (string, error) { return "ok", nil })

	// Then: the circuit closes
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "summarizer", cb.Name())
}
