package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCapturesTypeAndStack(t *testing.T) {
	err := New(ErrorTypeTimeout, "acquire timed out")

	assert.Equal(t, ErrorTypeTimeout, err.Type)
	assert.Contains(t, err.Error(), "timeout: acquire timed out")
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: refused")
	err := Wrap(cause, ErrorTypeConnection, "open connection")

	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection: open connection: dial tcp: refused")
}

func TestWrapNilReturnsNil(t *testing.T) {
	var e *Error = Wrap(nil, ErrorTypeInternal, "ignored")
	assert.Nil(t, e)
}

func TestIsType(t *testing.T) {
	err := New(ErrorTypePoolExhausted, "no connections")
	wrapped := fmt.Errorf("outer: %w", err)

	assert.True(t, IsType(wrapped, ErrorTypePoolExhausted))
	assert.False(t, IsType(wrapped, ErrorTypeTimeout))
	assert.False(t, IsType(errors.New("plain"), ErrorTypeTimeout))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(ErrorTypeTimeout, "t")))
	assert.True(t, IsRetryable(New(ErrorTypeConnection, "c")))
	assert.True(t, IsRetryable(New(ErrorTypePoolExhausted, "p")))
	assert.False(t, IsRetryable(New(ErrorTypeMemory, "m")))
	assert.False(t, IsRetryable(New(ErrorTypeBatch, "b")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeBatch, "flush failed").
		WithDetail("kind", "pool_info").
		WithDetail("attempts", 3)

	assert.Equal(t, "pool_info", err.Details["kind"])
	assert.Equal(t, 3, err.Details["attempts"])
}
