package engineerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(NewRateLimited("slow down")))
	assert.True(t, Retryable(NewTransport("connection reset", errors.New("boom"))))
	assert.False(t, Retryable(NewConfigError("bad branching factor")))
	assert.False(t, Retryable(NewFatal("unexpected", nil)))
	assert.False(t, Retryable(errors.New("plain error")))
}

func TestIsParseFatal(t *testing.T) {
	assert.True(t, IsParseFatal(NewParseError(ParseFatal, "missing <equivalent>")))
	assert.False(t, IsParseFatal(NewParseError(ParseDegrading, "missing <severity>")))
	assert.False(t, IsParseFatal(NewFatal("unrelated", nil)))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(NewConfigError("bad config")))
	assert.Equal(t, 3, ExitCode(NewRateLimited("slow down")))
	assert.Equal(t, 3, ExitCode(NewTransport("reset", nil)))
	assert.Equal(t, 4, ExitCode(NewParseError(ParseFatal, "bad tags")))
	assert.Equal(t, 5, ExitCode(NewFatal("unexpected", nil)))
	assert.Equal(t, 5, ExitCode(errors.New("plain error")))
}

func TestTransport_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewTransport("request failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestFatal_Unwrap(t *testing.T) {
	cause := errors.New("nil pointer")
	err := NewFatal("unexpected panic", cause)
	assert.ErrorIs(t, err, cause)
}
