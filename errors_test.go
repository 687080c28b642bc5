package testmux

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRuntimeErrorWrapsCause(t *testing.T) {
	cause := errors.New("listen tcp 127.0.0.1:0: address in use")
	err := NewRuntimeError(cause)

	assert.True(t, IsRuntimeError(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "runtime error:")

	wrapped := fmt.Errorf("startup: %w", err)
	assert.True(t, IsRuntimeError(wrapped))
}

func TestErrorKindsAreDistinct(t *testing.T) {
	failure := NewTestFailureError("2 failed (5 total)")
	assert.True(t, IsTestFailureError(failure))
	assert.False(t, IsRuntimeError(failure))

	runtime := NewRuntimeError(errors.New("boom"))
	assert.False(t, IsTestFailureError(runtime))
	assert.ErrorContains(t, failure, "2 failed")
}
