package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMessage(t *testing.T) {
	err := NewError(ErrCodeNameInUse, "name svc-a is already registered")
	assert.Equal(t, "NAME_IN_USE: name svc-a is already registered", err.Error())

	wrapped := WrapError(ErrCodeInternal, "failed to save", errors.New("disk full"))
	assert.Equal(t, "INTERNAL: failed to save: disk full", wrapped.Error())
}

func TestIsErrCodeThroughWrapping(t *testing.T) {
	base := NewError(ErrCodeIncorrectToken, "token mismatch")
	err := fmt.Errorf("identify: %w", base)

	assert.True(t, IsErrCode(err, ErrCodeIncorrectToken))
	assert.False(t, IsErrCode(err, ErrCodeIncorrectPSK))
	assert.Equal(t, ErrCodeIncorrectToken, GetErrorCode(err))

	e, ok := AsError(err)
	require.True(t, ok)
	assert.Same(t, base, e)
}

func TestGetErrorCodeForPlainError(t *testing.T) {
	assert.Equal(t, "", GetErrorCode(errors.New("plain")))
	assert.False(t, IsErrCode(nil, ErrCodeInternal))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := WrapError(ErrCodeUnavailable, "closed", cause)
	assert.ErrorIs(t, err, cause)
}
