package access

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCheck(t *testing.T) {
	assert.NoError(t, Check(true, false))
	assert.NoError(t, Check(true, true))
	assert.NoError(t, Check(false, true))
	assert.ErrorIs(t, Check(false, false), ErrDenied)
}

func TestCloseCode(t *testing.T) {
	code, reason, ok := CloseCode(errors.WithMessage(ErrNotFound, "room abc"))
	assert.True(t, ok)
	assert.Equal(t, CloseNotFound, code)
	assert.Equal(t, "Room not found", reason)

	code, _, ok = CloseCode(ErrDenied)
	assert.True(t, ok)
	assert.Equal(t, CloseDenied, code)

	_, _, ok = CloseCode(errors.New("disk on fire"))
	assert.False(t, ok)
}
