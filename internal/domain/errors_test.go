package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cause := errors.New("redis down")
	err := fmt.Errorf("join: %w", Transient("failed to update presence", cause))

	assert.ErrorIs(t, err, ErrTransient)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrValidation)

	e := AsError(err)
	assert.Equal(t, ErrCodeInternalError, e.Code)

	assert.ErrorIs(t, Capacity(2), ErrCapacity)
	assert.Equal(t, ErrCodeVoiceRoomFull, Capacity(2).Code)
	assert.ErrorIs(t, Forbidden("not a member of %s", "r1"), ErrAuthorization)
	assert.Equal(t, "not a member of r1", Forbidden("not a member of %s", "r1").Message)
}

func TestAsErrorWrapsUnknown(t *testing.T) {
	e := AsError(errors.New("boom"))
	assert.ErrorIs(t, e, ErrTransient)
	assert.Equal(t, "internal error", e.Message)
}
