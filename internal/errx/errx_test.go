package errx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	errSentinel = errors.New("open thing")
	errCause    = errors.New("permission denied")
)

func TestWrap(t *testing.T) {
	err := Wrap(errSentinel, errCause)
	assert.ErrorIs(t, err, errSentinel)
	assert.ErrorIs(t, err, errCause)
	assert.Equal(t, "open thing: permission denied", err.Error())

	assert.Same(t, errSentinel, Wrap(errSentinel, nil))
}

func TestWith(t *testing.T) {
	err := With(errSentinel, ": %s: %w", "x", errCause)
	assert.ErrorIs(t, err, errSentinel)
	assert.ErrorIs(t, err, errCause)
	assert.Equal(t, "open thing: x: permission denied", err.Error())
}
