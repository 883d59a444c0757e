package kerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFormatsMessage(t *testing.T) {
	err := New(KindMissingInput, "need %s", "a secret")
	assert.Equal(t, KindMissingInput, err.Kind)
	assert.Contains(t, err.Error(), "missing_input")
	assert.Contains(t, err.Error(), "need a secret")
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, KindBadKey, "decrypt failed")
	assert.Contains(t, err.Error(), "decrypt failed")
	assert.Contains(t, err.Error(), "boom")
	require.ErrorIs(t, err, cause)
}

func TestWithDetailAppendsToMessage(t *testing.T) {
	err := New(KindRequestRejected, "request rejected").WithDetail("rejection [badRequest]")
	assert.Contains(t, err.Error(), "rejection [badRequest]")
}

func TestIsMatchesKindOnly(t *testing.T) {
	err := New(KindPBMTagMismatch, "tag mismatch")
	assert.True(t, Is(err, KindPBMTagMismatch))
	assert.False(t, Is(err, KindBadKey))
	assert.False(t, Is(errors.New("plain"), KindBadKey))
}
