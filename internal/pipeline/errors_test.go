package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransientMatchesWrappedTransient(t *testing.T) {
	err := fmt.Errorf("context: %w", Transient(errors.New("connection refused")))
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestIsPermanentMatchesWrappedPermanent(t *testing.T) {
	err := fmt.Errorf("context: %w", Permanent(errors.New("missing content")))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
}

func TestIsTransientFalseForPlainError(t *testing.T) {
	assert.False(t, IsTransient(errors.New("plain")))
	assert.False(t, IsPermanent(errors.New("plain")))
}
