package tasks

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Run("validation is permanent", func(t *testing.T) {
		kind, retryable := Classify(NewValidationError("bad ticker"))
		assert.Equal(t, KindValidation, kind)
		assert.False(t, retryable)
	})

	t.Run("algorithm is permanent", func(t *testing.T) {
		kind, retryable := Classify(NewAlgorithmError("sma_cross", errors.New("boom")))
		assert.Equal(t, KindAlgorithm, kind)
		assert.False(t, retryable)
	})

	t.Run("transient infra is retryable", func(t *testing.T) {
		kind, retryable := Classify(NewTransientError("broker", errors.New("connection refused")))
		assert.Equal(t, KindTransientInfra, kind)
		assert.True(t, retryable)
	})

	t.Run("data unavailable carries stage policy", func(t *testing.T) {
		kind, retryable := Classify(NewDataUnavailable("SPY", "provider empty", true))
		assert.Equal(t, KindDataUnavailable, kind)
		assert.True(t, retryable)

		kind, retryable = Classify(NewDataUnavailable("SPY", "dataset not ready", false))
		assert.Equal(t, KindDataUnavailable, kind)
		assert.False(t, retryable)
	})

	t.Run("wrapped errors still classify", func(t *testing.T) {
		wrapped := fmt.Errorf("stage failed: %w", NewValidationError("no ticker"))
		kind, retryable := Classify(wrapped)
		assert.Equal(t, KindValidation, kind)
		assert.False(t, retryable)
	})

	t.Run("timeouts count as transient", func(t *testing.T) {
		kind, retryable := Classify(context.DeadlineExceeded)
		assert.Equal(t, KindTransientInfra, kind)
		assert.True(t, retryable)
	})

	t.Run("unknown errors default to transient", func(t *testing.T) {
		kind, retryable := Classify(errors.New("something odd"))
		assert.Equal(t, KindTransientInfra, kind)
		assert.True(t, retryable)
	})
}

func TestAsTaskError(t *testing.T) {
	assert.Nil(t, AsTaskError(nil))

	te := AsTaskError(NewAlgorithmError("sma_cross", errors.New("nan in series")))
	require.NotNil(t, te)
	assert.Equal(t, KindAlgorithm, te.Kind)
	assert.Contains(t, te.Message, "sma_cross")
}

func TestErrorUnwrapping(t *testing.T) {
	inner := errors.New("socket closed")
	err := NewTransientError("cache", inner)
	assert.ErrorIs(t, err, inner)

	algoInner := errors.New("bad input")
	algoErr := NewAlgorithmError("x", algoInner)
	assert.ErrorIs(t, algoErr, algoInner)
}
