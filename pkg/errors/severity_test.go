package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := NewNoPriceDataError("banana")
	wrapped := fmt.Errorf("pricing line 2: %w", err)

	assert.True(t, stderrors.Is(wrapped, ErrNoPriceData))
	assert.False(t, stderrors.Is(wrapped, ErrIncompatibleUnits))
	assert.Equal(t, CodeNoPriceData, CodeOf(wrapped))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, "", CodeOf(stderrors.New("boom")))
}

func TestErrorMessage(t *testing.T) {
	err := NewCyclicReferenceError("pudding", []string{"pudding", "bread", "pudding"})
	assert.Contains(t, err.Error(), "CYCLIC_REFERENCE")
	assert.Contains(t, err.Error(), "entity: pudding")
	assert.Equal(t, "error", err.Severity.String())
}
