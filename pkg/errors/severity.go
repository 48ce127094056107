// Package errors provides severity-aware error types for the cost engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Severity indicates error impact level.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a structured error with context.
type Error struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	EntityID    string   `json:"entity_id,omitempty"`
	Recoverable bool     `json:"recoverable"`
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("[%s] %s: %s (entity: %s)", e.Severity, e.Code, e.Message, e.EntityID)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Severity, e.Code, e.Message)
}

// Is matches any *Error carrying the same code, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes
const (
	CodeIncompatibleUnits = "INCOMPATIBLE_UNITS"
	CodeNoPriceData       = "NO_PRICE_DATA"
	CodeCyclicReference   = "CYCLIC_REFERENCE"
	CodeInvalidYield      = "INVALID_YIELD"
	CodeUnknownRecipe     = "UNKNOWN_RECIPE"
	CodeRecipeInUse       = "RECIPE_IN_USE"
	CodeInvalidRecipe     = "INVALID_RECIPE"
	CodeInvalidQuote      = "INVALID_QUOTE"
	CodeStaleQuote        = "STALE_QUOTE"
	CodeVersionConflict   = "VERSION_CONFLICT"
)

// Sentinels for errors.Is checks.
var (
	ErrIncompatibleUnits = &Error{Code: CodeIncompatibleUnits}
	ErrNoPriceData       = &Error{Code: CodeNoPriceData}
	ErrCyclicReference   = &Error{Code: CodeCyclicReference}
	ErrInvalidYield      = &Error{Code: CodeInvalidYield}
	ErrUnknownRecipe     = &Error{Code: CodeUnknownRecipe}
	ErrRecipeInUse       = &Error{Code: CodeRecipeInUse}
	ErrInvalidRecipe     = &Error{Code: CodeInvalidRecipe}
	ErrInvalidQuote      = &Error{Code: CodeInvalidQuote}
	ErrStaleQuote        = &Error{Code: CodeStaleQuote}
	ErrVersionConflict   = &Error{Code: CodeVersionConflict}
)

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ""
}

// NewIncompatibleUnitsError reports a conversion with no registered path.
func NewIncompatibleUnitsError(from, to, ingredientID string) *Error {
	return &Error{
		Code:        CodeIncompatibleUnits,
		Message:     fmt.Sprintf("cannot convert %s to %s", from, to),
		Severity:    SeverityWarning,
		EntityID:    ingredientID,
		Recoverable: true,
	}
}

// NewNoPriceDataError reports an ingredient that has never been quoted.
func NewNoPriceDataError(ingredientID string) *Error {
	return &Error{
		Code:        CodeNoPriceData,
		Message:     "no price quote has been received",
		Severity:    SeverityWarning,
		EntityID:    ingredientID,
		Recoverable: true,
	}
}

// NewCyclicReferenceError reports a sub-recipe reference that would close a loop.
func NewCyclicReferenceError(recipeID string, path []string) *Error {
	return &Error{
		Code:        CodeCyclicReference,
		Message:     fmt.Sprintf("sub-recipe reference creates a cycle: %v", path),
		Severity:    SeverityError,
		EntityID:    recipeID,
		Recoverable: false,
	}
}

// NewInvalidYieldError reports a yield with no adult-equivalent portions.
func NewInvalidYieldError(recipeID, reason string) *Error {
	return &Error{
		Code:        CodeInvalidYield,
		Message:     reason,
		Severity:    SeverityError,
		EntityID:    recipeID,
		Recoverable: false,
	}
}

// NewUnknownRecipeError reports a reference to a recipe that does not exist.
func NewUnknownRecipeError(recipeID string) *Error {
	return &Error{
		Code:        CodeUnknownRecipe,
		Message:     "recipe not found",
		Severity:    SeverityError,
		EntityID:    recipeID,
		Recoverable: false,
	}
}

// NewRecipeInUseError reports a delete of a recipe still used as a sub-recipe.
func NewRecipeInUseError(recipeID string, usedBy []string) *Error {
	return &Error{
		Code:        CodeRecipeInUse,
		Message:     fmt.Sprintf("recipe is referenced by %v", usedBy),
		Severity:    SeverityError,
		EntityID:    recipeID,
		Recoverable: false,
	}
}

// NewInvalidRecipeError reports a malformed recipe definition.
func NewInvalidRecipeError(recipeID, reason string) *Error {
	return &Error{
		Code:        CodeInvalidRecipe,
		Message:     reason,
		Severity:    SeverityError,
		EntityID:    recipeID,
		Recoverable: false,
	}
}

// NewInvalidQuoteError reports a malformed price quote.
func NewInvalidQuoteError(ingredientID, reason string) *Error {
	return &Error{
		Code:        CodeInvalidQuote,
		Message:     reason,
		Severity:    SeverityWarning,
		EntityID:    ingredientID,
		Recoverable: false,
	}
}

// NewStaleQuoteError reports a quote older than the one already stored for its source.
func NewStaleQuoteError(ingredientID, sourceID string) *Error {
	return &Error{
		Code:        CodeStaleQuote,
		Message:     fmt.Sprintf("quote from %s is older than the stored quote", sourceID),
		Severity:    SeverityInfo,
		EntityID:    ingredientID,
		Recoverable: true,
	}
}

// NewVersionConflictError reports an optimistic concurrency mismatch.
func NewVersionConflictError(recipeID string, want, have int) *Error {
	return &Error{
		Code:        CodeVersionConflict,
		Message:     fmt.Sprintf("expected version %d, current version is %d", want, have),
		Severity:    SeverityError,
		EntityID:    recipeID,
		Recoverable: true,
	}
}
