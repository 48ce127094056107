// Package pricefeed holds the latest ingredient price quotes per source and
// derives a single effective price with a freshness-based confidence.
package pricefeed

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	mcerrors "meal-cost/pkg/errors"
	"meal-cost/pkg/units"
)

// Quote is a supplier's price for Quantity Unit of an ingredient,
// e.g. 3.00 USD per 1 dozen.
type Quote struct {
	ID           string          `json:"id"`
	IngredientID string          `json:"ingredient_id"`
	SourceID     string          `json:"source_id"`
	Unit         units.Unit      `json:"unit"`
	Quantity     decimal.Decimal `json:"quantity"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	ObservedAt   time.Time       `json:"observed_at"`
	ExpiresAt    time.Time       `json:"expires_at,omitempty"`
}

// UnitPrice is the price of one Unit.
func (q Quote) UnitPrice() decimal.Decimal {
	if !q.Quantity.IsPositive() {
		return q.Amount
	}
	return q.Amount.Div(q.Quantity)
}

// Expired reports whether the quote's validity ended before asOf.
func (q Quote) Expired(asOf time.Time) bool {
	return !q.ExpiresAt.IsZero() && asOf.After(q.ExpiresAt)
}

// Basis renders the quote as "3.00 USD per 1 dozen".
func (q Quote) Basis() string {
	return fmt.Sprintf("%s %s per %s %s", q.Amount.StringFixed(2), q.Currency, q.Quantity.String(), q.Unit)
}

// normalize fills defaults and validates the quote against the unit table.
func normalize(q Quote, table *units.Table, now time.Time) (Quote, error) {
	q.IngredientID = strings.TrimSpace(q.IngredientID)
	q.SourceID = strings.TrimSpace(q.SourceID)
	if q.IngredientID == "" {
		return q, mcerrors.NewInvalidQuoteError("", "ingredient_id is required")
	}
	if q.SourceID == "" {
		return q, mcerrors.NewInvalidQuoteError(q.IngredientID, "source_id is required")
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	q.Unit = units.Normalize(string(q.Unit))
	if table.Class(q.Unit) == units.ClassUnknown {
		return q, mcerrors.NewInvalidQuoteError(q.IngredientID, fmt.Sprintf("unknown unit %q", q.Unit))
	}
	if q.Quantity.IsZero() {
		q.Quantity = decimal.NewFromInt(1)
	}
	if q.Quantity.IsNegative() {
		return q, mcerrors.NewInvalidQuoteError(q.IngredientID, "quantity must be positive")
	}
	if q.Amount.IsNegative() {
		return q, mcerrors.NewInvalidQuoteError(q.IngredientID, "amount must not be negative")
	}
	q.Currency = strings.ToUpper(strings.TrimSpace(q.Currency))
	if q.Currency == "" {
		q.Currency = "USD"
	}
	if q.ObservedAt.IsZero() {
		q.ObservedAt = now
	}
	if !q.ExpiresAt.IsZero() && q.ExpiresAt.Before(q.ObservedAt) {
		return q, mcerrors.NewInvalidQuoteError(q.IngredientID, "expires_at is before observed_at")
	}
	return q, nil
}
