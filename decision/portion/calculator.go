// Package portion scales recipe costs to adult and child portions.
package portion

import (
	"strings"

	"github.com/shopspring/decimal"

	"meal-cost/decision/recipes"
	mcerrors "meal-cost/pkg/errors"
)

// Config holds the child portion ratios.
type Config struct {
	// ChildRatio is the size of a child portion relative to an adult one.
	ChildRatio decimal.Decimal
	// CategoryRatios override ChildRatio for recipes in a category.
	// The first of the recipe's categories with an override wins.
	CategoryRatios map[string]decimal.Decimal
}

// DefaultConfig returns a child ratio of one half and no overrides.
func DefaultConfig() Config {
	return Config{
		ChildRatio:     decimal.RequireFromString("0.5"),
		CategoryRatios: map[string]decimal.Decimal{},
	}
}

// Calculator derives per-portion figures from a recipe's declared yield.
type Calculator struct {
	cfg Config
}

// NewCalculator creates a calculator. Category keys are matched case-insensitively.
func NewCalculator(cfg Config) *Calculator {
	ratios := make(map[string]decimal.Decimal, len(cfg.CategoryRatios))
	for k, v := range cfg.CategoryRatios {
		ratios[strings.ToLower(strings.TrimSpace(k))] = v
	}
	cfg.CategoryRatios = ratios
	return &Calculator{cfg: cfg}
}

// ChildRatio returns the child portion ratio that applies to r.
func (c *Calculator) ChildRatio(r recipes.Recipe) decimal.Decimal {
	for _, cat := range r.Categories {
		if ratio, ok := c.cfg.CategoryRatios[strings.ToLower(strings.TrimSpace(cat))]; ok {
			return ratio
		}
	}
	return c.cfg.ChildRatio
}

// AdultEquivalents is adults + childRatio × children.
func (c *Calculator) AdultEquivalents(r recipes.Recipe) (decimal.Decimal, error) {
	if r.Yield.Adults < 0 || r.Yield.Children < 0 {
		return decimal.Zero, mcerrors.NewInvalidYieldError(r.ID, "portion counts must not be negative")
	}
	ratio := c.ChildRatio(r)
	if ratio.IsNegative() {
		return decimal.Zero, mcerrors.NewInvalidYieldError(r.ID, "child ratio must not be negative")
	}
	ae := decimal.NewFromInt(int64(r.Yield.Adults)).Add(ratio.Mul(decimal.NewFromInt(int64(r.Yield.Children))))
	if !ae.IsPositive() {
		return decimal.Zero, mcerrors.NewInvalidYieldError(r.ID, "yield has zero adult-equivalents")
	}
	return ae, nil
}

// PortionFractions returns the share of the whole recipe that one adult and
// one child portion represent.
func (c *Calculator) PortionFractions(r recipes.Recipe) (adult, child decimal.Decimal, err error) {
	ae, err := c.AdultEquivalents(r)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	one := decimal.NewFromInt(1)
	return one.Div(ae), c.ChildRatio(r).Div(ae), nil
}

// Scale splits total across the yield's portions.
func (c *Calculator) Scale(r recipes.Recipe, total decimal.Decimal) (perAdult, perChild decimal.Decimal, err error) {
	ae, err := c.AdultEquivalents(r)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	perAdult = total.Div(ae)
	return perAdult, perAdult.Mul(c.ChildRatio(r)), nil
}

// Validate is a recipes.YieldValidator.
func (c *Calculator) Validate(r recipes.Recipe) error {
	_, err := c.AdultEquivalents(r)
	return err
}
