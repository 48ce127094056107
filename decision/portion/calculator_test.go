package portion

import (
	stderrors "errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meal-cost/decision/recipes"
	mcerrors "meal-cost/pkg/errors"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestScaleBananaBread(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	r := recipes.Recipe{ID: "banana-bread", Yield: recipes.Yield{Adults: 8}}

	perAdult, perChild, err := c.Scale(r, dec("1.90"))
	require.NoError(t, err)
	assert.True(t, dec("0.2375").Equal(perAdult), "got %s", perAdult)
	assert.True(t, dec("0.11875").Equal(perChild), "got %s", perChild)
}

func TestPortionFractions(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	r := recipes.Recipe{Yield: recipes.Yield{Adults: 4, Children: 2}}

	adult, child, err := c.PortionFractions(r)
	require.NoError(t, err)
	assert.True(t, dec("0.2").Equal(adult))
	assert.True(t, dec("0.1").Equal(child))
}

func TestCategoryOverride(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CategoryRatios = map[string]decimal.Decimal{"Dessert": dec("0.75"), "soup": dec("0.4")}
	c := NewCalculator(cfg)

	tests := []struct {
		name       string
		categories []string
		want       string
	}{
		{"no category", nil, "0.5"},
		{"override", []string{"dessert"}, "0.75"},
		{"first match wins", []string{"main", "soup", "dessert"}, "0.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := recipes.Recipe{Categories: tt.categories, Yield: recipes.Yield{Adults: 1}}
			assert.True(t, dec(tt.want).Equal(c.ChildRatio(r)))
		})
	}
}

func TestInvalidYield(t *testing.T) {
	c := NewCalculator(DefaultConfig())
	zeroRatio := DefaultConfig()
	zeroRatio.ChildRatio = decimal.Zero

	tests := []struct {
		name  string
		calc  *Calculator
		yield recipes.Yield
	}{
		{"nobody", c, recipes.Yield{}},
		{"negative adults", c, recipes.Yield{Adults: -1, Children: 4}},
		{"children only with zero ratio", NewCalculator(zeroRatio), recipes.Yield{Children: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tt.calc.Scale(recipes.Recipe{ID: "r", Yield: tt.yield}, dec("1"))
			assert.True(t, stderrors.Is(err, mcerrors.ErrInvalidYield))
			assert.Error(t, tt.calc.Validate(recipes.Recipe{Yield: tt.yield}))
		})
	}
}
