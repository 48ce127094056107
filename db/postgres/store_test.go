package postgres

import (
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meal-cost/decision/recipes"
	"meal-cost/pkg/units"
)

func TestRecipeColumnsRoundTrip(t *testing.T) {
	r := recipes.Recipe{
		ID: "bread-pudding",
		Lines: []recipes.Line{
			{SubRecipeID: "banana-bread", Quantity: decimal.RequireFromString("2"), Unit: units.Loaf},
			{IngredientID: "milk", Quantity: decimal.RequireFromString("1.5"), Unit: units.Cup, Optional: true},
		},
		Yield: recipes.Yield{Amount: decimal.RequireFromString("1"), Unit: units.Batch, Adults: 6, Children: 2},
	}

	lines, yield, err := encodeRecipe(r)
	require.NoError(t, err)

	got := recipes.Recipe{ID: r.ID}
	require.NoError(t, decodeRecipe(&got, lines, yield))
	require.Len(t, got.Lines, 2)
	assert.Equal(t, "banana-bread", got.Lines[0].SubRecipeID)
	assert.True(t, got.Lines[1].Quantity.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, got.Lines[1].Optional)
	assert.Equal(t, 2, got.Yield.Children)
	assert.Equal(t, units.Batch, got.Yield.Unit)
}

func TestDecodeRecipeRejectsGarbage(t *testing.T) {
	var r recipes.Recipe
	err := decodeRecipe(&r, []byte("{not json"), []byte("{}"))
	require.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique", &pq.Error{Code: "23505"}, true},
		{"wrapped", fmt.Errorf("insert: %w", &pq.Error{Code: "23505"}), true},
		{"fk", &pq.Error{Code: "23503"}, false},
		{"plain", fmt.Errorf("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}

func TestNonNil(t *testing.T) {
	assert.NotNil(t, nonNil(nil))
	assert.Equal(t, []string{"a"}, nonNil([]string{"a"}))
}
