package main

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"meal-cost/decision/pricefeed"
	mcerrors "meal-cost/pkg/errors"
	"meal-cost/pkg/units"
)

var asOf = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

const book = `[
	{"id": "banana-bread", "lines": [
		{"ingredient_id": "banana", "quantity": "3", "unit": "each"},
		{"ingredient_id": "flour", "quantity": "2", "unit": "cup"}
	], "yield": {"amount": "1", "unit": "loaf", "adults": 8}},
	{"id": "pudding", "lines": [
		{"sub_recipe_id": "banana-bread", "quantity": "1", "unit": "loaf"},
		{"ingredient_id": "custard", "quantity": "1", "unit": "cup"}
	], "yield": {"adults": 4}},
	{"id": "omelette", "lines": [{"ingredient_id": "egg", "quantity": "2", "unit": "each"}], "yield": {"adults": 1}}
]`

const prices = `{"ingredient_id": "banana", "amount": "0.30", "unit": "each"}
{"ingredient_id": "flour", "amount": "0.50", "unit": "cup"}
{"ingredient_id": "egg", "amount": "4.00", "unit": "kg"}
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// testContext builds a cli.Context carrying the global engine flags.
func testContext(t *testing.T) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String("currency", "USD", "")
	set.Float64("child-ratio", 0.5, "")
	return cli.NewContext(cli.NewApp(), set, nil)
}

func loadBook(t *testing.T) []costRow {
	t.Helper()
	c := testContext(t)
	k, err := newComponents(c, pricefeed.DefaultConfig(), func() time.Time { return asOf })
	require.NoError(t, err)

	quotes, err := readQuotes(writeFile(t, "prices.jsonl", prices))
	require.NoError(t, err)
	for _, out := range k.feed.IngestBatch(quotes) {
		require.True(t, out.Accepted, out.Reason)
	}

	recs, err := readRecipes(writeFile(t, "book.json", book))
	require.NoError(t, err)
	require.NoError(t, k.recipes.Restore(context.Background(), recs))

	return costBook(context.Background(), k.engine, k.recipes, []string{"pudding", "banana-bread", "omelette", "nope"})
}

func TestCostBook(t *testing.T) {
	rows := loadBook(t)
	require.Len(t, rows, 4)

	ids := []string{rows[0].Result.RecipeID, rows[1].Result.RecipeID, rows[2].Result.RecipeID, rows[3].Result.RecipeID}
	assert.Equal(t, []string{"pudding", "banana-bread", "omelette", "nope"}, ids, "rows keep the requested order")

	bread := rows[1]
	require.NoError(t, bread.Err)
	assert.True(t, decimal.RequireFromString("1.90").Equal(bread.Result.TotalCost), "got %s", bread.Result.TotalCost)

	pudding := rows[0]
	require.NoError(t, pudding.Err)
	assert.True(t, decimal.RequireFromString("1.90").Equal(pudding.Result.TotalCost), "custard has no price")
	assert.Contains(t, pudding.Result.StaleIngredientIDs, "custard")

	omelette := rows[2]
	require.NoError(t, omelette.Err, "a partial result is reported, not failed")
	assert.Equal(t, mcerrors.CodeIncompatibleUnits, omelette.Result.Issues[0].Code)

	assert.Equal(t, mcerrors.CodeUnknownRecipe, mcerrors.CodeOf(rows[3].Err))
}

func TestQuotesDefaultToFileSource(t *testing.T) {
	path := writeFile(t, "prices.jsonl", prices+`{"ingredient_id": "salt", "source_id": "market", "amount": "1"}`)
	quotes, err := readQuotes(path)
	require.NoError(t, err)
	require.Len(t, quotes, 4)
	assert.Equal(t, path, quotes[0].SourceID)
	assert.Equal(t, "market", quotes[3].SourceID)
}

func TestLoadFactors(t *testing.T) {
	c := testContext(t)
	k, err := newComponents(c, pricefeed.DefaultConfig(), nil)
	require.NoError(t, err)
	path := writeFile(t, "factors.json", `{"egg": {"grams_per_each": "50"}, "honey": {"grams_per_ml": "1.42"}}`)
	require.NoError(t, loadFactors(path, k.units))

	assert.True(t, decimal.RequireFromString("50").Equal(k.units.FactorsFor("egg").GramsPerEach))
	assert.True(t, decimal.RequireFromString("1.42").Equal(k.units.FactorsFor("honey").GramsPerMl))
}

func TestComponentsRejectUnknownPolicy(t *testing.T) {
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String("confidence-policy", "loudest", "")
	_, err := newComponents(cli.NewContext(cli.NewApp(), set, nil), pricefeed.DefaultConfig(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loudest")
}

// ===== OUTPUT =====

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeTable(&buf, loadBook(t), reportOptions{Lines: true, AsOf: asOf}))

	out := buf.String()
	assert.Contains(t, out, "2026-03-01 09:00")
	assert.Contains(t, out, "banana-bread")
	assert.Contains(t, out, "$1.90")
	assert.Contains(t, out, "0.24")
	assert.Contains(t, out, "100%")
	assert.Contains(t, out, "no price:")
	assert.Contains(t, out, "❌")
}

func TestWriteMarkdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeMarkdown(&buf, loadBook(t), reportOptions{Lines: true, AsOf: asOf}))

	out := buf.String()
	assert.Contains(t, out, "| banana-bread | $1.90 | 0.24 | 0.12 | 100% high |")
	assert.Contains(t, out, "### banana-bread")
	assert.Contains(t, out, "### ⚠️ Issues")
	assert.Contains(t, out, "`"+mcerrors.CodeIncompatibleUnits+"`")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeJSON(&buf, loadBook(t)))

	var report struct {
		Recipes []JSONRecipe `json:"recipes"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &report))
	require.Len(t, report.Recipes, 4)
	assert.Equal(t, "banana-bread", report.Recipes[1].RecipeID)
	assert.Empty(t, report.Recipes[1].Error)
	assert.NotEmpty(t, report.Recipes[3].Error)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "$1.90", money("1.90", "USD"))
	assert.Equal(t, "1.90 EUR", money("1.90", "EUR"))
	assert.Equal(t, "38%", percent(0.375))
	assert.Equal(t, "banana...", truncate("banana-bread", 9))
	assert.Equal(t, "egg", truncate("egg", 9))
	assert.Equal(t, []string{"http://a", "http://b"}, splitList(" http://a, ,http://b "))
}

// ===== UNITS =====

func TestConvertQuantity(t *testing.T) {
	tests := []struct {
		name     string
		quantity string
		target   string
		each     string
		want     string
		wantErr  bool
	}{
		{"mixed fraction", "1 1/2 cups", "ml", "", "354.8824 ml", false},
		{"count", "2 dozen", "each", "", "24 each", false},
		{"alias target", "1 kg", "grams", "", "1000 g", false},
		{"bridged by piece weight", "2 each", "kg", "50", "0.1 kg", false},
		{"no bridge", "1 cup", "g", "", "", true},
		{"not a number", "some", "g", "", "", true},
		{"bad factor", "2 each", "kg", "heavy", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := convertQuantity(tt.quantity, tt.target, "egg", tt.each, "")
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestListUnits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, listUnits(&buf, []string{"cups", "loaves", "handful"}))
	assert.Equal(t, "cup        volume   236.5882 ml\n"+
		"loaf       mass     680.3886 g\n"+
		"handful    unknown \n", buf.String())

	buf.Reset()
	require.NoError(t, listUnits(&buf, nil))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, len(units.Builtin()))
	assert.True(t, strings.HasPrefix(lines[0], "mg "), "mass comes first, smallest unit first: %q", lines[0])
}
