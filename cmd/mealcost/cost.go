package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v2"

	"meal-cost/db/ingestion"
	"meal-cost/decision/estimation"
	"meal-cost/decision/pricefeed"
	"meal-cost/decision/recipes"
	mcerrors "meal-cost/pkg/errors"
	"meal-cost/pkg/units"
)

// =============================================================================
// COST COMMAND
// =============================================================================

func costCommand() *cli.Command {
	return &cli.Command{
		Name:  "cost",
		Usage: "Cost a recipe book offline from JSON files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "recipes",
				Aliases:  []string{"r"},
				Usage:    "Path to a JSON array of recipes",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "quotes",
				Aliases:  []string{"q"},
				Usage:    "Path to price quotes (JSON array or JSON lines)",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "factors",
				Usage: "Path to a JSON object of ingredient conversion factors",
			},
			&cli.StringSliceFlag{
				Name:  "recipe",
				Usage: "Only report this recipe; may be repeated",
			},
			&cli.TimestampFlag{
				Name:   "as-of",
				Layout: time.RFC3339,
				Usage:  "Price quotes as of this time (default now)",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Value:   "table",
				Usage:   "Output format (table, json, markdown)",
			},
			&cli.BoolFlag{
				Name:  "lines",
				Usage: "Include the per-line breakdown",
			},
		},
		Action: runCost,
	}
}

// costRow is one recipe of a report. Err is set when no cost could be produced.
type costRow struct {
	Result estimation.CostResult
	Err    error
}

func runCost(c *cli.Context) error {
	ctx := context.Background()

	asOf := time.Now()
	if ts := c.Timestamp("as-of"); ts != nil {
		asOf = *ts
	}
	k, err := newComponents(c, pricefeed.DefaultConfig(), func() time.Time { return asOf })
	if err != nil {
		return err
	}

	if path := c.String("factors"); path != "" {
		if err := loadFactors(path, k.units); err != nil {
			return err
		}
	}

	quotes, err := readQuotes(c.String("quotes"))
	if err != nil {
		return err
	}
	var rejected int
	for _, out := range k.feed.IngestBatch(quotes) {
		if !out.Accepted {
			rejected++
		}
	}
	if rejected > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d of %d quotes rejected\n", rejected, len(quotes))
	}

	book, err := readRecipes(c.String("recipes"))
	if err != nil {
		return err
	}
	if err := k.recipes.Restore(ctx, book); err != nil {
		return fmt.Errorf("failed to load recipes: %w", err)
	}

	ids := c.StringSlice("recipe")
	if len(ids) == 0 {
		for _, r := range book {
			ids = append(ids, r.ID)
		}
		sort.Strings(ids)
	}

	rows := costBook(ctx, k.engine, k.recipes, ids)
	opts := reportOptions{Lines: c.Bool("lines"), AsOf: asOf}
	switch c.String("format") {
	case "json":
		return writeJSON(os.Stdout, rows)
	case "markdown":
		return writeMarkdown(os.Stdout, rows, opts)
	default:
		return writeTable(os.Stdout, rows, opts)
	}
}

// costBook prices recipes producers first so sub-recipe lines reuse the
// cached producer result.
func costBook(ctx context.Context, engine *estimation.Engine, graph *recipes.Store, ids []string) []costRow {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}

	byID := make(map[string]costRow, len(ids))
	for _, id := range graph.TopoOrder(ids) {
		res, err := engine.Recompute(ctx, id)
		// a partial result still explains which prices are missing
		if stderrors.Is(err, mcerrors.ErrNoPriceData) && res.RecipeID != "" {
			err = nil
		}
		res.RecipeID = id
		byID[id] = costRow{Result: res, Err: err}
	}

	rows := make([]costRow, 0, len(ids))
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			row = costRow{Result: estimation.CostResult{RecipeID: id}, Err: mcerrors.NewUnknownRecipeError(id)}
		}
		if want[id] {
			rows = append(rows, row)
			delete(want, id)
		}
	}
	return rows
}

func readQuotes(path string) ([]pricefeed.Quote, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open quotes: %w", err)
	}
	defer f.Close()

	quotes, err := ingestion.DecodeQuotes(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse quotes: %w", err)
	}
	for i := range quotes {
		if quotes[i].SourceID == "" {
			quotes[i].SourceID = path
		}
	}
	return quotes, nil
}

func readRecipes(path string) ([]recipes.Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read recipes: %w", err)
	}
	var book []recipes.Recipe
	if err := json.Unmarshal(data, &book); err != nil {
		return nil, fmt.Errorf("failed to parse recipes: %w", err)
	}
	return book, nil
}

// factorsFile maps an ingredient ID to its conversion bridges.
type factorsFile map[string]units.Factors

func loadFactors(path string, table *units.Table) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read factors: %w", err)
	}
	var factors factorsFile
	if err := json.Unmarshal(data, &factors); err != nil {
		return fmt.Errorf("failed to parse factors: %w", err)
	}
	for id, f := range factors {
		if f.GramsPerEach.IsPositive() {
			if err := table.RegisterEachWeight(id, f.GramsPerEach); err != nil {
				return fmt.Errorf("factors for %s: %w", id, err)
			}
		}
		if f.GramsPerMl.IsPositive() {
			if err := table.RegisterDensity(id, f.GramsPerMl); err != nil {
				return fmt.Errorf("factors for %s: %w", id, err)
			}
		}
	}
	return nil
}
