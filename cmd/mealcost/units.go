package main

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"

	"meal-cost/pkg/units"
)

// =============================================================================
// UNITS COMMAND
// =============================================================================

func unitsCommand() *cli.Command {
	return &cli.Command{
		Name:  "units",
		Usage: "Unit conversion helpers",
		Subcommands: []*cli.Command{
			{
				Name:      "convert",
				Usage:     "Convert a quantity such as \"1 1/2 cups\" to another unit",
				ArgsUsage: "QUANTITY UNIT",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "ingredient",
						Usage: "Ingredient the factors apply to",
						Value: "ingredient",
					},
					&cli.StringFlag{
						Name:  "grams-per-each",
						Usage: "Weight of one piece, bridging count and mass",
					},
					&cli.StringFlag{
						Name:  "grams-per-ml",
						Usage: "Density, bridging volume and mass",
					},
				},
				Action: runConvert,
			},
		},
	}
}

func runConvert(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("expected QUANTITY and UNIT, got %d arguments", c.NArg())
	}
	out, err := convertQuantity(c.Args().Get(0), c.Args().Get(1),
		c.String("ingredient"), c.String("grams-per-each"), c.String("grams-per-ml"))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, out)
	return nil
}

// convertQuantity parses a free-text quantity and converts it, registering
// the optional per-ingredient factors first.
func convertQuantity(quantity, target, ingredient, gramsPerEach, gramsPerMl string) (string, error) {
	table := units.NewTable()
	if gramsPerEach != "" {
		g, err := decimal.NewFromString(gramsPerEach)
		if err != nil {
			return "", fmt.Errorf("grams-per-each: %w", err)
		}
		if err := table.RegisterEachWeight(ingredient, g); err != nil {
			return "", err
		}
	}
	if gramsPerMl != "" {
		g, err := decimal.NewFromString(gramsPerMl)
		if err != nil {
			return "", fmt.Errorf("grams-per-ml: %w", err)
		}
		if err := table.RegisterDensity(ingredient, g); err != nil {
			return "", err
		}
	}

	amount, from, err := units.ParseQuantity(quantity)
	if err != nil {
		return "", err
	}
	to := units.Normalize(target)
	converted, err := table.Convert(amount, from, to, ingredient)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", converted.Round(4).String(), to), nil
}

// listUnits prints each unit with its class and size in the class base unit.
// Unknown names are reported, not rejected.
func listUnits(w io.Writer, names []string) error {
	var list []units.Unit
	if len(names) == 0 {
		list = units.Builtin()
	}
	for _, n := range names {
		list = append(list, units.Normalize(n))
	}

	table := units.NewTable()
	for _, u := range list {
		if !units.Known(u) {
			fmt.Fprintf(w, "%-10s %-8s\n", u, "unknown")
			continue
		}
		class := units.ClassOf(u)
		base := units.BaseUnit(class)
		size, err := table.Convert(decimal.NewFromInt(1), u, base, "")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%-10s %-8s %s %s\n", u, class, size.Round(4).String(), base)
	}
	return nil
}
