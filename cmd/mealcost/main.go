// Meal cost engine CLI
//
// Usage:
//
//	mealcost serve --postgres-dsn postgres://... --clickhouse-host localhost
//	mealcost cost --recipes book.json --quotes prices.jsonl --format markdown
//	mealcost units convert "1 1/2 cups" ml
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"meal-cost/pkg/platform"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "mealcost",
		Usage:   "Real-time meal cost engine",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),

		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"MEALCOST_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Value:   "json",
				Usage:   "Log format (json, console)",
				EnvVars: []string{"MEALCOST_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "currency",
				Value:   "USD",
				Usage:   "Currency every cost is reported in",
				EnvVars: []string{"MEALCOST_CURRENCY"},
			},
			&cli.Float64Flag{
				Name:    "child-ratio",
				Value:   0.5,
				Usage:   "Size of a child portion relative to an adult one",
				EnvVars: []string{"MEALCOST_CHILD_RATIO"},
			},
			&cli.StringFlag{
				Name:    "confidence-policy",
				Value:   "cost_share",
				Usage:   "How line confidences combine (cost_share, count, geometric)",
				EnvVars: []string{"MEALCOST_CONFIDENCE_POLICY"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-host",
				Usage:   "ClickHouse host; empty disables quote and cost history",
				EnvVars: []string{"CLICKHOUSE_HOST"},
			},
			&cli.IntFlag{
				Name:    "clickhouse-port",
				Value:   9000,
				Usage:   "ClickHouse native port",
				EnvVars: []string{"CLICKHOUSE_PORT"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-database",
				Value:   "mealcost",
				Usage:   "ClickHouse database",
				EnvVars: []string{"CLICKHOUSE_DATABASE"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-user",
				Value:   "default",
				Usage:   "ClickHouse user",
				EnvVars: []string{"CLICKHOUSE_USER"},
			},
			&cli.StringFlag{
				Name:    "clickhouse-password",
				Usage:   "ClickHouse password",
				EnvVars: []string{"CLICKHOUSE_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "postgres-dsn",
				Usage:   "Postgres DSN for recipes and ingredients; empty keeps them in memory only",
				EnvVars: []string{"POSTGRES_DSN", "DATABASE_URL"},
			},
		},

		Before: func(c *cli.Context) error {
			platform.InitLogger(c.String("log-level"), c.String("log-format"))
			return nil
		},

		Commands: []*cli.Command{
			serveCommand(),
			costCommand(),
			unitsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
