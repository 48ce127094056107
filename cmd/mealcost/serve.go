package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"meal-cost/api"
	"meal-cost/db/clickhouse"
	"meal-cost/db/ingestion"
	"meal-cost/db/postgres"
	"meal-cost/decision/catalog"
	"meal-cost/decision/estimation"
	"meal-cost/decision/portion"
	"meal-cost/decision/pricefeed"
	"meal-cost/decision/propagation"
	"meal-cost/decision/recipes"
	"meal-cost/pkg/confidence"
	"meal-cost/pkg/platform"
	"meal-cost/pkg/units"
)

// components is one engine instance: stores, calculator and cost engine.
type components struct {
	units    *units.Table
	portions *portion.Calculator
	feed     *pricefeed.Store
	recipes  *recipes.Store
	catalog  *catalog.Catalog
	engine   *estimation.Engine
}

func newComponents(c *cli.Context, feedCfg pricefeed.Config, now func() time.Time) (*components, error) {
	portionCfg := portion.DefaultConfig()
	if r := c.Float64("child-ratio"); r > 0 {
		portionCfg.ChildRatio = decimal.NewFromFloat(r)
	}
	engineCfg := estimation.DefaultConfig()
	if cur := strings.ToUpper(strings.TrimSpace(c.String("currency"))); cur != "" {
		engineCfg.Currency = cur
	}
	if name := c.String("confidence-policy"); name != "" {
		policy, err := confidence.ParsePolicy(name)
		if err != nil {
			return nil, err
		}
		engineCfg.Policy = policy
	}

	k := &components{
		units:    units.NewTable(),
		portions: portion.NewCalculator(portionCfg),
		catalog:  catalog.New(),
	}
	k.feed = pricefeed.NewStore(feedCfg, k.units)
	k.recipes = recipes.NewStore().WithYieldValidator(k.portions.Validate)
	k.engine = estimation.NewEngine(engineCfg, k.feed, k.recipes, k.units, k.portions)
	if now != nil {
		k.feed.WithClock(now)
		k.engine.WithClock(now)
	}
	return k, nil
}

// =============================================================================
// SERVE COMMAND (API SERVER)
// =============================================================================

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the meal cost API server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Value:   8080,
				Usage:   "API server port",
				EnvVars: []string{"MEALCOST_PORT", "PORT"},
			},
			&cli.StringFlag{
				Name:    "cors-origins",
				Value:   "*",
				Usage:   "Comma-separated list of allowed CORS origins",
				EnvVars: []string{"MEALCOST_CORS_ORIGINS"},
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key required on write endpoints; empty leaves them open",
				EnvVars: []string{"MEALCOST_API_KEY"},
			},
			&cli.IntFlag{
				Name:    "workers",
				Value:   4,
				Usage:   "Recipe groups recomputed in parallel per wave",
				EnvVars: []string{"MEALCOST_WORKERS"},
			},
			&cli.DurationFlag{
				Name:    "sweep-interval",
				Value:   time.Minute,
				Usage:   "How often quotes are aged and failed recomputes retried",
				EnvVars: []string{"MEALCOST_SWEEP_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    "freshness-window",
				Value:   24 * time.Hour,
				Usage:   "How long a quote is fully trusted",
				EnvVars: []string{"MEALCOST_FRESHNESS_WINDOW"},
			},
			&cli.DurationFlag{
				Name:    "quote-ttl",
				Value:   90 * 24 * time.Hour,
				Usage:   "How long raw quotes are kept in ClickHouse",
				EnvVars: []string{"MEALCOST_QUOTE_TTL"},
			},
			&cli.StringFlag{
				Name:    "s3-bucket",
				Usage:   "Bucket polled for quote files; empty disables the S3 feed",
				EnvVars: []string{"MEALCOST_S3_BUCKET"},
			},
			&cli.StringFlag{
				Name:    "s3-prefix",
				Usage:   "Key prefix of quote files",
				EnvVars: []string{"MEALCOST_S3_PREFIX"},
			},
			&cli.StringFlag{
				Name:    "s3-region",
				Usage:   "S3 region",
				EnvVars: []string{"AWS_REGION"},
			},
			&cli.StringFlag{
				Name:    "s3-endpoint",
				Usage:   "Endpoint of an S3-compatible store",
				EnvVars: []string{"MEALCOST_S3_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "s3-access-key",
				EnvVars: []string{"AWS_ACCESS_KEY_ID"},
			},
			&cli.StringFlag{
				Name:    "s3-secret-key",
				EnvVars: []string{"AWS_SECRET_ACCESS_KEY"},
			},
			&cli.StringSliceFlag{
				Name:    "feed-url",
				Usage:   "Supplier endpoint returning quotes; may be repeated",
				EnvVars: []string{"MEALCOST_FEED_URLS"},
			},
			&cli.StringFlag{
				Name:    "feed-token",
				Usage:   "Bearer token sent to supplier endpoints",
				EnvVars: []string{"MEALCOST_FEED_TOKEN"},
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Value:   time.Minute,
				Usage:   "How often feeds are polled",
				EnvVars: []string{"MEALCOST_POLL_INTERVAL"},
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	feedCfg := pricefeed.DefaultConfig()
	feedCfg.FreshnessWindow = c.Duration("freshness-window")
	k, err := newComponents(c, feedCfg, nil)
	if err != nil {
		return err
	}
	ready := map[string]api.Pinger{}
	var versions api.VersionReader

	// Recipes and ingredients
	if dsn := c.String("postgres-dsn"); dsn != "" {
		pgCfg := postgres.DefaultConfig()
		pgCfg.DSN = dsn
		pg, err := postgres.Open(pgCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		defer pg.Close()
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare Postgres schema: %w", err)
		}
		if err := warmStartDefinitions(ctx, pg, k); err != nil {
			return err
		}
		k.recipes.WithPersister(pg)
		k.catalog.WithPersister(pg)
		ready["postgres"] = pg
		versions = pg
	}

	pollers, err := buildPollers(ctx, c, k.feed)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	// Quote and cost history
	var archive api.HistoryReader
	if host := c.String("clickhouse-host"); host != "" {
		ch, err := clickhouse.NewStore(&clickhouse.Config{
			Host:     host,
			Port:     c.Int("clickhouse-port"),
			Database: c.String("clickhouse-database"),
			Username: c.String("clickhouse-user"),
			Password: c.String("clickhouse-password"),
			QuoteTTL: c.Duration("quote-ttl"),
		})
		if err != nil {
			return fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		defer ch.Close()
		if err := ch.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare ClickHouse schema: %w", err)
		}

		quotes, err := ch.LatestQuotes(ctx, time.Now().Add(-feedCfg.RetentionWindow))
		if err != nil {
			return fmt.Errorf("failed to load quotes: %w", err)
		}
		log.Info().Int("quotes", k.feed.Restore(quotes)).Msg("price feed restored")

		history := ingestion.NewHistoryWriter(ingestion.DefaultHistoryConfig(), ch, ch)
		k.feed.OnAccepted(history.RecordQuote)
		k.engine.OnCommit(history.RecordCost)
		g.Go(func() error {
			history.Run(gctx)
			return nil
		})
		ready["clickhouse"] = ch
		archive = ch
	}

	// Propagation
	sched := propagation.NewScheduler(propagation.Config{
		Workers:       c.Int("workers"),
		SweepInterval: c.Duration("sweep-interval"),
	}, k.recipes, k.engine).WithSweeper(k.feed)
	sched.Wire(k.feed, k.recipes)
	sched.OnWave(func(rep propagation.WaveReport) {
		if len(rep.Failed) > 0 {
			log.Warn().Str("wave_id", rep.ID).Strs("failed", rep.Failed).Msg("recipes could not be recomputed")
		}
	})

	if all := k.recipes.List(); len(all) > 0 {
		ids := make([]string, len(all))
		for i, r := range all {
			ids[i] = r.ID
		}
		rep := sched.RunWave(ctx, ids)
		log.Info().Int("recipes", len(rep.Recomputed)).Dur("duration", rep.Duration).Msg("initial costs computed")
	}
	sched.Start(gctx)
	defer sched.Stop()

	// Feeds
	for _, p := range pollers {
		p := p
		g.Go(func() error {
			p.Run(gctx)
			return nil
		})
	}

	// API
	server := api.NewServer(&api.Config{
		Port:           c.Int("port"),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxRequestSize: 1 << 20,
		CORSOrigins:    splitList(c.String("cors-origins")),
		APIKey:         c.String("api-key"),
		Version:        version,
	}, api.Deps{
		Feed:      k.feed,
		Recipes:   k.recipes,
		Catalog:   k.catalog,
		Engine:    k.engine,
		Scheduler: sched,
		Units:     k.units,
		History:   archive,
		Versions:  versions,
		Ready:     ready,
	})

	g.Go(func() error {
		if err := server.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// warmStartDefinitions loads stored ingredients and recipes before any
// persister is attached, so nothing is written back.
func warmStartDefinitions(ctx context.Context, pg *postgres.Store, k *components) error {
	ings, err := pg.LoadIngredients(ctx)
	if err != nil {
		return fmt.Errorf("failed to load ingredients: %w", err)
	}
	k.catalog.Load(ings)

	recs, err := pg.LoadRecipes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load recipes: %w", err)
	}
	if err := k.recipes.Restore(ctx, recs); err != nil {
		return fmt.Errorf("failed to restore recipes: %w", err)
	}
	log.Info().Int("ingredients", len(ings)).Int("recipes", len(recs)).Msg("definitions restored")
	return nil
}

func buildPollers(ctx context.Context, c *cli.Context, feed *pricefeed.Store) ([]*ingestion.Poller, error) {
	cfg := ingestion.DefaultPollerConfig()
	cfg.Interval = c.Duration("poll-interval")

	var pollers []*ingestion.Poller
	if bucket := c.String("s3-bucket"); bucket != "" {
		client, err := ingestion.NewS3Client(ctx, ingestion.S3Config{
			Region:    c.String("s3-region"),
			Endpoint:  c.String("s3-endpoint"),
			AccessKey: c.String("s3-access-key"),
			SecretKey: c.String("s3-secret-key"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 client: %w", err)
		}
		pollers = append(pollers, ingestion.NewPoller(cfg, ingestion.NewS3Source(client, bucket, c.String("s3-prefix")), feed))
	}

	urls := c.StringSlice("feed-url")
	if len(urls) > 0 {
		client := platform.NewHTTPClient(3, 30*time.Second)
		var headers map[string]string
		if token := c.String("feed-token"); token != "" {
			headers = map[string]string{"Authorization": "Bearer " + token}
		}
		for _, u := range urls {
			pollers = append(pollers, ingestion.NewPoller(cfg, ingestion.NewHTTPSource(client, u, headers), feed))
		}
	}
	return pollers, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
