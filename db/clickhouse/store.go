// Package clickhouse stores the append-only price quote history and cost
// result snapshots in ClickHouse.
// Neither table is a source of truth for the engine: quotes are replayed on
// warm start and cost snapshots can always be rebuilt.
package clickhouse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"meal-cost/decision/estimation"
	"meal-cost/decision/pricefeed"
	"meal-cost/pkg/units"
)

// Config holds ClickHouse connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Debug    bool

	// QuoteTTL bounds how long raw quotes are kept.
	QuoteTTL time.Duration
}

// DefaultConfig returns default development configuration
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "mealcost",
		Username: "default",
		Password: "",
		Debug:    false,
		QuoteTTL: 90 * 24 * time.Hour,
	}
}

// Store persists quotes and cost snapshots.
type Store struct {
	conn driver.Conn
	cfg  *Config
}

// NewStore opens a ClickHouse connection.
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	return &Store{conn: conn, cfg: cfg}, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.conn.Close()
}

// =============================================================================
// SCHEMA
// =============================================================================

// schema returns the DDL for both tables. ttl is rounded to whole days.
func schema(ttl time.Duration) []string {
	days := int(ttl.Hours() / 24)
	if days < 1 {
		days = 1
	}
	return []string{
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS price_quotes (
			id            String,
			ingredient_id LowCardinality(String),
			source_id     LowCardinality(String),
			unit          LowCardinality(String),
			quantity      Decimal(18, 6),
			amount        Decimal(18, 4),
			currency      LowCardinality(String),
			observed_at   DateTime64(3, 'UTC'),
			expires_at    Nullable(DateTime64(3, 'UTC')),
			ingested_at   DateTime64(3, 'UTC') DEFAULT now64(3)
		) ENGINE = MergeTree
		ORDER BY (ingredient_id, source_id, observed_at)
		TTL toDateTime(observed_at) + INTERVAL %d DAY`, days),
		`
		CREATE TABLE IF NOT EXISTS cost_results (
			recipe_id          LowCardinality(String),
			recipe_version     UInt32,
			total_cost         Decimal(18, 4),
			per_adult_cost     Decimal(18, 4),
			per_child_cost     Decimal(18, 4),
			optional_cost      Decimal(18, 4),
			currency           LowCardinality(String),
			confidence         Float64,
			stale              UInt8,
			stale_ingredients  Array(String),
			issues             String,
			inputs_hash        String,
			computed_at        DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(computed_at)
		ORDER BY (recipe_id, recipe_version, inputs_hash)`,
	}
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schema(s.cfg.QuoteTTL) {
		if err := s.conn.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// =============================================================================
// QUOTE HISTORY
// =============================================================================

// AppendQuotes batch-inserts accepted quotes.
func (s *Store) AppendQuotes(ctx context.Context, quotes []pricefeed.Quote) error {
	if len(quotes) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_quotes (
			id, ingredient_id, source_id, unit, quantity, amount, currency, observed_at, expires_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare quote batch: %w", err)
	}

	for _, q := range quotes {
		if err := batch.Append(
			q.ID, q.IngredientID, q.SourceID, string(q.Unit),
			q.Quantity, q.Amount, q.Currency, q.ObservedAt, nullableTime(q.ExpiresAt),
		); err != nil {
			return fmt.Errorf("failed to append quote %s: %w", q.ID, err)
		}
	}
	return batch.Send()
}

// LatestQuotes returns the newest quote per (ingredient, source) observed
// after since. It is used to warm the price feed on startup.
func (s *Store) LatestQuotes(ctx context.Context, since time.Time) ([]pricefeed.Quote, error) {
	query := `
		SELECT id, ingredient_id, source_id, unit, quantity, amount, currency, observed_at, expires_at
		FROM price_quotes
		WHERE observed_at >= ?
		ORDER BY observed_at DESC
		LIMIT 1 BY ingredient_id, source_id
	`
	return s.queryQuotes(ctx, query, since)
}

// QuoteHistory returns every stored quote of an ingredient in [from, to), oldest first.
func (s *Store) QuoteHistory(ctx context.Context, ingredientID string, from, to time.Time) ([]pricefeed.Quote, error) {
	query := `
		SELECT id, ingredient_id, source_id, unit, quantity, amount, currency, observed_at, expires_at
		FROM price_quotes
		WHERE ingredient_id = ? AND observed_at >= ? AND observed_at < ?
		ORDER BY observed_at ASC
	`
	return s.queryQuotes(ctx, query, ingredientID, from, to)
}

func (s *Store) queryQuotes(ctx context.Context, query string, args ...any) ([]pricefeed.Quote, error) {
	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query quotes: %w", err)
	}
	defer rows.Close()

	var quotes []pricefeed.Quote
	for rows.Next() {
		var q pricefeed.Quote
		var unit string
		var expires *time.Time
		if err := rows.Scan(
			&q.ID, &q.IngredientID, &q.SourceID, &unit,
			&q.Quantity, &q.Amount, &q.Currency, &q.ObservedAt, &expires,
		); err != nil {
			return nil, fmt.Errorf("failed to scan quote: %w", err)
		}
		q.Unit = units.Unit(unit)
		if expires != nil {
			q.ExpiresAt = *expires
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}

// =============================================================================
// COST SNAPSHOTS
// =============================================================================

// CostSnapshot is one stored CostResult.
type CostSnapshot struct {
	RecipeID         string             `json:"recipe_id"`
	RecipeVersion    int                `json:"recipe_version"`
	TotalCost        decimal.Decimal    `json:"total_cost"`
	PerAdultCost     decimal.Decimal    `json:"per_adult_cost"`
	PerChildCost     decimal.Decimal    `json:"per_child_cost"`
	OptionalCost     decimal.Decimal    `json:"optional_cost"`
	Currency         string             `json:"currency"`
	Confidence       float64            `json:"confidence"`
	Stale            bool               `json:"stale"`
	StaleIngredients []string           `json:"stale_ingredients"`
	Issues           []estimation.Issue `json:"issues,omitempty"`
	InputsHash       string             `json:"inputs_hash"`
	ComputedAt       time.Time          `json:"computed_at"`
}

// snapshotOf flattens a result into its stored row.
func snapshotOf(res estimation.CostResult) CostSnapshot {
	stale := res.StaleIngredientIDs
	if stale == nil {
		stale = []string{}
	}
	return CostSnapshot{
		RecipeID:         res.RecipeID,
		RecipeVersion:    res.RecipeVersion,
		TotalCost:        res.TotalCost,
		PerAdultCost:     res.PerAdultPortionCost,
		PerChildCost:     res.PerChildPortionCost,
		OptionalCost:     res.OptionalCost,
		Currency:         res.Currency,
		Confidence:       res.Confidence,
		Stale:            res.Stale,
		StaleIngredients: stale,
		Issues:           res.Issues,
		InputsHash:       hashInputs(res.Inputs),
		ComputedAt:       res.ComputedAt,
	}
}

// AppendCostResults batch-inserts cost snapshots.
func (s *Store) AppendCostResults(ctx context.Context, results []estimation.CostResult) error {
	if len(results) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO cost_results (
			recipe_id, recipe_version, total_cost, per_adult_cost, per_child_cost, optional_cost,
			currency, confidence, stale, stale_ingredients, issues, inputs_hash, computed_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare cost batch: %w", err)
	}

	for _, res := range results {
		snap := snapshotOf(res)
		issues, err := json.Marshal(snap.Issues)
		if err != nil {
			return fmt.Errorf("failed to encode issues for %s: %w", snap.RecipeID, err)
		}
		if err := batch.Append(
			snap.RecipeID, uint32(snap.RecipeVersion),
			snap.TotalCost, snap.PerAdultCost, snap.PerChildCost, snap.OptionalCost,
			snap.Currency, snap.Confidence, boolToUInt8(snap.Stale), snap.StaleIngredients,
			string(issues), snap.InputsHash, snap.ComputedAt,
		); err != nil {
			return fmt.Errorf("failed to append cost result %s: %w", snap.RecipeID, err)
		}
	}
	return batch.Send()
}

// CostHistory returns the newest snapshots of a recipe, newest first.
func (s *Store) CostHistory(ctx context.Context, recipeID string, limit int) ([]CostSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT recipe_id, recipe_version, total_cost, per_adult_cost, per_child_cost, optional_cost,
			   currency, confidence, stale, stale_ingredients, issues, inputs_hash, computed_at
		FROM cost_results FINAL
		WHERE recipe_id = ?
		ORDER BY computed_at DESC
		LIMIT ?
	`
	rows, err := s.conn.Query(ctx, query, recipeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost history: %w", err)
	}
	defer rows.Close()

	var out []CostSnapshot
	for rows.Next() {
		var snap CostSnapshot
		var version uint32
		var stale uint8
		var issues string
		if err := rows.Scan(
			&snap.RecipeID, &version, &snap.TotalCost, &snap.PerAdultCost, &snap.PerChildCost, &snap.OptionalCost,
			&snap.Currency, &snap.Confidence, &stale, &snap.StaleIngredients, &issues, &snap.InputsHash, &snap.ComputedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cost snapshot: %w", err)
		}
		snap.RecipeVersion = int(version)
		snap.Stale = stale == 1
		if issues != "" {
			if err := json.Unmarshal([]byte(issues), &snap.Issues); err != nil {
				return nil, fmt.Errorf("failed to decode issues for %s: %w", snap.RecipeID, err)
			}
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

// hashInputs is a stable digest of a result's fingerprint.
func hashInputs(fp estimation.Fingerprint) string {
	parts := make([]string, 0, len(fp.Recipes)+len(fp.Ingredients))
	for id, v := range fp.Recipes {
		parts = append(parts, fmt.Sprintf("r:%s=%d", id, v))
	}
	for id, rev := range fp.Ingredients {
		parts = append(parts, fmt.Sprintf("i:%s=%d", id, rev))
	}
	sort.Strings(parts)

	h := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(h[:])
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
