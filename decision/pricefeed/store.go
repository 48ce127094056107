package pricefeed

import (
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"meal-cost/internal/metrics"
	"meal-cost/pkg/confidence"
	mcerrors "meal-cost/pkg/errors"
	"meal-cost/pkg/units"
)

// Config tunes quote aging and retention.
type Config struct {
	// FreshnessWindow is how long a quote is fully trusted.
	FreshnessWindow time.Duration
	// DecaySpan is how long confidence takes to fall from 1 to ConfidenceFloor after the window.
	DecaySpan       time.Duration
	ConfidenceFloor float64
	// ConfidenceStep is how far an ingredient's confidence may fall between
	// sweeps before dependent costs are recomputed.
	ConfidenceStep float64
	// RetentionWindow bounds how long superseded quotes are kept.
	RetentionWindow time.Duration
}

// DefaultConfig returns default feed settings.
func DefaultConfig() Config {
	return Config{
		FreshnessWindow: 24 * time.Hour,
		DecaySpan:       72 * time.Hour,
		ConfidenceFloor: 0.2,
		ConfidenceStep:  0.05,
		RetentionWindow: 30 * 24 * time.Hour,
	}
}

// Outcome reports what Ingest did with a quote.
type Outcome struct {
	QuoteID      string `json:"quote_id"`
	IngredientID string `json:"ingredient_id"`
	Accepted     bool   `json:"accepted"`
	Reason       string `json:"reason,omitempty"`
}

// Rejection reasons
const (
	ReasonStale     = "stale"
	ReasonDuplicate = "duplicate"
	ReasonInvalid   = "invalid"
)

// EffectivePrice is the single price the engine uses for an ingredient.
type EffectivePrice struct {
	IngredientID string          `json:"ingredient_id"`
	Price        decimal.Decimal `json:"price"`
	Unit         units.Unit      `json:"unit"`
	Currency     string          `json:"currency"`
	Confidence   float64         `json:"confidence"`
	ObservedAt   time.Time       `json:"observed_at"`
	Expired      bool            `json:"expired"`
	Sources      int             `json:"sources"`
	Revision     uint64          `json:"revision"`
}

type freshness int

const (
	stateFresh freshness = iota
	stateAging
	stateExpired
)

type superseded struct {
	quote Quote
	at    time.Time
}

// cell is the versioned per-ingredient state.
type cell struct {
	mu       sync.RWMutex
	revision uint64
	latest   map[string]Quote // by source
	history  []superseded
	state    freshness
	// notified is the confidence at the last revision bump.
	notified float64
}

// Store is the Price Feed Store. Each ingredient lives in its own cell, so
// writes to one ingredient never block reads of another.
type Store struct {
	cfg   Config
	units *units.Table
	cells sync.Map // ingredientID -> *cell
	now   func() time.Time

	listenersMu     sync.RWMutex
	changeListeners []func(ingredientID string)
	quoteListeners  []func(Quote)
}

// NewStore creates a price feed store converting units through table.
func NewStore(cfg Config, table *units.Table) *Store {
	if cfg.ConfidenceStep <= 0 {
		cfg.ConfidenceStep = DefaultConfig().ConfidenceStep
	}
	return &Store{
		cfg:   cfg,
		units: table,
		now:   time.Now,
	}
}

// WithClock overrides the wall clock.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Config returns the store settings.
func (s *Store) Config() Config { return s.cfg }

// Subscribe registers fn to receive the ingredient ID of every accepted
// change. fn runs on the ingesting goroutine and must not block.
func (s *Store) Subscribe(fn func(ingredientID string)) {
	s.listenersMu.Lock()
	s.changeListeners = append(s.changeListeners, fn)
	s.listenersMu.Unlock()
}

// OnAccepted registers fn to receive every accepted quote.
func (s *Store) OnAccepted(fn func(Quote)) {
	s.listenersMu.Lock()
	s.quoteListeners = append(s.quoteListeners, fn)
	s.listenersMu.Unlock()
}

func (s *Store) cellFor(ingredientID string) *cell {
	if c, ok := s.cells.Load(ingredientID); ok {
		return c.(*cell)
	}
	c, _ := s.cells.LoadOrStore(ingredientID, &cell{latest: make(map[string]Quote)})
	return c.(*cell)
}

func (s *Store) lookup(ingredientID string) (*cell, bool) {
	c, ok := s.cells.Load(ingredientID)
	if !ok {
		return nil, false
	}
	return c.(*cell), true
}

// Ingest offers a quote to the store. A quote observed before the stored
// quote of the same source, or a re-delivery of the stored quote, is rejected.
func (s *Store) Ingest(q Quote) (Outcome, error) {
	return s.ingest(q, true)
}

// IngestBatch ingests quotes in order and returns one outcome per quote.
func (s *Store) IngestBatch(quotes []Quote) []Outcome {
	out := make([]Outcome, len(quotes))
	for i, q := range quotes {
		out[i], _ = s.ingest(q, true)
	}
	return out
}

// Restore loads quotes without notifying listeners, used on warm start.
func (s *Store) Restore(quotes []Quote) int {
	n := 0
	for _, q := range quotes {
		if o, _ := s.ingest(q, false); o.Accepted {
			n++
		}
	}
	return n
}

func (s *Store) ingest(q Quote, notify bool) (Outcome, error) {
	now := s.now()
	q, err := normalize(q, s.units, now)
	out := Outcome{QuoteID: q.ID, IngredientID: q.IngredientID}
	if err != nil {
		out.Reason = ReasonInvalid
		metrics.QuotesIngested.WithLabelValues(ReasonInvalid).Inc()
		return out, err
	}

	c := s.cellFor(q.IngredientID)
	c.mu.Lock()
	if prev, ok := c.latest[q.SourceID]; ok {
		if prev.ID == q.ID {
			c.mu.Unlock()
			out.Reason = ReasonDuplicate
			metrics.QuotesIngested.WithLabelValues(ReasonDuplicate).Inc()
			return out, mcerrors.NewStaleQuoteError(q.IngredientID, q.SourceID)
		}
		if q.ObservedAt.Before(prev.ObservedAt) {
			c.mu.Unlock()
			out.Reason = ReasonStale
			metrics.QuotesIngested.WithLabelValues(ReasonStale).Inc()
			return out, mcerrors.NewStaleQuoteError(q.IngredientID, q.SourceID)
		}
		c.history = append(c.history, superseded{quote: prev, at: now})
	}
	c.latest[q.SourceID] = q
	c.revision++
	c.state = s.stateOf(c, now)
	_, _, c.notified = s.combine(q.IngredientID, mapValues(c.latest), now)
	c.mu.Unlock()

	out.Accepted = true
	metrics.QuotesIngested.WithLabelValues("accepted").Inc()
	log.Debug().
		Str("ingredient_id", q.IngredientID).
		Str("source_id", q.SourceID).
		Str("basis", q.Basis()).
		Msg("quote accepted")

	if notify {
		s.notify(q)
	}
	return out, nil
}

func (s *Store) notify(q Quote) {
	s.listenersMu.RLock()
	changes := s.changeListeners
	quotes := s.quoteListeners
	s.listenersMu.RUnlock()

	for _, fn := range quotes {
		fn(q)
	}
	for _, fn := range changes {
		fn(q.IngredientID)
	}
}

func (s *Store) notifyChange(ingredientID string) {
	s.listenersMu.RLock()
	changes := s.changeListeners
	s.listenersMu.RUnlock()
	for _, fn := range changes {
		fn(ingredientID)
	}
}

// Revision returns the change counter of an ingredient. It moves on every
// accepted quote and whenever Sweep ages the freshest quote.
func (s *Store) Revision(ingredientID string) uint64 {
	c, ok := s.lookup(ingredientID)
	if !ok {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revision
}

// Quotes lists the current quote of every source, ordered by source.
func (s *Store) Quotes(ingredientID string) []Quote {
	c, ok := s.lookup(ingredientID)
	if !ok {
		return nil
	}
	c.mu.RLock()
	out := make([]Quote, 0, len(c.latest))
	for _, q := range c.latest {
		out = append(out, q)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// History returns the superseded quotes still retained.
func (s *Store) History(ingredientID string) []Quote {
	c, ok := s.lookup(ingredientID)
	if !ok {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Quote, len(c.history))
	for i, h := range c.history {
		out[i] = h.quote
	}
	return out
}

// Ingredients lists every ingredient that has received a quote.
func (s *Store) Ingredients() []string {
	var ids []string
	s.cells.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// QuoteConfidence is the freshness confidence of a single quote at asOf.
func (s *Store) QuoteConfidence(q Quote, asOf time.Time) float64 {
	return confidence.Freshness(s.effectiveAge(q, asOf), s.cfg.FreshnessWindow, s.cfg.DecaySpan, s.cfg.ConfidenceFloor)
}

// effectiveAge treats an expired quote as at least one freshness window old
// plus the time elapsed since it expired.
func (s *Store) effectiveAge(q Quote, asOf time.Time) time.Duration {
	age := asOf.Sub(q.ObservedAt)
	if age < 0 {
		age = 0
	}
	if q.Expired(asOf) {
		if floor := s.cfg.FreshnessWindow + asOf.Sub(q.ExpiresAt); age < floor {
			age = floor
		}
	}
	return age
}

// EffectivePrice combines every source's latest quote into one price per
// unit of the freshest quote. Confidence is that of the most trusted quote,
// so one quote inside the freshness window keeps it at 1; the price is the
// confidence-weighted median across sources.
func (s *Store) EffectivePrice(ingredientID string, asOf time.Time) (EffectivePrice, error) {
	c, ok := s.lookup(ingredientID)
	if !ok {
		metrics.PriceLookups.WithLabelValues("no_data").Inc()
		return EffectivePrice{}, mcerrors.NewNoPriceDataError(ingredientID)
	}

	c.mu.RLock()
	quotes := make([]Quote, 0, len(c.latest))
	for _, q := range c.latest {
		quotes = append(quotes, q)
	}
	revision := c.revision
	c.mu.RUnlock()

	if len(quotes) == 0 {
		metrics.PriceLookups.WithLabelValues("no_data").Inc()
		return EffectivePrice{}, mcerrors.NewNoPriceDataError(ingredientID)
	}

	freshest, samples, conf := s.combine(ingredientID, quotes, asOf)

	metrics.PriceLookups.WithLabelValues("ok").Inc()
	return EffectivePrice{
		IngredientID: ingredientID,
		Price:        weightedMedian(samples),
		Unit:         freshest.Unit,
		Currency:     freshest.Currency,
		Confidence:   conf,
		ObservedAt:   freshest.ObservedAt,
		Expired:      freshest.Expired(asOf),
		Sources:      len(samples),
		Revision:     revision,
	}, nil
}

// combine converts every quote sharing the freshest quote's currency to
// the freshest quote's unit. conf is the highest per-quote confidence.
func (s *Store) combine(ingredientID string, quotes []Quote, asOf time.Time) (Quote, []weighted, float64) {
	if len(quotes) == 0 {
		return Quote{}, nil, 0
	}
	freshest := freshestQuote(quotes)
	samples := make([]weighted, 0, len(quotes))
	var conf float64
	for _, q := range quotes {
		if q.Currency != freshest.Currency {
			continue
		}
		// one freshest unit expressed in q's unit
		perTarget, err := s.units.Convert(decimal.NewFromInt(1), freshest.Unit, q.Unit, ingredientID)
		if err != nil {
			log.Debug().Err(err).Str("ingredient_id", ingredientID).Str("source_id", q.SourceID).Msg("skipping unconvertible quote")
			continue
		}
		w := s.QuoteConfidence(q, asOf)
		if w > conf {
			conf = w
		}
		samples = append(samples, weighted{value: q.UnitPrice().Mul(perTarget), weight: w})
	}
	return freshest, samples, conf
}

func freshestQuote(quotes []Quote) Quote {
	best := quotes[0]
	for _, q := range quotes[1:] {
		if q.ObservedAt.After(best.ObservedAt) || (q.ObservedAt.Equal(best.ObservedAt) && q.SourceID < best.SourceID) {
			best = q
		}
	}
	return best
}

func (s *Store) stateOf(c *cell, now time.Time) freshness {
	if len(c.latest) == 0 {
		return stateFresh
	}
	q := freshestQuote(mapValues(c.latest))
	switch {
	case q.Expired(now):
		return stateExpired
	case now.Sub(q.ObservedAt) > s.cfg.FreshnessWindow:
		return stateAging
	default:
		return stateFresh
	}
}

// Sweep drops superseded quotes past the retention window and returns the
// ingredients whose freshest quote left the freshness window or expired since
// the previous sweep, or whose confidence fell by at least ConfidenceStep (or
// reached the floor) since their last revision. Those ingredients get a new
// revision and a change notification so dependent costs are recomputed with
// lower confidence.
func (s *Store) Sweep(now time.Time) []string {
	var changed []string
	cutoff := now.Add(-s.cfg.RetentionWindow)

	s.cells.Range(func(k, v any) bool {
		c := v.(*cell)
		c.mu.Lock()
		kept := c.history[:0]
		for _, h := range c.history {
			if h.at.After(cutoff) {
				kept = append(kept, h)
			}
		}
		c.history = kept

		id := k.(string)
		state := s.stateOf(c, now)
		_, _, conf := s.combine(id, mapValues(c.latest), now)
		if state > c.state || s.drifted(c.notified, conf) {
			c.revision++
			c.notified = conf
			changed = append(changed, id)
		}
		c.state = state
		c.mu.Unlock()
		return true
	})

	sort.Strings(changed)
	for _, id := range changed {
		metrics.QuotesExpired.Inc()
		s.notifyChange(id)
	}
	return changed
}

func (s *Store) drifted(notified, conf float64) bool {
	const eps = 1e-9
	if notified-conf >= s.cfg.ConfidenceStep-eps {
		return true
	}
	floor := s.cfg.ConfidenceFloor
	return conf <= floor+eps && notified > floor+eps
}

// IsRejection reports whether err is an ordinary stale or duplicate rejection.
func IsRejection(err error) bool {
	return stderrors.Is(err, mcerrors.ErrStaleQuote)
}

func mapValues(m map[string]Quote) []Quote {
	out := make([]Quote, 0, len(m))
	for _, q := range m {
		out = append(out, q)
	}
	return out
}
