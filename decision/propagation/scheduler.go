// Package propagation recomputes recipe costs when their inputs change.
//
// Price and recipe change notifications mark the affected recipes Dirty.
// A background dispatcher drains the dirty set into waves; each wave is
// ordered producers first, split into independent components that run in
// parallel on a bounded pool, and recomputes every recipe at most once.
package propagation

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"meal-cost/decision/estimation"
	"meal-cost/decision/recipes"
	"meal-cost/internal/metrics"
)

// State is where a recipe is in its recompute cycle.
type State int

const (
	Fresh State = iota
	Dirty
	Recomputing
)

func (s State) String() string {
	switch s {
	case Dirty:
		return "dirty"
	case Recomputing:
		return "recomputing"
	default:
		return "fresh"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Graph answers dependency questions about recipes.
type Graph interface {
	Get(id string) (recipes.Recipe, bool)
	DependentsOf(ingredientID string) []string
	DependentsOfRecipe(recipeID string) []string
	TopoOrder(ids []string) []string
	Components(ids []string) [][]string
}

// Coster computes and caches recipe costs.
type Coster interface {
	Compute(ctx context.Context, recipeID string) (estimation.CostResult, error)
	Settle(res estimation.CostResult, err error) bool
	Evict(recipeID string)
}

// Sweeper ages price quotes. Ingredients it reports are expected to be
// announced through the normal price change notification.
type Sweeper interface {
	Sweep(now time.Time) []string
}

// Config tunes the scheduler.
type Config struct {
	// Workers bounds how many components of a wave run at once.
	Workers int
	// SweepInterval is how often quotes are aged and failed recipes retried.
	// Zero disables the ticker.
	SweepInterval time.Duration
}

// DefaultConfig returns default scheduler settings.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		SweepInterval: time.Minute,
	}
}

// WaveReport describes one propagation wave.
type WaveReport struct {
	ID         string        `json:"id"`
	Order      []string      `json:"order"`
	Components int           `json:"components"`
	Recomputed []string      `json:"recomputed"`
	Failed     []string      `json:"failed"`
	Discarded  []string      `json:"discarded"`
	Duration   time.Duration `json:"duration"`
}

type inflight struct {
	generation uint64
	cancel     context.CancelFunc
}

// Scheduler is the Recompute Propagation Scheduler.
type Scheduler struct {
	cfg     Config
	graph   Graph
	engine  Coster
	sweeper Sweeper

	mu         sync.Mutex
	states     map[string]State
	generation map[string]uint64
	inflight   map[string]inflight
	pending    map[string]bool
	observers  []func(WaveReport)

	wake   chan struct{}
	waveMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler. Start runs the background dispatcher.
func NewScheduler(cfg Config, graph Graph, engine Coster) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Scheduler{
		cfg:        cfg,
		graph:      graph,
		engine:     engine,
		states:     make(map[string]State),
		generation: make(map[string]uint64),
		inflight:   make(map[string]inflight),
		pending:    make(map[string]bool),
		wake:       make(chan struct{}, 1),
	}
}

// WithSweeper ages quotes on every sweep tick.
func (s *Scheduler) WithSweeper(sw Sweeper) *Scheduler {
	s.sweeper = sw
	return s
}

// OnWave registers fn to receive a report after every wave.
func (s *Scheduler) OnWave(fn func(WaveReport)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// ===== NOTIFICATIONS =====

// NotifyPriceChange marks every recipe depending on the ingredient Dirty.
func (s *Scheduler) NotifyPriceChange(ingredientID string) {
	s.markDirty(s.graph.DependentsOf(ingredientID))
}

// NotifyRecipeChange marks the edited recipe and the recipes using it Dirty.
func (s *Scheduler) NotifyRecipeChange(recipeID string) {
	ids := append([]string{recipeID}, s.graph.DependentsOfRecipe(recipeID)...)
	s.markDirty(ids)
}

// NotifyRecipeDeleted forgets a deleted recipe.
func (s *Scheduler) NotifyRecipeDeleted(recipeID string) {
	s.mu.Lock()
	if f, ok := s.inflight[recipeID]; ok {
		f.cancel()
	}
	s.generation[recipeID]++
	delete(s.states, recipeID)
	delete(s.pending, recipeID)
	s.updateGaugeLocked()
	s.mu.Unlock()
	s.engine.Evict(recipeID)
}

// markDirty bumps the generation of each recipe, cancelling any recompute
// still working on an older generation, and queues it for the next wave.
func (s *Scheduler) markDirty(ids []string) {
	if len(ids) == 0 {
		return
	}
	s.mu.Lock()
	for _, id := range ids {
		s.generation[id]++
		s.states[id] = Dirty
		s.pending[id] = true
		if f, ok := s.inflight[id]; ok && f.generation < s.generation[id] {
			f.cancel()
		}
	}
	s.updateGaugeLocked()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) updateGaugeLocked() {
	n := 0
	for _, st := range s.states {
		if st != Fresh {
			n++
		}
	}
	metrics.DirtyRecipes.Set(float64(n))
}

// State returns the recompute state of a recipe. Unknown recipes are Fresh.
func (s *Scheduler) State(recipeID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[recipeID]
}

// Pending returns the recipes queued for the next wave.
func (s *Scheduler) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ===== WAVES =====

// RunPending drains the queued recipes into a single wave.
func (s *Scheduler) RunPending(ctx context.Context) WaveReport {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if len(ids) == 0 {
		return WaveReport{}
	}
	return s.RunWave(ctx, ids)
}

// RunWave recomputes ids synchronously, producers before consumers.
func (s *Scheduler) RunWave(ctx context.Context, ids []string) WaveReport {
	s.waveMu.Lock()
	defer s.waveMu.Unlock()

	start := time.Now()
	report := WaveReport{ID: uuid.NewString()}

	s.mu.Lock()
	known := make([]string, 0, len(ids))
	for _, id := range ids {
		delete(s.pending, id)
		if _, ok := s.graph.Get(id); !ok {
			delete(s.states, id)
			continue
		}
		if s.states[id] != Dirty {
			s.generation[id]++
			s.states[id] = Dirty
		}
		known = append(known, id)
	}
	s.mu.Unlock()

	report.Order = s.graph.TopoOrder(known)
	components := s.graph.Components(report.Order)
	report.Components = len(components)

	var reportMu sync.Mutex
	record := func(list *[]string, id string) {
		reportMu.Lock()
		*list = append(*list, id)
		reportMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, comp := range components {
		comp := comp
		g.Go(func() error {
			for _, id := range comp {
				switch s.recompute(gctx, id) {
				case outcomeFresh:
					record(&report.Recomputed, id)
				case outcomeFailed:
					record(&report.Failed, id)
				case outcomeDiscarded:
					record(&report.Discarded, id)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = time.Since(start)
	metrics.WaveSize.Observe(float64(len(report.Recomputed)))

	s.mu.Lock()
	s.updateGaugeLocked()
	observers := s.observers
	s.mu.Unlock()

	log.Info().
		Str("wave_id", report.ID).
		Int("recipes", len(report.Order)).
		Int("components", report.Components).
		Int("recomputed", len(report.Recomputed)).
		Int("failed", len(report.Failed)).
		Int("discarded", len(report.Discarded)).
		Dur("duration", report.Duration).
		Msg("propagation wave finished")

	for _, fn := range observers {
		fn(report)
	}
	return report
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeFresh
	outcomeFailed
	outcomeDiscarded
)

func (s *Scheduler) recompute(ctx context.Context, id string) outcome {
	s.mu.Lock()
	if s.states[id] != Dirty {
		s.mu.Unlock()
		return outcomeSkipped
	}
	gen := s.generation[id]
	rctx, cancel := context.WithCancel(ctx)
	s.inflight[id] = inflight{generation: gen, cancel: cancel}
	s.states[id] = Recomputing
	s.mu.Unlock()

	start := time.Now()
	res, err := s.engine.Compute(rctx, id)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)

	if s.generation[id] != gen || ctx.Err() != nil {
		// superseded by a newer edit or shut down: drop the work, keep the recipe queued
		metrics.ObserveRecompute("discarded", start)
		if _, ok := s.states[id]; ok {
			s.states[id] = Dirty
			s.pending[id] = true
		}
		return outcomeDiscarded
	}

	if s.engine.Settle(res, err) {
		s.states[id] = Fresh
		return outcomeFresh
	}

	s.states[id] = Dirty
	if err != nil && !stderrors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("recipe_id", id).Msg("recompute failed, keeping previous cost")
	}
	return outcomeFailed
}

// ===== LIFECYCLE =====

// Start runs the dispatcher until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		var tick <-chan time.Time
		if s.cfg.SweepInterval > 0 {
			ticker := time.NewTicker(s.cfg.SweepInterval)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				s.RunPending(ctx)
			case now := <-tick:
				s.sweep(ctx, now)
			}
		}
	}()
	log.Info().Int("workers", s.cfg.Workers).Dur("sweep_interval", s.cfg.SweepInterval).Msg("propagation scheduler started")
}

// Stop cancels in-flight work and waits for the dispatcher to exit.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	log.Info().Msg("propagation scheduler stopped")
}

// sweep ages quotes and retries recipes left Dirty by failed recomputes.
func (s *Scheduler) sweep(ctx context.Context, now time.Time) {
	if s.sweeper != nil {
		if changed := s.sweeper.Sweep(now); len(changed) > 0 {
			log.Info().Strs("ingredients", changed).Msg("quotes aged out of freshness window")
		}
	}

	s.mu.Lock()
	for id, st := range s.states {
		if st == Dirty {
			s.pending[id] = true
		}
	}
	n := len(s.pending)
	s.mu.Unlock()
	if n > 0 {
		s.RunPending(ctx)
	}
}

// Wire subscribes the scheduler to price and recipe change notifications.
func (s *Scheduler) Wire(feed interface{ Subscribe(func(string)) }, graph interface{ OnChange(func(string)) }) {
	feed.Subscribe(s.NotifyPriceChange)
	graph.OnChange(s.NotifyRecipeChange)
}
