// Package estimation provides the Cost Aggregation Engine
// Combines recipe definitions, effective ingredient prices and portion scaling into cached recipe costs
package estimation

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"meal-cost/decision/portion"
	"meal-cost/decision/pricefeed"
	"meal-cost/decision/recipes"
	"meal-cost/internal/metrics"
	"meal-cost/pkg/confidence"
	mcerrors "meal-cost/pkg/errors"
	"meal-cost/pkg/units"
)

// PriceSource provides effective ingredient prices
type PriceSource interface {
	EffectivePrice(ingredientID string, asOf time.Time) (pricefeed.EffectivePrice, error)
	Revision(ingredientID string) uint64
}

// RecipeSource provides recipe definitions
type RecipeSource interface {
	Get(id string) (recipes.Recipe, bool)
	Version(id string) int
}

// Config tunes the engine.
type Config struct {
	// Policy combines line confidences into the recipe confidence.
	Policy confidence.Policy
	// Currency of every result; quotes in other currencies count as missing.
	Currency string
}

// DefaultConfig returns cost-share weighting in USD.
func DefaultConfig() Config {
	return Config{
		Policy:   confidence.PolicyCostShare,
		Currency: "USD",
	}
}

// Engine is the Cost Aggregation Engine
type Engine struct {
	cfg      Config
	prices   PriceSource
	recipes  RecipeSource
	units    *units.Table
	portions *portion.Calculator
	now      func() time.Time

	cache sync.Map // recipeID -> *atomic.Pointer[CostResult]

	commitMu sync.RWMutex
	onCommit []func(CostResult)
}

// NewEngine creates a new cost engine
func NewEngine(cfg Config, prices PriceSource, recipeSource RecipeSource, table *units.Table, portions *portion.Calculator) *Engine {
	if cfg.Policy == "" {
		cfg.Policy = confidence.PolicyCostShare
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Engine{
		cfg:      cfg,
		prices:   prices,
		recipes:  recipeSource,
		units:    table,
		portions: portions,
		now:      time.Now,
	}
}

// WithClock overrides the wall clock used as the pricing instant.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// OnCommit registers fn to receive every committed result.
func (e *Engine) OnCommit(fn func(CostResult)) {
	e.commitMu.Lock()
	e.onCommit = append(e.onCommit, fn)
	e.commitMu.Unlock()
}

// ===== CACHE =====

func (e *Engine) slot(recipeID string) *atomic.Pointer[CostResult] {
	if p, ok := e.cache.Load(recipeID); ok {
		return p.(*atomic.Pointer[CostResult])
	}
	p, _ := e.cache.LoadOrStore(recipeID, &atomic.Pointer[CostResult]{})
	return p.(*atomic.Pointer[CostResult])
}

// Cached returns the last committed result without checking freshness.
func (e *Engine) Cached(recipeID string) (CostResult, bool) {
	p, ok := e.cache.Load(recipeID)
	if !ok {
		return CostResult{}, false
	}
	r := p.(*atomic.Pointer[CostResult]).Load()
	if r == nil {
		return CostResult{}, false
	}
	return *r, true
}

// Current reports whether fp still matches the live recipe versions and feed revisions.
func (e *Engine) Current(fp Fingerprint) bool {
	for id, v := range fp.Recipes {
		if e.recipes.Version(id) != v {
			return false
		}
	}
	for id, rev := range fp.Ingredients {
		if e.prices.Revision(id) != rev {
			return false
		}
	}
	return true
}

// Commit stores res unless a newer result for the recipe is already cached.
func (e *Engine) Commit(res CostResult) {
	p := e.slot(res.RecipeID)
	for {
		old := p.Load()
		if old != nil && (old.RecipeVersion > res.RecipeVersion ||
			(old.RecipeVersion == res.RecipeVersion && old.ComputedAt.After(res.ComputedAt))) {
			return
		}
		stored := res
		if p.CompareAndSwap(old, &stored) {
			break
		}
	}

	e.commitMu.RLock()
	fns := e.onCommit
	e.commitMu.RUnlock()
	for _, fn := range fns {
		fn(res)
	}
}

// MarkStale flags the cached result of a recipe as stale, keeping its figures.
func (e *Engine) MarkStale(recipeID string) {
	p, ok := e.cache.Load(recipeID)
	if !ok {
		return
	}
	ptr := p.(*atomic.Pointer[CostResult])
	for {
		old := ptr.Load()
		if old == nil || old.Stale {
			return
		}
		marked := *old
		marked.Stale = true
		if ptr.CompareAndSwap(old, &marked) {
			return
		}
	}
}

// Evict drops the cached result of a deleted recipe.
func (e *Engine) Evict(recipeID string) {
	e.cache.Delete(recipeID)
}

// Settle applies the outcome of a computation to the cache. A clean result
// is committed. A failed computation keeps the previous result marked stale;
// with no previous result a partial one is committed as stale so readers
// still see why. It reports whether res was committed as fresh.
func (e *Engine) Settle(res CostResult, err error) bool {
	if err == nil {
		e.Commit(res)
		return true
	}
	if _, ok := e.Cached(res.RecipeID); ok {
		e.MarkStale(res.RecipeID)
		return false
	}
	if res.RecipeID != "" && stderrors.Is(err, mcerrors.ErrNoPriceData) {
		res.Stale = true
		e.Commit(res)
	}
	return false
}

// ===== READS =====

// CostOf returns the cached result without waiting on any recomputation.
// A result whose inputs have changed is returned with Stale set. A recipe
// that has never been priced is computed once synchronously.
func (e *Engine) CostOf(ctx context.Context, recipeID string) (CostResult, error) {
	if _, ok := e.recipes.Get(recipeID); !ok {
		e.Evict(recipeID)
		return CostResult{}, mcerrors.NewUnknownRecipeError(recipeID)
	}

	res, ok := e.Cached(recipeID)
	if !ok {
		metrics.CostReads.WithLabelValues("computed").Inc()
		return e.Recompute(ctx, recipeID)
	}

	if !res.Stale && !e.Current(res.Inputs) {
		res.Stale = true
	}
	if res.Stale {
		metrics.CostReads.WithLabelValues("stale").Inc()
	} else {
		metrics.CostReads.WithLabelValues("fresh").Inc()
	}
	return res, nil
}

// Recompute computes a fresh result on the caller's goroutine and applies it
// to the cache. When every line fails the partial result is returned with a
// NoPriceData error.
func (e *Engine) Recompute(ctx context.Context, recipeID string) (CostResult, error) {
	res, err := e.Compute(ctx, recipeID)
	e.Settle(res, err)
	return res, err
}

// ===== COMPUTATION =====

// Compute prices a recipe without touching the cache.
func (e *Engine) Compute(ctx context.Context, recipeID string) (CostResult, error) {
	start := time.Now()
	c := &computation{
		e:        e,
		ctx:      ctx,
		asOf:     e.now(),
		visiting: make(map[string]bool),
		memo:     make(map[string]memoEntry),
	}
	res, err := c.compute(recipeID)

	switch {
	case err == nil && res.Complete():
		metrics.ObserveRecompute("ok", start)
	case err == nil:
		metrics.ObserveRecompute("partial", start)
	default:
		metrics.ObserveRecompute("error", start)
	}
	if err == nil {
		log.Debug().
			Str("recipe_id", recipeID).
			Str("total", res.TotalCost.StringFixed(2)).
			Float64("confidence", res.Confidence).
			Strs("stale", res.StaleIngredientIDs).
			Msg("recipe priced")
	}
	return res, err
}

// computation holds the state of one Compute call. Sub-recipes are computed
// at most once per call.
type computation struct {
	e        *Engine
	ctx      context.Context
	asOf     time.Time
	visiting map[string]bool
	memo     map[string]memoEntry
}

type memoEntry struct {
	res CostResult
	err error
}

// pricedLine is the outcome of pricing a single line before aggregation.
type pricedLine struct {
	cost   LineCost
	stale  []string
	issue  *Issue
	fp     Fingerprint
	priced bool
}

func (c *computation) compute(recipeID string) (CostResult, error) {
	if err := c.ctx.Err(); err != nil {
		return CostResult{}, err
	}
	if c.visiting[recipeID] {
		return CostResult{}, mcerrors.NewCyclicReferenceError(recipeID, c.path(recipeID))
	}
	r, ok := c.e.recipes.Get(recipeID)
	if !ok {
		return CostResult{}, mcerrors.NewUnknownRecipeError(recipeID)
	}

	c.visiting[recipeID] = true
	defer delete(c.visiting, recipeID)

	fp := newFingerprint()
	fp.Recipes[r.ID] = r.Version
	previous, hasPrevious := c.e.Cached(r.ID)

	lines := make([]pricedLine, len(r.Lines))
	for i, line := range r.Lines {
		var err error
		switch line.Kind() {
		case recipes.LineIngredient:
			lines[i] = c.priceIngredient(i, line)
		case recipes.LineSubRecipe:
			lines[i], err = c.priceSubRecipe(i, line)
		default:
			err = mcerrors.NewInvalidRecipeError(r.ID, fmt.Sprintf("line %d has no reference", i+1))
		}
		if err != nil {
			return CostResult{}, err
		}
		fp.merge(lines[i].fp)
	}

	res := CostResult{
		RecipeID:           r.ID,
		RecipeVersion:      r.Version,
		TotalCost:          decimal.Zero,
		OptionalCost:       decimal.Zero,
		Currency:           c.e.cfg.Currency,
		Yield:              r.Yield,
		StaleIngredientIDs: []string{},
		Lines:              make([]LineCost, 0, len(lines)),
		ComputedAt:         c.asOf,
		Inputs:             fp,
	}

	// Mean of priced lines stands in for omitted lines with no history.
	var pricedSum decimal.Decimal
	pricedCount := 0
	for _, pl := range lines {
		if pl.priced {
			pricedSum = pricedSum.Add(pl.cost.Cost)
			pricedCount++
		}
	}
	fallback := decimal.NewFromInt(1)
	if pricedCount > 0 && pricedSum.IsPositive() {
		fallback = pricedSum.Div(decimal.NewFromInt(int64(pricedCount)))
	}

	hasRequired := false
	for _, pl := range lines {
		if !pl.cost.Optional {
			hasRequired = true
			break
		}
	}

	stale := make(map[string]bool)
	var scores, weights []float64
	for _, pl := range lines {
		for _, id := range pl.stale {
			stale[id] = true
		}

		if pl.priced {
			if pl.cost.Optional {
				res.OptionalCost = res.OptionalCost.Add(pl.cost.Cost)
			} else {
				res.TotalCost = res.TotalCost.Add(pl.cost.Cost)
			}
		}

		estimate := pl.cost.Cost
		if pl.issue != nil {
			issue := *pl.issue
			if !pl.priced {
				estimate = fallback
				if hasPrevious {
					if est, ok := lastKnownCost(previous, pl.cost); ok {
						estimate = est
					}
				}
				issue.EstimatedCost = estimate.Round(4)
			}
			res.Issues = append(res.Issues, issue)
		}
		res.Lines = append(res.Lines, pl.cost)

		// optional lines stay out of the weighting when the recipe has required ones
		if pl.cost.Optional && hasRequired {
			continue
		}
		if pl.priced {
			scores = append(scores, pl.cost.Confidence)
		} else {
			scores = append(scores, 0)
		}
		weights = append(weights, estimate.InexactFloat64())
	}
	res.StaleIngredientIDs = sortedKeys(stale)
	res.Confidence = roundScore(c.e.cfg.Policy.Combine(scores, weights))

	perAdult, perChild, err := c.e.portions.Scale(r, res.TotalCost)
	if err != nil {
		return CostResult{}, err
	}
	res.TotalCost = res.TotalCost.Round(4)
	res.OptionalCost = res.OptionalCost.Round(4)
	res.PerAdultPortionCost = perAdult.Round(4)
	res.PerChildPortionCost = perChild.Round(4)

	if pricedCount == 0 {
		res.Confidence = 0
		err := mcerrors.NewNoPriceDataError(r.ID)
		c.memo[r.ID] = memoEntry{res: res, err: err}
		return res, err
	}
	c.memo[r.ID] = memoEntry{res: res}
	return res, nil
}

func (c *computation) path(recipeID string) []string {
	out := make([]string, 0, len(c.visiting)+1)
	for id := range c.visiting {
		out = append(out, id)
	}
	sort.Strings(out)
	return append(out, recipeID)
}

func (c *computation) priceIngredient(i int, line recipes.Line) pricedLine {
	id := line.IngredientID
	pl := pricedLine{
		cost: LineCost{
			Index:    i,
			Kind:     recipes.LineIngredient.String(),
			Ref:      id,
			Quantity: line.Quantity,
			Unit:     line.Unit,
			Optional: line.Optional,
			Cost:     decimal.Zero,
		},
		fp: newFingerprint(),
	}
	pl.fp.Ingredients[id] = c.e.prices.Revision(id)

	price, err := c.e.prices.EffectivePrice(id, c.asOf)
	if err != nil {
		return pl.omit(id, err)
	}
	pl.fp.Ingredients[id] = price.Revision
	if price.Currency != c.e.cfg.Currency {
		return pl.omit(id, mcerrors.NewNoPriceDataError(id))
	}

	qty, err := c.e.units.Convert(line.Quantity, line.Unit, price.Unit, id)
	if err != nil {
		return pl.omit(id, err)
	}

	pl.priced = true
	pl.cost.Priced = true
	pl.cost.Cost = qty.Mul(price.Price).Round(4)
	pl.cost.UnitPrice = price.Price
	pl.cost.PriceUnit = price.Unit
	pl.cost.Basis = fmt.Sprintf("%s %s @ %s %s/%s", qty.Round(4).String(), price.Unit, price.Price.StringFixed(2), price.Currency, price.Unit)
	pl.cost.Confidence = price.Confidence

	if price.Confidence < 1 {
		pl.stale = []string{id}
		code := mcerrors.CodeStaleQuote
		msg := fmt.Sprintf("price for %s was observed %s ago", id, c.asOf.Sub(price.ObservedAt).Round(time.Minute))
		if price.Expired {
			msg = fmt.Sprintf("price for %s has expired", id)
		}
		pl.issue = &Issue{Ref: id, Code: code, Message: msg, EstimatedCost: pl.cost.Cost}
	}
	return pl
}

func (c *computation) priceSubRecipe(i int, line recipes.Line) (pricedLine, error) {
	id := line.SubRecipeID
	pl := pricedLine{
		cost: LineCost{
			Index:    i,
			Kind:     recipes.LineSubRecipe.String(),
			Ref:      id,
			Quantity: line.Quantity,
			Unit:     line.Unit,
			Optional: line.Optional,
			Cost:     decimal.Zero,
		},
		fp: newFingerprint(),
	}

	sub, err := c.subResult(id)
	switch {
	case err == nil:
	case stderrors.Is(err, mcerrors.ErrCyclicReference), stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return pl, err
	case stderrors.Is(err, mcerrors.ErrNoPriceData):
		pl.fp.merge(sub.Inputs)
		pl.stale = sub.StaleIngredientIDs
		return pl.omit(id, err), nil
	default:
		return pl.omit(id, err), nil
	}
	pl.fp.merge(sub.Inputs)
	pl.stale = sub.StaleIngredientIDs

	var cost, unitPrice decimal.Decimal
	var priceUnit units.Unit
	if units.Normalize(string(line.Unit)) == units.Portion {
		unitPrice = sub.PerAdultPortionCost
		priceUnit = units.Portion
		cost = line.Quantity.Mul(unitPrice)
	} else {
		qty, convErr := c.e.units.Convert(line.Quantity, line.Unit, sub.Yield.Unit, id)
		if convErr != nil {
			return pl.omit(id, convErr), nil
		}
		unitPrice = sub.TotalCost.Div(sub.Yield.Amount)
		priceUnit = sub.Yield.Unit
		cost = qty.Mul(unitPrice)
	}

	pl.priced = true
	pl.cost.Priced = true
	pl.cost.Cost = cost.Round(4)
	pl.cost.UnitPrice = unitPrice.Round(4)
	pl.cost.PriceUnit = priceUnit
	pl.cost.Basis = fmt.Sprintf("%s %s of %s @ %s/%s", line.Quantity.String(), line.Unit, id, unitPrice.StringFixed(2), priceUnit)
	pl.cost.Confidence = sub.Confidence
	if sub.Confidence < 1 {
		pl.issue = &Issue{
			Ref:           id,
			Code:          mcerrors.CodeNoPriceData,
			Message:       fmt.Sprintf("sub-recipe %s is priced at confidence %.2f", id, sub.Confidence),
			EstimatedCost: pl.cost.Cost,
		}
		if len(sub.Issues) > 0 {
			pl.issue.Code = sub.Issues[0].Code
		}
	}
	return pl, nil
}

// subResult reuses a current committed result when there is one, so
// producers recomputed earlier in a wave are not priced twice.
func (c *computation) subResult(id string) (CostResult, error) {
	if m, ok := c.memo[id]; ok {
		return m.res, m.err
	}
	if c.visiting[id] {
		return CostResult{}, mcerrors.NewCyclicReferenceError(id, c.path(id))
	}
	if cached, ok := c.e.Cached(id); ok && !cached.Stale && c.e.Current(cached.Inputs) {
		c.memo[id] = memoEntry{res: cached}
		return cached, nil
	}
	return c.compute(id)
}

// omit records the line as unpriced because of err.
func (pl pricedLine) omit(ref string, err error) pricedLine {
	code := mcerrors.CodeOf(err)
	if code == "" {
		code = mcerrors.CodeNoPriceData
	}
	if pl.cost.Kind == recipes.LineIngredient.String() {
		pl.stale = append(pl.stale, ref)
	}
	pl.priced = false
	pl.cost.Priced = false
	pl.cost.Reason = err.Error()
	pl.issue = &Issue{Ref: ref, Code: code, Message: err.Error()}
	return pl
}

// lastKnownCost finds the cost the same line had in a previous result,
// preferring the same position.
func lastKnownCost(prev CostResult, line LineCost) (decimal.Decimal, bool) {
	var found *LineCost
	for i := range prev.Lines {
		l := &prev.Lines[i]
		if l.Ref != line.Ref || l.Kind != line.Kind || !l.Priced {
			continue
		}
		if l.Index == line.Index {
			return l.Cost, true
		}
		if found == nil {
			found = l
		}
	}
	if found == nil {
		return decimal.Zero, false
	}
	return found.Cost, true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func roundScore(v float64) float64 {
	return decimal.NewFromFloat(confidence.Clamp(v)).Round(4).InexactFloat64()
}
