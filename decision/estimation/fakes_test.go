package estimation

import (
	"sync"
	"time"

	"meal-cost/decision/pricefeed"
	"meal-cost/decision/recipes"
	mcerrors "meal-cost/pkg/errors"
	"meal-cost/pkg/units"
)

type fakePrices struct {
	mu        sync.Mutex
	prices    map[string]pricefeed.EffectivePrice
	revisions map[string]uint64
}

func newFakePrices() *fakePrices {
	return &fakePrices{prices: map[string]pricefeed.EffectivePrice{}, revisions: map[string]uint64{}}
}

func (f *fakePrices) set(id, price string, unit units.Unit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions[id]++
	f.prices[id] = pricefeed.EffectivePrice{
		IngredientID: id,
		Price:        dec(price),
		Unit:         unit,
		Currency:     "USD",
		Confidence:   1,
		Revision:     f.revisions[id],
	}
}

func (f *fakePrices) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revisions[id]++
	delete(f.prices, id)
}

func (f *fakePrices) EffectivePrice(id string, _ time.Time) (pricefeed.EffectivePrice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[id]
	if !ok {
		return pricefeed.EffectivePrice{}, mcerrors.NewNoPriceDataError(id)
	}
	return p, nil
}

func (f *fakePrices) Revision(id string) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revisions[id]
}

// fakeRecipes skips graph validation so broken data can be fed to the engine.
type fakeRecipes struct {
	mu      sync.Mutex
	recipes map[string]recipes.Recipe
}

func newFakeRecipes() *fakeRecipes {
	return &fakeRecipes{recipes: map[string]recipes.Recipe{}}
}

func (f *fakeRecipes) put(r recipes.Recipe) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Yield.Amount.IsZero() {
		r.Yield.Amount = dec("1")
		r.Yield.Unit = units.Batch
	}
	f.recipes[r.ID] = r
}

func (f *fakeRecipes) Get(id string) (recipes.Recipe, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.recipes[id]
	return r, ok
}

func (f *fakeRecipes) Version(id string) int {
	r, _ := f.Get(id)
	return r.Version
}
