package units

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	mcerrors "meal-cost/pkg/errors"
)

// Approximation resolves a colloquial unit to an amount of a builtin unit.
type Approximation struct {
	Amount decimal.Decimal `json:"amount"`
	Unit   Unit            `json:"unit"`
}

// Factors are the per-ingredient bridges between unit classes.
type Factors struct {
	// GramsPerEach bridges count and mass ("1 egg ≈ 50 g").
	GramsPerEach decimal.Decimal `json:"grams_per_each"`
	// GramsPerMl bridges volume and mass.
	GramsPerMl decimal.Decimal `json:"grams_per_ml"`
}

// DefaultApproximations returns the approximation table used when none is configured.
func DefaultApproximations() map[Unit]Approximation {
	return map[Unit]Approximation{
		Pinch:   {Amount: d("0.0625"), Unit: Teaspoon},
		Dash:    {Amount: d("0.125"), Unit: Teaspoon},
		Smidgen: {Amount: d("0.03125"), Unit: Teaspoon},
		Drop:    {Amount: d("0.05"), Unit: Millilitre},
		Splash:  {Amount: d("0.5"), Unit: FluidOunce},
	}
}

// Table converts amounts between units. Builtin factors are static; colloquial
// approximations and per-ingredient factors are registered at runtime.
type Table struct {
	mu      sync.RWMutex
	approx  map[Unit]Approximation
	factors map[string]Factors
}

// NewTable creates a table seeded with DefaultApproximations.
func NewTable() *Table {
	return &Table{
		approx:  DefaultApproximations(),
		factors: make(map[string]Factors),
	}
}

// SetApproximation registers or replaces a colloquial unit.
func (t *Table) SetApproximation(u Unit, amount decimal.Decimal, target Unit) error {
	u = Normalize(string(u))
	target = Normalize(string(target))
	if _, ok := builtin[u]; ok {
		return fmt.Errorf("%s is a builtin unit and cannot be approximated", u)
	}
	if _, ok := builtin[target]; !ok {
		return fmt.Errorf("approximation target %s is not a builtin unit", target)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("approximation amount must be positive")
	}

	t.mu.Lock()
	t.approx[u] = Approximation{Amount: amount, Unit: target}
	t.mu.Unlock()
	return nil
}

// RegisterEachWeight records how many grams one counted item of the ingredient weighs.
func (t *Table) RegisterEachWeight(ingredientID string, grams decimal.Decimal) error {
	if !grams.IsPositive() {
		return fmt.Errorf("weight for %s must be positive", ingredientID)
	}
	t.mu.Lock()
	f := t.factors[ingredientID]
	f.GramsPerEach = grams
	t.factors[ingredientID] = f
	t.mu.Unlock()
	return nil
}

// RegisterDensity records the ingredient's density in grams per millilitre.
func (t *Table) RegisterDensity(ingredientID string, gramsPerMl decimal.Decimal) error {
	if !gramsPerMl.IsPositive() {
		return fmt.Errorf("density for %s must be positive", ingredientID)
	}
	t.mu.Lock()
	f := t.factors[ingredientID]
	f.GramsPerMl = gramsPerMl
	t.factors[ingredientID] = f
	t.mu.Unlock()
	return nil
}

// FactorsFor returns the registered bridges for an ingredient.
func (t *Table) FactorsFor(ingredientID string) Factors {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.factors[ingredientID]
}

// Class returns the class of u, resolving colloquial units through the table.
func (t *Table) Class(u Unit) Class {
	c, _, ok := t.resolve(Normalize(string(u)))
	if !ok {
		return ClassUnknown
	}
	return c
}

// resolve returns the class of u and the factor that takes one u to the class base unit.
func (t *Table) resolve(u Unit) (Class, decimal.Decimal, bool) {
	if def, ok := builtin[u]; ok {
		return def.class, def.toBase, true
	}
	t.mu.RLock()
	a, ok := t.approx[u]
	t.mu.RUnlock()
	if !ok {
		return ClassUnknown, decimal.Zero, false
	}
	def := builtin[a.Unit]
	return def.class, a.Amount.Mul(def.toBase), true
}

// Convert converts amount from one unit to another for the given ingredient.
// Cross-class conversions need a registered factor for the ingredient; without
// one the result is an IncompatibleUnits error.
func (t *Table) Convert(amount decimal.Decimal, from, to Unit, ingredientID string) (decimal.Decimal, error) {
	from = Normalize(string(from))
	to = Normalize(string(to))
	if from == to {
		return amount, nil
	}

	fromClass, fromFactor, ok := t.resolve(from)
	if !ok {
		return decimal.Zero, mcerrors.NewIncompatibleUnitsError(string(from), string(to), ingredientID)
	}
	toClass, toFactor, ok := t.resolve(to)
	if !ok {
		return decimal.Zero, mcerrors.NewIncompatibleUnitsError(string(from), string(to), ingredientID)
	}

	base := amount.Mul(fromFactor)
	if fromClass == toClass {
		return base.Div(toFactor), nil
	}

	f := t.FactorsFor(ingredientID)
	grams, ok := toGrams(base, fromClass, f)
	if !ok {
		return decimal.Zero, mcerrors.NewIncompatibleUnitsError(string(from), string(to), ingredientID)
	}
	target, ok := fromGrams(grams, toClass, f)
	if !ok {
		return decimal.Zero, mcerrors.NewIncompatibleUnitsError(string(from), string(to), ingredientID)
	}
	return target.Div(toFactor), nil
}

func toGrams(base decimal.Decimal, c Class, f Factors) (decimal.Decimal, bool) {
	switch c {
	case ClassMass:
		return base, true
	case ClassCount:
		if f.GramsPerEach.IsPositive() {
			return base.Mul(f.GramsPerEach), true
		}
	case ClassVolume:
		if f.GramsPerMl.IsPositive() {
			return base.Mul(f.GramsPerMl), true
		}
	}
	return decimal.Zero, false
}

func fromGrams(grams decimal.Decimal, c Class, f Factors) (decimal.Decimal, bool) {
	switch c {
	case ClassMass:
		return grams, true
	case ClassCount:
		if f.GramsPerEach.IsPositive() {
			return grams.Div(f.GramsPerEach), true
		}
	case ClassVolume:
		if f.GramsPerMl.IsPositive() {
			return grams.Div(f.GramsPerMl), true
		}
	}
	return decimal.Zero, false
}
