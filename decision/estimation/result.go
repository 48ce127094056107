package estimation

import (
	"time"

	"github.com/shopspring/decimal"

	"meal-cost/decision/recipes"
	"meal-cost/pkg/units"
)

// CostResult is the priced state of one recipe version.
type CostResult struct {
	RecipeID      string `json:"recipe_id"`
	RecipeVersion int    `json:"recipe_version"`

	// Cost totals
	TotalCost           decimal.Decimal `json:"total_cost"`
	PerAdultPortionCost decimal.Decimal `json:"per_adult_portion_cost"`
	PerChildPortionCost decimal.Decimal `json:"per_child_portion_cost"`
	OptionalCost        decimal.Decimal `json:"optional_cost"`
	Currency            string          `json:"currency"`
	Yield               recipes.Yield   `json:"yield"`

	// Quality
	Confidence         float64  `json:"confidence"`
	StaleIngredientIDs []string `json:"stale_ingredient_ids"`
	Issues             []Issue  `json:"issues,omitempty"`
	Stale              bool     `json:"stale"`

	// Breakdown
	Lines []LineCost `json:"lines"`

	// Audit trail
	ComputedAt time.Time   `json:"computed_at"`
	Inputs     Fingerprint `json:"inputs"`
}

// Complete reports whether every line was priced at full confidence.
func (r CostResult) Complete() bool {
	return len(r.StaleIngredientIDs) == 0 && len(r.Issues) == 0
}

// LineCost explains the cost of a single recipe line.
type LineCost struct {
	Index    int             `json:"index"`
	Kind     string          `json:"kind"`
	Ref      string          `json:"ref"`
	Quantity decimal.Decimal `json:"quantity"`
	Unit     units.Unit      `json:"unit"`
	Optional bool            `json:"optional,omitempty"`

	Priced     bool            `json:"priced"`
	Cost       decimal.Decimal `json:"cost"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	PriceUnit  units.Unit      `json:"price_unit,omitempty"`
	Basis      string          `json:"basis,omitempty"`
	Confidence float64         `json:"confidence"`
	Reason     string          `json:"reason,omitempty"`
}

// Issue records why a result is less than fully confident.
type Issue struct {
	Ref     string `json:"ref"`
	Code    string `json:"code"`
	Message string `json:"message"`
	// EstimatedCost is the share assumed for an omitted line when weighting confidence.
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// Fingerprint identifies the exact inputs a result was computed from: the
// version of every visited recipe and the feed revision of every ingredient.
type Fingerprint struct {
	Recipes     map[string]int    `json:"recipes"`
	Ingredients map[string]uint64 `json:"ingredients"`
}

func newFingerprint() Fingerprint {
	return Fingerprint{Recipes: make(map[string]int), Ingredients: make(map[string]uint64)}
}

func (f Fingerprint) merge(other Fingerprint) {
	for k, v := range other.Recipes {
		f.Recipes[k] = v
	}
	for k, v := range other.Ingredients {
		f.Ingredients[k] = v
	}
}
