// Package recipes stores recipe definitions as a DAG of ingredient lines and
// sub-recipe references.
package recipes

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"meal-cost/pkg/units"
)

// LineKind tells which reference a line carries.
type LineKind int

const (
	LineInvalid LineKind = iota
	LineIngredient
	LineSubRecipe
)

func (k LineKind) String() string {
	switch k {
	case LineIngredient:
		return "ingredient"
	case LineSubRecipe:
		return "sub_recipe"
	default:
		return "invalid"
	}
}

// Line is one entry of a recipe. Exactly one of IngredientID and SubRecipeID is set.
type Line struct {
	IngredientID string          `json:"ingredient_id,omitempty"`
	SubRecipeID  string          `json:"sub_recipe_id,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	Unit         units.Unit      `json:"unit"`
	Optional     bool            `json:"optional,omitempty"`
}

// Kind returns which variant the line is.
func (l Line) Kind() LineKind {
	switch {
	case l.IngredientID != "" && l.SubRecipeID == "":
		return LineIngredient
	case l.SubRecipeID != "" && l.IngredientID == "":
		return LineSubRecipe
	default:
		return LineInvalid
	}
}

// Ref is the referenced ingredient or sub-recipe ID.
func (l Line) Ref() string {
	if l.IngredientID != "" {
		return l.IngredientID
	}
	return l.SubRecipeID
}

func (l Line) String() string {
	return fmt.Sprintf("%s %s %s", l.Quantity.String(), l.Unit, l.Ref())
}

// Yield is what one batch of a recipe makes and how many people it serves,
// e.g. 1 loaf serving 8 adults.
type Yield struct {
	Amount   decimal.Decimal `json:"amount"`
	Unit     units.Unit      `json:"unit"`
	Adults   int             `json:"adults"`
	Children int             `json:"children"`
}

// Recipe is a versioned recipe definition.
type Recipe struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Categories []string  `json:"categories,omitempty"`
	Lines      []Line    `json:"lines"`
	Yield      Yield     `json:"yield"`
	Version    int       `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (r Recipe) Clone() Recipe {
	out := r
	out.Categories = append([]string(nil), r.Categories...)
	out.Lines = append([]Line(nil), r.Lines...)
	return out
}

// SubRecipes returns the distinct sub-recipe IDs referenced by r.
func (r Recipe) SubRecipes() []string {
	return r.refs(LineSubRecipe)
}

// Ingredients returns the distinct ingredient IDs referenced by r.
func (r Recipe) Ingredients() []string {
	return r.refs(LineIngredient)
}

func (r Recipe) refs(kind LineKind) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range r.Lines {
		if l.Kind() != kind || seen[l.Ref()] {
			continue
		}
		seen[l.Ref()] = true
		out = append(out, l.Ref())
	}
	return out
}
