package api

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"meal-cost/decision/catalog"
	"meal-cost/decision/pricefeed"
	"meal-cost/decision/recipes"
	"meal-cost/pkg/units"
)

// =============================================================================
// RECIPES
// =============================================================================

// lineRequest is one recipe line. The amount is either Amount+Unit or a
// free-text Quantity such as "1 1/2 cups".
type lineRequest struct {
	IngredientID string           `json:"ingredient_id" validate:"required_without=SubRecipeID,excluded_with=SubRecipeID"`
	SubRecipeID  string           `json:"sub_recipe_id"`
	Amount       *decimal.Decimal `json:"amount" validate:"required_without=Quantity"`
	Unit         string           `json:"unit" validate:"max=32"`
	Quantity     string           `json:"quantity" validate:"max=64"`
	Optional     bool             `json:"optional"`
}

type yieldRequest struct {
	Amount   *decimal.Decimal `json:"amount"`
	Unit     string           `json:"unit" validate:"max=32"`
	Adults   int              `json:"adults" validate:"gte=0"`
	Children int              `json:"children" validate:"gte=0"`
}

type recipeRequest struct {
	ID         string        `json:"id" validate:"max=128"`
	Name       string        `json:"name" validate:"max=256"`
	Categories []string      `json:"categories" validate:"dive,max=64"`
	Lines      []lineRequest `json:"lines" validate:"required,min=1,dive"`
	Yield      yieldRequest  `json:"yield"`
	// IfVersion makes the write conditional on the stored version; 0 means "must not exist".
	IfVersion *int `json:"if_version" validate:"omitempty,gte=0"`
}

func (req recipeRequest) toRecipe() (recipes.Recipe, error) {
	r := recipes.Recipe{
		ID:         strings.TrimSpace(req.ID),
		Name:       strings.TrimSpace(req.Name),
		Categories: req.Categories,
		Yield: recipes.Yield{
			Unit:     units.Unit(req.Yield.Unit),
			Adults:   req.Yield.Adults,
			Children: req.Yield.Children,
		},
	}
	if req.Yield.Amount != nil {
		r.Yield.Amount = *req.Yield.Amount
	}

	for i, l := range req.Lines {
		line := recipes.Line{
			IngredientID: l.IngredientID,
			SubRecipeID:  l.SubRecipeID,
			Unit:         units.Unit(l.Unit),
			Optional:     l.Optional,
		}
		switch {
		case l.Amount != nil:
			line.Quantity = *l.Amount
			if line.Unit == "" {
				line.Unit = units.Each
			}
		default:
			qty, unit, err := units.ParseQuantity(l.Quantity)
			if err != nil {
				return recipes.Recipe{}, fmt.Errorf("line %d: %w", i+1, err)
			}
			line.Quantity, line.Unit = qty, unit
		}
		r.Lines = append(r.Lines, line)
	}
	return r, nil
}

// =============================================================================
// QUOTES
// =============================================================================

type quoteRequest struct {
	ID           string           `json:"id" validate:"max=128"`
	IngredientID string           `json:"ingredient_id" validate:"required,max=128"`
	SourceID     string           `json:"source_id" validate:"required,max=128"`
	Unit         string           `json:"unit" validate:"required,max=32"`
	Quantity     decimal.Decimal  `json:"quantity"`
	Amount       *decimal.Decimal `json:"amount" validate:"required"`
	Currency     string           `json:"currency" validate:"omitempty,len=3,alpha"`
	ObservedAt   time.Time        `json:"observed_at"`
	ExpiresAt    time.Time        `json:"expires_at"`
}

func (q quoteRequest) toQuote() pricefeed.Quote {
	return pricefeed.Quote{
		ID:           q.ID,
		IngredientID: q.IngredientID,
		SourceID:     q.SourceID,
		Unit:         units.Unit(q.Unit),
		Quantity:     q.Quantity,
		Amount:       *q.Amount,
		Currency:     q.Currency,
		ObservedAt:   q.ObservedAt,
		ExpiresAt:    q.ExpiresAt,
	}
}

// decodeQuoteRequests accepts a single quote object or an array of them.
func decodeQuoteRequests(body []byte) (reqs []quoteRequest, single bool, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("empty body")
	}
	if trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &reqs)
		return reqs, false, err
	}
	var one quoteRequest
	if err = json.Unmarshal(trimmed, &one); err != nil {
		return nil, true, err
	}
	return []quoteRequest{one}, true, nil
}

type quoteOutcome struct {
	pricefeed.Outcome
	Error string `json:"error,omitempty"`
}

type quotesResponse struct {
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Outcomes []quoteOutcome `json:"outcomes"`
}

// =============================================================================
// INGREDIENTS
// =============================================================================

type ingredientRequest struct {
	Name      string   `json:"name" validate:"max=256"`
	Tags      []string `json:"tags" validate:"dive,max=64"`
	BaseClass string   `json:"base_class" validate:"omitempty,oneof=mass weight volume count"`
}

func (req ingredientRequest) toIngredient(id string) catalog.Ingredient {
	return catalog.Ingredient{
		ID:        id,
		Name:      strings.TrimSpace(req.Name),
		Tags:      req.Tags,
		BaseClass: units.ParseClass(req.BaseClass),
	}
}

// factorsRequest registers conversion bridges for an ingredient.
type factorsRequest struct {
	GramsPerEach *decimal.Decimal `json:"grams_per_each" validate:"required_without=GramsPerMl"`
	GramsPerMl   *decimal.Decimal `json:"grams_per_ml"`
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// validationMessage flattens validator errors into one readable line.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		// drop the request type name, callers only know the body
		ns := fe.Namespace()
		if _, rest, ok := strings.Cut(ns, "."); ok {
			ns = rest
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", ns, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}
