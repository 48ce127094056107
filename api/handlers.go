package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"meal-cost/db/clickhouse"
	"meal-cost/decision/estimation"
	"meal-cost/decision/pricefeed"
	"meal-cost/decision/recipes"
	mcerrors "meal-cost/pkg/errors"
	"meal-cost/pkg/units"
)

// =============================================================================
// COST ENDPOINT
// =============================================================================

type costResponse struct {
	estimation.CostResult
	State string `json:"state,omitempty"`
}

// handleRecipeCost serves the cached cost. With ?fresh=true the cost is
// recomputed on the request goroutine first.
func (s *Server) handleRecipeCost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh"))

	var res estimation.CostResult
	var err error
	if fresh {
		if _, ok := s.deps.Recipes.Get(id); !ok {
			s.writeError(w, mcerrors.NewUnknownRecipeError(id), false)
			return
		}
		res, err = s.deps.Engine.Recompute(r.Context(), id)
	} else {
		res, err = s.deps.Engine.CostOf(r.Context(), id)
	}

	if err != nil {
		// nothing could be priced: the partial result still explains why
		if stderrors.Is(err, mcerrors.ErrNoPriceData) && res.RecipeID != "" {
			res.Stale = true
		} else {
			s.writeError(w, err, false)
			return
		}
	}

	resp := costResponse{CostResult: res}
	if s.deps.Scheduler != nil {
		resp.State = s.deps.Scheduler.State(id).String()
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// =============================================================================
// RECIPE ENDPOINTS
// =============================================================================

func (s *Server) handleListRecipes(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Recipes.List()
	if list == nil {
		list = []recipes.Recipe{}
	}
	s.jsonResponse(w, http.StatusOK, list)
}

func (s *Server) handleGetRecipe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.deps.Recipes.Get(id)
	if !ok {
		s.writeError(w, mcerrors.NewUnknownRecipeError(id), false)
		return
	}
	s.jsonResponse(w, http.StatusOK, rec)
}

func (s *Server) handleRecipeVersions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	current, ok := s.deps.Recipes.Get(id)

	var versions []recipes.Recipe
	if s.deps.Versions != nil {
		stored, err := s.deps.Versions.RecipeVersions(r.Context(), id)
		if err != nil {
			s.writeError(w, err, false)
			return
		}
		versions = stored
	} else if ok {
		versions = []recipes.Recipe{current}
	}

	if len(versions) == 0 {
		s.writeError(w, mcerrors.NewUnknownRecipeError(id), false)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"recipe_id": id, "versions": versions})
}

func (s *Server) handleCreateRecipe(w http.ResponseWriter, r *http.Request) {
	req, rec, ok := s.decodeRecipe(w, r)
	if !ok {
		return
	}
	expected := req.IfVersion
	if expected == nil && rec.ID != "" {
		zero := 0
		expected = &zero
	}
	s.storeRecipe(r.Context(), w, rec, expected, http.StatusCreated)
}

func (s *Server) handleUpdateRecipe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	req, rec, ok := s.decodeRecipe(w, r)
	if !ok {
		return
	}
	if rec.ID != "" && rec.ID != id {
		s.jsonError(w, http.StatusUnprocessableEntity, mcerrors.CodeInvalidRecipe, "body id does not match path")
		return
	}
	rec.ID = id
	s.storeRecipe(r.Context(), w, rec, req.IfVersion, http.StatusOK)
}

func (s *Server) handleDeleteRecipe(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Recipes.Delete(r.Context(), id); err != nil {
		s.writeError(w, err, false)
		return
	}
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.NotifyRecipeDeleted(id)
	} else {
		s.deps.Engine.Evict(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeRecipe(w http.ResponseWriter, r *http.Request) (recipeRequest, recipes.Recipe, bool) {
	var req recipeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "", "invalid request body")
		return req, recipes.Recipe{}, false
	}
	if err := s.validate.Struct(req); err != nil {
		s.jsonError(w, http.StatusUnprocessableEntity, mcerrors.CodeInvalidRecipe, validationMessage(err))
		return req, recipes.Recipe{}, false
	}
	rec, err := req.toRecipe()
	if err != nil {
		s.jsonError(w, http.StatusUnprocessableEntity, mcerrors.CodeInvalidRecipe, err.Error())
		return req, recipes.Recipe{}, false
	}
	return req, rec, true
}

func (s *Server) storeRecipe(ctx context.Context, w http.ResponseWriter, rec recipes.Recipe, expected *int, status int) {
	var saved recipes.Recipe
	var err error
	if expected != nil {
		saved, err = s.deps.Recipes.UpsertIfVersion(ctx, rec, *expected)
	} else {
		saved, err = s.deps.Recipes.Upsert(ctx, rec)
	}
	if err != nil {
		s.writeError(w, err, true)
		return
	}
	s.jsonResponse(w, status, saved)
}

// =============================================================================
// QUOTE ENDPOINTS
// =============================================================================

// handleIngestQuotes accepts one quote or an array and reports an outcome
// per quote. A single rejected quote is answered with its error status.
func (s *Server) handleIngestQuotes(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "", "failed to read body")
		return
	}
	reqs, single, err := decodeQuoteRequests(body)
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}

	resp := quotesResponse{Outcomes: make([]quoteOutcome, 0, len(reqs))}
	var lastErr error
	for _, req := range reqs {
		var out quoteOutcome
		if verr := s.validate.Struct(req); verr != nil {
			lastErr = mcerrors.NewInvalidQuoteError(req.IngredientID, validationMessage(verr))
			out = quoteOutcome{
				Outcome: pricefeed.Outcome{QuoteID: req.ID, IngredientID: req.IngredientID, Reason: pricefeed.ReasonInvalid},
				Error:   lastErr.Error(),
			}
		} else {
			o, ierr := s.deps.Feed.Ingest(req.toQuote())
			out = quoteOutcome{Outcome: o}
			if ierr != nil {
				lastErr = ierr
				out.Error = ierr.Error()
			}
		}
		if out.Accepted {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}

	if single && resp.Rejected == 1 {
		status, code := statusFor(lastErr, true)
		s.jsonResponse(w, status, struct {
			quotesResponse
			Code string `json:"code"`
		}{resp, code})
		return
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// =============================================================================
// INGREDIENT ENDPOINTS
// =============================================================================

func (s *Server) handleListIngredients(w http.ResponseWriter, r *http.Request) {
	if tag := r.URL.Query().Get("tag"); tag != "" {
		s.jsonResponse(w, http.StatusOK, s.deps.Catalog.WithTag(tag))
		return
	}
	s.jsonResponse(w, http.StatusOK, s.deps.Catalog.List())
}

func (s *Server) handleIngredientPrice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	price, err := s.deps.Feed.EffectivePrice(id, s.now())
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	s.jsonResponse(w, http.StatusOK, price)
}

func (s *Server) handleIngredientQuotes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	quotes := s.deps.Feed.Quotes(id)
	if len(quotes) == 0 {
		s.writeError(w, mcerrors.NewNoPriceDataError(id), false)
		return
	}
	resp := map[string]any{"ingredient_id": id, "quotes": quotes}
	if history, _ := strconv.ParseBool(r.URL.Query().Get("history")); history {
		resp["history"] = s.deps.Feed.History(id)
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleUpsertIngredient(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ingredientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.jsonError(w, http.StatusUnprocessableEntity, "", validationMessage(err))
		return
	}
	ing, err := s.deps.Catalog.Upsert(r.Context(), req.toIngredient(id))
	if err != nil {
		s.jsonError(w, http.StatusUnprocessableEntity, "", err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, ing)
}

// handleRegisterFactors records per-ingredient conversion bridges. Cached
// costs of recipes using the ingredient are marked stale and recomputed.
func (s *Server) handleRegisterFactors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req factorsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.jsonError(w, http.StatusUnprocessableEntity, "", validationMessage(err))
		return
	}

	if req.GramsPerEach != nil {
		if err := s.deps.Units.RegisterEachWeight(id, *req.GramsPerEach); err != nil {
			s.jsonError(w, http.StatusUnprocessableEntity, "", err.Error())
			return
		}
	}
	if req.GramsPerMl != nil {
		if err := s.deps.Units.RegisterDensity(id, *req.GramsPerMl); err != nil {
			s.jsonError(w, http.StatusUnprocessableEntity, "", err.Error())
			return
		}
	}

	for _, dep := range s.deps.Recipes.DependentsOf(id) {
		s.deps.Engine.MarkStale(dep)
	}
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.NotifyPriceChange(id)
	}
	log.Info().Str("ingredient_id", id).Msg("conversion factors registered")
	s.jsonResponse(w, http.StatusOK, factorsResponse(id, s.deps.Units.FactorsFor(id)))
}

func factorsResponse(id string, f units.Factors) map[string]any {
	resp := map[string]any{"ingredient_id": id}
	if f.GramsPerEach.IsPositive() {
		resp["grams_per_each"] = f.GramsPerEach
	}
	if f.GramsPerMl.IsPositive() {
		resp["grams_per_ml"] = f.GramsPerMl
	}
	return resp
}

// =============================================================================
// HISTORY ENDPOINTS
// =============================================================================

const (
	defaultHistorySpan  = 30 * 24 * time.Hour
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// handleQuoteHistory lists stored quotes of an ingredient in [from, to).
// Both bounds are RFC3339; the window defaults to the last 30 days.
func (s *Server) handleQuoteHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.jsonError(w, http.StatusNotImplemented, "", "history storage is disabled")
		return
	}
	id := chi.URLParam(r, "id")

	to, err := timeParam(r, "to", s.now())
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	from, err := timeParam(r, "from", to.Add(-defaultHistorySpan))
	if err != nil {
		s.jsonError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	if !from.Before(to) {
		s.jsonError(w, http.StatusBadRequest, "", "from must be before to")
		return
	}

	quotes, err := s.deps.History.QuoteHistory(r.Context(), id, from, to)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	if quotes == nil {
		quotes = []pricefeed.Quote{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"ingredient_id": id,
		"from":          from,
		"to":            to,
		"quotes":        quotes,
	})
}

// handleCostHistory lists the newest stored cost snapshots of a recipe.
func (s *Server) handleCostHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.jsonError(w, http.StatusNotImplemented, "", "history storage is disabled")
		return
	}
	id := chi.URLParam(r, "id")

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxHistoryLimit {
			s.jsonError(w, http.StatusBadRequest, "", fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}

	snapshots, err := s.deps.History.CostHistory(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, err, false)
		return
	}
	if snapshots == nil {
		snapshots = []clickhouse.CostSnapshot{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"recipe_id": id, "snapshots": snapshots})
}

func timeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: want RFC3339", name)
	}
	return t, nil
}

// =============================================================================
// ERRORS
// =============================================================================

// statusFor maps a domain error to an HTTP status. On writes an unknown
// referenced recipe is a client error rather than a missing resource.
func statusFor(err error, write bool) (int, string) {
	code := mcerrors.CodeOf(err)
	switch code {
	case mcerrors.CodeCyclicReference, mcerrors.CodeRecipeInUse, mcerrors.CodeVersionConflict, mcerrors.CodeStaleQuote:
		return http.StatusConflict, code
	case mcerrors.CodeInvalidYield, mcerrors.CodeInvalidRecipe, mcerrors.CodeInvalidQuote, mcerrors.CodeIncompatibleUnits:
		return http.StatusUnprocessableEntity, code
	case mcerrors.CodeUnknownRecipe:
		if write {
			return http.StatusUnprocessableEntity, code
		}
		return http.StatusNotFound, code
	case mcerrors.CodeNoPriceData:
		return http.StatusNotFound, code
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable, ""
	}
	return http.StatusInternalServerError, code
}

func (s *Server) writeError(w http.ResponseWriter, err error, write bool) {
	status, code := statusFor(err, write)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	s.jsonError(w, status, code, err.Error())
}
