package recipes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	mcerrors "meal-cost/pkg/errors"
	"meal-cost/pkg/units"
)

// YieldValidator rejects malformed yields with an InvalidYield error.
type YieldValidator func(Recipe) error

// Persister stores recipe versions durably. SaveRecipe runs before the
// version becomes visible; a failure aborts the write.
type Persister interface {
	SaveRecipe(ctx context.Context, r Recipe) error
	DeleteRecipe(ctx context.Context, id string) error
}

type recipeCell struct {
	mu     sync.RWMutex
	recipe Recipe
}

type set map[string]bool

func (s set) add(id string) { s[id] = true }

func (s set) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Store is the Recipe Graph Store. Definitions live in per-recipe cells and
// writers of one recipe are serialized by its own writer lock. topoMu guards
// only the edge indices and is never held across a persister call.
type Store struct {
	cells   sync.Map // recipeID -> *recipeCell
	writers sync.Map // recipeID -> *sync.Mutex

	topoMu       sync.RWMutex
	subsOf       map[string]set // recipe -> sub-recipes it uses
	usedBy       map[string]set // sub-recipe -> recipes using it
	byIngredient map[string]set // ingredient -> recipes using it directly
	deleting     set            // recipes whose delete is being persisted

	validateYield YieldValidator
	persister     Persister
	now           func() time.Time

	listenersMu sync.RWMutex
	listeners   []func(recipeID string)
}

// NewStore creates an empty recipe graph.
func NewStore() *Store {
	return &Store{
		subsOf:        make(map[string]set),
		usedBy:        make(map[string]set),
		byIngredient:  make(map[string]set),
		deleting:      make(set),
		validateYield: basicYield,
		now:           time.Now,
	}
}

// WithYieldValidator replaces the default yield check.
func (s *Store) WithYieldValidator(v YieldValidator) *Store {
	s.validateYield = v
	return s
}

// WithPersister writes every version through p.
func (s *Store) WithPersister(p Persister) *Store {
	s.persister = p
	return s
}

// OnChange registers fn to receive the ID of every upserted recipe.
func (s *Store) OnChange(fn func(recipeID string)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func basicYield(r Recipe) error {
	if r.Yield.Adults < 0 || r.Yield.Children < 0 {
		return mcerrors.NewInvalidYieldError(r.ID, "portion counts must not be negative")
	}
	if r.Yield.Adults+r.Yield.Children == 0 {
		return mcerrors.NewInvalidYieldError(r.ID, "yield serves nobody")
	}
	return nil
}

// ===== READS =====

func (s *Store) cell(id string) (*recipeCell, bool) {
	c, ok := s.cells.Load(id)
	if !ok {
		return nil, false
	}
	return c.(*recipeCell), true
}

// Get returns a copy of the current version of a recipe.
func (s *Store) Get(id string) (Recipe, bool) {
	c, ok := s.cell(id)
	if !ok {
		return Recipe{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recipe.Clone(), true
}

// Version returns the current version of a recipe, or 0 when unknown.
func (s *Store) Version(id string) int {
	c, ok := s.cell(id)
	if !ok {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recipe.Version
}

// List returns every recipe sorted by ID.
func (s *Store) List() []Recipe {
	var out []Recipe
	s.cells.Range(func(_, v any) bool {
		c := v.(*recipeCell)
		c.mu.RLock()
		out = append(out, c.recipe.Clone())
		c.mu.RUnlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DependentsOf returns every recipe that uses the ingredient directly or
// through any chain of sub-recipes.
func (s *Store) DependentsOf(ingredientID string) []string {
	s.topoMu.RLock()
	defer s.topoMu.RUnlock()

	out := make(set)
	for id := range s.byIngredient[ingredientID] {
		out.add(id)
		s.collectConsumers(id, out)
	}
	return out.sorted()
}

// DependentsOfRecipe returns the recipes that use recipeID as a sub-recipe,
// transitively. recipeID itself is not included.
func (s *Store) DependentsOfRecipe(recipeID string) []string {
	s.topoMu.RLock()
	defer s.topoMu.RUnlock()

	out := make(set)
	s.collectConsumers(recipeID, out)
	delete(out, recipeID)
	return out.sorted()
}

// collectConsumers walks usedBy edges. Caller holds topoMu. Edges of a
// recipe whose first version is still being persisted are skipped.
func (s *Store) collectConsumers(id string, out set) {
	for parent := range s.usedBy[id] {
		if out[parent] {
			continue
		}
		if _, ok := s.cell(parent); !ok {
			continue
		}
		out.add(parent)
		s.collectConsumers(parent, out)
	}
}

// TopoOrder orders ids so every recipe comes after the sub-recipes it
// depends on, including dependencies through recipes outside ids.
func (s *Store) TopoOrder(ids []string) []string {
	s.topoMu.RLock()
	defer s.topoMu.RUnlock()
	return s.topoOrder(ids)
}

func (s *Store) topoOrder(ids []string) []string {
	want := make(set, len(ids))
	for _, id := range ids {
		want.add(id)
	}

	result := make([]string, 0, len(want))
	visited := make(set)

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited.add(id)
		for _, sub := range s.subsOf[id].sorted() {
			visit(sub)
		}
		if want[id] {
			result = append(result, id)
		}
	}

	for _, id := range want.sorted() {
		visit(id)
	}
	return result
}

// Components partitions ids into groups with no dependency path between
// groups. Each group is returned in topological order and groups are
// ordered by their first recipe.
func (s *Store) Components(ids []string) [][]string {
	s.topoMu.RLock()
	defer s.topoMu.RUnlock()

	members := make(set, len(ids))
	for _, id := range ids {
		members.add(id)
	}
	parent := make(map[string]string, len(members))
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}
	for id := range members {
		parent[id] = id
	}

	// Join each member with every member it can reach downwards, and join
	// members that share any reachable sub-recipe.
	owner := make(map[string]string)
	for _, id := range members.sorted() {
		seen := make(set)
		var walk func(string)
		walk = func(cur string) {
			for sub := range s.subsOf[cur] {
				if seen[sub] {
					continue
				}
				seen.add(sub)
				if members[sub] {
					union(id, sub)
				}
				if o, ok := owner[sub]; ok {
					union(id, o)
				} else {
					owner[sub] = id
				}
				walk(sub)
			}
		}
		walk(id)
	}

	groups := make(map[string][]string)
	for id := range members {
		root := find(id)
		groups[root] = append(groups[root], id)
	}
	out := make([][]string, 0, len(groups))
	for _, g := range groups {
		out = append(out, s.topoOrder(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// ===== WRITES =====

// Upsert validates and stores a new version of a recipe.
func (s *Store) Upsert(ctx context.Context, r Recipe) (Recipe, error) {
	return s.upsert(ctx, r, nil)
}

// UpsertIfVersion is Upsert guarded by an optimistic version check;
// expected 0 means the recipe must not exist yet.
func (s *Store) UpsertIfVersion(ctx context.Context, r Recipe, expected int) (Recipe, error) {
	return s.upsert(ctx, r, &expected)
}

func (s *Store) upsert(ctx context.Context, r Recipe, expected *int) (Recipe, error) {
	r = r.Clone()
	if strings.TrimSpace(r.ID) == "" {
		r.ID = uuid.NewString()
	}
	if err := s.validate(&r); err != nil {
		return Recipe{}, err
	}

	w := s.writerFor(r.ID)
	w.Lock()
	defer w.Unlock()

	s.topoMu.Lock()
	res, err := s.reserveLocked(r, expected, true)
	s.topoMu.Unlock()
	if err != nil {
		return Recipe{}, err
	}

	if s.persister != nil {
		if err := s.persister.SaveRecipe(ctx, res.recipe); err != nil {
			s.topoMu.Lock()
			s.releaseLocked(res)
			s.topoMu.Unlock()
			return Recipe{}, fmt.Errorf("persist recipe %s: %w", r.ID, err)
		}
	}

	s.topoMu.Lock()
	s.commitLocked(res.recipe)
	s.topoMu.Unlock()
	saved := res.recipe

	log.Info().
		Str("recipe_id", saved.ID).
		Int("version", saved.Version).
		Int("lines", len(saved.Lines)).
		Msg("recipe stored")
	s.notify(saved.ID)
	return saved.Clone(), nil
}

// validate checks the parts of a recipe that need no graph knowledge and
// fills defaults.
func (s *Store) validate(r *Recipe) error {
	if r.Name == "" {
		r.Name = r.ID
	}
	if len(r.Lines) == 0 {
		return mcerrors.NewInvalidRecipeError(r.ID, "recipe has no lines")
	}
	for i := range r.Lines {
		l := &r.Lines[i]
		l.IngredientID = strings.TrimSpace(l.IngredientID)
		l.SubRecipeID = strings.TrimSpace(l.SubRecipeID)
		if l.Kind() == LineInvalid {
			return mcerrors.NewInvalidRecipeError(r.ID, fmt.Sprintf("line %d must reference exactly one of ingredient_id or sub_recipe_id", i+1))
		}
		if !l.Quantity.IsPositive() {
			return mcerrors.NewInvalidRecipeError(r.ID, fmt.Sprintf("line %d quantity must be positive", i+1))
		}
		l.Unit = units.Normalize(string(l.Unit))
	}

	if r.Yield.Amount.IsZero() {
		r.Yield.Amount = decimal.NewFromInt(1)
	}
	if !r.Yield.Amount.IsPositive() {
		return mcerrors.NewInvalidYieldError(r.ID, "yield amount must be positive")
	}
	if r.Yield.Unit == "" {
		r.Yield.Unit = units.Batch
	}
	r.Yield.Unit = units.Normalize(string(r.Yield.Unit))
	if s.validateYield != nil {
		if err := s.validateYield(*r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) writerFor(id string) *sync.Mutex {
	m, _ := s.writers.LoadOrStore(id, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// reservation is a checked recipe version whose new sub-recipe edges are
// already linked, so concurrent writers see them while it is persisted.
type reservation struct {
	recipe Recipe
	added  []string
}

// reserveLocked checks graph constraints, assigns the version and links the
// sub-recipe edges of the new version next to the current ones. Caller holds
// topoMu for writing and the recipe's writer lock.
func (s *Store) reserveLocked(r Recipe, expected *int, bump bool) (reservation, error) {
	current := 0
	if c, ok := s.cell(r.ID); ok {
		c.mu.RLock()
		current = c.recipe.Version
		c.mu.RUnlock()
	}
	if expected != nil && *expected != current {
		return reservation{}, mcerrors.NewVersionConflictError(r.ID, *expected, current)
	}

	subs := r.SubRecipes()
	for _, sub := range subs {
		if sub == r.ID {
			return reservation{}, mcerrors.NewCyclicReferenceError(r.ID, []string{r.ID, r.ID})
		}
		if _, ok := s.cell(sub); !ok || s.deleting[sub] {
			return reservation{}, mcerrors.NewUnknownRecipeError(sub)
		}
	}
	for _, sub := range subs {
		if path := s.pathLocked(sub, r.ID); path != nil {
			return reservation{}, mcerrors.NewCyclicReferenceError(r.ID, append([]string{r.ID}, path...))
		}
	}

	if bump || r.Version == 0 {
		r.Version = current + 1
	}
	if r.UpdatedAt.IsZero() || bump {
		r.UpdatedAt = s.now().UTC()
	}

	res := reservation{recipe: r}
	for _, sub := range subs {
		if s.subsOf[r.ID][sub] {
			continue
		}
		s.link(s.subsOf, r.ID, sub)
		s.link(s.usedBy, sub, r.ID)
		res.added = append(res.added, sub)
	}
	return res, nil
}

// releaseLocked drops the edges a failed reservation added.
func (s *Store) releaseLocked(res reservation) {
	id := res.recipe.ID
	for _, sub := range res.added {
		s.unlink(s.subsOf, id, sub)
		s.unlink(s.usedBy, sub, id)
	}
}

// commitLocked swaps in a reserved version and its final edges. Caller holds
// topoMu for writing.
func (s *Store) commitLocked(r Recipe) {
	s.unlinkLocked(r.ID)
	for _, sub := range r.SubRecipes() {
		s.link(s.subsOf, r.ID, sub)
		s.link(s.usedBy, sub, r.ID)
	}
	for _, ing := range r.Ingredients() {
		s.link(s.byIngredient, ing, r.ID)
	}

	c, _ := s.cells.LoadOrStore(r.ID, &recipeCell{})
	cell := c.(*recipeCell)
	cell.mu.Lock()
	cell.recipe = r
	cell.mu.Unlock()
}

// pathLocked returns a sub-recipe path from -> ... -> to, or nil.
func (s *Store) pathLocked(from, to string) []string {
	visited := make(set)
	var walk func(cur string) []string
	walk = func(cur string) []string {
		if cur == to {
			return []string{cur}
		}
		if visited[cur] {
			return nil
		}
		visited.add(cur)
		for _, next := range s.subsOf[cur].sorted() {
			if p := walk(next); p != nil {
				return append([]string{cur}, p...)
			}
		}
		return nil
	}
	return walk(from)
}

func (s *Store) link(index map[string]set, from, to string) {
	if index[from] == nil {
		index[from] = make(set)
	}
	index[from].add(to)
}

func (s *Store) unlink(index map[string]set, from, to string) {
	delete(index[from], to)
	if len(index[from]) == 0 {
		delete(index, from)
	}
}

// unlinkLocked removes every outgoing edge of id from the indices.
func (s *Store) unlinkLocked(id string) {
	for sub := range s.subsOf[id] {
		s.unlink(s.usedBy, sub, id)
	}
	delete(s.subsOf, id)

	c, ok := s.cell(id)
	if !ok {
		return
	}
	c.mu.RLock()
	ings := c.recipe.Ingredients()
	c.mu.RUnlock()
	for _, ing := range ings {
		s.unlink(s.byIngredient, ing, id)
	}
}

// Delete removes a recipe that no other recipe uses.
func (s *Store) Delete(ctx context.Context, id string) error {
	w := s.writerFor(id)
	w.Lock()
	defer w.Unlock()

	s.topoMu.Lock()
	if _, ok := s.cell(id); !ok {
		s.topoMu.Unlock()
		return mcerrors.NewUnknownRecipeError(id)
	}
	if users := s.usedBy[id]; len(users) > 0 {
		s.topoMu.Unlock()
		return mcerrors.NewRecipeInUseError(id, users.sorted())
	}
	// new references to id are refused until the delete settles
	s.deleting.add(id)
	s.topoMu.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteRecipe(ctx, id); err != nil {
			s.topoMu.Lock()
			delete(s.deleting, id)
			s.topoMu.Unlock()
			return fmt.Errorf("delete recipe %s: %w", id, err)
		}
	}

	s.topoMu.Lock()
	s.unlinkLocked(id)
	s.cells.Delete(id)
	delete(s.deleting, id)
	s.topoMu.Unlock()
	log.Info().Str("recipe_id", id).Msg("recipe deleted")
	return nil
}

// Restore loads stored recipes, keeping their versions, without persisting
// or notifying. Recipes are added producers first; any that cannot be placed
// are returned in the error.
func (s *Store) Restore(_ context.Context, recipes []Recipe) error {
	pending := make([]Recipe, 0, len(recipes))
	for _, r := range recipes {
		r = r.Clone()
		if err := s.validate(&r); err != nil {
			return err
		}
		pending = append(pending, r)
	}

	s.topoMu.Lock()
	defer s.topoMu.Unlock()
	for len(pending) > 0 {
		var next []Recipe
		progressed := false
		for _, r := range pending {
			if !s.subsKnownLocked(r) {
				next = append(next, r)
				continue
			}
			res, err := s.reserveLocked(r, nil, false)
			if err != nil {
				return err
			}
			s.commitLocked(res.recipe)
			progressed = true
		}
		if !progressed {
			ids := make([]string, len(next))
			for i, r := range next {
				ids[i] = r.ID
			}
			return mcerrors.NewInvalidRecipeError(strings.Join(ids, ","), "unresolvable sub-recipe references")
		}
		pending = next
	}
	return nil
}

func (s *Store) subsKnownLocked(r Recipe) bool {
	for _, sub := range r.SubRecipes() {
		if sub == r.ID {
			continue
		}
		if _, ok := s.cell(sub); !ok {
			return false
		}
	}
	return true
}

func (s *Store) notify(id string) {
	s.listenersMu.RLock()
	ls := s.listeners
	s.listenersMu.RUnlock()
	for _, fn := range ls {
		fn(id)
	}
}
