package recipes

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcerrors "meal-cost/pkg/errors"
	"meal-cost/pkg/units"
)

func ing(id, qty string, unit units.Unit) Line {
	return Line{IngredientID: id, Quantity: decimal.RequireFromString(qty), Unit: unit}
}

func sub(id, qty string, unit units.Unit) Line {
	return Line{SubRecipeID: id, Quantity: decimal.RequireFromString(qty), Unit: unit}
}

func recipe(id string, lines ...Line) Recipe {
	return Recipe{ID: id, Lines: lines, Yield: Yield{Adults: 4}}
}

type memPersister struct {
	saved   map[string]int
	deleted []string
	fail    bool
}

func (m *memPersister) SaveRecipe(_ context.Context, r Recipe) error {
	if m.fail {
		return stderrors.New("db down")
	}
	if m.saved == nil {
		m.saved = make(map[string]int)
	}
	m.saved[r.ID] = r.Version
	return nil
}

func (m *memPersister) DeleteRecipe(_ context.Context, id string) error {
	m.deleted = append(m.deleted, id)
	return nil
}

// bakery builds bread <- pudding <- trifle, and an unrelated salad.
func bakery(t *testing.T) *Store {
	t.Helper()
	s := NewStore()
	ctx := context.Background()
	for _, r := range []Recipe{
		recipe("banana-bread", ing("banana", "3", units.Each), ing("flour", "2", units.Cup)),
		recipe("bread-pudding", sub("banana-bread", "2", units.Loaf), ing("milk", "2", units.Cup)),
		recipe("trifle", sub("bread-pudding", "1", units.Batch), ing("cream", "1", units.Cup)),
		recipe("salad", ing("lettuce", "1", units.Each)),
	} {
		_, err := s.Upsert(ctx, r)
		require.NoError(t, err, r.ID)
	}
	return s
}

func TestUpsertAssignsVersionsAndDefaults(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	r, err := s.Upsert(ctx, recipe("banana-bread", ing("banana", "3", "bananas"), ing("flour", "2", "cups")))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, "banana-bread", r.Name)
	assert.Equal(t, units.Batch, r.Yield.Unit)
	assert.True(t, r.Yield.Amount.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, units.Cup, r.Lines[1].Unit)

	r, err = s.Upsert(ctx, recipe("banana-bread", ing("banana", "4", units.Each)))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Version)
	assert.Equal(t, 2, s.Version("banana-bread"))
}

func TestUpsertGeneratesID(t *testing.T) {
	r, err := NewStore().Upsert(context.Background(), Recipe{Name: "Toast", Lines: []Line{ing("bread", "1", units.Each)}, Yield: Yield{Adults: 1}})
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
}

func TestUpsertValidation(t *testing.T) {
	s := bakery(t)
	ctx := context.Background()

	tests := []struct {
		name string
		r    Recipe
		want error
	}{
		{"no lines", Recipe{ID: "empty", Yield: Yield{Adults: 1}}, mcerrors.ErrInvalidRecipe},
		{"both refs", recipe("x", Line{IngredientID: "a", SubRecipeID: "salad", Quantity: decimal.NewFromInt(1)}), mcerrors.ErrInvalidRecipe},
		{"no ref", recipe("x", Line{Quantity: decimal.NewFromInt(1)}), mcerrors.ErrInvalidRecipe},
		{"zero quantity", recipe("x", ing("a", "0", units.Each)), mcerrors.ErrInvalidRecipe},
		{"unknown sub-recipe", recipe("x", sub("ghost", "1", units.Batch)), mcerrors.ErrUnknownRecipe},
		{"serves nobody", Recipe{ID: "x", Lines: []Line{ing("a", "1", units.Each)}}, mcerrors.ErrInvalidYield},
		{"negative children", Recipe{ID: "x", Lines: []Line{ing("a", "1", units.Each)}, Yield: Yield{Adults: 2, Children: -1}}, mcerrors.ErrInvalidYield},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(ctx, tt.r)
			assert.True(t, stderrors.Is(err, tt.want), "got %v", err)
			_, ok := s.Get("x")
			assert.False(t, ok)
		})
	}
}

func TestCycleRejectedAndGraphUnchanged(t *testing.T) {
	s := bakery(t)
	ctx := context.Background()
	before, _ := s.Get("banana-bread")
	dependentsBefore := s.DependentsOf("cream")

	tests := []struct {
		name string
		r    Recipe
	}{
		{"self reference", recipe("banana-bread", sub("banana-bread", "1", units.Batch))},
		{"direct cycle", recipe("banana-bread", ing("banana", "3", units.Each), sub("bread-pudding", "1", units.Batch))},
		{"transitive cycle", recipe("banana-bread", sub("trifle", "1", units.Batch))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Upsert(ctx, tt.r)
			require.Error(t, err)
			assert.True(t, stderrors.Is(err, mcerrors.ErrCyclicReference))

			after, _ := s.Get("banana-bread")
			assert.Equal(t, before.Version, after.Version)
			assert.Equal(t, before.Lines, after.Lines)
			assert.Equal(t, dependentsBefore, s.DependentsOf("cream"))
			assert.Empty(t, s.DependentsOfRecipe("trifle"))
		})
	}
}

func TestDependentsOf(t *testing.T) {
	s := bakery(t)

	assert.Equal(t, []string{"banana-bread", "bread-pudding", "trifle"}, s.DependentsOf("banana"))
	assert.Equal(t, []string{"bread-pudding", "trifle"}, s.DependentsOf("milk"))
	assert.Equal(t, []string{"salad"}, s.DependentsOf("lettuce"))
	assert.Empty(t, s.DependentsOf("saffron"))
	assert.Equal(t, []string{"bread-pudding", "trifle"}, s.DependentsOfRecipe("banana-bread"))

	// dropping the sub-recipe line removes the reverse edge
	_, err := s.Upsert(context.Background(), recipe("bread-pudding", ing("milk", "2", units.Cup)))
	require.NoError(t, err)
	assert.Equal(t, []string{"banana-bread"}, s.DependentsOf("banana"))
}

func TestTopoOrderProducersFirst(t *testing.T) {
	s := bakery(t)

	assert.Equal(t,
		[]string{"banana-bread", "bread-pudding", "trifle"},
		s.TopoOrder([]string{"trifle", "bread-pudding", "banana-bread"}))

	// ordering holds through recipes outside the requested set
	assert.Equal(t, []string{"banana-bread", "trifle"}, s.TopoOrder([]string{"trifle", "banana-bread"}))
}

func TestComponents(t *testing.T) {
	s := bakery(t)
	got := s.Components([]string{"salad", "trifle", "banana-bread"})
	assert.Equal(t, [][]string{{"banana-bread", "trifle"}, {"salad"}}, got)
}

func TestDelete(t *testing.T) {
	p := &memPersister{}
	s := NewStore().WithPersister(p)
	ctx := context.Background()
	_, err := s.Upsert(ctx, recipe("bread", ing("flour", "1", units.Cup)))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, recipe("toast", sub("bread", "1", units.Each)))
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"bread": 1, "toast": 1}, p.saved)

	err = s.Delete(ctx, "bread")
	assert.True(t, stderrors.Is(err, mcerrors.ErrRecipeInUse))

	require.NoError(t, s.Delete(ctx, "toast"))
	require.NoError(t, s.Delete(ctx, "bread"))
	assert.Equal(t, []string{"toast", "bread"}, p.deleted)
	assert.Empty(t, s.DependentsOf("flour"))
	assert.True(t, stderrors.Is(s.Delete(ctx, "bread"), mcerrors.ErrUnknownRecipe))
}

func TestPersisterFailureAbortsWrite(t *testing.T) {
	s := NewStore().WithPersister(&memPersister{fail: true})
	_, err := s.Upsert(context.Background(), recipe("bread", ing("flour", "1", units.Cup)))
	require.Error(t, err)
	_, ok := s.Get("bread")
	assert.False(t, ok)
	assert.Empty(t, s.DependentsOf("flour"))
}

func TestUpsertIfVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	_, err := s.UpsertIfVersion(ctx, recipe("bread", ing("flour", "1", units.Cup)), 0)
	require.NoError(t, err)

	_, err = s.UpsertIfVersion(ctx, recipe("bread", ing("flour", "2", units.Cup)), 0)
	assert.True(t, stderrors.Is(err, mcerrors.ErrVersionConflict))

	r, err := s.UpsertIfVersion(ctx, recipe("bread", ing("flour", "2", units.Cup)), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Version)
}

func TestOnChangeNotified(t *testing.T) {
	s := NewStore()
	var got []string
	s.OnChange(func(id string) { got = append(got, id) })
	_, err := s.Upsert(context.Background(), recipe("bread", ing("flour", "1", units.Cup)))
	require.NoError(t, err)
	assert.Equal(t, []string{"bread"}, got)
}

func TestRestoreKeepsVersionsInAnyOrder(t *testing.T) {
	s := NewStore()
	pudding := recipe("bread-pudding", sub("banana-bread", "2", units.Loaf))
	pudding.Version = 7
	bread := recipe("banana-bread", ing("banana", "3", units.Each))
	bread.Version = 3

	require.NoError(t, s.Restore(context.Background(), []Recipe{pudding, bread}))
	assert.Equal(t, 7, s.Version("bread-pudding"))
	assert.Equal(t, 3, s.Version("banana-bread"))
	assert.Equal(t, []string{"banana-bread", "bread-pudding"}, s.DependentsOf("banana"))

	orphan := recipe("orphan", sub("missing", "1", units.Batch))
	assert.Error(t, NewStore().Restore(context.Background(), []Recipe{orphan}))
}

func TestGetReturnsCopy(t *testing.T) {
	s := bakery(t)
	r, _ := s.Get("banana-bread")
	r.Lines[0].IngredientID = "plantain"
	again, _ := s.Get("banana-bread")
	assert.Equal(t, "banana", again.Lines[0].IngredientID)
	assert.Len(t, s.List(), 4)
}

// gatePersister holds SaveRecipe of one recipe until release is closed.
type gatePersister struct {
	hold    string
	entered chan struct{}
	release chan struct{}
	fail    bool
}

func newGatePersister(hold string) *gatePersister {
	return &gatePersister{hold: hold, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatePersister) SaveRecipe(_ context.Context, r Recipe) error {
	if r.ID != g.hold {
		return nil
	}
	close(g.entered)
	<-g.release
	if g.fail {
		return stderrors.New("db down")
	}
	return nil
}

func (g *gatePersister) DeleteRecipe(context.Context, string) error { return nil }

func within(t *testing.T, d time.Duration, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("blocked behind a write of another recipe")
	}
}

func TestSlowPersistDoesNotBlockOtherRecipes(t *testing.T) {
	g := newGatePersister("soup")
	s := NewStore().WithPersister(g)
	ctx := context.Background()
	_, err := s.Upsert(ctx, recipe("salad", ing("lettuce", "1", units.Each)))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, recipe("stock", ing("bones", "1", units.Kilogram)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Upsert(ctx, recipe("soup", sub("stock", "1", units.Batch), ing("leek", "2", units.Each)))
		done <- err
	}()
	<-g.entered

	within(t, 2*time.Second, func() {
		assert.Equal(t, []string{"salad"}, s.DependentsOf("lettuce"))
		_, err := s.Upsert(ctx, recipe("salad", ing("lettuce", "2", units.Each)))
		assert.NoError(t, err)
		assert.Empty(t, s.DependentsOfRecipe("stock"), "soup is not visible before it is stored")

		// the reserved reference already protects stock
		err = s.Delete(ctx, "stock")
		assert.Equal(t, mcerrors.CodeRecipeInUse, mcerrors.CodeOf(err))
	})
	_, ok := s.Get("soup")
	assert.False(t, ok)

	close(g.release)
	require.NoError(t, <-done)
	got, ok := s.Get("soup")
	require.True(t, ok)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, []string{"soup", "stock"}, s.DependentsOf("bones"))
}

func TestFailedPersistReleasesReservedReferences(t *testing.T) {
	g := newGatePersister("soup")
	g.fail = true
	s := NewStore().WithPersister(g)
	ctx := context.Background()
	_, err := s.Upsert(ctx, recipe("stock", ing("bones", "1", units.Kilogram)))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Upsert(ctx, recipe("soup", sub("stock", "1", units.Batch)))
		done <- err
	}()
	<-g.entered
	close(g.release)
	require.Error(t, <-done)

	_, ok := s.Get("soup")
	assert.False(t, ok)
	assert.Equal(t, []string{"stock"}, s.DependentsOf("bones"))
	assert.NoError(t, s.Delete(ctx, "stock"), "nothing references stock any more")
}
