// Package catalog holds the ingredient catalog.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"meal-cost/pkg/units"
)

// Ingredient is a purchasable item. Its ID never changes; name and tags are editable.
type Ingredient struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Tags      []string    `json:"tags,omitempty"`
	BaseClass units.Class `json:"base_class"`
}

// Persister stores ingredients durably before they become visible.
type Persister interface {
	SaveIngredient(ctx context.Context, ing Ingredient) error
}

// Catalog is an in-memory ingredient registry.
type Catalog struct {
	mu          sync.RWMutex
	ingredients map[string]Ingredient
	persister   Persister
}

// New creates an empty catalog.
func New() *Catalog {
	return &Catalog{ingredients: make(map[string]Ingredient)}
}

// WithPersister writes every upsert through p.
func (c *Catalog) WithPersister(p Persister) *Catalog {
	c.persister = p
	return c
}

// Upsert creates or edits an ingredient. The base class of an existing
// ingredient cannot change because quotes and factors already depend on it.
func (c *Catalog) Upsert(ctx context.Context, ing Ingredient) (Ingredient, error) {
	ing.ID = strings.TrimSpace(ing.ID)
	if ing.ID == "" {
		return Ingredient{}, fmt.Errorf("ingredient id is required")
	}
	if ing.Name == "" {
		ing.Name = ing.ID
	}
	ing.Tags = normalizeTags(ing.Tags)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.ingredients[ing.ID]; ok {
		if ing.BaseClass == units.ClassUnknown {
			ing.BaseClass = prev.BaseClass
		}
		if prev.BaseClass != units.ClassUnknown && ing.BaseClass != prev.BaseClass {
			return Ingredient{}, fmt.Errorf("ingredient %s is measured by %s, cannot change to %s", ing.ID, prev.BaseClass, ing.BaseClass)
		}
	}

	if c.persister != nil {
		if err := c.persister.SaveIngredient(ctx, ing); err != nil {
			return Ingredient{}, fmt.Errorf("persist ingredient %s: %w", ing.ID, err)
		}
	}
	c.ingredients[ing.ID] = ing
	return ing, nil
}

// Load replaces the catalog contents without persisting, used on warm start.
func (c *Catalog) Load(ings []Ingredient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ing := range ings {
		ing.Tags = normalizeTags(ing.Tags)
		c.ingredients[ing.ID] = ing
	}
}

func (c *Catalog) Get(id string) (Ingredient, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ing, ok := c.ingredients[id]
	return ing, ok
}

// List returns all ingredients sorted by ID.
func (c *Catalog) List() []Ingredient {
	c.mu.RLock()
	out := make([]Ingredient, 0, len(c.ingredients))
	for _, ing := range c.ingredients {
		out = append(out, ing)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithTag returns the ingredients carrying tag.
func (c *Catalog) WithTag(tag string) []Ingredient {
	tag = strings.ToLower(strings.TrimSpace(tag))
	var out []Ingredient
	for _, ing := range c.List() {
		for _, t := range ing.Tags {
			if t == tag {
				out = append(out, ing)
				break
			}
		}
	}
	return out
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
