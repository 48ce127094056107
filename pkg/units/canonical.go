// Package units provides canonical cooking units and conversions between them.
package units

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Unit represents a measurable quantity.
type Unit string

// Class is the physical dimension of a unit.
type Class int

const (
	ClassUnknown Class = iota
	ClassMass
	ClassVolume
	ClassCount
)

func (c Class) String() string {
	switch c {
	case ClassMass:
		return "mass"
	case ClassVolume:
		return "volume"
	case ClassCount:
		return "count"
	default:
		return "unknown"
	}
}

func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Class) UnmarshalText(b []byte) error {
	*c = ParseClass(string(b))
	return nil
}

// ParseClass maps "mass", "volume" or "count" to a Class.
func ParseClass(s string) Class {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mass", "weight":
		return ClassMass
	case "volume":
		return ClassVolume
	case "count":
		return ClassCount
	default:
		return ClassUnknown
	}
}

const (
	// Mass units (base: gram)
	Milligram Unit = "mg"
	Gram      Unit = "g"
	Kilogram  Unit = "kg"
	Ounce     Unit = "oz"
	Pound     Unit = "lb"
	Loaf      Unit = "loaf"

	// Volume units (base: millilitre)
	Millilitre Unit = "ml"
	Litre      Unit = "l"
	Teaspoon   Unit = "tsp"
	Tablespoon Unit = "tbsp"
	FluidOunce Unit = "fl_oz"
	Cup        Unit = "cup"
	Pint       Unit = "pt"
	Quart      Unit = "qt"
	Gallon     Unit = "gal"
	Can        Unit = "can"

	// Count units (base: each)
	Each    Unit = "each"
	Dozen   Unit = "dozen"
	Package Unit = "package"
	Bag     Unit = "bag"
	Box     Unit = "box"

	// Colloquial units, resolved through the approximation table
	Pinch   Unit = "pinch"
	Dash    Unit = "dash"
	Smidgen Unit = "smidgen"
	Drop    Unit = "drop"
	Splash  Unit = "splash"

	// Portion units understood by the cost engine for sub-recipe lines
	Portion Unit = "portion"
	Batch   Unit = "batch"
)

type definition struct {
	class  Class
	toBase decimal.Decimal
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// US customary factors are the exact legal definitions so that ratios such as
// cup/tbsp come out as whole numbers.
var builtin = map[Unit]definition{
	Milligram: {ClassMass, d("0.001")},
	Gram:      {ClassMass, d("1")},
	Kilogram:  {ClassMass, d("1000")},
	Ounce:     {ClassMass, d("28.349523125")},
	Pound:     {ClassMass, d("453.59237")},
	Loaf:      {ClassMass, d("680.388555")},

	Millilitre: {ClassVolume, d("1")},
	Litre:      {ClassVolume, d("1000")},
	Teaspoon:   {ClassVolume, d("4.92892159375")},
	Tablespoon: {ClassVolume, d("14.78676478125")},
	FluidOunce: {ClassVolume, d("29.5735295625")},
	Cup:        {ClassVolume, d("236.5882365")},
	Pint:       {ClassVolume, d("473.176473")},
	Quart:      {ClassVolume, d("946.352946")},
	Gallon:     {ClassVolume, d("3785.411784")},
	Can:        {ClassVolume, d("443.6029434375")},

	Each:    {ClassCount, d("1")},
	Dozen:   {ClassCount, d("12")},
	Package: {ClassCount, d("1")},
	Bag:     {ClassCount, d("1")},
	Box:     {ClassCount, d("1")},
}

var aliases = map[string]Unit{
	"milligram": Milligram, "milligrams": Milligram,
	"gram": Gram, "grams": Gram, "gr": Gram,
	"kilogram": Kilogram, "kilograms": Kilogram, "kilo": Kilogram, "kilos": Kilogram,
	"ounce": Ounce, "ounces": Ounce,
	"pound": Pound, "pounds": Pound, "lbs": Pound,
	"loaves": Loaf,

	"millilitre": Millilitre, "milliliter": Millilitre, "millilitres": Millilitre, "milliliters": Millilitre,
	"litre": Litre, "liter": Litre, "litres": Litre, "liters": Litre,
	"teaspoon": Teaspoon, "teaspoons": Teaspoon, "tsps": Teaspoon,
	"tablespoon": Tablespoon, "tablespoons": Tablespoon, "tbsps": Tablespoon, "tbs": Tablespoon,
	"fl oz": FluidOunce, "fl. oz": FluidOunce, "fluid ounce": FluidOunce, "fluid ounces": FluidOunce, "floz": FluidOunce,
	"cups": Cup, "c": Cup,
	"pint": Pint, "pints": Pint,
	"quart": Quart, "quarts": Quart,
	"gallon": Gallon, "gallons": Gallon,
	"cans": Can, "tin": Can, "tins": Can,

	"": Each, "whole": Each, "ea": Each, "piece": Each, "pieces": Each, "count": Each,
	"doz": Dozen, "dozens": Dozen,
	"packages": Package, "pkg": Package, "pack": Package, "packs": Package,
	"bags": Bag,
	"boxes": Box,

	"pinches": Pinch,
	"dashes": Dash,
	"smidgens": Smidgen,
	"drops": Drop,
	"splashes": Splash,

	"portions": Portion, "serving": Portion, "servings": Portion,
	"batches": Batch,
}

// Normalize maps spellings and plurals onto the canonical unit name.
func Normalize(s string) Unit {
	key := strings.Join(strings.Fields(strings.ToLower(s)), " ")
	if u, ok := aliases[key]; ok {
		return u
	}
	return Unit(strings.ReplaceAll(key, " ", "_"))
}

// Builtin lists every builtin unit grouped by class, smallest first.
func Builtin() []Unit {
	out := make([]Unit, 0, len(builtin))
	for u := range builtin {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := builtin[out[i]], builtin[out[j]]
		if a.class != b.class {
			return a.class < b.class
		}
		if c := a.toBase.Cmp(b.toBase); c != 0 {
			return c < 0
		}
		return out[i] < out[j]
	})
	return out
}

// Known reports whether u has a builtin definition.
func Known(u Unit) bool {
	_, ok := builtin[Normalize(string(u))]
	return ok
}

// ClassOf returns the builtin class of u, or ClassUnknown.
func ClassOf(u Unit) Class {
	if def, ok := builtin[Normalize(string(u))]; ok {
		return def.class
	}
	return ClassUnknown
}

// BaseUnit returns the unit every amount of the class is normalized to.
func BaseUnit(c Class) Unit {
	switch c {
	case ClassMass:
		return Gram
	case ClassVolume:
		return Millilitre
	case ClassCount:
		return Each
	default:
		return ""
	}
}
