package pricefeed

import (
	"sort"

	"github.com/shopspring/decimal"
)

type weighted struct {
	value  decimal.Decimal
	weight float64
}

// weightedMedian returns the value at which the cumulative weight first
// reaches half of the total. When it lands exactly on the midpoint the two
// neighbouring values are averaged. Zero total weight falls back to equal weights.
func weightedMedian(samples []weighted) decimal.Decimal {
	if len(samples) == 0 {
		return decimal.Zero
	}
	sorted := make([]weighted, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].value.LessThan(sorted[j].value) })

	var total float64
	for _, s := range sorted {
		total += s.weight
	}
	if total <= 0 {
		for i := range sorted {
			sorted[i].weight = 1
		}
		total = float64(len(sorted))
	}

	half := total / 2
	const eps = 1e-12
	var cum float64
	for i, s := range sorted {
		cum += s.weight
		if cum >= half-eps {
			if cum <= half+eps {
				for _, next := range sorted[i+1:] {
					if next.weight > 0 {
						return s.value.Add(next.value).Div(decimal.NewFromInt(2))
					}
				}
			}
			return s.value
		}
	}
	return sorted[len(sorted)-1].value
}
