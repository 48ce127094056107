// Package confidence provides confidence score math utilities.
package confidence

import (
	"fmt"
	"math"
	"time"
)

// Aggregate combines multiple confidence scores.
// Uses geometric mean to penalize low-confidence components.
func Aggregate(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}

	product := 1.0
	for _, s := range scores {
		if s <= 0 {
			return 0
		}
		product *= s
	}

	return math.Pow(product, 1.0/float64(len(scores)))
}

// WeightedAverage calculates weighted confidence.
func WeightedAverage(scores []float64, weights []float64) float64 {
	if len(scores) == 0 || len(scores) != len(weights) {
		return 0
	}

	var sum, weightSum float64
	for i, s := range scores {
		sum += s * weights[i]
		weightSum += weights[i]
	}

	if weightSum == 0 {
		return 0
	}
	return sum / weightSum
}

// Mean is the unweighted average of scores.
func Mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// Clamp ensures confidence is in valid range [0, 1].
func Clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// Freshness returns the confidence of a quote of the given age.
// It is 1 inside the window, then falls linearly to floor over decaySpan.
// A zero decaySpan drops straight to floor once the window is passed.
func Freshness(age, window, decaySpan time.Duration, floor float64) float64 {
	floor = Clamp(floor)
	if age <= window {
		return 1
	}
	if decaySpan <= 0 {
		return floor
	}
	over := float64(age-window) / float64(decaySpan)
	if over >= 1 {
		return floor
	}
	return Clamp(1 - over*(1-floor))
}

// Policy selects how line confidences are combined into a recipe confidence.
type Policy string

const (
	// PolicyCostShare weights each line by its share of the total cost.
	PolicyCostShare Policy = "cost_share"
	// PolicyCount weights every line equally.
	PolicyCount Policy = "count"
	// PolicyGeometric takes the geometric mean so one weak line drags the result down.
	PolicyGeometric Policy = "geometric"
)

// ParsePolicy maps a configured name to a Policy. Empty means PolicyCostShare.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyCostShare:
		return PolicyCostShare, nil
	case PolicyCount, PolicyGeometric:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("unknown confidence policy %q", s)
	}
}

// Combine merges per-line scores under the policy. weights are only read by
// PolicyCostShare; when they sum to zero it falls back to the plain mean.
func (p Policy) Combine(scores, weights []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	switch p {
	case PolicyGeometric:
		return Clamp(Aggregate(scores))
	case PolicyCount:
		return Clamp(Mean(scores))
	default:
		var total float64
		for _, w := range weights {
			total += w
		}
		if total <= 0 || len(weights) != len(scores) {
			return Clamp(Mean(scores))
		}
		return Clamp(WeightedAverage(scores, weights))
	}
}

// DefaultConfidence values
const (
	HighConfidence   = 0.95
	MediumConfidence = 0.80
	LowConfidence    = 0.60
	MinConfidence    = 0.50
)

// Label buckets a score for reports.
func Label(score float64) string {
	switch {
	case score >= HighConfidence:
		return "high"
	case score >= MediumConfidence:
		return "medium"
	case score >= LowConfidence:
		return "low"
	case score >= MinConfidence:
		return "very low"
	default:
		return "unreliable"
	}
}
