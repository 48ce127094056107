package confidence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreshness(t *testing.T) {
	window := 24 * time.Hour
	span := 48 * time.Hour

	tests := []struct {
		name string
		age  time.Duration
		want float64
	}{
		{"brand new", 0, 1},
		{"at window edge", window, 1},
		{"halfway through decay", window + 24*time.Hour, 0.6},
		{"end of decay", window + span, 0.2},
		{"long expired", 30 * 24 * time.Hour, 0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Freshness(tt.age, window, span, 0.2), 1e-9)
		})
	}

	assert.Equal(t, 0.3, Freshness(window+time.Second, window, 0, 0.3))
}

func TestFreshnessIsMonotonic(t *testing.T) {
	prev := 1.0
	for h := 0; h < 200; h++ {
		c := Freshness(time.Duration(h)*time.Hour, 24*time.Hour, 72*time.Hour, 0.1)
		assert.LessOrEqual(t, c, prev)
		prev = c
	}
}

func TestPolicyCombine(t *testing.T) {
	scores := []float64{1, 0.5}
	weights := []float64{3, 1}

	assert.InDelta(t, 0.875, PolicyCostShare.Combine(scores, weights), 1e-9)
	assert.InDelta(t, 0.75, PolicyCount.Combine(scores, weights), 1e-9)
	assert.InDelta(t, 0.7071067, PolicyGeometric.Combine(scores, weights), 1e-6)

	// zero weights fall back to the mean
	assert.InDelta(t, 0.75, PolicyCostShare.Combine(scores, []float64{0, 0}), 1e-9)
	assert.Equal(t, 0.0, PolicyCount.Combine(nil, nil))
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyCostShare, p)

	p, err = ParsePolicy("geometric")
	require.NoError(t, err)
	assert.Equal(t, PolicyGeometric, p)

	_, err = ParsePolicy("vibes")
	assert.Error(t, err)
}

func TestAggregateZeroShortCircuits(t *testing.T) {
	assert.Equal(t, 0.0, Aggregate([]float64{0.9, 0}))
	assert.InDelta(t, 0.9, Aggregate([]float64{0.9, 0.9}), 1e-9)
}

func TestLabel(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{1, "high"},
		{HighConfidence, "high"},
		{0.9, "medium"},
		{0.7, "low"},
		{MinConfidence, "very low"},
		{0.2, "unreliable"},
		{0, "unreliable"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Label(tt.score), "score %v", tt.score)
	}
}
