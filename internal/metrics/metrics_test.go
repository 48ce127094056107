package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(QuotesIngested.WithLabelValues("accepted"))
	QuotesIngested.WithLabelValues("accepted").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(QuotesIngested.WithLabelValues("accepted")))
}

func TestObserveRecompute(t *testing.T) {
	ObserveRecompute("ok", time.Now().Add(-10*time.Millisecond))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(RecomputeDuration), 1)
}
