package ingestion

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"meal-cost/decision/pricefeed"
	"meal-cost/internal/metrics"
)

// Source fetches the quotes published since the previous fetch.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]pricefeed.Quote, error)
}

// Ingester accepts quotes. *pricefeed.Store satisfies it.
type Ingester interface {
	IngestBatch(quotes []pricefeed.Quote) []pricefeed.Outcome
}

// PollerConfig tunes a feed poller.
type PollerConfig struct {
	Interval time.Duration
	// MinGap is the smallest spacing between two fetches, however they are triggered.
	MinGap time.Duration
	// FailureThreshold consecutive failures open the breaker for OpenTimeout.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// DefaultPollerConfig returns default poller settings.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:         time.Minute,
		MinGap:           time.Second,
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
	}
}

// PollResult summarizes one fetch.
type PollResult struct {
	Source   string `json:"source"`
	Fetched  int    `json:"fetched"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
}

// Poller pulls a Source into the feed, rate limited and behind a circuit breaker.
type Poller struct {
	cfg     PollerConfig
	source  Source
	sink    Ingester
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[[]pricefeed.Quote]
}

// NewPoller creates a poller for source.
func NewPoller(cfg PollerConfig, source Source, sink Ingester) *Poller {
	limit := rate.Inf
	if cfg.MinGap > 0 {
		limit = rate.Every(cfg.MinGap)
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 3
	}

	settings := gobreaker.Settings{
		Name:    source.Name(),
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("source", name).Str("from", from.String()).Str("to", to.String()).Msg("feed circuit breaker changed state")
		},
	}

	return &Poller{
		cfg:     cfg,
		source:  source,
		sink:    sink,
		limiter: rate.NewLimiter(limit, 1),
		breaker: gobreaker.NewCircuitBreaker[[]pricefeed.Quote](settings),
	}
}

// BreakerState reports the circuit breaker state for health output.
func (p *Poller) BreakerState() string {
	return p.breaker.State().String()
}

// PollOnce fetches and ingests one round of quotes.
func (p *Poller) PollOnce(ctx context.Context) (PollResult, error) {
	result := PollResult{Source: p.source.Name()}
	if err := p.limiter.Wait(ctx); err != nil {
		return result, err
	}

	quotes, err := p.breaker.Execute(func() ([]pricefeed.Quote, error) {
		return p.source.Fetch(ctx)
	})
	if err != nil {
		label := "error"
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			label = "open"
		}
		metrics.FeedPolls.WithLabelValues(result.Source, label).Inc()
		return result, fmt.Errorf("poll %s: %w", result.Source, err)
	}
	metrics.FeedPolls.WithLabelValues(result.Source, "ok").Inc()

	result.Fetched = len(quotes)
	for _, o := range p.sink.IngestBatch(quotes) {
		if o.Accepted {
			result.Accepted++
		} else {
			result.Rejected++
		}
	}
	return result, nil
}

// Run polls immediately and then on every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	interval := p.cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := p.PollOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			log.Warn().Err(err).Str("source", res.Source).Msg("feed poll failed")
		case res.Fetched > 0:
			log.Info().
				Str("source", res.Source).
				Int("fetched", res.Fetched).
				Int("accepted", res.Accepted).
				Int("rejected", res.Rejected).
				Msg("feed polled")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
