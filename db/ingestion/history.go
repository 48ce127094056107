// Package ingestion moves price data in and out of the engine: feed pollers
// pull supplier quotes into the Price Feed Store, and the HistoryWriter
// copies accepted quotes and computed costs to ClickHouse.
package ingestion

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"meal-cost/decision/estimation"
	"meal-cost/decision/pricefeed"
	"meal-cost/internal/metrics"
)

// QuoteSink stores accepted quotes.
type QuoteSink interface {
	AppendQuotes(ctx context.Context, quotes []pricefeed.Quote) error
}

// CostSink stores cost result snapshots.
type CostSink interface {
	AppendCostResults(ctx context.Context, results []estimation.CostResult) error
}

// HistoryConfig tunes the history writer.
type HistoryConfig struct {
	// BatchSize triggers an early flush and bounds each insert.
	BatchSize int
	// FlushInterval is the longest a record waits in the buffer.
	FlushInterval time.Duration
	// MaxBuffered caps each buffer while the sink is down; the oldest records are dropped.
	MaxBuffered int
}

// DefaultHistoryConfig returns default history writer settings.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxBuffered:   50000,
	}
}

// HistoryWriter buffers records and writes them in batches. Failed batches
// are kept and retried on the next flush.
type HistoryWriter struct {
	cfg    HistoryConfig
	quotes QuoteSink
	costs  CostSink

	mu       sync.Mutex
	quoteBuf []pricefeed.Quote
	costBuf  []estimation.CostResult
	dropped  int

	kick chan struct{}
}

// NewHistoryWriter creates a writer. Either sink may be nil.
func NewHistoryWriter(cfg HistoryConfig, quotes QuoteSink, costs CostSink) *HistoryWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = cfg.BatchSize
	}
	return &HistoryWriter{
		cfg:    cfg,
		quotes: quotes,
		costs:  costs,
		kick:   make(chan struct{}, 1),
	}
}

// RecordQuote buffers an accepted quote. Suitable for pricefeed.Store.OnAccepted.
func (w *HistoryWriter) RecordQuote(q pricefeed.Quote) {
	if w.quotes == nil {
		return
	}
	w.mu.Lock()
	w.quoteBuf = append(w.quoteBuf, q)
	if over := len(w.quoteBuf) - w.cfg.MaxBuffered; over > 0 {
		w.quoteBuf = w.quoteBuf[over:]
		w.dropped += over
	}
	full := len(w.quoteBuf) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.signal()
	}
}

// RecordCost buffers a committed result. Suitable for estimation.Engine.OnCommit.
func (w *HistoryWriter) RecordCost(res estimation.CostResult) {
	if w.costs == nil {
		return
	}
	w.mu.Lock()
	w.costBuf = append(w.costBuf, res)
	if over := len(w.costBuf) - w.cfg.MaxBuffered; over > 0 {
		w.costBuf = w.costBuf[over:]
		w.dropped += over
	}
	full := len(w.costBuf) >= w.cfg.BatchSize
	w.mu.Unlock()
	if full {
		w.signal()
	}
}

func (w *HistoryWriter) signal() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Buffered returns how many quotes and cost results are waiting.
func (w *HistoryWriter) Buffered() (quotes, costs int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.quoteBuf), len(w.costBuf)
}

// Flush writes everything buffered. Records of a failed batch go back to
// the front of the buffer.
func (w *HistoryWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	quotes, costs := w.quoteBuf, w.costBuf
	w.quoteBuf, w.costBuf = nil, nil
	if w.dropped > 0 {
		log.Warn().Int("dropped", w.dropped).Msg("history buffer overflowed, oldest records dropped")
		w.dropped = 0
	}
	w.mu.Unlock()

	var firstErr error
	if len(quotes) > 0 {
		if rest, err := flushBatches(ctx, quotes, w.cfg.BatchSize, w.quotes.AppendQuotes); err != nil {
			firstErr = err
			w.mu.Lock()
			w.quoteBuf = append(rest, w.quoteBuf...)
			w.mu.Unlock()
		}
	}
	if len(costs) > 0 {
		if rest, err := flushBatches(ctx, costs, w.cfg.BatchSize, w.costs.AppendCostResults); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			w.mu.Lock()
			w.costBuf = append(rest, w.costBuf...)
			w.mu.Unlock()
		}
	}
	return firstErr
}

// flushBatches sends items in chunks of size and returns the unsent tail on failure.
func flushBatches[T any](ctx context.Context, items []T, size int, send func(context.Context, []T) error) ([]T, error) {
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		if err := send(ctx, items[i:end]); err != nil {
			metrics.HistoryFlushes.WithLabelValues("error").Inc()
			return items[i:], err
		}
		metrics.HistoryFlushes.WithLabelValues("ok").Inc()
	}
	return nil, nil
}

// Run flushes on every interval or full batch until ctx ends, then makes a
// final attempt with a short deadline.
func (w *HistoryWriter) Run(ctx context.Context) {
	interval := w.cfg.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.Flush(final); err != nil {
				log.Error().Err(err).Msg("final history flush failed")
			}
			cancel()
			return
		case <-ticker.C:
		case <-w.kick:
		}
		if err := w.Flush(ctx); err != nil {
			log.Warn().Err(err).Msg("history flush failed, will retry")
		}
	}
}
