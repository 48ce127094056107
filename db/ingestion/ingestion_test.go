package ingestion

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/shopspring/decimal"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meal-cost/decision/estimation"
	"meal-cost/decision/pricefeed"
	"meal-cost/pkg/platform"
	"meal-cost/pkg/units"
)

// ===== DECODING =====

func TestDecodeQuotes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"array", `[{"ingredient_id":"egg","amount":"3.00","unit":"dozen"},{"ingredient_id":"milk","amount":2.5,"unit":"gal"}]`, []string{"egg", "milk"}},
		{"json lines", "{\"ingredient_id\":\"egg\",\"amount\":\"3\"}\n\n{\"ingredient_id\":\"flour\",\"amount\":\"4\"}", []string{"egg", "flour"}},
		{"leading whitespace", "\n  [ {\"ingredient_id\":\"salt\"} ]", []string{"salt"}},
		{"empty", "   \n", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			quotes, err := DecodeQuotes(strings.NewReader(tt.input))
			require.NoError(t, err)
			var got []string
			for _, q := range quotes {
				got = append(got, q.IngredientID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeQuotesReportsLine(t *testing.T) {
	_, err := DecodeQuotes(strings.NewReader("{\"ingredient_id\":\"egg\"}\n{broken\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

// ===== HISTORY =====

type recordingSink struct {
	mu      sync.Mutex
	fail    bool
	batches [][]pricefeed.Quote
	costs   [][]estimation.CostResult
}

func (s *recordingSink) AppendQuotes(_ context.Context, quotes []pricefeed.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("clickhouse unavailable")
	}
	s.batches = append(s.batches, append([]pricefeed.Quote(nil), quotes...))
	return nil
}

func (s *recordingSink) AppendCostResults(_ context.Context, results []estimation.CostResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("clickhouse unavailable")
	}
	s.costs = append(s.costs, append([]estimation.CostResult(nil), results...))
	return nil
}

func (s *recordingSink) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func quote(id string) pricefeed.Quote {
	return pricefeed.Quote{ID: id, IngredientID: "egg", SourceID: "grocer", Unit: units.Dozen, Amount: decimal.RequireFromString("3")}
}

func TestHistoryWriterFlushesInBatches(t *testing.T) {
	sink := &recordingSink{}
	w := NewHistoryWriter(HistoryConfig{BatchSize: 2, MaxBuffered: 100}, sink, sink)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		w.RecordQuote(quote(id))
	}
	w.RecordCost(estimation.CostResult{RecipeID: "banana-bread"})

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, sink.batches, 3)
	assert.Len(t, sink.batches[0], 2)
	assert.Len(t, sink.batches[2], 1)
	require.Len(t, sink.costs, 1)

	q, c := w.Buffered()
	assert.Zero(t, q)
	assert.Zero(t, c)
}

func TestHistoryWriterKeepsFailedBatches(t *testing.T) {
	sink := &recordingSink{fail: true}
	w := NewHistoryWriter(HistoryConfig{BatchSize: 10, MaxBuffered: 100}, sink, nil)
	w.RecordQuote(quote("a"))
	w.RecordQuote(quote("b"))
	w.RecordCost(estimation.CostResult{RecipeID: "ignored without a sink"})

	require.Error(t, w.Flush(context.Background()))
	q, c := w.Buffered()
	assert.Equal(t, 2, q)
	assert.Zero(t, c)

	w.RecordQuote(quote("c"))
	sink.setFail(false)
	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, sink.batches, 1)
	ids := []string{sink.batches[0][0].ID, sink.batches[0][1].ID, sink.batches[0][2].ID}
	assert.Equal(t, []string{"a", "b", "c"}, ids, "retried records keep their order")
}

func TestHistoryWriterDropsOldestWhenFull(t *testing.T) {
	sink := &recordingSink{}
	w := NewHistoryWriter(HistoryConfig{BatchSize: 3, MaxBuffered: 3}, sink, nil)
	for _, id := range []string{"a", "b", "c", "d"} {
		w.RecordQuote(quote(id))
	}
	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, sink.batches, 1)
	assert.Equal(t, "b", sink.batches[0][0].ID)
}

func TestHistoryWriterRunFlushesOnShutdown(t *testing.T) {
	sink := &recordingSink{}
	w := NewHistoryWriter(HistoryConfig{BatchSize: 100, FlushInterval: time.Hour}, sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.RecordQuote(quote("a"))
	cancel()
	<-done

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.batches, 1)
}

// ===== SOURCES =====

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string // key -> body
	etags   map[string]string
	gets    int
}

func (f *fakeS3) put(key, etag, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = body
	f.etags[key] = etag
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(key), ETag: aws.String(f.etags[key])})
		}
	}
	return out, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("no such key")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func TestS3SourceReadsChangedObjectsOnly(t *testing.T) {
	client := &fakeS3{objects: map[string]string{}, etags: map[string]string{}}
	client.put("feeds/monday.jsonl", "v1", `{"ingredient_id":"egg","amount":"3.00","unit":"dozen"}`)
	client.put("other/ignored.jsonl", "v1", `{"ingredient_id":"caviar","amount":"99"}`)
	src := NewS3Source(client, "prices", "feeds/")

	quotes, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "s3:feeds/monday.jsonl", quotes[0].SourceID)

	quotes, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, quotes)
	assert.Equal(t, 1, client.gets)

	client.put("feeds/monday.jsonl", "v2", `{"ingredient_id":"egg","source_id":"farm","amount":"2.80","unit":"dozen"}`)
	quotes, err = src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, "farm", quotes[0].SourceID)
}

func TestS3SourceRetriesAfterBadObject(t *testing.T) {
	client := &fakeS3{objects: map[string]string{}, etags: map[string]string{}}
	client.put("feeds/bad.jsonl", "v1", "{broken")
	src := NewS3Source(client, "prices", "feeds/")

	_, err := src.Fetch(context.Background())
	require.Error(t, err)

	client.put("feeds/bad.jsonl", "v1", `{"ingredient_id":"egg","amount":"3"}`)
	quotes, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, quotes, 1)
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("X-Supplier-Key"))
		_, _ = w.Write([]byte(`[{"ingredient_id":"flour","amount":"4.50","unit":"bag"}]`))
	}))
	defer srv.Close()

	src := NewHTTPSource(platform.NewHTTPClient(0, time.Second), srv.URL, map[string]string{"X-Supplier-Key": "secret"})
	quotes, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, srv.URL, quotes[0].SourceID)
	assert.Equal(t, srv.URL, src.Name())
}

// ===== POLLER =====

type scriptedSource struct {
	mu     sync.Mutex
	calls  int
	quotes []pricefeed.Quote
	err    error
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) Fetch(context.Context) ([]pricefeed.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.quotes, s.err
}

func TestPollerIngestsIntoFeed(t *testing.T) {
	feed := pricefeed.NewStore(pricefeed.DefaultConfig(), units.NewTable())
	src := &scriptedSource{quotes: []pricefeed.Quote{
		{IngredientID: "egg", SourceID: "farm", Amount: decimal.RequireFromString("3"), Unit: units.Dozen},
		{IngredientID: "egg", SourceID: "farm", Amount: decimal.RequireFromString("-1"), Unit: units.Dozen},
	}}
	p := NewPoller(PollerConfig{FailureThreshold: 3, OpenTimeout: time.Minute}, src, feed)

	res, err := p.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PollResult{Source: "scripted", Fetched: 2, Accepted: 1, Rejected: 1}, res)
	assert.Len(t, feed.Quotes("egg"), 1)
}

func TestPollerOpensBreakerAfterFailures(t *testing.T) {
	feed := pricefeed.NewStore(pricefeed.DefaultConfig(), units.NewTable())
	src := &scriptedSource{err: errors.New("supplier down")}
	p := NewPoller(PollerConfig{FailureThreshold: 2, OpenTimeout: time.Minute}, src, feed)

	for i := 0; i < 2; i++ {
		_, err := p.PollOnce(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, "open", p.BreakerState())

	_, err := p.PollOnce(context.Background())
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, src.calls, "an open breaker does not call the source")
}
