package ocr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/pdfocrflow/internal/cache"
	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

// fakeDoc renders a subset as "pages=3,4" so the fake model can tell which pages it was sent.
type fakeDoc struct {
	pages        int
	offlineErrs  map[int]error
	offlineCalls atomic.Int32
}

func (d *fakeDoc) Identity() models.DocumentIdentity {
	return models.DocumentIdentity{
		Name:    "manual.pdf",
		Size:    4096,
		ModTime: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (d *fakeDoc) MIMEType() string { return "application/pdf" }

func (d *fakeDoc) PageCount(context.Context) (int, error) { return d.pages, nil }

func (d *fakeDoc) RenderSubset(_ context.Context, pages []int) ([]byte, error) {
	parts := make([]string, len(pages))
	for i, p := range pages {
		if p < 1 || p > d.pages {
			return nil, fmt.Errorf("page %d out of range", p)
		}
		parts[i] = strconv.Itoa(p)
	}
	return []byte("pages=" + strings.Join(parts, ",")), nil
}

func (d *fakeDoc) ExtractOffline(_ context.Context, page int) (string, error) {
	d.offlineCalls.Add(1)
	if err := d.offlineErrs[page]; err != nil {
		return "", err
	}
	return fmt.Sprintf("offline text %d", page), nil
}

type fakeLLM struct {
	mu    sync.Mutex
	calls map[string]int
	// fail decides whether the n-th call (1-based) for a chunk fails.
	fail func(pages []int, n int) error
	// respond overrides the default marker-formatted response.
	respond func(pages []int, n int) string
	delay   time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{calls: make(map[string]int)}
}

func (f *fakeLLM) Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		prev := f.maxInflight.Load()
		if n <= prev || f.maxInflight.CompareAndSwap(prev, n) {
			break
		}
	}

	var pages []int
	for _, s := range strings.Split(strings.TrimPrefix(string(req.Document), "pages="), ",") {
		p, err := strconv.Atoi(s)
		if err != nil {
			return nil, err
		}
		pages = append(pages, p)
	}

	f.mu.Lock()
	label := pageLabel(pages)
	f.calls[label]++
	call := f.calls[label]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.fail != nil {
		if err := f.fail(pages, call); err != nil {
			return nil, err
		}
	}

	var text string
	if f.respond != nil {
		text = f.respond(pages, call)
	} else {
		var sb strings.Builder
		for _, p := range pages {
			fmt.Fprintf(&sb, "%s\nText of page %d\n\n", models.PageMarker(p), p)
		}
		text = sb.String()
	}
	return &models.Completion{Text: text, InputTokens: 100 * len(pages), OutputTokens: 10 * len(pages)}, nil
}

func (f *fakeLLM) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

func (f *fakeLLM) callsFor(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[label]
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	getErr  error
	putErr  error
	sweeps  atomic.Int32
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]models.CacheEntry)}
}

func (c *memCache) Get(_ context.Context, key string) (*models.CacheEntry, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *memCache) Put(_ context.Context, entry models.CacheEntry) error {
	if c.putErr != nil {
		return c.putErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.Key] = entry
	return nil
}

func (c *memCache) Sweep(context.Context, time.Duration) (models.SweepStats, error) {
	c.sweeps.Add(1)
	return models.SweepStats{}, nil
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PagesPerChunk = 2
	cfg.ConcurrentRequests = 3
	cfg.CallTimeout = 5 * time.Second
	cfg.CacheRetention = 0
	return cfg
}

func newTestPipeline(t *testing.T, llm Completer, c Cache, cfg Config, opts ...Option) (*Pipeline, *recordedSleeps) {
	t.Helper()
	sleeps := &recordedSleeps{}
	p, err := New(llm, c, cfg, append([]Option{WithSleep(sleeps.sleep)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(p.Wait)
	return p, sleeps
}

func resultFor(t *testing.T, b *models.BatchResult, page int) models.PageDetail {
	t.Helper()
	for _, d := range b.Details {
		if d.Page == page {
			return d
		}
	}
	t.Fatalf("no detail for page %d", page)
	return models.PageDetail{}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, nil, DefaultConfig())
	assert.Error(t, err)
}

func TestRunBatchFreshPages(t *testing.T) {
	llm := newFakeLLM()
	p, sleeps := newTestPipeline(t, llm, newMemCache(), testConfig())

	batch, err := p.RunBatch(context.Background(), &fakeDoc{pages: 10}, 1, 5, nil)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"1-2": 1, "3-4": 1, "5": 1}, llm.calls)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, batch.LLMPages)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, batch.SuccessfulPages)
	assert.Empty(t, batch.CachedPages)
	assert.Empty(t, batch.FailedPages)
	assert.Zero(t, batch.CacheHitRate)
	assert.Zero(t, batch.RetryCount)
	assert.Empty(t, sleeps.delays)
	assert.Equal(t, 5, batch.PagesProcessed)
	assert.Equal(t, 500, batch.TotalInputTokens)
	assert.Equal(t, 50, batch.TotalOutputTokens)
	assert.Equal(t, "Processed pages 1-5: 5 pages with fresh LLM OCR", batch.Summary)

	require.Len(t, batch.TextParts, 5)
	assert.Equal(t, "--- Page 1 ---\nText of page 1", batch.TextParts[0])
	assert.Equal(t, strings.Join(batch.TextParts, "\n\n"), batch.FullText)
	assert.Less(t, strings.Index(batch.FullText, "--- Page 4 ---"), strings.Index(batch.FullText, "--- Page 5 ---"))

	detail := resultFor(t, batch, 3)
	assert.Equal(t, "LLM OCR", detail.Method)
	assert.False(t, detail.Cached)
	assert.Equal(t, 100, detail.InputTokens)
}

func TestRunBatchRepeatServedFromCache(t *testing.T) {
	store, err := cache.OpenBunt(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	llm := newFakeLLM()
	p, _ := newTestPipeline(t, llm, store, testConfig())
	doc := &fakeDoc{pages: 10}

	first, err := p.RunBatch(context.Background(), doc, 1, 5, nil)
	require.NoError(t, err)
	second, err := p.RunBatch(context.Background(), doc, 1, 5, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, llm.totalCalls())
	assert.Equal(t, []int{1, 2, 3, 4, 5}, second.CachedPages)
	assert.Empty(t, second.LLMPages)
	assert.Equal(t, 1.0, second.CacheHitRate)
	assert.Equal(t, first.FullText, second.FullText)
	assert.Equal(t, first.TotalInputTokens, second.TotalInputTokens)
	assert.Equal(t, "Processed pages 1-5: 5 pages from cache", second.Summary)
	assert.True(t, resultFor(t, second, 2).Cached)
}

func TestRunBatchRetryRecovers(t *testing.T) {
	llm := newFakeLLM()
	llm.fail = func(pages []int, n int) error {
		if pages[0] == 3 && n <= 2 {
			return context.DeadlineExceeded
		}
		return nil
	}
	p, sleeps := newTestPipeline(t, llm, newMemCache(), testConfig())

	batch, err := p.RunBatch(context.Background(), &fakeDoc{pages: 10}, 1, 5, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, llm.callsFor("3-4"))
	assert.Equal(t, []int{1, 2, 3, 4, 5}, batch.LLMPages)
	assert.Empty(t, batch.FallbackPages)
	for _, page := range []int{3, 4} {
		d := resultFor(t, batch, page)
		assert.Equal(t, "LLM OCR", d.Method)
		assert.Equal(t, 2, d.RetryCount)
	}
	assert.Zero(t, resultFor(t, batch, 1).RetryCount)
	assert.GreaterOrEqual(t, batch.RetryCount, 2)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps.delays)
}

func TestRunBatchFallbackAfterMaxRetries(t *testing.T) {
	llm := newFakeLLM()
	llm.fail = func(pages []int, _ int) error {
		for _, p := range pages {
			if p == 7 {
				return errors.New("rate limited")
			}
		}
		return nil
	}
	cfg := testConfig()
	cfg.PagesPerChunk = 1
	p, sleeps := newTestPipeline(t, llm, newMemCache(), cfg)
	doc := &fakeDoc{pages: 10}

	batch, err := p.RunBatch(context.Background(), doc, 5, 8, nil)
	require.NoError(t, err)

	assert.Equal(t, 1+cfg.MaxRetries, llm.callsFor("7"))
	assert.Len(t, sleeps.delays, cfg.MaxRetries)
	assert.Equal(t, []int{7}, batch.FallbackPages)
	assert.Equal(t, []int{5, 6, 8}, batch.LLMPages)
	assert.Equal(t, []int{5, 6, 7, 8}, batch.SuccessfulPages)
	assert.Empty(t, batch.FailedPages)
	assert.EqualValues(t, 1, doc.offlineCalls.Load())

	d := resultFor(t, batch, 7)
	assert.Equal(t, "Offline Fallback", d.Method)
	assert.Equal(t, cfg.MaxRetries, d.RetryCount)
	assert.Zero(t, d.InputTokens)
	assert.Contains(t, batch.FullText, "--- Page 7 ---\noffline text 7")
	assert.Equal(t, "Processed pages 5-8: 3 pages with fresh LLM OCR, 1 pages with fallback extraction", batch.Summary)
}

func TestRunBatchHardFailureKeepsPartialResults(t *testing.T) {
	llm := newFakeLLM()
	llm.fail = func(pages []int, _ int) error {
		if pages[0] == 2 {
			return errors.New("backend unavailable")
		}
		return nil
	}
	cfg := testConfig()
	cfg.PagesPerChunk = 1
	cfg.MaxRetries = 1
	p, _ := newTestPipeline(t, llm, newMemCache(), cfg)
	doc := &fakeDoc{pages: 3, offlineErrs: map[int]error{2: errors.New("corrupt page")}}

	batch, err := p.RunBatch(context.Background(), doc, 1, 3, nil)
	require.NoError(t, err)

	require.Len(t, batch.FailedPages, 1)
	assert.Equal(t, 2, batch.FailedPages[0].Page)
	assert.Contains(t, batch.FailedPages[0].Error, "corrupt page")
	assert.Equal(t, []int{1, 3}, batch.SuccessfulPages)
	assert.Contains(t, batch.FullText, "--- Page 2 ---\n[Page 2 could not be processed:")
	assert.Equal(t, "Failed", resultFor(t, batch, 2).Method)
	assert.Contains(t, batch.Summary, "1 pages failed")
}

func TestRunBatchInvalidRange(t *testing.T) {
	tests := []struct {
		name       string
		start, end int
	}{
		{"zero start", 0, 3},
		{"end before start", 4, 3},
		{"past last page", 5, 11},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := newFakeLLM()
			p, _ := newTestPipeline(t, llm, newMemCache(), testConfig())
			_, err := p.RunBatch(context.Background(), &fakeDoc{pages: 10}, tt.start, tt.end, nil)
			assert.ErrorIs(t, err, ErrInvalidRange)
			assert.Zero(t, llm.totalCalls())
		})
	}
}

func TestRunBatchBoundsConcurrency(t *testing.T) {
	llm := newFakeLLM()
	llm.delay = 20 * time.Millisecond
	cfg := testConfig()
	cfg.PagesPerChunk = 1
	cfg.ConcurrentRequests = 2

	var gates atomic.Int32
	p, _ := newTestPipeline(t, llm, newMemCache(), cfg, WithGateFactory(func(n int) Gate {
		gates.Add(1)
		return NewGate(n)
	}))

	batch, err := p.RunBatch(context.Background(), &fakeDoc{pages: 10}, 1, 10, nil)
	require.NoError(t, err)

	assert.Len(t, batch.LLMPages, 10)
	assert.LessOrEqual(t, llm.maxInflight.Load(), int32(2))
	assert.Positive(t, llm.maxInflight.Load())
	assert.EqualValues(t, 1, gates.Load())
}

func TestRunBatchCacheErrorsFailOpen(t *testing.T) {
	llm := newFakeLLM()
	c := newMemCache()
	c.getErr = errors.New("cache offline")
	c.putErr = errors.New("cache offline")
	p, _ := newTestPipeline(t, llm, c, testConfig())

	batch, err := p.RunBatch(context.Background(), &fakeDoc{pages: 4}, 1, 4, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, batch.LLMPages)
	assert.Empty(t, batch.FailedPages)
}

func TestRunBatchUnmarkedResponseIsDegradedNotRetried(t *testing.T) {
	llm := newFakeLLM()
	llm.respond = func([]int, int) string { return "one blob of text" }
	p, _ := newTestPipeline(t, llm, newMemCache(), testConfig())

	batch, err := p.RunBatch(context.Background(), &fakeDoc{pages: 2}, 1, 2, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, llm.totalCalls())
	assert.Equal(t, []int{1, 2}, batch.SuccessfulPages)
	assert.Equal(t, []int{1, 2}, batch.DegradedPages)
	assert.Contains(t, batch.TextParts[0], "one blob of text")
	assert.Contains(t, batch.TextParts[1], "parsing failed")
	assert.Zero(t, batch.RetryCount)
}

func TestRunBatchEmptyResponseIsRetried(t *testing.T) {
	llm := newFakeLLM()
	llm.respond = func(pages []int, n int) string {
		if n == 1 {
			return "   "
		}
		return fmt.Sprintf("text %d", pages[0])
	}
	cfg := testConfig()
	cfg.PagesPerChunk = 1
	p, _ := newTestPipeline(t, llm, newMemCache(), cfg)

	batch, err := p.RunBatch(context.Background(), &fakeDoc{pages: 1}, 1, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, batch.LLMPages)
	assert.Equal(t, 1, batch.RetryCount)
	assert.Equal(t, "--- Page 1 ---\ntext 1", batch.FullText)
}

func TestRunBatchCanceledContextFallsBack(t *testing.T) {
	llm := newFakeLLM()
	p, _ := newTestPipeline(t, llm, newMemCache(), testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := p.RunBatch(ctx, &fakeDoc{pages: 3}, 1, 3, nil)
	require.NoError(t, err)
	assert.Zero(t, llm.totalCalls())
	assert.Equal(t, []int{1, 2, 3}, batch.FallbackPages)
}

func TestRunBatchProgress(t *testing.T) {
	var messages []string
	p, _ := newTestPipeline(t, newFakeLLM(), newMemCache(), testConfig())

	_, err := p.RunBatch(context.Background(), &fakeDoc{pages: 10}, 1, 5, func(msg string) {
		messages = append(messages, msg)
	})
	require.NoError(t, err)

	require.NotEmpty(t, messages)
	assert.Contains(t, messages[0], "3 chunks")
	assert.Equal(t, "Processing complete! 0.0% cache hit rate", messages[len(messages)-1])
	completed := 0
	for _, m := range messages {
		if strings.HasPrefix(m, "Chunk ") && strings.Contains(m, " of 3 completed") {
			completed++
		}
	}
	assert.Equal(t, 3, completed)
}

func TestRunBatchSweepsCacheInBackground(t *testing.T) {
	c := newMemCache()
	cfg := testConfig()
	cfg.CacheRetention = 24 * time.Hour
	p, _ := newTestPipeline(t, newFakeLLM(), c, cfg)

	_, err := p.RunBatch(context.Background(), &fakeDoc{pages: 2}, 1, 2, nil)
	require.NoError(t, err)
	p.Wait()
	assert.EqualValues(t, 1, c.sweeps.Load())
}
