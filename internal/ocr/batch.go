package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

// RunBatch OCRs pages startPage..endPage (1-based, inclusive) of doc.
//
// The batch moves through planning, dispatching, up to MaxRetries retry rounds, offline fallback and
// aggregation. Only planning errors are returned; every later failure is recorded per page and the batch
// always completes with partial results. There is no internal cancellation: callers that need a deadline
// put it on ctx, and chunks still waiting for the gate then fail fast.
func (p *Pipeline) RunBatch(ctx context.Context, doc Document, startPage, endPage int, onProgress ProgressFunc) (*models.BatchResult, error) {
	started := p.now()
	report := &reporter{fn: onProgress}
	logCtx := slog.With("document", doc.Identity().Name, "startPage", startPage, "endPage", endPage)

	pageCount, err := doc.PageCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read page count: %w", err)
	}
	if startPage < 1 || endPage < startPage || endPage > pageCount {
		return nil, fmt.Errorf("%w: pages %d-%d of a %d page document", ErrInvalidRange, startPage, endPage, pageCount)
	}

	pages := make([]int, 0, endPage-startPage+1)
	for page := startPage; page <= endPage; page++ {
		pages = append(pages, page)
	}
	chunks := partition(pages, p.cfg.PagesPerChunk)
	logCtx.Info("Planned OCR batch.", "chunks", len(chunks), "pagesPerChunk", p.cfg.PagesPerChunk)
	report.emit("Your request will be processed in %d chunks of up to %d pages each, %d at a time",
		len(chunks), p.cfg.PagesPerChunk, p.cfg.ConcurrentRequests)

	gate := p.newGate(p.cfg.ConcurrentRequests)
	results := make(map[int]models.PageResult, len(pages))

	report.emit("Starting %d chunks", len(chunks))
	var done atomic.Int32
	onDone := func(chunk []int) {
		report.emit("Chunk %d of %d completed (pages %s)", done.Add(1), len(chunks), pageLabel(chunk))
	}
	for _, r := range p.dispatch(ctx, doc, chunks, gate, onDone) {
		results[r.Page] = r
	}

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		failed := failedPages(results)
		if len(failed) == 0 {
			break
		}
		report.emit("Retrying %d failed pages (attempt %d of %d)", len(failed), attempt, p.cfg.MaxRetries)
		recovered := 0
		for _, r := range p.retry(ctx, doc, failed, attempt, gate) {
			if r.Success {
				recovered++
			}
			results[r.Page] = r
		}
		if recovered > 0 {
			report.emit("Recovered %d pages on retry %d", recovered, attempt)
		}
	}

	if failed := failedPages(results); len(failed) > 0 {
		logCtx.Warn("Applying offline fallback.", "pages", len(failed))
		report.emit("Applying fallback extraction to %d pages", len(failed))
		for _, r := range failed {
			results[r.Page] = p.fallback(ctx, doc, r)
		}
	}

	batch := aggregate(startPage, endPage, results, p.now().Sub(started))
	p.sweepInBackground()

	logCtx.Info("OCR batch complete.",
		"llmPages", len(batch.LLMPages),
		"cachedPages", len(batch.CachedPages),
		"fallbackPages", len(batch.FallbackPages),
		"failedPages", len(batch.FailedPages),
		"retryCount", batch.RetryCount,
		"inputTokens", batch.TotalInputTokens,
		"outputTokens", batch.TotalOutputTokens,
		"elapsed", batch.ProcessingTime.String(),
	)
	report.emit("Processing complete! %.1f%% cache hit rate", batch.CacheHitRate*100)
	return batch, nil
}

// fallback resolves a page that exhausted its retries with offline extraction. Only an extractor error
// (or panic) leaves the page failed.
func (p *Pipeline) fallback(ctx context.Context, doc Document, failed models.PageResult) (res models.PageResult) {
	res = failed
	defer func() {
		if r := recover(); r != nil {
			res = failed
			res.Method = models.MethodFailed
			res.Error = fmt.Sprintf("fallback failed: panic: %v", r)
		}
	}()

	text, err := doc.ExtractOffline(ctx, failed.Page)
	if err != nil {
		res.Method = models.MethodFailed
		res.Error = fmt.Sprintf("fallback failed: %v (last OCR error: %s)", err, failed.Error)
		return res
	}
	res.Text = text
	res.Method = models.MethodOfflineFallback
	res.Success = true
	res.Error = ""
	res.InputTokens = 0
	res.OutputTokens = 0
	return res
}

// sweepInBackground starts a detached retention sweep unless one is already running.
func (p *Pipeline) sweepInBackground() {
	if p.cfg.CacheRetention <= 0 || !p.sweeping.CompareAndSwap(false, true) {
		return
	}
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		defer p.sweeping.Store(false)
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Cache sweep panicked.", "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		stats, err := p.cache.Sweep(ctx, p.cfg.CacheRetention)
		if err != nil {
			slog.Warn("Cache sweep failed.", "error", err)
			return
		}
		if stats.Expired > 0 || stats.Idle > 0 {
			slog.Info("Cleaned OCR cache entries.", "expired", stats.Expired, "idle", stats.Idle)
		}
	}()
}

func failedPages(results map[int]models.PageResult) []models.PageResult {
	var failed []models.PageResult
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Page < failed[j].Page })
	return failed
}

func aggregate(startPage, endPage int, results map[int]models.PageResult, elapsed time.Duration) *models.BatchResult {
	ordered := make([]models.PageResult, 0, len(results))
	for _, r := range results {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Page < ordered[j].Page })

	b := &models.BatchResult{
		StartPage:      startPage,
		EndPage:        endPage,
		PagesProcessed: len(ordered),
		ProcessingTime: elapsed,
	}
	for _, r := range ordered {
		text := r.Text
		if !r.Success {
			text = fmt.Sprintf("[Page %d could not be processed: %s]", r.Page, r.Error)
		}
		b.TextParts = append(b.TextParts, models.PageMarker(r.Page)+"\n"+text)
		b.TotalInputTokens += r.InputTokens
		b.TotalOutputTokens += r.OutputTokens
		b.RetryCount += r.RetryCount

		switch r.Method {
		case models.MethodCached:
			b.CachedPages = append(b.CachedPages, r.Page)
		case models.MethodLLM:
			b.LLMPages = append(b.LLMPages, r.Page)
		case models.MethodOfflineFallback:
			b.FallbackPages = append(b.FallbackPages, r.Page)
		}
		if r.Success {
			b.SuccessfulPages = append(b.SuccessfulPages, r.Page)
		} else {
			b.FailedPages = append(b.FailedPages, models.FailedPage{Page: r.Page, Error: r.Error})
		}
		if r.Degraded {
			b.DegradedPages = append(b.DegradedPages, r.Page)
		}
		b.Details = append(b.Details, models.PageDetail{
			Page:         r.Page,
			Method:       r.Method.Label(),
			InputTokens:  r.InputTokens,
			OutputTokens: r.OutputTokens,
			Cached:       r.Method == models.MethodCached,
			RetryCount:   r.RetryCount,
		})
	}
	b.FullText = strings.Join(b.TextParts, "\n\n")
	if len(ordered) > 0 {
		b.CacheHitRate = float64(len(b.CachedPages)) / float64(len(ordered))
	}
	b.Summary = summarize(b)
	return b
}

func summarize(b *models.BatchResult) string {
	var parts []string
	if n := len(b.LLMPages); n > 0 {
		parts = append(parts, fmt.Sprintf("%d pages with fresh LLM OCR", n))
	}
	if n := len(b.CachedPages); n > 0 {
		parts = append(parts, fmt.Sprintf("%d pages from cache", n))
	}
	if n := len(b.FallbackPages); n > 0 {
		parts = append(parts, fmt.Sprintf("%d pages with fallback extraction", n))
	}
	if n := len(b.FailedPages); n > 0 {
		parts = append(parts, fmt.Sprintf("%d pages failed", n))
	}
	return fmt.Sprintf("Processed pages %d-%d: %s", b.StartPage, b.EndPage, strings.Join(parts, ", "))
}
