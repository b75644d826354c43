package ocr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

// backoff is the wait before retry attempt n (1-based): base, 2*base, 4*base, ...
func (p *Pipeline) backoff(attempt int) time.Duration {
	return p.cfg.RetryDelayBase << (attempt - 1)
}

// retry waits out the backoff for attempt, regroups the failed pages into fresh chunks by page order and
// runs them through the batch's gate. Every returned result carries RetryCount = attempt.
func (p *Pipeline) retry(ctx context.Context, doc Document, failed []models.PageResult, attempt int, gate Gate) []models.PageResult {
	pages := make([]int, len(failed))
	for i, r := range failed {
		pages[i] = r.Page
	}
	sort.Ints(pages)

	delay := p.backoff(attempt)
	slog.Info("Retrying failed pages.", "document", doc.Identity().Name, "attempt", attempt, "pages", len(pages), "backoff", delay.String())

	var results []models.PageResult
	if err := p.sleep(ctx, delay); err != nil {
		results = failedResults(pages, fmt.Errorf("retry %d abandoned: %w", attempt, err))
	} else {
		results = p.dispatch(ctx, doc, partition(pages, p.cfg.PagesPerChunk), gate, nil)
	}
	for i := range results {
		results[i].RetryCount = attempt
	}
	return results
}

// dispatch runs every chunk concurrently and flattens the results. Chunks are isolated from each other:
// processChunk never fails, so the group never cancels siblings.
func (p *Pipeline) dispatch(ctx context.Context, doc Document, chunks [][]int, gate Gate, onDone func(chunk []int)) []models.PageResult {
	perChunk := make([][]models.PageResult, len(chunks))
	var g errgroup.Group
	for i, chunk := range chunks {
		g.Go(func() error {
			perChunk[i] = p.processChunk(ctx, doc, chunk, gate)
			if onDone != nil {
				onDone(chunk)
			}
			return nil
		})
	}
	_ = g.Wait()

	var results []models.PageResult
	for _, r := range perChunk {
		results = append(results, r...)
	}
	return results
}

// partition cuts pages into consecutive chunks of at most size pages, preserving order.
func partition(pages []int, size int) [][]int {
	var chunks [][]int
	for start := 0; start < len(pages); start += size {
		end := min(start+size, len(pages))
		chunks = append(chunks, append([]int(nil), pages[start:end]...))
	}
	return chunks
}
