package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/pdfocrflow/internal/cache"
	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

var errEmptyCompletion = errors.New("ocr call returned no text")

// processChunk OCRs one chunk while holding exactly one gate slot. It always returns one result per page
// and never panics: every failure becomes a failed result for the whole chunk.
func (p *Pipeline) processChunk(ctx context.Context, doc Document, pages []int, gate Gate) (results []models.PageResult) {
	if err := gate.Acquire(ctx); err != nil {
		return failedResults(pages, fmt.Errorf("waiting for a request slot: %w", err))
	}
	defer gate.Release()
	defer func() {
		if r := recover(); r != nil {
			results = failedResults(pages, fmt.Errorf("chunk task panicked: %v", r))
		}
	}()

	id := doc.Identity()
	logCtx := slog.With("document", id.Name, "pages", pageLabel(pages))
	key := cache.HashKey(id, pages)

	entry, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		logCtx.Warn("Cache lookup failed, treating as miss.", "error", err)
	}
	if err == nil && ok {
		logCtx.Debug("Cache hit.")
		return splitResults(entry.Text, pages, entry.InputTokens, entry.OutputTokens, models.MethodCached, logCtx)
	}

	data, err := doc.RenderSubset(ctx, pages)
	if err != nil {
		return failedResults(pages, fmt.Errorf("failed to build page subset: %w", err))
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	comp, err := p.llm.Complete(callCtx, models.CompletionRequest{
		Prompt:          BuildPrompt(pages),
		Document:        data,
		MIMEType:        doc.MIMEType(),
		MaxOutputTokens: p.cfg.MaxOutputTokens,
		Temperature:     p.cfg.Temperature,
	})
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("ocr call timed out after %s: %w", p.cfg.CallTimeout, err)
		}
		logCtx.Warn("OCR call failed.", "error", err)
		return failedResults(pages, err)
	}
	if comp == nil || strings.TrimSpace(comp.Text) == "" {
		return failedResults(pages, errEmptyCompletion)
	}

	err = p.cache.Put(ctx, models.CacheEntry{
		Key:           key,
		Text:          comp.Text,
		InputTokens:   comp.InputTokens,
		OutputTokens:  comp.OutputTokens,
		SourceDocName: id.Name,
		FirstPage:     pages[0],
	})
	if err != nil {
		logCtx.Warn("Failed to save OCR result to cache.", "error", err)
	}

	return splitResults(comp.Text, pages, comp.InputTokens, comp.OutputTokens, models.MethodLLM, logCtx)
}

// splitResults turns one chunk response into per-page results. Token counts are shared out with integer
// division; remainders are dropped.
func splitResults(text string, pages []int, inputTokens, outputTokens int, method models.Method, logCtx *slog.Logger) []models.PageResult {
	parsed := ParseResponse(text, pages)
	if len(parsed.Degraded) > 0 {
		logCtx.Warn("Response did not follow page markers; pages degraded.", "degraded", len(parsed.Degraded))
	}
	n := len(pages)
	results := make([]models.PageResult, n)
	for i, page := range pages {
		results[i] = models.PageResult{
			Page:         page,
			Text:         parsed.Text[page],
			InputTokens:  inputTokens / n,
			OutputTokens: outputTokens / n,
			Method:       method,
			Success:      true,
			Degraded:     parsed.Degraded[page],
		}
	}
	return results
}

func failedResults(pages []int, err error) []models.PageResult {
	results := make([]models.PageResult, len(pages))
	for i, page := range pages {
		results[i] = models.PageResult{
			Page:    page,
			Method:  models.MethodFailed,
			Success: false,
			Error:   err.Error(),
		}
	}
	return results
}
