package models

import (
	"fmt"
	"time"
)

// Method records how a page's text was produced.
type Method string

const (
	MethodCached          Method = "cached"
	MethodLLM             Method = "llm"
	MethodOfflineFallback Method = "offlineFallback"
	MethodFailed          Method = "failed"
)

// Label is the human readable name shown in processing details.
func (m Method) Label() string {
	switch m {
	case MethodCached:
		return "Cached"
	case MethodLLM:
		return "LLM OCR"
	case MethodOfflineFallback:
		return "Offline Fallback"
	default:
		return "Failed"
	}
}

// PageResult is the outcome of one attempt at one page.
type PageResult struct {
	Page         int    `json:"page"`
	Text         string `json:"text,omitempty"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	Method       Method `json:"method"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	RetryCount   int    `json:"retryCount"`
	// Degraded is set when the model's response could not be split by page markers.
	Degraded bool `json:"degraded,omitempty"`
}

// FailedPage is a page that could not be recovered even by the offline extractor.
type FailedPage struct {
	Page  int    `json:"page"`
	Error string `json:"error"`
}

// PageDetail is the per-page telemetry row of a batch.
type PageDetail struct {
	Page         int    `json:"page"`
	Method       string `json:"method"`
	InputTokens  int    `json:"inputTokens"`
	OutputTokens int    `json:"outputTokens"`
	Cached       bool   `json:"cached"`
	RetryCount   int    `json:"retryCount"`
}

// BatchResult aggregates every PageResult of a PageRequest. It is built once and not modified afterwards.
type BatchResult struct {
	StartPage         int           `json:"startPage"`
	EndPage           int           `json:"endPage"`
	FullText          string        `json:"fullText"`
	TextParts         []string      `json:"textParts"`
	TotalInputTokens  int           `json:"totalInputTokens"`
	TotalOutputTokens int           `json:"totalOutputTokens"`
	SuccessfulPages   []int         `json:"successfulPages"`
	CachedPages       []int         `json:"cachedPages"`
	LLMPages          []int         `json:"llmPages"`
	FallbackPages     []int         `json:"fallbackPages"`
	DegradedPages     []int         `json:"degradedPages"`
	FailedPages       []FailedPage  `json:"failedPages"`
	RetryCount        int           `json:"retryCount"`
	PagesProcessed    int           `json:"pagesProcessed"`
	ProcessingTime    time.Duration `json:"processingTime"`
	CacheHitRate      float64       `json:"cacheHitRate"`
	Details           []PageDetail  `json:"details"`
	Summary           string        `json:"summary"`
}

// PageMarker is the header placed before each page's text, both in prompts and in the aggregated output.
func PageMarker(page int) string {
	return fmt.Sprintf("--- Page %d ---", page)
}
