// Package ocr runs LLM OCR over page ranges of a document: chunked, cached, bounded in concurrency,
// retried with backoff and backed by offline extraction when the model keeps failing.
package ocr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

// ErrInvalidRange is returned before any work starts when the requested pages do not fit the document.
var ErrInvalidRange = errors.New("invalid page range")

// Document is a page-addressable source document.
type Document interface {
	Identity() models.DocumentIdentity
	MIMEType() string
	PageCount(ctx context.Context) (int, error)
	RenderSubset(ctx context.Context, pages []int) ([]byte, error)
	// ExtractOffline returns best-effort text for a page without an LLM. An error means the page cannot
	// be recovered at all.
	ExtractOffline(ctx context.Context, page int) (string, error)
}

// Completer performs one OCR call. It must fail rather than return an empty success.
type Completer interface {
	Complete(ctx context.Context, req models.CompletionRequest) (*models.Completion, error)
}

// Cache persists chunk responses. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) (*models.CacheEntry, bool, error)
	Put(ctx context.Context, entry models.CacheEntry) error
	Sweep(ctx context.Context, retention time.Duration) (models.SweepStats, error)
}

// ProgressFunc receives human readable progress messages. Calls are serialised.
type ProgressFunc func(message string)

const sweepTimeout = 5 * time.Minute

// Pipeline runs OCR batches. One Pipeline serves many batches concurrently.
type Pipeline struct {
	llm     Completer
	cache   Cache
	cfg     Config
	newGate func(n int) Gate
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time

	sweeping   atomic.Bool
	background sync.WaitGroup
}

type Option func(*Pipeline)

// WithGateFactory replaces the semaphore gate created for each batch.
func WithGateFactory(f func(n int) Gate) Option {
	return func(p *Pipeline) { p.newGate = f }
}

// WithSleep replaces the backoff wait between retry attempts.
func WithSleep(f func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = f }
}

// New builds a Pipeline. A nil cache disables caching.
func New(llm Completer, cache Cache, cfg Config, opts ...Option) (*Pipeline, error) {
	if llm == nil {
		return nil, fmt.Errorf("an OCR client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid OCR config: %w", err)
	}
	if cache == nil {
		cache = noCache{}
	}
	p := &Pipeline{
		llm:     llm,
		cache:   cache,
		cfg:     cfg,
		newGate: NewGate,
		sleep:   sleepContext,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Wait blocks until background cache sweeps started by finished batches are done.
func (p *Pipeline) Wait() {
	p.background.Wait()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type noCache struct{}

func (noCache) Get(context.Context, string) (*models.CacheEntry, bool, error) { return nil, false, nil }

func (noCache) Put(context.Context, models.CacheEntry) error { return nil }

func (noCache) Sweep(context.Context, time.Duration) (models.SweepStats, error) {
	return models.SweepStats{}, nil
}

// reporter serialises progress callbacks coming from concurrent chunk tasks.
type reporter struct {
	mu sync.Mutex
	fn ProgressFunc
}

func (r *reporter) emit(format string, args ...any) {
	if r.fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fn(fmt.Sprintf(format, args...))
}
