package ocr

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds how many chunk tasks run at once. Initial chunks and retries share one Gate per batch.
type Gate interface {
	Acquire(ctx context.Context) error
	Release()
}

type semaphoreGate struct {
	sem *semaphore.Weighted
}

// NewGate returns a Gate admitting at most n holders.
func NewGate(n int) Gate {
	return &semaphoreGate{sem: semaphore.NewWeighted(int64(n))}
}

func (g *semaphoreGate) Acquire(ctx context.Context) error { return g.sem.Acquire(ctx, 1) }

func (g *semaphoreGate) Release() { g.sem.Release(1) }
