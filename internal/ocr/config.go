package ocr

import (
	"fmt"
	"time"
)

// Config tunes the batch pipeline.
type Config struct {
	Temperature        float32
	MaxOutputTokens    int32
	CallTimeout        time.Duration
	ConcurrentRequests int
	MaxRetries         int
	RetryDelayBase     time.Duration
	PagesPerChunk      int
	// CacheRetention drives the post-batch sweep; zero disables it.
	CacheRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		Temperature:        0.1,
		MaxOutputTokens:    8192,
		CallTimeout:        120 * time.Second,
		ConcurrentRequests: 5,
		MaxRetries:         3,
		RetryDelayBase:     2 * time.Second,
		PagesPerChunk:      4,
		CacheRetention:     30 * 24 * time.Hour,
	}
}

func (c Config) Validate() error {
	switch {
	case c.ConcurrentRequests < 1:
		return fmt.Errorf("concurrent requests must be at least 1, got %d", c.ConcurrentRequests)
	case c.PagesPerChunk < 1:
		return fmt.Errorf("pages per chunk must be at least 1, got %d", c.PagesPerChunk)
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries)
	case c.CallTimeout <= 0:
		return fmt.Errorf("call timeout must be positive, got %s", c.CallTimeout)
	case c.RetryDelayBase < 0:
		return fmt.Errorf("retry delay base cannot be negative, got %s", c.RetryDelayBase)
	case c.MaxOutputTokens < 1:
		return fmt.Errorf("max output tokens must be positive, got %d", c.MaxOutputTokens)
	}
	return nil
}
