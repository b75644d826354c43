package services

import (
	"fmt"
	"strconv"
	"time"

	"github.com/Lllllllleong/pdfocrflow/internal/gcp"
	"github.com/Lllllllleong/pdfocrflow/internal/ocr"
)

const (
	CacheBackendBunt      = "bunt"
	CacheBackendFirestore = "firestore"
)

// OCRConfig is everything the OCR functions read from the environment.
type OCRConfig struct {
	ProjectID       string
	Region          string
	Model           string
	Pipeline        ocr.Config
	CacheBackend    string
	CacheDBPath     string
	CacheCollection string
	OutputBucket    string
	BatchTimeout    time.Duration
	ProgressTTL     time.Duration
}

// LoadOCRConfig reads and validates the OCR environment. Unset variables take their defaults; malformed
// numbers are errors.
func LoadOCRConfig() (OCRConfig, error) {
	config := OCRConfig{
		ProjectID:       gcp.GetEnv("PROJECT_ID", ""),
		Region:          gcp.GetEnv("VERTEX_AI_REGION", "us-central1"),
		Model:           gcp.GetEnv("OCR_MODEL", "gemini-2.0-flash-001"),
		CacheBackend:    gcp.GetEnv("OCR_CACHE_BACKEND", CacheBackendBunt),
		CacheDBPath:     gcp.GetEnv("OCR_CACHE_DB_PATH", "data/ocr_cache.db"),
		CacheCollection: gcp.GetEnv("OCR_CACHE_COLLECTION", "ocr_cache"),
		OutputBucket:    gcp.GetEnv("OCR_OUTPUT_BUCKET", ""),
	}

	p := ocr.DefaultConfig()
	var (
		temperature                               float64
		maxTokens, timeout, retryDelay, retention int
		batchTimeout, progressTTL                 int
		err                                       error
	)
	if temperature, err = envFloat("OCR_TEMPERATURE", float64(p.Temperature)); err != nil {
		return config, err
	}
	if maxTokens, err = envInt("OCR_MAX_TOKENS", int(p.MaxOutputTokens)); err != nil {
		return config, err
	}
	if timeout, err = envInt("OCR_TIMEOUT", int(p.CallTimeout/time.Second)); err != nil {
		return config, err
	}
	if p.ConcurrentRequests, err = envInt("OCR_CONCURRENT_REQUESTS", p.ConcurrentRequests); err != nil {
		return config, err
	}
	if p.MaxRetries, err = envInt("OCR_MAX_RETRIES", p.MaxRetries); err != nil {
		return config, err
	}
	if retryDelay, err = envInt("OCR_RETRY_DELAY_BASE", int(p.RetryDelayBase/time.Second)); err != nil {
		return config, err
	}
	if p.PagesPerChunk, err = envInt("OCR_PAGES_PER_CHUNK", p.PagesPerChunk); err != nil {
		return config, err
	}
	if retention, err = envInt("OCR_CACHE_RETENTION_DAYS", 30); err != nil {
		return config, err
	}
	if batchTimeout, err = envInt("OCR_BATCH_TIMEOUT", 1800); err != nil {
		return config, err
	}
	if progressTTL, err = envInt("OCR_PROGRESS_TTL", 60); err != nil {
		return config, err
	}

	p.Temperature = float32(temperature)
	p.MaxOutputTokens = int32(maxTokens)
	p.CallTimeout = time.Duration(timeout) * time.Second
	p.RetryDelayBase = time.Duration(retryDelay) * time.Second
	p.CacheRetention = time.Duration(retention) * 24 * time.Hour
	config.Pipeline = p
	config.BatchTimeout = time.Duration(batchTimeout) * time.Second
	config.ProgressTTL = time.Duration(progressTTL) * time.Minute

	if err := p.Validate(); err != nil {
		return config, err
	}
	switch config.CacheBackend {
	case CacheBackendBunt, CacheBackendFirestore:
	default:
		return config, fmt.Errorf("OCR_CACHE_BACKEND must be %q or %q, got %q", CacheBackendBunt, CacheBackendFirestore, config.CacheBackend)
	}
	if config.BatchTimeout <= 0 {
		return config, fmt.Errorf("OCR_BATCH_TIMEOUT must be positive")
	}
	return config, nil
}

// RetentionDays is the cache retention in whole days.
func (c OCRConfig) RetentionDays() int {
	return int(c.Pipeline.CacheRetention / (24 * time.Hour))
}

func envInt(key string, fallback int) (int, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return v, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := gcp.GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 32)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return v, nil
}
