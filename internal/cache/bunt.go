package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

const (
	keyPrefix           = "ocr:"
	indexCreatedAt      = "createdAt"
	indexLastAccessedAt = "lastAccessedAt"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// buntRecord is the on-disk form of a CacheEntry. Timestamps are unix milliseconds so the JSON
// indexes order them numerically.
type buntRecord struct {
	Text           string `json:"text"`
	InputTokens    int    `json:"inputTokens"`
	OutputTokens   int    `json:"outputTokens"`
	CreatedAt      int64  `json:"createdAt"`
	LastAccessedAt int64  `json:"lastAccessedAt"`
	SourceDocName  string `json:"sourceDocName,omitempty"`
	FirstPage      int    `json:"firstPage,omitempty"`
}

// BuntStore is a cache backed by a buntdb file on local disk.
type BuntStore struct {
	db  *buntdb.DB
	now func() time.Time
}

// OpenBunt opens (or creates) the cache file at path. ":memory:" keeps the cache in memory only.
func OpenBunt(path string) (*BuntStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database %s: %w", path, err)
	}
	if err := db.CreateIndex(indexCreatedAt, keyPrefix+"*", buntdb.IndexJSON(indexCreatedAt)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create createdAt index: %w", err)
	}
	if err := db.CreateIndex(indexLastAccessedAt, keyPrefix+"*", buntdb.IndexJSON(indexLastAccessedAt)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lastAccessedAt index: %w", err)
	}
	return &BuntStore{db: db, now: time.Now}, nil
}

// Close flushes and closes the database file.
func (s *BuntStore) Close() error {
	return s.db.Close()
}

// Get returns the entry for key and bumps its last access time.
func (s *BuntStore) Get(_ context.Context, key string) (*models.CacheEntry, bool, error) {
	var rec buntRecord
	found := false
	err := s.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(keyPrefix + key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			return fmt.Errorf("corrupt cache record %s: %w", key, err)
		}
		rec.LastAccessedAt = s.now().UnixMilli()
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, _, err := tx.Set(keyPrefix+key, string(data), nil); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if !found {
		return nil, false, nil
	}
	return rec.toEntry(key), true, nil
}

// Put upserts the entry. The last writer wins and the creation time restarts.
func (s *BuntStore) Put(_ context.Context, entry models.CacheEntry) error {
	now := s.now().UnixMilli()
	rec := buntRecord{
		Text:           entry.Text,
		InputTokens:    entry.InputTokens,
		OutputTokens:   entry.OutputTokens,
		CreatedAt:      now,
		LastAccessedAt: now,
		SourceDocName:  entry.SourceDocName,
		FirstPage:      entry.FirstPage,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal cache record: %w", err)
	}
	err = s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(keyPrefix+entry.Key, string(data), nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", entry.Key, err)
	}
	return nil
}

// Sweep deletes entries created more than retention ago, then entries idle for more than twice that.
func (s *BuntStore) Sweep(_ context.Context, retention time.Duration) (models.SweepStats, error) {
	var stats models.SweepStats
	now := s.now()

	err := s.db.Update(func(tx *buntdb.Tx) error {
		n, err := deleteOlderThan(tx, indexCreatedAt, now.Add(-retention))
		if err != nil {
			return err
		}
		stats.Expired = n
		n, err = deleteOlderThan(tx, indexLastAccessedAt, now.Add(-2*retention))
		if err != nil {
			return err
		}
		stats.Idle = n
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("cache sweep: %w", err)
	}
	return stats, nil
}

func deleteOlderThan(tx *buntdb.Tx, index string, cutoff time.Time) (int, error) {
	pivot := fmt.Sprintf(`{"%s":%d}`, index, cutoff.UnixMilli())
	var keys []string
	err := tx.AscendLessThan(index, pivot, func(key, _ string) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		if _, err := tx.Delete(k); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
			return 0, err
		}
	}
	return len(keys), nil
}

// Stats counts entries, entries created in the last 24 hours and the tokens they hold.
func (s *BuntStore) Stats(_ context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	recent := s.now().Add(-24 * time.Hour).UnixMilli()

	err := s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		err := tx.AscendKeys(keyPrefix+"*", func(_, val string) bool {
			var rec buntRecord
			if err := json.Unmarshal([]byte(val), &rec); err != nil {
				iterErr = err
				return false
			}
			stats.TotalEntries++
			if rec.CreatedAt > recent {
				stats.RecentEntries++
			}
			stats.TotalTokensSaved += rec.InputTokens + rec.OutputTokens
			return true
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	if err != nil {
		return stats, fmt.Errorf("cache stats: %w", err)
	}
	return stats, nil
}

func (r buntRecord) toEntry(key string) *models.CacheEntry {
	return &models.CacheEntry{
		Key:            key,
		Text:           r.Text,
		InputTokens:    r.InputTokens,
		OutputTokens:   r.OutputTokens,
		CreatedAt:      time.UnixMilli(r.CreatedAt),
		LastAccessedAt: time.UnixMilli(r.LastAccessedAt),
		SourceDocName:  r.SourceDocName,
		FirstPage:      r.FirstPage,
	}
}
