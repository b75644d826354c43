package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

// FirestoreStore is a cache backed by one Firestore collection, for deployments without durable local disk.
// Each entry is a document whose ID is the cache key.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// NewFirestoreStore wraps an existing client.
func NewFirestoreStore(client *firestore.Client, collection string) *FirestoreStore {
	return &FirestoreStore{client: client, collection: collection, now: time.Now}
}

// Get returns the entry for key and bumps its last access time. A failed bump is logged and the entry is
// still returned.
func (s *FirestoreStore) Get(ctx context.Context, key string) (*models.CacheEntry, bool, error) {
	ref := s.client.Collection(s.collection).Doc(key)
	snap, err := ref.Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache document %s: %w", key, err)
	}

	var entry models.CacheEntry
	if err := snap.DataTo(&entry); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache document %s: %w", key, err)
	}
	entry.Key = key

	now := s.now()
	if _, err := ref.Update(ctx, []firestore.Update{{Path: "lastAccessedAt", Value: now}}); err != nil {
		// The entry is still usable; only its idle clock is stale.
		slog.Warn("Failed to bump cache access time.", "key", key, "error", err)
	} else {
		entry.LastAccessedAt = now
	}
	return &entry, true, nil
}

// Put upserts entry; both timestamps restart at now.
func (s *FirestoreStore) Put(ctx context.Context, entry models.CacheEntry) error {
	now := s.now()
	entry.CreatedAt = now
	entry.LastAccessedAt = now
	if _, err := s.client.Collection(s.collection).Doc(entry.Key).Set(ctx, entry); err != nil {
		return fmt.Errorf("failed to write cache document %s: %w", entry.Key, err)
	}
	return nil
}

// Sweep deletes entries created more than retention ago, then entries idle for more than twice that.
func (s *FirestoreStore) Sweep(ctx context.Context, retention time.Duration) (models.SweepStats, error) {
	var stats models.SweepStats
	now := s.now()

	n, err := s.deleteOlderThan(ctx, "createdAt", now.Add(-retention))
	stats.Expired = n
	if err != nil {
		return stats, err
	}
	n, err = s.deleteOlderThan(ctx, "lastAccessedAt", now.Add(-2*retention))
	stats.Idle = n
	return stats, err
}

func (s *FirestoreStore) deleteOlderThan(ctx context.Context, field string, cutoff time.Time) (int, error) {
	iter := s.client.Collection(s.collection).Where(field, "<", cutoff).Documents(ctx)
	defer iter.Stop()

	deleted := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("failed to query cache by %s: %w", field, err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return deleted, fmt.Errorf("failed to delete cache document %s: %w", doc.Ref.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// Stats counts entries, entries created in the last 24 hours and the tokens they hold.
func (s *FirestoreStore) Stats(ctx context.Context) (models.CacheStats, error) {
	var stats models.CacheStats
	recent := s.now().Add(-24 * time.Hour)

	iter := s.client.Collection(s.collection).Select("inputTokens", "outputTokens", "createdAt").Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("failed to scan cache collection: %w", err)
		}
		var entry models.CacheEntry
		if err := doc.DataTo(&entry); err != nil {
			return stats, fmt.Errorf("failed to decode cache document %s: %w", doc.Ref.ID, err)
		}
		stats.TotalEntries++
		if entry.CreatedAt.After(recent) {
			stats.RecentEntries++
		}
		stats.TotalTokensSaved += entry.InputTokens + entry.OutputTokens
	}
	return stats, nil
}

// Close closes the underlying client.
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
