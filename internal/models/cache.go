package models

import "time"

// CacheEntry is one persisted OCR result, keyed by the hash of a document identity and a page set.
type CacheEntry struct {
	Key            string    `firestore:"key" json:"key"`
	Text           string    `firestore:"text" json:"text"`
	InputTokens    int       `firestore:"inputTokens" json:"inputTokens"`
	OutputTokens   int       `firestore:"outputTokens" json:"outputTokens"`
	CreatedAt      time.Time `firestore:"createdAt" json:"-"`
	LastAccessedAt time.Time `firestore:"lastAccessedAt" json:"-"`
	SourceDocName  string    `firestore:"sourceDocName,omitempty" json:"sourceDocName,omitempty"`
	FirstPage      int       `firestore:"firstPage,omitempty" json:"firstPage,omitempty"`
}

// CacheStats summarises the cache contents.
type CacheStats struct {
	TotalEntries     int `json:"totalEntries"`
	RecentEntries    int `json:"recentEntries"`
	TotalTokensSaved int `json:"totalTokensSaved"`
	RetentionDays    int `json:"retentionDays"`
}

// SweepStats reports what a retention sweep deleted.
type SweepStats struct {
	Expired int `json:"expired"`
	Idle    int `json:"idle"`
}
