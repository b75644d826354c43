// Package progress keeps short-lived progress logs for running OCR batches so that clients can poll them.
//
// A Registry lives in the memory of one process. A poll only finds a batch when it reaches the instance that is
// running that batch, so deployments that scale past one instance must pin pollers to it (session affinity) or
// rely on the batch response and the saved artifact instead of progress polls. Unknown ids are reported the same
// way whether the batch never existed, was swept, or runs elsewhere.
package progress

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/Lllllllleong/pdfocrflow/internal/models"
)

// maxMessages caps a tracker's log; older messages are dropped first.
const maxMessages = 200

// Tracker is the progress handle of one batch. Its Report method is an ocr.ProgressFunc.
type Tracker struct {
	id  string
	now func() time.Time

	mu       sync.Mutex
	messages []string
	done     bool
	err      string
	touched  time.Time
}

func (t *Tracker) ID() string { return t.id }

// Report appends a message.
func (t *Tracker) Report(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, message)
	if len(t.messages) > maxMessages {
		t.messages = t.messages[len(t.messages)-maxMessages:]
	}
	t.touched = t.now()
}

// Finish marks the batch done, recording err if it failed.
func (t *Tracker) Finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.done = true
	if err != nil {
		t.err = err.Error()
	}
	t.touched = t.now()
}

// Snapshot copies the current state.
func (t *Tracker) Snapshot() models.OCRProgressResponse {
	t.mu.Lock()
	defer t.mu.Unlock()
	return models.OCRProgressResponse{
		BatchID:  t.id,
		Messages: append([]string(nil), t.messages...),
		Done:     t.done,
		Error:    t.err,
	}
}

func (t *Tracker) idleSince() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.touched
}

// Registry owns the trackers of one process. Trackers untouched for longer than the TTL are removed by
// Sweep, whether or not their batch finished.
type Registry struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	trackers map[string]*Tracker
	cron     *cron.Cron
}

func NewRegistry(ttl time.Duration) *Registry {
	return &Registry{
		ttl:      ttl,
		now:      time.Now,
		trackers: make(map[string]*Tracker),
	}
}

// Start registers a tracker. An empty id gets a random one; reusing a live id is an error.
func (r *Registry) Start(id string) (*Tracker, error) {
	if id == "" {
		id = uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.trackers[id]; exists {
		return nil, fmt.Errorf("batch %s is already being tracked", id)
	}
	t := &Tracker{id: id, now: r.now, touched: r.now()}
	r.trackers[id] = t
	return t, nil
}

func (r *Registry) Get(id string) (*Tracker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[id]
	return t, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// Sweep drops expired trackers and returns how many it removed.
func (r *Registry) Sweep() int {
	cutoff := r.now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.trackers {
		if t.idleSince().Before(cutoff) {
			delete(r.trackers, id)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on a cron schedule, e.g. "@every 5m", until Stop.
func (r *Registry) StartSweeper(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if n := r.Sweep(); n > 0 {
			slog.Info("Removed expired progress trackers.", "count", n)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	r.mu.Lock()
	if r.cron != nil {
		r.cron.Stop()
	}
	r.cron = c
	r.mu.Unlock()
	c.Start()
	return nil
}

func (r *Registry) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
