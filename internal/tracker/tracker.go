package tracker

import (
	"sync"

	"github.com/kalebavincent/dl-torrent/internal/model"
)

// Tracker keeps the latest progress snapshot per job. Each newer
// snapshot supersedes the previous one; no history is retained. Updates
// arrive from poll workers and reads from the query API, so the store
// is independent of the scheduler loop and can never stall it.
type Tracker struct {
	mu        sync.RWMutex
	snapshots map[string]model.ProgressSnapshot
}

func New() *Tracker {
	return &Tracker{snapshots: make(map[string]model.ProgressSnapshot)}
}

// Update records the latest snapshot for a job.
func (t *Tracker) Update(jobID string, snap model.ProgressSnapshot) {
	t.mu.Lock()
	t.snapshots[jobID] = snap
	t.mu.Unlock()
}

// Latest returns the most recent snapshot for a job, if any.
func (t *Tracker) Latest(jobID string) (model.ProgressSnapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap, ok := t.snapshots[jobID]
	return snap, ok
}

// Drop removes the snapshot for an archived job.
func (t *Tracker) Drop(jobID string) {
	t.mu.Lock()
	delete(t.snapshots, jobID)
	t.mu.Unlock()
}
