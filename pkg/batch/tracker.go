package batch

import (
	"context"
	"sync"
	"time"

	"github.com/neuroqc/platform/pkg/common/logger"
	"github.com/neuroqc/platform/pkg/common/models"
)

// Subscriber receives a snapshot copy on every counter change. Delivery is
// best-effort: a panicking or slow subscriber never blocks counting and
// never crashes the batch.
type Subscriber func(models.BatchSnapshot)

type progressState struct {
	snapshot    models.BatchSnapshot
	subscribers []Subscriber
}

// ProgressTracker owns per-batch counters keyed by batch id. All mutations
// go through its mutex so counter updates are linearizable per batch; it is
// injected, never ambient, so concurrent batches and tests stay isolated.
type ProgressTracker struct {
	mu      sync.Mutex
	batches map[string]*progressState
	cache   *SnapshotCache
}

func NewProgressTracker(cache *SnapshotCache) *ProgressTracker {
	return &ProgressTracker{
		batches: make(map[string]*progressState),
		cache:   cache,
	}
}

// Register creates the counter set for a new batch.
func (t *ProgressTracker) Register(batchID string, totalItems int) {
	now := time.Now().UTC()
	t.mu.Lock()
	t.batches[batchID] = &progressState{
		snapshot: models.BatchSnapshot{
			BatchID:    batchID,
			Status:     models.BatchPending,
			TotalItems: totalItems,
			StartTime:  now,
			LastUpdate: now,
		},
	}
	t.mu.Unlock()
}

// SetStatus records a state transition. Terminal states are never left.
func (t *ProgressTracker) SetStatus(batchID string, status models.BatchStatus) {
	t.update(batchID, func(s *models.BatchSnapshot) {
		if s.Status.Terminal() {
			return
		}
		s.Status = status
	})
}

// IncrementCompleted atomically bumps the completed counter and returns the
// new value.
func (t *ProgressTracker) IncrementCompleted(batchID, currentItem string) int {
	var completed int
	t.update(batchID, func(s *models.BatchSnapshot) {
		s.CompletedItems++
		s.CurrentItem = currentItem
		completed = s.CompletedItems
	})
	return completed
}

// IncrementFailed atomically bumps the failed counter, records the item
// error, and returns the new value.
func (t *ProgressTracker) IncrementFailed(batchID string, itemErr models.ItemError) int {
	var failed int
	t.update(batchID, func(s *models.BatchSnapshot) {
		s.FailedItems++
		s.CurrentItem = itemErr.SubjectID
		s.Errors = append(s.Errors, itemErr)
		failed = s.FailedItems
	})
	return failed
}

// AppendError records a job-level error without touching the item counters.
func (t *ProgressTracker) AppendError(batchID string, itemErr models.ItemError) {
	t.update(batchID, func(s *models.BatchSnapshot) {
		s.Errors = append(s.Errors, itemErr)
	})
}

// Snapshot returns a point-in-time copy for polling.
func (t *ProgressTracker) Snapshot(batchID string) (models.BatchSnapshot, bool) {
	t.mu.Lock()
	state, ok := t.batches[batchID]
	if !ok {
		t.mu.Unlock()
		return models.BatchSnapshot{}, false
	}
	snapshot := copySnapshot(state.snapshot)
	t.mu.Unlock()
	return snapshot, true
}

// Subscribe registers a callback invoked on every subsequent change.
func (t *ProgressTracker) Subscribe(batchID string, fn Subscriber) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.batches[batchID]
	if !ok {
		return false
	}
	state.subscribers = append(state.subscribers, fn)
	return true
}

// Active lists snapshots of batches that have not reached a terminal state.
func (t *ProgressTracker) Active() []models.BatchSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []models.BatchSnapshot
	for _, state := range t.batches {
		if !state.snapshot.Status.Terminal() {
			out = append(out, copySnapshot(state.snapshot))
		}
	}
	return out
}

func (t *ProgressTracker) update(batchID string, mutate func(*models.BatchSnapshot)) {
	t.mu.Lock()
	state, ok := t.batches[batchID]
	if !ok {
		t.mu.Unlock()
		return
	}
	mutate(&state.snapshot)
	state.snapshot.LastUpdate = time.Now().UTC()
	if state.snapshot.TotalItems > 0 {
		done := state.snapshot.CompletedItems + state.snapshot.FailedItems
		state.snapshot.ProgressPercent = float64(done) / float64(state.snapshot.TotalItems) * 100
	}
	snapshot := copySnapshot(state.snapshot)
	subscribers := make([]Subscriber, len(state.subscribers))
	copy(subscribers, state.subscribers)
	t.mu.Unlock()

	for _, fn := range subscribers {
		deliver(fn, snapshot)
	}

	if t.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := t.cache.Store(ctx, snapshot); err != nil {
			logger.Log.WithError(err).WithField("batch_id", batchID).Warn("progress snapshot cache write failed")
		}
		cancel()
	}
}

func deliver(fn Subscriber, snapshot models.BatchSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.WithFields(map[string]interface{}{
				"batch_id": snapshot.BatchID,
				"panic":    r,
			}).Warn("progress subscriber panicked")
		}
	}()
	fn(snapshot)
}

func copySnapshot(s models.BatchSnapshot) models.BatchSnapshot {
	out := s
	if len(s.Errors) > 0 {
		out.Errors = make([]models.ItemError, len(s.Errors))
		copy(out.Errors, s.Errors)
	}
	return out
}
