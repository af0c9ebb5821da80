package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTaskNotFound is returned when a task id has no ledger entry, either
// because it was never submitted or because the janitor already swept it.
var ErrTaskNotFound = errors.New("task not found")

// Ledger is the in-memory record of every task known to this process. It is
// process-local and not shared across instances: a horizontally scaled
// deployment loses task visibility across replicas.
//
// Workers run as real goroutines, so unlike a cooperative single-threaded
// scheduler the map needs a lock. A single RWMutex is sufficient because
// each task id still has exactly one writer at a time: the claim
// compare-and-set hands a pending task to exactly one worker.
type Ledger struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*Record
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[uuid.UUID]*Record)}
}

// Create inserts a pending record for a freshly submitted task and returns
// its id.
func (l *Ledger) Create(taskType Type, projectID string, payload json.RawMessage) uuid.UUID {
	now := time.Now().UTC()
	rec := &Record{
		ID:        uuid.New(),
		ProjectID: projectID,
		Type:      taskType,
		Status:    StatusPending,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	l.mu.Lock()
	l.records[rec.ID] = rec
	l.mu.Unlock()

	return rec.ID
}

// Get returns a copy of the record for the given id.
func (l *Ledger) Get(id uuid.UUID) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return *rec, nil
}

// Cancel moves a pending task straight to failed. It returns true only when
// the task was still pending at the time of the call; running and terminal
// tasks are left untouched, since there is no preemption of in-flight work.
func (l *Ledger) Cancel(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok || rec.Status != StatusPending {
		return false
	}

	now := time.Now().UTC()
	rec.Status = StatusFailed
	rec.Error = "cancelled"
	rec.UpdatedAt = now
	rec.CompletedAt = &now
	return true
}

// claim transitions a pending task to running and hands its record to the
// calling worker. It returns false when the task is unknown or no longer
// pending (e.g. cancelled while queued), in which case the worker must skip
// it.
func (l *Ledger) claim(id uuid.UUID) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok || rec.Status != StatusPending {
		return Record{}, false
	}

	now := time.Now().UTC()
	rec.Status = StatusRunning
	rec.StartedAt = &now
	rec.UpdatedAt = now
	return *rec, true
}

// complete records a successful terminal state.
func (l *Ledger) complete(id uuid.UUID, result Result) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return
	}

	now := time.Now().UTC()
	rec.Status = StatusCompleted
	rec.Result = result
	rec.UpdatedAt = now
	rec.CompletedAt = &now
}

// fail records a failed terminal state with a human-readable error.
func (l *Ledger) fail(id uuid.UUID, errMsg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[id]
	if !ok {
		return
	}

	now := time.Now().UTC()
	rec.Status = StatusFailed
	rec.Error = errMsg
	rec.UpdatedAt = now
	rec.CompletedAt = &now
}

// remove deletes a ledger entry. Used by Submit to roll back a record whose
// payload could not be enqueued.
func (l *Ledger) remove(id uuid.UUID) {
	l.mu.Lock()
	delete(l.records, id)
	l.mu.Unlock()
}

// Sweep removes terminal records whose completion is older than maxAge and
// returns how many were removed. Task execution itself never removes
// entries; this sweep is the only path that does.
func (l *Ledger) Sweep(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, rec := range l.records {
		if rec.Status.Terminal() && rec.CompletedAt != nil && rec.CompletedAt.Before(cutoff) {
			delete(l.records, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of records currently held.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}
