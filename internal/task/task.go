package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task
type Status string

// Possible task status values
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is a final state that will never
// change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Type identifies the kind of deferred work a task performs.
type Type string

// Known task types
const (
	TypeInference  Type = "inference"
	TypePolygonize Type = "polygonize"
)

// Well-known result keys that mark a produced artifact. The dispatcher
// inspects results only for these keys; everything else is opaque.
const (
	ResultKeyInferenceFile = "inference_file"
	ResultKeyPolygonFile   = "polygon_file"
)

// Result holds the handler's output for a completed task.
type Result map[string]any

// ArtifactKey returns the storage key of a produced artifact, if the result
// carries one under a well-known key.
func (r Result) ArtifactKey() (string, bool) {
	for _, k := range []string{ResultKeyInferenceFile, ResultKeyPolygonFile} {
		if v, ok := r[k]; ok {
			if key, ok := v.(string); ok && key != "" {
				return key, true
			}
		}
	}
	return "", false
}

// Record is a single task's entry in the ledger. Timestamps are ordered
// CreatedAt <= StartedAt <= CompletedAt once set. Result is present only for
// completed tasks, Error only for failed ones.
type Record struct {
	ID          uuid.UUID       `json:"task_id"`
	ProjectID   string          `json:"project_id"`
	Type        Type            `json:"task_type"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Result      Result          `json:"result"`
	Error       string          `json:"error,omitempty"`
}

// Handler executes one task type. The payload is the type-specific portion
// of the submission; the returned Result is stored verbatim in the ledger.
type Handler func(ctx context.Context, projectID string, payload json.RawMessage) (Result, error)

// ProjectSynchronizer propagates task lifecycle changes to the owning
// project's record, which lives outside this subsystem.
type ProjectSynchronizer interface {
	// MarkProjectRunning flips the project's status to running before a
	// task for it is dispatched.
	MarkProjectRunning(ctx context.Context, projectID string) error

	// RecordTaskCompletion persists a produced artifact reference and marks
	// the project completed.
	RecordTaskCompletion(ctx context.Context, projectID string, taskType Type, result Result) error

	// LatestArtifact returns the storage key of the most recent artifact of
	// the given kind for a project.
	LatestArtifact(ctx context.Context, projectID string, kind string) (string, error)
}
