package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	// Registers the pgx database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fieldlens/inference-api/internal/task"
)

// Common errors returned by the project store.
var (
	// ErrProjectNotFound indicates that the referenced project does not exist.
	ErrProjectNotFound = errors.New("project not found")

	// ErrArtifactNotFound indicates that a project has no artifact of the
	// requested kind yet.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Project status values mirrored into the projects table.
const (
	projectStatusRunning   = "running"
	projectStatusCompleted = "completed"
)

// ProjectStore synchronizes task lifecycle changes into the projects tables.
//
// Updates are plain row writes with no optimistic-concurrency guard: two
// tasks submitted concurrently for one project can interleave their status
// transitions. The last writer wins.
type ProjectStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewProjectStore creates a PostgreSQL-backed project synchronizer.
// It accepts a database connection that should be initialized and managed by
// the caller.
func NewProjectStore(db *sql.DB, logger *slog.Logger) *ProjectStore {
	return &ProjectStore{db: db, logger: logger}
}

// Ensure ProjectStore implements task.ProjectSynchronizer
var _ task.ProjectSynchronizer = (*ProjectStore)(nil)

// Open connects to the project database and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open project database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping project database: %w", err)
	}
	return db, nil
}

// MarkProjectRunning flips the project's status to running.
func (s *ProjectStore) MarkProjectRunning(ctx context.Context, projectID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE projects SET status = $1, updated_at = $2 WHERE id = $3`,
		projectStatusRunning, time.Now().UTC(), projectID,
	)
	if err != nil {
		return fmt.Errorf("mark project running: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return nil
}

// RecordTaskCompletion persists the produced artifact reference and marks
// the project completed, in one transaction.
func (s *ProjectStore) RecordTaskCompletion(ctx context.Context, projectID string, taskType task.Type, result task.Result) error {
	key, ok := result.ArtifactKey()
	if !ok {
		return fmt.Errorf("result for project %s carries no artifact key", projectID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin completion transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO project_artifacts (id, project_id, kind, storage_key, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), projectID, string(taskType), key, now,
	)
	if err != nil {
		return fmt.Errorf("insert artifact record: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE projects SET status = $1, updated_at = $2 WHERE id = $3`,
		projectStatusCompleted, now, projectID,
	)
	if err != nil {
		return fmt.Errorf("mark project completed: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completion transaction: %w", err)
	}

	s.logger.Info("recorded project artifact",
		"project_id", projectID,
		"task_type", taskType,
		"storage_key", key)
	return nil
}

// LatestArtifact returns the storage key of the most recent artifact of the
// given kind for a project.
func (s *ProjectStore) LatestArtifact(ctx context.Context, projectID string, kind string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT storage_key FROM project_artifacts
		 WHERE project_id = $1 AND kind = $2
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, kind,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: project %s has no %s artifact", ErrArtifactNotFound, projectID, kind)
	}
	if err != nil {
		return "", fmt.Errorf("query latest artifact: %w", err)
	}
	return key, nil
}
