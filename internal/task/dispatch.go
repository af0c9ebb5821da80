package task

import (
	"context"
	"fmt"
	"log/slog"
)

// Dispatcher maps task types to their handlers and performs the common
// project bookkeeping around a handler invocation: the owning project is
// marked running before dispatch, and a result carrying an artifact key
// flips it to completed afterwards.
type Dispatcher struct {
	handlers map[Type]Handler
	projects ProjectSynchronizer
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher with an empty handler registry.
func NewDispatcher(projects ProjectSynchronizer, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[Type]Handler),
		projects: projects,
		logger:   logger,
	}
}

// Register binds a handler to a task type, replacing any previous binding.
func (d *Dispatcher) Register(t Type, h Handler) {
	d.handlers[t] = h
}

// Process runs the record's handler.
//
// The project is marked running before the handler is resolved, so an
// unknown task type fails the task but leaves the project in the running
// state. That matches the behavior this subsystem has always had; callers
// polling the project see it stuck running until another task touches it.
func (d *Dispatcher) Process(ctx context.Context, rec Record) (Result, error) {
	if err := d.projects.MarkProjectRunning(ctx, rec.ProjectID); err != nil {
		return nil, fmt.Errorf("mark project %s running: %w", rec.ProjectID, err)
	}

	handler, ok := d.handlers[rec.Type]
	if !ok {
		return nil, fmt.Errorf("no handler registered for task type %q", rec.Type)
	}

	result, err := handler(ctx, rec.ProjectID, rec.Payload)
	if err != nil {
		return nil, err
	}

	if key, ok := result.ArtifactKey(); ok {
		if err := d.projects.RecordTaskCompletion(ctx, rec.ProjectID, rec.Type, result); err != nil {
			return nil, fmt.Errorf("record completion for project %s: %w", rec.ProjectID, err)
		}
		d.logger.Info("recorded task artifact",
			"project_id", rec.ProjectID,
			"task_type", rec.Type,
			"artifact_key", key)
	}

	return result, nil
}
