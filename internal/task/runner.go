package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RunnerConfig holds configuration for the task runner
type RunnerConfig struct {
	// WorkerCount determines how many concurrent workers process tasks
	WorkerCount int

	// QueueSize determines the buffer size for the in-memory task queue
	QueueSize int

	// Retention defines how long terminal task records are kept in the
	// ledger before the janitor sweeps them
	Retention time.Duration

	// SweepInterval defines how often the janitor runs
	// If zero, defaults to 5 minutes
	SweepInterval time.Duration
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:   2,
		QueueSize:     256,
		Retention:     time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

// Runner owns the task ledger, the queue and the worker pool. It is an
// explicitly constructed instance, not a process-wide singleton, so tests
// and multi-tenant setups can run isolated runners side by side.
type Runner struct {
	ledger     *Ledger
	queue      *Queue
	dispatcher *Dispatcher
	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	config     RunnerConfig
	logger     *slog.Logger
}

// NewRunner creates a new Runner
func NewRunner(dispatcher *Dispatcher, config RunnerConfig, logger *slog.Logger) *Runner {
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		ledger:     NewLedger(),
		queue:      NewQueue(config.QueueSize, logger),
		dispatcher: dispatcher,
		ctx:        ctx,
		cancelFunc: cancel,
		config:     config,
		logger:     logger,
	}
}

// Submit records a pending task and appends it to the queue tail. It returns
// the new task's id immediately; it never waits for execution.
func (r *Runner) Submit(taskType Type, projectID string, payload json.RawMessage) (uuid.UUID, error) {
	id := r.ledger.Create(taskType, projectID, payload)

	if err := r.queue.Enqueue(id); err != nil {
		r.ledger.remove(id)
		return uuid.Nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	tasksSubmitted.WithLabelValues(string(taskType)).Inc()
	queueDepth.Set(float64(r.queue.Len()))

	r.logger.Info("submitted task",
		"task_id", id,
		"task_type", taskType,
		"project_id", projectID)
	return id, nil
}

// GetStatus returns the current ledger record for a task.
func (r *Runner) GetStatus(id uuid.UUID) (Record, error) {
	return r.ledger.Get(id)
}

// Cancel prevents a not-yet-started task from running. It returns true only
// when the task was still pending; a running task cannot be interrupted.
func (r *Runner) Cancel(id uuid.UUID) bool {
	cancelled := r.ledger.Cancel(id)
	if cancelled {
		r.logger.Info("cancelled task", "task_id", id)
	}
	return cancelled
}

// Start spawns the worker goroutines and the janitor.
func (r *Runner) Start() {
	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.wg.Add(1)
	go r.janitor()

	r.logger.Info("started workers", "worker_count", r.config.WorkerCount)
}

// Stop hard-cancels the pool: the context is cancelled and all workers are
// awaited. This is not a graceful drain. A task that is running at that
// instant is abandoned with no further ledger update and keeps reporting
// running forever; queued pending tasks simply never start. Handlers receive
// the pool context, so in-flight external commands are killed and Stop
// returns in bounded time.
func (r *Runner) Stop() {
	r.cancelFunc()
	r.wg.Wait()
	r.queue.Close()
	r.logger.Info("stopped workers")
}

// worker consumes task ids from the queue until the pool is stopped.
func (r *Runner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("stopping worker", "worker_id", id)
			return

		case taskID, ok := <-r.queue.Chan():
			if !ok {
				r.logger.Debug("task channel closed, stopping worker", "worker_id", id)
				return
			}
			queueDepth.Set(float64(r.queue.Len()))
			r.processTask(taskID, id)
		}
	}
}

// processTask handles execution of a single task. Handler failures and
// panics are converted to ledger state; they never terminate the worker.
func (r *Runner) processTask(taskID uuid.UUID, workerID int) {
	rec, ok := r.ledger.claim(taskID)
	if !ok {
		// Cancelled while queued, or already swept. Nothing to run.
		return
	}

	logger := r.logger.With(
		"task_id", rec.ID,
		"task_type", rec.Type,
		"worker_id", workerID,
	)
	logger.Info("processing task")

	start := time.Now()
	result, err := r.runHandler(rec)
	taskDuration.WithLabelValues(string(rec.Type)).Observe(time.Since(start).Seconds())

	if r.ctx.Err() != nil {
		// Pool was stopped while this task was in flight. The task is
		// abandoned; its ledger entry stays in the running state.
		logger.Warn("pool stopped mid-task, abandoning ledger entry")
		return
	}

	if err != nil {
		logger.Error("task execution failed", "error", err)
		r.ledger.fail(taskID, err.Error())
		tasksFailed.WithLabelValues(string(rec.Type)).Inc()
		return
	}

	logger.Info("task completed successfully")
	r.ledger.complete(taskID, result)
	tasksCompleted.WithLabelValues(string(rec.Type)).Inc()
}

// runHandler invokes the dispatcher with panic recovery.
func (r *Runner) runHandler(rec Record) (result Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.dispatcher.Process(r.ctx, rec)
}

// janitor periodically sweeps terminal records older than the retention age
// out of the ledger.
func (r *Runner) janitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			if removed := r.ledger.Sweep(r.config.Retention); removed > 0 {
				r.logger.Info("swept terminal tasks",
					"removed", removed,
					"retention", r.config.Retention)
			}
		}
	}
}
