package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// CommandRunner executes one external command to completion. The pool
// context flows through, so stopping the worker pool kills in-flight
// commands.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands via os/exec, capturing output for failure
// diagnostics.
type ExecRunner struct {
	logger *slog.Logger
}

// NewExecRunner creates a CommandRunner backed by os/exec.
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger}
}

// Run executes the command and returns an error carrying the captured
// stderr when it exits non-zero.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running external command", "command", name, "args", args)

	if err := cmd.Run(); err != nil {
		stderrStr := strings.TrimSpace(stderr.String())
		r.logger.Error("external command failed",
			"command", name,
			"args", args,
			"error", err,
			"stderr", stderrStr)
		if stderrStr != "" {
			return fmt.Errorf("command %s failed: %w: %s", name, err, stderrStr)
		}
		return fmt.Errorf("command %s failed: %w", name, err)
	}
	return nil
}
