// Package storage presents one capability surface over a local filesystem
// and two S3-compatible object stores. Callers address artifacts by opaque
// backend-agnostic keys; each backend decides how a key maps onto a path or
// a (bucket, key) pair.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldlens/inference-api/internal/config"
)

// DefaultURLExpiry is used by GetURL when the caller passes a non-positive
// expiry and the backend has no configured default.
const DefaultURLExpiry = time.Hour

// ErrNotFound is returned when a requested object does not exist in the
// backend. Missing objects are the only normalized error condition; all
// other backend failures propagate wrapped in *BackendError.
var ErrNotFound = errors.New("object not found")

// Backend is the uniform surface over all storage variants. Instances are
// safe to share across workers; the only mutable shared state inside an
// implementation is a one-time lazy credential cache.
type Backend interface {
	// Upload stores the file at localPath under key and returns the key.
	Upload(ctx context.Context, localPath string, key string) (string, error)

	// Download copies the object at key to localPath. A missing object is
	// reported as ErrNotFound.
	Download(ctx context.Context, key string, localPath string) error

	// GetURL returns a URL for the object. Object-store backends issue a
	// presigned, time-bounded URL; expiry <= 0 selects the configured
	// default.
	GetURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error

	// List returns the keys under prefix, with any repository prefix
	// already stripped.
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists reports whether an object is stored under key. A missing
	// object yields (false, nil), never an error.
	Exists(ctx context.Context, key string) (bool, error)
}

// BackendError carries the operation and key context of a failed storage
// call. The wrapped error stays backend-specific.
type BackendError struct {
	Op  string // the operation that failed (e.g. "upload", "list")
	Key string // the logical key or prefix involved
	Err error
}

// Error implements the error interface for BackendError.
func (e *BackendError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *BackendError) Unwrap() error {
	return e.Err
}

func newBackendError(op, key string, err error) *BackendError {
	return &BackendError{Op: op, Key: key, Err: err}
}

// IsNotFound reports whether err denotes a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// New constructs the backend selected by the configuration.
func New(cfg config.StorageConfig, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case config.StorageBackendLocal:
		return NewLocalBackend(cfg.Local, logger)
	case config.StorageBackendS3:
		return NewS3Backend(context.Background(), cfg.S3, logger)
	case config.StorageBackendCrossAccount:
		return NewCrossAccountBackend(cfg.CrossAccount, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
