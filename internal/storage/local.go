package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldlens/inference-api/internal/config"
)

// copyChunkSize bounds the buffer used when streaming files, so a large
// raster never gets loaded into memory in one piece.
const copyChunkSize = 1 << 20

// LocalBackend resolves keys to paths under a configured root directory.
type LocalBackend struct {
	root   string
	logger *slog.Logger
}

// NewLocalBackend creates the root directory if needed and returns the
// backend.
func NewLocalBackend(cfg config.LocalStorageConfig, logger *slog.Logger) (*LocalBackend, error) {
	root, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalBackend{root: root, logger: logger}, nil
}

// path maps a key to its location under the root directory.
func (b *LocalBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// Upload copies the file at localPath under the root and returns the key.
func (b *LocalBackend) Upload(ctx context.Context, localPath string, key string) (string, error) {
	target := b.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", newBackendError("upload", key, err)
	}
	if err := copyFile(localPath, target); err != nil {
		return "", newBackendError("upload", key, err)
	}
	b.logger.Info("copied file to local storage", "source", localPath, "key", key)
	return key, nil
}

// Download copies the stored object to localPath, reporting ErrNotFound for
// a missing key.
func (b *LocalBackend) Download(ctx context.Context, key string, localPath string) error {
	source := b.path(key)
	if _, err := os.Stat(source); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return newBackendError("download", key, err)
	}
	if err := copyFile(source, localPath); err != nil {
		return newBackendError("download", key, err)
	}
	b.logger.Info("downloaded file from local storage", "key", key, "target", localPath)
	return nil
}

// GetURL returns a file:// URI for the stored object. The expiry argument is
// ignored; local files do not expire.
func (b *LocalBackend) GetURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	p := b.path(key)
	if _, err := os.Stat(p); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(p)}
	return u.String(), nil
}

// Delete removes the stored object. Deleting a missing key is logged and
// succeeds.
func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		b.logger.Warn("file not found for deletion", "key", key)
		return nil
	}
	if err != nil {
		return newBackendError("delete", key, err)
	}
	b.logger.Info("deleted file from local storage", "key", key)
	return nil
}

// List walks the subtree under prefix and returns the keys of all files in
// it, sorted by the walk order (lexical).
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := b.path(prefix)

	info, err := os.Stat(start)
	if os.IsNotExist(err) {
		return []string{}, nil
	}
	if err != nil {
		return nil, newBackendError("list", prefix, err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, newBackendError("list", prefix, err)
	}
	return keys, nil
}

// Exists reports whether a file is stored under key.
func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(b.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, newBackendError("exists", key, err)
	}
	return true, nil
}

// copyFile streams src to dst in bounded chunks.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	buf := make([]byte, copyChunkSize)
	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
