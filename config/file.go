package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps each key in its own JSON file inside a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFileStoreLogger sets the logger for the FileStore.
func WithFileStoreLogger(logger *slog.Logger) FileStoreOption {
	return func(f *FileStore) {
		f.logger = logger
	}
}

// NewFileStore creates a FileStore rooted at dir. The directory is created on first Set.
func NewFileStore(dir string, options ...FileStoreOption) *FileStore {
	f := &FileStore{
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Path returns the file key is stored in.
func (f *FileStore) Path(key string) string {
	return filepath.Join(f.dir, key+".json")
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	blob, err := os.ReadFile(f.Path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return blob, nil
}

// Set implements Store. The file is replaced atomically.
func (f *FileStore) Set(_ context.Context, key string, blob []byte) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, "."+key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), f.Path(key)); err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	return nil
}

// Watch implements Watcher. It watches the directory rather than the file so atomic
// replacements are seen.
func (f *FileStore) Watch(ctx context.Context, key string, changed func()) error {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	if err := w.Add(f.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", f.dir, err)
	}

	path := filepath.Clean(f.Path(key))
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			f.logger.Debug("config file changed", "path", path, "op", ev.Op.String())
			changed()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.logger.Warn("config watcher error", "err", err)
		}
	}
}
