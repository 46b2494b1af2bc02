package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CheckpointStore persists the feed position across restarts.
type CheckpointStore interface {
	// Load returns the saved position, or "" when none was saved.
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, seq string) error
}

type checkpointFile struct {
	Seq       string    `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileCheckpoint stores the position as a small JSON file, replaced
// atomically on every save.
type FileCheckpoint struct {
	path string
	mu   sync.Mutex
}

// NewFileCheckpoint creates a checkpoint at path. The parent directory is
// created on first save.
func NewFileCheckpoint(path string) *FileCheckpoint {
	return &FileCheckpoint{path: path}
}

// Load implements CheckpointStore.
func (f *FileCheckpoint) Load(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading checkpoint %s: %w", f.path, err)
	}

	var cp checkpointFile
	if err := json.Unmarshal(data, &cp); err != nil {
		return "", fmt.Errorf("decoding checkpoint %s: %w", f.path, err)
	}
	return cp.Seq, nil
}

// Save implements CheckpointStore.
func (f *FileCheckpoint) Save(_ context.Context, seq string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(checkpointFile{Seq: seq, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("creating checkpoint directory: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming checkpoint: %w", err)
	}
	return nil
}

var _ CheckpointStore = (*FileCheckpoint)(nil)
