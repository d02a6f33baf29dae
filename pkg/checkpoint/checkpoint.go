// Package checkpoint persists and resumes RunState to local disk, so a
// killed or crashed supervisor can pick a run back up without redoing
// completed issues. Writes are atomic: the new state is written to a temp
// file in the same directory and renamed into place, so a crash mid-write
// never leaves a corrupt checkpoint.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kadirpekel/conductor/pkg/domain"
)

// Store reads and writes checkpoints for one run under
// logs/runs/<runID>/checkpoints/latest.json.
type Store struct {
	baseDir string
	runID   string
}

// New creates a Store rooted at baseDir (typically "logs/runs") for runID.
func New(baseDir, runID string) *Store {
	return &Store{baseDir: baseDir, runID: runID}
}

func (s *Store) dir() string {
	return filepath.Join(s.baseDir, s.runID, "checkpoints")
}

func (s *Store) path() string {
	return filepath.Join(s.dir(), "latest.json")
}

// Exists reports whether a checkpoint has already been written for this run.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path())
	return err == nil
}

// Save atomically writes state to the checkpoint file: it marshals to a
// temp file in the same directory, then renames over the existing
// checkpoint, so readers never observe a partially-written file.
func (s *Store) Save(state *domain.RunState) error {
	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir(), "checkpoint-*.json.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp checkpoint file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp checkpoint file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	return nil
}

// Load reads the last saved RunState, or returns (nil, nil) if none exists.
func (s *Store) Load() (*domain.RunState, error) {
	data, err := os.ReadFile(s.path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var state domain.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &state, nil
}
