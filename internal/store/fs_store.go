package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// FSStore keeps checkpoints as JSON files under <baseDir>/fits/<fitID>/.
//
// Writes go to a uniquely named temp file that is renamed into place, so readers never see
// a partial checkpoint and concurrent saves need no locking.
type FSStore struct {
	baseDir string
}

// NewFSStore creates a filesystem store, creating baseDir if needed.
func NewFSStore(baseDir string) (*FSStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

// BaseDir returns the root directory of the store.
func (fs *FSStore) BaseDir() string {
	return fs.baseDir
}

func (fs *FSStore) fitDir(fitID string) string {
	return filepath.Join(fs.baseDir, "fits", fitID)
}

func (fs *FSStore) checkpointPath(fitID string) string {
	return filepath.Join(fs.fitDir(fitID), "checkpoint.json")
}

// SaveCheckpoint atomically saves a checkpoint.
func (fs *FSStore) SaveCheckpoint(fitID string, checkpoint *Checkpoint) error {
	if fitID == "" {
		return fmt.Errorf("fitID cannot be empty")
	}
	if checkpoint == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	dir := fs.fitDir(fitID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create fit directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize checkpoint: %w", err)
	}

	finalPath := fs.checkpointPath(fitID)
	tmp, err := os.CreateTemp(dir, "checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}
	tempPath := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to write temp checkpoint file: %w", errors.Join(werr, cerr))
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename checkpoint file: %w", err)
	}

	slog.Debug("Checkpoint saved", "fitID", fitID, "path", finalPath)
	return nil
}

// LoadCheckpoint reads the checkpoint for fitID.
func (fs *FSStore) LoadCheckpoint(fitID string) (*Checkpoint, error) {
	if fitID == "" {
		return nil, fmt.Errorf("fitID cannot be empty")
	}

	path := fs.checkpointPath(fitID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &NotFoundError{FitID: fitID}
	} else if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to deserialize checkpoint: %w", err)
	}

	slog.Debug("Checkpoint loaded", "fitID", fitID, "path", path)
	return &checkpoint, nil
}

// ListCheckpoints returns metadata for all readable checkpoints, newest first.
// Corrupted checkpoints are logged and skipped.
func (fs *FSStore) ListCheckpoints() ([]CheckpointInfo, error) {
	fitsDir := filepath.Join(fs.baseDir, "fits")

	entries, err := os.ReadDir(fitsDir)
	if os.IsNotExist(err) {
		return []CheckpointInfo{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read fits directory: %w", err)
	}

	infos := []CheckpointInfo{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		fitID := entry.Name()
		if _, err := os.Stat(fs.checkpointPath(fitID)); os.IsNotExist(err) {
			continue
		}

		checkpoint, err := fs.LoadCheckpoint(fitID)
		if err != nil {
			slog.Warn("Failed to load checkpoint for listing", "fitID", fitID, "error", err)
			continue
		}
		infos = append(infos, checkpoint.ToInfo())
	}

	sort.SliceStable(infos, func(i, j int) bool { return infos[i].Timestamp.After(infos[j].Timestamp) })
	slog.Debug("Listed checkpoints", "count", len(infos))
	return infos, nil
}

// DeleteCheckpoint removes the fit directory, including its trace.
func (fs *FSStore) DeleteCheckpoint(fitID string) error {
	if fitID == "" {
		return fmt.Errorf("fitID cannot be empty")
	}

	dir := fs.fitDir(fitID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return &NotFoundError{FitID: fitID}
	} else if err != nil {
		return fmt.Errorf("failed to stat fit directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove fit directory: %w", err)
	}

	slog.Debug("Checkpoint deleted", "fitID", fitID, "path", dir)
	return nil
}

// Close is a no-op for the filesystem store.
func (fs *FSStore) Close() error {
	return nil
}
