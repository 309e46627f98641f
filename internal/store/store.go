package store

// Store persists fit checkpoints. Implementations must be safe for concurrent use.
//
// Error conventions:
//   - LoadCheckpoint and DeleteCheckpoint return a *NotFoundError for unknown IDs
//   - other failures are wrapped with context using fmt.Errorf("...: %w", err)
type Store interface {
	// SaveCheckpoint atomically saves (or replaces) the checkpoint for fitID.
	SaveCheckpoint(fitID string, checkpoint *Checkpoint) error

	// LoadCheckpoint returns the checkpoint for fitID.
	LoadCheckpoint(fitID string) (*Checkpoint, error)

	// ListCheckpoints returns metadata for every stored checkpoint, newest first.
	ListCheckpoints() ([]CheckpointInfo, error)

	// DeleteCheckpoint removes the checkpoint and its artifacts.
	DeleteCheckpoint(fitID string) error

	// Close releases resources held by the store.
	Close() error
}

// ErrNotFound matches any *NotFoundError with errors.Is.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing checkpoint.
type NotFoundError struct {
	FitID string
}

func (e *NotFoundError) Error() string {
	if e.FitID != "" {
		return "checkpoint not found: " + e.FitID
	}
	return "checkpoint not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
