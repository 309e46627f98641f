package store

import (
	"time"

	"github.com/cwbudde/welltestfit/internal/fit"
)

// Checkpoint is a saved fit that can be resumed. It stores the session with the best
// parameter values found so far. The optimizer's damping factor is not kept: a resumed
// run starts again from the initial lambda, which only costs a few rejected trials.
type Checkpoint struct {
	FitID string `json:"fitId"`

	// Session holds the model, parameters (at their best values), weight, data and sampling.
	Session Session `json:"session"`

	BestMSE    float64         `json:"bestMse"`
	InitialMSE float64         `json:"initialMse"`
	Iteration  int             `json:"iteration"`
	Reason     fit.Termination `json:"reason,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// CheckpointInfo is checkpoint metadata without parameters or data.
type CheckpointInfo struct {
	FitID     string          `json:"fitId"`
	Model     fit.ModelType   `json:"modelType"`
	BestMSE   float64         `json:"bestMse"`
	Iteration int             `json:"iteration"`
	Points    int             `json:"points"`
	Reason    fit.Termination `json:"reason,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewCheckpoint creates a checkpoint from the current state of a fit.
func NewCheckpoint(fitID string, session *Session, bestMSE, initialMSE float64, iteration int, reason fit.Termination) *Checkpoint {
	return &Checkpoint{
		FitID:      fitID,
		Session:    *session,
		BestMSE:    bestMSE,
		InitialMSE: initialMSE,
		Iteration:  iteration,
		Reason:     reason,
		Timestamp:  time.Now(),
	}
}

// ToInfo converts a Checkpoint to its metadata.
func (c *Checkpoint) ToInfo() CheckpointInfo {
	return CheckpointInfo{
		FitID:     c.FitID,
		Model:     c.Session.Model,
		BestMSE:   c.BestMSE,
		Iteration: c.Iteration,
		Points:    c.Session.Series.Len(),
		Reason:    c.Reason,
		Timestamp: c.Timestamp,
	}
}

// Validate checks if the checkpoint has valid data.
func (c *Checkpoint) Validate() error {
	if c.FitID == "" {
		return &ValidationError{Field: "FitID", Reason: "cannot be empty"}
	}
	if c.BestMSE < 0 {
		return &ValidationError{Field: "BestMSE", Reason: "cannot be negative"}
	}
	if c.InitialMSE < 0 {
		return &ValidationError{Field: "InitialMSE", Reason: "cannot be negative"}
	}
	if c.Iteration < 0 {
		return &ValidationError{Field: "Iteration", Reason: "cannot be negative"}
	}
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "Timestamp", Reason: "cannot be zero"}
	}
	if c.Session.Fingerprint != "" && c.Session.Fingerprint != Fingerprint(c.Session.Series) {
		return &ValidationError{Field: "Session.Fingerprint", Reason: "does not match the stored series"}
	}
	return c.Session.Validate()
}

// ValidationError represents a checkpoint validation error.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation error: " + e.Field + " " + e.Reason
}

// IsCompatible checks whether the checkpoint can seed a fit of the given session: the model
// type and the observed data must match.
func (c *Checkpoint) IsCompatible(s *Session) error {
	if c.Session.Model != s.Model {
		return &CompatibilityError{
			Field:    "Model",
			Expected: string(c.Session.Model),
			Actual:   string(s.Model),
		}
	}
	want := c.Session.Fingerprint
	if want == "" {
		want = Fingerprint(c.Session.Series)
	}
	got := s.Fingerprint
	if got == "" {
		got = Fingerprint(s.Series)
	}
	if want != got {
		return &CompatibilityError{
			Field:    "Fingerprint",
			Expected: want,
			Actual:   got,
		}
	}
	return nil
}

// CompatibilityError represents a checkpoint compatibility error.
type CompatibilityError struct {
	Field    string
	Expected string
	Actual   string
}

func (e *CompatibilityError) Error() string {
	return "compatibility error: " + e.Field + " mismatch (expected " + e.Expected + ", got " + e.Actual + ")"
}
