package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/store"
)

// JobState represents the current state of a fit job
type JobState string

const (
	StatePending   JobState = "pending"
	StateRunning   JobState = "running"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// Terminal reports whether the job has finished.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

var (
	// ErrFitActive is returned when a fit is submitted while another one is still active.
	ErrFitActive = errors.New("a fit is already active")

	// ErrJobNotFound is returned for unknown job IDs.
	ErrJobNotFound = errors.New("job not found")

	// ErrNotActive is returned when cancelling a job that has already finished.
	ErrNotActive = errors.New("job is not active")
)

// FitRequest is the body of POST /api/v1/fits.
type FitRequest struct {
	Model      fit.ModelType      `json:"modelType"`
	Params     []fit.FitParameter `json:"params,omitempty"` // model defaults when empty
	Weight     *float64           `json:"weight,omitempty"` // server default when nil
	Series     fit.ObservedSeries `json:"observed"`
	Sampling   fit.SamplingPolicy `json:"sampling"`
	View       store.ViewRect     `json:"view"`
	SeedSearch bool               `json:"seedSearch,omitempty"`
	SeedIters  int                `json:"seedIters,omitempty"`
	SeedPop    int                `json:"seedPop,omitempty"`
	Seed       int64              `json:"seed,omitempty"`
	ResumeFrom string             `json:"resumeFrom,omitempty"` // checkpoint ID to continue from
}

// Job represents a fit job
type Job struct {
	ID         string             `json:"id"`
	State      JobState           `json:"state"`
	Request    FitRequest         `json:"request"`
	Params     fit.Mapping        `json:"params,omitempty"`
	MSE        float64            `json:"mse"`
	InitialMSE float64            `json:"initialMse"`
	Iteration  int                `json:"iteration"`
	Accepted   int                `json:"accepted"`
	Lambda     float64            `json:"lambda"`
	Progress   int                `json:"progress"`
	Reason     fit.Termination    `json:"reason,omitempty"`
	StartTime  time.Time          `json:"startTime"`
	EndTime    *time.Time         `json:"endTime,omitempty"`
	Error      string             `json:"error,omitempty"`
	Curve      *fit.Curve         `json:"-"`
	Final      []fit.FitParameter `json:"-"`
}

// FitManager tracks fit jobs. At most one job is pending or running at a time.
type FitManager struct {
	mu          sync.RWMutex
	jobs        map[string]*Job
	cancels     map[string]context.CancelFunc
	active      string
	broadcaster *EventBroadcaster
}

// NewFitManager creates an empty manager
func NewFitManager() *FitManager {
	return &FitManager{
		jobs:        make(map[string]*Job),
		cancels:     make(map[string]context.CancelFunc),
		broadcaster: NewEventBroadcaster(),
	}
}

// CreateJob registers a pending job and reserves the active slot for it.
func (fm *FitManager) CreateJob(req FitRequest) (Job, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if fm.active != "" {
		return Job{}, fmt.Errorf("%w: %s", ErrFitActive, fm.active)
	}

	job := &Job{
		ID:        uuid.New().String(),
		State:     StatePending,
		Request:   req,
		StartTime: time.Now(),
	}
	fm.jobs[job.ID] = job
	fm.active = job.ID
	return *job, nil
}

// GetJob returns a snapshot of the job.
func (fm *FitManager) GetJob(id string) (Job, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	job, exists := fm.jobs[id]
	if !exists {
		return Job{}, false
	}
	return *job, true
}

// ListJobs returns snapshots of all jobs, newest first
func (fm *FitManager) ListJobs() []Job {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	jobs := make([]Job, 0, len(fm.jobs))
	for _, job := range fm.jobs {
		jobs = append(jobs, *job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartTime.After(jobs[j].StartTime) })
	return jobs
}

// UpdateJob atomically updates a job using the provided function. Callers replace maps and
// slices instead of mutating them so earlier snapshots stay valid.
func (fm *FitManager) UpdateJob(id string, updateFn func(*Job)) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	job, exists := fm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	updateFn(job)
	if job.State.Terminal() && fm.active == id {
		fm.active = ""
		delete(fm.cancels, id)
	}
	return nil
}

// Active returns the ID of the pending or running job, if any.
func (fm *FitManager) Active() (string, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return fm.active, fm.active != ""
}

// setCancel records how to stop a running job.
func (fm *FitManager) setCancel(id string, cancel context.CancelFunc) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	fm.cancels[id] = cancel
}

// Cancel asks a pending or running job to stop. The worker finishes the current iteration
// and records the job as cancelled.
func (fm *FitManager) Cancel(id string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	job, exists := fm.jobs[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.State.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, id, job.State)
	}
	if cancel, ok := fm.cancels[id]; ok {
		cancel()
		return nil
	}

	// not picked up by a worker yet
	now := time.Now()
	job.State = StateCancelled
	job.Reason = fit.Stopped
	job.EndTime = &now
	if fm.active == id {
		fm.active = ""
	}
	return nil
}
