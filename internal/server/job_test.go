package server

import (
	"errors"
	"testing"
	"time"

	"github.com/cwbudde/welltestfit/internal/fit"
)

func TestFitManager_CreateJob(t *testing.T) {
	fm := NewFitManager()

	job, err := fm.CreateJob(FitRequest{Model: "homogeneous"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if job.ID == "" {
		t.Error("Job ID should not be empty")
	}
	if job.State != StatePending {
		t.Errorf("Initial state should be pending, got %s", job.State)
	}
	if active, ok := fm.Active(); !ok || active != job.ID {
		t.Errorf("Expected %s to hold the active slot, got %q", job.ID, active)
	}
}

func TestFitManager_SingleActiveFit(t *testing.T) {
	fm := NewFitManager()

	first, _ := fm.CreateJob(FitRequest{})
	if _, err := fm.CreateJob(FitRequest{}); !errors.Is(err, ErrFitActive) {
		t.Fatalf("Expected ErrFitActive, got %v", err)
	}

	// finishing the first job frees the slot
	fm.UpdateJob(first.ID, func(j *Job) { j.State = StateRunning })
	if _, ok := fm.Active(); !ok {
		t.Fatal("Running job should keep the slot")
	}
	fm.UpdateJob(first.ID, func(j *Job) { j.State = StateCompleted })
	if _, ok := fm.Active(); ok {
		t.Fatal("Completed job should release the slot")
	}

	if _, err := fm.CreateJob(FitRequest{}); err != nil {
		t.Errorf("Second job should be accepted after the first finished: %v", err)
	}
}

func TestFitManager_GetJobReturnsSnapshot(t *testing.T) {
	fm := NewFitManager()
	job, _ := fm.CreateJob(FitRequest{})

	snap, exists := fm.GetJob(job.ID)
	if !exists {
		t.Fatal("Job should exist")
	}
	fm.UpdateJob(job.ID, func(j *Job) { j.MSE = 1.5 })
	if snap.MSE != 0 {
		t.Error("Snapshot changed after update")
	}

	if _, exists := fm.GetJob("nonexistent"); exists {
		t.Error("Should not find nonexistent job")
	}
}

func TestFitManager_ListJobsNewestFirst(t *testing.T) {
	fm := NewFitManager()

	if len(fm.ListJobs()) != 0 {
		t.Error("Should start with no jobs")
	}

	a, _ := fm.CreateJob(FitRequest{})
	fm.UpdateJob(a.ID, func(j *Job) {
		j.State = StateCompleted
		j.StartTime = time.Now().Add(-time.Minute)
	})
	b, _ := fm.CreateJob(FitRequest{})

	jobs := fm.ListJobs()
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != b.ID || jobs[1].ID != a.ID {
		t.Errorf("Jobs not ordered newest first: %s, %s", jobs[0].ID, jobs[1].ID)
	}
}

func TestFitManager_UpdateJobNotFound(t *testing.T) {
	fm := NewFitManager()
	err := fm.UpdateJob("missing", func(*Job) {})
	if !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}
}

func TestFitManager_Cancel(t *testing.T) {
	fm := NewFitManager()

	if err := fm.Cancel("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}

	// pending without a worker is cancelled directly
	job, _ := fm.CreateJob(FitRequest{})
	if err := fm.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	got, _ := fm.GetJob(job.ID)
	if got.State != StateCancelled || got.Reason != fit.Stopped || got.EndTime == nil {
		t.Errorf("Unexpected cancelled job: %+v", got)
	}
	if _, ok := fm.Active(); ok {
		t.Error("Cancelled job should release the slot")
	}

	if err := fm.Cancel(job.ID); !errors.Is(err, ErrNotActive) {
		t.Errorf("Expected ErrNotActive, got %v", err)
	}

	// with a worker the cancel function is called
	job, _ = fm.CreateJob(FitRequest{})
	called := false
	fm.setCancel(job.ID, func() { called = true })
	if err := fm.Cancel(job.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if !called {
		t.Error("Cancel function not called")
	}
	if got, _ := fm.GetJob(job.ID); got.State != StatePending {
		t.Errorf("Worker owns the state change, got %s", got.State)
	}
}

func TestJobStateTerminal(t *testing.T) {
	for state, want := range map[JobState]bool{
		StatePending:   false,
		StateRunning:   false,
		StateCompleted: true,
		StateFailed:    true,
		StateCancelled: true,
	} {
		if state.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", state, !want)
		}
	}
}
