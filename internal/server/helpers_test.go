package server

import (
	"math"
	"testing"
	"time"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/model"
)

// syntheticSeries evaluates the homogeneous model at known parameters.
func syntheticSeries(t *testing.T) fit.ObservedSeries {
	t.Helper()
	times := make([]float64, 40)
	for i := range times {
		times[i] = math.Pow(10, -3+5*float64(i)/float64(len(times)-1))
	}
	curve, err := model.NewEvaluator().Evaluate(model.Homogeneous, fit.Mapping{"km": 2, "S": 1, "C": 0.02}, times)
	if err != nil {
		t.Fatalf("Failed to build synthetic data: %v", err)
	}
	return fit.ObservedSeries{Time: curve.Time, Pressure: curve.Pressure, Derivative: curve.Derivative}
}

func testSettings() Settings {
	s := DefaultServerSettings()
	s.Fit.MaxIterations = 8
	s.CheckpointEvery = 1
	return s
}

// waitForTerminal polls until the job leaves the pending/running states.
func waitForTerminal(t *testing.T, fm *FitManager, id string) Job {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := fm.GetJob(id)
		if !ok {
			t.Fatalf("Job %s disappeared", id)
		}
		if job.State.Terminal() {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Job %s did not finish in time", id)
	return Job{}
}
