package store

import (
	"time"

	"github.com/cwbudde/welltestfit/internal/fit"
)

func testSession() *Session {
	req := fit.Request{
		Model: "homogeneous",
		Params: []fit.FitParameter{
			{Name: "km", Value: 1.25, Min: 1e-3, Max: 1e3, Fit: true, Step: 0.1, Visible: true},
			{Name: "S", Value: 0.5, Min: -5, Max: 50, Fit: true, Step: 0.1, Visible: true},
			{Name: "C", Value: 0.01, Min: 1e-5, Max: 10, Step: 0.001, Visible: true},
		},
		Weight: 0.6,
		Series: fit.ObservedSeries{
			Time:       []float64{0.1, 1, 10},
			Pressure:   []float64{1.5, 3.25, 5.125},
			Derivative: []float64{0.5, 0.75, 0.8},
		},
		Sampling: fit.SamplingPolicy{Enabled: true, Intervals: []fit.SamplingInterval{{Start: 0.1, End: 10, Count: 3}}},
	}
	return NewSession(req, ViewRect{XMin: 1e-3, XMax: 1e3, YMin: 1e-2, YMax: 1e2})
}

func createTestCheckpoint(fitID string) *Checkpoint {
	cp := NewCheckpoint(fitID, testSession(), 0.0234, 0.5621, 12, fit.Converged)
	cp.Timestamp = time.Now().Round(0)
	return cp
}
