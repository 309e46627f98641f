package main

import (
	"math"
	"testing"

	"github.com/cwbudde/welltestfit/internal/config"
	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/model"
	"github.com/cwbudde/welltestfit/internal/store"
)

// useTempStore points the command configuration at a fresh data directory.
func useTempStore(t *testing.T) string {
	t.Helper()
	c, err := config.Load("", nil)
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}
	dir := t.TempDir()
	c.Store.DataDir = dir

	original := cfg
	cfg = c
	t.Cleanup(func() { cfg = original })
	return dir
}

// syntheticSeries evaluates the homogeneous model at known parameters.
func syntheticSeries(t *testing.T) fit.ObservedSeries {
	t.Helper()
	times := make([]float64, 30)
	for i := range times {
		times[i] = math.Pow(10, -3+5*float64(i)/float64(len(times)-1))
	}
	curve, err := model.NewEvaluator().Evaluate(model.Homogeneous, fit.Mapping{"km": 2, "S": 1, "C": 0.02}, times)
	if err != nil {
		t.Fatalf("Failed to build synthetic data: %v", err)
	}
	return fit.ObservedSeries{Time: curve.Time, Pressure: curve.Pressure, Derivative: curve.Derivative}
}

func testSession(t *testing.T) *store.Session {
	t.Helper()
	params, err := model.DefaultParameters(model.Homogeneous)
	if err != nil {
		t.Fatalf("DefaultParameters failed: %v", err)
	}
	req := fit.Request{Model: model.Homogeneous, Params: params, Weight: 0.5, Series: syntheticSeries(t)}
	return store.NewSession(req, store.ViewRect{})
}
