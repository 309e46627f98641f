package fit

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func matFromRows(rows [][]float64) *mat.Dense {
	m := mat.NewDense(len(rows), len(rows[0]), nil)
	for i, row := range rows {
		m.SetRow(i, row)
	}
	return m
}

func drain(ch chan Report) []Report {
	close(ch)
	var out []Report
	for r := range ch {
		out = append(out, r)
	}
	return out
}

func TestRunRecoversKnownParameters(t *testing.T) {
	times := logSpaced(0.01, 100, 50)
	ev := &powerLaw{}
	o := NewOptimizer(ev, DefaultSettings())

	reports := make(chan Report, 128)
	var progress []int
	res, err := o.Run(context.Background(), Request{
		Model:  "powerlaw",
		Params: powerLawParams(1, 0.8),
		Weight: 0.5,
		Series: syntheticSeries(3, 0.5, times),
	}, Listener{Reports: reports, Progress: func(p int) { progress = append(progress, p) }})
	require.NoError(t, err)

	assert.Equal(t, Converged, res.Reason)
	assert.Less(t, res.MSE, 3e-3)
	assert.Less(t, res.Iterations, 50)
	assert.Positive(t, res.Accepted)
	assert.InEpsilon(t, 3.0, res.Mapping[ParamKm], 0.1)
	assert.InDelta(t, 0.5, res.Mapping[ParamSkin], 0.01)

	// values are written back into the returned parameter list
	assert.Equal(t, res.Mapping[ParamKm], res.Params[0].Value)

	got := drain(reports)
	require.GreaterOrEqual(t, len(got), 2)
	assert.False(t, got[0].Final)
	last := got[len(got)-1]
	assert.True(t, last.Final)
	assert.Equal(t, Converged, last.Reason)
	assert.Len(t, last.Curve.Time, len(times))
	assert.Equal(t, 100, progress[len(progress)-1])

	high, ok := ev.lastToggle()
	assert.True(t, ok)
	assert.True(t, high, "high precision must be restored")
	assert.False(t, ev.toggles[0], "run must start in low precision")
	assert.Equal(t, Idle, o.State())
}

func TestRunDoesNotModifyRequest(t *testing.T) {
	params := powerLawParams(1, 0.8)
	series := syntheticSeries(3, 0.5, logSpaced(0.01, 100, 20))
	before := series.Clone()

	_, err := NewOptimizer(&powerLaw{}, Settings{}).Run(context.Background(), Request{
		Model: "powerlaw", Params: params, Weight: 0.5, Series: series,
	}, Listener{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, params[0].Value)
	assert.Equal(t, before, series)
}

func TestRunMonotoneDescentAndTermination(t *testing.T) {
	settings := DefaultSettings()
	settings.ConvergeMSE = 1e-30
	settings.MaxIterations = 20

	reports := make(chan Report, 256)
	res, err := NewOptimizer(&powerLaw{}, settings).Run(context.Background(), Request{
		Model:  "powerlaw",
		Params: powerLawParams(100, -1),
		Weight: 0.7,
		Series: syntheticSeries(0.2, 1.3, logSpaced(0.001, 1000, 300)),
	}, Listener{Reports: reports})
	require.NoError(t, err)

	// noise-free data is fitted exactly, so even a 1e-30 threshold is reached early
	assert.Equal(t, Converged, res.Reason)
	assert.Less(t, res.Iterations, 20)
	assert.Less(t, res.MSE, settings.ConvergeMSE)

	for i := 1; i < len(res.History); i++ {
		if res.History[i] >= res.History[i-1] {
			t.Errorf("History not decreasing at %d: %g >= %g", i, res.History[i], res.History[i-1])
		}
	}

	got := drain(reports)
	for i := 1; i < len(got); i++ {
		if got[i].MSE > got[i-1].MSE {
			t.Errorf("Reported MSE increased at %d: %g > %g", i, got[i].MSE, got[i-1].MSE)
		}
	}
	assert.True(t, got[len(got)-1].Final)
	assert.Less(t, res.MSE, res.History[0])
}

// perturbedSeries multiplies the synthetic pressures by exp(0.3·sin i), which no power law
// can reproduce, so the MSE floor stays well above the default threshold.
func perturbedSeries(km, s float64, times []float64) ObservedSeries {
	series := syntheticSeries(km, s, times)
	for i := range series.Pressure {
		series.Pressure[i] *= math.Exp(0.3 * math.Sin(float64(i)))
	}
	return series
}

func TestRunExhaustsIterationBudget(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxIterations = 3

	reports := make(chan Report, 16)
	res, err := NewOptimizer(&powerLaw{}, settings).Run(context.Background(), Request{
		Model:  "powerlaw",
		Params: powerLawParams(100, -1),
		Weight: 0.7,
		Series: perturbedSeries(0.2, 1.3, logSpaced(0.001, 1000, 50)),
	}, Listener{Reports: reports})
	require.NoError(t, err)

	assert.Equal(t, MaxIterations, res.Reason)
	assert.Equal(t, settings.MaxIterations, res.Iterations)
	assert.Greater(t, res.MSE, settings.ConvergeMSE)
	assert.Less(t, res.MSE, res.History[0])

	got := drain(reports)
	require.NotEmpty(t, got)
	for _, r := range got[:len(got)-1] {
		assert.False(t, r.Final)
	}
	last := got[len(got)-1]
	assert.True(t, last.Final)
	assert.Equal(t, MaxIterations, last.Reason)
	assert.Equal(t, settings.MaxIterations, last.Iteration)
	assert.Equal(t, res.MSE, last.MSE)
}

func TestRunLastIterationBelowThresholdIsConverged(t *testing.T) {
	settings := DefaultSettings()
	settings.MaxIterations = 1

	reports := make(chan Report, 16)
	res, err := NewOptimizer(&powerLaw{}, settings).Run(context.Background(), Request{
		Model:  "powerlaw",
		Params: powerLawParams(0.3, 1.2),
		Weight: 0.5,
		Series: syntheticSeries(0.2, 1.3, logSpaced(0.001, 1000, 50)),
	}, Listener{Reports: reports})
	require.NoError(t, err)

	require.Len(t, res.History, 2, "one accepted step from above the threshold")
	assert.GreaterOrEqual(t, res.History[0], settings.ConvergeMSE)
	assert.Equal(t, Converged, res.Reason)
	assert.Equal(t, 1, res.Iterations)
	assert.Less(t, res.MSE, settings.ConvergeMSE)

	got := drain(reports)
	require.Len(t, got, 3)
	assert.True(t, got[2].Final)
	assert.Equal(t, Converged, got[2].Reason)
}

func TestRunNoFreeParameters(t *testing.T) {
	params := powerLawParams(2, 0.5)
	for i := range params {
		params[i].Fit = false
	}
	reports := make(chan Report, 4)
	ev := &powerLaw{}

	res, err := NewOptimizer(ev, Settings{}).Run(context.Background(), Request{
		Model: "powerlaw", Params: params, Weight: 0.5,
		Series: syntheticSeries(2, 0.5, logSpaced(1, 10, 10)),
	}, Listener{Reports: reports})
	require.NoError(t, err)

	assert.Equal(t, NoFreeParameters, res.Reason)
	assert.Equal(t, 0, res.Iterations)
	assert.InDelta(t, 0, res.MSE, 1e-20)

	got := drain(reports)
	require.Len(t, got, 1)
	assert.True(t, got[0].Final)

	high, _ := ev.lastToggle()
	assert.True(t, high)
}

func TestRunDerivedParameterIsNeverFree(t *testing.T) {
	params := []FitParameter{
		{Name: ParamKm, Value: 1, Min: 0.1, Max: 10},
		{Name: ParamSkin, Value: 1, Min: -1, Max: 2},
		{Name: ParamLfD, Value: 1, Min: 0, Max: 10, Fit: true},
	}
	res, err := NewOptimizer(&powerLaw{}, Settings{}).Run(context.Background(), Request{
		Model: "powerlaw", Params: params, Series: syntheticSeries(1, 1, []float64{1, 2}),
	}, Listener{})
	require.NoError(t, err)
	assert.Equal(t, NoFreeParameters, res.Reason)
	// derived value recomputed without lengths
	assert.Equal(t, 0.0, res.Mapping[ParamLfD])
}

func TestRunNoData(t *testing.T) {
	reports := make(chan Report, 4)
	res, err := NewOptimizer(&powerLaw{}, Settings{}).Run(context.Background(), Request{
		Model: "powerlaw", Params: powerLawParams(1, 1), Weight: 0.5,
	}, Listener{Reports: reports})
	require.NoError(t, err)

	assert.Equal(t, NoData, res.Reason)
	got := drain(reports)
	require.Len(t, got, 1)
	assert.True(t, got[0].Final)
	// the final curve falls back to the default display grid
	assert.Len(t, got[0].Curve.Time, 81)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reports := make(chan Report, 8)
	res, err := NewOptimizer(&powerLaw{}, Settings{}).Run(ctx, Request{
		Model: "powerlaw", Params: powerLawParams(1, 0.8), Weight: 0.5,
		Series: syntheticSeries(3, 0.5, logSpaced(0.1, 10, 20)),
	}, Listener{Reports: reports})
	require.NoError(t, err)

	assert.Equal(t, Stopped, res.Reason)
	assert.Equal(t, 0, res.Iterations)
	got := drain(reports)
	require.Len(t, got, 2, "initial and final report")
	assert.Equal(t, Stopped, got[1].Reason)
}

func TestRunCancelledDuringProgress(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultSettings()
	settings.ConvergeMSE = 1e-30
	res, err := NewOptimizer(&powerLaw{}, settings).Run(ctx, Request{
		Model: "powerlaw", Params: powerLawParams(1, 0.8), Weight: 0.5,
		Series: syntheticSeries(3, 0.5, logSpaced(0.1, 10, 20)),
	}, Listener{Progress: func(p int) {
		if p < 100 {
			cancel()
		}
	}})
	require.NoError(t, err)
	assert.Equal(t, Stopped, res.Reason)
	assert.Equal(t, 1, res.Iterations)
}

func TestRunStallsWhenEvaluatorFails(t *testing.T) {
	// initial residuals and the initial snapshot succeed, everything after fails
	ev := &powerLaw{failAfter: 2}
	reports := make(chan Report, 8)

	res, err := NewOptimizer(ev, Settings{}).Run(context.Background(), Request{
		Model: "powerlaw", Params: powerLawParams(1, 0.8), Weight: 0.5,
		Series: syntheticSeries(3, 0.5, logSpaced(0.1, 10, 20)),
	}, Listener{Reports: reports})
	require.NoError(t, err)

	assert.Equal(t, Stalled, res.Reason)
	assert.Equal(t, 3, res.Iterations)
	assert.Greater(t, res.Lambda, 1e10)
	assert.Equal(t, 0, res.Accepted)
	assert.Equal(t, 1.0, res.Mapping[ParamKm])

	got := drain(reports)
	require.Len(t, got, 2)
	assert.Empty(t, got[1].Curve.Time, "failed final evaluation yields an empty curve")
}

func TestRunInitialEvaluationError(t *testing.T) {
	ev := &powerLaw{}
	params := []FitParameter{{Name: ParamKm, Value: 1, Min: 0.1, Max: 10, Fit: true}}

	_, err := NewOptimizer(ev, Settings{}).Run(context.Background(), Request{
		Model: "powerlaw", Params: params, Series: syntheticSeries(1, 1, []float64{1, 2}),
	}, Listener{})
	if !errors.Is(err, ErrUnknownParameter) {
		t.Fatalf("Expected ErrUnknownParameter, got %v", err)
	}
	high, _ := ev.lastToggle()
	assert.True(t, high)
}

func TestRunWithoutEvaluator(t *testing.T) {
	_, err := NewOptimizer(nil, Settings{}).Run(context.Background(), Request{}, Listener{})
	assert.ErrorIs(t, err, ErrNoEvaluator)
}

// gatedEval blocks its first evaluation until released.
type gatedEval struct {
	powerLaw
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (g *gatedEval) Evaluate(model ModelType, params Mapping, times []float64) (Curve, error) {
	g.once.Do(func() {
		close(g.started)
		<-g.release
	})
	return g.powerLaw.Evaluate(model, params, times)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	ev := &gatedEval{started: make(chan struct{}), release: make(chan struct{})}
	o := NewOptimizer(ev, Settings{})
	req := Request{
		Model: "powerlaw", Params: powerLawParams(1, 0.8), Weight: 0.5,
		Series: syntheticSeries(3, 0.5, logSpaced(0.1, 10, 20)),
	}

	done := make(chan error, 1)
	go func() {
		_, err := o.Run(context.Background(), req, Listener{})
		done <- err
	}()

	<-ev.started
	assert.Equal(t, Running, o.State())
	_, err := o.Run(context.Background(), req, Listener{})
	assert.ErrorIs(t, err, ErrBusy)

	close(ev.release)
	require.NoError(t, <-done)
	assert.Equal(t, Idle, o.State())
}

func TestSolveDampedRejectsBadSystems(t *testing.T) {
	h, g := normalEquations(matFromRows([][]float64{{1, 0}, {0, 1}}), []float64{1, 2})
	delta, ok := solveDamped(h, g, 0)
	require.True(t, ok)
	assert.InDeltaSlice(t, []float64{-1, -2}, delta, 1e-12)

	h, g = normalEquations(matFromRows([][]float64{{math.NaN(), 0}, {0, 1}}), []float64{1, 1})
	_, ok = solveDamped(h, g, 0.01)
	assert.False(t, ok)
}

func TestStepParametersClamps(t *testing.T) {
	params := powerLawParams(1, 0)
	current := MappingOf(params)

	trial := stepParameters(current, params, []int{0, 1}, []float64{10, -100})
	assert.Equal(t, 1e3, trial[ParamKm])
	assert.Equal(t, -5.0, trial[ParamSkin])
	assert.Equal(t, 1.0, current[ParamKm], "current mapping must not change")

	trial = stepParameters(current, params, []int{0}, []float64{1})
	assert.InDelta(t, 10, trial[ParamKm], 1e-12)
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{MaxIterations: 7}.withDefaults()
	assert.Equal(t, 7, s.MaxIterations)
	assert.Equal(t, 0.01, s.InitialLambda)
	assert.Equal(t, 3e-3, s.ConvergeMSE)
	assert.Equal(t, 5, s.DampingTrials)
	assert.Equal(t, 1e10, s.StallLambda)
	assert.Equal(t, DefaultSampleCount, s.SampleCount)
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
}
