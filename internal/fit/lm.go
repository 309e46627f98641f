package fit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrBusy is returned when Run is called while another run is active.
	ErrBusy = errors.New("fit already running")

	// ErrNoEvaluator is returned when the optimizer has no model evaluator.
	ErrNoEvaluator = errors.New("no model evaluator")
)

// Settings controls the damping schedule and termination of the optimizer.
type Settings struct {
	MaxIterations int     `mapstructure:"max_iterations" yaml:"max_iterations"`
	InitialLambda float64 `mapstructure:"initial_lambda" yaml:"initial_lambda"`
	ConvergeMSE   float64 `mapstructure:"converge_mse" yaml:"converge_mse"`
	DampingTrials int     `mapstructure:"damping_trials" yaml:"damping_trials"`
	StallLambda   float64 `mapstructure:"stall_lambda" yaml:"stall_lambda"`
	SampleCount   int     `mapstructure:"sample_count" yaml:"sample_count"`
}

// DefaultSettings returns the standard schedule: 50 iterations, lambda 0.01, convergence
// below an MSE of 3e-3, five damping trials per iteration and a stall limit of 1e10.
func DefaultSettings() Settings {
	return Settings{
		MaxIterations: 50,
		InitialLambda: 0.01,
		ConvergeMSE:   3e-3,
		DampingTrials: 5,
		StallLambda:   1e10,
		SampleCount:   DefaultSampleCount,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.MaxIterations <= 0 {
		s.MaxIterations = d.MaxIterations
	}
	if s.InitialLambda <= 0 {
		s.InitialLambda = d.InitialLambda
	}
	if s.ConvergeMSE <= 0 {
		s.ConvergeMSE = d.ConvergeMSE
	}
	if s.DampingTrials <= 0 {
		s.DampingTrials = d.DampingTrials
	}
	if s.StallLambda <= 0 {
		s.StallLambda = d.StallLambda
	}
	if s.SampleCount <= 0 {
		s.SampleCount = d.SampleCount
	}
	return s
}

// Request describes one fit run. The optimizer copies everything it keeps.
type Request struct {
	Model    ModelType
	Params   []FitParameter
	Weight   float64 // pressure weight in [0,1]; the derivative gets 1-Weight
	Series   ObservedSeries
	Sampling SamplingPolicy
}

// Listener receives progress from a run. Both fields are optional.
// Reports are sent with blocking sends from the worker goroutine, so the receiver must keep
// draining the channel until Run returns; the final report is always sent.
type Listener struct {
	Reports  chan<- Report
	Progress func(percent int)
}

func (l Listener) report(r Report) {
	if l.Reports != nil {
		l.Reports <- r
	}
}

func (l Listener) progress(p int) {
	if l.Progress != nil {
		l.Progress(p)
	}
}

// Result summarizes a finished run.
type Result struct {
	Params     []FitParameter
	Mapping    Mapping
	MSE        float64
	Iterations int
	Accepted   int
	Lambda     float64
	Reason     Termination
	History    []float64 // MSE after initialization and after each accepted step
	Curve      Curve
}

// State is the optimizer lifecycle state.
type State int32

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// Optimizer runs damped Gauss-Newton (Levenberg-Marquardt) fits against an Evaluator.
// At most one run is active at a time.
type Optimizer struct {
	ev       Evaluator
	settings Settings
	planner  Planner
	state    atomic.Int32
}

// NewOptimizer creates an optimizer. Zero fields in settings take their defaults.
func NewOptimizer(ev Evaluator, settings Settings) *Optimizer {
	settings = settings.withDefaults()
	return &Optimizer{
		ev:       ev,
		settings: settings,
		planner:  Planner{DefaultCount: settings.SampleCount},
	}
}

// State returns the current lifecycle state.
func (o *Optimizer) State() State {
	return State(o.state.Load())
}

// Settings returns the effective settings.
func (o *Optimizer) Settings() Settings {
	return o.settings
}

// fitRun is the private working state of one Run.
type fitRun struct {
	pr       *problem
	params   []FitParameter
	free     []int
	names    []string
	current  Mapping
	res      []float64
	mse      float64
	lambda   float64
	display  []float64
	history  []float64
	accepted int
}

// Run fits req and returns the best parameters found. Cancelling ctx stops the run at the
// next iteration boundary; the final report is still emitted. Run only returns an error for
// a missing evaluator, a concurrent run, or a failing initial model evaluation.
func (o *Optimizer) Run(ctx context.Context, req Request, l Listener) (*Result, error) {
	if o.ev == nil {
		return nil, ErrNoEvaluator
	}
	if !o.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return nil, ErrBusy
	}
	defer o.state.Store(int32(Idle))

	o.ev.SetHighPrecision(false)
	defer o.ev.SetHighPrecision(true)

	series := req.Series.Normalize()
	run := &fitRun{
		pr: &problem{
			ev:      o.ev,
			model:   req.Model,
			weight:  req.Weight,
			sampled: o.planner.Plan(series, req.Sampling),
		},
		params:  CloneParameters(req.Params),
		lambda:  o.settings.InitialLambda,
		display: DisplayTimes(series),
	}
	for i, p := range run.params {
		if p.Fit && !IsDerived(p.Name) {
			run.free = append(run.free, i)
			run.names = append(run.names, p.Name)
		}
	}
	run.current = MappingOf(run.params)
	ApplyConstraints(run.current)

	slog.Info("Starting fit",
		"model", req.Model,
		"free_params", len(run.free),
		"observed", series.Len(),
		"sampled", run.pr.sampled.Len(),
		"weight", req.Weight,
	)

	if len(run.free) == 0 {
		if res, err := run.pr.residuals(run.current); err == nil {
			run.res = res
			run.mse = MSE(res)
		}
		return o.finish(run, l, NoFreeParameters, 0), nil
	}
	if run.pr.sampled.Len() == 0 {
		return o.finish(run, l, NoData, 0), nil
	}

	res, err := run.pr.residuals(run.current)
	if err != nil {
		return nil, fmt.Errorf("initial evaluation: %w", err)
	}
	run.res = res
	run.mse = MSE(res)
	run.history = append(run.history, run.mse)
	l.report(o.snapshot(run, 0, false, ""))

	reason := MaxIterations
	iterations := 0
	for iter := 0; iter < o.settings.MaxIterations; iter++ {
		if ctx.Err() != nil {
			reason = Stopped
			break
		}
		if len(run.res) > 0 && run.mse < o.settings.ConvergeMSE {
			reason = Converged
			break
		}
		l.progress(iter * 100 / o.settings.MaxIterations)
		iterations++

		accepted := o.iterate(run, l, iter+1)
		if !accepted && run.lambda > o.settings.StallLambda {
			reason = Stalled
			break
		}
	}
	if reason == MaxIterations && run.mse < o.settings.ConvergeMSE {
		reason = Converged
	}

	return o.finish(run, l, reason, iterations), nil
}

// iterate performs one outer iteration and reports whether a step was accepted.
func (o *Optimizer) iterate(run *fitRun, l Listener, iteration int) bool {
	j := run.pr.jacobian(run.current, run.res, run.names)
	if j == nil {
		return false
	}
	h, g := normalEquations(j, run.res)

	for trial := 0; trial < o.settings.DampingTrials; trial++ {
		delta, ok := solveDamped(h, g, run.lambda)
		if ok {
			candidate := stepParameters(run.current, run.params, run.free, delta)
			ApplyConstraints(candidate)

			newRes, err := run.pr.residuals(candidate)
			if err == nil && len(newRes) == len(run.res) {
				newMSE := MSE(newRes)
				slog.Debug("Damping trial", "iteration", iteration, "trial", trial, "lambda", run.lambda, "mse", run.mse, "trial_mse", newMSE)
				if newMSE < run.mse {
					run.current = candidate
					run.res = newRes
					run.mse = newMSE
					run.lambda /= 10
					run.accepted++
					run.history = append(run.history, newMSE)
					l.report(o.snapshot(run, iteration, false, ""))
					return true
				}
			} else {
				slog.Debug("Trial evaluation rejected", "iteration", iteration, "trial", trial, "error", err)
			}
		}
		run.lambda *= 10
	}
	return false
}

// finish restores high precision, emits the final report and builds the result.
func (o *Optimizer) finish(run *fitRun, l Listener, reason Termination, iterations int) *Result {
	o.ev.SetHighPrecision(true)
	updateDerived(run.current)

	final := o.snapshot(run, iterations, true, reason)
	l.progress(100)
	l.report(final)

	for i := range run.params {
		if v, ok := run.current[run.params[i].Name]; ok {
			run.params[i].Value = v
		}
	}

	slog.Info("Fit finished",
		"reason", reason,
		"iterations", iterations,
		"accepted", run.accepted,
		"mse", run.mse,
		"lambda", run.lambda,
	)

	return &Result{
		Params:     run.params,
		Mapping:    run.current.Clone(),
		MSE:        run.mse,
		Iterations: iterations,
		Accepted:   run.accepted,
		Lambda:     run.lambda,
		Reason:     reason,
		History:    run.history,
		Curve:      final.Curve,
	}
}

// snapshot builds an immutable report of the current state with a freshly evaluated curve.
func (o *Optimizer) snapshot(run *fitRun, iteration int, final bool, reason Termination) Report {
	curve, err := o.ev.Evaluate(run.pr.model, run.current, run.display)
	if err != nil {
		slog.Warn("Model curve evaluation failed", "model", run.pr.model, "error", err)
		curve = Curve{}
	}
	return Report{
		Iteration: iteration,
		MSE:       run.mse,
		Params:    run.current.Clone(),
		Curve:     curve.Clone(),
		Lambda:    run.lambda,
		Final:     final,
		Reason:    reason,
	}
}

// normalEquations returns H = JᵀJ and g = Jᵀr.
func normalEquations(j *mat.Dense, r []float64) (*mat.SymDense, *mat.VecDense) {
	var h mat.SymDense
	h.SymOuterK(1, j.T())

	var g mat.VecDense
	g.MulVec(j.T(), mat.NewVecDense(len(r), r))
	return &h, &g
}

// solveDamped solves (H + λ·diag(1+|H_ii|))·δ = -g. It reports false when the damped matrix
// cannot be factorized or the step is not finite.
func solveDamped(h *mat.SymDense, g *mat.VecDense, lambda float64) ([]float64, bool) {
	n := h.SymmetricDim()
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(h)
	for i := 0; i < n; i++ {
		hii := h.At(i, i)
		damped.SetSym(i, i, hii+lambda*(1+math.Abs(hii)))
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(damped); !ok {
		return nil, false
	}

	negG := mat.NewVecDense(n, nil)
	negG.ScaleVec(-1, g)

	var delta mat.VecDense
	if err := chol.SolveVecTo(&delta, negG); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, false
		}
	}

	out := make([]float64, n)
	for i := range out {
		v := delta.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		out[i] = v
	}
	return out, true
}

// stepParameters applies delta to the free parameters, in log10 or linear space, and clamps
// every new value to its range.
func stepParameters(current Mapping, params []FitParameter, free []int, delta []float64) Mapping {
	trial := current.Clone()
	for i, idx := range free {
		p := params[idx]
		old := current[p.Name]
		var v float64
		if usesLogScale(p.Name, old) {
			v = math.Pow(10, math.Log10(old)+delta[i])
		} else {
			v = old + delta[i]
		}
		trial[p.Name] = p.Clamp(v)
	}
	return trial
}
