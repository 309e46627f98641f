package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/model"
	"github.com/cwbudde/welltestfit/internal/opt"
	"github.com/cwbudde/welltestfit/internal/store"
)

// Seed search defaults for requests that leave them unset.
const (
	DefaultSeedIters = 100
	DefaultSeedPop   = 30
	DefaultSeed      = 42
)

// DefaultStreamRetention is how long a finished fit's stream state is kept for late subscribers.
const DefaultStreamRetention = 30 * time.Second

// Settings are the server-wide fit defaults.
type Settings struct {
	Fit             fit.Settings
	Weight          float64       // pressure weight used when a request has none
	CheckpointEvery int           // accepted steps between checkpoints, 0 saves only the final state
	StreamRetention time.Duration // zero means DefaultStreamRetention
}

// DefaultServerSettings returns the optimizer defaults, an even pressure/derivative weight
// and a checkpoint every five accepted steps.
func DefaultServerSettings() Settings {
	return Settings{
		Fit:             fit.DefaultSettings(),
		Weight:          0.5,
		CheckpointEvery: 5,
		StreamRetention: DefaultStreamRetention,
	}
}

// worker holds what runFit needs besides the job itself.
type worker struct {
	fits     *FitManager
	store    store.Store // may be nil
	settings Settings
	metrics  *Metrics
}

// buildRequest resolves a submitted job into an optimizer request: the model name is
// normalized, missing parameters and weight take their defaults, and a resumed fit starts
// from the checkpoint's best parameters.
func buildRequest(jr FitRequest, st store.Store, settings Settings) (fit.Request, error) {
	if jr.ResumeFrom != "" {
		return resumeRequest(jr, st, settings)
	}

	mt := model.NormalizeType(string(jr.Model))
	if _, err := model.Lookup(mt); err != nil {
		return fit.Request{}, err
	}

	params := fit.CloneParameters(jr.Params)
	if len(params) == 0 {
		var err error
		if params, err = model.DefaultParameters(mt); err != nil {
			return fit.Request{}, err
		}
	}
	fit.ApplyParameterConstraints(params)

	weight := settings.Weight
	if jr.Weight != nil {
		weight = *jr.Weight
	}
	if weight < 0 || weight > 1 {
		return fit.Request{}, fmt.Errorf("weight must be in [0,1], got %g", weight)
	}

	return fit.Request{
		Model:    mt,
		Params:   params,
		Weight:   weight,
		Series:   jr.Series,
		Sampling: jr.Sampling,
	}, nil
}

func resumeRequest(jr FitRequest, st store.Store, settings Settings) (fit.Request, error) {
	if st == nil {
		return fit.Request{}, errors.New("resume requires a checkpoint store")
	}
	cp, err := st.LoadCheckpoint(jr.ResumeFrom)
	if err != nil {
		return fit.Request{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if err := cp.Validate(); err != nil {
		return fit.Request{}, fmt.Errorf("invalid checkpoint: %w", err)
	}

	// without new data the stored session is continued as-is
	if jr.Series.Len() == 0 {
		return cp.Session.Request(), nil
	}

	fresh := jr
	fresh.ResumeFrom = ""
	if fresh.Model == "" {
		fresh.Model = cp.Session.Model
	}
	req, err := buildRequest(fresh, nil, settings)
	if err != nil {
		return fit.Request{}, err
	}
	if err := cp.IsCompatible(store.NewSession(req, jr.View)); err != nil {
		return fit.Request{}, fmt.Errorf("checkpoint %s cannot seed this fit: %w", jr.ResumeFrom, err)
	}
	req.Params = cp.Session.Request().Params
	return req, nil
}

// runFit executes a fit job. Reports from the optimizer update the job, reach stream
// subscribers, are appended to the trace and periodically checkpointed.
func runFit(ctx context.Context, w *worker, jobID string) error {
	job, exists := w.fits.GetJob(jobID)
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.State.Terminal() {
		// cancelled before the worker started
		w.fits.broadcaster.Broadcast(eventFromJob(job))
		w.releaseStream(jobID)
		return nil
	}

	req, err := buildRequest(job.Request, w.store, w.settings)
	if err != nil {
		w.markJobFailed(jobID, err)
		return err
	}

	w.fits.UpdateJob(jobID, func(j *Job) {
		j.State = StateRunning
		j.Request.Model = req.Model
	})
	w.metrics.fitStarted(req.Model)
	slog.Info("Starting fit job", "fit_id", jobID, "model", req.Model, "points", req.Series.Len(), "resume_from", job.Request.ResumeFrom)

	ev := model.NewEvaluator()

	if job.Request.SeedSearch {
		seed, err := fit.SeedSearch(ev, newSeedOptimizer(job.Request), req, fit.Planner{DefaultCount: w.settings.Fit.SampleCount})
		if err != nil {
			w.markJobFailed(jobID, fmt.Errorf("seed search: %w", err))
			w.metrics.fitFinished("error", 0, false)
			return err
		}
		req.Params = seed.Params
	}

	session := store.NewSession(req, job.Request.View)
	rec := &reportRecorder{w: w, jobID: jobID, session: session}
	if tracer, ok := w.store.(store.Tracer); ok {
		if rec.trace, err = tracer.OpenTrace(jobID, false); err != nil {
			slog.Warn("Failed to open trace, continuing without", "fit_id", jobID, "error", err)
		}
	}

	reports := make(chan fit.Report)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range reports {
			rec.record(r)
		}
	}()

	start := time.Now()
	optimizer := fit.NewOptimizer(ev, w.settings.Fit)
	result, runErr := optimizer.Run(ctx, req, fit.Listener{
		Reports: reports,
		Progress: func(p int) {
			w.fits.UpdateJob(jobID, func(j *Job) { j.Progress = p })
		},
	})
	close(reports)
	<-done
	if rec.trace != nil {
		if err := rec.trace.Close(); err != nil {
			slog.Warn("Failed to close trace", "fit_id", jobID, "error", err)
		}
	}

	if runErr != nil {
		w.metrics.fitFinished("error", 0, false)
		w.markJobFailed(jobID, runErr)
		return runErr
	}

	state := StateCompleted
	if result.Reason == fit.Stopped {
		state = StateCancelled
	}

	session.Update(result.Mapping)
	rec.checkpoint(result.MSE, result.Iterations, result.Reason)

	w.metrics.fitFinished(string(result.Reason), result.MSE, len(result.History) > 0)

	endTime := time.Now()
	curve := result.Curve
	w.fits.UpdateJob(jobID, func(j *Job) {
		j.State = state
		j.Params = result.Mapping
		j.MSE = result.MSE
		j.Iteration = result.Iterations
		j.Accepted = result.Accepted
		j.Lambda = result.Lambda
		j.Reason = result.Reason
		j.Progress = 100
		j.Curve = &curve
		j.Final = result.Params
		j.EndTime = &endTime
	})

	slog.Info("Fit job finished",
		"fit_id", jobID,
		"state", state,
		"reason", result.Reason,
		"elapsed", time.Since(start),
		"iterations", result.Iterations,
		"accepted", result.Accepted,
		"mse", result.MSE,
	)

	final, _ := w.fits.GetJob(jobID)
	event := eventFromJob(final)
	event.Curve = &curve
	w.fits.broadcaster.Broadcast(event)
	w.releaseStream(jobID)
	return nil
}

// releaseStream closes the fit's subscriber channels and drops its cached event once the
// retention period has passed. Subscribers arriving later get the job snapshot instead.
func (w *worker) releaseStream(jobID string) {
	retention := w.settings.StreamRetention
	if retention <= 0 {
		retention = DefaultStreamRetention
	}
	time.AfterFunc(retention, func() {
		w.fits.broadcaster.CleanupFit(jobID)
	})
}

func newSeedOptimizer(jr FitRequest) opt.Optimizer {
	iters, pop, seed := jr.SeedIters, jr.SeedPop, jr.Seed
	if iters <= 0 {
		iters = DefaultSeedIters
	}
	if pop <= 0 {
		pop = DefaultSeedPop
	}
	if seed == 0 {
		seed = DefaultSeed
	}
	return opt.NewMayfly(iters, pop, seed)
}

// reportRecorder consumes optimizer reports on behalf of one job.
type reportRecorder struct {
	w          *worker
	jobID      string
	session    *store.Session
	trace      store.TraceSink
	initialMSE float64
	accepted   int
}

func (rr *reportRecorder) record(r fit.Report) {
	initial := r.Iteration == 0 && !r.Final && rr.accepted == 0
	if initial {
		rr.initialMSE = r.MSE
	}
	if !initial && !r.Final {
		rr.accepted++
		rr.w.metrics.stepAccepted()
	}

	rr.w.fits.UpdateJob(rr.jobID, func(j *Job) {
		if initial {
			j.InitialMSE = r.MSE
		}
		j.Params = r.Params
		j.MSE = r.MSE
		j.Lambda = r.Lambda
		j.Accepted = rr.accepted
		if !r.Final {
			j.Iteration = r.Iteration
		}
		curve := r.Curve
		j.Curve = &curve
	})

	if rr.trace != nil {
		if err := rr.trace.Write(store.TraceEntryFromReport(r)); err != nil {
			slog.Warn("Failed to write trace entry", "fit_id", rr.jobID, "error", err)
		}
	}

	// the final report is published by runFit once the job state is terminal
	if r.Final {
		return
	}

	curve := r.Curve
	rr.w.fits.broadcaster.Broadcast(ProgressEvent{
		FitID:     rr.jobID,
		State:     StateRunning,
		Iteration: r.Iteration,
		MSE:       r.MSE,
		Lambda:    r.Lambda,
		Params:    r.Params,
		Curve:     &curve,
		Timestamp: time.Now(),
	})

	every := rr.w.settings.CheckpointEvery
	if !initial && every > 0 && rr.accepted%every == 0 {
		rr.session.Update(r.Params)
		rr.checkpoint(r.MSE, r.Iteration, "")
	}
}

// checkpoint saves the session at its current parameter values. Failures are logged only.
func (rr *reportRecorder) checkpoint(mse float64, iteration int, reason fit.Termination) {
	if rr.w.store == nil {
		return
	}
	initial := rr.initialMSE
	if initial == 0 {
		initial = mse
	}
	cp := store.NewCheckpoint(rr.jobID, rr.session, mse, initial, iteration, reason)
	if err := rr.w.store.SaveCheckpoint(rr.jobID, cp); err != nil {
		slog.Error("Failed to save checkpoint", "fit_id", rr.jobID, "error", err)
		return
	}
	slog.Info("Checkpoint saved", "fit_id", rr.jobID, "iteration", iteration, "mse", mse)
}

// markJobFailed marks a job as failed and notifies subscribers
func (w *worker) markJobFailed(jobID string, err error) {
	endTime := time.Now()
	w.fits.UpdateJob(jobID, func(j *Job) {
		j.State = StateFailed
		j.Error = err.Error()
		j.EndTime = &endTime
	})
	slog.Error("Fit job failed", "fit_id", jobID, "error", err)

	if job, ok := w.fits.GetJob(jobID); ok {
		w.fits.broadcaster.Broadcast(eventFromJob(job))
	}
	w.releaseStream(jobID)
}
