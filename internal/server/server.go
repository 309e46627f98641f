package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/model"
	"github.com/cwbudde/welltestfit/internal/report"
	"github.com/cwbudde/welltestfit/internal/store"
)

// Server represents the HTTP server
type Server struct {
	fits     *FitManager
	worker   *worker
	metrics  *Metrics
	addr     string
	server   *http.Server
	baseCtx  context.Context
	stopAll  context.CancelFunc
	settings Settings
}

// NewServer creates a new HTTP server. st may be nil, in which case fits are neither
// checkpointed nor traced.
func NewServer(addr string, st store.Store, settings Settings) *Server {
	fits := NewFitManager()
	metrics := NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		fits:    fits,
		metrics: metrics,
		worker: &worker{
			fits:     fits,
			store:    st,
			settings: settings,
			metrics:  metrics,
		},
		addr:     addr,
		baseCtx:  ctx,
		stopAll:  cancel,
		settings: settings,
	}
}

// Handler returns the routed and wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/fits", s.handleCreateFit)
	mux.HandleFunc("GET /api/v1/fits", s.handleListFits)
	mux.HandleFunc("GET /api/v1/fits/{id}", s.handleGetFit)
	mux.HandleFunc("POST /api/v1/fits/{id}/cancel", s.handleCancelFit)
	mux.HandleFunc("GET /api/v1/fits/{id}/stream", s.handleFitStream)
	mux.HandleFunc("GET /api/v1/fits/{id}/chart.png", s.handleChart("png"))
	mux.HandleFunc("GET /api/v1/fits/{id}/chart.html", s.handleChart("html"))
	mux.HandleFunc("GET /api/v1/fits/{id}/params.csv", s.handleParamsCSV)
	mux.HandleFunc("POST /api/v1/plan", s.handlePlan)
	mux.HandleFunc("GET /api/v1/models", s.handleModels)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.loggingMiddleware(s.corsMiddleware(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting HTTP server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops running fits and gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Shutting down HTTP server")
	s.stopAll()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// submit registers a job and starts its worker.
func (s *Server) submit(req FitRequest) (Job, error) {
	job, err := s.fits.CreateJob(req)
	if err != nil {
		return Job{}, err
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	s.fits.setCancel(job.ID, cancel)
	go func() {
		defer cancel()
		if err := runFit(ctx, s.worker, job.ID); err != nil {
			slog.Debug("Fit worker returned error", "fit_id", job.ID, "error", err)
		}
	}()
	return job, nil
}

// handleCreateFit handles POST /api/v1/fits
func (s *Server) handleCreateFit(w http.ResponseWriter, r *http.Request) {
	var req FitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	if req.ResumeFrom == "" {
		if req.Series.Len() == 0 {
			http.Error(w, "observed data is required", http.StatusBadRequest)
			return
		}
		if _, err := model.Lookup(model.NormalizeType(string(req.Model))); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Weight != nil && (*req.Weight < 0 || *req.Weight > 1) {
		http.Error(w, "weight must be in [0,1]", http.StatusBadRequest)
		return
	}

	job, err := s.submit(req)
	if errors.Is(err, ErrFitActive) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	} else if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// handleListFits handles GET /api/v1/fits
func (s *Server) handleListFits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fits.ListJobs())
}

// handleGetFit handles GET /api/v1/fits/{id}
func (s *Server) handleGetFit(w http.ResponseWriter, r *http.Request) {
	job, exists := s.fits.GetJob(r.PathValue("id"))
	if !exists {
		http.Error(w, "Fit not found", http.StatusNotFound)
		return
	}

	var elapsed time.Duration
	if job.EndTime != nil {
		elapsed = job.EndTime.Sub(job.StartTime)
	} else {
		elapsed = time.Since(job.StartTime)
	}

	writeJSON(w, http.StatusOK, fitStatus{Job: job, Elapsed: elapsed.Seconds(), FinalParams: job.Final})
}

type fitStatus struct {
	Job
	Elapsed     float64            `json:"elapsed"`
	FinalParams []fit.FitParameter `json:"finalParams,omitempty"`
}

// handleCancelFit handles POST /api/v1/fits/{id}/cancel
func (s *Server) handleCancelFit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.fits.Cancel(id)
	switch {
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, "Fit not found", http.StatusNotFound)
	case errors.Is(err, ErrNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		job, _ := s.fits.GetJob(id)
		writeJSON(w, http.StatusAccepted, job)
	}
}

// handleChart serves the current fit as a PNG or HTML chart.
func (s *Server) handleChart(format string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, exists := s.fits.GetJob(r.PathValue("id"))
		if !exists {
			http.Error(w, "Fit not found", http.StatusNotFound)
			return
		}
		if job.Curve == nil {
			http.Error(w, "No results yet", http.StatusNotFound)
			return
		}

		chart := chartForJob(job, s.settings.Fit.SampleCount)
		switch format {
		case "png":
			w.Header().Set("Content-Type", "image/png")
		case "html":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		w.Header().Set("Cache-Control", "no-cache")

		if err := report.Render(w, format, chart); err != nil {
			slog.Error("Failed to render chart", "fit_id", job.ID, "format", format, "error", err)
		}
	}
}

func chartForJob(job Job, sampleCount int) report.Chart {
	series := job.Request.Series.Normalize()
	planner := fit.Planner{DefaultCount: sampleCount}
	return report.Chart{
		Title:    fmt.Sprintf("%s fit", job.Request.Model),
		Subtitle: fmt.Sprintf("state=%s iteration=%d mse=%.4g", job.State, job.Iteration, job.MSE),
		Observed: series,
		Model:    *job.Curve,
		Sampled:  planner.Plan(series, job.Request.Sampling),
		View:     job.Request.View,
	}
}

// handleParamsCSV handles GET /api/v1/fits/{id}/params.csv
func (s *Server) handleParamsCSV(w http.ResponseWriter, r *http.Request) {
	job, exists := s.fits.GetJob(r.PathValue("id"))
	if !exists {
		http.Error(w, "Fit not found", http.StatusNotFound)
		return
	}
	if len(job.Final) == 0 {
		http.Error(w, "No results yet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ID+"-params.csv"))
	if err := report.WriteParamsCSV(w, job.Final); err != nil {
		slog.Error("Failed to write parameters", "fit_id", job.ID, "error", err)
	}
}

type planRequest struct {
	Series   fit.ObservedSeries `json:"observed"`
	Sampling fit.SamplingPolicy `json:"sampling"`
	Count    int                `json:"count,omitempty"`
}

type planResponse struct {
	Sampled          fit.ObservedSeries     `json:"sampled"`
	Points           int                    `json:"points"`
	DefaultIntervals []fit.SamplingInterval `json:"defaultIntervals"`
}

// handlePlan handles POST /api/v1/plan, previewing which points a fit would use.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	count := req.Count
	if count <= 0 {
		count = s.settings.Fit.SampleCount
	}
	series := req.Series.Normalize()
	sampled := fit.Planner{DefaultCount: count}.Plan(series, req.Sampling)

	resp := planResponse{Sampled: sampled, Points: sampled.Len(), DefaultIntervals: []fit.SamplingInterval{}}
	if n := series.Len(); n > 0 {
		resp.DefaultIntervals = fit.DefaultIntervals(series.Time[0], series.Time[n-1])
	}
	writeJSON(w, http.StatusOK, resp)
}

type modelInfo struct {
	Type        fit.ModelType      `json:"type"`
	Description string             `json:"description"`
	Params      []fit.FitParameter `json:"params"`
}

// handleModels handles GET /api/v1/models
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	var out []modelInfo
	for _, t := range model.SupportedTypes() {
		spec, err := model.Lookup(t)
		if err != nil {
			continue
		}
		params, _ := model.DefaultParameters(t)
		out = append(out, modelInfo{Type: t, Description: spec.Description, Params: params})
	}
	writeJSON(w, http.StatusOK, out)
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
