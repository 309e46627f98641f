package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/welltestfit/internal/fit"
)

// Metrics are the Prometheus collectors of one server. Each server owns its registry so
// several servers can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	fitsStarted   *prometheus.CounterVec
	fitsFinished  *prometheus.CounterVec
	acceptedSteps prometheus.Counter
	finalMSE      prometheus.Histogram
	activeFits    prometheus.Gauge
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fitsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "welltestfit_fits_started_total",
				Help: "Fits started, by model type",
			},
			[]string{"model"},
		),
		fitsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "welltestfit_fits_finished_total",
				Help: "Fits finished, by termination reason",
			},
			[]string{"reason"},
		),
		acceptedSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "welltestfit_accepted_steps_total",
			Help: "Accepted Levenberg-Marquardt steps across all fits",
		}),
		finalMSE: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "welltestfit_final_mse",
			Help:    "Mean squared log residual at the end of each fit",
			Buckets: prometheus.ExponentialBuckets(1e-5, 10, 8),
		}),
		activeFits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "welltestfit_active_fits",
			Help: "Fits currently running",
		}),
	}
	m.registry.MustRegister(
		m.fitsStarted, m.fitsFinished, m.acceptedSteps, m.finalMSE, m.activeFits,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) fitStarted(model fit.ModelType) {
	m.fitsStarted.WithLabelValues(string(model)).Inc()
	m.activeFits.Inc()
}

func (m *Metrics) fitFinished(reason string, mse float64, hasMSE bool) {
	m.fitsFinished.WithLabelValues(reason).Inc()
	m.activeFits.Dec()
	if hasMSE {
		m.finalMSE.Observe(mse)
	}
}

func (m *Metrics) stepAccepted() {
	m.acceptedSteps.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
