// Package report renders fit results as log-log charts and CSV exports.
package report

import (
	"errors"
	"math"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/store"
)

// ErrUnknownFormat is returned by Render for unsupported output formats.
var ErrUnknownFormat = errors.New("unknown chart format")

// Chart is everything drawn on one diagnostic plot: the observed pressure change and its
// derivative as markers, the model curve as lines, and optionally the points the fit
// actually used and a sensitivity sweep.
type Chart struct {
	Title       string
	Subtitle    string
	Observed    fit.ObservedSeries
	Model       fit.Curve
	Sampled     fit.ObservedSeries
	Sensitivity []fit.SensitivityCurve
	View        store.ViewRect // zero value means fit to data
}

// point is one plottable (t, y) pair.
type point struct {
	X, Y float64
}

// positivePoints pairs xs with ys and drops everything a log axis cannot show.
func positivePoints(xs, ys []float64) []point {
	n := min(len(xs), len(ys))
	out := make([]point, 0, n)
	for i := 0; i < n; i++ {
		x, y := xs[i], ys[i]
		if x > 0 && y > 0 && !math.IsInf(x, 0) && !math.IsInf(y, 0) {
			out = append(out, point{X: x, Y: y})
		}
	}
	return out
}

// seriesData is the chart content after filtering, shared by both renderers.
type seriesData struct {
	name   string
	kind   seriesKind
	points []point
}

type seriesKind int

const (
	observedPressure seriesKind = iota
	observedDerivative
	sampledPoints
	modelPressure
	modelDerivative
	sensitivityPressure
	sensitivityDerivative
)

func (k seriesKind) isLine() bool {
	return k >= modelPressure
}

// collect returns the non-empty series of c in drawing order.
func (c Chart) collect() []seriesData {
	var out []seriesData
	add := func(name string, kind seriesKind, pts []point) {
		if len(pts) > 0 {
			out = append(out, seriesData{name: name, kind: kind, points: pts})
		}
	}

	add("Observed pressure", observedPressure, positivePoints(c.Observed.Time, c.Observed.Pressure))
	add("Observed derivative", observedDerivative, positivePoints(c.Observed.Time, c.Observed.Derivative))
	add("Fit points", sampledPoints, positivePoints(c.Sampled.Time, c.Sampled.Pressure))
	add("Model pressure", modelPressure, positivePoints(c.Model.Time, c.Model.Pressure))
	add("Model derivative", modelDerivative, positivePoints(c.Model.Time, c.Model.Derivative))

	for _, s := range c.Sensitivity {
		label := s.Name + "=" + formatValue(s.Value)
		add(label+" pressure", sensitivityPressure, positivePoints(s.Curve.Time, s.Curve.Pressure))
		add(label+" derivative", sensitivityDerivative, positivePoints(s.Curve.Time, s.Curve.Derivative))
	}
	return out
}

func (c Chart) title() string {
	if c.Title != "" {
		return c.Title
	}
	return "Well test fit"
}
