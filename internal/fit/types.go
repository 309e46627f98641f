package fit

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Parameter names with special handling in the engine.
const (
	ParamKf     = "kf"     // inner-region permeability
	ParamKm     = "km"     // outer-region permeability
	ParamOmega1 = "omega1" // inner storativity ratio
	ParamOmega2 = "omega2" // outer storativity ratio
	ParamL      = "L"      // horizontal well length
	ParamLf     = "Lf"     // fracture half-length
	ParamLfD    = "LfD"    // dimensionless fracture length, always derived
	ParamSkin   = "S"
	ParamNf     = "nf" // fracture count
)

// ErrUnknownParameter is returned when a mapping lookup names a parameter that is not present.
var ErrUnknownParameter = errors.New("unknown parameter")

// ModelType selects one of the reservoir model variants known to an Evaluator.
type ModelType string

// Curve is a modeled (or observed) pressure/derivative curve aligned index-for-index with Time.
type Curve struct {
	Time       []float64 `json:"time"`
	Pressure   []float64 `json:"pressure"`
	Derivative []float64 `json:"derivative"`
}

// Clone returns a deep copy of the curve.
func (c Curve) Clone() Curve {
	return Curve{
		Time:       cloneFloats(c.Time),
		Pressure:   cloneFloats(c.Pressure),
		Derivative: cloneFloats(c.Derivative),
	}
}

// Evaluator computes model pressure and derivative at the given times.
// Implementations may trade accuracy for speed while high precision is off.
type Evaluator interface {
	Evaluate(model ModelType, params Mapping, times []float64) (Curve, error)
	SetHighPrecision(high bool)
}

// ObservedSeries holds measured time, pressure difference and derivative samples.
// Time is strictly positive and increasing.
type ObservedSeries struct {
	Time       []float64 `json:"time"`
	Pressure   []float64 `json:"pressure"`
	Derivative []float64 `json:"derivative"`
}

// Len returns the number of time samples.
func (s ObservedSeries) Len() int {
	return len(s.Time)
}

// Normalize returns a copy whose pressure and derivative sequences have the same length as
// Time. Missing values are zero; extra values are dropped.
func (s ObservedSeries) Normalize() ObservedSeries {
	n := len(s.Time)
	out := ObservedSeries{
		Time:       cloneFloats(s.Time),
		Pressure:   make([]float64, n),
		Derivative: make([]float64, n),
	}
	copy(out.Pressure, s.Pressure)
	copy(out.Derivative, s.Derivative)
	return out
}

// Clone returns a deep copy of the series.
func (s ObservedSeries) Clone() ObservedSeries {
	return ObservedSeries{
		Time:       cloneFloats(s.Time),
		Pressure:   cloneFloats(s.Pressure),
		Derivative: cloneFloats(s.Derivative),
	}
}

// at returns sample i with missing pressure/derivative values read as zero.
func (s ObservedSeries) at(i int) (t, p, d float64) {
	t = s.Time[i]
	if i < len(s.Pressure) {
		p = s.Pressure[i]
	}
	if i < len(s.Derivative) {
		d = s.Derivative[i]
	}
	return t, p, d
}

// SamplingInterval requests Count log-uniform points within [Start, End].
type SamplingInterval struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Count int     `json:"count"`
}

// Valid reports whether the interval can produce points.
func (iv SamplingInterval) Valid() bool {
	return iv.End > iv.Start && iv.Count > 0
}

// SamplingPolicy selects between the default 200-point strategy and user intervals.
type SamplingPolicy struct {
	Enabled   bool               `json:"enabled"`
	Intervals []SamplingInterval `json:"intervals"`
}

// FitParameter is a named model quantity with its range and fit flag.
type FitParameter struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Fit     bool    `json:"isFit"`
	Step    float64 `json:"step"`
	Visible bool    `json:"isVisible"`
}

// Clamp limits v to the parameter range.
func (p FitParameter) Clamp(v float64) float64 {
	return math.Max(p.Min, math.Min(v, p.Max))
}

// CloneParameters copies a parameter list.
func CloneParameters(params []FitParameter) []FitParameter {
	out := make([]FitParameter, len(params))
	copy(out, params)
	return out
}

// Mapping maps parameter names to values. It is the form handed to an Evaluator.
type Mapping map[string]float64

// MappingOf builds a mapping from a parameter list.
func MappingOf(params []FitParameter) Mapping {
	m := make(Mapping, len(params)+1)
	for _, p := range params {
		m[p.Name] = p.Value
	}
	return m
}

// Lookup returns the value for name or ErrUnknownParameter.
func (m Mapping) Lookup(name string) (float64, error) {
	v, ok := m[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParameter, name)
	}
	return v, nil
}

// Has reports whether every name is present.
func (m Mapping) Has(names ...string) bool {
	for _, n := range names {
		if _, ok := m[n]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (m Mapping) Clone() Mapping {
	out := make(Mapping, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Names returns the parameter names in sorted order.
func (m Mapping) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Require checks that all names are present and reports the first missing one.
func (m Mapping) Require(names ...string) error {
	for _, n := range names {
		if _, err := m.Lookup(n); err != nil {
			return err
		}
	}
	return nil
}

// Termination tells why an optimizer run ended.
type Termination string

const (
	Converged        Termination = "converged"
	Stopped          Termination = "stopped"
	MaxIterations    Termination = "max_iterations"
	Stalled          Termination = "stalled"
	NoFreeParameters Termination = "no_free_parameters"
	NoData           Termination = "no_data"
)

// Report is an immutable snapshot emitted by the optimizer.
type Report struct {
	Iteration int         `json:"iteration"`
	MSE       float64     `json:"mse"`
	Params    Mapping     `json:"params"`
	Curve     Curve       `json:"curve"`
	Lambda    float64     `json:"lambda"`
	Final     bool        `json:"final"`
	Reason    Termination `json:"reason,omitempty"`
}

func cloneFloats(v []float64) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
