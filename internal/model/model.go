package model

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/cwbudde/welltestfit/internal/fit"
)

// Model type identifiers.
const (
	Homogeneous         fit.ModelType = "homogeneous"
	RadialComposite     fit.ModelType = "radial-composite"
	DualPorosity        fit.ModelType = "dual-porosity"
	FracturedHorizontal fit.ModelType = "fractured-horizontal"
)

// Parameter names used only by the model functions.
const (
	ParamStorage = "C"      // wellbore storage coefficient
	ParamRadius  = "rm"     // composite region radius
	ParamLambda  = "lambda" // interporosity flow coefficient
)

var (
	// ErrUnknownModel is returned when the model type is not registered.
	ErrUnknownModel = errors.New("unknown model type")
)

const (
	// derivative step in ln t
	lowPrecisionStep  = 0.05
	highPrecisionStep = 0.005

	// exp(0.80907): late-time radial flow is 0.5*(ln tD + 0.80907)
	radialShift = 2.2458
	floorValue  = 1e-12
)

// pressureFunc returns the dimensionless pressure drop at time t for a constrained mapping.
type pressureFunc func(p fit.Mapping, t float64) float64

// Spec describes one registered model.
type Spec struct {
	Type        fit.ModelType
	Description string
	Required    []string
	pressure    pressureFunc
	defaults    func() []fit.FitParameter
}

// Defaults returns a fresh copy of the model's default parameter list.
func (s Spec) Defaults() []fit.FitParameter {
	return s.defaults()
}

var registry = map[fit.ModelType]Spec{
	Homogeneous: {
		Type:        Homogeneous,
		Description: "Infinite homogeneous reservoir with wellbore storage and skin",
		Required:    []string{fit.ParamKm, fit.ParamSkin, ParamStorage},
		pressure:    homogeneousPressure,
		defaults:    homogeneousDefaults,
	},
	RadialComposite: {
		Type:        RadialComposite,
		Description: "Two-region radial composite reservoir",
		Required:    []string{fit.ParamKf, fit.ParamKm, fit.ParamSkin, ParamStorage, ParamRadius},
		pressure:    compositePressure,
		defaults:    compositeDefaults,
	},
	DualPorosity: {
		Type:        DualPorosity,
		Description: "Pseudo-steady dual-porosity reservoir",
		Required:    []string{fit.ParamKm, fit.ParamOmega1, fit.ParamOmega2, ParamLambda, fit.ParamSkin, ParamStorage},
		pressure:    dualPorosityPressure,
		defaults:    dualPorosityDefaults,
	},
	FracturedHorizontal: {
		Type:        FracturedHorizontal,
		Description: "Multi-fractured horizontal well in a composite reservoir",
		Required:    []string{fit.ParamKf, fit.ParamKm, fit.ParamL, fit.ParamLf, fit.ParamLfD, fit.ParamNf, fit.ParamSkin, ParamStorage},
		pressure:    fracturedPressure,
		defaults:    fracturedDefaults,
	},
}

// NormalizeType maps user input to a canonical model type. Unknown names are returned as given.
func NormalizeType(name string) fit.ModelType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "homogeneous", "homo":
		return Homogeneous
	case "radial-composite", "composite":
		return RadialComposite
	case "dual-porosity", "dual":
		return DualPorosity
	case "fractured-horizontal", "mfhw", "fractured":
		return FracturedHorizontal
	default:
		return fit.ModelType(name)
	}
}

// SupportedTypes lists every registered model type in name order.
func SupportedTypes() []fit.ModelType {
	types := make([]fit.ModelType, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Lookup returns the spec registered for t.
func Lookup(t fit.ModelType) (Spec, error) {
	s, ok := registry[t]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownModel, t)
	}
	return s, nil
}

// DefaultParameters returns the default parameter list of t with constraints applied.
func DefaultParameters(t fit.ModelType) ([]fit.FitParameter, error) {
	s, err := Lookup(t)
	if err != nil {
		return nil, err
	}
	params := s.Defaults()
	fit.ApplyParameterConstraints(params)
	return params, nil
}

// Evaluator implements fit.Evaluator over the registered analytic models.
// It is safe for concurrent use.
type Evaluator struct {
	high  atomic.Bool
	calls atomic.Int64
}

// NewEvaluator returns an evaluator in high precision mode.
func NewEvaluator() *Evaluator {
	e := &Evaluator{}
	e.high.Store(true)
	return e
}

// SetHighPrecision switches the derivative step between the fine and coarse setting.
func (e *Evaluator) SetHighPrecision(high bool) {
	e.high.Store(high)
}

// HighPrecision reports the current precision mode.
func (e *Evaluator) HighPrecision() bool {
	return e.high.Load()
}

// Calls returns the number of Evaluate calls served.
func (e *Evaluator) Calls() int64 {
	return e.calls.Load()
}

// Evaluate computes pressure and its logarithmic derivative at every time. Non-positive
// times yield zero for both.
func (e *Evaluator) Evaluate(t fit.ModelType, params fit.Mapping, times []float64) (fit.Curve, error) {
	e.calls.Add(1)

	s, err := Lookup(t)
	if err != nil {
		return fit.Curve{}, err
	}
	if err := params.Require(s.Required...); err != nil {
		return fit.Curve{}, fmt.Errorf("model %s: %w", t, err)
	}

	h := highPrecisionStep
	if !e.high.Load() {
		h = lowPrecisionStep
	}
	eh := math.Exp(h)

	curve := fit.Curve{
		Time:       make([]float64, len(times)),
		Pressure:   make([]float64, len(times)),
		Derivative: make([]float64, len(times)),
	}
	copy(curve.Time, times)
	for i, tt := range times {
		if tt <= 0 {
			continue
		}
		curve.Pressure[i] = s.pressure(params, tt)
		curve.Derivative[i] = (s.pressure(params, tt*eh) - s.pressure(params, tt/eh)) / (2 * h)
	}
	return curve, nil
}

// withStorage blends a unit-slope storage response into the reservoir response pr.
func withStorage(c, t, pr float64) float64 {
	pr = math.Max(pr, floorValue)
	if c <= floorValue {
		return pr
	}
	ps := t / c
	return ps * pr / (ps + pr)
}

// radial is the line-source response of a reservoir with mobility k, positive at all times.
func radial(k, t float64) float64 {
	k = math.Max(k, floorValue)
	return 0.5 * math.Log1p(radialShift*k*t) / k
}

func homogeneousPressure(p fit.Mapping, t float64) float64 {
	km := math.Max(p[fit.ParamKm], floorValue)
	pr := radial(km, t) + p[fit.ParamSkin]/km
	return withStorage(p[ParamStorage], t, pr)
}

// compositePressure follows the inner mobility kf until the transient reaches rm, then
// the outer mobility km.
func compositePressure(p fit.Mapping, t float64) float64 {
	kf := math.Max(p[fit.ParamKf], floorValue)
	km := math.Max(p[fit.ParamKm], floorValue)
	rm := math.Max(p[ParamRadius], floorValue)

	tc := rm * rm / kf
	inner := radial(kf, t*tc/(t+tc))
	outer := 0.5 * math.Log1p(t/tc) / km
	return withStorage(p[ParamStorage], t, inner+outer+p[fit.ParamSkin]/kf)
}

// dualPorosityPressure is the Warren-Root response with storativity ratio omega2/omega1.
func dualPorosityPressure(p fit.Mapping, t float64) float64 {
	km := math.Max(p[fit.ParamKm], floorValue)
	o1 := math.Max(p[fit.ParamOmega1], floorValue)
	w := math.Min(math.Max(p[fit.ParamOmega2]/o1, floorValue), 1-1e-9)
	lambda := math.Max(p[ParamLambda], floorValue)

	td := radialShift * km * t
	pr := radial(km, t)
	pr += 0.5 * (expint(lambda*td/(1-w)) - expint(lambda*td/(w*(1-w)))) / km
	return withStorage(p[ParamStorage], t, pr+p[fit.ParamSkin]/km)
}

// fracturedPressure has a bilinear/linear early period controlled by the fractures, ending
// around Lf²(1+LfD)/kf, followed by pseudo-radial flow with mobility km.
func fracturedPressure(p fit.Mapping, t float64) float64 {
	kf := math.Max(p[fit.ParamKf], floorValue)
	km := math.Max(p[fit.ParamKm], floorValue)
	lf := math.Max(p[fit.ParamLf], 1e-6)
	nf := math.Max(p[fit.ParamNf], 1)

	tl := lf * lf * (1 + p[fit.ParamLfD]) / kf
	te := t * tl / (t + tl)
	linear := math.Sqrt(math.Pi*te/kf) / (2 * nf * lf)
	late := 0.5 * math.Log1p(t/tl) / km
	return withStorage(p[ParamStorage], t, linear+late+p[fit.ParamSkin]/(nf*kf))
}

// expint computes the exponential integral E1(x) for x > 0.
func expint(x float64) float64 {
	const euler = 0.5772156649015329
	switch {
	case x <= 0:
		return math.Inf(1)
	case x > 700:
		return 0
	case x <= 1:
		sum := -euler - math.Log(x)
		term := 1.0
		for k := 1; k < 60; k++ {
			term *= -x / float64(k)
			d := -term / float64(k)
			sum += d
			if math.Abs(d) < 1e-16*math.Abs(sum) {
				break
			}
		}
		return sum
	default:
		// continued fraction (modified Lentz)
		b := x + 1
		c := 1 / 1e-300
		d := 1 / b
		h := d
		for i := 1; i < 200; i++ {
			an := -float64(i * i)
			b += 2
			d = 1 / (an*d + b)
			c = b + an/c
			del := c * d
			h *= del
			if math.Abs(del-1) < 1e-15 {
				break
			}
		}
		return h * math.Exp(-x)
	}
}
