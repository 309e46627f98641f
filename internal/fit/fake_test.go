package fit

import (
	"errors"
	"math"
	"sync"

	"github.com/google/go-cmp/cmp/cmpopts"
)

var cmpApprox = cmpopts.EquateApprox(1e-9, 0)

// powerLaw evaluates P = km·t^S and its log derivative S·P. The residuals are nearly linear in
// (log10 km, S), which keeps optimizer tests fast and predictable.
type powerLaw struct {
	mu        sync.Mutex
	calls     int
	highCalls int
	toggles   []bool
	failAfter int // fail every call after this many when > 0
	shortBy   int // drop this many trailing samples from every output
}

var errFake = errors.New("fake evaluator failure")

func (e *powerLaw) Evaluate(model ModelType, params Mapping, times []float64) (Curve, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failAfter > 0 && e.calls > e.failAfter {
		return Curve{}, errFake
	}
	a, err := params.Lookup(ParamKm)
	if err != nil {
		return Curve{}, err
	}
	b, err := params.Lookup(ParamSkin)
	if err != nil {
		return Curve{}, err
	}

	n := len(times) - e.shortBy
	if n < 0 {
		n = 0
	}
	c := Curve{
		Time:       cloneFloats(times[:n]),
		Pressure:   make([]float64, n),
		Derivative: make([]float64, n),
	}
	for i := 0; i < n; i++ {
		c.Pressure[i] = a * math.Pow(times[i], b)
		c.Derivative[i] = b * c.Pressure[i]
	}
	return c, nil
}

func (e *powerLaw) SetHighPrecision(high bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toggles = append(e.toggles, high)
}

func (e *powerLaw) lastToggle() (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.toggles) == 0 {
		return false, false
	}
	return e.toggles[len(e.toggles)-1], true
}

func logSpaced(lo, hi float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Pow(10, math.Log10(lo)+(math.Log10(hi)-math.Log10(lo))*float64(i)/float64(n-1))
	}
	return out
}

// syntheticSeries generates noise-free observations from the power law.
func syntheticSeries(km, s float64, times []float64) ObservedSeries {
	ev := &powerLaw{}
	c, _ := ev.Evaluate("powerlaw", Mapping{ParamKm: km, ParamSkin: s}, times)
	return ObservedSeries{Time: c.Time, Pressure: c.Pressure, Derivative: c.Derivative}
}

func powerLawParams(km, s float64) []FitParameter {
	return []FitParameter{
		{Name: ParamKm, Value: km, Min: 1e-3, Max: 1e3, Fit: true, Step: 0.1, Visible: true},
		{Name: ParamSkin, Value: s, Min: -5, Max: 5, Fit: true, Step: 0.1, Visible: true},
	}
}
