package model

import (
	"errors"
	"math"
	"testing"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func logTimes(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Pow(10, -3+6*float64(i)/float64(n-1))
	}
	return out
}

func TestEveryModelProducesPositiveCurves(t *testing.T) {
	ev := NewEvaluator()
	times := logTimes(60)

	for _, mt := range SupportedTypes() {
		t.Run(string(mt), func(t *testing.T) {
			params, err := DefaultParameters(mt)
			require.NoError(t, err)

			curve, err := ev.Evaluate(mt, fit.MappingOf(params), times)
			require.NoError(t, err)
			require.Len(t, curve.Pressure, len(times))
			require.Len(t, curve.Derivative, len(times))

			for i := range times {
				if !(curve.Pressure[i] > 0) || math.IsInf(curve.Pressure[i], 0) {
					t.Errorf("pressure[%d] = %g, want finite positive", i, curve.Pressure[i])
				}
				if math.IsNaN(curve.Derivative[i]) || math.IsInf(curve.Derivative[i], 0) {
					t.Errorf("derivative[%d] = %g, want finite", i, curve.Derivative[i])
				}
			}
			for i := 1; i < len(times); i++ {
				if curve.Pressure[i] < curve.Pressure[i-1] {
					t.Errorf("pressure decreases at %d: %g < %g", i, curve.Pressure[i], curve.Pressure[i-1])
				}
			}
		})
	}
}

func TestHomogeneousLateTimeDerivative(t *testing.T) {
	ev := NewEvaluator()
	params := fit.Mapping{fit.ParamKm: 2, fit.ParamSkin: 0, ParamStorage: 1e-4}

	curve, err := ev.Evaluate(Homogeneous, params, []float64{1e4})
	require.NoError(t, err)

	// radial flow plateau is 0.5/km
	assert.InDelta(t, 0.25, curve.Derivative[0], 1e-3)
}

func TestPrecisionChangesDerivativeOnly(t *testing.T) {
	ev := NewEvaluator()
	params, err := DefaultParameters(Homogeneous)
	require.NoError(t, err)
	m := fit.MappingOf(params)
	times := []float64{0.01, 0.1, 1}

	high, err := ev.Evaluate(Homogeneous, m, times)
	require.NoError(t, err)

	ev.SetHighPrecision(false)
	assert.False(t, ev.HighPrecision())
	low, err := ev.Evaluate(Homogeneous, m, times)
	require.NoError(t, err)

	assert.Equal(t, high.Pressure, low.Pressure)
	assert.NotEqual(t, high.Derivative, low.Derivative)
	for i := range times {
		assert.InEpsilon(t, high.Derivative[i], low.Derivative[i], 0.05)
	}
	assert.Equal(t, int64(2), ev.Calls())
}

func TestEvaluateErrors(t *testing.T) {
	ev := NewEvaluator()

	_, err := ev.Evaluate("nope", fit.Mapping{}, []float64{1})
	if !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Expected ErrUnknownModel, got %v", err)
	}

	_, err = ev.Evaluate(Homogeneous, fit.Mapping{fit.ParamKm: 1}, []float64{1})
	if !errors.Is(err, fit.ErrUnknownParameter) {
		t.Errorf("Expected ErrUnknownParameter, got %v", err)
	}
}

func TestNonPositiveTimesYieldZero(t *testing.T) {
	ev := NewEvaluator()
	params, err := DefaultParameters(Homogeneous)
	require.NoError(t, err)

	curve, err := ev.Evaluate(Homogeneous, fit.MappingOf(params), []float64{0, -1, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, curve.Pressure[:2])
	assert.Equal(t, []float64{0, 0}, curve.Derivative[:2])
	assert.Greater(t, curve.Pressure[2], 0.0)
}

func TestFracturedDefaultsCarryDerivedLfD(t *testing.T) {
	params, err := DefaultParameters(FracturedHorizontal)
	require.NoError(t, err)

	m := fit.MappingOf(params)
	assert.InDelta(t, 50.0/1000.0, m[fit.ParamLfD], 1e-12)
	for _, p := range params {
		if p.Name == fit.ParamLfD {
			assert.False(t, p.Fit)
		}
	}
}

func TestDefaultsHonorRegionOrdering(t *testing.T) {
	for _, mt := range SupportedTypes() {
		params, err := DefaultParameters(mt)
		require.NoError(t, err)
		m := fit.MappingOf(params)
		if m.Has(fit.ParamKf, fit.ParamKm) {
			assert.Greater(t, m[fit.ParamKf], m[fit.ParamKm], mt)
		}
		if m.Has(fit.ParamOmega1, fit.ParamOmega2) {
			assert.Greater(t, m[fit.ParamOmega1], m[fit.ParamOmega2], mt)
		}
	}
}

func TestNormalizeType(t *testing.T) {
	tests := map[string]fit.ModelType{
		"":           Homogeneous,
		" Composite": RadialComposite,
		"dual":       DualPorosity,
		"MFHW":       FracturedHorizontal,
		"other":      "other",
	}
	for in, want := range tests {
		if got := NormalizeType(in); got != want {
			t.Errorf("NormalizeType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExpint(t *testing.T) {
	// reference values of E1
	assert.InDelta(t, 0.2193839344, expint(1), 1e-9)
	assert.InDelta(t, 1.8229239584, expint(0.1), 1e-9)
	assert.InDelta(t, 4.156968929e-6, expint(10), 1e-14)
}
