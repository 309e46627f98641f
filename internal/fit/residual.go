package fit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

const positiveFloor = 1e-10

// Residuals evaluates the model at the sampled times and returns the weighted log-space
// mismatch: pressure residuals scaled by weight, followed by derivative residuals scaled by
// 1-weight. A term is zero unless both the observed and modeled values exceed 1e-10.
func Residuals(ev Evaluator, model ModelType, params Mapping, weight float64, sampled ObservedSeries) ([]float64, error) {
	if sampled.Len() == 0 {
		return nil, nil
	}

	curve, err := ev.Evaluate(model, params, sampled.Time)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", model, err)
	}
	return residualsFromCurve(curve, weight, sampled), nil
}

func residualsFromCurve(curve Curve, weight float64, sampled ObservedSeries) []float64 {
	wp := weight
	wd := 1 - weight

	count := min(len(sampled.Pressure), len(curve.Pressure))
	dCount := min(len(sampled.Derivative), len(curve.Derivative), count)

	r := make([]float64, 0, count+dCount)
	for i := 0; i < count; i++ {
		r = append(r, logResidual(sampled.Pressure[i], curve.Pressure[i])*wp)
	}
	for i := 0; i < dCount; i++ {
		r = append(r, logResidual(sampled.Derivative[i], curve.Derivative[i])*wd)
	}
	return r
}

func logResidual(observed, modeled float64) float64 {
	if observed > positiveFloor && modeled > positiveFloor {
		return math.Log(observed) - math.Log(modeled)
	}
	return 0
}

// SumSquares returns the sum of squared residuals.
func SumSquares(r []float64) float64 {
	return floats.Dot(r, r)
}

// MSE returns the mean squared residual, or zero for an empty vector.
func MSE(r []float64) float64 {
	if len(r) == 0 {
		return 0
	}
	return SumSquares(r) / float64(len(r))
}
