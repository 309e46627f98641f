package fit

import (
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	logStep     = 0.01 // perturbation in log10 units
	linearStep  = 1e-4
	logMinValue = 1e-12
)

// linearParams are perturbed and stepped in linear space: they can be zero or negative.
var linearParams = map[string]bool{
	ParamSkin: true,
	ParamNf:   true,
}

// usesLogScale reports whether a parameter with the given current value is varied in log10.
func usesLogScale(name string, value float64) bool {
	return value > logMinValue && !linearParams[name]
}

// problem bundles what every residual evaluation of one fit shares.
type problem struct {
	ev      Evaluator
	model   ModelType
	weight  float64
	sampled ObservedSeries
}

func (pr *problem) residuals(params Mapping) ([]float64, error) {
	return Residuals(pr.ev, pr.model, params, pr.weight, pr.sampled)
}

// Jacobian returns the central finite-difference sensitivity of the residual vector with
// respect to each name in free. Rows follow base; columns follow free. It returns nil when
// there are no residuals or no free parameters.
func Jacobian(ev Evaluator, model ModelType, params Mapping, base []float64, free []string, weight float64, sampled ObservedSeries) *mat.Dense {
	pr := &problem{ev: ev, model: model, weight: weight, sampled: sampled}
	return pr.jacobian(params, base, free)
}

func (pr *problem) jacobian(params Mapping, base []float64, free []string) *mat.Dense {
	nRes := len(base)
	if nRes == 0 || len(free) == 0 {
		return nil
	}
	j := mat.NewDense(nRes, len(free), nil)

	for col, name := range free {
		val := params[name]
		plus := params.Clone()
		minus := params.Clone()

		var h float64
		if usesLogScale(name, val) {
			h = logStep
			lv := math.Log10(val)
			plus[name] = math.Pow(10, lv+h)
			minus[name] = math.Pow(10, lv-h)
		} else {
			h = linearStep
			plus[name] = val + h
			minus[name] = val - h
		}

		if name == ParamL || name == ParamLf {
			updateDerived(plus)
			updateDerived(minus)
		}

		rPlus, errPlus := pr.residuals(plus)
		rMinus, errMinus := pr.residuals(minus)
		if errPlus != nil || errMinus != nil || len(rPlus) != nRes || len(rMinus) != nRes {
			slog.Debug("Jacobian column left at zero", "param", name, "plus_len", len(rPlus), "minus_len", len(rMinus))
			continue
		}
		for row := 0; row < nRes; row++ {
			j.Set(row, col, (rPlus[row]-rMinus[row])/(2*h))
		}
	}
	return j
}
