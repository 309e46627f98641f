package fit

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/welltestfit/internal/opt"
)

// SeedResult holds the output of a global seed search.
type SeedResult struct {
	Params     []FitParameter
	InitialMSE float64
	BestMSE    float64
	Improved   bool
}

// SeedSearch runs a global optimizer over the free parameters of req to find a starting point
// for the Levenberg-Marquardt refinement. The search works in a unit hypercube: each
// coordinate maps onto the parameter range, logarithmically when the range is positive and
// the parameter is not a linear one. The returned parameters are never worse than the input.
func SeedSearch(ev Evaluator, optimizer opt.Optimizer, req Request, planner Planner) (*SeedResult, error) {
	if ev == nil {
		return nil, ErrNoEvaluator
	}

	ev.SetHighPrecision(false)
	defer ev.SetHighPrecision(true)

	params := CloneParameters(req.Params)
	var free []int
	for i, p := range params {
		if p.Fit && !IsDerived(p.Name) {
			free = append(free, i)
		}
	}

	pr := &problem{
		ev:      ev,
		model:   req.Model,
		weight:  req.Weight,
		sampled: planner.Plan(req.Series.Normalize(), req.Sampling),
	}

	base := MappingOf(params)
	ApplyConstraints(base)

	initialRes, err := pr.residuals(base)
	if err != nil {
		return nil, fmt.Errorf("initial evaluation: %w", err)
	}
	initialMSE := MSE(initialRes)

	if len(free) == 0 || pr.sampled.Len() == 0 {
		return &SeedResult{Params: params, InitialMSE: initialMSE, BestMSE: initialMSE}, nil
	}

	decode := func(x []float64) Mapping {
		m := base.Clone()
		for i, idx := range free {
			m[params[idx].Name] = denormalize(params[idx], x[i])
		}
		ApplyConstraints(m)
		return m
	}

	cost := func(x []float64) float64 {
		res, err := pr.residuals(decode(x))
		if err != nil || len(res) != len(initialRes) {
			return math.MaxFloat64
		}
		return MSE(res)
	}

	dim := len(free)
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := range upper {
		upper[i] = 1
	}

	slog.Info("Starting seed search", "model", req.Model, "free_params", dim, "initial_mse", initialMSE)
	best, bestMSE := optimizer.Run(cost, lower, upper, dim)

	out := &SeedResult{Params: params, InitialMSE: initialMSE, BestMSE: initialMSE}
	if len(best) == dim && bestMSE < initialMSE {
		m := decode(best)
		for i := range params {
			if v, ok := m[params[i].Name]; ok {
				params[i].Value = v
			}
		}
		out.BestMSE = bestMSE
		out.Improved = true
	}

	slog.Info("Seed search complete", "initial_mse", initialMSE, "best_mse", out.BestMSE, "improved", out.Improved)
	return out, nil
}

// denormalize maps x in [0,1] onto the range of p.
func denormalize(p FitParameter, x float64) float64 {
	x = math.Max(0, math.Min(1, x))
	if p.Min > logMinValue && !linearParams[p.Name] {
		lo := math.Log10(p.Min)
		hi := math.Log10(p.Max)
		return p.Clamp(math.Pow(10, lo+x*(hi-lo)))
	}
	return p.Clamp(p.Min + x*(p.Max-p.Min))
}
