package fit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CurveEvaluation is the result of evaluating a parameter set outside of a fit.
type CurveEvaluation struct {
	Params  Mapping
	Curve   Curve
	Sampled ObservedSeries
	MSE     float64
}

// EvaluateCurve applies the constraints to a copy of params, evaluates the model on the
// display grid of series and scores it against the same sampled points a fit would use.
func EvaluateCurve(ev Evaluator, model ModelType, params Mapping, weight float64, series ObservedSeries, policy SamplingPolicy, planner Planner) (*CurveEvaluation, error) {
	if ev == nil {
		return nil, ErrNoEvaluator
	}
	m := params.Clone()
	ApplyConstraints(m)

	series = series.Normalize()
	curve, err := ev.Evaluate(model, m, DisplayTimes(series))
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", model, err)
	}

	out := &CurveEvaluation{Params: m, Curve: curve}
	if series.Len() > 0 {
		out.Sampled = planner.Plan(series, policy)
		res, err := Residuals(ev, model, m, weight, out.Sampled)
		if err != nil {
			return nil, err
		}
		out.MSE = MSE(res)
	}
	return out, nil
}

// SensitivityCurve is one member of a sensitivity sweep.
type SensitivityCurve struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Params Mapping `json:"params"`
	Curve  Curve   `json:"curve"`
}

// Sensitivity evaluates the model once per value of the named parameter, holding the rest of
// base fixed. Constraints are re-applied to every member.
func Sensitivity(ev Evaluator, model ModelType, base Mapping, name string, values []float64, times []float64) ([]SensitivityCurve, error) {
	if ev == nil {
		return nil, ErrNoEvaluator
	}
	if _, err := base.Lookup(name); err != nil {
		return nil, err
	}

	out := make([]SensitivityCurve, 0, len(values))
	for _, v := range values {
		m := base.Clone()
		m[name] = v
		ApplyConstraints(m)
		curve, err := ev.Evaluate(model, m, times)
		if err != nil {
			return nil, fmt.Errorf("evaluate %s with %s=%g: %w", model, name, v, err)
		}
		out = append(out, SensitivityCurve{Name: name, Value: v, Params: m, Curve: curve})
	}
	return out, nil
}

// ParseSensitivityValues parses a comma separated list of numbers. Full-width commas are
// accepted and tokens that are not numbers are dropped.
func ParseSensitivityValues(text string) []float64 {
	text = strings.ReplaceAll(text, "，", ",")
	var values []float64
	for _, part := range strings.Split(text, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			continue
		}
		values = append(values, v)
	}
	return values
}

// ParseParameterTexts turns raw per-parameter input texts into a base mapping. Each parameter
// takes its first listed value, or zero when nothing parses. The first parameter (in name
// order) listing more than one value becomes the sensitivity sweep; key is empty otherwise.
func ParseParameterTexts(texts map[string]string) (base Mapping, key string, values []float64) {
	names := make([]string, 0, len(texts))
	for name := range texts {
		names = append(names, name)
	}
	sort.Strings(names)

	base = make(Mapping, len(texts))
	for _, name := range names {
		vals := ParseSensitivityValues(texts[name])
		if len(vals) == 0 {
			base[name] = 0
			continue
		}
		base[name] = vals[0]
		if len(vals) > 1 && key == "" {
			key = name
			values = vals
		}
	}
	return base, key, values
}
