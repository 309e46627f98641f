package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/cwbudde/welltestfit/internal/fit"
)

// ViewRect is the visible log-log plot range.
type ViewRect struct {
	XMin float64 `json:"xMin"`
	XMax float64 `json:"xMax"`
	YMin float64 `json:"yMin"`
	YMax float64 `json:"yMax"`
}

// Valid reports whether the rectangle can be drawn on log axes.
func (v ViewRect) Valid() bool {
	return v.XMin > 0 && v.YMin > 0 && v.XMax > v.XMin && v.YMax > v.YMin
}

// Session is the persisted state of one fitting session.
type Session struct {
	Model        fit.ModelType      `json:"modelType"`
	Params       []fit.FitParameter `json:"params"`
	Weight       float64            `json:"weight"`
	WeightSlider int                `json:"fitWeightVal"` // Weight in percent
	Series       fit.ObservedSeries `json:"observedData"`
	Sampling     fit.SamplingPolicy `json:"sampling"`
	View         ViewRect           `json:"view"`
	Fingerprint  string             `json:"fingerprint"`
}

// NewSession captures a request. Parameters and series are copied.
func NewSession(req fit.Request, view ViewRect) *Session {
	return &Session{
		Model:        req.Model,
		Params:       fit.CloneParameters(req.Params),
		Weight:       req.Weight,
		WeightSlider: int(math.Round(req.Weight * 100)),
		Series:       req.Series.Clone(),
		Sampling:     cloneSampling(req.Sampling),
		View:         view,
		Fingerprint:  Fingerprint(req.Series),
	}
}

// PressureWeight returns the weight in [0,1]. Sessions that only carry the slider value
// are converted from percent.
func (s *Session) PressureWeight() float64 {
	if s.Weight == 0 && s.WeightSlider != 0 {
		return float64(s.WeightSlider) / 100
	}
	return s.Weight
}

// Request rebuilds a fit request from the session. Stored values are used as-is except
// that the region ordering and derived parameters are enforced again.
func (s *Session) Request() fit.Request {
	params := fit.CloneParameters(s.Params)
	fit.ApplyParameterConstraints(params)
	return fit.Request{
		Model:    s.Model,
		Params:   params,
		Weight:   s.PressureWeight(),
		Series:   s.Series.Clone(),
		Sampling: cloneSampling(s.Sampling),
	}
}

// Update replaces the parameter values with the ones in m.
func (s *Session) Update(m fit.Mapping) {
	for i := range s.Params {
		if v, ok := m[s.Params[i].Name]; ok {
			s.Params[i].Value = v
		}
	}
}

func cloneSampling(p fit.SamplingPolicy) fit.SamplingPolicy {
	out := fit.SamplingPolicy{Enabled: p.Enabled}
	if p.Intervals != nil {
		out.Intervals = append([]fit.SamplingInterval(nil), p.Intervals...)
	}
	return out
}

// Fingerprint hashes the time and pressure samples of a series. Derivatives are excluded
// because they are often recomputed with different smoothing.
func Fingerprint(s fit.ObservedSeries) string {
	h := xxhash.New()
	var buf [8]byte
	write := func(v float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		_, _ = h.Write(buf[:])
	}
	for i, t := range s.Time {
		write(t)
		if i < len(s.Pressure) {
			write(s.Pressure[i])
		} else {
			write(0)
		}
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Validate checks that a session can be fitted.
func (s *Session) Validate() error {
	if s.Model == "" {
		return &ValidationError{Field: "Session.Model", Reason: "cannot be empty"}
	}
	if len(s.Params) == 0 {
		return &ValidationError{Field: "Session.Params", Reason: "cannot be empty"}
	}
	seen := make(map[string]bool, len(s.Params))
	for _, p := range s.Params {
		if p.Name == "" {
			return &ValidationError{Field: "Session.Params", Reason: "parameter name cannot be empty"}
		}
		if seen[p.Name] {
			return &ValidationError{Field: "Session.Params", Reason: fmt.Sprintf("duplicate parameter %s", p.Name)}
		}
		seen[p.Name] = true
		if p.Min > p.Max {
			return &ValidationError{Field: "Session.Params", Reason: fmt.Sprintf("%s has min > max", p.Name)}
		}
	}
	if w := s.PressureWeight(); w < 0 || w > 1 {
		return &ValidationError{Field: "Session.Weight", Reason: "must be in [0,1]"}
	}
	for i := 1; i < len(s.Series.Time); i++ {
		if s.Series.Time[i] <= s.Series.Time[i-1] {
			return &ValidationError{Field: "Session.Series", Reason: "time must be strictly increasing"}
		}
	}
	return nil
}
