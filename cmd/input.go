package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/store"
	"github.com/cwbudde/welltestfit/internal/welltest"
)

// dataFlags selects and converts a gauge CSV.
type dataFlags struct {
	path            string
	testType        string
	initialPressure float64
	timeCol         string
	pressureCol     string
	derivCol        string
}

func (d *dataFlags) columns() welltest.Columns {
	cols := welltest.DefaultColumns()
	if d.timeCol != "" {
		cols.Time = d.timeCol
	}
	if d.pressureCol != "" {
		cols.Pressure = d.pressureCol
	}
	if d.derivCol != "" {
		cols.Derivative = d.derivCol
	}
	return cols
}

// loadSeries reads the CSV and converts it to pressure change. An empty path yields an
// empty series.
func (d *dataFlags) loadSeries() (fit.ObservedSeries, error) {
	if d.path == "" {
		return fit.ObservedSeries{}, nil
	}
	testType, err := welltest.ParseTestType(d.testType)
	if err != nil {
		return fit.ObservedSeries{}, err
	}

	f, err := os.Open(d.path)
	if err != nil {
		return fit.ObservedSeries{}, fmt.Errorf("failed to open data: %w", err)
	}
	defer f.Close()

	raw, err := welltest.ReadCSV(f, d.columns())
	if err != nil {
		return fit.ObservedSeries{}, fmt.Errorf("failed to read %s: %w", d.path, err)
	}
	series := welltest.DeltaP(raw, testType, d.initialPressure)
	return series, nil
}

// parseIntervals parses "start:end:count" specs.
func parseIntervals(specs []string) ([]fit.SamplingInterval, error) {
	out := make([]fit.SamplingInterval, 0, len(specs))
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid interval %q: want start:end:count", spec)
		}
		start, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid interval start %q: %w", parts[0], err)
		}
		end, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid interval end %q: %w", parts[1], err)
		}
		count, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("invalid interval count %q: %w", parts[2], err)
		}
		out = append(out, fit.SamplingInterval{Start: start, End: end, Count: count})
	}
	return out, nil
}

// samplingPolicy builds the policy from explicit intervals, or the per-decade defaults
// over the series when useDefaults is set. Neither means the 200-point default sampling.
func samplingPolicy(specs []string, useDefaults bool, series fit.ObservedSeries) (fit.SamplingPolicy, error) {
	if len(specs) > 0 {
		intervals, err := parseIntervals(specs)
		if err != nil {
			return fit.SamplingPolicy{}, err
		}
		return fit.SamplingPolicy{Enabled: true, Intervals: intervals}, nil
	}
	if useDefaults && series.Len() > 0 {
		s := series.Normalize()
		return fit.SamplingPolicy{
			Enabled:   true,
			Intervals: fit.DefaultIntervals(s.Time[0], s.Time[len(s.Time)-1]),
		}, nil
	}
	return fit.SamplingPolicy{}, nil
}

// applyOverrides sets parameter values from name=value pairs and switches fit flags on or
// off by name. Unknown names are an error.
func applyOverrides(params []fit.FitParameter, values map[string]string, fix, free []string) error {
	index := make(map[string]int, len(params))
	for i, p := range params {
		index[p.Name] = i
	}
	lookup := func(name string) (int, error) {
		i, ok := index[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", fit.ErrUnknownParameter, name)
		}
		return i, nil
	}

	for name, text := range values {
		i, err := lookup(name)
		if err != nil {
			return err
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", name, err)
		}
		params[i].Value = v
	}
	for _, name := range fix {
		i, err := lookup(name)
		if err != nil {
			return err
		}
		params[i].Fit = false
	}
	for _, name := range free {
		i, err := lookup(name)
		if err != nil {
			return err
		}
		params[i].Fit = true
	}
	return nil
}

func readSession(path string) (*store.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var s store.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session %s: %w", path, err)
	}
	return &s, nil
}

func writeSession(path string, s *store.Session) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}
