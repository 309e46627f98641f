// Package welltest turns raw gauge readings into the observed series consumed by the fitter.
package welltest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/cwbudde/welltestfit/internal/fit"
)

// TestType is the kind of pressure transient test.
type TestType string

const (
	Drawdown TestType = "drawdown"
	Buildup  TestType = "buildup"
)

// ErrUnknownTestType is returned by ParseTestType.
var ErrUnknownTestType = errors.New("unknown test type")

// ParseTestType accepts "drawdown" or "buildup" in any case.
func ParseTestType(s string) (TestType, error) {
	switch TestType(strings.ToLower(strings.TrimSpace(s))) {
	case Drawdown, "dd":
		return Drawdown, nil
	case Buildup, "bu":
		return Buildup, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTestType, s)
	}
}

// Columns names the CSV header columns to read. Matching ignores case and surrounding space.
// An empty Derivative means the file has no derivative column.
type Columns struct {
	Time       string
	Pressure   string
	Derivative string
}

// DefaultColumns returns time, pressure and derivative.
func DefaultColumns() Columns {
	return Columns{Time: "time", Pressure: "pressure", Derivative: "derivative"}
}

// Raw holds the numeric rows of a gauge file. Derivative is nil when the file has none.
type Raw struct {
	Time       []float64
	Pressure   []float64
	Derivative []float64
	Skipped    int
}

// ReadCSV reads a header-first CSV. Rows whose time or pressure cell does not parse are
// counted in Skipped and dropped.
func ReadCSV(r io.Reader, cols Columns) (*Raw, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty csv")
		}
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	headerMap := make(map[string]int, len(headers))
	for i, h := range headers {
		headerMap[strings.ToLower(strings.TrimSpace(h))] = i
	}
	col := func(name string) (int, bool) {
		idx, ok := headerMap[strings.ToLower(strings.TrimSpace(name))]
		return idx, ok
	}

	tIdx, ok := col(cols.Time)
	if !ok {
		return nil, fmt.Errorf("missing required csv header: %s", cols.Time)
	}
	pIdx, ok := col(cols.Pressure)
	if !ok {
		return nil, fmt.Errorf("missing required csv header: %s", cols.Pressure)
	}
	dIdx, hasDeriv := -1, false
	if cols.Derivative != "" {
		dIdx, hasDeriv = col(cols.Derivative)
	}

	raw := &Raw{}
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("csv read error at line %d: %w", line, err)
		}

		t, okT := cell(record, tIdx)
		p, okP := cell(record, pIdx)
		if !okT || !okP {
			raw.Skipped++
			continue
		}
		raw.Time = append(raw.Time, t)
		raw.Pressure = append(raw.Pressure, p)
		if hasDeriv {
			d, _ := cell(record, dIdx)
			raw.Derivative = append(raw.Derivative, d)
		}
	}
	return raw, nil
}

func cell(record []string, idx int) (float64, bool) {
	if idx < 0 || idx >= len(record) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// DeltaP converts raw pressures into the pressure change the models predict:
// |initialPressure - p| for drawdowns and |p - p_first| for buildups. Samples with
// non-positive or non-increasing time are dropped.
func DeltaP(raw *Raw, testType TestType, initialPressure float64) fit.ObservedSeries {
	var out fit.ObservedSeries
	if raw == nil || len(raw.Time) == 0 {
		return out
	}

	ref := initialPressure
	if testType == Buildup {
		ref = raw.Pressure[0]
	}

	hasDeriv := len(raw.Derivative) > 0
	last := 0.0
	for i, t := range raw.Time {
		if t <= 0 || t <= last {
			continue
		}
		last = t
		out.Time = append(out.Time, t)
		out.Pressure = append(out.Pressure, math.Abs(raw.Pressure[i]-ref))
		if hasDeriv {
			var d float64
			if i < len(raw.Derivative) {
				d = raw.Derivative[i]
			}
			out.Derivative = append(out.Derivative, d)
		}
	}
	return out
}
