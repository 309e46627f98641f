package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/cwbudde/welltestfit/internal/fit"
)

// CurvesHeader is the column layout of WriteCurvesCSV.
var CurvesHeader = []string{"Obs_Time", "Obs_DP", "Obs_Deriv", "Model_Time", "Model_DP", "Model_Deriv"}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', 10, 64)
}

func cell(values []float64, i int) string {
	if i < len(values) {
		return formatValue(values[i])
	}
	return ""
}

// WriteCurvesCSV writes observed and model curves side by side. The shorter side leaves its
// cells blank once it runs out.
func WriteCurvesCSV(w io.Writer, observed fit.ObservedSeries, model fit.Curve) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CurvesHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	rows := max(len(observed.Time), len(model.Time))
	for i := 0; i < rows; i++ {
		record := []string{"", "", "", "", "", ""}
		if i < len(observed.Time) {
			record[0] = formatValue(observed.Time[i])
			record[1] = cell(observed.Pressure, i)
			record[2] = cell(observed.Derivative, i)
		}
		if i < len(model.Time) {
			record[3] = formatValue(model.Time[i])
			record[4] = cell(model.Pressure, i)
			record[5] = cell(model.Derivative, i)
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write row %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteParamsCSV writes one row per parameter with its range and fit flag.
func WriteParamsCSV(w io.Writer, params []fit.FitParameter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Name", "Value", "Min", "Max", "Fit"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, p := range params {
		record := []string{p.Name, formatValue(p.Value), formatValue(p.Min), formatValue(p.Max), strconv.FormatBool(p.Fit)}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write %s: %w", p.Name, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteParamsText writes "name: value" lines for visible parameters.
func WriteParamsText(w io.Writer, params []fit.FitParameter) error {
	for _, p := range params {
		if !p.Visible {
			continue
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", p.Name, formatValue(p.Value)); err != nil {
			return err
		}
	}
	return nil
}
