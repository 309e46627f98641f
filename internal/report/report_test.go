package report

import (
	"bytes"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwbudde/welltestfit/internal/fit"
	"github.com/cwbudde/welltestfit/internal/store"
)

func testChart() Chart {
	obs := fit.ObservedSeries{
		Time:       []float64{0.01, 0.1, 1, 10, 100},
		Pressure:   []float64{0.2, 0.9, 2.1, 3.3, 4.5},
		Derivative: []float64{0.15, 0.4, 0.52, 0.5, 0.5},
	}
	model := fit.Curve{
		Time:       []float64{0.01, 0.1, 1, 10, 100},
		Pressure:   []float64{0.21, 0.88, 2.05, 3.31, 4.49},
		Derivative: []float64{0.16, 0.41, 0.5, 0.5, 0.5},
	}
	return Chart{Title: "Test", Observed: obs, Model: model, Sampled: obs}
}

func TestPositivePoints(t *testing.T) {
	pts := positivePoints(
		[]float64{0, 1, 2, 3, math.Inf(1), 5},
		[]float64{1, -1, 2, 0, 4},
	)
	assert.Equal(t, []point{{X: 2, Y: 2}}, pts)
}

func TestChartCollect(t *testing.T) {
	c := testChart()
	c.Sensitivity = []fit.SensitivityCurve{
		{Name: "km", Value: 2, Curve: c.Model},
		{Name: "km", Value: 4, Curve: fit.Curve{Time: []float64{1}, Pressure: []float64{1}}},
	}

	var names []string
	for _, s := range c.collect() {
		names = append(names, s.name)
	}
	assert.Equal(t, []string{
		"Observed pressure", "Observed derivative", "Fit points",
		"Model pressure", "Model derivative",
		"km=2 pressure", "km=2 derivative", "km=4 pressure",
	}, names)

	assert.Empty(t, Chart{}.collect())
}

func TestWritePNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, testChart()))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("\x89PNG")), "not a PNG")

	// fixed view and an empty chart render too
	c := testChart()
	c.View = store.ViewRect{XMin: 1e-3, XMax: 1e3, YMin: 1e-2, YMax: 1e2}
	buf.Reset()
	require.NoError(t, WritePNG(&buf, c))

	buf.Reset()
	require.NoError(t, WritePNG(&buf, Chart{}))
	assert.NotZero(t, buf.Len())
}

func TestSavePNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fit.png")
	require.NoError(t, SavePNG(path, testChart()))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())
}

func TestWriteHTML(t *testing.T) {
	c := testChart()
	c.Sensitivity = []fit.SensitivityCurve{{Name: "S", Value: 1.5, Curve: c.Model}}

	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, c))
	out := buf.String()

	for _, want := range []string{"echarts", "Observed pressure", "Model derivative", "S=1.5 derivative"} {
		assert.Contains(t, out, want)
	}
}

func TestRender(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "png", testChart()))
	require.NoError(t, Render(&buf, "html", testChart()))

	err := Render(&buf, "svg-ish", testChart())
	assert.True(t, errors.Is(err, ErrUnknownFormat))
}

func TestWriteCurvesCSV(t *testing.T) {
	obs := fit.ObservedSeries{
		Time:       []float64{1, 2, 3},
		Pressure:   []float64{0.1, 0.2, 0.3},
		Derivative: []float64{0.05},
	}
	model := fit.Curve{
		Time:       []float64{1, 10},
		Pressure:   []float64{1.0 / 3, 2},
		Derivative: []float64{0.5, 0.5},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCurvesCSV(&buf, obs, model))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, CurvesHeader, records[0])
	assert.Equal(t, []string{"1", "0.1", "0.05", "1", "0.3333333333", "0.5"}, records[1])
	assert.Equal(t, []string{"2", "0.2", "", "10", "2", "0.5"}, records[2])
	assert.Equal(t, []string{"3", "0.3", "", "", "", ""}, records[3])
}

func TestWriteCurvesCSVModelOnly(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCurvesCSV(&buf, fit.ObservedSeries{}, fit.Curve{Time: []float64{1}, Pressure: []float64{2}, Derivative: []float64{3}}))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{"Obs_Time,Obs_DP,Obs_Deriv,Model_Time,Model_DP,Model_Deriv", ",,,1,2,3"}, lines)
}

func TestWriteParams(t *testing.T) {
	params := []fit.FitParameter{
		{Name: "km", Value: 12.5, Min: 0.001, Max: 1000, Fit: true, Visible: true},
		{Name: "LfD", Value: 0.05, Max: 1},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteParamsCSV(&buf, params))
	assert.Equal(t, "Name,Value,Min,Max,Fit\nkm,12.5,0.001,1000,true\nLfD,0.05,0,1,false\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteParamsText(&buf, params))
	assert.Equal(t, "km: 12.5\n", buf.String())
}
