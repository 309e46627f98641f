package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// WriteHTML renders c as an interactive page. Observed data are scatter series, model and
// sensitivity curves are overlaid line series; both axes are logarithmic.
func WriteHTML(w io.Writer, c Chart) error {
	xAxis := opts.XAxis{Type: "log", Name: "Time", NameLocation: "middle", NameGap: 25}
	yAxis := opts.YAxis{Type: "log", Name: "Pressure change / derivative", NameLocation: "middle", NameGap: 40}
	if c.View.Valid() {
		xAxis.Min, xAxis.Max = c.View.XMin, c.View.XMax
		yAxis.Min, yAxis.Max = c.View.YMin, c.View.YMax
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: c.title(), Width: "960px", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: c.title(), Subtitle: c.Subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(xAxis),
		charts.WithYAxisOpts(yAxis),
	)

	line := charts.NewLine()
	for _, s := range c.collect() {
		if s.kind.isLine() {
			data := make([]opts.LineData, len(s.points))
			for i, pt := range s.points {
				data[i] = opts.LineData{Value: []interface{}{pt.X, pt.Y}}
			}
			series := []charts.SeriesOpts{charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)})}
			if s.kind == sensitivityDerivative {
				series = append(series, charts.WithLineStyleOpts(opts.LineStyle{Type: "dashed"}))
			}
			line.AddSeries(s.name, data, series...)
			continue
		}

		data := make([]opts.ScatterData, len(s.points))
		for i, pt := range s.points {
			data[i] = opts.ScatterData{Value: []interface{}{pt.X, pt.Y}}
		}
		size := 6
		if s.kind == sampledPoints {
			size = 3
		}
		scatter.AddSeries(s.name, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: size}))
	}
	scatter.Overlap(line)

	if err := scatter.Render(w); err != nil {
		return fmt.Errorf("render html chart: %w", err)
	}
	return nil
}

// Render writes c in the named format ("png" or "html").
func Render(w io.Writer, format string, c Chart) error {
	switch format {
	case "png":
		return WritePNG(w, c)
	case "html":
		return WriteHTML(w, c)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}
