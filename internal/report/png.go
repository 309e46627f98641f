package report

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// Default PNG size.
const (
	PNGWidth  = 8 * vg.Inch
	PNGHeight = 6 * vg.Inch
)

var (
	pressureColor    = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	derivativeColor  = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	sampledColor     = color.RGBA{R: 110, G: 110, B: 110, A: 255}
	sensitivityShade = []color.RGBA{
		{R: 44, G: 160, B: 44, A: 255},
		{R: 148, G: 103, B: 189, A: 255},
		{R: 255, G: 127, B: 14, A: 255},
		{R: 140, G: 86, B: 75, A: 255},
		{R: 23, G: 190, B: 207, A: 255},
	}
)

// WritePNG draws c on log-log axes and writes it as PNG.
func WritePNG(w io.Writer, c Chart) error {
	p, err := buildPlot(c)
	if err != nil {
		return err
	}

	wt, err := p.WriterTo(PNGWidth, PNGHeight, "png")
	if err != nil {
		return fmt.Errorf("create png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}

// SavePNG writes the chart to path. The format follows the file extension.
func SavePNG(path string, c Chart) error {
	p, err := buildPlot(c)
	if err != nil {
		return err
	}
	if err := p.Save(PNGWidth, PNGHeight, path); err != nil {
		return fmt.Errorf("save chart: %w", err)
	}
	return nil
}

func buildPlot(c Chart) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = c.title()
	p.X.Label.Text = "Time"
	p.Y.Label.Text = "Pressure change / derivative"
	p.Add(plotter.NewGrid())

	series := c.collect()
	sens := 0
	for _, s := range series {
		xys := make(plotter.XYs, len(s.points))
		for i, pt := range s.points {
			xys[i] = plotter.XY{X: pt.X, Y: pt.Y}
		}

		if !s.kind.isLine() {
			sc, err := plotter.NewScatter(xys)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", s.name, err)
			}
			switch s.kind {
			case observedPressure:
				sc.GlyphStyle = draw.GlyphStyle{Color: pressureColor, Shape: draw.CircleGlyph{}, Radius: vg.Points(2)}
			case observedDerivative:
				sc.GlyphStyle = draw.GlyphStyle{Color: derivativeColor, Shape: draw.TriangleGlyph{}, Radius: vg.Points(2)}
			default:
				sc.GlyphStyle = draw.GlyphStyle{Color: sampledColor, Shape: draw.RingGlyph{}, Radius: vg.Points(3)}
			}
			p.Add(sc)
			p.Legend.Add(s.name, sc)
			continue
		}

		line, err := plotter.NewLine(xys)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
		line.Width = vg.Points(1.5)
		switch s.kind {
		case modelPressure:
			line.Color = pressureColor
		case modelDerivative:
			line.Color = derivativeColor
		case sensitivityPressure:
			line.Color = sensitivityShade[sens%len(sensitivityShade)]
			line.Width = vg.Points(1)
		case sensitivityDerivative:
			line.Color = sensitivityShade[sens%len(sensitivityShade)]
			line.Width = vg.Points(1)
			line.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
			sens++
		}
		p.Add(line)
		p.Legend.Add(s.name, line)
	}

	// log axes need strictly positive ranges, so an empty chart keeps the linear default
	if len(series) > 0 {
		p.X.Scale = plot.LogScale{}
		p.Y.Scale = plot.LogScale{}
		p.X.Tick.Marker = plot.LogTicks{Prec: -1}
		p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
		if c.View.Valid() {
			p.X.Min, p.X.Max = c.View.XMin, c.View.XMax
			p.Y.Min, p.Y.Max = c.View.YMin, c.View.YMax
		}
	}

	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.XOffs = 10
	p.Legend.YOffs = -10
	return p, nil
}
