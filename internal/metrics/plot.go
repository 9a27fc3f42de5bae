package metrics

import (
	"fmt"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Chart size.
const (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

// WritePlot draws one line per series against epoch and saves it to path.
// The image format follows the file extension (.svg, .png, .pdf).
func (h *History) WritePlot(path, title string) error {
	stats := h.Stats()
	if len(stats) == 0 {
		return fmt.Errorf("metrics: no epochs to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Legend.Top = true
	p.Add(plotter.NewGrid())

	for ix, name := range h.Headers {
		pts := make(plotter.XYs, len(stats))
		for i, s := range stats {
			pts[i].X = float64(s.Epoch)
			pts[i].Y = s.Values[ix]
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("metrics: series %q: %w", name, err)
		}
		line.Width = 2
		line.Color = plotutil.Color(ix)
		p.Add(line)
		p.Legend.Add(name, line)
	}

	if err := p.Save(PlotWidth, PlotHeight, path); err != nil {
		return fmt.Errorf("metrics: save plot: %w", err)
	}
	return nil
}
