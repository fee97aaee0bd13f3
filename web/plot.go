package web

import (
	"bytes"
	"html/template"
	"log"

	"github.com/martinkarlik/X-IAA/nnet"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// LossPlot plots the training loss and, if validation is set, the validation loss by epoch.
func LossPlot(stats []nnet.Stats, validation bool) *plot.Plot {
	p := newPlot()
	p.Y.Label.Text = "loss"
	train := newLinePlot(stats, func(s nnet.Stats) float64 { return s.Train.Loss }, 0)
	p.Add(train)
	p.Legend.Add("training", train)
	if validation {
		valid := newLinePlot(stats, func(s nnet.Stats) float64 { return s.Valid.Loss }, 1)
		p.Add(valid)
		p.Legend.Add("validation", valid)
	}
	return p
}

// ErrorPlot plots the mean absolute error by epoch.
func ErrorPlot(stats []nnet.Stats, validation bool) *plot.Plot {
	p := newPlot()
	p.Y.Label.Text = "mae"
	train := newLinePlot(stats, func(s nnet.Stats) float64 { return s.Train.MAE }, 2)
	p.Add(train)
	p.Legend.Add("training", train)
	if validation {
		valid := newLinePlot(stats, func(s nnet.Stats) float64 { return s.Valid.MAE }, 3)
		p.Add(valid)
		p.Legend.Add("validation", valid)
	}
	return p
}

// SavePlot writes the loss plot to a file, the format is taken from the file extension.
func SavePlot(name string, stats []nnet.Stats, validation bool, width, height int) error {
	p := LossPlot(stats, validation)
	if err := p.Save(vg.Points(float64(width)), vg.Points(float64(height)), name); err != nil {
		return errors.Wrap(err, "save plot")
	}
	return nil
}

func newPlot() *plot.Plot {
	p := plot.New()
	p.X.Label.Text = "epoch"
	p.X.Padding, p.Y.Padding = 0, 0
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	return p
}

func writePlot(p *plot.Plot, w, h int) template.HTML {
	var buf bytes.Buffer
	writer, err := p.WriterTo(vg.Points(float64(w)), vg.Points(float64(h)), "svg")
	if err != nil {
		log.Println("error writing plot:", err)
		return ""
	}
	writer.WriteTo(&buf)
	return template.HTML(buf.String())
}

func newLinePlot(stats []nnet.Stats, value func(nnet.Stats) float64, ix int) linePlot {
	var pts plotter.XYs
	xmax, ymax := 1.0, 0.0
	for _, s := range stats {
		pt := plotter.XY{X: float64(s.Epoch), Y: value(s)}
		pts = append(pts, pt)
		if pt.X > xmax {
			xmax = pt.X
		}
		if pt.Y > ymax {
			ymax = pt.Y
		}
	}
	l := &plotter.Line{XYs: pts, LineStyle: plotter.DefaultLineStyle}
	l.Width = vg.Points(2)
	l.Color = plotutil.Color(ix)
	return linePlot{Line: l, xmin: 1, xmax: xmax, ymin: 0, ymax: ymax}
}

// modified plotter.Line with a fixed scale
type linePlot struct {
	*plotter.Line
	xmin, xmax, ymin, ymax float64
}

func (l linePlot) DataRange() (xmin, xmax, ymin, ymax float64) {
	return l.xmin, l.xmax, l.ymin, l.ymax
}
