package training

import (
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// File names of the plots written into the model directory.
const (
	AccuracyPlotFileName = "acc.png"
	LossPlotFileName     = "loss.png"
)

// WritePlots saves the accuracy and loss curves (train vs validation) as PNG files in dir.
func WritePlots(h *History, dir string) error {
	if h.Len() == 0 {
		return errors.New("no epochs in history, nothing to plot")
	}
	if err := writeCurves(h, "model accuracy", "accuracy", MetricAccuracy, MetricValAccuracy,
		filepath.Join(dir, AccuracyPlotFileName)); err != nil {
		return err
	}
	return writeCurves(h, "model loss", "loss", MetricLoss, MetricValLoss,
		filepath.Join(dir, LossPlotFileName))
}

func writeCurves(h *History, title, yLabel, trainMetric, valMetric, filePath string) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = yLabel
	p.Legend.Top = true
	if err := plotutil.AddLinePoints(p,
		"train", historyXYs(h, trainMetric),
		"test", historyXYs(h, valMetric)); err != nil {
		return errors.Wrapf(err, "failed to plot %q", title)
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", filePath)
	}
	return nil
}

// historyXYs returns the (epoch, value) points of metric, skipping NaNs.
func historyXYs(h *History, metric string) plotter.XYs {
	xys := make(plotter.XYs, 0, h.Len())
	for ii, v := range h.Values[metric] {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		xys = append(xys, plotter.XY{X: float64(h.Epochs[ii]), Y: v})
	}
	return xys
}
