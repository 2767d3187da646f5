package training

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Names of the metrics recorded in History after each epoch.
const (
	MetricLoss        = "loss"
	MetricAccuracy    = "acc"
	MetricValLoss     = "val_loss"
	MetricValAccuracy = "val_acc"
)

// HistoryMetrics lists the metrics recorded in History, in the order they are reported.
var HistoryMetrics = []string{MetricLoss, MetricAccuracy, MetricValLoss, MetricValAccuracy}

// Early stopping modes.
const (
	ModeAuto = "auto"
	ModeMin  = "min"
	ModeMax  = "max"
)

// History holds the per-epoch values of the metrics in HistoryMetrics.
type History struct {
	Epochs []int                `json:"epochs"`
	Values map[string][]float64 `json:"values"`
}

// NewHistory returns an empty History.
func NewHistory() *History {
	h := &History{Values: make(map[string][]float64, len(HistoryMetrics))}
	for _, name := range HistoryMetrics {
		h.Values[name] = nil
	}
	return h
}

// Add the values of one epoch. Metrics not given are recorded as NaN.
func (h *History) Add(epoch int, values map[string]float64) {
	h.Epochs = append(h.Epochs, epoch)
	for _, name := range HistoryMetrics {
		v, found := values[name]
		if !found {
			v = math.NaN()
		}
		h.Values[name] = append(h.Values[name], v)
	}
}

// Len returns the number of epochs recorded.
func (h *History) Len() int { return len(h.Epochs) }

// Last returns the value of the metric in the last recorded epoch.
func (h *History) Last(metric string) (float64, bool) {
	values := h.Values[metric]
	if len(values) == 0 {
		return 0, false
	}
	return values[len(values)-1], true
}

// Best returns the index of the epoch with the best value of metric, and the value.
// NaN values are ignored. It returns -1 if there are no values.
func (h *History) Best(metric, mode string) (int, float64) {
	mode = resolveMode(metric, mode)
	best, bestValue := -1, 0.0
	for ii, v := range h.Values[metric] {
		if math.IsNaN(v) {
			continue
		}
		if best == -1 || improves(v, bestValue, mode, 0) {
			best, bestValue = ii, v
		}
	}
	return best, bestValue
}

// EarlyStopping stops training when the monitored metric stops improving.
type EarlyStopping struct {
	// Monitor is one of HistoryMetrics.
	Monitor string

	// Mode is "min", "max" or "auto": in auto mode accuracies are maximized and losses minimized.
	Mode string

	// Patience is the number of epochs without improvement after which training stops.
	// If <= 0, early stopping is disabled.
	Patience int

	// MinDelta is the minimum change that counts as an improvement.
	MinDelta float64

	best    float64
	hasBest bool
	wait    int
}

// Validate checks the monitored metric and mode.
func (es *EarlyStopping) Validate() error {
	if !slices.Contains(HistoryMetrics, es.Monitor) {
		return errors.Errorf("early stopping cannot monitor %q, valid metrics are %v", es.Monitor, HistoryMetrics)
	}
	switch es.Mode {
	case ModeAuto, ModeMin, ModeMax, "":
	default:
		return errors.Errorf("early stopping mode must be %q, %q or %q, got %q", ModeAuto, ModeMin, ModeMax, es.Mode)
	}
	if es.MinDelta < 0 {
		return errors.Errorf("early stopping min delta must be >= 0, got %g", es.MinDelta)
	}
	return nil
}

// Update is called at the end of each epoch with the History so far.
// It returns true if training should stop.
func (es *EarlyStopping) Update(h *History) bool {
	if es.Patience <= 0 {
		return false
	}
	v, found := h.Last(es.Monitor)
	if !found || math.IsNaN(v) {
		return false
	}
	if !es.hasBest || improves(v, es.best, resolveMode(es.Monitor, es.Mode), es.MinDelta) {
		es.best, es.hasBest, es.wait = v, true, 0
		return false
	}
	es.wait++
	return es.wait >= es.Patience
}

// resolveMode returns "min" or "max" for metric.
func resolveMode(metric, mode string) string {
	if mode == ModeMin || mode == ModeMax {
		return mode
	}
	if metric == MetricAccuracy || metric == MetricValAccuracy {
		return ModeMax
	}
	return ModeMin
}

func improves(v, best float64, mode string, minDelta float64) bool {
	if mode == ModeMax {
		return v > best+minDelta
	}
	return v < best-minDelta
}
