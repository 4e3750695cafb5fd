// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// History of metric values per epoch.
type History struct {
	points map[string]plotter.XYs
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{points: make(map[string]plotter.XYs)}
}

// Add the value of the metric name at epoch.
func (h *History) Add(name string, epoch int, value float64) {
	h.points[name] = append(h.points[name], plotter.XY{X: float64(epoch), Y: value})
}

// Len returns the number of values recorded for the metric name.
func (h *History) Len(name string) int { return len(h.points[name]) }

// Names of the metrics recorded, sorted.
func (h *History) Names() []string {
	names := maps.Keys(h.points)
	slices.Sort(names)
	return names
}

// SavePNG plots one line per metric against the epoch number.
func (h *History) SavePNG(path, title string) error {
	if len(h.points) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "value"
	p.Legend.Top = true

	var lines []any
	for _, name := range h.Names() {
		lines = append(lines, name, h.points[name])
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "failed to plot metrics")
	}
	if err := p.Save(8*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "failed to save plot to %q", path)
	}
	return nil
}
