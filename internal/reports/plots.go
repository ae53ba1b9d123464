// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reports

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/palette/moreland"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Default artifact file names.
const (
	TrainingCurveFileName  = "train_graph.svg"
	ConfusionPlotFileName  = "cfm.svg"
	CorrespondenceFileName = "test_results.csv"
	MisclassifiedFileName  = "results"
)

const (
	plotWidth, plotHeight   = 10 * vg.Inch, 7 * vg.Inch
	heatMapPaletteColors    = 255
	heatMapAnnotationFormat = "%.2f"
)

// PlotTrainingCurve saves the train and validation accuracy per epoch to filePath. The format is
// taken from the file extension (e.g. ".svg", ".png").
func PlotTrainingCurve(filePath string, trainAccuracy, validationAccuracy []float64) error {
	p := plot.New()
	p.Title.Text = "model accuracy"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "accuracy"
	p.Legend.Top = true
	p.Legend.Left = true
	err := plotutil.AddLinePoints(p,
		"train", epochPoints(trainAccuracy),
		"val", epochPoints(validationAccuracy))
	if err != nil {
		return errors.Wrap(err, "plotting training curve")
	}
	return errors.Wrapf(p.Save(plotWidth, plotHeight, filePath), "saving training curve to %q", filePath)
}

func epochPoints(values []float64) plotter.XYs {
	xys := make(plotter.XYs, len(values))
	for ii, v := range values {
		xys[ii].X = float64(ii + 1)
		xys[ii].Y = v
	}
	return xys
}

// confusionGrid implements plotter.GridXYZ over a row-normalized confusion matrix: columns are the
// predicted classes and rows the true classes, with the first class at the top.
type confusionGrid [][]float64

func (g confusionGrid) Dims() (c, r int)   { return len(g), len(g) }
func (g confusionGrid) Z(c, r int) float64 { return g[len(g)-1-r][c] }
func (g confusionGrid) X(c int) float64    { return float64(c) }
func (g confusionGrid) Y(r int) float64    { return float64(r) }

// PlotConfusion saves a heatmap of the row-normalized confusion matrix to filePath, annotated with the
// values and labelled with the class names.
func PlotConfusion(filePath string, cm *ConfusionMatrix, classNames []string) error {
	n := cm.NumClasses()
	if n == 0 {
		return errors.New("empty confusion matrix")
	}
	grid := confusionGrid(cm.Normalized())
	colors := moreland.SmoothBlueRed()
	colors.SetMin(0)
	colors.SetMax(1)
	heatMap := plotter.NewHeatMap(grid, colors.Palette(heatMapPaletteColors))
	heatMap.Min, heatMap.Max = 0, 1

	annotations := plotter.XYLabels{XYs: make(plotter.XYs, 0, n*n), Labels: make([]string, 0, n*n)}
	for r := range n {
		for c := range n {
			annotations.XYs = append(annotations.XYs, plotter.XY{X: grid.X(c), Y: grid.Y(r)})
			annotations.Labels = append(annotations.Labels, fmt.Sprintf(heatMapAnnotationFormat, grid.Z(c, r)))
		}
	}
	labels, err := plotter.NewLabels(annotations)
	if err != nil {
		return errors.Wrap(err, "annotating confusion heatmap")
	}

	xTicks := make([]plot.Tick, n)
	yTicks := make([]plot.Tick, n)
	for ii := range n {
		xTicks[ii] = plot.Tick{Value: float64(ii), Label: ClassName(classNames, ii)}
		yTicks[ii] = plot.Tick{Value: float64(n - 1 - ii), Label: ClassName(classNames, ii)}
	}
	p := plot.New()
	p.Title.Text = "confusion matrix"
	p.X.Label.Text = "predicted"
	p.Y.Label.Text = "true"
	p.X.Tick.Marker = plot.ConstantTicks(xTicks)
	p.Y.Tick.Marker = plot.ConstantTicks(yTicks)
	p.Add(heatMap, labels)
	return errors.Wrapf(p.Save(plotWidth, plotHeight, filePath), "saving confusion heatmap to %q", filePath)
}
