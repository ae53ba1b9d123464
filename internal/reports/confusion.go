// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package reports exports the results of scoring a model: confusion matrices (console, CSV and heatmap),
// training curves and misclassification logs.
package reports

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"

	"github.com/gomlx/imgclass/internal/console"
)

// PredictionRecord is the result of scoring one image.
type PredictionRecord struct {
	// Source identifies the image, usually its path.
	Source string

	// TrueLabel is the expected class, or -1 if unknown.
	TrueLabel int

	// Predicted is the class with the highest probability, and Probability its value.
	Predicted   int
	Probability float64
}

// Misclassified returns whether the true label is known and differs from the predicted one.
func (r PredictionRecord) Misclassified() bool {
	return r.TrueLabel >= 0 && r.TrueLabel != r.Predicted
}

// ConfusionMatrix counts predictions per (true, predicted) pair of classes.
type ConfusionMatrix struct {
	counts [][]int
}

// NewConfusionMatrix creates an empty square matrix for numClasses classes.
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	counts := make([][]int, numClasses)
	for ii := range counts {
		counts[ii] = make([]int, numClasses)
	}
	return &ConfusionMatrix{counts: counts}
}

// NumClasses returns the dimension of the matrix.
func (cm *ConfusionMatrix) NumClasses() int { return len(cm.counts) }

// Add one prediction.
func (cm *ConfusionMatrix) Add(trueLabel, predicted int) error {
	n := len(cm.counts)
	if trueLabel < 0 || trueLabel >= n || predicted < 0 || predicted >= n {
		return errors.Errorf("confusion matrix entry (true=%d, predicted=%d) out of range for %d classes",
			trueLabel, predicted, n)
	}
	cm.counts[trueLabel][predicted]++
	return nil
}

// AddRecords adds every record with a known true label.
func (cm *ConfusionMatrix) AddRecords(records []PredictionRecord) error {
	for _, r := range records {
		if r.TrueLabel < 0 {
			continue
		}
		if err := cm.Add(r.TrueLabel, r.Predicted); err != nil {
			return errors.WithMessagef(err, "record %q", r.Source)
		}
	}
	return nil
}

// Counts returns the raw counts, indexed [trueLabel][predicted]. It shouldn't be modified.
func (cm *ConfusionMatrix) Counts() [][]int { return cm.counts }

// Normalized returns the matrix with each row divided by its sum, so non-empty rows sum to 1.
// Rows of classes never seen stay all zeros.
func (cm *ConfusionMatrix) Normalized() [][]float64 {
	normalized := make([][]float64, len(cm.counts))
	for row, counts := range cm.counts {
		normalized[row] = make([]float64, len(counts))
		total := 0
		for _, c := range counts {
			total += c
		}
		if total == 0 {
			continue
		}
		for col, c := range counts {
			normalized[row][col] = float64(c) / float64(total)
		}
	}
	return normalized
}

// Accuracy returns the fraction of predictions on the diagonal, or 0 if empty.
func (cm *ConfusionMatrix) Accuracy() float64 {
	var correct, total int
	for row, counts := range cm.counts {
		for col, c := range counts {
			total += c
			if row == col {
				correct += c
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

// Print the raw counts as a table, rows are true labels and columns predictions.
// Off-diagonal rows with errors are highlighted.
func (cm *ConfusionMatrix) Print(w io.Writer, classNames []string) {
	_, _ = fmt.Fprintln(w, console.TitleStyle.Render("Confusion Matrix"))
	table := console.NewTable(lipgloss.Left, lipgloss.Right)
	headers := []string{"true \\ predicted"}
	for col := range cm.counts {
		headers = append(headers, ClassName(classNames, col))
	}
	table.Headers(headers...)
	for row, counts := range cm.counts {
		cells := []string{ClassName(classNames, row)}
		hasErrors := false
		for col, c := range counts {
			cells = append(cells, strconv.Itoa(c))
			if col != row && c > 0 {
				hasErrors = true
			}
		}
		table.Row(hasErrors, cells...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
	_, _ = fmt.Fprintf(w, "accuracy: %.2f%%\n", 100*cm.Accuracy())
}

// ClassName returns classNames[label], or the label number if there is no name for it.
func ClassName(classNames []string, label int) string {
	if label >= 0 && label < len(classNames) && classNames[label] != "" {
		return classNames[label]
	}
	return strconv.Itoa(label)
}

// CorrespondenceFrame returns the table of true and predicted labels of the records with a known true label,
// with columns "True" and "Predicted".
func CorrespondenceFrame(records []PredictionRecord) dataframe.DataFrame {
	trueLabels := make([]int, 0, len(records))
	predicted := make([]int, 0, len(records))
	for _, r := range records {
		if r.TrueLabel < 0 {
			continue
		}
		trueLabels = append(trueLabels, r.TrueLabel)
		predicted = append(predicted, r.Predicted)
	}
	return dataframe.New(
		series.New(trueLabels, series.Int, "True"),
		series.New(predicted, series.Int, "Predicted"),
	)
}

// WriteCorrespondence writes the CorrespondenceFrame of the records as CSV to filePath.
func WriteCorrespondence(filePath string, records []PredictionRecord) error {
	df := CorrespondenceFrame(records)
	if df.Err != nil {
		return errors.Wrap(df.Err, "building correspondence table")
	}
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}
