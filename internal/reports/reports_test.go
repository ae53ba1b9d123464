// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package reports

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-gota/gota/dataframe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/imgclass/internal/failures"
)

func recordsOf(trueLabels, predicted []int) []PredictionRecord {
	records := make([]PredictionRecord, len(trueLabels))
	for ii := range trueLabels {
		records[ii] = PredictionRecord{
			Source:      filepath.Join("images", string(rune('a'+ii))+".png"),
			TrueLabel:   trueLabels[ii],
			Predicted:   predicted[ii],
			Probability: 0.9,
		}
	}
	return records
}

func TestConfusionMatrix(t *testing.T) {
	cm := NewConfusionMatrix(2)
	require.NoError(t, cm.AddRecords(recordsOf([]int{0, 1, 1, 0}, []int{0, 1, 0, 0})))
	assert.Equal(t, [][]int{{2, 0}, {1, 1}}, cm.Counts())
	assert.Equal(t, [][]float64{{1, 0}, {0.5, 0.5}}, cm.Normalized())
	assert.InDelta(t, 0.75, cm.Accuracy(), 1e-9)

	require.Error(t, cm.Add(2, 0))
	require.Error(t, cm.Add(0, -1))

	var buf bytes.Buffer
	cm.Print(&buf, []string{"oak", "pine"})
	assert.Contains(t, buf.String(), "oak")
	assert.Contains(t, buf.String(), "pine")
	assert.Contains(t, buf.String(), "75.00%")
}

func TestNormalizedRowsSumToOne(t *testing.T) {
	cm := NewConfusionMatrix(4)
	for ii := range 37 {
		require.NoError(t, cm.Add(ii%3, (ii*7)%4))
	}
	for row, values := range cm.Normalized() {
		sum := 0.0
		for _, v := range values {
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		if row == 3 {
			assert.Zero(t, sum, "class never seen")
		} else {
			assert.InDelta(t, 1.0, sum, 1e-9)
		}
	}
}

func TestWriteCorrespondence(t *testing.T) {
	records := recordsOf([]int{0, 1, 1, 0}, []int{0, 1, 0, 0})
	records = append(records, PredictionRecord{Source: "unlabeled.png", TrueLabel: -1, Predicted: 1})
	filePath := filepath.Join(t.TempDir(), CorrespondenceFileName)
	require.NoError(t, WriteCorrespondence(filePath, records))

	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	df := dataframe.ReadCSV(bytes.NewReader(data))
	require.NoError(t, df.Err)
	assert.Equal(t, []string{"True", "Predicted"}, df.Names())
	assert.Equal(t, 4, df.Nrow())
	trueLabels, err := df.Col("True").Int()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 1, 0}, trueLabels)
	predicted, err := df.Col("Predicted").Int()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 0}, predicted)
}

func TestPlots(t *testing.T) {
	dir := t.TempDir()
	curvePath := filepath.Join(dir, TrainingCurveFileName)
	require.NoError(t, PlotTrainingCurve(curvePath, []float64{0.2, 0.5, 0.7}, []float64{0.1, 0.4, 0.6}))
	data, err := os.ReadFile(curvePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")

	cm := NewConfusionMatrix(3)
	require.NoError(t, cm.AddRecords(recordsOf([]int{0, 1, 2, 2}, []int{0, 2, 2, 1})))
	cfmPath := filepath.Join(dir, ConfusionPlotFileName)
	require.NoError(t, PlotConfusion(cfmPath, cm, []string{"oak", "pine"}))
	data, err = os.ReadFile(cfmPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "<svg")

	require.Error(t, PlotConfusion(filepath.Join(dir, "empty.svg"), NewConfusionMatrix(0), nil))
}

func TestMisclassificationLog(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), MisclassifiedFileName)
	classNames := []string{"oak", "pine"}
	log, err := OpenMisclassificationLog(filePath, classNames)
	require.NoError(t, err)
	for _, r := range []PredictionRecord{
		{Source: "a.png", TrueLabel: 0, Predicted: 0},
		{Source: "b.png", TrueLabel: 1, Predicted: 0},
	} {
		_, err = log.Add(r)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, log.Count())
	require.NoError(t, log.Close())

	// Appends to the existing contents.
	log, err = OpenMisclassificationLog(filePath, classNames)
	require.NoError(t, err)
	written, err := log.Add(PredictionRecord{Source: "c.png", TrueLabel: 0, Predicted: 7})
	require.NoError(t, err)
	assert.True(t, written)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, "b.png 1 pine 0 oak\nc.png 0 oak 7 7\n", string(data))
}

func TestLoadLabels(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "used_labels.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("oak\n pine \r\nbirch\n\n"), 0o644))
	names, err := LoadLabels(filePath)
	require.NoError(t, err)
	assert.Equal(t, []string{"oak", "pine", "birch"}, names)

	_, err = LoadLabels(filepath.Join(dir, "missing.txt"))
	require.ErrorIs(t, err, failures.ErrResourceMissing)
	assert.True(t, strings.Contains(err.Error(), "missing.txt"))
}
