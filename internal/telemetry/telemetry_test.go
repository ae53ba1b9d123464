// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/imgclass/internal/model"
	"github.com/gomlx/imgclass/internal/resnet"
)

func tinyModel(t *testing.T) *model.Model {
	m, err := model.Build(graphtest.BuildTestBackend(), resnet.Architecture{Blocks: []int{1}, Widths: []int{4}}, 3)
	require.NoError(t, err)
	require.NoError(t, m.BindInput([]int{8, 8, 3}))
	t.Cleanup(m.Finalize)
	return m
}

func readPoints(t *testing.T, path string) []Point {
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	var points []Point
	scanner := bufio.NewScanner(f)
	scanner.Buffer(nil, 1<<24)
	for scanner.Scan() {
		var p Point
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
		points = append(points, p)
	}
	require.NoError(t, scanner.Err())
	return points
}

func TestSink(t *testing.T) {
	m := tinyModel(t)
	dir := filepath.Join(t.TempDir(), "snapshots")
	sink, err := New(dir, Options{Histograms: true, HistogramBins: 5})
	require.NoError(t, err)
	require.NotEmpty(t, sink.RunID())

	// A stale checkpoint from a previous run is replaced.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, CheckpointDirName(2), "stale"), 0o755))

	const numEpochs = 3
	for epoch := 1; epoch <= numEpochs; epoch++ {
		sink.OnEpochEnd(epoch, m, model.EpochRecord{
			Epoch: epoch, Steps: 10, TrainLoss: 1.0 / float64(epoch), ValidationAccuracy: 0.1 * float64(epoch),
			Duration: time.Second,
		})
	}
	assert.Zero(t, sink.Failures())
	written := sink.Written()
	require.Len(t, written, numEpochs)
	for ii, checkpointDir := range written {
		assert.Equal(t, filepath.Join(dir, CheckpointDirName(ii+1)), checkpointDir)
		assert.DirExists(t, checkpointDir)
	}
	assert.NoDirExists(t, filepath.Join(dir, CheckpointDirName(2), "stale"))

	points := readPoints(t, filepath.Join(dir, MetricsFileName))
	require.Len(t, points, numEpochs)
	for ii, p := range points {
		assert.Equal(t, ii+1, p.Epoch)
		assert.Equal(t, sink.RunID(), p.RunID)
		assert.Equal(t, 10, p.Steps)
		assert.Equal(t, CheckpointDirName(ii+1), p.Checkpoint)
		assert.InDelta(t, 1.0, p.DurationSeconds, 1e-9)
		require.NotEmpty(t, p.Histograms)
		for name, h := range p.Histograms {
			assert.Len(t, h.Counts, 5, name)
			assert.Len(t, h.Dividers, 6, name)
		}
	}

	// Each epoch checkpoint is a complete saved model.
	loaded, err := model.LoadSaved(m.Backend(), written[1])
	require.NoError(t, err)
	defer loaded.Finalize()
	assert.Equal(t, []int{8, 8, 3}, loaded.InputShape())
}

func TestSinkFailures(t *testing.T) {
	m := tinyModel(t)
	dir := filepath.Join(t.TempDir(), "snapshots")
	sink, err := New(dir, Options{RunID: "run"})
	require.NoError(t, err)
	assert.Equal(t, "run", sink.RunID())

	// Replace the directory by a file: every write fails, but nothing is returned to the caller.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, []byte("not a directory"), 0o644))
	sink.OnEpochEnd(1, m, model.EpochRecord{Epoch: 1})
	assert.Empty(t, sink.Written())
	assert.Equal(t, 2, sink.Failures())

	_, err = New("", Options{})
	require.Error(t, err)
}

func TestHistogramOf(t *testing.T) {
	data := []float64{3, -1, 0.5, 2, 2, 7}
	h := histogramOf(data, 4)
	require.Len(t, h.Dividers, 5)
	assert.Equal(t, -1.0, h.Dividers[0])
	assert.Equal(t, float64(len(data)), floats.Sum(h.Counts))

	constant := histogramOf([]float64{1, 1, 1}, 3)
	assert.Equal(t, 3.0, floats.Sum(constant.Counts))
}
