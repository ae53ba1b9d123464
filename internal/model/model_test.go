// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"bytes"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/imgclass/internal/dataset"
	"github.com/gomlx/imgclass/internal/failures"
	"github.com/gomlx/imgclass/internal/normalization"
	"github.com/gomlx/imgclass/internal/resnet"
	"github.com/gomlx/imgclass/internal/tfrecord"
)

const (
	testHeight, testWidth, testChannels = 8, 8, 3
	testSize                            = testHeight * testWidth * testChannels
	testClasses                         = 10
)

var testShape = []int{testHeight, testWidth, testChannels}

func tinyArchitecture() resnet.Architecture {
	return resnet.Architecture{Blocks: []int{1, 1}, Widths: []int{4, 8}}
}

func buildBound(t *testing.T, arch resnet.Architecture) *Model {
	backend := graphtest.BuildTestBackend()
	m, err := Build(backend, arch, testClasses)
	require.NoError(t, err)
	require.NoError(t, m.BindInput(testShape))
	t.Cleanup(m.Finalize)
	return m
}

func testImage(seed int64) *tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	pixels := make([]float32, testSize)
	for ii := range pixels {
		pixels[ii] = rng.Float32() - 0.5
	}
	return tensors.FromFlatDataAndDimensions(pixels, testShape...)
}

// writeRecords writes numRecords random raw images with labels id % testClasses.
func writeRecords(t *testing.T, path string, numRecords int, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	w, err := tfrecord.Create(path)
	require.NoError(t, err)
	for id := range numRecords {
		raw := make([]byte, testSize)
		for ii := range raw {
			raw[ii] = byte(rng.Intn(256))
		}
		require.NoError(t, w.Write(tfrecord.ImageExample(raw, int64(id%testClasses)).Marshal()))
	}
	require.NoError(t, w.Close())
}

func testProfile(t *testing.T) *normalization.Profile {
	mean := make([]float32, testSize)
	for ii := range mean {
		mean[ii] = 127.5
	}
	profile, err := normalization.New(testShape, mean)
	require.NoError(t, err)
	return profile
}

func variableValues(t *testing.T, m *Model) map[string][]float32 {
	values := make(map[string][]float32)
	for v := range m.Context().IterVariables() {
		value, err := v.Value()
		require.NoError(t, err)
		values[v.ScopeAndName()] = tensors.MustCopyFlatData[float32](value)
	}
	return values
}

func TestBuild(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	_, err := Build(backend, resnet.Architecture{Blocks: []int{1}, Widths: []int{4, 8}}, testClasses)
	require.Error(t, err)
	_, err = Build(backend, tinyArchitecture(), 0)
	require.Error(t, err)

	m, err := Build(backend, tinyArchitecture(), testClasses)
	require.NoError(t, err)
	defer m.Finalize()
	_, err = m.PredictOne(testImage(0))
	require.Error(t, err, "PredictOne before BindInput")
	require.Error(t, m.Compile(CompileSpec{Optimizer: OptimizerSpec{LearningRate: 1e-3}}))

	err = m.BindInput([]int{testHeight, testWidth})
	require.ErrorIs(t, err, failures.ErrShapeMismatch)
	require.NoError(t, m.BindInput(testShape))
	require.Error(t, m.BindInput(testShape), "bound twice")
	assert.Equal(t, testShape, m.InputShape())
	assert.Greater(t, m.Context().NumVariables(), 0)

	var buf bytes.Buffer
	m.Summary(&buf, true)
	assert.Contains(t, buf.String(), "# parameters")
	assert.Contains(t, buf.String(), "/model/")
}

func TestPredictOne(t *testing.T) {
	m := buildBound(t, tinyArchitecture())
	image := testImage(1)
	logits, err := m.PredictOne(image)
	require.NoError(t, err)
	require.Len(t, logits, testClasses)

	// Batch of one gives the same result.
	batched := tensors.FromFlatDataAndDimensions(tensors.MustCopyFlatData[float32](image), 1, testHeight, testWidth, testChannels)
	logits2, err := m.PredictOne(batched)
	require.NoError(t, err)
	assert.InDeltaSlice(t, logits, logits2, 1e-5)

	_, err = m.PredictOne(tensors.FromFlatDataAndDimensions(make([]float32, 4*4*3), 4, 4, 3))
	require.ErrorIs(t, err, failures.ErrShapeMismatch)
	_, err = m.PredictOne(tensors.FromFlatDataAndDimensions(make([]float64, testSize), testShape...))
	require.Error(t, err)
}

func TestRestore(t *testing.T) {
	source := buildBound(t, tinyArchitecture())
	dir := filepath.Join(t.TempDir(), "checkpoint")
	require.NoError(t, source.Save(dir))
	want := variableValues(t, source)

	// Two fresh models restored from the same checkpoint end up with identical weights.
	for range 2 {
		m := buildBound(t, tinyArchitecture())
		report, err := m.Restore(dir)
		require.NoError(t, err)
		assert.Equal(t, len(want), report.Count(Matched))
		assert.Zero(t, report.Count(ShapeIncompatible))
		assert.Empty(t, report.NotInCheckpoint)
		assert.Equal(t, want, variableValues(t, m))
	}

	// Wider last stage: some variables don't fit and keep their initial values.
	wider := buildBound(t, resnet.Architecture{Blocks: []int{1, 1}, Widths: []int{4, 16}})
	report, err := wider.Restore(dir)
	require.NoError(t, err)
	assert.Greater(t, report.Count(Matched), 0)
	assert.Greater(t, report.Count(ShapeIncompatible), 0)
	var buf bytes.Buffer
	report.Print(&buf)
	assert.Contains(t, buf.String(), "shape-incompatible")

	_, err = wider.Restore(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, failures.ErrResourceMissing)
	_, err = wider.Restore(t.TempDir())
	require.ErrorIs(t, err, failures.ErrCheckpointUnreadable)
}

func TestSaveAndLoad(t *testing.T) {
	m := buildBound(t, tinyArchitecture())
	image := testImage(2)
	want, err := m.PredictOne(image)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "saved")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "stale"), 0o755))
	require.NoError(t, m.Save(dir))
	assert.NoDirExists(t, filepath.Join(dir, "stale"))

	loaded, err := LoadSaved(m.Backend(), dir)
	require.NoError(t, err)
	defer loaded.Finalize()
	assert.Equal(t, testShape, loaded.InputShape())
	assert.Equal(t, tinyArchitecture().String(), loaded.Architecture().String())
	assert.Equal(t, testClasses, loaded.NumClasses())
	got, err := loaded.PredictOne(image)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 1e-5)

	_, err = LoadSaved(m.Backend(), filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, failures.ErrResourceMissing)
}

func trainingData(t *testing.T) (trainDS, valDS *dataset.Dataset) {
	dir := t.TempDir()
	trainPath, valPath := filepath.Join(dir, "train.tfrecords"), filepath.Join(dir, "val.tfrecords")
	writeRecords(t, trainPath, 320, 1)
	writeRecords(t, valPath, 64, 2)
	profile := testProfile(t)
	var err error
	trainDS, err = dataset.BuildTraining([]string{trainPath}, profile, testClasses, 32,
		dataset.TrainingOptions{ShuffleWindow: 64, Seed: 42})
	require.NoError(t, err)
	valDS, err = dataset.BuildEvaluation([]string{valPath}, profile, testClasses, 32)
	require.NoError(t, err)
	t.Cleanup(trainDS.Close)
	t.Cleanup(valDS.Close)
	return
}

func TestTrain(t *testing.T) {
	trainDS, valDS := trainingData(t)
	m := buildBound(t, tinyArchitecture())
	_, err := m.Train(trainDS, 1, valDS, 0)
	require.Error(t, err, "Train before Compile")
	require.Error(t, m.Compile(CompileSpec{}), "learning rate is required")
	require.NoError(t, m.Compile(CompileSpec{Optimizer: OptimizerSpec{LearningRate: 1e-3, DecaySteps: 20}}))

	var epochs []int
	var records []EpochRecord
	sink := EpochSinkFn(func(epoch int, _ *Model, record EpochRecord) {
		epochs = append(epochs, epoch)
		records = append(records, record)
	})
	history, err := m.Train(trainDS, 2, valDS, 0, sink)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, epochs)
	require.Len(t, history.Epochs, 2)
	for ii, record := range history.Epochs {
		assert.Equal(t, ii+1, record.Epoch)
		assert.Equal(t, 10, record.Steps)
		assert.Greater(t, record.TrainLoss, 0.0)
		assert.GreaterOrEqual(t, record.ValidationAccuracy, 0.0)
		assert.LessOrEqual(t, record.ValidationAccuracy, 1.0)
	}
	assert.Equal(t, records, history.Epochs)
	assert.Len(t, history.TrainAccuracies(), 2)
	assert.Len(t, history.ValidationAccuracies(), 2)

	result, err := m.Evaluate(valDS, 1)
	require.NoError(t, err)
	assert.Greater(t, result.Loss, 0.0)

	// A trained checkpoint holds optimizer state, which is not restored into a fresh model.
	dir := filepath.Join(t.TempDir(), "trained")
	require.NoError(t, m.Save(dir))
	fresh := buildBound(t, tinyArchitecture())
	report, err := fresh.Restore(dir)
	require.NoError(t, err)
	assert.Greater(t, report.Count(Skipped), 0)
	assert.Zero(t, report.Count(ShapeIncompatible))
	assert.Empty(t, report.NotInCheckpoint)
}

// learningRate returns the current value of the learning rate variable of m.
func learningRate(t *testing.T, m *Model) float64 {
	value, err := optimizers.LearningRateVar(m.modelCtx(), dtypes.Float32, 0).Value()
	require.NoError(t, err)
	return float64(tensors.MustCopyFlatData[float32](value)[0])
}

func TestLearningRateDecay(t *testing.T) {
	const lr = 1e-3
	minLR := lr * DefaultDecayFloor
	for _, decaySteps := range []int{20, 5} {
		trainDS, valDS := trainingData(t)
		m := buildBound(t, tinyArchitecture())
		require.NoError(t, m.Compile(CompileSpec{Optimizer: OptimizerSpec{LearningRate: lr, DecaySteps: decaySteps}}))
		history, err := m.Train(trainDS, 1, valDS, 1)
		require.NoError(t, err)
		require.Equal(t, 10, history.Epochs[0].Steps)

		// The learning rate used by the last step (the 10th, step index 9).
		progress := min(9.0/float64(decaySteps), 1)
		want := minLR + (lr-minLR)*(1+math.Cos(math.Pi*progress))/2
		assert.InDelta(t, want, learningRate(t, m), 1e-7, "decaySteps=%d", decaySteps)
	}

	// Once the decay is over, the learning rate stays at the floor.
	trainDS, valDS := trainingData(t)
	m := buildBound(t, tinyArchitecture())
	require.NoError(t, m.Compile(CompileSpec{Optimizer: OptimizerSpec{LearningRate: lr, DecaySteps: 10}}))
	_, err := m.Train(trainDS, 2, valDS, 1)
	require.NoError(t, err)
	assert.InDelta(t, minLR, learningRate(t, m), 1e-9)
}

func TestTrainInterrupt(t *testing.T) {
	trainDS, valDS := trainingData(t)
	m := buildBound(t, tinyArchitecture())
	require.NoError(t, m.Compile(CompileSpec{Optimizer: OptimizerSpec{LearningRate: 1e-3}}))
	calls := 0
	m.Interrupt = func() error {
		calls++
		if calls > 1 {
			return errors.New("interrupted by user")
		}
		return nil
	}
	history, err := m.Train(trainDS, 3, valDS, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interrupted by user")
	assert.Len(t, history.Epochs, 1)
}
