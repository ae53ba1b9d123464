// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modes

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/imgclass/internal/config"
	"github.com/gomlx/imgclass/internal/failures"
	"github.com/gomlx/imgclass/internal/normalization"
	"github.com/gomlx/imgclass/internal/reports"
)

// fakePredictor returns fixed logits and records the shapes of the images it was called with.
type fakePredictor struct {
	logits []float32
	calls  [][]int
}

func (p *fakePredictor) PredictOne(image *tensors.Tensor) ([]float32, error) {
	p.calls = append(p.calls, image.Shape().Dimensions)
	return p.logits, nil
}

func zeroProfile(t *testing.T, height, width, channels int) *normalization.Profile {
	profile, err := normalization.New([]int{height, width, channels}, make([]float32, height*width*channels))
	require.NoError(t, err)
	return profile
}

func writePNG(t *testing.T, path string, size int, c color.Color) {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestSoftmax(t *testing.T) {
	for _, logits := range [][]float32{
		{1, 2, 3},
		{1000, 1001, 999},
		{-1000, 0, 5},
		{0},
		{float32(math.Inf(1)), 0, 1},
		{float32(math.Inf(-1)), float32(math.Inf(-1))},
		{float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.Inf(1))},
	} {
		probabilities := Softmax(logits)
		require.Len(t, probabilities, len(logits))
		sum := 0.0
		for _, p := range probabilities {
			assert.False(t, math.IsNaN(p))
			assert.GreaterOrEqual(t, p, 0.0)
			assert.LessOrEqual(t, p, 1.0)
			sum += p
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
	// Shifting logits doesn't change the result.
	assert.InDeltaSlice(t, Softmax([]float32{1, 2, 3}), Softmax([]float32{1001, 1002, 1003}), 1e-9)
	assert.Nil(t, Softmax(nil))
	assert.Equal(t, []float64{1, 0, 0}, Softmax([]float32{float32(math.Inf(1)), 0, 1}))
	assert.Equal(t, []float64{0.5, 0.5}, Softmax([]float32{float32(math.Inf(-1)), float32(math.Inf(-1))}))
	assert.Equal(t, []float64{0.5, 0, 0.5},
		Softmax([]float32{float32(math.Inf(1)), float32(math.Inf(-1)), float32(math.Inf(1))}))

	assert.Equal(t, 1, Argmax([]float64{0.1, 0.7, 0.2}))
	assert.Equal(t, 0, Argmax([]float64{0.5, 0.5}))
	assert.Equal(t, -1, Argmax(nil))
}

func TestPredictLoop(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "tree.png")
	writePNG(t, imagePath, 8, color.NRGBA{R: 10, G: 200, B: 30, A: 255})
	predictor := &fakePredictor{logits: []float32{0, 2, 0}}
	scorer := NewScorer(predictor, zeroProfile(t, 4, 4, 3))

	// One path, then the sentinel: what comes after it is never read.
	var out bytes.Buffer
	count, err := PredictLoop(NewListSource(imagePath, EndOfInput, imagePath), scorer, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.Len(t, predictor.calls, 1)
	assert.Equal(t, []int{1, 4, 4, 3}, predictor.calls[0])
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], "1 [0.7"), "got %q", lines[0])

	// Undecodable and missing files are skipped.
	garbage := filepath.Join(dir, "garbage.png")
	require.NoError(t, os.WriteFile(garbage, []byte("not an image"), 0o644))
	out.Reset()
	count, err = PredictLoop(NewListSource(garbage, filepath.Join(dir, "missing.png"), imagePath), scorer, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Len(t, predictor.calls, 2)

	_, err = scorer.ScoreFile(garbage, -1)
	assert.True(t, errors.Is(err, failures.ErrDecode))
}

func TestInteractiveSource(t *testing.T) {
	var prompt bytes.Buffer
	source := NewInteractiveSource(strings.NewReader("a.png\n\n  b.png  \nend\nc.png\n"), &prompt)
	var paths []string
	for {
		path, ok, err := source.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		paths = append(paths, path)
	}
	assert.Equal(t, []string{"a.png", "b.png"}, paths)
	assert.Equal(t, 4, strings.Count(prompt.String(), "file :"))

	// End of input without the sentinel.
	source = NewInteractiveSource(strings.NewReader("a.png"), nil)
	path, ok, err := source.Next()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a.png", path)
	_, ok, err = source.Next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "test.txt")
	require.NoError(t, os.WriteFile(manifestPath, []byte("a.png\t0\n\nb b.png\t 3\n"), 0o644))
	entries, err := LoadManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, []ManifestEntry{{Path: "a.png", Label: 0}, {Path: "b b.png", Label: 3}}, entries)

	require.NoError(t, os.WriteFile(manifestPath, []byte("a.png\t0\nb.png\n"), 0o644))
	_, err = LoadManifest(manifestPath)
	require.ErrorContains(t, err, "test.txt:2")
	require.NoError(t, os.WriteFile(manifestPath, []byte("a.png\tx\n"), 0o644))
	_, err = LoadManifest(manifestPath)
	require.ErrorContains(t, err, "invalid label")

	_, err = LoadManifest(filepath.Join(dir, "missing.txt"))
	assert.True(t, errors.Is(err, failures.ErrResourceMissing))
}

func testConfig(t *testing.T, numClasses int) config.RunConfiguration {
	cfg := config.Default()
	cfg.Name = "test"
	cfg.NumClasses = numClasses
	cfg.OutputDir = t.TempDir()
	return cfg
}

func TestConfusionReport(t *testing.T) {
	cfg := testConfig(t, 2)
	records := []reports.PredictionRecord{
		{Source: "a.png", TrueLabel: 0, Predicted: 0},
		{Source: "b.png", TrueLabel: 1, Predicted: 1},
		{Source: "c.png", TrueLabel: 1, Predicted: 0},
		{Source: "d.png", TrueLabel: 0, Predicted: 0},
	}
	var out bytes.Buffer
	require.NoError(t, ConfusionReport(cfg, records, []string{"oak", "pine"}, &out))
	assert.Contains(t, out.String(), "oak")
	assert.FileExists(t, cfg.Output(reports.ConfusionPlotFileName))
	data, err := os.ReadFile(cfg.Output(reports.CorrespondenceFileName))
	require.NoError(t, err)
	assert.Equal(t, "True,Predicted\n0,0\n1,1\n1,0\n0,0\n", string(data))

	cm := reports.NewConfusionMatrix(2)
	require.NoError(t, cm.AddRecords(records))
	assert.Equal(t, [][]float64{{1, 0}, {0.5, 0.5}}, cm.Normalized())
}

func TestMisclassificationReport(t *testing.T) {
	dir := t.TempDir()
	entries := []ManifestEntry{
		{Path: filepath.Join(dir, "a.png"), Label: 0},
		{Path: filepath.Join(dir, "b.png"), Label: 1},
	}
	for _, entry := range entries {
		writePNG(t, entry.Path, 4, color.Gray{Y: 128})
	}
	predictor := &fakePredictor{logits: []float32{3, 0}}
	records := NewScorer(predictor, zeroProfile(t, 4, 4, 1)).ScoreManifest(entries)
	require.Len(t, records, 2)

	cfg := testConfig(t, 2)
	var out bytes.Buffer
	count, err := MisclassificationReport(cfg, records, []string{"oak", "pine"}, &out)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	data, err := os.ReadFile(cfg.Output(cfg.ResultsFile))
	require.NoError(t, err)
	assert.Equal(t, entries[1].Path+" 1 pine 0 oak\n", string(data))
	assert.Contains(t, out.String(), "1 of 2 images misclassified")
}
