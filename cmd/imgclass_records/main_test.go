// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/imgclass/internal/dataset"
	"github.com/gomlx/imgclass/internal/normalization"
)

// writeManifest writes numImages solid color images of 12x10 pixels with the given gray levels
// (one per class), plus one broken file, and returns the manifest path.
func writeManifest(t *testing.T, dir, name string, numImages int, levels []uint8) string {
	var manifest strings.Builder
	for ii := range numImages {
		label := ii % len(levels)
		img := imaging.New(12, 10, color.NRGBA{R: levels[label], G: levels[label], B: levels[label], A: 255})
		imagePath := filepath.Join(dir, fmt.Sprintf("%s_%d.png", name, ii))
		require.NoError(t, imaging.Save(img, imagePath))
		_, _ = fmt.Fprintf(&manifest, "%s\t%d\n", imagePath, label)
	}
	broken := filepath.Join(dir, name+"_broken.png")
	require.NoError(t, os.WriteFile(broken, []byte("broken"), 0o644))
	_, _ = fmt.Fprintf(&manifest, "%s\t0\n", broken)
	manifestPath := filepath.Join(dir, name+".txt")
	require.NoError(t, os.WriteFile(manifestPath, []byte(manifest.String()), 0o644))
	return manifestPath
}

func countRecords(t *testing.T, ds *dataset.Dataset) (count int) {
	for {
		_, inputs, _, err := ds.Yield()
		if err == io.EOF {
			return
		}
		require.NoError(t, err)
		count += inputs[0].Shape().Dimensions[0]
	}
}

func TestRun(t *testing.T) {
	for _, encoded := range []bool{false, true} {
		t.Run(fmt.Sprintf("encoded=%v", encoded), func(t *testing.T) {
			srcDir, outDir := t.TempDir(), filepath.Join(t.TempDir(), "data")
			levels := []uint8{20, 220}
			trainManifest := writeManifest(t, srcDir, "train", 10, levels)
			testManifest := writeManifest(t, srcDir, "test", 4, levels)
			labelsPath := filepath.Join(srcDir, "labels.txt")
			require.NoError(t, os.WriteFile(labelsPath, []byte("dark\nbright\n"), 0o644))

			opts := recordOptions{height: 4, width: 6, channels: 3, shards: 2, encoded: encoded}
			require.NoError(t, run(outDir, trainManifest, testManifest, labelsPath, opts))

			profile, err := normalization.LoadDir(outDir)
			require.NoError(t, err)
			assert.Equal(t, []int{4, 6, 3}, profile.Shape)
			assert.InDelta(t, 120.0, profile.Mean[0], 1.0)
			fromNpy, err := normalization.LoadNpy(filepath.Join(outDir, normalization.MeanNpyFileName))
			require.NoError(t, err)
			assert.Equal(t, profile, fromNpy)

			labels, err := os.ReadFile(filepath.Join(outDir, "used_labels.txt"))
			require.NoError(t, err)
			assert.Equal(t, "dark\nbright\n", string(labels))

			for split, want := range map[string]int{"train": 10, "test": 4} {
				shards := dataset.ShardPaths(outDir, split, true, 2)
				ds, err := dataset.BuildEvaluation(shards, profile, len(levels), 3)
				require.NoError(t, err)
				assert.Equal(t, want, countRecords(t, ds), split)
				ds.Close()
			}
		})
	}
}

func TestRunInvalid(t *testing.T) {
	dir := t.TempDir()
	manifest := writeManifest(t, dir, "train", 2, []uint8{0})
	require.Error(t, run(dir, manifest, "", "", recordOptions{height: 4, width: 4, channels: 2, shards: 1}))
	require.Error(t, run(dir, manifest, "", "", recordOptions{height: 0, width: 4, channels: 3, shards: 1}))
	require.Error(t, run(dir, filepath.Join(dir, "missing.txt"), "", "",
		recordOptions{height: 4, width: 4, channels: 3, shards: 1}))

	// Only broken images: no mean image can be computed.
	onlyBroken := writeManifest(t, dir, "broken", 0, []uint8{0})
	require.Error(t, run(filepath.Join(dir, "out"), onlyBroken, "", "",
		recordOptions{height: 4, width: 4, channels: 3, shards: 1}))
}

func TestReadImage(t *testing.T) {
	imagePath := filepath.Join(t.TempDir(), "gray.png")
	require.NoError(t, imaging.Save(image.NewGray(image.Rect(0, 0, 8, 8)), imagePath))
	payload, pixels, err := readImage(imagePath, recordOptions{height: 2, width: 3, channels: 1})
	require.NoError(t, err)
	assert.Len(t, payload, 6)
	assert.Len(t, pixels, 6)
}
