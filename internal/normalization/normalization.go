// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package normalization loads the input shape and the mean image used to center every image
// before it reaches the model.
//
// The files are the raw little-endian arrays written by numpy's `tofile`:
//
//   - shape.dat: 3 int32 values, the image height, width and channels.
//   - mean.dat: height*width*channels float32 values, the mean image in row-major order.
//
// Alternatively, the mean image can be stored as a numpy `.npy` file, see LoadNpy.
package normalization

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/imgclass/internal/failures"
)

const (
	// ShapeFileName is the default name of the shape file in the data directory.
	ShapeFileName = "shape.dat"

	// MeanFileName is the default name of the mean image file in the data directory.
	MeanFileName = "mean.dat"

	// MeanNpyFileName is the numpy alternative to MeanFileName.
	MeanNpyFileName = "mean.npy"
)

// Profile is the input geometry and the mean image. It is read-only once loaded.
type Profile struct {
	// Shape is [height, width, channels].
	Shape []int

	// Mean holds the mean image, flat in row-major (height, width, channels) order.
	Mean []float32
}

// New creates a Profile, checking that the mean matches the shape.
func New(shape []int, mean []float32) (*Profile, error) {
	if len(shape) != 3 {
		return nil, errors.Wrapf(failures.ErrShapeMismatch, "input shape must have 3 dimensions, got %v", shape)
	}
	size := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, errors.Wrapf(failures.ErrShapeMismatch, "input shape %v has non-positive dimension", shape)
		}
		size *= dim
	}
	if len(mean) != size {
		return nil, errors.Wrapf(failures.ErrShapeMismatch,
			"mean image has %d elements, but input shape %v requires %d", len(mean), shape, size)
	}
	return &Profile{Shape: slices.Clone(shape), Mean: mean}, nil
}

// Load reads the shape and mean image files.
//
// It fails with failures.ErrResourceMissing if either file is absent, and with
// failures.ErrShapeMismatch if the mean image doesn't have the number of elements of the shape.
func Load(shapePath, meanPath string) (*Profile, error) {
	shapeBytes, err := readResource(shapePath)
	if err != nil {
		return nil, err
	}
	meanBytes, err := readResource(meanPath)
	if err != nil {
		return nil, err
	}
	if len(shapeBytes)%4 != 0 || len(meanBytes)%4 != 0 {
		return nil, errors.Wrapf(failures.ErrShapeMismatch,
			"files %q (%d bytes) and %q (%d bytes) must hold 4-byte values",
			shapePath, len(shapeBytes), meanPath, len(meanBytes))
	}
	shape32 := make([]int32, len(shapeBytes)/4)
	if err = binary.Read(bytes.NewReader(shapeBytes), binary.LittleEndian, shape32); err != nil {
		return nil, errors.Wrapf(err, "failed to decode shape from %q", shapePath)
	}
	shape := make([]int, len(shape32))
	for ii, dim := range shape32 {
		shape[ii] = int(dim)
	}
	mean := make([]float32, len(meanBytes)/4)
	if err = binary.Read(bytes.NewReader(meanBytes), binary.LittleEndian, mean); err != nil {
		return nil, errors.Wrapf(err, "failed to decode mean image from %q", meanPath)
	}
	profile, err := New(shape, mean)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q and %q", shapePath, meanPath)
	}
	return profile, nil
}

// LoadNpy reads the mean image from a numpy file, whose shape must be [height, width, channels].
func LoadNpy(meanNpyPath string) (*Profile, error) {
	if err := failures.Missing(failures.ErrResourceMissing, meanNpyPath); err != nil {
		return nil, err
	}
	meanT, err := numpy.FromNpyFile(meanNpyPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to read mean image from %q", meanNpyPath)
	}
	defer meanT.FinalizeAll()
	if meanT.DType() != dtypes.Float32 {
		return nil, errors.Wrapf(failures.ErrShapeMismatch, "mean image in %q must be float32, got %s",
			meanNpyPath, meanT.DType())
	}
	return New(meanT.Shape().Dimensions, tensors.MustCopyFlatData[float32](meanT))
}

// LoadDir reads the profile stored in dataDir: ShapeFileName and MeanFileName, or MeanNpyFileName if
// MeanFileName is absent and the numpy file exists.
func LoadDir(dataDir string) (*Profile, error) {
	meanPath := filepath.Join(dataDir, MeanFileName)
	npyPath := filepath.Join(dataDir, MeanNpyFileName)
	if failures.Missing(failures.ErrResourceMissing, meanPath) != nil && failures.Missing(failures.ErrResourceMissing, npyPath) == nil {
		return LoadNpy(npyPath)
	}
	return Load(filepath.Join(dataDir, ShapeFileName), meanPath)
}

func readResource(path string) ([]byte, error) {
	if err := failures.Missing(failures.ErrResourceMissing, path); err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", path)
	}
	return contents, nil
}

// Save writes the profile in the format read by Load.
func Save(profile *Profile, shapePath, meanPath string) error {
	shape32 := make([]int32, len(profile.Shape))
	for ii, dim := range profile.Shape {
		shape32[ii] = int32(dim)
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, shape32); err != nil {
		return errors.Wrap(err, "failed to encode shape")
	}
	if err := os.WriteFile(shapePath, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", shapePath)
	}
	buf.Reset()
	if err := binary.Write(&buf, binary.LittleEndian, profile.Mean); err != nil {
		return errors.Wrap(err, "failed to encode mean image")
	}
	if err := os.WriteFile(meanPath, buf.Bytes(), 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", meanPath)
	}
	return nil
}

// SaveNpy writes the mean image of the profile as a numpy file, in the format read by LoadNpy.
func SaveNpy(profile *Profile, meanNpyPath string) error {
	meanT := profile.MeanTensor()
	defer meanT.FinalizeAll()
	if err := numpy.ToNpyFile(meanT, meanNpyPath); err != nil {
		return errors.WithMessagef(err, "failed to write mean image to %q", meanNpyPath)
	}
	return nil
}

// Height of the input images.
func (p *Profile) Height() int { return p.Shape[0] }

// Width of the input images.
func (p *Profile) Width() int { return p.Shape[1] }

// Channels of the input images.
func (p *Profile) Channels() int { return p.Shape[2] }

// Size is the number of values in one image.
func (p *Profile) Size() int { return len(p.Mean) }

// CheckGeometry returns failures.ErrShapeMismatch if the profile doesn't match the given geometry.
func (p *Profile) CheckGeometry(height, width, channels int) error {
	if p.Height() != height || p.Width() != width || p.Channels() != channels {
		return errors.Wrapf(failures.ErrShapeMismatch,
			"configured image geometry [%d %d %d] doesn't match the normalization shape %v",
			height, width, channels, p.Shape)
	}
	return nil
}

// Subtract centers the pixels of one image in place.
func (p *Profile) Subtract(pixels []float32) error {
	if len(pixels) != len(p.Mean) {
		return errors.Wrapf(failures.ErrShapeMismatch,
			"image has %d values, but normalization shape %v requires %d", len(pixels), p.Shape, len(p.Mean))
	}
	for ii, m := range p.Mean {
		pixels[ii] -= m
	}
	return nil
}

// MeanTensor returns the mean image as a tensor shaped [height, width, channels].
func (p *Profile) MeanTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(slices.Clone(p.Mean), p.Shape...)
}
