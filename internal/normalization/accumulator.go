// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package normalization

import (
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/gomlx/imgclass/internal/failures"
)

// MeanAccumulator computes the mean image of a set of images, used when preparing a dataset.
type MeanAccumulator struct {
	shape []int
	sum   []float64
	count int
}

// NewMeanAccumulator for images of the given shape ([height, width, channels]).
func NewMeanAccumulator(shape []int) *MeanAccumulator {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &MeanAccumulator{shape: slices.Clone(shape), sum: make([]float64, size)}
}

// Add one image's pixels, flat in row-major order.
func (acc *MeanAccumulator) Add(pixels []float32) error {
	if len(pixels) != len(acc.sum) {
		return errors.Wrapf(failures.ErrShapeMismatch, "image has %d values, expected %d for shape %v",
			len(pixels), len(acc.sum), acc.shape)
	}
	values := make([]float64, len(pixels))
	for ii, v := range pixels {
		values[ii] = float64(v)
	}
	floats.Add(acc.sum, values)
	acc.count++
	return nil
}

// Count returns the number of images added.
func (acc *MeanAccumulator) Count() int { return acc.count }

// Profile returns the mean of the images added so far.
func (acc *MeanAccumulator) Profile() (*Profile, error) {
	if acc.count == 0 {
		return nil, errors.New("no images added to compute the mean image")
	}
	mean := slices.Clone(acc.sum)
	floats.Scale(1/float64(acc.count), mean)
	mean32 := make([]float32, len(mean))
	for ii, v := range mean {
		mean32[ii] = float32(v)
	}
	return New(acc.shape, mean32)
}
