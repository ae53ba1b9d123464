// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modes

import (
	"fmt"
	"image"
	"io"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imgclass/internal/dataset"
	"github.com/gomlx/imgclass/internal/normalization"
	"github.com/gomlx/imgclass/internal/reports"
)

// Predictor returns the logits for one image shaped [1, height, width, channels]. It is implemented by
// *model.Model.
type Predictor interface {
	PredictOne(image *tensors.Tensor) ([]float32, error)
}

// Scorer turns image files into predictions: decode, resize, subtract the mean image, run the predictor,
// softmax and argmax.
type Scorer struct {
	predictor Predictor
	profile   *normalization.Profile
}

// NewScorer creates a Scorer for images with the profile's geometry.
func NewScorer(predictor Predictor, profile *normalization.Profile) *Scorer {
	return &Scorer{predictor: predictor, profile: profile}
}

// ScoreImage returns the probability of each class for img.
func (s *Scorer) ScoreImage(img image.Image) ([]float64, error) {
	height, width, channels := s.profile.Height(), s.profile.Width(), s.profile.Channels()
	pixels := dataset.ImageToPixels(img, height, width, channels)
	if err := s.profile.Subtract(pixels); err != nil {
		return nil, err
	}
	input := tensors.FromFlatDataAndDimensions(pixels, 1, height, width, channels)
	defer input.MustFinalizeAll()
	logits, err := s.predictor.PredictOne(input)
	if err != nil {
		return nil, err
	}
	return Softmax(logits), nil
}

// ScoreFile decodes and scores the image in imagePath. Use trueLabel=-1 if unknown.
//
// Errors are wrapped around failures.ErrDecode if the image can't be decoded, or failures.ErrResourceMissing
// if the file doesn't exist.
func (s *Scorer) ScoreFile(imagePath string, trueLabel int) (reports.PredictionRecord, error) {
	record := reports.PredictionRecord{Source: imagePath, TrueLabel: trueLabel}
	img, err := dataset.DecodeImageFile(imagePath)
	if err != nil {
		return record, err
	}
	probabilities, err := s.ScoreImage(img)
	if err != nil {
		return record, errors.WithMessagef(err, "scoring %q", imagePath)
	}
	if len(probabilities) == 0 {
		return record, errors.Errorf("no class scores for %q", imagePath)
	}
	record.Predicted = Argmax(probabilities)
	record.Probability = probabilities[record.Predicted]
	return record, nil
}

// ScoreManifest scores every entry. Entries that fail to score are logged and skipped.
func (s *Scorer) ScoreManifest(entries []ManifestEntry) []reports.PredictionRecord {
	records := make([]reports.PredictionRecord, 0, len(entries))
	for _, entry := range entries {
		record, err := s.ScoreFile(entry.Path, entry.Label)
		if err != nil {
			klog.Warningf("skipping %q: %v", entry.Path, err)
			continue
		}
		records = append(records, record)
	}
	return records
}

// PredictLoop scores each path of source and prints "<class> [<probability>]" to w, until source is over.
// Paths that fail to score are logged and skipped. It returns the number of images scored.
func PredictLoop(source InputSource, scorer *Scorer, w io.Writer) (int, error) {
	count := 0
	for {
		imagePath, ok, err := source.Next()
		if err != nil {
			return count, err
		}
		if !ok {
			return count, nil
		}
		record, err := scorer.ScoreFile(imagePath, -1)
		if err != nil {
			klog.Warningf("skipping %q: %v", imagePath, err)
			continue
		}
		count++
		_, _ = fmt.Fprintf(w, "%d [%g]\n", record.Predicted, record.Probability)
	}
}

// Softmax converts logits to probabilities. The largest logit is subtracted first, so large values don't overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := math.Inf(-1)
	for _, x := range logits {
		maxLogit = max(maxLogit, float64(x))
	}
	probabilities := make([]float64, len(logits))
	switch {
	case math.IsInf(maxLogit, -1):
		// All logits are -Inf: uniform.
		for ii := range probabilities {
			probabilities[ii] = 1 / float64(len(logits))
		}
		return probabilities
	case math.IsInf(maxLogit, 1):
		// The probability is split evenly among the +Inf logits.
		var numInf int
		for ii, x := range logits {
			if math.IsInf(float64(x), 1) {
				probabilities[ii] = 1
				numInf++
			}
		}
		for ii := range probabilities {
			probabilities[ii] /= float64(numInf)
		}
		return probabilities
	}
	var sum float64
	for ii, x := range logits {
		probabilities[ii] = math.Exp(float64(x) - maxLogit)
		sum += probabilities[ii]
	}
	for ii := range probabilities {
		probabilities[ii] /= sum
	}
	return probabilities
}

// Argmax returns the index of the largest value, the first one in case of ties, or -1 if values is empty.
func Argmax(values []float64) int {
	best := -1
	for ii, v := range values {
		if best < 0 || v > values[best] {
			best = ii
		}
	}
	return best
}
