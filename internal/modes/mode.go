// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modes

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Mode is one of the mutually exclusive things a run can do.
type Mode int

const (
	// Train the model, saving a checkpoint per epoch and the training curve.
	Train Mode = iota

	// Test evaluates the model on the test dataset.
	Test

	// Predict scores the image paths read from the input source, until "end".
	Predict

	// Confusion scores the test manifest and reports the confusion matrix.
	Confusion

	// PredictImages scores the test manifest and logs the misclassified images.
	PredictImages
)

// Modes lists all modes, in order.
var Modes = []Mode{Train, Test, Predict, Confusion, PredictImages}

var modeNames = map[Mode]string{
	Train:         "train",
	Test:          "test",
	Predict:       "predict",
	Confusion:     "confusion",
	PredictImages: "predictImages",
}

// modeAliases are accepted by ParseMode, along with the names (case-insensitive).
var modeAliases = map[string]Mode{
	"confussion":     Confusion,
	"predict_images": PredictImages,
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if name, found := modeNames[m]; found {
		return name
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a mode name to a Mode.
func ParseMode(name string) (Mode, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	for mode, modeName := range modeNames {
		if strings.ToLower(modeName) == key {
			return mode, nil
		}
	}
	if mode, found := modeAliases[key]; found {
		return mode, nil
	}
	names := make([]string, len(Modes))
	for ii, mode := range Modes {
		names[ii] = mode.String()
	}
	return Train, errors.Errorf("unknown mode %q, valid modes are %s", name, strings.Join(names, ", "))
}
