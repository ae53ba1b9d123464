// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package failures holds the kinds of errors an imgclass run can end with.
//
// Errors are created by wrapping one of the sentinels below with github.com/pkg/errors, so the message
// carries the details (usually a path) while callers can still test the kind with errors.Is:
//
//	if errors.Is(err, failures.ErrResourceMissing) { ... }
package failures

import (
	"os"

	"github.com/pkg/errors"
)

var (
	// ErrResourceMissing is returned when a required normalization, checkpoint, manifest or label file is absent.
	ErrResourceMissing = errors.New("resource missing")

	// ErrShapeMismatch is returned when the mean image or a batch doesn't match the declared geometry.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrCheckpointUnreadable is returned when a checkpoint requested for restoring can't be opened or parsed.
	ErrCheckpointUnreadable = errors.New("checkpoint unreadable")

	// ErrDataSourceMissing is returned when one of the dataset shards doesn't exist.
	ErrDataSourceMissing = errors.New("data source missing")

	// ErrTelemetryWrite marks failures writing checkpoints or metrics during training.
	// These are recoverable: they are logged and training continues.
	ErrTelemetryWrite = errors.New("telemetry write failure")

	// ErrDecode marks an image that failed to decode. Inference modes skip such samples.
	ErrDecode = errors.New("image decode failure")
)

// Missing wraps ErrResourceMissing (or the given kind) for path if the file doesn't exist.
// It returns nil if the file exists, and a plain wrapped error if os.Stat failed for other reasons.
func Missing(kind error, path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return errors.Wrapf(kind, "%q not found", path)
	}
	return errors.Wrapf(err, "failed to access %q", path)
}
