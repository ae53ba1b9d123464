// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package telemetry saves, at the end of every training epoch, a checkpoint of the model and a line of metrics.
//
// The files written to the snapshot directory are:
//
//   - epoch-001/, epoch-002/, ...: one GoMLX checkpoint per epoch, with all the variables and hyperparameters.
//   - metrics.jsonl: one JSON object (see Point) per epoch, appended.
//
// Telemetry failures never stop training: each write is retried once, and if it still fails a warning is
// logged and the failure is counted (see Sink.Failures).
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"

	"github.com/gomlx/imgclass/internal/failures"
	"github.com/gomlx/imgclass/internal/model"
)

// MetricsFileName is the name of the file, in the snapshot directory, where the per-epoch metrics are appended.
const MetricsFileName = "metrics.jsonl"

// DefaultHistogramBins is the number of bins of the weight histograms, if not configured.
const DefaultHistogramBins = 20

// CheckpointDirName returns the name of the checkpoint directory of the given epoch.
func CheckpointDirName(epoch int) string {
	return fmt.Sprintf("epoch-%03d", epoch)
}

// Options of the telemetry Sink.
type Options struct {
	// RunID identifies the training run in the metrics file. If empty, a random UUID is used.
	RunID string

	// Histograms enables the per-variable histograms of the model weights in the metrics file.
	Histograms bool

	// HistogramBins is the number of bins of each histogram. If <= 0, DefaultHistogramBins is used.
	HistogramBins int
}

// Histogram of the values of one variable.
type Histogram struct {
	// Dividers has len(Counts)+1 entries, the limits of the bins.
	Dividers []float64 `json:"dividers"`
	Counts   []float64 `json:"counts"`
}

// Point is one line of the metrics file.
type Point struct {
	RunID              string               `json:"run_id"`
	Epoch              int                  `json:"epoch"`
	Time               time.Time            `json:"time"`
	Steps              int                  `json:"steps"`
	TrainLoss          float64              `json:"train_loss"`
	TrainAccuracy      float64              `json:"train_accuracy"`
	ValidationLoss     float64              `json:"validation_loss"`
	ValidationAccuracy float64              `json:"validation_accuracy"`
	DurationSeconds    float64              `json:"duration_seconds"`
	Checkpoint         string               `json:"checkpoint,omitempty"`
	Histograms         map[string]Histogram `json:"histograms,omitempty"`
}

// Sink implements model.EpochSink, writing a checkpoint and a metrics line per epoch.
type Sink struct {
	dir     string
	options Options

	written  []string
	failures int
}

var _ model.EpochSink = (*Sink)(nil)

// New creates the snapshot directory if needed and returns a Sink writing to it.
func New(snapshotDir string, options Options) (*Sink, error) {
	if snapshotDir == "" {
		return nil, errors.New("telemetry needs a snapshot directory")
	}
	if err := os.MkdirAll(snapshotDir, 0o755); err != nil {
		return nil, errors.Wrapf(failures.ErrTelemetryWrite, "creating snapshot directory %q: %v", snapshotDir, err)
	}
	if options.RunID == "" {
		options.RunID = uuid.NewString()
	}
	if options.HistogramBins <= 0 {
		options.HistogramBins = DefaultHistogramBins
	}
	klog.V(1).Infof("telemetry for run %s in %q", options.RunID, snapshotDir)
	return &Sink{dir: snapshotDir, options: options}, nil
}

// RunID of the training run.
func (s *Sink) RunID() string { return s.options.RunID }

// Written returns the checkpoint directories written so far, in epoch order.
func (s *Sink) Written() []string { return slices.Clone(s.written) }

// Failures returns the number of writes that failed, after retrying.
func (s *Sink) Failures() int { return s.failures }

// OnEpochEnd implements model.EpochSink.
func (s *Sink) OnEpochEnd(epoch int, m *model.Model, record model.EpochRecord) {
	checkpointDir := filepath.Join(s.dir, CheckpointDirName(epoch))
	checkpointSaved := s.retry("checkpoint", epoch, func() error {
		return saveCheckpoint(m, checkpointDir)
	})
	if checkpointSaved {
		s.written = append(s.written, checkpointDir)
	}

	point := Point{
		RunID:              s.options.RunID,
		Epoch:              epoch,
		Time:               time.Now(),
		Steps:              record.Steps,
		TrainLoss:          record.TrainLoss,
		TrainAccuracy:      record.TrainAccuracy,
		ValidationLoss:     record.ValidationLoss,
		ValidationAccuracy: record.ValidationAccuracy,
		DurationSeconds:    record.Duration.Seconds(),
	}
	if checkpointSaved {
		point.Checkpoint = CheckpointDirName(epoch)
	}
	if s.options.Histograms {
		point.Histograms = weightHistograms(m, s.options.HistogramBins)
	}
	s.retry("metrics", epoch, func() error {
		return appendPoint(filepath.Join(s.dir, MetricsFileName), point)
	})
}

// retry runs write up to twice. It returns whether it eventually succeeded.
func (s *Sink) retry(what string, epoch int, write func() error) bool {
	var err error
	for attempt := range 2 {
		if err = write(); err == nil {
			return true
		}
		klog.V(1).Infof("telemetry %s for epoch %d, attempt %d failed: %v", what, epoch, attempt+1, err)
	}
	s.failures++
	klog.Warningf("%v", errors.Wrapf(failures.ErrTelemetryWrite, "%s for epoch %d: %v", what, epoch, err))
	return false
}

// saveCheckpoint writes all variables and hyperparameters of the model to dir. A previous checkpoint in dir is
// removed first, otherwise its values would be loaded back into the model.
func saveCheckpoint(m *model.Model, dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "removing stale checkpoint %q", dir)
	}
	handler, err := checkpoints.Build(m.Context()).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "creating checkpoint %q", dir)
	}
	return handler.Save()
}

func appendPoint(filePath string, point Point) error {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o664)
	if err != nil {
		return errors.Wrapf(err, "failed to open metrics file %q for append", filePath)
	}
	if err = json.NewEncoder(f).Encode(point); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode metrics of epoch %d", point.Epoch)
	}
	return f.Close()
}

// weightHistograms returns the histogram of the values of each float32 variable of the model.
func weightHistograms(m *model.Model, numBins int) map[string]Histogram {
	histograms := make(map[string]Histogram)
	for v := range m.Context().IterVariables() {
		if v.DType() != dtypes.Float32 || v.Shape().Size() == 0 {
			continue
		}
		value, err := v.Value()
		if err != nil {
			klog.V(1).Infof("no histogram for %s: %v", v.ScopeAndName(), err)
			continue
		}
		flat := tensors.MustCopyFlatData[float32](value)
		data := make([]float64, len(flat))
		for ii, x := range flat {
			data[ii] = float64(x)
		}
		histograms[v.ScopeAndName()] = histogramOf(data, numBins)
	}
	return histograms
}

// histogramOf returns numBins equal-width bins spanning the values in data.
func histogramOf(data []float64, numBins int) Histogram {
	slices.Sort(data)
	low, high := data[0], data[len(data)-1]
	if high <= low {
		high = low + 1
	}
	dividers := make([]float64, numBins+1)
	floats.Span(dividers, low, high)
	// stat.Histogram excludes the upper limit.
	dividers[numBins] = high + 1e-9*(high-low+1)
	return Histogram{
		Dividers: dividers,
		Counts:   stat.Histogram(nil, dividers, data, nil),
	}
}
