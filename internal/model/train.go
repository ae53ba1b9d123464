// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"math"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imgclass/internal/resnet"
)

// DefaultDecayFloor is the fraction of the initial learning rate the cosine decay reaches at the end.
const DefaultDecayFloor = 1e-4

// OptimizerSpec configures the Adam optimizer and its learning rate schedule.
type OptimizerSpec struct {
	LearningRate float64

	// DecaySteps is the number of steps of the cosine decay of the learning rate, after which it stays at
	// LearningRate*DecayFloor. 0 disables it.
	DecaySteps int

	// DecayFloor is the fraction of LearningRate reached at the end of the decay. If 0, DefaultDecayFloor is used.
	DecayFloor float64
}

// CompileSpec holds the learning algorithm bindings.
type CompileSpec struct {
	Optimizer OptimizerSpec

	// Loss defaults to losses.SparseCategoricalCrossEntropyLogits.
	Loss losses.LossFn

	// Metrics used by Evaluate, along with the loss. It defaults to the mean sparse categorical accuracy.
	// Training always tracks the mean sparse categorical accuracy of each epoch.
	Metrics []metrics.Interface
}

// EvalResult is the result of Model.Evaluate.
type EvalResult struct {
	Loss, Accuracy float64
}

// EpochRecord holds the metrics of one epoch of training.
type EpochRecord struct {
	// Epoch starts from 1.
	Epoch int

	// Steps is the number of training steps (batches) in the epoch.
	Steps int

	TrainLoss, TrainAccuracy           float64
	ValidationLoss, ValidationAccuracy float64

	Duration time.Duration
}

// String implements fmt.Stringer.
func (r EpochRecord) String() string {
	return fmt.Sprintf("epoch %d (%d steps, %s): loss=%.4f accuracy=%.2f%%, validation loss=%.4f accuracy=%.2f%%",
		r.Epoch, r.Steps, commandline.FormatDuration(r.Duration), r.TrainLoss, 100*r.TrainAccuracy,
		r.ValidationLoss, 100*r.ValidationAccuracy)
}

// TrainingHistory is the per-epoch record of a training run.
type TrainingHistory struct {
	Epochs []EpochRecord
}

// TrainAccuracies returns the training accuracy of each epoch.
func (h *TrainingHistory) TrainAccuracies() []float64 {
	values := make([]float64, len(h.Epochs))
	for ii, r := range h.Epochs {
		values[ii] = r.TrainAccuracy
	}
	return values
}

// ValidationAccuracies returns the validation accuracy of each epoch.
func (h *TrainingHistory) ValidationAccuracies() []float64 {
	values := make([]float64, len(h.Epochs))
	for ii, r := range h.Epochs {
		values[ii] = r.ValidationAccuracy
	}
	return values
}

// EpochSink is called by Model.Train at the end of every epoch, for instance to save checkpoints and metrics.
// It must handle its own errors: training doesn't stop on them.
type EpochSink interface {
	OnEpochEnd(epoch int, m *Model, record EpochRecord)
}

// EpochSinkFn adapts a function to an EpochSink.
type EpochSinkFn func(epoch int, m *Model, record EpochRecord)

// OnEpochEnd implements EpochSink.
func (fn EpochSinkFn) OnEpochEnd(epoch int, m *Model, record EpochRecord) { fn(epoch, m, record) }

// Compile binds the optimizer, loss and metrics used by Train and Evaluate.
func (m *Model) Compile(spec CompileSpec) error {
	if err := m.checkBound("Compile"); err != nil {
		return err
	}
	if spec.Optimizer.LearningRate <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", spec.Optimizer.LearningRate)
	}
	floor := spec.Optimizer.DecayFloor
	if floor <= 0 {
		floor = DefaultDecayFloor
	}
	m.ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:           "adam",
		optimizers.ParamLearningRate:        spec.Optimizer.LearningRate,
		cosineschedule.ParamPeriodSteps:     max(spec.Optimizer.DecaySteps, 0),
		cosineschedule.ParamMinLearningRate: spec.Optimizer.LearningRate * floor,
	})
	loss := spec.Loss
	if loss == nil {
		loss = losses.SparseCategoricalCrossEntropyLogits
	}
	trainMetrics := []metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")}
	evalMetrics := spec.Metrics
	if len(evalMetrics) == 0 {
		evalMetrics = []metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")}
	}
	ctx := m.modelCtx().Reuse()
	err := exceptions.TryCatch[error](func() {
		m.trainer = train.NewTrainer(m.backend, ctx, trainModelGraph, loss,
			optimizers.FromContext(ctx),
			trainMetrics, // trainMetrics
			evalMetrics)  // evalMetrics
	})
	if err != nil {
		return errors.WithMessage(err, "failed to compile model")
	}
	return nil
}

// trainModelGraph is the model function used by the trainer: the ResNet plus the learning rate schedule,
// which is only active when training.
func trainModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	decayLearningRate(ctx, inputs[0].Graph())
	return resnet.ModelGraph(ctx, spec, inputs)
}

// decayScope holds the step counter of the learning rate decay.
const decayScope = "decay"

// decayLearningRate sets the learning rate to a cosine decay from optimizers.ParamLearningRate down to
// cosineschedule.ParamMinLearningRate over cosineschedule.ParamPeriodSteps steps. After that the learning
// rate stays at the minimum.
func decayLearningRate(ctx *context.Context, g *graph.Graph) {
	ctx = ctx.Checked(false)
	periodSteps := context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0)
	if !ctx.IsTraining(g) || periodSteps <= 0 {
		return
	}
	lrValue := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0)
	lrMinValue := context.GetParamOr(ctx, cosineschedule.ParamMinLearningRate, 0.0)

	// The counter starts at 1.
	step := optimizers.IncrementGlobalStepGraph(ctx.In(optimizers.Scope).In(decayScope), g, dtypes.Float32)
	step = graph.MinusOne(step)
	progress := graph.MinScalar(graph.DivScalar(step, float64(periodSteps)), 1)
	cosine := graph.Cos(graph.MulScalar(progress, math.Pi))
	lr := graph.DivScalar(graph.OnePlus(cosine), 2)
	lr = graph.AddScalar(graph.MulScalar(lr, lrValue-lrMinValue), lrMinValue)
	optimizers.LearningRateVarWithValue(ctx, dtypes.Float32, lrValue).SetValueGraph(lr)
}

func (m *Model) checkCompiled(op string) error {
	if m.trainer == nil {
		return errors.Errorf("model.%s called before Compile", op)
	}
	return nil
}

// Train runs epochs full passes over trainDS. After each epoch it evaluates on at most validationSteps batches
// of valDS (all of it if validationSteps <= 0) and calls every sink with the epoch's record.
// Epochs are numbered from 1.
//
// The batch normalization averages are recomputed over trainDS after the last epoch, before its evaluation.
//
// If Model.Interrupt is set, it is checked before each epoch and training stops with its error.
func (m *Model) Train(trainDS train.Dataset, epochs int, valDS train.Dataset, validationSteps int,
	sinks ...EpochSink) (*TrainingHistory, error) {
	if err := m.checkCompiled("Train"); err != nil {
		return nil, err
	}
	if epochs <= 0 {
		return nil, errors.Errorf("number of epochs must be > 0, got %d", epochs)
	}
	loop := train.NewLoop(m.trainer)
	if m.progressBar {
		commandline.AttachProgressBar(loop)
	}
	history := &TrainingHistory{}
	for epoch := 1; epoch <= epochs; epoch++ {
		if m.Interrupt != nil {
			if err := m.Interrupt(); err != nil {
				return history, errors.WithMessagef(err, "training interrupted before epoch %d", epoch)
			}
		}
		start := time.Now()
		startStep := loop.LoopStep
		trainValues, err := loop.RunEpochs(trainDS, 1)
		if err != nil {
			return history, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		record := EpochRecord{Epoch: epoch, Steps: loop.LoopStep - startStep}
		record.TrainLoss, record.TrainAccuracy = lossAndAccuracy(m.trainer.TrainMetrics(), trainValues)
		finalizeAll(trainValues)

		if epoch == epochs {
			updated, err := batchnorm.UpdateAverages(m.trainer, trainDS)
			if err != nil {
				return history, errors.WithMessage(err, "updating batch normalization averages")
			}
			if updated {
				klog.V(1).Infof("updated batch normalization averages")
			}
			trainDS.Reset()
		}

		validation, err := m.Evaluate(valDS, validationSteps)
		if err != nil {
			return history, errors.WithMessagef(err, "validation after epoch %d", epoch)
		}
		record.ValidationLoss, record.ValidationAccuracy = validation.Loss, validation.Accuracy
		record.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, record)
		klog.Infof("%s", record)
		for _, sink := range sinks {
			sink.OnEpochEnd(epoch, m, record)
		}
	}
	return history, nil
}

// Evaluate the model on at most steps batches of ds (all of it if steps <= 0), without updating weights.
// The dataset is reset before and after.
func (m *Model) Evaluate(ds train.Dataset, steps int) (EvalResult, error) {
	if err := m.checkCompiled("Evaluate"); err != nil {
		return EvalResult{}, err
	}
	evalDS := ds
	if steps > 0 {
		evalDS = datasets.Take(ds, steps)
	}
	evalDS.Reset()
	values, err := m.trainer.Eval(evalDS)
	evalDS.Reset()
	if err != nil {
		return EvalResult{}, errors.WithMessagef(err, "evaluating on %q", ds.Name())
	}
	var result EvalResult
	result.Loss, result.Accuracy = lossAndAccuracy(m.trainer.EvalMetrics(), values)
	finalizeAll(values)
	return result, nil
}

// lossAndAccuracy extracts the last loss and accuracy metrics from values, aligned with metricsList.
func lossAndAccuracy(metricsList []metrics.Interface, values []*tensors.Tensor) (loss, accuracy float64) {
	for ii, metric := range metricsList {
		if ii >= len(values) {
			break
		}
		switch metric.MetricType() {
		case metrics.LossMetricType:
			loss = scalarValue(values[ii])
		case metrics.AccuracyMetricType:
			accuracy = scalarValue(values[ii])
		}
	}
	return
}

func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	klog.Warningf("unexpected metric value %s", t)
	return 0
}

func finalizeAll(values []*tensors.Tensor) {
	for _, t := range values {
		t.MustFinalizeAll()
	}
}
