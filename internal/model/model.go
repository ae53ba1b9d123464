// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model manages the lifecycle of the image classifier: construction, binding to an input shape,
// partial restore from a checkpoint, compilation (optimizer, loss and metrics), training, evaluation,
// single image prediction and saving.
//
// The operations must be called in order: Build, BindInput, optionally Restore, Compile and then
// Train, Evaluate or PredictOne. A Model is owned by one goroutine.
package model

import (
	"os"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imgclass/internal/failures"
	"github.com/gomlx/imgclass/internal/resnet"
)

// Scope of the model variables in the context.
const Scope = "model"

// Hyperparameters holding the input shape, stored along the architecture so a saved model can be rebuilt.
const (
	ParamImageHeight   = "image_height"
	ParamImageWidth    = "image_width"
	ParamImageChannels = "image_channels"
)

// Model is a stateful, trainable image classifier.
type Model struct {
	backend    backends.Backend
	ctx        *context.Context
	arch       resnet.Architecture
	numClasses int

	// inputShape is set by BindInput, as [height, width, channels].
	inputShape []int

	// fromCheckpoint is set when the variables are to be read from a saved model (see LoadSaved).
	fromCheckpoint bool

	trainer     *train.Trainer
	predictExec *context.Exec
	progressBar bool

	// Interrupt, if set, is checked between epochs by Train: if it returns an error, training stops with that error.
	Interrupt func() error
}

// Build creates the classifier for the given architecture and number of classes.
// Nothing is allocated until BindInput is called.
func Build(backend backends.Backend, arch resnet.Architecture, numClasses int) (*Model, error) {
	if err := arch.Validate(); err != nil {
		return nil, err
	}
	if numClasses <= 0 {
		return nil, errors.Errorf("model needs a positive number of classes, got %d", numClasses)
	}
	ctx := context.New()
	resnet.SetParams(ctx, arch, numClasses)
	return &Model{
		backend:    backend,
		ctx:        ctx,
		arch:       cloneArchitecture(arch),
		numClasses: numClasses,
	}, nil
}

func cloneArchitecture(arch resnet.Architecture) resnet.Architecture {
	arch.Blocks = slices.Clone(arch.Blocks)
	arch.Widths = slices.Clone(arch.Widths)
	return arch
}

// LoadSaved reconstructs a model saved with Save: the architecture, input shape and weights are all read from dir.
// The returned model is bound and ready for PredictOne, or Compile.
func LoadSaved(backend backends.Backend, dir string) (*Model, error) {
	if err := failures.Missing(failures.ErrResourceMissing, dir); err != nil {
		return nil, err
	}
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(dir).Done()
	if err != nil {
		return nil, errors.Wrapf(failures.ErrCheckpointUnreadable, "loading saved model from %q: %v", dir, err)
	}
	arch, numClasses := resnet.FromContext(ctx)
	if err = arch.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "saved model in %q", dir)
	}
	shape := []int{
		context.GetParamOr(ctx, ParamImageHeight, 0),
		context.GetParamOr(ctx, ParamImageWidth, 0),
		context.GetParamOr(ctx, ParamImageChannels, 0),
	}
	m := &Model{
		backend:        backend,
		ctx:            ctx,
		arch:           arch,
		numClasses:     numClasses,
		fromCheckpoint: true,
	}
	if err = m.BindInput(shape); err != nil {
		return nil, errors.WithMessagef(err, "saved model in %q", dir)
	}
	return m, nil
}

// WithProgressBar enables a progress bar during training.
func (m *Model) WithProgressBar(enabled bool) *Model {
	m.progressBar = enabled
	return m
}

// Backend used by the model.
func (m *Model) Backend() backends.Backend { return m.backend }

// Context holding the model variables and hyperparameters.
func (m *Model) Context() *context.Context { return m.ctx }

// Architecture of the model.
func (m *Model) Architecture() resnet.Architecture { return m.arch }

// NumClasses returns the number of output classes.
func (m *Model) NumClasses() int { return m.numClasses }

// InputShape returns [height, width, channels] if bound, or nil.
func (m *Model) InputShape() []int { return m.inputShape }

// modelCtx returns the context used by the model graph.
func (m *Model) modelCtx() *context.Context {
	return m.ctx.In(Scope)
}

// BindInput allocates the variables of the model for images of the given [height, width, channels] shape,
// by running one forward pass on a batch of one zero image.
func (m *Model) BindInput(shape []int) error {
	if m.inputShape != nil {
		return errors.Errorf("model already bound to input shape %v", m.inputShape)
	}
	if len(shape) != 3 || shape[0] <= 0 || shape[1] <= 0 || shape[2] <= 0 {
		return errors.Wrapf(failures.ErrShapeMismatch, "model input shape must be [height, width, channels], got %v", shape)
	}
	m.ctx.SetParams(map[string]any{
		ParamImageHeight:   shape[0],
		ParamImageWidth:    shape[1],
		ParamImageChannels: shape[2],
	})
	ctx := m.modelCtx()
	if m.fromCheckpoint {
		ctx = ctx.Reuse()
	}
	zeros := tensors.FromFlatDataAndDimensions(make([]float32, shape[0]*shape[1]*shape[2]), 1, shape[0], shape[1], shape[2])
	logits, err := context.ExecOnce(m.backend, ctx, func(ctx *context.Context, images *graph.Node) *graph.Node {
		return resnet.ModelGraph(ctx, nil, []*graph.Node{images})[0]
	}, zeros)
	if err != nil {
		return errors.WithMessagef(err, "failed to bind model to input shape %v", shape)
	}
	logits.MustFinalizeAll()
	m.inputShape = slices.Clone(shape)
	klog.V(1).Infof("model %s bound to input shape %v: %d variables", m.arch, shape, m.ctx.NumVariables())
	return nil
}

func (m *Model) checkBound(op string) error {
	if m.inputShape == nil {
		return errors.Errorf("model.%s called before BindInput", op)
	}
	return nil
}

// PredictOne runs one forward pass on one image, shaped [height, width, channels] or [1, height, width, channels],
// and returns the logits (the raw class scores).
func (m *Model) PredictOne(image *tensors.Tensor) ([]float32, error) {
	if err := m.checkBound("PredictOne"); err != nil {
		return nil, err
	}
	dims := image.Shape().Dimensions
	if len(dims) == 4 && dims[0] == 1 {
		dims = dims[1:]
	}
	if !slices.Equal(dims, m.inputShape) {
		return nil, errors.Wrapf(failures.ErrShapeMismatch,
			"image shape %s doesn't match model input shape %v", image.Shape(), m.inputShape)
	}
	if image.DType() != dtypes.Float32 {
		return nil, errors.Errorf("image must be float32, got %s", image.DType())
	}
	if m.predictExec == nil {
		var err error
		m.predictExec, err = context.NewExec(m.backend, m.modelCtx().Reuse(),
			func(ctx *context.Context, image *graph.Node) *graph.Node {
				if image.Rank() == 3 {
					image = graph.ExpandAxes(image, 0) // Batch of 1.
				}
				logits := resnet.ModelGraph(ctx, nil, []*graph.Node{image})[0]
				return graph.Reshape(logits, -1)
			})
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create prediction executor")
		}
	}
	outputs, err := m.predictExec.Exec(image)
	if err != nil {
		return nil, errors.WithMessage(err, "prediction failed")
	}
	logits := tensors.MustCopyFlatData[float32](outputs[0])
	outputs[0].MustFinalizeAll()
	return logits, nil
}

// Save the model (hyperparameters, including architecture and input shape, and all variables) to dir,
// replacing any previous contents. Use LoadSaved to read it back.
func (m *Model) Save(dir string) error {
	if err := m.checkBound("Save"); err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to clear model directory %q", dir)
	}
	checkpoint, err := checkpoints.Build(m.ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create model directory %q", dir)
	}
	if err = checkpoint.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save model to %q", dir)
	}
	klog.V(1).Infof("model saved to %q", dir)
	return nil
}

// Finalize frees the compiled executors and the variables. The model can't be used afterwards.
func (m *Model) Finalize() {
	if m.predictExec != nil {
		m.predictExec.Finalize()
		m.predictExec = nil
	}
	m.trainer = nil
	m.ctx.Finalize()
}
