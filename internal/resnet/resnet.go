// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package resnet implements the residual network (ResNet) image classifier, as a GoMLX model function.
//
// The architecture is read from the context hyperparameters (see SetParams), so a model saved with its
// hyperparameters can be rebuilt without any other configuration.
package resnet

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

// Hyperparameters stored in the context.
const (
	// ParamBlocks is the number of residual blocks per stage, a []int.
	ParamBlocks = "resnet_blocks"

	// ParamWidths is the number of channels per stage, a []int with the same length as ParamBlocks.
	// Bottleneck blocks output 4 times this number of channels.
	ParamWidths = "resnet_widths"

	// ParamBottleneck selects bottleneck blocks (1x1, 3x3, 1x1 convolutions) instead of basic blocks (two 3x3).
	ParamBottleneck = "resnet_bottleneck"

	// ParamNumClasses is the number of output classes.
	ParamNumClasses = "num_classes"
)

// Architecture of the network.
type Architecture struct {
	Blocks     []int
	Widths     []int
	Bottleneck bool
}

// ResNet50 returns the architecture of the ResNet-50.
func ResNet50() Architecture {
	return Architecture{
		Blocks:     []int{3, 4, 6, 3},
		Widths:     []int{64, 128, 256, 512},
		Bottleneck: true,
	}
}

// Validate checks the architecture is well-formed.
func (arch Architecture) Validate() error {
	if len(arch.Blocks) == 0 {
		return errors.New("resnet architecture needs at least one stage")
	}
	if len(arch.Blocks) != len(arch.Widths) {
		return errors.Errorf("resnet architecture has %d stages in blocks %v, but %d in widths %v",
			len(arch.Blocks), arch.Blocks, len(arch.Widths), arch.Widths)
	}
	for ii := range arch.Blocks {
		if arch.Blocks[ii] <= 0 || arch.Widths[ii] <= 0 {
			return errors.Errorf("resnet stage #%d must have positive blocks and width, got %d and %d",
				ii, arch.Blocks[ii], arch.Widths[ii])
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (arch Architecture) String() string {
	kind := "basic"
	if arch.Bottleneck {
		kind = "bottleneck"
	}
	return fmt.Sprintf("ResNet(blocks=%v, widths=%v, %s)", arch.Blocks, arch.Widths, kind)
}

// SetParams stores the architecture and number of classes in the context hyperparameters.
func SetParams(ctx *context.Context, arch Architecture, numClasses int) {
	ctx.SetParams(map[string]any{
		ParamBlocks:     arch.Blocks,
		ParamWidths:     arch.Widths,
		ParamBottleneck: arch.Bottleneck,
		ParamNumClasses: numClasses,
	})
}

// FromContext reads the architecture and number of classes from the context hyperparameters.
// Missing values default to the ResNet-50.
func FromContext(ctx *context.Context) (arch Architecture, numClasses int) {
	defaults := ResNet50()
	arch.Blocks = context.GetParamOr(ctx, ParamBlocks, defaults.Blocks)
	arch.Widths = context.GetParamOr(ctx, ParamWidths, defaults.Widths)
	arch.Bottleneck = context.GetParamOr(ctx, ParamBottleneck, defaults.Bottleneck)
	numClasses = context.GetParamOr(ctx, ParamNumClasses, 0)
	return
}

// ModelGraph implements train.ModelFn: it returns the logits, shaped [batch_size, num_classes], for
// the batch of images in inputs[0], shaped [batch_size, height, width, channels].
//
// The network is a 7x7 convolution with stride 2 followed by a 3x3 max-pooling (the "stem"), then the
// stages of residual blocks (all but the first stage start with stride 2), a global average pooling and a
// final dense layer.
func ModelGraph(ctx *context.Context, spec any, inputs []*graph.Node) []*graph.Node {
	_ = spec // Not used.
	arch, numClasses := FromContext(ctx)
	if err := arch.Validate(); err != nil {
		panic(err)
	}
	if numClasses <= 0 {
		exceptions.Panicf("resnet: hyperparameter %q must be set to a positive number of classes, got %d",
			ParamNumClasses, numClasses)
	}
	images := inputs[0]
	images.AssertRank(4)
	batchSize := images.Shape().Dimensions[0]

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	x := layers.Convolution(nextCtx("conv"), images).Channels(arch.Widths[0]).KernelSize(7).Strides(2).
		PadSame().UseBias(false).Done()
	x = batchnorm.New(nextCtx("batchnorm"), x, -1).Done()
	x = activations.Relu(x)
	x = graph.MaxPool(x).Window(3).Strides(2).PadSame().Done()

	for stage, numBlocks := range arch.Blocks {
		for block := range numBlocks {
			strides := 1
			if stage > 0 && block == 0 {
				strides = 2
			}
			blockCtx := nextCtx(fmt.Sprintf("stage%d_block%d", stage, block))
			if arch.Bottleneck {
				x = bottleneckBlock(blockCtx, x, arch.Widths[stage], strides)
			} else {
				x = basicBlock(blockCtx, x, arch.Widths[stage], strides)
			}
		}
	}

	// Global average pooling.
	x = graph.ReduceMean(x, 1, 2)
	logits := layers.Dense(nextCtx("dense"), x, true, numClasses)
	logits.AssertDims(batchSize, numClasses)
	return []*graph.Node{logits}
}

func convBN(ctx *context.Context, x *graph.Node, channels, kernelSize, strides int) *graph.Node {
	x = layers.Convolution(ctx.In("conv"), x).Channels(channels).KernelSize(kernelSize).Strides(strides).
		PadSame().UseBias(false).Done()
	return batchnorm.New(ctx.In("batchnorm"), x, -1).Done()
}

// shortcut projects x with a 1x1 convolution if its shape doesn't match the residual branch output.
func shortcut(ctx *context.Context, x, branch *graph.Node, strides int) *graph.Node {
	if x.Shape().Equal(branch.Shape()) {
		return x
	}
	return convBN(ctx.In("shortcut"), x, branch.Shape().Dimensions[3], 1, strides)
}

func basicBlock(ctx *context.Context, x *graph.Node, width, strides int) *graph.Node {
	branch := convBN(ctx.In("a"), x, width, 3, strides)
	branch = activations.Relu(branch)
	branch = convBN(ctx.In("b"), branch, width, 3, 1)
	return activations.Relu(graph.Add(branch, shortcut(ctx, x, branch, strides)))
}

func bottleneckBlock(ctx *context.Context, x *graph.Node, width, strides int) *graph.Node {
	branch := convBN(ctx.In("a"), x, width, 1, 1)
	branch = activations.Relu(branch)
	branch = convBN(ctx.In("b"), branch, width, 3, strides)
	branch = activations.Relu(branch)
	branch = convBN(ctx.In("c"), branch, 4*width, 1, 1)
	return activations.Relu(graph.Add(branch, shortcut(ctx, x, branch, strides)))
}
