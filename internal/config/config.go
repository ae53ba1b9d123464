// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config resolves the configuration of an imgclass run.
//
// A configuration file is a TOML file with one table per experiment, and the run selects one
// of them by name:
//
//	[resnet50_trees]
//	data_dir = "~/data/trees"
//	batch_size = 32
//	epochs = 20
//	learning_rate = 0.001
//	number_of_classes = 10
//	image_height = 224
//	image_width = 224
//	image_channels = 3
//
// Keys not set in the table take the values from Default. Unknown keys are an error, so typos
// don't silently fall back to defaults.
//
// The resolved RunConfiguration is a plain value: it is created once per invocation and passed
// explicitly to every component. Nothing in it changes after Resolve returns.
package config

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"

	"github.com/gomlx/imgclass/internal/failures"
)

// RunConfiguration holds the resolved settings of one experiment.
type RunConfiguration struct {
	// Name of the section (experiment) in the configuration file.
	Name string `toml:"-"`

	DataDir      string  `toml:"data_dir"`
	BatchSize    int     `toml:"batch_size"`
	ShuffleSize  int     `toml:"shuffle_size"`
	Epochs       int     `toml:"epochs"`
	LearningRate float64 `toml:"learning_rate"`

	// DecaySteps is the horizon, in steps, of the cosine learning rate decay. 0 disables it.
	DecaySteps int `toml:"decay_steps"`

	NumClasses    int `toml:"number_of_classes"`
	ImageHeight   int `toml:"image_height"`
	ImageWidth    int `toml:"image_width"`
	ImageChannels int `toml:"image_channels"`

	CheckpointFile string `toml:"checkpoint_file"`
	UseCheckpoint  bool   `toml:"use_checkpoint"`
	SnapshotDir    string `toml:"snapshot_dir"`

	UseMultithreads bool `toml:"use_multithreads"`
	NumThreads      int  `toml:"num_threads"`

	// ValidationSteps bounds the number of validation batches per evaluation. <= 0 means the whole dataset.
	ValidationSteps int `toml:"validation_steps"`

	ResNetBlocks     []int `toml:"resnet_blocks"`
	ResNetWidths     []int `toml:"resnet_widths"`
	ResNetBottleneck bool  `toml:"resnet_bottleneck"`

	AugmentFlip        bool    `toml:"augment_flip"`
	AugmentAngleStdDev float64 `toml:"augment_angle_stddev"`

	TestManifest string `toml:"test_manifest"`
	LabelsFile   string `toml:"labels_file"`
	ResultsFile  string `toml:"results_file"`
	OutputDir    string `toml:"output_dir"`
	SaveDir      string `toml:"save_dir"`

	Seed                int64 `toml:"seed"`
	TelemetryHistograms bool  `toml:"telemetry_histograms"`

	// defaulted holds the keys of the paths derived from DataDir, because they were not given.
	defaulted []string
}

// Default returns the configuration values used for keys missing in the configuration file.
//
// The architecture defaults to ResNet-50.
func Default() RunConfiguration {
	return RunConfiguration{
		BatchSize:        32,
		ShuffleSize:      1000,
		Epochs:           1,
		LearningRate:     0.001,
		ImageChannels:    3,
		NumThreads:       1,
		ValidationSteps:  0,
		ResNetBlocks:     []int{3, 4, 6, 3},
		ResNetWidths:     []int{64, 128, 256, 512},
		ResNetBottleneck: true,
		AugmentFlip:      true,
		ResultsFile:      "results",
		OutputDir:        ".",
		Seed:             42,
	}
}

// Resolve reads the configuration file and returns the section with the given name.
func Resolve(configPath, section string) (RunConfiguration, error) {
	cfg := Default()
	configPath = fsutil.MustReplaceTildeInDir(configPath)
	if err := failures.Missing(failures.ErrResourceMissing, configPath); err != nil {
		return cfg, errors.WithMessage(err, "configuration file")
	}
	var sections map[string]toml.Primitive
	md, err := toml.DecodeFile(configPath, &sections)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to parse configuration file %q", configPath)
	}
	prim, found := sections[section]
	if !found {
		names := make([]string, 0, len(sections))
		for name := range sections {
			names = append(names, name)
		}
		slices.Sort(names)
		return cfg, errors.Errorf("section %q not found in configuration file %q, available sections: %v",
			section, configPath, names)
	}
	if err = md.PrimitiveDecode(prim, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to decode section %q of %q", section, configPath)
	}
	for _, key := range md.Undecoded() {
		if len(key) > 0 && key[0] == section {
			return cfg, errors.Errorf("unknown key %q in section %q of %q", key.String(), section, configPath)
		}
	}
	cfg.Name = section
	cfg.resolvePaths()
	if err = cfg.Validate(); err != nil {
		return cfg, errors.WithMessagef(err, "invalid section %q of %q", section, configPath)
	}
	return cfg, nil
}

// resolvePaths expands "~" and makes the data-related paths default to files in DataDir.
func (cfg *RunConfiguration) resolvePaths() {
	expand := func(p string) string {
		if p == "" {
			return p
		}
		return fsutil.MustReplaceTildeInDir(p)
	}
	cfg.DataDir = expand(cfg.DataDir)
	cfg.CheckpointFile = expand(cfg.CheckpointFile)
	cfg.OutputDir = expand(cfg.OutputDir)
	cfg.defaulted = nil
	for _, derived := range []struct {
		key, fileName string
		path          *string
	}{
		{"snapshot_dir", "snapshots", &cfg.SnapshotDir},
		{"test_manifest", "test.txt", &cfg.TestManifest},
		{"labels_file", "used_labels.txt", &cfg.LabelsFile},
		{"save_dir", "cnn-model", &cfg.SaveDir},
	} {
		if *derived.path == "" {
			*derived.path = filepath.Join(cfg.DataDir, derived.fileName)
			cfg.defaulted = append(cfg.defaulted, derived.key)
			continue
		}
		*derived.path = expand(*derived.path)
	}
}

// Validate checks the values are usable.
func (cfg RunConfiguration) Validate() error {
	var problems []string
	check := func(ok bool, format string) {
		if !ok {
			problems = append(problems, format)
		}
	}
	check(cfg.DataDir != "", "data_dir must be set")
	check(cfg.BatchSize > 0, "batch_size must be > 0")
	check(cfg.ShuffleSize >= 0, "shuffle_size must be >= 0")
	check(cfg.Epochs > 0, "epochs must be > 0")
	check(cfg.LearningRate > 0, "learning_rate must be > 0")
	check(cfg.DecaySteps >= 0, "decay_steps must be >= 0")
	check(cfg.NumClasses > 1, "number_of_classes must be > 1")
	check(cfg.ImageHeight > 0 && cfg.ImageWidth > 0, "image_height and image_width must be > 0")
	check(cfg.ImageChannels == 1 || cfg.ImageChannels == 3 || cfg.ImageChannels == 4,
		"image_channels must be 1, 3 or 4")
	check(!cfg.UseCheckpoint || cfg.CheckpointFile != "", "use_checkpoint requires checkpoint_file")
	check(!cfg.UseMultithreads || cfg.NumThreads > 0, "use_multithreads requires num_threads > 0")
	check(len(cfg.ResNetBlocks) > 0 && len(cfg.ResNetBlocks) == len(cfg.ResNetWidths),
		"resnet_blocks and resnet_widths must be non-empty and of the same length")
	check(cfg.AugmentAngleStdDev >= 0, "augment_angle_stddev must be >= 0")
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// ImageShape returns the configured input geometry as [height, width, channels].
func (cfg RunConfiguration) ImageShape() []int {
	return []int{cfg.ImageHeight, cfg.ImageWidth, cfg.ImageChannels}
}

// Output returns the path of an artifact file under OutputDir.
func (cfg RunConfiguration) Output(fileName string) string {
	if filepath.IsAbs(fileName) {
		return fileName
	}
	return filepath.Join(cfg.OutputDir, fileName)
}

// WithSettings returns a copy of cfg with the overrides in settings applied.
//
// The settings use the same format as GoMLX's "-set" flag (see commandline.ParseContextSettings),
// with the configuration keys as parameter names, e.g.: "epochs=3;learning_rate=1e-4;resnet_blocks=2,2".
// The returned list holds the names of the keys set.
func (cfg RunConfiguration) WithSettings(settings string) (RunConfiguration, []string, error) {
	if settings == "" {
		return cfg, nil, nil
	}
	ctx := context.New()
	ctx.SetParams(cfg.params())
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return cfg, nil, errors.WithMessagef(err, "failed to apply settings %q", settings)
	}
	newCfg := cfg.fromContext(ctx)
	// Paths derived from the previous data_dir are derived again, unless they were set now.
	for _, key := range cfg.defaulted {
		if slices.Contains(paramsSet, key) {
			continue
		}
		switch key {
		case "snapshot_dir":
			newCfg.SnapshotDir = ""
		case "test_manifest":
			newCfg.TestManifest = ""
		case "labels_file":
			newCfg.LabelsFile = ""
		case "save_dir":
			newCfg.SaveDir = ""
		}
	}
	newCfg.resolvePaths()
	if err = newCfg.Validate(); err != nil {
		return cfg, nil, errors.WithMessagef(err, "invalid settings %q", settings)
	}
	return newCfg, paramsSet, nil
}

// params returns the configuration as GoMLX hyperparameters, keyed by the TOML names.
func (cfg RunConfiguration) params() map[string]any {
	return map[string]any{
		"data_dir":             cfg.DataDir,
		"batch_size":           cfg.BatchSize,
		"shuffle_size":         cfg.ShuffleSize,
		"epochs":               cfg.Epochs,
		"learning_rate":        cfg.LearningRate,
		"decay_steps":          cfg.DecaySteps,
		"number_of_classes":    cfg.NumClasses,
		"image_height":         cfg.ImageHeight,
		"image_width":          cfg.ImageWidth,
		"image_channels":       cfg.ImageChannels,
		"checkpoint_file":      cfg.CheckpointFile,
		"use_checkpoint":       cfg.UseCheckpoint,
		"snapshot_dir":         cfg.SnapshotDir,
		"use_multithreads":     cfg.UseMultithreads,
		"num_threads":          cfg.NumThreads,
		"validation_steps":     cfg.ValidationSteps,
		"resnet_blocks":        slices.Clone(cfg.ResNetBlocks),
		"resnet_widths":        slices.Clone(cfg.ResNetWidths),
		"resnet_bottleneck":    cfg.ResNetBottleneck,
		"augment_flip":         cfg.AugmentFlip,
		"augment_angle_stddev": cfg.AugmentAngleStdDev,
		"test_manifest":        cfg.TestManifest,
		"labels_file":          cfg.LabelsFile,
		"results_file":         cfg.ResultsFile,
		"output_dir":           cfg.OutputDir,
		"save_dir":             cfg.SaveDir,
		"seed":                 int(cfg.Seed),
		"telemetry_histograms": cfg.TelemetryHistograms,
	}
}

// fromContext reads back the parameters written by params.
func (cfg RunConfiguration) fromContext(ctx *context.Context) RunConfiguration {
	newCfg := RunConfiguration{
		Name:                cfg.Name,
		DataDir:             context.GetParamOr(ctx, "data_dir", cfg.DataDir),
		BatchSize:           context.GetParamOr(ctx, "batch_size", cfg.BatchSize),
		ShuffleSize:         context.GetParamOr(ctx, "shuffle_size", cfg.ShuffleSize),
		Epochs:              context.GetParamOr(ctx, "epochs", cfg.Epochs),
		LearningRate:        context.GetParamOr(ctx, "learning_rate", cfg.LearningRate),
		DecaySteps:          context.GetParamOr(ctx, "decay_steps", cfg.DecaySteps),
		NumClasses:          context.GetParamOr(ctx, "number_of_classes", cfg.NumClasses),
		ImageHeight:         context.GetParamOr(ctx, "image_height", cfg.ImageHeight),
		ImageWidth:          context.GetParamOr(ctx, "image_width", cfg.ImageWidth),
		ImageChannels:       context.GetParamOr(ctx, "image_channels", cfg.ImageChannels),
		CheckpointFile:      context.GetParamOr(ctx, "checkpoint_file", cfg.CheckpointFile),
		UseCheckpoint:       context.GetParamOr(ctx, "use_checkpoint", cfg.UseCheckpoint),
		SnapshotDir:         context.GetParamOr(ctx, "snapshot_dir", cfg.SnapshotDir),
		UseMultithreads:     context.GetParamOr(ctx, "use_multithreads", cfg.UseMultithreads),
		NumThreads:          context.GetParamOr(ctx, "num_threads", cfg.NumThreads),
		ValidationSteps:     context.GetParamOr(ctx, "validation_steps", cfg.ValidationSteps),
		ResNetBlocks:        context.GetParamOr(ctx, "resnet_blocks", cfg.ResNetBlocks),
		ResNetWidths:        context.GetParamOr(ctx, "resnet_widths", cfg.ResNetWidths),
		ResNetBottleneck:    context.GetParamOr(ctx, "resnet_bottleneck", cfg.ResNetBottleneck),
		AugmentFlip:         context.GetParamOr(ctx, "augment_flip", cfg.AugmentFlip),
		AugmentAngleStdDev:  context.GetParamOr(ctx, "augment_angle_stddev", cfg.AugmentAngleStdDev),
		TestManifest:        context.GetParamOr(ctx, "test_manifest", cfg.TestManifest),
		LabelsFile:          context.GetParamOr(ctx, "labels_file", cfg.LabelsFile),
		ResultsFile:         context.GetParamOr(ctx, "results_file", cfg.ResultsFile),
		OutputDir:           context.GetParamOr(ctx, "output_dir", cfg.OutputDir),
		SaveDir:             context.GetParamOr(ctx, "save_dir", cfg.SaveDir),
		Seed:                int64(context.GetParamOr(ctx, "seed", int(cfg.Seed))),
		TelemetryHistograms: context.GetParamOr(ctx, "telemetry_histograms", cfg.TelemetryHistograms),
	}
	return newCfg
}
