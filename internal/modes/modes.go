// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package modes runs one of the experiment modes of imgclass (see Mode) with a resolved configuration.
//
// Every mode follows the same order: build the datasets it needs, build (or load) the model and bind it
// to the input shape, restore the configured checkpoint if any, compile, and only then do the mode's work.
// The inference modes share a Scorer that decodes, normalizes and classifies image files.
package modes

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imgclass/internal/config"
	"github.com/gomlx/imgclass/internal/console"
	"github.com/gomlx/imgclass/internal/dataset"
	"github.com/gomlx/imgclass/internal/failures"
	"github.com/gomlx/imgclass/internal/model"
	"github.com/gomlx/imgclass/internal/normalization"
	"github.com/gomlx/imgclass/internal/reports"
	"github.com/gomlx/imgclass/internal/resnet"
	"github.com/gomlx/imgclass/internal/telemetry"
)

// Env holds everything a mode needs. It is created once per invocation.
type Env struct {
	Config  config.RunConfiguration
	Backend backends.Backend
	Profile *normalization.Profile

	// Input provides the image paths for the Predict mode.
	Input InputSource

	// Out receives the results. Defaults to os.Stdout.
	Out io.Writer

	// Save the model to Config.SaveDir at the end of the Train and Test modes.
	Save bool

	// SavedModel, if set, is the directory of a model saved with -save: it is loaded instead of building
	// a new model from the configured architecture.
	SavedModel string

	// ProgressBar during training.
	ProgressBar bool

	// Interrupt, if set, is checked between training epochs, see model.Model.Interrupt.
	Interrupt func() error
}

// Handler executes one mode.
type Handler func(env *Env) error

var handlers = map[Mode]Handler{
	Train:         runTrain,
	Test:          runTest,
	Predict:       runPredict,
	Confusion:     runConfusion,
	PredictImages: runPredictImages,
}

// Run executes the given mode.
func Run(mode Mode, env *Env) error {
	handler, found := handlers[mode]
	if !found {
		return errors.Errorf("no handler for mode %s", mode)
	}
	if env.Out == nil {
		env.Out = os.Stdout
	}
	if env.Backend == nil {
		return errors.New("no backend configured")
	}
	if env.Profile == nil {
		return errors.Wrap(failures.ErrResourceMissing, "normalization profile not loaded")
	}
	cfg := env.Config
	if err := env.Profile.CheckGeometry(cfg.ImageHeight, cfg.ImageWidth, cfg.ImageChannels); err != nil {
		return err
	}
	klog.Infof("running mode %s with configuration %q", mode, cfg.Name)
	if err := handler(env); err != nil {
		return errors.WithMessagef(err, "mode %s", mode)
	}
	return nil
}

// buildModel builds or loads the model, restores the configured checkpoint and compiles it.
func (env *Env) buildModel() (*model.Model, error) {
	cfg := env.Config
	var m *model.Model
	var err error
	if env.SavedModel != "" {
		m, err = model.LoadSaved(env.Backend, env.SavedModel)
		if err != nil {
			return nil, err
		}
		if !slices.Equal(m.InputShape(), cfg.ImageShape()) || m.NumClasses() != cfg.NumClasses {
			m.Finalize()
			return nil, errors.Wrapf(failures.ErrShapeMismatch,
				"saved model in %q takes %v images and %d classes, but the configuration has %v and %d",
				env.SavedModel, m.InputShape(), m.NumClasses(), cfg.ImageShape(), cfg.NumClasses)
		}
	} else {
		arch := resnet.Architecture{
			Blocks:     cfg.ResNetBlocks,
			Widths:     cfg.ResNetWidths,
			Bottleneck: cfg.ResNetBottleneck,
		}
		m, err = model.Build(env.Backend, arch, cfg.NumClasses)
		if err != nil {
			return nil, err
		}
		if err = m.BindInput(cfg.ImageShape()); err != nil {
			m.Finalize()
			return nil, err
		}
	}
	m.WithProgressBar(env.ProgressBar)
	m.Interrupt = env.Interrupt

	if cfg.UseCheckpoint {
		report, err := m.Restore(cfg.CheckpointFile)
		if err != nil {
			m.Finalize()
			return nil, err
		}
		if report.Count(model.Matched) < len(report.Entries) || len(report.NotInCheckpoint) > 0 {
			report.Print(env.Out)
		}
	}

	err = m.Compile(model.CompileSpec{
		Optimizer: model.OptimizerSpec{
			LearningRate: cfg.LearningRate,
			DecaySteps:   cfg.DecaySteps,
		},
	})
	if err != nil {
		m.Finalize()
		return nil, err
	}
	if klog.V(1).Enabled() {
		m.Summary(env.Out, klog.V(2).Enabled())
	}
	return m, nil
}

// evaluationDataset of the "test" split.
func (env *Env) evaluationDataset() (*dataset.Dataset, error) {
	cfg := env.Config
	return dataset.BuildEvaluation(
		dataset.ShardPaths(cfg.DataDir, "test", cfg.UseMultithreads, cfg.NumThreads),
		env.Profile, cfg.NumClasses, cfg.BatchSize)
}

// trainingDataset of the "train" split.
func (env *Env) trainingDataset() (*dataset.Dataset, error) {
	cfg := env.Config
	return dataset.BuildTraining(
		dataset.ShardPaths(cfg.DataDir, "train", cfg.UseMultithreads, cfg.NumThreads),
		env.Profile, cfg.NumClasses, cfg.BatchSize,
		dataset.TrainingOptions{
			ShuffleWindow: cfg.ShuffleSize,
			Augmentation: dataset.Augmentation{
				FlipRandomly: cfg.AugmentFlip,
				AngleStdDev:  cfg.AugmentAngleStdDev,
			},
			Seed: cfg.Seed,
		})
}

func (env *Env) saveIfRequested(m *model.Model) error {
	if !env.Save {
		return nil
	}
	if err := m.Save(env.Config.SaveDir); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(env.Out, "model saved to %s\n", env.Config.SaveDir)
	return nil
}

func runTrain(env *Env) error {
	cfg := env.Config
	trainDS, err := env.trainingDataset()
	if err != nil {
		return err
	}
	defer trainDS.Close()
	valDS, err := env.evaluationDataset()
	if err != nil {
		return err
	}
	defer valDS.Close()

	m, err := env.buildModel()
	if err != nil {
		return err
	}
	defer m.Finalize()
	sink, err := telemetry.New(cfg.SnapshotDir, telemetry.Options{Histograms: cfg.TelemetryHistograms})
	if err != nil {
		return err
	}

	history, trainErr := m.Train(trainDS, cfg.Epochs, valDS, cfg.ValidationSteps, sink)
	if history != nil && len(history.Epochs) > 0 {
		printHistory(env.Out, history)
		curvePath := cfg.Output(reports.TrainingCurveFileName)
		if err = reports.PlotTrainingCurve(curvePath, history.TrainAccuracies(), history.ValidationAccuracies()); err != nil {
			klog.Warningf("training curve not saved: %v", err)
		}
	}
	if sink.Failures() > 0 {
		klog.Warningf("%d telemetry writes failed, see the warnings above", sink.Failures())
	}
	_, _ = fmt.Fprintf(env.Out, "%d epoch checkpoints written to %s (run %s)\n",
		len(sink.Written()), cfg.SnapshotDir, sink.RunID())
	if trainErr != nil {
		return trainErr
	}
	return env.saveIfRequested(m)
}

func printHistory(w io.Writer, history *model.TrainingHistory) {
	_, _ = fmt.Fprintln(w, console.TitleStyle.Render("Training"))
	table := console.NewTable(lipgloss.Right)
	table.Headers("Epoch", "Steps", "Loss", "Accuracy", "Val. Loss", "Val. Accuracy", "Time")
	for _, r := range history.Epochs {
		table.Row(false,
			fmt.Sprint(r.Epoch), fmt.Sprint(r.Steps),
			fmt.Sprintf("%.4f", r.TrainLoss), fmt.Sprintf("%.2f%%", 100*r.TrainAccuracy),
			fmt.Sprintf("%.4f", r.ValidationLoss), fmt.Sprintf("%.2f%%", 100*r.ValidationAccuracy),
			commandline.FormatDuration(r.Duration))
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

func runTest(env *Env) error {
	valDS, err := env.evaluationDataset()
	if err != nil {
		return err
	}
	defer valDS.Close()
	m, err := env.buildModel()
	if err != nil {
		return err
	}
	defer m.Finalize()
	result, err := m.Evaluate(valDS, env.Config.ValidationSteps)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(env.Out, console.TitleStyle.Render("Evaluation"))
	table := console.NewTable(lipgloss.Right, lipgloss.Left)
	table.Row(false, "dataset", valDS.Name())
	table.Row(false, "loss", fmt.Sprintf("%.4f", result.Loss))
	table.Row(false, "accuracy", fmt.Sprintf("%.2f%%", 100*result.Accuracy))
	_, _ = fmt.Fprintln(env.Out, table.Render())
	return env.saveIfRequested(m)
}

func runPredict(env *Env) error {
	if env.Input == nil {
		return errors.New("predict mode requires an input source")
	}
	m, err := env.buildModel()
	if err != nil {
		return err
	}
	defer m.Finalize()
	count, err := PredictLoop(env.Input, NewScorer(m, env.Profile), env.Out)
	klog.V(1).Infof("%d images scored", count)
	return err
}

// manifestRecords builds the model and scores every entry of the test manifest.
// It also returns the class names, which are optional.
func (env *Env) manifestRecords() ([]reports.PredictionRecord, []string, error) {
	cfg := env.Config
	entries, err := LoadManifest(cfg.TestManifest)
	if err != nil {
		return nil, nil, err
	}
	classNames, err := reports.LoadLabels(cfg.LabelsFile)
	if err != nil {
		if !errors.Is(err, failures.ErrResourceMissing) {
			return nil, nil, err
		}
		klog.Warningf("class names not available, using class numbers: %v", err)
	}
	m, err := env.buildModel()
	if err != nil {
		return nil, nil, err
	}
	defer m.Finalize()
	records := NewScorer(m, env.Profile).ScoreManifest(entries)
	klog.Infof("scored %d of %d images of %q", len(records), len(entries), cfg.TestManifest)
	return records, classNames, nil
}

func runConfusion(env *Env) error {
	records, classNames, err := env.manifestRecords()
	if err != nil {
		return err
	}
	return ConfusionReport(env.Config, records, classNames, env.Out)
}

// ConfusionReport writes the correspondence table and the confusion heatmap to the configured output
// directory, and prints the raw matrix to w.
func ConfusionReport(cfg config.RunConfiguration, records []reports.PredictionRecord, classNames []string,
	w io.Writer) error {
	cm := reports.NewConfusionMatrix(cfg.NumClasses)
	if err := cm.AddRecords(records); err != nil {
		return err
	}
	if err := reports.WriteCorrespondence(cfg.Output(reports.CorrespondenceFileName), records); err != nil {
		return err
	}
	cm.Print(w, classNames)
	return reports.PlotConfusion(cfg.Output(reports.ConfusionPlotFileName), cm, classNames)
}

func runPredictImages(env *Env) error {
	records, classNames, err := env.manifestRecords()
	if err != nil {
		return err
	}
	_, err = MisclassificationReport(env.Config, records, classNames, env.Out)
	return err
}

// MisclassificationReport appends the misclassified records to the configured results file.
// It returns the number of lines written.
func MisclassificationReport(cfg config.RunConfiguration, records []reports.PredictionRecord, classNames []string,
	w io.Writer) (int, error) {
	resultsPath := cfg.Output(cfg.ResultsFile)
	log, err := reports.OpenMisclassificationLog(resultsPath, classNames)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		if _, err = log.Add(record); err != nil {
			_ = log.Close()
			return log.Count(), err
		}
	}
	if err = log.Close(); err != nil {
		return log.Count(), err
	}
	_, _ = fmt.Fprintf(w, "%d of %d images misclassified, appended to %s\n", log.Count(), len(records), resultsPath)
	return log.Count(), nil
}
