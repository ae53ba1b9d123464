// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// imgclass trains and evaluates an image classifier, with the experiment described by a section of a
// TOML configuration file.
//
// Usage:
//
//	imgclass -config experiments.toml -name resnet50_trees -mode train -save
//
// Modes: train, test, predict, confusion and predictImages. See package internal/modes for details.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/imgclass/internal/config"
	"github.com/gomlx/imgclass/internal/console"
	"github.com/gomlx/imgclass/internal/modes"
	"github.com/gomlx/imgclass/internal/normalization"
)

var (
	flagConfig = flag.String("config", "", "TOML configuration file, with one table per experiment.")
	flagName   = flag.String("name", "", "Name of the experiment (table) in the configuration file.")
	flagMode   = flag.String("mode", "train", "One of: train, test, predict, confusion or predictImages.")
	flagSave   = flag.Bool("save", false, "Save the model to save_dir (default <data_dir>/cnn-model) "+
		"at the end of the train and test modes.")
	flagSet = flag.String("set", "", "Overrides of the configuration, e.g. \"epochs=3;learning_rate=1e-4\". "+
		"Keys are the ones of the configuration file.")
	flagSaved = flag.String("saved", "", "Directory of a model saved with -save, used instead of building "+
		"a new model from the configured architecture.")
	flagBackend  = flag.String("backend", "", "GoMLX backend to use (default: auto-detect), e.g. \"xla:cpu\".")
	flagProgress = flag.Bool("progress", true, "Display a progress bar during training.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	console.Init(os.Stdout)

	if *flagConfig == "" || *flagName == "" {
		klog.Errorf("-config and -name are required, see 'imgclass -help'")
		os.Exit(1)
	}
	if err := run(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run() error {
	mode, err := modes.ParseMode(*flagMode)
	if err != nil {
		return err
	}
	cfg, err := config.Resolve(*flagConfig, *flagName)
	if err != nil {
		return err
	}
	cfg, overridden, err := cfg.WithSettings(*flagSet)
	if err != nil {
		return err
	}
	if len(overridden) > 0 {
		klog.Infof("configuration overrides: %v", overridden)
	}
	profile, err := normalization.LoadDir(cfg.DataDir)
	if err != nil {
		return err
	}

	if *flagBackend != "" {
		if err := os.Setenv("GOMLX_BACKEND", *flagBackend); err != nil {
			klog.Warningf("Failed to set backend: %v", err)
		}
	}
	backend := backends.MustNew()
	defer backend.Finalize()
	klog.Infof("backend: %s", backend.Name())

	env := &modes.Env{
		Config:      cfg,
		Backend:     backend,
		Profile:     profile,
		Out:         os.Stdout,
		Save:        *flagSave,
		SavedModel:  *flagSaved,
		ProgressBar: *flagProgress,
		Interrupt:   interruptOnSignal(),
	}
	if mode == modes.Predict {
		env.Input = modes.NewInteractiveSource(os.Stdin, os.Stdout)
	}
	return modes.Run(mode, env)
}

// interruptOnSignal returns a check that fails after SIGINT or SIGTERM is received. Training stops at the
// end of the current epoch; a second signal terminates the program immediately.
func interruptOnSignal() func() error {
	var received atomic.Pointer[os.Signal]
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		signal.Stop(signals)
		fmt.Fprintf(os.Stderr, "\n%s received: stopping at the end of the current epoch, repeat to abort\n", sig)
		received.Store(&sig)
	}()
	return func() error {
		if sig := received.Load(); sig != nil {
			return errors.Errorf("%s received", *sig)
		}
		return nil
	}
}
