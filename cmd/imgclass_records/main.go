// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// imgclass_records prepares the data directory used by imgclass, from manifests with one "<path>\t<label>"
// per line:
//
//   - train.tfrecords and test.tfrecords (or train_<i>.tfrecords ... with -shards > 1);
//   - shape.dat and mean.dat, with the mean of the training images, also saved as mean.npy;
//   - used_labels.txt, copied from -labels if given.
//
// Usage:
//
//	imgclass_records -train train.txt -test test.txt -out ~/data/trees -height 224 -width 224
package main

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/imgclass/internal/dataset"
	"github.com/gomlx/imgclass/internal/modes"
	"github.com/gomlx/imgclass/internal/normalization"
	"github.com/gomlx/imgclass/internal/tfrecord"
	"github.com/gomlx/imgclass/internal/workerspool"
)

var (
	flagTrain    = flag.String("train", "", "Manifest of the training images.")
	flagTest     = flag.String("test", "", "Manifest of the test images.")
	flagOut      = flag.String("out", "", "Output data directory.")
	flagLabels   = flag.String("labels", "", "File with the class names, one per line, copied to used_labels.txt.")
	flagHeight   = flag.Int("height", 224, "Height of the stored images.")
	flagWidth    = flag.Int("width", 224, "Width of the stored images.")
	flagChannels = flag.Int("channels", 3, "Number of channels of the stored images: 1, 3 or 4.")
	flagShards   = flag.Int("shards", 1, "Number of shards per split. Use the same value for num_threads "+
		"with use_multithreads in the configuration.")
	flagEncoded = flag.Bool("encoded", false, "Store PNG-encoded images instead of raw pixels.")
	flagWorkers = flag.Int("workers", 0, "Number of images decoded in parallel. Defaults to the number of CPUs.")
)

// chunkSize is the number of images decoded in parallel before they are written in order.
const chunkSize = 1024

// recordOptions configure how images are stored.
type recordOptions struct {
	height, width, channels int
	shards                  int
	encoded                 bool
	workers                 int
	progressBar             bool
}

// splitStats counts the images of a split.
type splitStats struct {
	written, skipped int
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagTrain == "" || *flagOut == "" {
		klog.Errorf("-train and -out are required, see 'imgclass_records -help'")
		os.Exit(1)
	}
	opts := recordOptions{
		height:      *flagHeight,
		width:       *flagWidth,
		channels:    *flagChannels,
		shards:      *flagShards,
		encoded:     *flagEncoded,
		workers:     *flagWorkers,
		progressBar: true,
	}
	outDir := must.M1(fsutil.ReplaceTildeInDir(*flagOut))
	if err := run(outDir, *flagTrain, *flagTest, *flagLabels, opts); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run(outDir, trainManifest, testManifest, labelsPath string, opts recordOptions) error {
	if opts.height <= 0 || opts.width <= 0 || opts.shards <= 0 {
		return errors.Errorf("invalid geometry %dx%d or number of shards %d", opts.height, opts.width, opts.shards)
	}
	if opts.channels != 1 && opts.channels != 3 && opts.channels != 4 {
		return errors.Errorf("channels must be 1, 3 or 4, got %d", opts.channels)
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating %q", outDir)
	}

	shape := []int{opts.height, opts.width, opts.channels}
	mean := normalization.NewMeanAccumulator(shape)
	stats, err := buildSplit(trainManifest, outDir, "train", opts, mean)
	if err != nil {
		return err
	}
	fmt.Printf("train: %d images written, %d skipped\n", stats.written, stats.skipped)
	profile, err := mean.Profile()
	if err != nil {
		return errors.WithMessage(err, "train split")
	}
	err = normalization.Save(profile,
		filepath.Join(outDir, normalization.ShapeFileName), filepath.Join(outDir, normalization.MeanFileName))
	if err != nil {
		return err
	}
	if err = normalization.SaveNpy(profile, filepath.Join(outDir, normalization.MeanNpyFileName)); err != nil {
		return err
	}

	if testManifest != "" {
		stats, err = buildSplit(testManifest, outDir, "test", opts, nil)
		if err != nil {
			return err
		}
		fmt.Printf("test: %d images written, %d skipped\n", stats.written, stats.skipped)
	}

	if labelsPath != "" {
		labels, err := os.ReadFile(labelsPath)
		if err != nil {
			return errors.Wrapf(err, "reading class names")
		}
		if err = os.WriteFile(filepath.Join(outDir, "used_labels.txt"), labels, 0o644); err != nil {
			return errors.Wrapf(err, "writing class names")
		}
	}
	return nil
}

// buildSplit writes the images of the manifest to the shards of the split. If mean is not nil, the
// stored pixels are added to it. Images that can't be decoded are logged and skipped.
func buildSplit(manifestPath, outDir, split string, opts recordOptions, mean *normalization.MeanAccumulator) (
	stats splitStats, err error) {
	entries, err := modes.LoadManifest(manifestPath)
	if err != nil {
		return
	}
	shardPaths := dataset.ShardPaths(outDir, split, opts.shards > 1, opts.shards)
	writers := make([]*tfrecord.Writer, len(shardPaths))
	for ii, shardPath := range shardPaths {
		writers[ii], err = tfrecord.Create(shardPath)
		if err != nil {
			return
		}
	}
	defer func() {
		for _, w := range writers {
			if w == nil {
				continue
			}
			if closeErr := w.Close(); err == nil {
				err = closeErr
			}
		}
	}()

	var bar *progressbar.ProgressBar
	if opts.progressBar {
		bar = progressbar.Default(int64(len(entries)), split)
	}
	type decoded struct {
		payload []byte
		pixels  []float32
		err     error
	}
	format := tfrecord.FormatRaw
	if opts.encoded {
		format = tfrecord.FormatEncoded
	}
	pool := workerspool.New(opts.workers)
	results := make([]decoded, min(chunkSize, len(entries)))
	for start := 0; start < len(entries); start += chunkSize {
		chunk := entries[start:min(start+chunkSize, len(entries))]
		for ii, entry := range chunk {
			pool.Go(func() {
				r := &results[ii]
				r.payload, r.pixels, r.err = readImage(entry.Path, opts)
			})
		}
		pool.Wait()
		for ii, entry := range chunk {
			if bar != nil {
				_ = bar.Add(1)
			}
			r := results[ii]
			if r.err != nil {
				klog.Warningf("skipping %q: %v", entry.Path, r.err)
				stats.skipped++
				continue
			}
			if mean != nil {
				if err = mean.Add(r.pixels); err != nil {
					return
				}
			}
			w := writers[stats.written%len(writers)]
			if err = w.Write(tfrecord.ImageExample(r.payload, int64(entry.Label)).WithFormat(format).Marshal()); err != nil {
				return
			}
			stats.written++
		}
	}
	return
}

// readImage returns the record payload (raw or PNG-encoded) and the pixels of the image, resized to the
// configured geometry.
func readImage(imagePath string, opts recordOptions) (payload []byte, pixels []float32, err error) {
	img, err := dataset.DecodeImageFile(imagePath)
	if err != nil {
		return
	}
	resized := imaging.Resize(img, opts.width, opts.height, imaging.Lanczos)
	pixels = dataset.ImageToPixels(resized, opts.height, opts.width, opts.channels)
	if opts.encoded {
		var buf bytes.Buffer
		if err = imaging.Encode(&buf, resized, imaging.PNG); err != nil {
			return nil, nil, errors.Wrapf(err, "encoding %q", imagePath)
		}
		return buf.Bytes(), pixels, nil
	}
	payload = make([]byte, len(pixels))
	for ii, v := range pixels {
		payload[ii] = byte(v)
	}
	return payload, pixels, nil
}
