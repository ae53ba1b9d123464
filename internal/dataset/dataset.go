// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset turns TFRecord files of tf.Example images into GoMLX datasets (train.Dataset)
// of normalized image batches.
//
// Each record holds the features "image" (raw uint8 pixels or an encoded PNG/JPEG/...) and "label" (int64).
// Images are converted to float32 values from 0 to 255, and the mean image of the normalization
// profile is subtracted. Batches yielded are:
//
//   - inputs: one tensor shaped [batch_size, height, width, channels] of float32.
//   - labels: one tensor shaped [batch_size, 1] of int32, with the class index.
//
// The last batch of a pass may be smaller than batch_size.
package dataset

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/imgclass/internal/failures"
	"github.com/gomlx/imgclass/internal/normalization"
	"github.com/gomlx/imgclass/internal/tfrecord"
)

// Dataset implements train.Dataset over one or more TFRecord shards.
//
// The shards are read concurrently and merged into one stream: the order across shards is not
// defined, but each record is yielded exactly once per pass.
type Dataset struct {
	name, shortName string
	sources         []string
	profile         *normalization.Profile
	numClasses      int
	batchSize       int
	shuffleWindow   int
	augmentation    Augmentation

	mu        sync.Mutex
	rng       *rand.Rand
	stream    *recordStream
	buffer    []sample
	drained   bool
	exhausted bool
}

var _ train.Dataset = (*Dataset)(nil)

type sample struct {
	pixels []float32
	label  int32
}

// TrainingOptions configures the extra steps of a training dataset.
type TrainingOptions struct {
	// ShuffleWindow is the size of the shuffle buffer: records are drawn at random from a window of this many
	// records ahead. 0 or 1 disables shuffling.
	ShuffleWindow int

	Augmentation Augmentation

	// Seed for the random shuffling and augmentation.
	Seed int64
}

// BuildTraining creates the training dataset: shuffled, augmented and batched.
//
// It fails with failures.ErrDataSourceMissing if any of the sources doesn't exist.
func BuildTraining(sources []string, profile *normalization.Profile, numClasses, batchSize int,
	opts TrainingOptions) (*Dataset, error) {
	ds, err := newDataset("Training", "train", sources, profile, numClasses, batchSize, opts.Seed)
	if err != nil {
		return nil, err
	}
	ds.shuffleWindow = opts.ShuffleWindow
	ds.augmentation = opts.Augmentation
	return ds, nil
}

// BuildEvaluation creates the evaluation dataset: batched, but neither shuffled nor augmented.
//
// It fails with failures.ErrDataSourceMissing if any of the sources doesn't exist.
func BuildEvaluation(sources []string, profile *normalization.Profile, numClasses, batchSize int) (*Dataset, error) {
	return newDataset("Validation", "val", sources, profile, numClasses, batchSize, 0)
}

func newDataset(name, shortName string, sources []string, profile *normalization.Profile,
	numClasses, batchSize int, seed int64) (*Dataset, error) {
	if len(sources) == 0 {
		return nil, errors.Wrapf(failures.ErrDataSourceMissing, "no sources given for dataset %q", name)
	}
	for _, source := range sources {
		if err := failures.Missing(failures.ErrDataSourceMissing, source); err != nil {
			return nil, errors.WithMessagef(err, "dataset %q", name)
		}
	}
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: batch size must be > 0, got %d", name, batchSize)
	}
	if numClasses <= 0 {
		return nil, errors.Errorf("dataset %q: number of classes must be > 0, got %d", name, numClasses)
	}
	return &Dataset{
		name:       name,
		shortName:  shortName,
		sources:    sources,
		profile:    profile,
		numClasses: numClasses,
		batchSize:  batchSize,
		rng:        rand.New(rand.NewSource(seed)),
	}, nil
}

// ShardPaths returns the TFRecord files of a split ("train" or "test") in dataDir:
// "<split>.tfrecords", or "<split>_<i>.tfrecords" for i in [0, numThreads) if multithreaded.
func ShardPaths(dataDir, split string, multithreaded bool, numThreads int) []string {
	if !multithreaded {
		return []string{filepath.Join(dataDir, split+".tfrecords")}
	}
	paths := make([]string, numThreads)
	for ii := range paths {
		paths[ii] = filepath.Join(dataDir, fmt.Sprintf("%s_%d.tfrecords", split, ii))
	}
	return paths
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// ShortName implements train.HasShortName.
func (ds *Dataset) ShortName() string { return ds.shortName }

// Yield implements train.Dataset. It returns io.EOF at the end of each pass, until Reset is called.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.exhausted {
		return nil, nil, nil, io.EOF
	}
	if ds.stream == nil {
		ds.startLocked()
	}

	size := ds.profile.Size()
	images := make([]float32, 0, ds.batchSize*size)
	batchLabels := make([]int32, 0, ds.batchSize)
	for len(batchLabels) < ds.batchSize {
		var s sample
		var ok bool
		s, ok, err = ds.nextLocked()
		if err != nil {
			ds.exhausted = true
			return nil, nil, nil, errors.WithMessagef(err, "dataset %q", ds.name)
		}
		if !ok {
			break
		}
		images = append(images, s.pixels...)
		batchLabels = append(batchLabels, s.label)
	}
	if len(batchLabels) == 0 {
		ds.exhausted = true
		return nil, nil, nil, io.EOF
	}
	batchSize := len(batchLabels)
	inputs = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(images,
		batchSize, ds.profile.Height(), ds.profile.Width(), ds.profile.Channels())}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(batchLabels, batchSize, 1)}
	return nil, inputs, labels, nil
}

// nextLocked returns the next sample, applying the shuffle window if configured.
func (ds *Dataset) nextLocked() (s sample, ok bool, err error) {
	if ds.shuffleWindow <= 1 {
		return ds.stream.next()
	}
	for !ds.drained && len(ds.buffer) < ds.shuffleWindow {
		s, ok, err = ds.stream.next()
		if err != nil {
			return
		}
		if !ok {
			ds.drained = true
			break
		}
		ds.buffer = append(ds.buffer, s)
	}
	if len(ds.buffer) == 0 {
		return sample{}, false, nil
	}
	idx := ds.rng.Intn(len(ds.buffer))
	last := len(ds.buffer) - 1
	s = ds.buffer[idx]
	ds.buffer[idx] = ds.buffer[last]
	ds.buffer[last] = sample{}
	ds.buffer = ds.buffer[:last]
	return s, true, nil
}

// Reset implements train.Dataset. It restarts the pass: shuffling (for the training dataset) uses a fresh random order.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.stopLocked()
	ds.exhausted = false
}

// Close stops any background reading. The dataset can still be used afterwards, it will simply restart.
func (ds *Dataset) Close() {
	ds.Reset()
}

func (ds *Dataset) stopLocked() {
	if ds.stream != nil {
		ds.stream.stop()
		ds.stream = nil
	}
	ds.buffer = nil
	ds.drained = false
}

// startLocked starts one reader goroutine per shard.
func (ds *Dataset) startLocked() {
	s := &recordStream{
		samples: make(chan sample, 2*ds.batchSize),
		done:    make(chan struct{}),
	}
	// The first failing shard stops the others.
	group, ctx := errgroup.WithContext(context.Background())
	for _, source := range ds.sources {
		rng := rand.New(rand.NewSource(ds.rng.Int63()))
		group.Go(func() error {
			return ds.readShard(ctx, source, rng, s)
		})
	}
	go func() {
		s.err = group.Wait()
		close(s.samples)
	}()
	ds.stream = s
}

// readShard reads and decodes all records of one shard, sending them to the stream.
func (ds *Dataset) readShard(ctx context.Context, source string, rng *rand.Rand, s *recordStream) error {
	reader, err := tfrecord.Open(source)
	if err != nil {
		return errors.Wrapf(failures.ErrDataSourceMissing, "%v", err)
	}
	defer func() { _ = reader.Close() }()
	count := 0
	for ctx.Err() == nil {
		record, err := reader.Next()
		if err == io.EOF {
			klog.V(2).Infof("dataset %q: read %d records from %q", ds.name, count, source)
			return nil
		}
		if err != nil {
			return err
		}
		smp, err := ds.decode(record, rng)
		if errors.Is(err, failures.ErrDecode) {
			klog.Warningf("dataset %q: skipping record #%d of %q: %v", ds.name, count, source, err)
			count++
			continue
		}
		if err != nil {
			return errors.WithMessagef(err, "record #%d of %q", count, source)
		}
		select {
		case s.samples <- smp:
		case <-s.done:
			return nil
		case <-ctx.Done():
			return nil
		}
		count++
	}
	return nil
}

// decode parses one tf.Example into a normalized sample.
func (ds *Dataset) decode(record []byte, rng *rand.Rand) (sample, error) {
	example, err := tfrecord.ParseExample(record)
	if err != nil {
		return sample{}, err
	}
	imgBytes, label, err := example.ImageAndLabel()
	if err != nil {
		return sample{}, err
	}
	if label < 0 || label >= int64(ds.numClasses) {
		return sample{}, errors.Errorf("label %d out of range for %d classes", label, ds.numClasses)
	}
	height, width, channels := ds.profile.Height(), ds.profile.Width(), ds.profile.Channels()
	raw, err := ds.isRaw(example.ImageFormat(), imgBytes)
	if err != nil {
		return sample{}, err
	}
	var pixels []float32
	if raw {
		// Raw pixels.
		if ds.augmentation.Enabled() {
			img := ds.augmentation.Apply(rawToImage(imgBytes, height, width, channels), rng)
			pixels = ImageToPixels(img, height, width, channels)
		} else {
			pixels = make([]float32, len(imgBytes))
			for ii, v := range imgBytes {
				pixels[ii] = float32(v)
			}
		}
	} else {
		img, err := DecodeImageBytes(imgBytes)
		if err != nil {
			return sample{}, err
		}
		if ds.augmentation.Enabled() {
			img = ds.augmentation.Apply(img, rng)
		}
		pixels = ImageToPixels(img, height, width, channels)
	}
	if err = ds.profile.Subtract(pixels); err != nil {
		return sample{}, err
	}
	return sample{pixels: pixels, label: int32(label)}, nil
}

// isRaw returns whether the image bytes are raw pixels. Without a format feature, they are raw if they
// have the size of the images and are not in a known image file format.
func (ds *Dataset) isRaw(format string, imgBytes []byte) (bool, error) {
	switch format {
	case tfrecord.FormatRaw:
		if len(imgBytes) != ds.profile.Size() {
			return false, errors.Wrapf(failures.ErrShapeMismatch, "raw image has %d bytes, expected %d",
				len(imgBytes), ds.profile.Size())
		}
		return true, nil
	case tfrecord.FormatEncoded:
		return false, nil
	case "":
		return len(imgBytes) == ds.profile.Size() && !looksEncoded(imgBytes), nil
	default:
		return false, errors.Errorf("unknown image format %q", format)
	}
}

// recordStream is the merged output of the shard readers of one pass.
type recordStream struct {
	samples chan sample
	done    chan struct{}

	// err is written before samples is closed, so it can be read once samples is drained.
	err error
}

func (s *recordStream) next() (sample, bool, error) {
	smp, ok := <-s.samples
	if !ok {
		return sample{}, false, s.err
	}
	return smp, true, nil
}

// stop the readers and wait for them to finish.
func (s *recordStream) stop() {
	close(s.done)
	for range s.samples {
	}
}
