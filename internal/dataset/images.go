// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"bytes"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"os"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/gomlx/imgclass/internal/failures"
)

// DecodeImageFile reads and decodes an image file (JPEG, PNG, GIF, BMP, TIFF or WebP).
//
// Errors are wrapped around failures.ErrDecode, or failures.ErrResourceMissing if the file doesn't exist.
func DecodeImageFile(imagePath string) (image.Image, error) {
	if err := failures.Missing(failures.ErrResourceMissing, imagePath); err != nil {
		return nil, err
	}
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(failures.ErrDecode, "failed to open %q: %v", imagePath, err)
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(failures.ErrDecode, "failed to decode %q: %v", imagePath, err)
	}
	return img, nil
}

// DecodeImageBytes decodes an encoded image held in memory.
func DecodeImageBytes(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(failures.ErrDecode, "failed to decode image of %d bytes: %v", len(data), err)
	}
	return img, nil
}

// looksEncoded returns whether data starts like an image in one of the registered file formats.
func looksEncoded(data []byte) bool {
	_, _, err := image.DecodeConfig(bytes.NewReader(data))
	return err == nil
}

// ImageToPixels resizes img to width x height (if needed) and returns its pixels as float32 values
// from 0 to 255, flat in row-major (height, width, channels) order.
//
// With 1 channel the image is converted to grayscale, with 3 channels the alpha channel is dropped.
func ImageToPixels(img image.Image, height, width, channels int) []float32 {
	size := img.Bounds().Size()
	if size.X != width || size.Y != height {
		img = imaging.Resize(img, width, height, imaging.Lanczos)
	}
	var nrgba *image.NRGBA
	if channels == 1 {
		nrgba = imaging.Grayscale(img)
	} else {
		nrgba = imaging.Clone(img)
	}
	pixels := make([]float32, 0, height*width*channels)
	for y := 0; y < height; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*width]
		for x := 0; x < width; x++ {
			px := row[4*x : 4*x+4]
			for c := 0; c < channels; c++ {
				pixels = append(pixels, float32(px[c]))
			}
		}
	}
	return pixels
}

// rawToImage converts raw uint8 pixels in (height, width, channels) order to an image.
func rawToImage(raw []byte, height, width, channels int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for ii := 0; ii < height*width; ii++ {
		px := raw[ii*channels : (ii+1)*channels]
		dst := img.Pix[ii*4 : ii*4+4]
		switch channels {
		case 1:
			dst[0], dst[1], dst[2], dst[3] = px[0], px[0], px[0], 255
		case 3:
			dst[0], dst[1], dst[2], dst[3] = px[0], px[1], px[2], 255
		default:
			copy(dst, px[:4])
		}
	}
	return img
}

// Augmentation holds the random transformations applied to training images.
type Augmentation struct {
	// FlipRandomly flips half the images horizontally.
	FlipRandomly bool

	// AngleStdDev is the standard deviation, in degrees, of a random rotation. 0 disables it.
	AngleStdDev float64
}

// Enabled returns whether any transformation is configured.
func (a Augmentation) Enabled() bool {
	return a.FlipRandomly || a.AngleStdDev > 0
}

// Apply transforms img using rng.
func (a Augmentation) Apply(img image.Image, rng *rand.Rand) image.Image {
	if a.AngleStdDev > 0 {
		size := img.Bounds().Size()
		img = imaging.Rotate(img, rng.NormFloat64()*a.AngleStdDev, color.Black)
		img = imaging.CropCenter(img, size.X, size.Y) // Rotate enlarges the canvas.
	}
	if a.FlipRandomly && rng.Intn(2) == 1 {
		img = imaging.FlipH(img)
	}
	return img
}
