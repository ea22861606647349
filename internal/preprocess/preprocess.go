// Package preprocess turns encoded shard images into the fixed-size float
// tensors the models consume: decode, resize, optional random crop and
// horizontal flip (training only), and normalization to the [0,1] range.
package preprocess

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
)

const (
	// InputSize is the side length of the model input, in pixels.
	InputSize = 160
	// AugmentSize is the intermediate side length training images are
	// resized to before the random crop.
	AugmentSize = 256
	// Channels is the number of color channels of the model input.
	Channels = 3
)

// Decode decodes an encoded image. The shards carry JPEG; PNG is accepted the
// same way the rest of the toolchain tolerates it.
func Decode(encoded []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(encoded))
	if err != nil {
		return nil, errors.Wrap(err, "preprocess: decoding image")
	}
	return img, nil
}

// Train applies the training-time transform: resize to 256x256, random
// 160x160 crop, random horizontal flip, normalize. The result is CHW float64,
// length Channels*InputSize*InputSize.
func Train(img image.Image, rng *rand.Rand) []float64 {
	resized := resize.Resize(AugmentSize, AugmentSize, img, resize.Bilinear)
	x0 := rng.Intn(AugmentSize - InputSize + 1)
	y0 := rng.Intn(AugmentSize - InputSize + 1)
	flip := rng.Intn(2) == 1
	return normalizeCHW(resized, x0, y0, flip)
}

// Eval applies the evaluation-time transform: resize straight to 160x160 and
// normalize. No stochastic augmentation.
func Eval(img image.Image) []float64 {
	resized := resize.Resize(InputSize, InputSize, img, resize.Bilinear)
	return normalizeCHW(resized, 0, 0, false)
}

// normalizeCHW reads an InputSize x InputSize window of img at (x0, y0) into
// a CHW float64 slice with values in [0,1], optionally mirrored horizontally.
func normalizeCHW(img image.Image, x0, y0 int, flip bool) []float64 {
	bounds := img.Bounds()
	out := make([]float64, Channels*InputSize*InputSize)
	plane := InputSize * InputSize

	for y := 0; y < InputSize; y++ {
		for x := 0; x < InputSize; x++ {
			sx := x0 + x
			if flip {
				sx = x0 + InputSize - 1 - x
			}
			r, g, b, _ := img.At(bounds.Min.X+sx, bounds.Min.Y+y0+y).RGBA()

			i := y*InputSize + x
			out[i] = float64(r>>8) / 255.0
			out[plane+i] = float64(g>>8) / 255.0
			out[2*plane+i] = float64(b>>8) / 255.0
		}
	}
	return out
}
