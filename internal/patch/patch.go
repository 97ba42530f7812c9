// Package patch holds the trainable patch parameter and the differentiable
// pipeline that places patch instances into detector input images.
package patch

import (
	"fmt"
	"math/rand"

	"github.com/disintegration/imaging"

	"github.com/cwbudde/patchfit/internal/tensor"
)

// Patch initialization sources. Any other value is treated as an image path.
const (
	SourceGray   = "gray"
	SourceRandom = "random"
)

// Init creates the initial patch tensor (3 x size x size, values in [0,1])
// from the configured source: a mid-gray fill, uniform noise, or an image
// file resized to the patch size.
func Init(src string, size int, rng *rand.Rand) (*tensor.Tensor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("patch size must be positive, got %d", size)
	}
	switch src {
	case SourceGray:
		return tensor.Full(0.5, 3, size, size), nil
	case SourceRandom:
		return tensor.Rand(rng, 3, size, size), nil
	default:
		return LoadImage(src, size)
	}
}

// LoadImage reads an image file and converts it to a 3 x size x size patch
// tensor, resizing with Lanczos resampling.
func LoadImage(path string, size int) (*tensor.Tensor, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open patch image: %w", err)
	}
	resized := imaging.Resize(img, size, size, imaging.Lanczos)
	return tensor.FromImage(resized), nil
}

// SaveImage writes the patch tensor as an image file. The format is derived
// from the file extension.
func SaveImage(t *tensor.Tensor, path string) error {
	if err := imaging.Save(tensor.ToNRGBA(t), path); err != nil {
		return fmt.Errorf("failed to save patch image: %w", err)
	}
	return nil
}
