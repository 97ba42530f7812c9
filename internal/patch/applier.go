package patch

import (
	"fmt"

	"github.com/cwbudde/patchfit/internal/tensor"
)

// Applier composites transformed patch instances onto input images. Each
// image's instances are alpha-blended in label order, so later instances are
// drawn on top, weighted by the configured opacity.
type Applier struct {
	// Alpha is the blend weight of each instance in (0,1]. A value of 1
	// replaces image pixels inside the instance footprint.
	Alpha float64
}

// NewApplier creates an applier with the given patch opacity.
func NewApplier(alpha float64) *Applier {
	return &Applier{Alpha: alpha}
}

// Applied holds a composited batch and the state for its backward pass.
type Applied struct {
	// Out has the same shape as the input images, values in [0,1]. Images
	// with no valid instances are bit-identical to their inputs.
	Out *tensor.Tensor

	alpha     float64
	transform *Transformed
}

// Forward blends every instance of tr onto images. images has shape
// (batch, 3, H, W) matching the spatial size of the instances.
func (a *Applier) Forward(images *tensor.Tensor, tr *Transformed) (*Applied, error) {
	batch := images.Shape[0]
	imgH, imgW := images.Shape[2], images.Shape[3]
	if err := tr.Instances.CheckShape(batch, tr.Instances.Shape[1], 3, imgH, imgW); err != nil {
		return nil, fmt.Errorf("instances do not match image batch: %w", err)
	}

	out := images.Clone()
	maxLabels := tr.Instances.Shape[1]
	plane := imgH * imgW

	for n := 0; n < batch; n++ {
		outBase := n * 3 * plane
		for l := 0; l < maxLabels; l++ {
			slot := n*maxLabels + l
			if !tr.placements[slot].Valid {
				continue
			}
			instBase := slot * 3 * plane
			maskBase := slot * plane
			for pix := 0; pix < plane; pix++ {
				m := a.Alpha * tr.Masks.Data[maskBase+pix]
				if m == 0 {
					continue
				}
				for c := 0; c < 3; c++ {
					o := outBase + c*plane + pix
					out.Data[o] = (1-m)*out.Data[o] + m*tr.Instances.Data[instBase+c*plane+pix]
				}
			}
		}
	}
	// Blending convex combinations of in-range values stays in range; the
	// clamp guards loaded images that arrive slightly outside [0,1].
	out.Clamp(0, 1)

	return &Applied{Out: out, alpha: a.Alpha, transform: tr}, nil
}

// Backward maps a gradient on the composited batch to a gradient on the
// instances tensor. Gradients with respect to the input images are not
// produced: the images are never trained.
func (ap *Applied) Backward(grad *tensor.Tensor) *tensor.Tensor {
	tr := ap.transform
	batch := grad.Shape[0]
	imgH, imgW := grad.Shape[2], grad.Shape[3]
	maxLabels := tr.Instances.Shape[1]
	plane := imgH * imgW

	gradInst := tensor.New(batch, maxLabels, 3, imgH, imgW)

	for n := 0; n < batch; n++ {
		// Running upstream gradient, attenuated by each later instance's
		// (1 - alpha*mask) as we sweep from the topmost instance down.
		running := make([]float64, 3*plane)
		copy(running, grad.Data[n*3*plane:(n+1)*3*plane])

		for l := maxLabels - 1; l >= 0; l-- {
			slot := n*maxLabels + l
			if !tr.placements[slot].Valid {
				continue
			}
			instBase := slot * 3 * plane
			maskBase := slot * plane
			for pix := 0; pix < plane; pix++ {
				m := ap.alpha * tr.Masks.Data[maskBase+pix]
				if m == 0 {
					continue
				}
				for c := 0; c < 3; c++ {
					g := running[c*plane+pix]
					gradInst.Data[instBase+c*plane+pix] = g * m
					running[c*plane+pix] = g * (1 - m)
				}
			}
		}
	}
	return gradInst
}
