package loss

import "github.com/cwbudde/patchfit/internal/tensor"

// TotalVariationLoss measures patch smoothness as the mean squared
// difference between each pixel and its right and bottom neighbors,
// normalized by patch area. Zero iff the patch is constant-colored; it
// suppresses high-frequency patterns that do not survive printing.
type TotalVariationLoss struct{}

// NewTotalVariationLoss creates the smoothness loss.
func NewTotalVariationLoss() *TotalVariationLoss {
	return &TotalVariationLoss{}
}

// Forward computes the loss and its gradient with respect to the patch.
func (l *TotalVariationLoss) Forward(patch *tensor.Tensor) (float64, *tensor.Tensor) {
	ph, pw := patch.Shape[1], patch.Shape[2]
	plane := ph * pw
	norm := 1 / float64(plane)
	grad := tensor.New(patch.Shape...)

	sum := 0.0
	for c := 0; c < 3; c++ {
		base := c * plane
		for y := 0; y < ph; y++ {
			for x := 0; x < pw; x++ {
				i := base + y*pw + x
				if x+1 < pw {
					d := patch.Data[i+1] - patch.Data[i]
					sum += d * d
					grad.Data[i] -= 2 * d * norm
					grad.Data[i+1] += 2 * d * norm
				}
				if y+1 < ph {
					d := patch.Data[i+pw] - patch.Data[i]
					sum += d * d
					grad.Data[i] -= 2 * d * norm
					grad.Data[i+pw] += 2 * d * norm
				}
			}
		}
	}
	return sum * norm, grad
}
