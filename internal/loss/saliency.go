package loss

import "github.com/cwbudde/patchfit/internal/tensor"

// blur window radius; the kernel is a (2r+1)^2 box normalized by coverage.
const saliencyRadius = 2

// SaliencyLoss penalizes high-frequency deviation of the patch from its
// box-blurred version, keeping the patch visually flat. Disabled by default
// (weight 0 in the trainer); kept for experiments with low-salience patches.
type SaliencyLoss struct{}

// NewSaliencyLoss creates the saliency loss.
func NewSaliencyLoss() *SaliencyLoss {
	return &SaliencyLoss{}
}

// Forward computes the loss and its gradient with respect to the patch.
// With residual r = p - blur(p), the loss is mean(r^2) and the gradient is
// 2/N * (r - blurT(r)), blurT being the transpose of the blur operator.
func (l *SaliencyLoss) Forward(patch *tensor.Tensor) (float64, *tensor.Tensor) {
	ph, pw := patch.Shape[1], patch.Shape[2]
	plane := ph * pw

	residual := tensor.New(patch.Shape...)
	sum := 0.0
	for c := 0; c < 3; c++ {
		base := c * plane
		boxBlur(patch.Data[base:base+plane], residual.Data[base:base+plane], ph, pw)
		for i := base; i < base+plane; i++ {
			r := patch.Data[i] - residual.Data[i]
			residual.Data[i] = r
			sum += r * r
		}
	}

	grad := tensor.New(patch.Shape...)
	norm := 2 / float64(len(patch.Data))
	for c := 0; c < 3; c++ {
		base := c * plane
		boxBlurTranspose(residual.Data[base:base+plane], grad.Data[base:base+plane], ph, pw)
		for i := base; i < base+plane; i++ {
			grad.Data[i] = norm * (residual.Data[i] - grad.Data[i])
		}
	}
	return sum / float64(len(patch.Data)), grad
}

// boxBlur writes the coverage-normalized box blur of src into dst.
func boxBlur(src, dst []float64, h, w int) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			sum := 0.0
			count := 0
			for dy := -saliencyRadius; dy <= saliencyRadius; dy++ {
				for dx := -saliencyRadius; dx <= saliencyRadius; dx++ {
					ny, nx := y+dy, x+dx
					if ny < 0 || ny >= h || nx < 0 || nx >= w {
						continue
					}
					sum += src[ny*w+nx]
					count++
				}
			}
			dst[y*w+x] = sum / float64(count)
		}
	}
}

// boxBlurTranspose writes the transpose of the blur operator applied to src
// into dst: each source pixel scatters src/count into its own window.
func boxBlurTranspose(src, dst []float64, h, w int) {
	for i := range dst {
		dst[i] = 0
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			count := 0
			for dy := -saliencyRadius; dy <= saliencyRadius; dy++ {
				for dx := -saliencyRadius; dx <= saliencyRadius; dx++ {
					ny, nx := y+dy, x+dx
					if ny >= 0 && ny < h && nx >= 0 && nx < w {
						count++
					}
				}
			}
			v := src[y*w+x] / float64(count)
			for dy := -saliencyRadius; dy <= saliencyRadius; dy++ {
				for dx := -saliencyRadius; dx <= saliencyRadius; dx++ {
					ny, nx := y+dy, x+dx
					if ny >= 0 && ny < h && nx >= 0 && nx < w {
						dst[ny*w+nx] += v
					}
				}
			}
		}
	}
}
