package detect

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/patchfit/internal/tensor"
)

// GridDetector is a tiny differentiable detector used when no real model is
// attached: it splits the input into a grid of cells and scores each cell
// from its mean channel values through a fixed random linear head and a
// sigmoid. One candidate is emitted per cell.
//
// The weights are drawn once from a seeded RNG and never change, matching
// the frozen-model contract. The scores are meaningless as detections; what
// matters is that gradients flow from them back to the input pixels, which
// lets the whole optimization pipeline run end to end.
type GridDetector struct {
	height  int
	width   int
	grid    int
	classes int

	objW [3]float64
	objB float64
	clsW [][3]float64
	clsB []float64

	// cached state from the last Forward call
	lastBatch int
	lastObj   *tensor.Tensor
	lastCls   *tensor.Tensor
}

// NewGridDetector creates a frozen grid detector for h x w inputs with
// grid*grid candidates and the given class count.
func NewGridDetector(h, w, grid, classes int, seed int64) *GridDetector {
	rng := rand.New(rand.NewSource(seed))

	d := &GridDetector{
		height:  h,
		width:   w,
		grid:    grid,
		classes: classes,
		clsW:    make([][3]float64, classes),
		clsB:    make([]float64, classes),
	}
	for ch := 0; ch < 3; ch++ {
		d.objW[ch] = rng.NormFloat64()
	}
	d.objB = rng.NormFloat64()
	for k := 0; k < classes; k++ {
		for ch := 0; ch < 3; ch++ {
			d.clsW[k][ch] = rng.NormFloat64()
		}
		d.clsB[k] = rng.NormFloat64()
	}
	return d
}

// InputSize returns the expected input height and width.
func (d *GridDetector) InputSize() (int, int) {
	return d.height, d.width
}

// Classes returns the number of classes the detector scores.
func (d *GridDetector) Classes() int {
	return d.classes
}

// Forward scores a normalized image batch of shape (batch, 3, H, W).
func (d *GridDetector) Forward(images *tensor.Tensor) (*Output, error) {
	if err := images.CheckShape(images.Shape[0], 3, d.height, d.width); err != nil {
		return nil, fmt.Errorf("grid detector input: %w", err)
	}

	batch := images.Shape[0]
	cells := d.grid * d.grid
	obj := tensor.New(batch, cells)
	cls := tensor.New(batch, cells, d.classes)

	for n := 0; n < batch; n++ {
		for c := 0; c < cells; c++ {
			mu := d.cellMeans(images, n, c)

			z := d.objB
			for ch := 0; ch < 3; ch++ {
				z += d.objW[ch] * mu[ch]
			}
			obj.Data[n*cells+c] = sigmoid(z)

			for k := 0; k < d.classes; k++ {
				z := d.clsB[k]
				for ch := 0; ch < 3; ch++ {
					z += d.clsW[k][ch] * mu[ch]
				}
				cls.Data[(n*cells+c)*d.classes+k] = sigmoid(z)
			}
		}
	}

	d.lastBatch = batch
	d.lastObj = obj
	d.lastCls = cls
	return &Output{Obj: obj, Cls: cls}, nil
}

// Backward maps score gradients from the last Forward call back to
// input-pixel gradients.
func (d *GridDetector) Backward(gradObj, gradCls *tensor.Tensor) (*tensor.Tensor, error) {
	if d.lastObj == nil {
		return nil, fmt.Errorf("grid detector: Backward called before Forward")
	}

	batch := d.lastBatch
	cells := d.grid * d.grid
	grad := tensor.New(batch, 3, d.height, d.width)

	for n := 0; n < batch; n++ {
		for c := 0; c < cells; c++ {
			// Gradient with respect to the cell channel means.
			var gMu [3]float64
			if gradObj != nil {
				o := d.lastObj.Data[n*cells+c]
				g := gradObj.Data[n*cells+c] * o * (1 - o)
				for ch := 0; ch < 3; ch++ {
					gMu[ch] += g * d.objW[ch]
				}
			}
			if gradCls != nil {
				for k := 0; k < d.classes; k++ {
					s := d.lastCls.Data[(n*cells+c)*d.classes+k]
					g := gradCls.Data[(n*cells+c)*d.classes+k] * s * (1 - s)
					for ch := 0; ch < 3; ch++ {
						gMu[ch] += g * d.clsW[k][ch]
					}
				}
			}
			d.scatterCell(grad, n, c, gMu)
		}
	}
	return grad, nil
}

// cellBounds returns the pixel rectangle of grid cell c.
func (d *GridDetector) cellBounds(c int) (x0, y0, x1, y1 int) {
	gy, gx := c/d.grid, c%d.grid
	x0 = gx * d.width / d.grid
	x1 = (gx + 1) * d.width / d.grid
	y0 = gy * d.height / d.grid
	y1 = (gy + 1) * d.height / d.grid
	return
}

func (d *GridDetector) cellMeans(images *tensor.Tensor, n, c int) [3]float64 {
	x0, y0, x1, y1 := d.cellBounds(c)
	area := float64((x1 - x0) * (y1 - y0))
	plane := d.height * d.width

	var mu [3]float64
	base := n * 3 * plane
	for ch := 0; ch < 3; ch++ {
		sum := 0.0
		for y := y0; y < y1; y++ {
			row := base + ch*plane + y*d.width
			for x := x0; x < x1; x++ {
				sum += images.Data[row+x]
			}
		}
		mu[ch] = sum / area
	}
	return mu
}

func (d *GridDetector) scatterCell(grad *tensor.Tensor, n, c int, gMu [3]float64) {
	x0, y0, x1, y1 := d.cellBounds(c)
	area := float64((x1 - x0) * (y1 - y0))
	plane := d.height * d.width

	base := n * 3 * plane
	for ch := 0; ch < 3; ch++ {
		g := gMu[ch] / area
		if g == 0 {
			continue
		}
		for y := y0; y < y1; y++ {
			row := base + ch*plane + y*d.width
			for x := x0; x < x1; x++ {
				grad.Data[row+x] += g
			}
		}
	}
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}
