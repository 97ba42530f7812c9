package patch

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/cwbudde/patchfit/internal/tensor"
)

// Transformer maps a single patch plus a batch of per-image object labels
// into per-object, geometrically transformed patch instances aligned to
// image coordinates. Each valid label slot yields one instance scaled to the
// labeled box, optionally photometrically jittered and rotated; invalid
// (padded or malformed) slots yield exact zeros.
type Transformer struct {
	// TargetFrac scales the patch to this fraction of the square root of
	// the labeled box area, so patch size tracks object size.
	TargetFrac float64

	// Jitter enables per-instance contrast, brightness and pixel noise.
	Jitter bool

	// Rotate enables per-instance rotation within [-MaxAngle, MaxAngle].
	Rotate bool

	// RandLoc places each instance at a random offset within the labeled
	// box instead of the box center.
	RandLoc bool

	MinContrast float64
	MaxContrast float64
	Brightness  float64 // additive, sampled from [-Brightness, Brightness]
	NoiseFactor float64 // per-pixel additive noise amplitude
	MaxAngle    float64 // radians
}

// NewTransformer creates a transformer with the augmentation ranges used by
// the training pipeline.
func NewTransformer(targetFrac float64) *Transformer {
	return &Transformer{
		TargetFrac:  targetFrac,
		Jitter:      true,
		Rotate:      true,
		MinContrast: 0.8,
		MaxContrast: 1.2,
		Brightness:  0.1,
		NoiseFactor: 0.1,
		MaxAngle:    20 * math.Pi / 180,
	}
}

// Placement holds the sampled per-instance transform parameters for one
// label slot. Sampling and application are separate stages so tests can fix
// the parameters and assert exact transform output.
type Placement struct {
	Valid bool

	Side             float64 // target side length in pixels
	Angle            float64 // rotation in radians
	CenterX, CenterY float64 // placement center in pixel coordinates

	Contrast   float64
	Brightness float64
	Noise      []float64 // per-pixel additive noise, nil when jitter is off
}

// Sample draws per-instance transform parameters for every label slot.
// labels has shape (batch, maxLabels, 5) with rows (class, cx, cy, w, h) in
// normalized coordinates. Slots with a negative class or a non-positive box
// are marked invalid and consume no randomness.
func (t *Transformer) Sample(labels *tensor.Tensor, patchLen int, imgH, imgW int, rng *rand.Rand) []Placement {
	batch, maxLabels := labels.Shape[0], labels.Shape[1]
	placements := make([]Placement, batch*maxLabels)

	for i := range placements {
		row := labels.Data[i*5 : i*5+5]
		class, cx, cy, w, h := row[0], row[1], row[2], row[3], row[4]

		if class < 0 || w <= 0 || h <= 0 || math.IsNaN(w) || math.IsNaN(h) {
			continue
		}

		side := t.TargetFrac * math.Sqrt(w*float64(imgW)*h*float64(imgH))
		if side < 1 {
			continue
		}

		p := Placement{
			Valid:    true,
			Side:     side,
			CenterX:  cx * float64(imgW),
			CenterY:  cy * float64(imgH),
			Contrast: 1,
		}
		if t.Jitter {
			p.Contrast = t.MinContrast + rng.Float64()*(t.MaxContrast-t.MinContrast)
			p.Brightness = (rng.Float64()*2 - 1) * t.Brightness
			p.Noise = make([]float64, 3*patchLen)
			for j := range p.Noise {
				p.Noise[j] = (rng.Float64()*2 - 1) * t.NoiseFactor
			}
		}
		if t.Rotate {
			p.Angle = (rng.Float64()*2 - 1) * t.MaxAngle
		}
		if t.RandLoc {
			p.CenterX += (rng.Float64() - 0.5) * w * float64(imgW)
			p.CenterY += (rng.Float64() - 0.5) * h * float64(imgH)
		}
		placements[i] = p
	}
	return placements
}

// Transformed holds the transformed patch instances for one batch along
// with the state needed to backpropagate canvas gradients into the patch.
type Transformed struct {
	// Instances has shape (batch, maxLabels, 3, H, W); pixels outside each
	// instance footprint are exactly zero.
	Instances *tensor.Tensor

	// Masks has shape (batch, maxLabels, H, W) with the per-instance
	// footprint coverage in [0,1] used by the applier for compositing.
	Masks *tensor.Tensor

	placements []Placement
	gains      [][]float64 // d(jittered)/d(patch) per slot, nil for invalid
	ph, pw     int
}

// Forward samples per-instance parameters and applies them in one call.
func (t *Transformer) Forward(patch, labels *tensor.Tensor, imgH, imgW int, rng *rand.Rand) (*Transformed, error) {
	if len(labels.Shape) != 3 || labels.Shape[2] != 5 {
		return nil, fmt.Errorf("labels must have shape (batch, maxLabels, 5), got %v", labels.Shape)
	}
	if len(patch.Shape) != 3 || patch.Shape[0] != 3 {
		return nil, fmt.Errorf("patch must have shape (3, H, W), got %v", patch.Shape)
	}
	placements := t.Sample(labels, patch.Shape[1]*patch.Shape[2], imgH, imgW, rng)
	return Apply(patch, placements, labels.Shape[0], labels.Shape[1], imgH, imgW)
}

// Apply renders each placement of the patch onto its own zero canvas of the
// target image size using a single inverse-affine bilinear sampling kernel
// (rotation, scaling and translation in one pass).
func Apply(patch *tensor.Tensor, placements []Placement, batch, maxLabels, imgH, imgW int) (*Transformed, error) {
	if len(placements) != batch*maxLabels {
		return nil, fmt.Errorf("got %d placements for %d label slots", len(placements), batch*maxLabels)
	}
	ph, pw := patch.Shape[1], patch.Shape[2]

	tr := &Transformed{
		Instances:  tensor.New(batch, maxLabels, 3, imgH, imgW),
		Masks:      tensor.New(batch, maxLabels, imgH, imgW),
		placements: placements,
		gains:      make([][]float64, len(placements)),
		ph:         ph,
		pw:         pw,
	}

	plane := imgH * imgW
	for i, p := range placements {
		if !p.Valid {
			continue
		}
		jittered, gain := jitterPatch(patch, p)
		tr.gains[i] = gain

		instBase := i * 3 * plane
		maskBase := i * plane
		forEachSample(p, ph, pw, imgH, imgW, func(pix, idx int, w float64) {
			for c := 0; c < 3; c++ {
				tr.Instances.Data[instBase+c*plane+pix] += w * jittered[c*ph*pw+idx]
			}
			tr.Masks.Data[maskBase+pix] += w
		})
	}
	return tr, nil
}

// Backward maps a gradient on the instances tensor back to a gradient on
// the patch, accumulated over every valid instance.
func (tr *Transformed) Backward(grad *tensor.Tensor) *tensor.Tensor {
	gradPatch := tensor.New(3, tr.ph, tr.pw)

	imgH := tr.Instances.Shape[3]
	imgW := tr.Instances.Shape[4]
	plane := imgH * imgW
	pp := tr.ph * tr.pw

	for i, p := range tr.placements {
		if !p.Valid {
			continue
		}
		gain := tr.gains[i]
		instBase := i * 3 * plane
		forEachSample(p, tr.ph, tr.pw, imgH, imgW, func(pix, idx int, w float64) {
			for c := 0; c < 3; c++ {
				gradPatch.Data[c*pp+idx] += w * grad.Data[instBase+c*plane+pix] * gain[c*pp+idx]
			}
		})
	}
	return gradPatch
}

// jitterPatch applies per-instance contrast, brightness and noise and clamps
// to [0,1]. It returns the jittered pixels and the local derivative with
// respect to the original patch (zero where the clamp saturates).
func jitterPatch(patch *tensor.Tensor, p Placement) (jittered, gain []float64) {
	jittered = make([]float64, len(patch.Data))
	gain = make([]float64, len(patch.Data))
	for j, v := range patch.Data {
		jv := p.Contrast*v + p.Brightness
		if p.Noise != nil {
			jv += p.Noise[j]
		}
		switch {
		case jv <= 0:
			jittered[j] = 0
		case jv >= 1:
			jittered[j] = 1
		default:
			jittered[j] = jv
			gain[j] = p.Contrast
		}
	}
	return jittered, gain
}

// forEachSample visits every bilinear sampling tap of one placement. For
// each covered canvas pixel it invokes fn once per in-bounds patch neighbor
// with the canvas pixel offset (within one H*W plane), the patch pixel
// offset (within one ph*pw plane) and the bilinear weight.
func forEachSample(p Placement, ph, pw, imgH, imgW int, fn func(pix, idx int, w float64)) {
	cosA := math.Cos(p.Angle)
	sinA := math.Sin(p.Angle)

	// Canvas bounding box of the rotated, scaled patch.
	ext := p.Side/2*(math.Abs(cosA)+math.Abs(sinA)) + 1
	xLo := clampInt(int(math.Floor(p.CenterX-ext)), 0, imgW-1)
	xHi := clampInt(int(math.Ceil(p.CenterX+ext)), 0, imgW-1)
	yLo := clampInt(int(math.Floor(p.CenterY-ext)), 0, imgH-1)
	yHi := clampInt(int(math.Ceil(p.CenterY+ext)), 0, imgH-1)

	sx := float64(pw) / p.Side
	sy := float64(ph) / p.Side

	for y := yLo; y <= yHi; y++ {
		dy := float64(y) - p.CenterY
		for x := xLo; x <= xHi; x++ {
			dx := float64(x) - p.CenterX

			// Inverse rotation into patch space.
			u := cosA*dx + sinA*dy
			v := -sinA*dx + cosA*dy
			px := u*sx + float64(pw-1)/2
			py := v*sy + float64(ph-1)/2

			x0 := int(math.Floor(px))
			y0 := int(math.Floor(py))
			fx := px - float64(x0)
			fy := py - float64(y0)

			pix := y*imgW + x
			for _, tap := range [4]struct {
				x, y int
				w    float64
			}{
				{x0, y0, (1 - fx) * (1 - fy)},
				{x0 + 1, y0, fx * (1 - fy)},
				{x0, y0 + 1, (1 - fx) * fy},
				{x0 + 1, y0 + 1, fx * fy},
			} {
				if tap.x < 0 || tap.x >= pw || tap.y < 0 || tap.y >= ph || tap.w == 0 {
					continue
				}
				fn(pix, tap.y*pw+tap.x, tap.w)
			}
		}
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
