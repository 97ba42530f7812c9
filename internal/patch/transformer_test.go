package patch

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cwbudde/patchfit/internal/tensor"
)

// plainTransformer returns a transformer with all randomness disabled, so
// instances are pure geometric placements.
func plainTransformer(frac float64) *Transformer {
	tr := NewTransformer(frac)
	tr.Jitter = false
	tr.Rotate = false
	tr.RandLoc = false
	return tr
}

// labelTensor builds a (1, len(rows), 5) label batch.
func labelTensor(t *testing.T, rows ...[5]float64) *tensor.Tensor {
	t.Helper()
	labels := tensor.New(1, len(rows), 5)
	for i, r := range rows {
		copy(labels.Data[i*5:], r[:])
	}
	return labels
}

func TestTransformerCenteredPlacement(t *testing.T) {
	// A 4x4 patch on an 8x8 canvas: box of the full image with frac 0.5
	// gives side 4, centered at pixel 3.5, so the footprint is exactly
	// rows and columns 2..5 with unit bilinear weights.
	adv := tensor.Full(0.5, 3, 4, 4)
	labels := labelTensor(t, [5]float64{0, 0.4375, 0.4375, 1, 1})

	tr, err := plainTransformer(0.5).Forward(adv, labels, 8, 8, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	plane := 8 * 8
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			inside := x >= 2 && x <= 5 && y >= 2 && y <= 5
			for c := 0; c < 3; c++ {
				got := tr.Instances.Data[c*plane+y*8+x]
				want := 0.0
				if inside {
					want = 0.5
				}
				if math.Abs(got-want) > 1e-12 {
					t.Fatalf("instance (%d,%d,%d): got %f, want %f", c, y, x, got, want)
				}
			}
			mask := tr.Masks.Data[y*8+x]
			if inside && math.Abs(mask-1) > 1e-12 {
				t.Fatalf("mask (%d,%d): got %f, want 1", y, x, mask)
			}
			if !inside && mask != 0 {
				t.Fatalf("mask (%d,%d): got %f outside footprint", y, x, mask)
			}
		}
	}
}

func TestTransformerInvalidSlotsAreZero(t *testing.T) {
	adv := tensor.Full(0.9, 3, 4, 4)
	labels := labelTensor(t,
		[5]float64{-1, 0, 0, 0, 0},         // padding
		[5]float64{0, 0.5, 0.5, -0.2, 0.3}, // malformed box width
		[5]float64{0, 0.5, 0.5, 0.4, 0},    // malformed box height
	)

	tr, err := NewTransformer(0.3).Forward(adv, labels, 8, 8, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	for i, v := range tr.Instances.Data {
		if v != 0 {
			t.Fatalf("instance element %d nonzero for invalid slot: %f", i, v)
		}
		if math.IsNaN(v) {
			t.Fatalf("NaN leaked from malformed label at %d", i)
		}
	}
	for i, v := range tr.Masks.Data {
		if v != 0 {
			t.Fatalf("mask element %d nonzero for invalid slot: %f", i, v)
		}
	}
}

func TestTransformerRotation(t *testing.T) {
	// A 180 degree rotation must flip the patch around its center.
	adv := tensor.New(3, 2, 2)
	for c := 0; c < 3; c++ {
		adv.Data[c*4+0] = 0.1 // (0,0)
		adv.Data[c*4+1] = 0.2 // (0,1)
		adv.Data[c*4+2] = 0.3 // (1,0)
		adv.Data[c*4+3] = 0.4 // (1,1)
	}
	placements := []Placement{{
		Valid:    true,
		Side:     2,
		Angle:    math.Pi,
		CenterX:  3.5,
		CenterY:  3.5,
		Contrast: 1,
	}}

	tr, err := Apply(adv, placements, 1, 1, 8, 8)
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	expect := map[[2]int]float64{
		{3, 3}: 0.4, {3, 4}: 0.3,
		{4, 3}: 0.2, {4, 4}: 0.1,
	}
	for pos, want := range expect {
		got := tr.Instances.Data[pos[0]*8+pos[1]]
		if math.Abs(got-want) > 1e-9 {
			t.Errorf("rotated value at (%d,%d): got %f, want %f", pos[0], pos[1], got, want)
		}
	}
}

func TestTransformerDeterministicGivenSeed(t *testing.T) {
	adv := tensor.Full(0.5, 3, 4, 4)
	labels := labelTensor(t, [5]float64{0, 0.5, 0.5, 0.6, 0.6})
	transformer := NewTransformer(0.3) // jitter, rotation on

	a, err := transformer.Forward(adv, labels, 16, 16, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	b, err := transformer.Forward(adv, labels, 16, 16, rand.New(rand.NewSource(7)))
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	for i := range a.Instances.Data {
		if a.Instances.Data[i] != b.Instances.Data[i] {
			t.Fatalf("instances differ at %d for identical seeds", i)
		}
	}
}

func TestTransformedBackwardRoutesToPatch(t *testing.T) {
	// With the exact centered placement, every patch pixel is sampled once
	// with weight 1, so a gradient of ones on the canvas accumulates to
	// ones on the patch.
	adv := tensor.Full(0.5, 3, 4, 4)
	labels := labelTensor(t, [5]float64{0, 0.4375, 0.4375, 1, 1})

	tr, err := plainTransformer(0.5).Forward(adv, labels, 8, 8, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	grad := tensor.Full(1, 1, 1, 3, 8, 8)
	gradPatch := tr.Backward(grad)
	for i, v := range gradPatch.Data {
		if math.Abs(v-1) > 1e-12 {
			t.Errorf("patch gradient %d: got %f, want 1", i, v)
		}
	}
}

func TestTransformerScaleTracksBoxArea(t *testing.T) {
	adv := tensor.Full(0.5, 3, 8, 8)
	_ = adv
	transformer := plainTransformer(0.2)

	// Box of 0.5x0.5 in a 100x100 image: side = 0.2*sqrt(50*50) = 10.
	labels := labelTensor(t, [5]float64{0, 0.5, 0.5, 0.5, 0.5})
	placements := transformer.Sample(labels, 64, 100, 100, rand.New(rand.NewSource(1)))
	if !placements[0].Valid {
		t.Fatal("expected valid placement")
	}
	if math.Abs(placements[0].Side-10) > 1e-12 {
		t.Errorf("expected side 10, got %f", placements[0].Side)
	}
}
