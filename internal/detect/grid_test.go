package detect

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cwbudde/patchfit/internal/tensor"
)

func TestGridDetectorOutputShape(t *testing.T) {
	det := NewGridDetector(16, 16, 4, 3, 1)
	images := tensor.Full(0.5, 2, 3, 16, 16)

	out, err := det.Forward(images)
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if err := out.Obj.CheckShape(2, 16); err != nil {
		t.Errorf("objectness shape: %v", err)
	}
	if err := out.Cls.CheckShape(2, 16, 3); err != nil {
		t.Errorf("class score shape: %v", err)
	}
	for i, v := range out.Obj.Data {
		if v <= 0 || v >= 1 {
			t.Fatalf("objectness %d outside (0,1): %f", i, v)
		}
	}
}

func TestGridDetectorRejectsWrongInput(t *testing.T) {
	det := NewGridDetector(16, 16, 4, 3, 1)
	if _, err := det.Forward(tensor.New(1, 3, 8, 8)); err == nil {
		t.Error("expected error for mismatched input size")
	}
}

func TestGridDetectorBackwardBeforeForward(t *testing.T) {
	det := NewGridDetector(8, 8, 2, 2, 1)
	if _, err := det.Backward(tensor.New(1, 4), nil); err == nil {
		t.Error("expected error for Backward before Forward")
	}
}

// TestGridDetectorGradient checks the analytic input gradient of the summed
// objectness against a central finite difference.
func TestGridDetectorGradient(t *testing.T) {
	det := NewGridDetector(8, 8, 2, 2, 3)
	rng := rand.New(rand.NewSource(9))
	images := tensor.Rand(rng, 1, 3, 8, 8)

	if _, err := det.Forward(images); err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	// d(sum obj)/d(input): upstream gradient of ones on objectness.
	gradObj := tensor.Full(1, 1, 4)
	grad, err := det.Backward(gradObj, nil)
	if err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	sumObj := func(imgs *tensor.Tensor) float64 {
		o, err := det.Forward(imgs)
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		return o.Obj.Sum()
	}

	const eps = 1e-6
	for _, idx := range []int{0, 17, 63, 100, 191} {
		perturbed := images.Clone()
		perturbed.Data[idx] += eps
		plus := sumObj(perturbed)
		perturbed.Data[idx] -= 2 * eps
		minus := sumObj(perturbed)

		numeric := (plus - minus) / (2 * eps)
		if math.Abs(numeric-grad.Data[idx]) > 1e-5 {
			t.Errorf("gradient mismatch at %d: analytic %g, numeric %g", idx, grad.Data[idx], numeric)
		}
	}
}

func TestGridDetectorIsFrozen(t *testing.T) {
	// Two detectors with the same seed must score identically: weights are
	// a pure function of the seed and never change.
	a := NewGridDetector(8, 8, 2, 2, 5)
	b := NewGridDetector(8, 8, 2, 2, 5)
	images := tensor.Full(0.3, 1, 3, 8, 8)

	outA, _ := a.Forward(images)
	outA2, _ := a.Forward(images)
	outB, _ := b.Forward(images)

	for i := range outA.Obj.Data {
		if outA.Obj.Data[i] != outB.Obj.Data[i] || outA.Obj.Data[i] != outA2.Obj.Data[i] {
			t.Fatalf("objectness %d differs across identical detectors/calls", i)
		}
	}
}
