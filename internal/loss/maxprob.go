// Package loss implements the scalar loss terms that shape the patch: the
// detector-confidence objective, the non-printability score, the total
// variation smoothness term, and an optional saliency term.
package loss

import (
	"fmt"

	"github.com/cwbudde/patchfit/internal/detect"
	"github.com/cwbudde/patchfit/internal/tensor"
)

// Target selects how a candidate's objectness and class score combine into
// the confidence the attack drives down.
type Target int

const (
	// TargetObjectness uses the objectness score alone.
	TargetObjectness Target = iota
	// TargetClass uses the target-class score alone.
	TargetClass
	// TargetObjectnessClass uses the product of the two.
	TargetObjectnessClass
)

// ParseTarget maps the configuration string to a Target. An unrecognized
// value is a configuration error and must abort before training starts.
func ParseTarget(s string) (Target, error) {
	switch s {
	case "obj":
		return TargetObjectness, nil
	case "cls":
		return TargetClass, nil
	case "obj*cls":
		return TargetObjectnessClass, nil
	default:
		return 0, fmt.Errorf("unknown loss target %q (want obj, cls or obj*cls)", s)
	}
}

func (t Target) String() string {
	switch t {
	case TargetObjectness:
		return "obj"
	case TargetClass:
		return "cls"
	case TargetObjectnessClass:
		return "obj*cls"
	default:
		return fmt.Sprintf("Target(%d)", int(t))
	}
}

// MaxProbExtractor reduces a detector output to the mean over the batch of
// each image's maximum combined confidence for the target class. The
// combination rule is resolved once at construction into a function value.
type MaxProbExtractor struct {
	classID int
	target  Target
	combine func(obj, cls float64) float64
}

// NewMaxProbExtractor creates an extractor for the given class and rule.
func NewMaxProbExtractor(classID int, target Target) (*MaxProbExtractor, error) {
	e := &MaxProbExtractor{classID: classID, target: target}
	switch target {
	case TargetObjectness:
		e.combine = func(obj, _ float64) float64 { return obj }
	case TargetClass:
		e.combine = func(_, cls float64) float64 { return cls }
	case TargetObjectnessClass:
		e.combine = func(obj, cls float64) float64 { return obj * cls }
	default:
		return nil, fmt.Errorf("unknown loss target %v", target)
	}
	return e, nil
}

// MaxProbResult holds the reduced confidence and the per-image argmax state
// needed to backpropagate into the detector output.
type MaxProbResult struct {
	// Loss is the batch mean of the per-image maximum confidence.
	Loss float64

	extractor *MaxProbExtractor
	out       *detect.Output
	argmax    []int // winning candidate per image, -1 if no candidates
}

// Forward reduces a detector output. The per-image maximum approximates the
// best detection the model can still produce against the composited image.
func (e *MaxProbExtractor) Forward(out *detect.Output) (*MaxProbResult, error) {
	batch := out.Obj.Shape[0]
	cands := out.Candidates()
	classes := out.Cls.Shape[2]
	if e.classID < 0 || e.classID >= classes {
		return nil, fmt.Errorf("target class %d out of range for %d classes", e.classID, classes)
	}

	res := &MaxProbResult{extractor: e, out: out, argmax: make([]int, batch)}
	sum := 0.0
	for n := 0; n < batch; n++ {
		best := 0.0
		bestIdx := -1
		for c := 0; c < cands; c++ {
			obj := out.Obj.Data[n*cands+c]
			cls := out.Cls.Data[(n*cands+c)*classes+e.classID]
			v := e.combine(obj, cls)
			if bestIdx < 0 || v > best {
				best = v
				bestIdx = c
			}
		}
		res.argmax[n] = bestIdx
		if bestIdx >= 0 {
			sum += best
		}
	}
	if batch > 0 {
		res.Loss = sum / float64(batch)
	}
	return res, nil
}

// Backward returns the gradients of Loss with respect to the detector's
// objectness and class scores. Gradient flows only to each image's winning
// candidate.
func (r *MaxProbResult) Backward() (gradObj, gradCls *tensor.Tensor) {
	batch := r.out.Obj.Shape[0]
	cands := r.out.Candidates()
	classes := r.out.Cls.Shape[2]

	gradObj = tensor.New(batch, cands)
	gradCls = tensor.New(batch, cands, classes)

	g := 1 / float64(batch)
	for n := 0; n < batch; n++ {
		c := r.argmax[n]
		if c < 0 {
			continue
		}
		obj := r.out.Obj.Data[n*cands+c]
		cls := r.out.Cls.Data[(n*cands+c)*classes+r.extractor.classID]

		switch r.extractor.target {
		case TargetObjectness:
			gradObj.Data[n*cands+c] = g
		case TargetClass:
			gradCls.Data[(n*cands+c)*classes+r.extractor.classID] = g
		case TargetObjectnessClass:
			gradObj.Data[n*cands+c] = g * cls
			gradCls.Data[(n*cands+c)*classes+r.extractor.classID] = g * obj
		}
	}
	return gradObj, gradCls
}
