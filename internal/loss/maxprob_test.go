package loss

import (
	"math"
	"testing"

	"github.com/cwbudde/patchfit/internal/detect"
	"github.com/cwbudde/patchfit/internal/tensor"
)

// detOutput builds a detector output for one image with the given per
// candidate objectness scores and class-0 scores (all other classes zero).
func detOutput(obj, cls0 []float64) *detect.Output {
	cands := len(obj)
	out := &detect.Output{
		Obj: tensor.New(1, cands),
		Cls: tensor.New(1, cands, 2),
	}
	copy(out.Obj.Data, obj)
	for c := 0; c < cands; c++ {
		out.Cls.Data[c*2] = cls0[c]
	}
	return out
}

func TestParseTarget(t *testing.T) {
	cases := map[string]Target{
		"obj":     TargetObjectness,
		"cls":     TargetClass,
		"obj*cls": TargetObjectnessClass,
	}
	for s, want := range cases {
		got, err := ParseTarget(s)
		if err != nil {
			t.Fatalf("ParseTarget(%q) failed: %v", s, err)
		}
		if got != want {
			t.Errorf("ParseTarget(%q) = %v, want %v", s, got, want)
		}
		if got.String() != s {
			t.Errorf("%v.String() = %q, want %q", got, got.String(), s)
		}
	}
	if _, err := ParseTarget("iou"); err == nil {
		t.Error("expected error for unknown target")
	}
}

func TestMaxProbCombineRules(t *testing.T) {
	// Candidate 0: obj 0.9, cls 0.8. Candidate 1: obj 0.95, cls 0.1.
	out := detOutput([]float64{0.9, 0.95}, []float64{0.8, 0.1})

	cases := []struct {
		target Target
		want   float64
	}{
		{TargetObjectness, 0.95},
		{TargetClass, 0.8},
		{TargetObjectnessClass, 0.72},
	}
	for _, tc := range cases {
		e, err := NewMaxProbExtractor(0, tc.target)
		if err != nil {
			t.Fatalf("extractor for %v failed: %v", tc.target, err)
		}
		res, err := e.Forward(out)
		if err != nil {
			t.Fatalf("forward for %v failed: %v", tc.target, err)
		}
		if math.Abs(res.Loss-tc.want) > 1e-12 {
			t.Errorf("target %v: loss %f, want %f", tc.target, res.Loss, tc.want)
		}
	}
}

func TestMaxProbBatchMean(t *testing.T) {
	out := &detect.Output{
		Obj: tensor.New(2, 1),
		Cls: tensor.New(2, 1, 1),
	}
	out.Obj.Data[0], out.Obj.Data[1] = 0.6, 0.2
	out.Cls.Data[0], out.Cls.Data[1] = 1, 1

	e, err := NewMaxProbExtractor(0, TargetObjectness)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Forward(out)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Loss-0.4) > 1e-12 {
		t.Errorf("batch mean %f, want 0.4", res.Loss)
	}
}

func TestMaxProbClassOutOfRange(t *testing.T) {
	out := detOutput([]float64{0.5}, []float64{0.5})
	e, err := NewMaxProbExtractor(7, TargetObjectness)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Forward(out); err == nil {
		t.Error("expected error for class id beyond detector classes")
	}
}

func TestMaxProbBackwardRoutesToArgmax(t *testing.T) {
	out := detOutput([]float64{0.9, 0.95}, []float64{0.8, 0.1})
	e, err := NewMaxProbExtractor(0, TargetObjectnessClass)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Forward(out)
	if err != nil {
		t.Fatal(err)
	}

	gradObj, gradCls := res.Backward()

	// Product rule at the winning candidate 0: d/dobj = cls, d/dcls = obj.
	if math.Abs(gradObj.Data[0]-0.8) > 1e-12 {
		t.Errorf("gradObj[0] = %f, want 0.8", gradObj.Data[0])
	}
	if math.Abs(gradCls.Data[0]-0.9) > 1e-12 {
		t.Errorf("gradCls[0] = %f, want 0.9", gradCls.Data[0])
	}
	// The losing candidate gets nothing.
	if gradObj.Data[1] != 0 {
		t.Errorf("gradObj[1] = %f, want 0", gradObj.Data[1])
	}
	if gradCls.Data[2] != 0 {
		t.Errorf("gradCls for losing candidate = %f, want 0", gradCls.Data[2])
	}
}

func TestMaxProbBackwardObjectnessOnly(t *testing.T) {
	out := detOutput([]float64{0.3, 0.7}, []float64{0.9, 0.9})
	e, err := NewMaxProbExtractor(0, TargetObjectness)
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.Forward(out)
	if err != nil {
		t.Fatal(err)
	}
	gradObj, gradCls := res.Backward()
	if gradObj.Data[1] != 1 {
		t.Errorf("gradObj at argmax = %f, want 1", gradObj.Data[1])
	}
	for i, g := range gradCls.Data {
		if g != 0 {
			t.Errorf("gradCls[%d] = %f, want 0 for obj rule", i, g)
		}
	}
}
