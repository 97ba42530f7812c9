// Package detect defines the output contract of the frozen object detector
// the patch is optimized against, plus a small differentiable stand-in
// detector used for wiring tests and smoke runs.
package detect

import "github.com/cwbudde/patchfit/internal/tensor"

// Output holds the detector's candidate scores for one image batch.
// Obj has shape (batch, candidates) with objectness in [0,1]. Cls has shape
// (batch, candidates, classes) with per-class scores in [0,1].
type Output struct {
	Obj *tensor.Tensor
	Cls *tensor.Tensor
}

// Candidates returns the number of detection candidates per image.
func (o *Output) Candidates() int {
	return o.Obj.Shape[1]
}

// Detector scores image batches with a frozen detection model.
//
// Implementations must be differentiable with respect to the input pixels:
// Backward takes the gradients of some scalar loss with respect to the
// detection scores of the most recent Forward call and returns the gradient
// with respect to that call's input batch. The detector's own parameters are
// never updated.
type Detector interface {
	// Forward scores a normalized image batch of shape (batch, 3, H, W).
	Forward(images *tensor.Tensor) (*Output, error)

	// Backward maps score gradients from the last Forward call back to
	// input-pixel gradients. gradObj and gradCls must match the shapes of
	// the corresponding Output fields; either may be nil for a zero
	// gradient.
	Backward(gradObj, gradCls *tensor.Tensor) (*tensor.Tensor, error)

	// InputSize returns the expected input height and width.
	InputSize() (h, w int)

	// Classes returns the number of classes the detector scores.
	Classes() int
}
