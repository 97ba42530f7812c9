package opt

import "math"

// Adam implements the Adam update rule with the AMSGrad variant.
// Moment buffers are allocated lazily on the first Step call and sized
// to the parameter vector.
type Adam struct {
	lr      float64
	beta1   float64
	beta2   float64
	eps     float64
	amsgrad bool

	step int
	m    []float64 // first moment estimate
	v    []float64 // second moment estimate
	vMax []float64 // running max of v (AMSGrad)
}

// NewAdam creates an Adam optimizer with the standard moment decay rates.
func NewAdam(lr float64, amsgrad bool) *Adam {
	return &Adam{
		lr:      lr,
		beta1:   0.9,
		beta2:   0.999,
		eps:     1e-8,
		amsgrad: amsgrad,
	}
}

// Step applies one Adam update to params in place
func (a *Adam) Step(params, grad []float64) {
	if len(params) != len(grad) {
		panic("opt: params and grad length mismatch")
	}
	if a.m == nil {
		a.m = make([]float64, len(params))
		a.v = make([]float64, len(params))
		if a.amsgrad {
			a.vMax = make([]float64, len(params))
		}
	}
	if len(a.m) != len(params) {
		panic("opt: parameter dimension changed between steps")
	}

	a.step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.step))

	for i, g := range grad {
		a.m[i] = a.beta1*a.m[i] + (1-a.beta1)*g
		a.v[i] = a.beta2*a.v[i] + (1-a.beta2)*g*g

		mHat := a.m[i] / bc1
		vHat := a.v[i] / bc2
		if a.amsgrad {
			if vHat > a.vMax[i] {
				a.vMax[i] = vHat
			}
			vHat = a.vMax[i]
		}

		params[i] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
	}
}

// LearningRate returns the current learning rate
func (a *Adam) LearningRate() float64 {
	return a.lr
}

// SetLearningRate overrides the current learning rate
func (a *Adam) SetLearningRate(lr float64) {
	a.lr = lr
}
