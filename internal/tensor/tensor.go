package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// Tensor is a dense float64 array with a row-major shape.
type Tensor struct {
	Shape []int
	Data  []float64
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	return &Tensor{
		Shape: shape,
		Data:  make([]float64, numElements(shape)),
	}
}

// Full creates a tensor filled with a constant value.
func Full(value float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// Rand creates a tensor with values drawn uniformly from [0,1).
func Rand(rng *rand.Rand, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = rng.Float64()
	}
	return t
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Len returns the total number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Shape: append([]int{}, t.Shape...),
		Data:  make([]float64, len(t.Data)),
	}
	copy(c.Data, t.Data)
	return c
}

// Zero resets all elements to zero.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// Clamp projects every element onto [lo, hi] in place.
func (t *Tensor) Clamp(lo, hi float64) {
	for i, v := range t.Data {
		t.Data[i] = math.Max(lo, math.Min(hi, v))
	}
}

// Add accumulates o into t element-wise. Panics on shape mismatch.
func (t *Tensor) Add(o *Tensor) {
	if len(t.Data) != len(o.Data) {
		panic("tensor: shape mismatch in Add")
	}
	floats.Add(t.Data, o.Data)
}

// AddScaled accumulates alpha*o into t element-wise.
func (t *Tensor) AddScaled(alpha float64, o *Tensor) {
	if len(t.Data) != len(o.Data) {
		panic("tensor: shape mismatch in AddScaled")
	}
	floats.AddScaled(t.Data, alpha, o.Data)
}

// Scale multiplies every element by alpha in place.
func (t *Tensor) Scale(alpha float64) {
	floats.Scale(alpha, t.Data)
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.Data)
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	return floats.Sum(t.Data) / float64(len(t.Data))
}

// HasBadValues reports whether any element is NaN or infinite.
func (t *Tensor) HasBadValues() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// CheckShape verifies the tensor has exactly the given shape.
func (t *Tensor) CheckShape(shape ...int) error {
	if len(t.Shape) != len(shape) {
		return fmt.Errorf("tensor: rank %d, want %d", len(t.Shape), len(shape))
	}
	for i, d := range shape {
		if t.Shape[i] != d {
			return fmt.Errorf("tensor: shape %v, want %v", t.Shape, shape)
		}
	}
	return nil
}
