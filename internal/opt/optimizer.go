package opt

// Optimizer defines a gradient-based update rule for a parameter vector
type Optimizer interface {
	// Step applies one update to params in place using the given gradient.
	// params and grad must have the same length across all calls.
	Step(params, grad []float64)

	// LearningRate returns the current learning rate
	LearningRate() float64

	// SetLearningRate overrides the current learning rate
	SetLearningRate(lr float64)
}
