package opt

import "math"

// PlateauScheduler reduces the learning rate when a monitored loss stops
// improving. After each epoch, feed the epoch-mean loss to Step. When the
// loss has not improved for more than patience consecutive epochs, the
// learning rate is multiplied by factor and the patience window restarts.
type PlateauScheduler struct {
	opt       Optimizer
	factor    float64
	patience  int
	threshold float64
	minLR     float64

	best   float64
	numBad int
}

// NewPlateauScheduler creates a reduce-on-plateau scheduler wrapping opt.
// factor must be in (0,1); patience is the number of non-improving epochs
// tolerated before a reduction.
func NewPlateauScheduler(opt Optimizer, factor float64, patience int) *PlateauScheduler {
	return &PlateauScheduler{
		opt:       opt,
		factor:    factor,
		patience:  patience,
		threshold: 1e-4,
		minLR:     0,
		best:      math.Inf(1),
	}
}

// Step records an epoch loss and reduces the learning rate if the loss has
// plateaued. Returns true when a reduction happened.
func (s *PlateauScheduler) Step(loss float64) bool {
	if loss < s.best-s.threshold {
		s.best = loss
		s.numBad = 0
		return false
	}

	s.numBad++
	if s.numBad <= s.patience {
		return false
	}

	// Patience breached: reduce once and restart the window.
	s.numBad = 0
	lr := s.opt.LearningRate() * s.factor
	if lr < s.minLR {
		lr = s.minLR
	}
	if lr == s.opt.LearningRate() {
		return false
	}
	s.opt.SetLearningRate(lr)
	return true
}

// Best returns the best loss observed so far.
func (s *PlateauScheduler) Best() float64 {
	return s.best
}
