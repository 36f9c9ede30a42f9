package optim

import "math"

// CosineLR returns the cosine-annealed learning rate after k of tMax steps.
func CosineLR(initial, etaMin float64, k, tMax int) float64 {
	return etaMin + (initial-etaMin)*(1+math.Cos(math.Pi*float64(k)/float64(tMax)))/2
}

// CosineAnnealing sets every group's learning rate from its initial value
// toward EtaMin over TMax steps.
type CosineAnnealing struct {
	opt    Optimizer
	tMax   int
	etaMin float64
	epoch  int
}

// NewCosineAnnealing creates the schedule at step 0.
func NewCosineAnnealing(opt Optimizer, tMax int, etaMin float64) *CosineAnnealing {
	if tMax <= 0 {
		tMax = 1
	}
	s := &CosineAnnealing{opt: opt, tMax: tMax, etaMin: etaMin}
	s.apply()
	return s
}

// Step advances the schedule by one epoch.
func (s *CosineAnnealing) Step() {
	s.epoch++
	s.apply()
}

// Epoch returns the number of completed steps.
func (s *CosineAnnealing) Epoch() int { return s.epoch }

// LRs returns the current learning rate of each group.
func (s *CosineAnnealing) LRs() []float64 {
	groups := s.opt.Groups()
	out := make([]float64, len(groups))
	for i, g := range groups {
		out[i] = g.LR
	}
	return out
}

func (s *CosineAnnealing) apply() {
	for _, g := range s.opt.Groups() {
		g.LR = CosineLR(g.InitialLR, s.etaMin, s.epoch, s.tMax)
	}
}
