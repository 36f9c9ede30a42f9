package optim

import "segforge/internal/model"

// Lookahead keeps a slow copy of the parameters and, every K steps of the
// wrapped optimizer, moves it Alpha of the way toward the fast weights and
// resets the fast weights to it.
type Lookahead struct {
	base  Optimizer
	k     int
	alpha float32
	steps int
	slow  map[*model.Parameter][]float32
}

// NewLookahead wraps base. Non-positive k or alpha fall back to 5 and 0.5.
func NewLookahead(base Optimizer, k int, alpha float64) *Lookahead {
	if k <= 0 {
		k = 5
	}
	if alpha <= 0 || alpha > 1 {
		alpha = 0.5
	}
	la := &Lookahead{base: base, k: k, alpha: float32(alpha), slow: make(map[*model.Parameter][]float32)}
	for _, g := range base.Groups() {
		for _, p := range g.Params {
			la.slow[p] = append([]float32(nil), p.Data...)
		}
	}
	return la
}

// Groups implements Optimizer; learning-rate changes reach the base optimizer.
func (la *Lookahead) Groups() []*Group { return la.base.Groups() }

// ZeroGrad implements Optimizer.
func (la *Lookahead) ZeroGrad() { la.base.ZeroGrad() }

// Step implements Optimizer.
func (la *Lookahead) Step() {
	la.base.Step()
	la.steps++
	if la.steps%la.k != 0 {
		return
	}
	for _, g := range la.base.Groups() {
		for _, p := range g.Params {
			slow := la.slow[p]
			for i, fast := range p.Data {
				slow[i] += la.alpha * (fast - slow[i])
			}
			copy(p.Data, slow)
		}
	}
}
