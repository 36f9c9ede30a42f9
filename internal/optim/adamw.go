// Package optim implements the parameter update rules used by the trainer:
// AdamW with layerwise parameter groups, a Lookahead wrapper, and cosine
// learning-rate annealing.
package optim

import (
	"fmt"
	"math"
	"regexp"

	"segforge/internal/model"
)

// Optimizer updates parameters from their accumulated gradients.
type Optimizer interface {
	ZeroGrad()
	Step()
	Groups() []*Group
}

// Group is a set of parameters sharing hyperparameters.
type Group struct {
	Name        string
	Params      []*model.Parameter
	LR          float64
	InitialLR   float64
	WeightDecay float64
}

// Rule overrides hyperparameters for parameters whose name matches Pattern
// from the start.
type Rule struct {
	Pattern     string
	LR          float64
	WeightDecay float64
}

// LayerwiseGroups partitions params into one group per rule plus a default
// group. The first matching rule wins. Empty groups are dropped.
func LayerwiseGroups(params []*model.Parameter, lr, weightDecay float64, rules []Rule) ([]*Group, error) {
	patterns := make([]*regexp.Regexp, len(rules))
	groups := make([]*Group, len(rules)+1)
	for i, r := range rules {
		re, err := regexp.Compile("^(?:" + r.Pattern + ")")
		if err != nil {
			return nil, fmt.Errorf("layerwise rule %q: %w", r.Pattern, err)
		}
		patterns[i] = re
		groups[i] = &Group{Name: r.Pattern, LR: r.LR, InitialLR: r.LR, WeightDecay: r.WeightDecay}
	}
	groups[len(rules)] = &Group{Name: "default", LR: lr, InitialLR: lr, WeightDecay: weightDecay}

	for _, p := range params {
		dst := groups[len(rules)]
		for i, re := range patterns {
			if re.MatchString(p.Name) {
				dst = groups[i]
				break
			}
		}
		dst.Params = append(dst.Params, p)
	}
	out := groups[:0]
	for _, g := range groups {
		if len(g.Params) > 0 {
			out = append(out, g)
		}
	}
	return out, nil
}

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	groups  []*Group
	beta1   float64
	beta2   float64
	eps     float64
	t       int
	moment1 map[*model.Parameter][]float32
	moment2 map[*model.Parameter][]float32
}

// NewAdamW creates the optimizer with beta=(0.9, 0.999) and eps=1e-8.
func NewAdamW(groups []*Group) *AdamW {
	return &AdamW{
		groups:  groups,
		beta1:   0.9,
		beta2:   0.999,
		eps:     1e-8,
		moment1: make(map[*model.Parameter][]float32),
		moment2: make(map[*model.Parameter][]float32),
	}
}

// Groups implements Optimizer.
func (o *AdamW) Groups() []*Group { return o.groups }

// ZeroGrad implements Optimizer.
func (o *AdamW) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.Params {
			for i := range p.Grad {
				p.Grad[i] = 0
			}
		}
	}
}

// Step implements Optimizer.
func (o *AdamW) Step() {
	o.t++
	bc1 := 1 - math.Pow(o.beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.beta2, float64(o.t))
	b1, b2 := float32(o.beta1), float32(o.beta2)
	for _, g := range o.groups {
		decay := float32(1 - g.LR*g.WeightDecay)
		stepSize := float32(g.LR / bc1)
		sqrtBC2 := float32(math.Sqrt(bc2))
		eps := float32(o.eps)
		for _, p := range g.Params {
			m, ok := o.moment1[p]
			if !ok {
				m = make([]float32, len(p.Data))
				o.moment1[p] = m
				o.moment2[p] = make([]float32, len(p.Data))
			}
			v := o.moment2[p]
			for i, grad := range p.Grad {
				p.Data[i] *= decay
				m[i] = b1*m[i] + (1-b1)*grad
				v[i] = b2*v[i] + (1-b2)*grad*grad
				denom := float32(math.Sqrt(float64(v[i])))/sqrtBC2 + eps
				p.Data[i] -= stepSize * m[i] / denom
			}
		}
	}
}
