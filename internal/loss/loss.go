// Package loss implements the segmentation criterion: label-smoothed cross
// entropy plus multiclass Dice, both ignoring an unlabeled class index.
package loss

import (
	"errors"
	"fmt"
	"math"

	"segforge/internal/tensor"
)

// ErrNonFinite is returned when a loss evaluates to NaN or Inf.
var ErrNonFinite = errors.New("loss: non-finite value")

// Result is a scalar loss and, when requested, its gradient w.r.t. the logits.
type Result struct {
	Value float64
	Grad  *tensor.Tensor
}

// Criterion scores NCHW logits against NHW labels.
type Criterion interface {
	Forward(logits *tensor.Tensor, target *tensor.Labels, withGrad bool) (Result, error)
}

// SoftCrossEntropy is cross entropy with uniform label smoothing, averaged
// over labelled pixels.
type SoftCrossEntropy struct {
	Smoothing   float64
	IgnoreIndex int32
}

// Forward implements Criterion.
func (s SoftCrossEntropy) Forward(logits *tensor.Tensor, target *tensor.Labels, withGrad bool) (Result, error) {
	if err := checkShapes(logits, target); err != nil {
		return Result{}, err
	}
	C, plane := logits.C, logits.Plane()
	eps := s.Smoothing
	epsI := eps / float64(C)

	var grad *tensor.Tensor
	if withGrad {
		grad = tensor.Like(logits)
	}
	probs := make([]float64, C)
	total := 0.0
	valid := 0
	for n := 0; n < logits.N; n++ {
		base := n * C * plane
		for p := 0; p < plane; p++ {
			t := target.Data[n*plane+p]
			if t == s.IgnoreIndex || t < 0 || int(t) >= C {
				continue
			}
			logZ := logSoftmax(logits.Data, base+p, plane, C, probs)
			nll := logZ - float64(logits.Data[base+int(t)*plane+p])
			smooth := 0.0
			for c := 0; c < C; c++ {
				smooth += logZ - float64(logits.Data[base+c*plane+p])
			}
			total += (1-eps)*nll + epsI*smooth
			valid++
			if grad != nil {
				for c := 0; c < C; c++ {
					g := probs[c] - epsI
					if int32(c) == t {
						g -= 1 - eps
					}
					grad.Data[base+c*plane+p] = float32(g)
				}
			}
		}
	}
	if valid == 0 {
		return Result{Value: 0, Grad: grad}, nil
	}
	if grad != nil {
		inv := float32(1 / float64(valid))
		for i := range grad.Data {
			grad.Data[i] *= inv
		}
	}
	return Result{Value: total / float64(valid), Grad: grad}, nil
}

// Dice is the multiclass soft Dice loss computed over the whole batch.
// Classes absent from the target contribute zero.
type Dice struct {
	Smooth      float64
	IgnoreIndex int32
}

const diceEps = 1e-7

// Forward implements Criterion.
func (d Dice) Forward(logits *tensor.Tensor, target *tensor.Labels, withGrad bool) (Result, error) {
	if err := checkShapes(logits, target); err != nil {
		return Result{}, err
	}
	C, plane := logits.C, logits.Plane()
	probs := softmaxAll(logits, target, d.IgnoreIndex)

	inter := make([]float64, C)
	card := make([]float64, C)
	present := make([]float64, C)
	for n := 0; n < logits.N; n++ {
		base := n * C * plane
		for p := 0; p < plane; p++ {
			t := target.Data[n*plane+p]
			if !labelled(t, d.IgnoreIndex, C) {
				continue
			}
			for c := 0; c < C; c++ {
				card[c] += probs[base+c*plane+p]
			}
			inter[t] += probs[base+int(t)*plane+p]
			card[t]++
			present[t]++
		}
	}

	total := 0.0
	dScore := make([]float64, C)
	dCard := make([]float64, C)
	for c := 0; c < C; c++ {
		if present[c] == 0 {
			continue
		}
		den := card[c] + d.Smooth
		score := (2*inter[c] + d.Smooth) / den
		if score < diceEps {
			score = diceEps
		}
		total += 1 - score
		dScore[c] = 2 / den
		dCard[c] = -(2*inter[c] + d.Smooth) / (den * den)
	}
	value := total / float64(C)

	var grad *tensor.Tensor
	if withGrad {
		grad = tensor.Like(logits)
		g := make([]float64, C)
		scale := -1 / float64(C)
		for n := 0; n < logits.N; n++ {
			base := n * C * plane
			for p := 0; p < plane; p++ {
				t := target.Data[n*plane+p]
				if !labelled(t, d.IgnoreIndex, C) {
					continue
				}
				dot := 0.0
				for c := 0; c < C; c++ {
					g[c] = scale * dCard[c]
					if int32(c) == t {
						g[c] += scale * dScore[c]
					}
					dot += probs[base+c*plane+p] * g[c]
				}
				for c := 0; c < C; c++ {
					pc := probs[base+c*plane+p]
					grad.Data[base+c*plane+p] = float32(pc * (g[c] - dot))
				}
			}
		}
	}
	return Result{Value: value, Grad: grad}, nil
}

// Joint sums two criteria with fixed weights.
type Joint struct {
	First, Second   Criterion
	WFirst, WSecond float64
}

// Forward implements Criterion.
func (j Joint) Forward(logits *tensor.Tensor, target *tensor.Labels, withGrad bool) (Result, error) {
	a, err := j.First.Forward(logits, target, withGrad)
	if err != nil {
		return Result{}, err
	}
	b, err := j.Second.Forward(logits, target, withGrad)
	if err != nil {
		return Result{}, err
	}
	out := Result{Value: j.WFirst*a.Value + j.WSecond*b.Value}
	if withGrad {
		out.Grad = tensor.Like(logits)
		for i := range out.Grad.Data {
			out.Grad.Data[i] = float32(j.WFirst)*a.Grad.Data[i] + float32(j.WSecond)*b.Grad.Data[i]
		}
	}
	return out, nil
}

// NewUNetFormerLoss returns the joint cross-entropy + Dice criterion with the
// 0.05 smoothing used for the LoveDA experiments.
func NewUNetFormerLoss(ignoreIndex int32) Criterion {
	return Joint{
		First:   SoftCrossEntropy{Smoothing: 0.05, IgnoreIndex: ignoreIndex},
		Second:  Dice{Smooth: 0.05, IgnoreIndex: ignoreIndex},
		WFirst:  1,
		WSecond: 1,
	}
}

// Terms holds the primary and auxiliary losses of one forward pass.
type Terms struct {
	Main      Result
	Aux       Result
	HasAux    bool
	AuxWeight float64
}

// Value returns primary + AuxWeight*auxiliary, or primary alone without an
// auxiliary output.
func (t Terms) Value() float64 {
	if !t.HasAux {
		return t.Main.Value
	}
	return t.Main.Value + t.AuxWeight*t.Aux.Value
}

// Combine evaluates crit on the primary output and, when aux is non-nil, on
// the auxiliary output. The auxiliary gradient is pre-scaled by auxWeight.
func Combine(crit Criterion, main, aux *tensor.Tensor, target *tensor.Labels, auxWeight float64, withGrad bool) (Terms, error) {
	mr, err := crit.Forward(main, target, withGrad)
	if err != nil {
		return Terms{}, fmt.Errorf("primary loss: %w", err)
	}
	terms := Terms{Main: mr, AuxWeight: auxWeight}
	if aux != nil {
		ar, err := crit.Forward(aux, target, withGrad)
		if err != nil {
			return Terms{}, fmt.Errorf("auxiliary loss: %w", err)
		}
		if ar.Grad != nil {
			w := float32(auxWeight)
			for i := range ar.Grad.Data {
				ar.Grad.Data[i] *= w
			}
		}
		terms.Aux = ar
		terms.HasAux = true
	}
	if v := terms.Value(); math.IsNaN(v) || math.IsInf(v, 0) {
		return terms, fmt.Errorf("%w: %v", ErrNonFinite, v)
	}
	return terms, nil
}

func checkShapes(logits *tensor.Tensor, target *tensor.Labels) error {
	if logits.N != target.N || logits.H != target.H || logits.W != target.W {
		return fmt.Errorf("loss: logits %v do not match labels [%d %d %d]", logits, target.N, target.H, target.W)
	}
	if logits.C < 2 {
		return fmt.Errorf("loss: need at least 2 classes, got %d", logits.C)
	}
	return nil
}

func labelled(t, ignore int32, classes int) bool {
	return t != ignore && t >= 0 && int(t) < classes
}

// logSoftmax fills probs with the softmax at one pixel and returns log Z.
func logSoftmax(data []float32, offset, stride, C int, probs []float64) float64 {
	maxv := math.Inf(-1)
	for c := 0; c < C; c++ {
		if v := float64(data[offset+c*stride]); v > maxv {
			maxv = v
		}
	}
	sum := 0.0
	for c := 0; c < C; c++ {
		e := math.Exp(float64(data[offset+c*stride]) - maxv)
		probs[c] = e
		sum += e
	}
	for c := range probs[:C] {
		probs[c] /= sum
	}
	return maxv + math.Log(sum)
}

// softmaxAll returns per-pixel class probabilities; ignored pixels are zero.
func softmaxAll(logits *tensor.Tensor, target *tensor.Labels, ignore int32) []float64 {
	C, plane := logits.C, logits.Plane()
	out := make([]float64, logits.Len())
	tmp := make([]float64, C)
	for n := 0; n < logits.N; n++ {
		base := n * C * plane
		for p := 0; p < plane; p++ {
			if !labelled(target.Data[n*plane+p], ignore, C) {
				continue
			}
			logSoftmax(logits.Data, base+p, plane, C, tmp)
			for c := 0; c < C; c++ {
				out[base+c*plane+p] = tmp[c]
			}
		}
	}
	return out
}
