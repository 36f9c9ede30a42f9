package model

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"segforge/internal/quant"
	"segforge/internal/tensor"
)

const inputChannels = 3

// Options configures a UNetFormer.
type Options struct {
	NumClasses int
	Features   int
	Aux        bool
	Threads    int
	Seed       int64
}

// UNetFormer is a compact encoder/decoder segmentation network: a 3x3
// convolutional backbone, a global-context decoder block, a 1x1 class head,
// and an optional auxiliary head on the backbone features.
type UNetFormer struct {
	opts Options

	convW, convB *Parameter
	ctxW, ctxB   *Parameter
	fuseW, fuseB *Parameter
	headW, headB *Parameter
	auxW, auxB   *Parameter
	params       []*Parameter

	cache []*activations

	stage      quant.Stage
	qcfg       quant.QConfig
	observers  map[string]*quant.MinMaxObserver
	actParams  map[string]quant.QParams
	int8       map[string]quant.Int8Weights
	calibrated int
	obsMu      sync.Mutex
}

// Activation points observed during calibration.
const (
	pointInput   = "input"
	pointEncoder = "backbone"
	pointContext = "decoder.context"
	pointDecoder = "decoder"
	pointHead    = "head"
	pointAux     = "aux_head"
)

type activations struct {
	h, w     int
	input    []float32
	encPre   []float32
	enc      []float32
	pooled   []float32
	fused    []float32
	decPre   []float32
	dec      []float32
	features int
}

// NewUNetFormer constructs the model with random initialization.
func NewUNetFormer(opts Options) *UNetFormer {
	if opts.NumClasses <= 1 {
		opts.NumClasses = 7
	}
	if opts.Features <= 0 {
		opts.Features = 16
	}
	if opts.Threads <= 0 {
		opts.Threads = 1
	}
	F, K := opts.Features, opts.NumClasses
	m := &UNetFormer{
		opts:  opts,
		convW: newParameter("backbone.conv.weight", F, inputChannels, 3, 3),
		convB: newParameter("backbone.conv.bias", F),
		ctxW:  newParameter("decoder.context.weight", F, F),
		ctxB:  newParameter("decoder.context.bias", F),
		fuseW: newParameter("decoder.fuse.weight", F, F),
		fuseB: newParameter("decoder.fuse.bias", F),
		headW: newParameter("decoder.head.weight", K, F),
		headB: newParameter("decoder.head.bias", K),
	}
	m.params = []*Parameter{m.convW, m.convB, m.ctxW, m.ctxB, m.fuseW, m.fuseB, m.headW, m.headB}
	if opts.Aux {
		m.auxW = newParameter("aux_head.weight", K, F)
		m.auxB = newParameter("aux_head.bias", K)
		m.params = append(m.params, m.auxW, m.auxB)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	for _, p := range m.params {
		if len(p.Shape) < 2 {
			continue
		}
		fanIn := len(p.Data) / p.Shape[0]
		bound := math.Sqrt(6.0 / float64(fanIn))
		for i := range p.Data {
			p.Data[i] = float32((rng.Float64()*2 - 1) * bound)
		}
	}
	return m
}

// Options returns the construction options.
func (m *UNetFormer) Options() Options { return m.opts }

// Parameters implements Network.
func (m *UNetFormer) Parameters() []*Parameter { return m.params }

// ZeroGrad implements Network.
func (m *UNetFormer) ZeroGrad() {
	for _, p := range m.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

// Forward implements Network. Training passes keep the activations needed by
// Backward.
func (m *UNetFormer) Forward(ctx context.Context, x *tensor.Tensor, train bool) (Output, error) {
	if x.C != inputChannels {
		return Output{}, fmt.Errorf("model: expected %d input channels, got %d", inputChannels, x.C)
	}
	if train && m.stage == quant.StageQuantized {
		return Output{}, ErrQuantizedTraining
	}
	K := m.opts.NumClasses
	out := Output{Main: tensor.New(x.N, K, x.H, x.W)}
	if m.opts.Aux {
		out.Aux = tensor.New(x.N, K, x.H, x.W)
	}
	m.cache = nil
	var acts []*activations
	if train {
		acts = make([]*activations, x.N)
	}
	err := parallelFor(ctx, x.N, m.opts.Threads, func(n int) error {
		var aux []float32
		if out.Aux != nil {
			aux = out.Aux.Sample(n).Data
		}
		a := m.forwardSample(x.Sample(n).Data, x.H, x.W, out.Main.Sample(n).Data, aux, train)
		if train {
			acts[n] = a
		}
		return nil
	})
	if err != nil {
		return Output{}, err
	}
	m.cache = acts
	return out, nil
}

// forwardSample runs one sample. The activations are returned only when keep
// is set; otherwise they are released as soon as the sample is done.
func (m *UNetFormer) forwardSample(in []float32, h, w int, main, aux []float32, keep bool) *activations {
	F, K := m.opts.Features, m.opts.NumClasses
	plane := h * w
	a := &activations{h: h, w: w, features: F, input: in}

	if m.stage != quant.StageFloat {
		in = append([]float32(nil), in...)
		m.activation(pointInput, in)
		a.input = in
	}

	a.encPre = make([]float32, F*plane)
	conv3x3Forward(a.encPre, in, m.convW.Data, m.convB.Data, inputChannels, F, h, w)
	a.enc = make([]float32, F*plane)
	reluForward(a.enc, a.encPre)
	m.activation(pointEncoder, a.enc)

	mean := make([]float32, F)
	channelMean(mean, a.enc, F, plane)
	a.pooled = mean
	ctxVec := make([]float32, F)
	linearForward(ctxVec, mean, m.ctxW.Data, m.ctxB.Data, F, F)
	m.activation(pointContext, ctxVec)

	a.fused = make([]float32, F*plane)
	for c := 0; c < F; c++ {
		for p := 0; p < plane; p++ {
			a.fused[c*plane+p] = a.enc[c*plane+p] + ctxVec[c]
		}
	}
	a.decPre = make([]float32, F*plane)
	pointwiseForward(a.decPre, a.fused, m.fuseW.Data, m.fuseB.Data, F, F, plane)
	a.dec = make([]float32, F*plane)
	reluForward(a.dec, a.decPre)
	m.activation(pointDecoder, a.dec)

	pointwiseForward(main, a.dec, m.headW.Data, m.headB.Data, F, K, plane)
	m.activation(pointHead, main)
	if aux != nil {
		pointwiseForward(aux, a.enc, m.auxW.Data, m.auxB.Data, F, K, plane)
		m.activation(pointAux, aux)
	}
	if !keep {
		return nil
	}
	return a
}

// Backward implements Network.
func (m *UNetFormer) Backward(ctx context.Context, grads Output) error {
	if m.stage == quant.StageQuantized {
		return ErrQuantizedTraining
	}
	if m.cache == nil {
		return fmt.Errorf("model: backward without a training forward pass")
	}
	if grads.Main == nil || grads.Main.N != len(m.cache) {
		return fmt.Errorf("model: gradient batch does not match forward batch")
	}
	if m.opts.Aux != (grads.Aux != nil) {
		return fmt.Errorf("model: auxiliary gradient presence must match the auxiliary head")
	}

	var mu sync.Mutex
	err := parallelFor(ctx, len(m.cache), m.opts.Threads, func(n int) error {
		local := make([][]float32, len(m.params))
		for i, p := range m.params {
			local[i] = make([]float32, len(p.Grad))
		}
		var dAux []float32
		if grads.Aux != nil {
			dAux = grads.Aux.Sample(n).Data
		}
		m.backwardSample(m.cache[n], grads.Main.Sample(n).Data, dAux, local)
		mu.Lock()
		for i, p := range m.params {
			for j, v := range local[i] {
				p.Grad[j] += v
			}
		}
		mu.Unlock()
		return nil
	})
	m.cache = nil
	return err
}

func (m *UNetFormer) gradIndex(p *Parameter) int {
	for i, q := range m.params {
		if q == p {
			return i
		}
	}
	return -1
}

func (m *UNetFormer) backwardSample(a *activations, dMain, dAux []float32, g [][]float32) {
	F, K := m.opts.Features, m.opts.NumClasses
	plane := a.h * a.w
	grad := func(p *Parameter) []float32 { return g[m.gradIndex(p)] }

	dDec := make([]float32, F*plane)
	pointwiseBackward(dDec, grad(m.headW), grad(m.headB), dMain, a.dec, m.headW.Data, F, K, plane)
	reluBackward(dDec, a.decPre)

	dFused := make([]float32, F*plane)
	pointwiseBackward(dFused, grad(m.fuseW), grad(m.fuseB), dDec, a.fused, m.fuseW.Data, F, F, plane)

	dEnc := make([]float32, F*plane)
	copy(dEnc, dFused)
	dCtx := make([]float32, F)
	for c := 0; c < F; c++ {
		var sum float32
		for _, v := range dFused[c*plane : (c+1)*plane] {
			sum += v
		}
		dCtx[c] = sum
	}
	dPooled := make([]float32, F)
	pointwiseBackward(dPooled, grad(m.ctxW), grad(m.ctxB), dCtx, a.pooled, m.ctxW.Data, F, F, 1)
	inv := 1 / float32(plane)
	for c := 0; c < F; c++ {
		share := dPooled[c] * inv
		for p := c * plane; p < (c+1)*plane; p++ {
			dEnc[p] += share
		}
	}

	if dAux != nil {
		pointwiseBackward(dEnc, grad(m.auxW), grad(m.auxB), dAux, a.enc, m.auxW.Data, F, K, plane)
	}
	reluBackward(dEnc, a.encPre)
	conv3x3Backward(grad(m.convW), grad(m.convB), dEnc, a.input, inputChannels, F, a.h, a.w)
}

// parallelFor runs fn for 0..n-1 on at most threads goroutines and returns
// the first error.
func parallelFor(ctx context.Context, n, threads int, fn func(i int) error) error {
	if threads > n {
		threads = n
	}
	if threads <= 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(i); err != nil {
				return err
			}
		}
		return nil
	}
	jobs := make(chan int)
	errCh := make(chan error, threads)
	var wg sync.WaitGroup
	for t := 0; t < threads; t++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := fn(i); err != nil {
					errCh <- err
					return
				}
			}
		}()
	}
	var err error
feed:
	for i := 0; i < n; i++ {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break feed
		case err = <-errCh:
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	close(errCh)
	if err != nil {
		return err
	}
	return <-errCh
}
