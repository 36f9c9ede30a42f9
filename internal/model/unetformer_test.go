package model

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segforge/internal/loss"
	"segforge/internal/quant"
	"segforge/internal/tensor"
)

func randomInput(seed int64, n, h, w int) *tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.New(n, inputChannels, h, w)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	return x
}

// weightedSum returns sum(out.Main*rm) + sum(out.Aux*ra).
func weightedSum(out Output, rm, ra []float32) float64 {
	total := 0.0
	for i, v := range out.Main.Data {
		total += float64(v) * float64(rm[i])
	}
	if out.Aux != nil {
		for i, v := range out.Aux.Data {
			total += float64(v) * float64(ra[i])
		}
	}
	return total
}

func TestBackwardMatchesFiniteDifferences(t *testing.T) {
	ctx := context.Background()
	m := NewUNetFormer(Options{NumClasses: 3, Features: 4, Aux: true, Threads: 2, Seed: 3})
	x := randomInput(5, 2, 4, 3)

	out, err := m.Forward(ctx, x, true)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(9))
	dMain := tensor.Like(out.Main)
	dAux := tensor.Like(out.Aux)
	for i := range dMain.Data {
		dMain.Data[i] = float32(rng.NormFloat64())
		dAux.Data[i] = float32(rng.NormFloat64())
	}
	m.ZeroGrad()
	require.NoError(t, m.Backward(ctx, Output{Main: dMain, Aux: dAux}))

	const h = 1e-3
	for _, p := range m.Parameters() {
		for _, i := range []int{0, len(p.Data) / 2, len(p.Data) - 1} {
			orig := p.Data[i]
			p.Data[i] = orig + h
			up, err := m.Forward(ctx, x, false)
			require.NoError(t, err)
			p.Data[i] = orig - h
			down, err := m.Forward(ctx, x, false)
			require.NoError(t, err)
			p.Data[i] = orig

			want := (weightedSum(up, dMain.Data, dAux.Data) - weightedSum(down, dMain.Data, dAux.Data)) / (2 * h)
			tol := 2e-2 * math.Max(1, math.Abs(want))
			assert.InDelta(t, want, float64(p.Grad[i]), tol, "%s[%d]", p.Name, i)
		}
	}
}

func TestEvalForwardReleasesActivations(t *testing.T) {
	ctx := context.Background()
	m := NewUNetFormer(Options{NumClasses: 3, Features: 4, Aux: true, Threads: 2, Seed: 3})
	x := randomInput(5, 3, 4, 4)

	_, err := m.Forward(ctx, x, true)
	require.NoError(t, err)
	require.Len(t, m.cache, 3)

	out, err := m.Forward(ctx, x, false)
	require.NoError(t, err)
	assert.Nil(t, m.cache)
	assert.Equal(t, 3, out.Main.N)
	require.Error(t, m.Backward(ctx, Output{Main: tensor.Like(out.Main), Aux: tensor.Like(out.Aux)}))

	plane := 16
	main := make([]float32, 3*plane)
	aux := make([]float32, 3*plane)
	in := x.Sample(0).Data
	assert.Nil(t, m.forwardSample(in, 4, 4, main, aux, false))
	kept := m.forwardSample(in, 4, 4, main, aux, true)
	require.NotNil(t, kept)
	assert.Len(t, kept.enc, 4*plane)
	assert.Len(t, kept.dec, 4*plane)
}

func TestTrainingReducesLoss(t *testing.T) {
	ctx := context.Background()
	m := NewUNetFormer(Options{NumClasses: 2, Features: 4, Seed: 1})
	x := randomInput(2, 2, 4, 4)
	labels := tensor.NewLabels(2, 4, 4, 0)
	for i := range labels.Data {
		if x.Data[i%16] > 0 {
			labels.Data[i] = 1
		}
	}
	crit := loss.NewUNetFormerLoss(2)

	step := func() float64 {
		out, err := m.Forward(ctx, x, true)
		require.NoError(t, err)
		terms, err := loss.Combine(crit, out.Main, out.Aux, labels, 0.4, true)
		require.NoError(t, err)
		m.ZeroGrad()
		require.NoError(t, m.Backward(ctx, Output{Main: terms.Main.Grad}))
		for _, p := range m.Parameters() {
			for i := range p.Data {
				p.Data[i] -= 0.1 * p.Grad[i]
			}
		}
		return terms.Value()
	}
	first := step()
	var last float64
	for i := 0; i < 20; i++ {
		last = step()
	}
	assert.Less(t, last, first)
}

func TestQuantizeLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewUNetFormer(Options{NumClasses: 3, Features: 4, Aux: true, Seed: 7})
	x := randomInput(11, 2, 5, 5)
	floatOut, err := m.Forward(ctx, x, false)
	require.NoError(t, err)

	require.NoError(t, m.Prepare(quant.DefaultQConfig(quant.EngineFBGEMM)))
	assert.Equal(t, quant.StageObserved, m.Stage())
	require.ErrorIs(t, quant.Convert(m), quant.ErrNotCalibrated)

	require.NoError(t, m.Observe(ctx, x))
	assert.Equal(t, 1, m.Calibrated())
	require.NoError(t, quant.Convert(m))
	assert.Equal(t, quant.StageQuantized, m.Stage())
	assert.Equal(t, quant.EngineFBGEMM, m.StateDict().Engine)

	qOut, err := m.Forward(ctx, x, false)
	require.NoError(t, err)
	maxAbs, maxDiff := 0.0, 0.0
	for i, v := range floatOut.Main.Data {
		maxAbs = math.Max(maxAbs, math.Abs(float64(v)))
		maxDiff = math.Max(maxDiff, math.Abs(float64(v-qOut.Main.Data[i])))
	}
	assert.Less(t, maxDiff, 0.1*maxAbs+0.1, "quantized output drifted too far")

	_, err = m.Forward(ctx, x, true)
	require.ErrorIs(t, err, ErrQuantizedTraining)
	require.ErrorIs(t, m.Backward(ctx, qOut), ErrQuantizedTraining)
}

func TestStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := NewUNetFormer(Options{NumClasses: 3, Features: 2, Aux: true, Seed: 1})
	dst := NewUNetFormer(Options{NumClasses: 3, Features: 2, Aux: true, Seed: 2})
	require.NoError(t, dst.LoadStateDict(src.StateDict()))

	x := randomInput(4, 1, 3, 3)
	a, err := src.Forward(ctx, x, false)
	require.NoError(t, err)
	b, err := dst.Forward(ctx, x, false)
	require.NoError(t, err)
	assert.Equal(t, a.Main.Data, b.Main.Data)

	require.NoError(t, src.Prepare(quant.DefaultQConfig(quant.EngineQNNPACK)))
	require.NoError(t, src.Observe(ctx, x))
	require.NoError(t, src.Freeze())
	q := NewUNetFormer(Options{NumClasses: 3, Features: 2, Aux: true})
	require.NoError(t, q.LoadStateDict(src.StateDict()))
	assert.Equal(t, quant.StageQuantized, q.Stage())

	small := NewUNetFormer(Options{NumClasses: 3, Features: 1})
	require.Error(t, small.LoadStateDict(dst.StateDict()))
}

func TestForwardRejectsWrongChannels(t *testing.T) {
	m := NewUNetFormer(Options{NumClasses: 2, Features: 2})
	_, err := m.Forward(context.Background(), tensor.New(1, 1, 2, 2), false)
	require.Error(t, err)
}
