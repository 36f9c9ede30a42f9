// Package quant implements post-training quantization: observers collect
// activation ranges during calibration, and conversion fixes the qparams and
// swaps float weights for int8 ones.
package quant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"segforge/internal/tensor"
)

var (
	ErrNotPrepared      = errors.New("quant: model is not in observed mode")
	ErrNotCalibrated    = errors.New("quant: convert requires at least one calibration batch")
	ErrAlreadyConverted = errors.New("quant: model is already quantized")
)

// Stage is the quantization lifecycle of a model.
type Stage int

const (
	StageFloat Stage = iota
	StageObserved
	StageQuantized
)

func (s Stage) String() string {
	switch s {
	case StageFloat:
		return "float"
	case StageObserved:
		return "observed"
	case StageQuantized:
		return "quantized"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Engine names the integer kernel family the qparams target.
type Engine string

const (
	EngineFBGEMM  Engine = "fbgemm"
	EngineQNNPACK Engine = "qnnpack"
)

// QConfig selects observers for a model.
type QConfig struct {
	Engine         Engine
	ActReduceRange bool
}

// DefaultQConfig mirrors the usual per-engine defaults: fbgemm reduces the
// activation range to 7 bits to avoid accumulator overflow in its kernels.
func DefaultQConfig(engine Engine) QConfig {
	return QConfig{Engine: engine, ActReduceRange: engine == EngineFBGEMM}
}

// Quantizable is a model that can move through the quantization lifecycle.
type Quantizable interface {
	Stage() Stage
	// Observe runs a forward-only pass that records activation statistics.
	Observe(ctx context.Context, x *tensor.Tensor) error
	// Calibrated returns the number of batches observed so far.
	Calibrated() int
	// Freeze computes qparams from the observers and switches to int8.
	Freeze() error
}

// ImageSource yields calibration inputs until io.EOF.
type ImageSource interface {
	NextImages(ctx context.Context) (*tensor.Tensor, error)
}

// Calibrate runs forward-only passes until src is drained and returns the
// number of batches observed.
func Calibrate(ctx context.Context, m Quantizable, src ImageSource) (int, error) {
	if m.Stage() != StageObserved {
		return 0, ErrNotPrepared
	}
	n := 0
	for {
		x, err := src.NextImages(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return n, fmt.Errorf("calibration batch %d: %w", n, err)
		}
		if err := m.Observe(ctx, x); err != nil {
			return n, fmt.Errorf("calibration batch %d: %w", n, err)
		}
		n++
	}
	return n, nil
}

// Convert fixes the quantization parameters of a calibrated model.
func Convert(m Quantizable) error {
	switch m.Stage() {
	case StageQuantized:
		return ErrAlreadyConverted
	case StageFloat:
		return ErrNotPrepared
	}
	if m.Calibrated() == 0 {
		return ErrNotCalibrated
	}
	return m.Freeze()
}

// FakeQuantize rounds data in place onto the grid described by qp.
func FakeQuantize(data []float32, qp QParams) {
	inv := 1 / qp.Scale
	for i, v := range data {
		q := int32(math.Round(float64(v*inv))) + qp.ZeroPoint
		if q < qp.QMin {
			q = qp.QMin
		} else if q > qp.QMax {
			q = qp.QMax
		}
		data[i] = float32(q-qp.ZeroPoint) * qp.Scale
	}
}

// Int8Weights is a per-output-channel symmetric int8 weight matrix.
type Int8Weights struct {
	Channels int
	Values   []int8
	Scales   []float32
}

// QuantizePerChannel converts a [channels, rest] weight matrix.
func QuantizePerChannel(data []float32, params []QParams) Int8Weights {
	channels := len(params)
	per := len(data) / channels
	out := Int8Weights{Channels: channels, Values: make([]int8, len(data)), Scales: make([]float32, channels)}
	for c, qp := range params {
		out.Scales[c] = qp.Scale
		inv := 1 / qp.Scale
		for i := c * per; i < (c+1)*per; i++ {
			q := math.Round(float64(data[i] * inv))
			if q < float64(qp.QMin) {
				q = float64(qp.QMin)
			} else if q > float64(qp.QMax) {
				q = float64(qp.QMax)
			}
			out.Values[i] = int8(q)
		}
	}
	return out
}

// Dequantize expands the int8 matrix back to float32.
func (w Int8Weights) Dequantize() []float32 {
	out := make([]float32, len(w.Values))
	if w.Channels == 0 {
		return out
	}
	per := len(w.Values) / w.Channels
	for i, q := range w.Values {
		out[i] = float32(q) * w.Scales[i/per]
	}
	return out
}
