package quant

import (
	"errors"
	"math"
)

// ErrNoObservations is returned when qparams are requested from an observer
// that never saw any data.
var ErrNoObservations = errors.New("quant: observer has no statistics")

const minScale = float32(1.1920929e-07) // float32 machine epsilon

// QParams maps real values to integers as q = round(x/Scale) + ZeroPoint.
type QParams struct {
	Scale     float32
	ZeroPoint int32
	QMin      int32
	QMax      int32
}

// MinMaxObserver tracks the running range of an activation and derives
// affine quint8 parameters from it.
type MinMaxObserver struct {
	min, max    float32
	seen        bool
	reduceRange bool
}

// NewMinMaxObserver creates an activation observer. reduceRange restricts
// the quantized range to 7 bits, as the fbgemm kernels require.
func NewMinMaxObserver(reduceRange bool) *MinMaxObserver {
	return &MinMaxObserver{reduceRange: reduceRange}
}

// Observe folds data into the running range.
func (o *MinMaxObserver) Observe(data []float32) {
	for _, v := range data {
		if !o.seen {
			o.min, o.max = v, v
			o.seen = true
			continue
		}
		if v < o.min {
			o.min = v
		}
		if v > o.max {
			o.max = v
		}
	}
}

// QParams returns affine parameters covering the observed range and 0.
func (o *MinMaxObserver) QParams() (QParams, error) {
	if !o.seen {
		return QParams{}, ErrNoObservations
	}
	qmin, qmax := int32(0), int32(255)
	if o.reduceRange {
		qmax = 127
	}
	lo := float32(math.Min(float64(o.min), 0))
	hi := float32(math.Max(float64(o.max), 0))
	scale := (hi - lo) / float32(qmax-qmin)
	if scale < minScale {
		scale = minScale
	}
	zp := qmin - int32(math.Round(float64(lo/scale)))
	if zp < qmin {
		zp = qmin
	}
	if zp > qmax {
		zp = qmax
	}
	return QParams{Scale: scale, ZeroPoint: zp, QMin: qmin, QMax: qmax}, nil
}

// PerChannelMinMaxObserver tracks weight ranges per output channel and
// derives symmetric qint8 parameters.
type PerChannelMinMaxObserver struct {
	min, max []float32
}

// Observe folds a [channels, rest] row-major weight matrix into the ranges.
func (o *PerChannelMinMaxObserver) Observe(data []float32, channels int) {
	if channels <= 0 || len(data)%channels != 0 {
		return
	}
	if o.min == nil {
		o.min = make([]float32, channels)
		o.max = make([]float32, channels)
		for c := range o.min {
			o.min[c] = float32(math.Inf(1))
			o.max[c] = float32(math.Inf(-1))
		}
	}
	per := len(data) / channels
	for c := 0; c < channels; c++ {
		for _, v := range data[c*per : (c+1)*per] {
			if v < o.min[c] {
				o.min[c] = v
			}
			if v > o.max[c] {
				o.max[c] = v
			}
		}
	}
}

// QParams returns one symmetric parameter set per channel.
func (o *PerChannelMinMaxObserver) QParams() ([]QParams, error) {
	if o.min == nil {
		return nil, ErrNoObservations
	}
	out := make([]QParams, len(o.min))
	for c := range o.min {
		absMax := math.Max(-float64(o.min[c]), float64(o.max[c]))
		scale := float32(absMax / 127.5)
		if scale < minScale {
			scale = minScale
		}
		out[c] = QParams{Scale: scale, ZeroPoint: 0, QMin: -128, QMax: 127}
	}
	return out, nil
}
