package model

import (
	"context"
	"fmt"

	"segforge/internal/quant"
	"segforge/internal/tensor"
)

// Prepare inserts activation observers. Subsequent forward passes record
// ranges until Freeze.
func (m *UNetFormer) Prepare(cfg quant.QConfig) error {
	if m.stage != quant.StageFloat {
		return fmt.Errorf("model: prepare from stage %s", m.stage)
	}
	m.qcfg = cfg
	m.observers = make(map[string]*quant.MinMaxObserver)
	for _, name := range m.activationPoints() {
		m.observers[name] = quant.NewMinMaxObserver(cfg.ActReduceRange)
	}
	m.calibrated = 0
	m.cache = nil
	m.stage = quant.StageObserved
	return nil
}

func (m *UNetFormer) activationPoints() []string {
	points := []string{pointInput, pointEncoder, pointContext, pointDecoder, pointHead}
	if m.opts.Aux {
		points = append(points, pointAux)
	}
	return points
}

// Stage implements quant.Quantizable.
func (m *UNetFormer) Stage() quant.Stage { return m.stage }

// Calibrated implements quant.Quantizable.
func (m *UNetFormer) Calibrated() int { return m.calibrated }

// Observe implements quant.Quantizable.
func (m *UNetFormer) Observe(ctx context.Context, x *tensor.Tensor) error {
	if m.stage != quant.StageObserved {
		return quant.ErrNotPrepared
	}
	if _, err := m.Forward(ctx, x, false); err != nil {
		return err
	}
	m.calibrated++
	return nil
}

// activation records (observed stage) or fake-quantizes (quantized stage)
// the values flowing through a named point.
func (m *UNetFormer) activation(point string, data []float32) {
	switch m.stage {
	case quant.StageObserved:
		m.obsMu.Lock()
		m.observers[point].Observe(data)
		m.obsMu.Unlock()
	case quant.StageQuantized:
		quant.FakeQuantize(data, m.actParams[point])
	}
}

// Freeze implements quant.Quantizable: it fixes activation qparams and
// replaces every weight matrix by its per-channel int8 representation.
func (m *UNetFormer) Freeze() error {
	if m.stage != quant.StageObserved {
		return quant.ErrNotPrepared
	}
	actParams := make(map[string]quant.QParams, len(m.observers))
	for name, obs := range m.observers {
		qp, err := obs.QParams()
		if err != nil {
			return fmt.Errorf("activation %s: %w", name, err)
		}
		actParams[name] = qp
	}
	int8w := make(map[string]quant.Int8Weights)
	for _, p := range m.weights() {
		var obs quant.PerChannelMinMaxObserver
		obs.Observe(p.Data, p.Shape[0])
		params, err := obs.QParams()
		if err != nil {
			return fmt.Errorf("weight %s: %w", p.Name, err)
		}
		q := quant.QuantizePerChannel(p.Data, params)
		int8w[p.Name] = q
		copy(p.Data, q.Dequantize())
	}
	m.actParams = actParams
	m.int8 = int8w
	m.observers = nil
	m.cache = nil
	m.stage = quant.StageQuantized
	return nil
}

// weights returns the parameters quantized to int8; biases stay float.
func (m *UNetFormer) weights() []*Parameter {
	var out []*Parameter
	for _, p := range m.params {
		if len(p.Shape) >= 2 {
			out = append(out, p)
		}
	}
	return out
}

// ActivationQParams returns the fixed activation parameters of a quantized
// model, keyed by activation point.
func (m *UNetFormer) ActivationQParams() map[string]quant.QParams {
	out := make(map[string]quant.QParams, len(m.actParams))
	for k, v := range m.actParams {
		out[k] = v
	}
	return out
}
