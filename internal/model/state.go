package model

import (
	"fmt"

	"segforge/internal/quant"
)

// State is a serializable parameter snapshot.
type State struct {
	Options    Options
	Stage      quant.Stage
	Engine     quant.Engine
	Params     map[string][]float32
	Shapes     map[string][]int
	ActParams  map[string]quant.QParams
	Int8       map[string]quant.Int8Weights
	Calibrated int
}

// StateDict copies the current parameters.
func (m *UNetFormer) StateDict() State {
	st := State{
		Options:    m.opts,
		Stage:      m.stage,
		Params:     make(map[string][]float32, len(m.params)),
		Shapes:     make(map[string][]int, len(m.params)),
		Calibrated: m.calibrated,
	}
	for _, p := range m.params {
		st.Params[p.Name] = append([]float32(nil), p.Data...)
		st.Shapes[p.Name] = append([]int(nil), p.Shape...)
	}
	if m.stage == quant.StageQuantized {
		st.Engine = m.qcfg.Engine
		st.ActParams = m.ActivationQParams()
		st.Int8 = make(map[string]quant.Int8Weights, len(m.int8))
		for k, v := range m.int8 {
			st.Int8[k] = v
		}
	}
	return st
}

// LoadStateDict restores parameters from st. Float snapshots can be loaded
// into a float model; quantized snapshots switch the model to the quantized
// stage.
func (m *UNetFormer) LoadStateDict(st State) error {
	for _, p := range m.params {
		data, ok := st.Params[p.Name]
		if !ok {
			return fmt.Errorf("model: state is missing %s", p.Name)
		}
		if len(data) != len(p.Data) {
			return fmt.Errorf("model: %s has %d values, want %d", p.Name, len(data), len(p.Data))
		}
	}
	for _, p := range m.params {
		copy(p.Data, st.Params[p.Name])
	}
	switch st.Stage {
	case quant.StageFloat:
		m.stage = quant.StageFloat
		m.actParams, m.int8, m.observers = nil, nil, nil
		m.qcfg = quant.QConfig{}
	case quant.StageQuantized:
		for _, name := range m.activationPoints() {
			if _, ok := st.ActParams[name]; !ok {
				return fmt.Errorf("model: quantized state is missing activation %s", name)
			}
		}
		m.actParams = st.ActParams
		m.int8 = st.Int8
		m.qcfg = quant.DefaultQConfig(st.Engine)
		m.observers = nil
		m.stage = quant.StageQuantized
	default:
		return fmt.Errorf("model: cannot load a snapshot taken in stage %s", st.Stage)
	}
	m.calibrated = st.Calibrated
	m.cache = nil
	return nil
}
