package device

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"segforge/internal/quant"
)

func TestEngineFor(t *testing.T) {
	assert.Equal(t, quant.EngineFBGEMM, engineFor(true, "amd64"))
	assert.Equal(t, quant.EngineQNNPACK, engineFor(false, "amd64"))
	assert.Equal(t, quant.EngineQNNPACK, engineFor(true, "arm64"))
}

func TestDetect(t *testing.T) {
	d := Detect(3)
	assert.Equal(t, "cpu", d.Name)
	assert.Equal(t, 3, d.Threads)
	assert.Positive(t, Detect(0).Threads)
}

func TestResolveEngine(t *testing.T) {
	d := Device{Engine: quant.EngineQNNPACK}
	assert.Equal(t, quant.EngineFBGEMM, d.ResolveEngine("fbgemm"))
	assert.Equal(t, quant.EngineQNNPACK, d.ResolveEngine(""))
	assert.Equal(t, quant.EngineQNNPACK, d.ResolveEngine("auto"))
}
