// Package device decides, once per run, where the model executes and which
// integer kernel family quantization targets.
package device

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"

	"segforge/internal/quant"
)

// Device describes the execution placement of a run.
type Device struct {
	Name     string
	Brand    string
	Threads  int
	Engine   quant.Engine
	Features []string
}

// Detect inspects the host CPU. threads <= 0 selects one per logical core.
func Detect(threads int) Device {
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return Device{
		Name:     "cpu",
		Brand:    cpuid.CPU.BrandName,
		Threads:  threads,
		Engine:   engineFor(cpuid.CPU.Supports(cpuid.AVX2), runtime.GOARCH),
		Features: cpuid.CPU.FeatureSet(),
	}
}

// engineFor picks fbgemm on x86 with AVX2 and qnnpack everywhere else.
func engineFor(avx2 bool, arch string) quant.Engine {
	if avx2 && (arch == "amd64" || arch == "386") {
		return quant.EngineFBGEMM
	}
	return quant.EngineQNNPACK
}

// ResolveEngine honours an explicit engine name and otherwise uses the
// detected one.
func (d Device) ResolveEngine(requested string) quant.Engine {
	switch quant.Engine(requested) {
	case quant.EngineFBGEMM, quant.EngineQNNPACK:
		return quant.Engine(requested)
	}
	return d.Engine
}
