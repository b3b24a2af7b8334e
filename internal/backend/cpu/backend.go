// Package cpu implements the CPU reference backend.
//
// The CPU kernels define the numerical behaviour every other backend is
// checked against. Matrix products go through gonum's blas32; convolutions
// use im2col + GEMM per batch entry; loops over the batch run in parallel.
package cpu

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/parallel"
	"github.com/born-ml/deepgraph/internal/tensor"
)

// CPUBackend implements the tensor kernel table on the host.
type CPUBackend struct {
	device tensor.Device

	mu  sync.RWMutex
	par parallel.Config
}

// Compile-time check that CPUBackend implements tensor.Backend.
var _ tensor.Backend = (*CPUBackend)(nil)

func init() {
	tensor.RegisterBackend(tensor.KindCPU, func(index int) (tensor.Backend, error) {
		if index != 0 {
			return nil, errors.Errorf("cpu: invalid device index %d", index)
		}
		return New(), nil
	})
}

// New creates a CPU backend using one worker per logical CPU.
func New() *CPUBackend {
	return NewWithConfig(parallel.DefaultConfig())
}

// NewWithConfig creates a CPU backend with an explicit parallel configuration.
func NewWithConfig(cfg parallel.Config) *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
		par:    cfg,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// SetThreads changes the worker count. threads <= 0 selects all cores.
func (cpu *CPUBackend) SetThreads(threads int) {
	cpu.mu.Lock()
	cpu.par = parallel.WithThreads(threads)
	cpu.mu.Unlock()
}

// Threads returns the current worker count.
func (cpu *CPUBackend) Threads() int {
	return cpu.config().NumWorkers
}

func (cpu *CPUBackend) config() parallel.Config {
	cpu.mu.RLock()
	defer cpu.mu.RUnlock()
	return cpu.par
}

// forElems runs f over contiguous chunks of [0, n).
func (cpu *CPUBackend) forElems(n int, f func(lo, hi int)) {
	cfg := cpu.config()
	cfg.MinChunkSize = max(cfg.MinChunkSize, 4096)
	parallel.ForRange(n, f, cfg)
}

// forBatch runs f(b) for every batch entry.
func (cpu *CPUBackend) forBatch(n int, f func(b int)) {
	parallel.For(n, f, cpu.config().Batch())
}
