// Package fpga implements the FPGA backend in emulation mode.
//
// Each emulated device has a fixed memory budget that tensor allocation
// is charged against. Convolutions run through the direct (sliding
// window) kernels an FPGA bitstream implements instead of the im2col
// path, and max pooling runs through a clamped-window scan; both are an
// independent check of the CPU reference. Every other kernel runs on the
// host worker pool, sized with SetThreads.
package fpga

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/deepgraph/internal/backend/cpu"
	"github.com/born-ml/deepgraph/internal/tensor"
)

// Config describes the emulated boards.
type Config struct {
	Devices     int   // Number of boards (default: 2)
	MemoryBytes int64 // Memory per board in bytes (default: 512 MiB)
}

// DefaultConfig returns two boards with 512 MiB each.
func DefaultConfig() Config {
	return Config{Devices: 2, MemoryBytes: 512 << 20}
}

func init() {
	Configure(DefaultConfig())
}

// Configure (re)registers the FPGA backend with cfg. Tensors allocated
// before the call keep their accounting on the old instances.
func Configure(cfg Config) {
	def := DefaultConfig()
	if cfg.Devices <= 0 {
		cfg.Devices = def.Devices
	}
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = def.MemoryBytes
	}
	tensor.RegisterBackend(tensor.KindFPGA, func(index int) (tensor.Backend, error) {
		if index < 0 || index >= cfg.Devices {
			return nil, errors.Errorf("fpga: device %d not present (%d boards)", index, cfg.Devices)
		}
		klog.V(1).InfoS("fpga emulation device opened", "index", index, "memoryBytes", cfg.MemoryBytes)
		return New(index, cfg.MemoryBytes), nil
	})
}

// Backend is one emulated FPGA board.
type Backend struct {
	*cpu.CPUBackend

	device tensor.Device

	mu       sync.Mutex
	capacity int64
	used     int64
}

// Compile-time checks.
var (
	_ tensor.Backend   = (*Backend)(nil)
	_ tensor.Allocator = (*Backend)(nil)
)

// New creates board index with the given memory capacity.
func New(index int, capacity int64) *Backend {
	return &Backend{
		CPUBackend: cpu.New(),
		device:     tensor.FPGA(index),
		capacity:   capacity,
	}
}

// SetThreads sizes the worker pool of the host kernels the board falls back to.
func (b *Backend) SetThreads(threads int) {
	b.CPUBackend.SetThreads(threads)
	klog.V(2).InfoS("fpga host threads set", "device", b.device.String(), "threads", b.CPUBackend.Threads())
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return fmt.Sprintf("FPGA-emu:%d", b.device.Index)
}

// Device returns the compute device.
func (b *Backend) Device() tensor.Device {
	return b.device
}

// Reserve charges bytes against the board memory.
func (b *Backend) Reserve(bytes int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used+bytes > b.capacity {
		return errors.Wrapf(tensor.ErrAllocation, "%s: %d bytes requested, %d of %d in use",
			b.device, bytes, b.used, b.capacity)
	}
	b.used += bytes
	return nil
}

// Release returns bytes to the board memory.
func (b *Backend) Release(bytes int64) {
	b.mu.Lock()
	b.used = max(b.used-bytes, 0)
	b.mu.Unlock()
}

// MemoryInUse reports the bytes currently reserved.
func (b *Backend) MemoryInUse() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}
