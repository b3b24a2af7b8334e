//go:build windows

package webgpu

import (
	"fmt"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/deepgraph/internal/tensor"
)

func init() {
	tensor.RegisterBackend(tensor.KindGPU, func(index int) (tensor.Backend, error) {
		if index != 0 {
			return nil, errors.Errorf("webgpu: only the default adapter (index 0) is addressable, got %d", index)
		}
		return New()
	})
}

// Backend runs tensor kernels on the default WebGPU adapter.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue

	// Shader and pipeline cache
	shaders   map[string]*wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
	mu        sync.RWMutex

	// Queue submission and read back are serialized.
	submitMu sync.Mutex

	adapterInfo *wgpu.AdapterInfo
	staging     *BufferPool
}

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New opens the high performance adapter and its queue.
func New() (backend *Backend, err error) {
	var undo []func()
	defer func() {
		// wgpu-native panics when its shared library is missing.
		if r := recover(); r != nil {
			backend, err = nil, errors.Errorf("webgpu: native library not available: %v", r)
		}
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	instance := wgpu.CreateInstance(nil)
	undo = append(undo, func() { instance.Release() })
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, errors.Wrap(err, "webgpu: request adapter")
	}
	undo = append(undo, func() { adapter.Release() })
	info := adapter.GetInfo()

	device, err := adapter.RequestDevice(nil)
	if err != nil {
		return nil, errors.Wrap(err, "webgpu: request device")
	}
	undo = append(undo, func() { device.Release() })
	queue := device.GetQueue()
	if queue == nil {
		return nil, errors.New("webgpu: device has no queue")
	}

	klog.InfoS("webgpu adapter opened", "device", info.Device, "vendor", info.Vendor)
	return &Backend{
		instance:    instance,
		adapter:     adapter,
		device:      device,
		queue:       queue,
		shaders:     make(map[string]*wgpu.ShaderModule),
		pipelines:   make(map[string]*wgpu.ComputePipeline),
		adapterInfo: &info,
		staging:     NewBufferPool(device),
	}, nil
}

// Release frees the cached pipelines and the device. The backend is
// unusable afterwards.
func (b *Backend) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.staging != nil {
		b.staging.Clear()
		b.staging = nil
	}
	for _, p := range b.pipelines {
		p.Release()
	}
	for _, m := range b.shaders {
		m.Release()
	}
	clear(b.pipelines)
	clear(b.shaders)

	if b.instance == nil {
		return
	}
	b.queue.Release()
	b.device.Release()
	b.adapter.Release()
	b.instance.Release()
	b.queue, b.device, b.adapter, b.instance = nil, nil, nil, nil
}

// Name reports the adapter, e.g. "webgpu (NVIDIA GeForce RTX 3080)".
func (b *Backend) Name() string {
	if b.adapterInfo == nil || b.adapterInfo.Device == "" {
		return "webgpu"
	}
	return fmt.Sprintf("webgpu (%s)", b.adapterInfo.Device)
}

// Device returns the compute device.
func (b *Backend) Device() tensor.Device {
	return tensor.GPU(0)
}

// AdapterInfo returns information about the GPU adapter.
func (b *Backend) AdapterInfo() *wgpu.AdapterInfo {
	return b.adapterInfo
}

// IsAvailable reports whether an adapter can be requested.
func IsAvailable() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err == nil {
		adapter.Release()
	}
	return err == nil
}
