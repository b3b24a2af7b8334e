package tensor

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backend is the kernel table of one device.
//
// Kernels receive tensors that the dispatch layer already validated and
// locked, so implementations never re-check devices or take locks. Every
// kernel whose name starts with D or ends with Back increments its output.
// Tensors carry a host mirror; a device backend may stage the mirror into
// device memory but must leave the result in the mirror when it returns.
type Backend interface {
	Name() string
	Device() Device

	// Memory and elementwise
	Fill(a *Tensor, v float32)
	Copy(src, dst *Tensor)
	Inc(src, dst *Tensor)
	Add(scA float32, a *Tensor, scB float32, b *Tensor, c *Tensor, inc bool)
	ElMult(a, b, c *Tensor, inc bool)
	ElDiv(a, b, c *Tensor, inc bool)
	Scale(a *Tensor, s float32)
	AddScalar(a *Tensor, v float32)
	Sqrt(a, b *Tensor)

	// Linear algebra
	Mult2D(a *Tensor, tA bool, b *Tensor, tB bool, c *Tensor, inc bool)
	Sum2DRowwise(a, b, c *Tensor)
	ReduceSumRows(a, b *Tensor, inc bool)

	// Activations
	ReLU(a, b *Tensor)
	DReLU(d, i, pd *Tensor)
	Sigmoid(a, b *Tensor)
	DSigmoid(d, o, pd *Tensor)
	Tanh(a, b *Tensor)
	DTanh(d, o, pd *Tensor)
	Softmax(a, b *Tensor)
	DSoftmax(d, o, pd *Tensor)
	ElMax(a, b, c *Tensor)
	DMax(d, out, in, pd *Tensor)

	// Structured ops
	Conv2D(cd *ConvolDescriptor)
	Conv2DGrad(cd *ConvolDescriptor)
	Conv2DBack(cd *ConvolDescriptor)
	ChannelBias(b, y *Tensor)
	ChannelBiasBack(d, gb *Tensor)
	MPool2D(pd *PoolDescriptor)
	MPool2DBack(pd *PoolDescriptor)
	Select(a, b *Tensor, sd *SelDescriptor)
	SelectBack(d, pd *Tensor, sd *SelDescriptor)
	Concat(parts []*Tensor, out *Tensor, axis int)
	ConcatBack(d *Tensor, parts []*Tensor, axis int)
}

// Allocator is implemented by backends with a bounded device memory.
// Reserve returns an error wrapping ErrAllocation when the budget is exhausted.
type Allocator interface {
	Reserve(bytes int64) error
	Release(bytes int64)
}

// Factory creates the backend instance for one device index.
type Factory func(index int) (Backend, error)

var registry = struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
	instances map[Device]Backend
}{
	factories: make(map[Kind]Factory),
	instances: make(map[Device]Backend),
}

// RegisterBackend makes a backend kind available. Backends call it from init.
// Registering the same kind twice replaces the factory and drops cached instances.
func RegisterBackend(kind Kind, f Factory) {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.factories[kind] = f
	for dev := range registry.instances {
		if dev.Kind == kind {
			delete(registry.instances, dev)
		}
	}
	klog.V(2).InfoS("registered backend", "kind", kind)
}

// Resolve returns the backend serving dev, creating it on first use.
func Resolve(dev Device) (Backend, error) {
	registry.mu.RLock()
	be, ok := registry.instances[dev]
	registry.mu.RUnlock()
	if ok {
		return be, nil
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if be, ok := registry.instances[dev]; ok {
		return be, nil
	}
	f, ok := registry.factories[dev.Kind]
	if !ok {
		return nil, errors.Wrapf(ErrUnsupportedBackend, "no %s backend compiled in (device %s)", dev.Kind, dev)
	}
	be, err := f(dev.Index)
	if err != nil {
		return nil, errors.Wrapf(ErrUnsupportedBackend, "device %s: %v", dev, err)
	}
	registry.instances[dev] = be
	klog.V(1).InfoS("resolved backend", "device", dev.String(), "backend", be.Name())
	return be, nil
}

// Backends lists the registered device kinds in ascending order.
func Backends() []Kind {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	kinds := make([]Kind, 0, len(registry.factories))
	for k := range registry.factories {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func backendOf(op string, t *Tensor) Backend {
	be, err := Resolve(t.device)
	if err != nil {
		opPanic(op, ErrUnsupportedBackend, "%v", err)
	}
	return be
}
