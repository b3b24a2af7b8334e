// Package tensor provides the core tensor type, the device-tagged kernel
// dispatch and the descriptors of structured operations (convolution,
// pooling, selection).
//
// Every numeric operation is a package-level dispatcher:
//
//	tensor.Add(1, a, -1, b, c, false) // c = a - b
//	tensor.Mult2D(x, false, w, false, y, true) // y += x @ w
//
// A dispatcher validates its operands, locks the output tensor, runs the
// kernel of the backend registered for the output's device and unlocks.
package tensor

import (
	"sync"

	"github.com/pkg/errors"
)

// maxElements bounds a single allocation.
const maxElements = 1 << 31

// Tensor is an N-dimensional float32 buffer bound to a device.
//
// Data always holds an up-to-date host mirror of the contents: device
// backends stage it in and out around every kernel.
type Tensor struct {
	mu     sync.Mutex
	shape  Shape
	device Device
	data   []float32
	bytes  int64 // reserved from the device allocator
	freed  bool
}

// New allocates a zero-filled tensor on dev.
func New(shape Shape, dev Device) (*Tensor, error) {
	if err := shape.Validate(); err != nil {
		return nil, err
	}
	be, err := Resolve(dev)
	if err != nil {
		return nil, err
	}

	n := shape.NumElements()
	if n >= maxElements {
		return nil, errors.Wrapf(ErrAllocation, "shape %v has %d elements", shape, n)
	}
	bytes := int64(n) * 4
	if a, ok := be.(Allocator); ok {
		if err := a.Reserve(bytes); err != nil {
			return nil, err
		}
	}

	return &Tensor{
		shape:  shape.Clone(),
		device: dev,
		data:   make([]float32, n),
		bytes:  bytes,
	}, nil
}

// Zeros is an alias of New kept for readability at call sites.
func Zeros(shape Shape, dev Device) (*Tensor, error) {
	return New(shape, dev)
}

// FromSlice creates a tensor from a Go slice. The slice is copied.
func FromSlice(data []float32, shape Shape, dev Device) (*Tensor, error) {
	if shape.NumElements() != len(data) {
		return nil, errors.Wrapf(ErrShapeMismatch, "shape %v requires %d elements, but got %d",
			shape, shape.NumElements(), len(data))
	}
	t, err := New(shape, dev)
	if err != nil {
		return nil, err
	}
	copy(t.data, data)
	return t, nil
}

// Full creates a tensor filled with v.
func Full(shape Shape, v float32, dev Device) (*Tensor, error) {
	t, err := New(shape, dev)
	if err != nil {
		return nil, err
	}
	for i := range t.data {
		t.data[i] = v
	}
	return t, nil
}

// Shape returns the tensor's shape. The result must not be modified.
func (t *Tensor) Shape() Shape { return t.shape }

// Device returns the tensor's device tag.
func (t *Tensor) Device() Device { return t.device }

// NumElements returns the total number of elements.
func (t *Tensor) NumElements() int { return len(t.data) }

// Dim returns dimension i.
func (t *Tensor) Dim(i int) int { return t.shape[i] }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.shape) }

// Data returns the host mirror. Writers must go through a dispatcher or Load.
func (t *Tensor) Data() []float32 { return t.data }

// Freed reports whether Free was called.
func (t *Tensor) Freed() bool { return t.freed }

// Clone returns a copy of t on the same device.
func (t *Tensor) Clone() (*Tensor, error) {
	return t.CloneTo(t.device)
}

// CloneTo returns a copy of t on dev.
func (t *Tensor) CloneTo(dev Device) (*Tensor, error) {
	c, err := New(t.shape, dev)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	copy(c.data, t.data)
	t.mu.Unlock()
	return c, nil
}

// Resize changes the batch dimension in place. Contents are zeroed.
func (t *Tensor) Resize(batch int) error {
	if batch <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "invalid batch size %d", batch)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.freed {
		return errors.Wrap(ErrStructural, "resize of freed tensor")
	}
	shape := t.shape.WithBatch(batch)
	n := shape.NumElements()
	if n >= maxElements {
		return errors.Wrapf(ErrAllocation, "shape %v has %d elements", shape, n)
	}
	bytes := int64(n) * 4

	if be, err := Resolve(t.device); err == nil {
		if a, ok := be.(Allocator); ok {
			if bytes > t.bytes {
				if err := a.Reserve(bytes - t.bytes); err != nil {
					return err
				}
			} else {
				a.Release(t.bytes - bytes)
			}
		}
	}

	if n <= cap(t.data) {
		t.data = t.data[:n]
		clear(t.data)
	} else {
		t.data = make([]float32, n)
	}
	t.shape = shape
	t.bytes = bytes
	return nil
}

// Free releases the tensor's device memory. Freeing twice panics.
func (t *Tensor) Free() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.freed {
		opPanic("free", ErrStructural, "double free of %v tensor on %s", t.shape, t.device)
	}
	if be, err := Resolve(t.device); err == nil {
		if a, ok := be.(Allocator); ok {
			a.Release(t.bytes)
		}
	}
	t.data = nil
	t.bytes = 0
	t.freed = true
}

// Load copies vals into the tensor's host mirror.
func Load(t *Tensor, vals []float32) {
	if len(vals) != len(t.data) {
		opPanic("load", ErrShapeMismatch, "%d values for %v", len(vals), t.shape)
	}
	t.mu.Lock()
	copy(t.data, vals)
	t.mu.Unlock()
}

// LoadRows copies rows [from, from+dst batch) of src into dst.
// src and dst may live on different devices; it is the host-side
// transfer used to scatter a batch across replicas.
func LoadRows(src *Tensor, from int, dst *Tensor) {
	if !Shape(src.shape[1:]).Equal(dst.shape[1:]) {
		opPanic("load_rows", ErrShapeMismatch, "%v rows into %v", src.shape, dst.shape)
	}
	sample := dst.shape.Sample()
	if from < 0 || from+dst.shape[0] > src.shape[0] {
		opPanic("load_rows", ErrShapeMismatch, "rows [%d,%d) of %v", from, from+dst.shape[0], src.shape)
	}
	dst.mu.Lock()
	copy(dst.data, src.data[from*sample:(from+dst.shape[0])*sample])
	dst.mu.Unlock()
}

// StoreRows copies all rows of src into dst starting at row from.
func StoreRows(src *Tensor, dst *Tensor, from int) {
	if !Shape(src.shape[1:]).Equal(dst.shape[1:]) {
		opPanic("store_rows", ErrShapeMismatch, "%v rows into %v", src.shape, dst.shape)
	}
	sample := src.shape.Sample()
	if from < 0 || from+src.shape[0] > dst.shape[0] {
		opPanic("store_rows", ErrShapeMismatch, "rows [%d,%d) of %v", from, from+src.shape[0], dst.shape)
	}
	dst.mu.Lock()
	copy(dst.data[from*sample:], src.data)
	dst.mu.Unlock()
}

// Transfer copies src into dst across devices. Shapes must be equal.
func Transfer(src, dst *Tensor) {
	if !src.shape.Equal(dst.shape) {
		opPanic("transfer", ErrShapeMismatch, "%v vs %v", src.shape, dst.shape)
	}
	if src == dst {
		return
	}
	dst.mu.Lock()
	copy(dst.data, src.data)
	dst.mu.Unlock()
}
