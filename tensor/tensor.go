// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/deepgraph/internal/tensor"
)

// Tensor is a dense float32 array bound to one device.
type Tensor = tensor.Tensor

// Shape represents the dimensions of a tensor, batch first.
// Example: Shape{32, 3, 28, 28} is a batch of 32 three-channel 28×28 images.
type Shape = tensor.Shape

// Device identifies where a tensor lives.
type Device = tensor.Device

// Kind identifies a family of devices.
type Kind = tensor.Kind

// Device kinds.
const (
	KindCPU  = tensor.KindCPU
	KindGPU  = tensor.KindGPU
	KindFPGA = tensor.KindFPGA
)

// CPU is the host device.
var CPU = tensor.CPU

// GPU returns GPU device i.
func GPU(i int) Device { return tensor.GPU(i) }

// FPGA returns FPGA board i.
func FPGA(i int) Device { return tensor.FPGA(i) }

// MemLevel selects how much scratch memory layers keep between calls.
type MemLevel = tensor.MemLevel

// Memory levels.
const (
	MemFull = tensor.MemFull
	MemMid  = tensor.MemMid
	MemLow  = tensor.MemLow
)

// ParseMemLevel parses "full_mem", "mid_mem" or "low_mem".
func ParseMemLevel(s string) (MemLevel, error) { return tensor.ParseMemLevel(s) }

// Backend is the kernel table of one device.
type Backend = tensor.Backend

// OpError is the panic value of a kernel contract violation.
type OpError = tensor.OpError

// Error categories, matched with errors.Is.
var (
	ErrShapeMismatch      = tensor.ErrShapeMismatch
	ErrDeviceMismatch     = tensor.ErrDeviceMismatch
	ErrUnsupportedBackend = tensor.ErrUnsupportedBackend
	ErrStructural         = tensor.ErrStructural
	ErrAllocation         = tensor.ErrAllocation
)

// New allocates a zero-filled tensor on dev.
//
// Example:
//
//	x, err := tensor.New(tensor.Shape{2, 3}, tensor.CPU)
func New(shape Shape, dev Device) (*Tensor, error) { return tensor.New(shape, dev) }

// Zeros is New.
func Zeros(shape Shape, dev Device) (*Tensor, error) { return tensor.Zeros(shape, dev) }

// Full allocates a tensor with every element set to v.
func Full(shape Shape, v float32, dev Device) (*Tensor, error) { return tensor.Full(shape, v, dev) }

// FromSlice copies data into a new tensor. len(data) must match the shape.
func FromSlice(data []float32, shape Shape, dev Device) (*Tensor, error) {
	return tensor.FromSlice(data, shape, dev)
}

// Resolve returns the backend serving dev.
func Resolve(dev Device) (Backend, error) { return tensor.Resolve(dev) }

// Backends lists the device kinds with a registered backend.
func Backends() []Kind { return tensor.Backends() }

// ConvConfig describes the geometry of a 2D convolution.
type ConvConfig = tensor.ConvConfig

// PoolConfig describes the geometry of a 2D max pooling.
type PoolConfig = tensor.PoolConfig

// Padding modes.
const (
	PaddingValid = tensor.PaddingValid
	PaddingSame  = tensor.PaddingSame
	PaddingNone  = tensor.PaddingNone
)
