//go:build windows

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU backend for tensor.GPU(0).
//
// Importing the package registers the backend. The adapter is opened on the
// first tensor allocated on the GPU, so a missing driver surfaces as an
// ErrUnsupportedBackend from that allocation:
//
//	import _ "github.com/born-ml/deepgraph/backend/webgpu"
//
//	x, err := tensor.New(tensor.Shape{1024, 1024}, tensor.GPU(0))
package webgpu

import (
	internalwebgpu "github.com/born-ml/deepgraph/internal/backend/webgpu"
	"github.com/born-ml/deepgraph/tensor"
)

// Backend represents the WebGPU backend implementation.
type Backend = internalwebgpu.Backend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New opens the default adapter. Call Release when done.
func New() (*Backend, error) {
	return internalwebgpu.New()
}

// IsAvailable reports whether a WebGPU adapter can be opened.
//
// Example:
//
//	cs := net.CPU(-1)
//	if webgpu.IsAvailable() {
//	    cs = net.GPU(0)
//	}
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}
