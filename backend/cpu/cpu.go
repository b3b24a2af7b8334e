// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	internalcpu "github.com/born-ml/deepgraph/internal/backend/cpu"
	"github.com/born-ml/deepgraph/internal/parallel"
	"github.com/born-ml/deepgraph/tensor"
)

// Backend represents the CPU backend implementation.
type Backend = internalcpu.CPUBackend

// Compile-time check that Backend implements tensor.Backend.
var _ tensor.Backend = (*Backend)(nil)

// New creates a CPU backend using one worker per logical CPU.
func New() *Backend {
	return internalcpu.New()
}

// NewWithThreads creates a CPU backend with a fixed worker count.
// threads <= 0 uses every logical CPU.
func NewWithThreads(threads int) *Backend {
	return internalcpu.NewWithConfig(parallel.WithThreads(threads))
}
