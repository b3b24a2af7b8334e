// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend.
//
// # Overview
//
// The CPU kernels are the numerical reference for every other backend:
//   - Matrix products through gonum blas32
//   - Im2col + GEMM convolutions with groups and dilation
//   - Batch-parallel loops sized by the compute service thread count
//
// Importing the package registers the backend for tensor.CPU. Most programs
// import it for that side effect only:
//
//	import _ "github.com/born-ml/deepgraph/backend/cpu"
package cpu
