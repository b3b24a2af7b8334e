// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the tensors, shapes and devices of deepgraph.
//
// # Overview
//
// A tensor is a dense float32 array with a batch-first shape, bound to one
// device. The device decides which backend runs the kernels:
//   - CPU: pure Go kernels, always available
//   - FPGA: emulated boards with a per-board memory budget
//   - GPU: WebGPU, available where the native library loads
//
// Kernels are not called directly; layers dispatch them through the backend
// of the output tensor's device.
//
// # Basic Usage
//
//	import (
//	    _ "github.com/born-ml/deepgraph/backend/cpu"
//	    "github.com/born-ml/deepgraph/tensor"
//	)
//
//	func main() {
//	    x, err := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3}, tensor.CPU)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(x.Shape(), x.Device())
//	}
//
// # Errors
//
// Constructors return errors wrapping one of the Err* categories. Kernel
// contract violations (mismatched shapes or devices inside a dispatch) panic
// with an *OpError instead.
package tensor
