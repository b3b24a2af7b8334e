// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides the optimizers a net updates its parameters with.
//
// # Overview
//
// This package contains:
//   - SGD: Stochastic Gradient Descent with momentum and weight decay
//   - Adam: Adaptive Moment Estimation with bias correction
//   - Optimizer interface for custom optimizers
//
// Optimizer state (momentum buffers, moment estimates) is allocated lazily
// on the device of the parameter it belongs to, so the same optimizer works
// for nets placed on any backend.
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/deepgraph"
//	    "github.com/born-ml/deepgraph/optim"
//	)
//
//	func main() {
//	    // ... declare a graph and create n with deepgraph.NewNet
//
//	    opt := optim.NewAdam(optim.AdamConfig{LR: 0.001})
//	    err := n.Build(opt, []string{"soft_cross_entropy"}, []string{"categorical_accuracy"}, deepgraph.CPU(-1))
//	}
//
// # Update rules
//
// SGD with momentum μ and weight decay λ:
//
//	v = μ·v + g + λ·θ
//	θ = θ - lr·v
//
// Adam at step t:
//
//	m = β1·m + (1-β1)·g
//	v = β2·v + (1-β2)·g²
//	θ = θ - lr/(1-β1^t) · m / (√(v/(1-β2^t)) + ε)
package optim
