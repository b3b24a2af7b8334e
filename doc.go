// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package deepgraph is a layer-graph deep learning engine with kernels
// dispatched to CPU, emulated FPGA and WebGPU backends.
//
// # Overview
//
// A model is declared as a Graph of layers. A Net wraps the graph for
// training: it orders the layers, initializes parameters and replicates the
// graph over the devices of a ComputeService. Replicas on the CPU share
// their weights; replicas on GPUs or FPGAs are independent clones whose
// gradients are gathered into a master copy before each update.
//
// # Basic Usage
//
//	g := deepgraph.NewGraph(deepgraph.DefaultGraphConfig())
//	in, _ := g.Input(deepgraph.InputConfig{Shape: tensor.Shape{64, 1, 28, 28}})
//	c, _ := g.Conv(deepgraph.ConvConfig{ConvConfig: tensor.ConvConfig{
//	    Filters: 8, KernelSize: []int{3, 3}, Padding: "same", UseBias: true,
//	}}, in)
//	r, _ := g.Activation(deepgraph.ActivationConfig{Func: deepgraph.FuncReLU}, c)
//	f, _ := g.Reshape(deepgraph.ReshapeConfig{Shape: tensor.Shape{-1}}, r)
//	d, _ := g.Dense(deepgraph.DenseConfig{Units: 10, UseBias: true}, f)
//	_, _ = g.Activation(deepgraph.ActivationConfig{Func: deepgraph.FuncSoftmax}, d)
//
//	n, _ := deepgraph.NewNet(g, nil, nil)
//	_ = n.Build(optim.NewAdam(optim.AdamConfig{}),
//	    []string{"soft_cross_entropy"}, []string{"categorical_accuracy"},
//	    deepgraph.ComputeService{Threads: -1, Shards: 4})
//
//	res, err := n.TrainBatch([]*tensor.Tensor{x}, []*tensor.Tensor{y})
//
// # Layers
//
// Input, Dense, Conv, ConvT, MaxPool, Activation, Reshape, Dropout, Select
// and CropScaleRandom transform one parent. Add, Diff, Maximum and Concat
// merge several. CropScaleRandom only acts in training mode.
//
// # Losses and metrics
//
// Losses: mse, cross_entropy, soft_cross_entropy. A softmax output trained
// with soft_cross_entropy passes the loss delta straight through.
// Metrics: categorical_accuracy, mse, mae.
package deepgraph
