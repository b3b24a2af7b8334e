// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package deepgraph

import (
	"github.com/born-ml/deepgraph/internal/graph"
	"github.com/born-ml/deepgraph/internal/net"
	"github.com/born-ml/deepgraph/internal/serialization"

	// Backends available to every program using the facade.
	_ "github.com/born-ml/deepgraph/internal/backend/cpu"
	_ "github.com/born-ml/deepgraph/internal/backend/fpga"
	_ "github.com/born-ml/deepgraph/internal/backend/webgpu"
)

// Version is the engine release.
const Version = "v0.1.0-dev"

// Graph owns layers and their parameter storage.
type Graph = graph.Graph

// GraphConfig holds the graph-wide options.
type GraphConfig = graph.Config

// Layer is one node of a graph.
type Layer = graph.Layer

// Mode switches layers with train-only behaviour (dropout).
type Mode = graph.Mode

// Modes.
const (
	Train = graph.Train
	Eval  = graph.Eval
)

// Layer configurations.
type (
	InputConfig      = graph.InputConfig
	DenseConfig      = graph.DenseConfig
	ConvConfig       = graph.ConvConfig
	PoolConfig       = graph.PoolConfig
	ActivationConfig = graph.ActivationConfig
	ReshapeConfig    = graph.ReshapeConfig
	DropoutConfig    = graph.DropoutConfig
	SelectConfig     = graph.SelectConfig
	CropScaleConfig  = graph.CropScaleConfig
	ConcatConfig     = graph.ConcatConfig
)

// Border modes of CropScaleRandom.
const (
	BorderNearest  = graph.BorderNearest
	BorderConstant = graph.BorderConstant
)

// Activation functions.
const (
	FuncReLU    = graph.FuncReLU
	FuncSigmoid = graph.FuncSigmoid
	FuncTanh    = graph.FuncTanh
	FuncSoftmax = graph.FuncSoftmax
	FuncLinear  = graph.FuncLinear
)

// DefaultGraphConfig keeps every buffer and seeds stochastic layers with 1.
func DefaultGraphConfig() GraphConfig { return graph.DefaultConfig() }

// NewGraph creates an empty graph.
//
// Example:
//
//	g := deepgraph.NewGraph(deepgraph.DefaultGraphConfig())
//	in, _ := g.Input(deepgraph.InputConfig{Shape: tensor.Shape{32, 784}})
//	h, _ := g.Dense(deepgraph.DenseConfig{Units: 10, UseBias: true}, in)
//	out, _ := g.Activation(deepgraph.ActivationConfig{Func: deepgraph.FuncSoftmax}, h)
func NewGraph(cfg GraphConfig) *Graph { return graph.New(cfg) }

// Net runs a graph as a trainable model.
type Net = net.Net

// Result holds the per-output loss and metric values of a batch.
type Result = net.Result

// ComputeService describes where a net runs.
type ComputeService = net.ComputeService

// ErrNoOutput is returned when a net has no output layer.
var ErrNoOutput = net.ErrNoOutput

// NewNet creates a net over g. Empty inputs or outputs are inferred.
//
// Example:
//
//	n, err := deepgraph.NewNet(g, nil, nil)
//	if err != nil {
//	    return err
//	}
//	err = n.Build(optim.NewSGD(optim.SGDConfig{LR: 0.1}),
//	    []string{"soft_cross_entropy"}, []string{"categorical_accuracy"}, deepgraph.CPU(-1))
func NewNet(g *Graph, inputs, outputs []*Layer) (*Net, error) { return net.New(g, inputs, outputs) }

// CPU runs on the host with the given thread count (-1 = every core).
func CPU(threads int) ComputeService { return net.CPU(threads) }

// GPU places one replica on each listed GPU.
func GPU(ids ...int) ComputeService { return net.GPU(ids...) }

// FPGA places one replica on each listed FPGA board.
func FPGA(ids ...int) ComputeService { return net.FPGA(ids...) }

// LoadOptions configures Net.Load.
type LoadOptions = serialization.LoadOptions

// DefaultLoadOptions validates the checksum and tolerates renamed layers.
func DefaultLoadOptions() LoadOptions { return serialization.DefaultLoadOptions() }
