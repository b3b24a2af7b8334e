// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package deepgraph_test

import (
	"bytes"
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/deepgraph"
	"github.com/born-ml/deepgraph/optim"
	"github.com/born-ml/deepgraph/tensor"
)

func linear(t *testing.T, batch int) *deepgraph.Net {
	t.Helper()
	g := deepgraph.NewGraph(deepgraph.DefaultGraphConfig())
	in, err := g.Input(deepgraph.InputConfig{Shape: tensor.Shape{batch, 2}})
	require.NoError(t, err)
	_, err = g.Dense(deepgraph.DenseConfig{Name: "fc", Units: 1, UseBias: true}, in)
	require.NoError(t, err)
	n, err := deepgraph.NewNet(g, nil, nil)
	require.NoError(t, err)
	return n
}

func TestNet_TrainSaveLoad(t *testing.T) {
	const batch = 8
	n := linear(t, batch)
	defer n.Destroy()
	require.NoError(t, n.Build(optim.NewSGD(optim.SGDConfig{LR: 0.1}),
		[]string{"mse"}, []string{"mae"}, deepgraph.ComputeService{Threads: 1, Shards: 2}))
	assert.Equal(t, 2, n.Replicas())

	rng := rand.New(rand.NewPCG(3, 3))
	xs := make([]float32, batch*2)
	ys := make([]float32, batch)
	var res deepgraph.Result
	for range 400 {
		for i := range batch {
			x0, x1 := float32(rng.Float64()*2-1), float32(rng.Float64()*2-1)
			xs[2*i], xs[2*i+1] = x0, x1
			ys[i] = 2*x0 - 3*x1 + 1
		}
		x, err := tensor.FromSlice(xs, tensor.Shape{batch, 2}, tensor.CPU)
		require.NoError(t, err)
		y, err := tensor.FromSlice(ys, tensor.Shape{batch, 1}, tensor.CPU)
		require.NoError(t, err)
		res, err = n.TrainBatch([]*tensor.Tensor{x}, []*tensor.Tensor{y})
		require.NoError(t, err)
	}
	assert.Less(t, res.Losses[0], float32(1e-2))

	var buf bytes.Buffer
	require.NoError(t, n.Save(&buf, map[string]string{"version": deepgraph.Version}))

	fresh := linear(t, batch)
	defer fresh.Destroy()
	require.NoError(t, fresh.Build(optim.NewSGD(optim.SGDConfig{}), []string{"mse"}, nil, deepgraph.CPU(1)))
	require.NoError(t, fresh.Load(&buf, deepgraph.DefaultLoadOptions()))

	for i, p := range n.Layer("fc").Params() {
		assert.Equal(t, p.Data(), fresh.Layer("fc").Params()[i].Data())
	}
}

func TestNewNet_NoOutput(t *testing.T) {
	g := deepgraph.NewGraph(deepgraph.DefaultGraphConfig())
	_, err := g.Input(deepgraph.InputConfig{Shape: tensor.Shape{1, 2}})
	require.NoError(t, err)
	_, err = deepgraph.NewNet(g, nil, nil)
	assert.True(t, errors.Is(err, deepgraph.ErrNoOutput))
	assert.True(t, errors.Is(err, tensor.ErrStructural))
}

func TestComputeServiceHelpers(t *testing.T) {
	assert.Equal(t, []int{0, 1}, deepgraph.FPGA(0, 1).FPGAs)
	assert.Equal(t, []int{0}, deepgraph.GPU(0).GPUs)
	assert.Equal(t, 4, deepgraph.CPU(4).Threads)
	assert.Error(t, deepgraph.ComputeService{GPUs: []int{0}, FPGAs: []int{0}}.Validate())
}
