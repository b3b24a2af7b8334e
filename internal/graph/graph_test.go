package graph

import (
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/born-ml/deepgraph/internal/backend/cpu"
	_ "github.com/born-ml/deepgraph/internal/backend/fpga"
	"github.com/born-ml/deepgraph/internal/initializer"
	"github.com/born-ml/deepgraph/internal/tensor"
)

func input(t *testing.T, g *Graph, shape tensor.Shape, vals []float32) *Layer {
	t.Helper()
	in, err := g.Input(InputConfig{Shape: shape})
	require.NoError(t, err)
	if vals != nil {
		tensor.Load(in.Output(), vals)
	}
	return in
}

func TestNames_AutoAndExplicit(t *testing.T) {
	g := New(DefaultConfig())
	in := input(t, g, tensor.Shape{2, 3}, nil)
	assert.Equal(t, "input1", in.Name())

	d1, err := g.Dense(DenseConfig{Units: 4}, in)
	require.NoError(t, err)
	_, err = g.Dense(DenseConfig{Name: "dense2", Units: 4}, d1)
	require.NoError(t, err)
	d3, err := g.Dense(DenseConfig{Units: 4}, d1)
	require.NoError(t, err)

	assert.Equal(t, "dense1", d1.Name())
	assert.Equal(t, "dense3", d3.Name(), "explicitly claimed names are skipped")

	_, err = g.Dense(DenseConfig{Name: "dense1", Units: 4}, in)
	assert.True(t, errors.Is(err, tensor.ErrStructural))
	assert.Same(t, d1, g.Lookup("dense1"))
}

func TestConstructors_StructuralErrors(t *testing.T) {
	g := New(DefaultConfig())
	a := input(t, g, tensor.Shape{2, 3}, nil)
	b := input(t, g, tensor.Shape{2, 3}, nil)
	c := input(t, g, tensor.Shape{2, 5}, nil)
	other := input(t, New(DefaultConfig()), tensor.Shape{2, 3}, nil)

	cases := []struct {
		name string
		call func() (*Layer, error)
	}{
		{"dense two parents", func() (*Layer, error) { return g.Dense(DenseConfig{Units: 2}, a, b) }},
		{"dense no parent", func() (*Layer, error) { return g.Dense(DenseConfig{Units: 2}) }},
		{"activation two parents", func() (*Layer, error) { return g.Activation(ActivationConfig{Func: "relu"}, a, b) }},
		{"add single parent", func() (*Layer, error) { return g.Add("", a) }},
		{"add empty", func() (*Layer, error) { return g.Add("") }},
		{"diff three parents", func() (*Layer, error) { return g.Diff("", a, b, a) }},
		{"add shape mismatch", func() (*Layer, error) { return g.Add("", a, c) }},
		{"maximum shape mismatch", func() (*Layer, error) { return g.Maximum("", a, c) }},
		{"concat empty", func() (*Layer, error) { return g.Concat(ConcatConfig{}) }},
		{"concat bad axis", func() (*Layer, error) { return g.Concat(ConcatConfig{Axis: 1}, a, c) }},
		{"unknown activation", func() (*Layer, error) { return g.Activation(ActivationConfig{Func: "gelu"}, a) }},
		{"foreign parent", func() (*Layer, error) { return g.Dense(DenseConfig{Units: 2}, other) }},
		{"unknown initializer", func() (*Layer, error) { return g.Dense(DenseConfig{Units: 2, Init: "nope"}, a) }},
		{"dropout rate", func() (*Layer, error) { return g.Dropout(DropoutConfig{Rate: 1}, a) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := tc.call()
			assert.Nil(t, l)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tensor.ErrStructural), "got %v", err)
		})
	}

	_, err := g.Dense(DenseConfig{Units: 2}, input(t, g, tensor.Shape{2, 3, 4}, nil))
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
	_, err = g.Reshape(ReshapeConfig{Shape: tensor.Shape{4}}, a)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	// Failed constructors leave no children behind.
	assert.Empty(t, a.Children())
}

func TestConcat_AllowsSingleParent(t *testing.T) {
	g := New(DefaultConfig())
	a := input(t, g, tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	c, err := g.Concat(ConcatConfig{}, a)
	require.NoError(t, err)
	c.Forward()
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, c.Output().Data())
}

func TestForward_Idempotent(t *testing.T) {
	g := New(DefaultConfig())
	rng := rand.New(rand.NewPCG(3, 4))
	x := make([]float32, 2*2*6*6)
	for i := range x {
		x[i] = rng.Float32()*2 - 1
	}
	in := input(t, g, tensor.Shape{2, 2, 6, 6}, x)
	conv, err := g.Conv(ConvConfig{ConvConfig: tensor.ConvConfig{Filters: 3, KernelSize: []int{3, 3}, Padding: "same", UseBias: true}}, in)
	require.NoError(t, err)
	act, err := g.Activation(ActivationConfig{Func: FuncReLU}, conv)
	require.NoError(t, err)
	pool, err := g.MaxPool(PoolConfig{PoolConfig: tensor.PoolConfig{PoolSize: []int{2, 2}}}, act)
	require.NoError(t, err)
	flat, err := g.Reshape(ReshapeConfig{Shape: tensor.Shape{-1}}, pool)
	require.NoError(t, err)
	dense, err := g.Dense(DenseConfig{Units: 4, UseBias: true}, flat)
	require.NoError(t, err)
	soft, err := g.Activation(ActivationConfig{Func: FuncSoftmax}, dense)
	require.NoError(t, err)

	layers := []*Layer{conv, act, pool, flat, dense, soft}
	for _, l := range layers {
		l.Initialize(rng)
	}
	run := func() []float32 {
		for _, l := range layers {
			l.Forward()
		}
		return append([]float32(nil), soft.Output().Data()...)
	}
	first := run()
	second := run()
	assert.Equal(t, first, second)
	assert.Equal(t, tensor.Shape{2, 27}, flat.Output().Shape())
}

func TestBackward_TwoConsumersAccumulate(t *testing.T) {
	g := New(DefaultConfig())
	in := input(t, g, tensor.Shape{1, 2}, []float32{1, 2})
	a, err := g.Activation(ActivationConfig{Func: FuncLinear}, in)
	require.NoError(t, err)
	b, err := g.Activation(ActivationConfig{Func: FuncLinear}, a)
	require.NoError(t, err)
	c, err := g.Dense(DenseConfig{Units: 1}, a)
	require.NoError(t, err)
	tensor.Load(c.Params()[0], []float32{3, 4})

	for _, l := range []*Layer{a, b, c} {
		l.Forward()
	}
	db, err := b.EnsureDelta()
	require.NoError(t, err)
	tensor.Load(db, []float32{0.5, -1})
	dc, err := c.EnsureDelta()
	require.NoError(t, err)
	tensor.Load(dc, []float32{2})

	require.NoError(t, c.Backward())
	require.NoError(t, b.Backward())
	require.NoError(t, a.Backward())

	assert.Equal(t, []float32{6.5, 7}, a.Delta().Data())
	assert.Nil(t, in.Delta(), "input layers receive no delta")
	assert.Equal(t, []float32{2, 4}, c.Gradients()[0].Data())
}

func TestConvLayer_LiteralScenario(t *testing.T) {
	g := New(DefaultConfig())
	in := input(t, g, tensor.Shape{1, 1, 5, 5}, []float32{
		0, 1, 0, 4, 5,
		2, 3, 2, 1, 3,
		4, 4, 0, 4, 3,
		2, 5, 2, 6, 4,
		1, 0, 0, 5, 7,
	})
	pass, err := g.Activation(ActivationConfig{Func: FuncLinear}, in)
	require.NoError(t, err)
	conv, err := g.Conv(ConvConfig{ConvConfig: tensor.ConvConfig{Filters: 1, KernelSize: []int{3, 3}}}, pass)
	require.NoError(t, err)
	conv.SetInitializer(initializer.Constant{Value: 1})
	conv.Initialize(nil)

	pass.Forward()
	conv.Forward()
	assert.Equal(t, []float32{16, 19, 22, 24, 27, 25, 18, 26, 31}, conv.Output().Data())

	d, err := conv.EnsureDelta()
	require.NoError(t, err)
	tensor.Fill(d, 1)
	require.NoError(t, conv.Backward())
	assert.Equal(t, []float32{
		1, 2, 3, 2, 1,
		2, 4, 6, 4, 2,
		3, 6, 9, 6, 3,
		2, 4, 6, 4, 2,
		1, 2, 3, 2, 1,
	}, pass.Delta().Data())
}

func TestShare_RoundTripKeepsWeightsTied(t *testing.T) {
	g := New(DefaultConfig())
	x1 := []float32{1, 2, 3, 4, 5, 6}
	x2 := []float32{-1, 0.5, 2, 0, 1, -3}
	in := input(t, g, tensor.Shape{2, 3}, x1)
	dense, err := g.Dense(DenseConfig{Units: 2, UseBias: true}, in)
	require.NoError(t, err)
	dense.Initialize(rand.New(rand.NewPCG(9, 9)))

	in2, err := in.Share(1, 2, nil)
	require.NoError(t, err)
	rep, err := dense.Share(1, 2, []*Layer{in2})
	require.NoError(t, err)
	assert.Equal(t, "share_1dense1", rep.Name())
	assert.Same(t, dense, rep.Orig())
	tensor.Load(in2.Output(), x2)

	for _, l := range []*Layer{dense, rep} {
		l.Forward()
		d, err := l.EnsureDelta()
		require.NoError(t, err)
		tensor.Fill(d, 1)
		require.NoError(t, l.Backward())
	}

	// Both replicas accumulated into the one gradient buffer.
	gw := dense.Gradients()[0]
	assert.Same(t, gw, rep.Gradients()[0])
	for i := range 3 {
		col := x1[i] + x1[3+i] + x2[i] + x2[3+i]
		assert.InDelta(t, col, gw.Data()[2*i], 1e-6)
		assert.InDelta(t, col, gw.Data()[2*i+1], 1e-6)
	}
	assert.Equal(t, []float32{4, 4}, dense.Gradients()[1].Data())

	for i, p := range dense.Params() {
		tensor.Add(1, p, -0.1, dense.Gradients()[i], p, false)
	}
	for i := range dense.Params() {
		assert.Same(t, dense.Params()[i], rep.Params()[i])
	}

	tensor.Load(in2.Output(), x1)
	dense.Forward()
	rep.Forward()
	assert.Equal(t, dense.Output().Data(), rep.Output().Data())
	assert.NotSame(t, dense.Output(), rep.Output())
}

func TestClone_IndependentCopyOnDevice(t *testing.T) {
	g := New(DefaultConfig())
	in := input(t, g, tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	dense, err := g.Dense(DenseConfig{Units: 2, UseBias: true}, in)
	require.NoError(t, err)
	dense.Initialize(rand.New(rand.NewPCG(1, 1)))

	dev := tensor.FPGA(0)
	cin, err := in.Clone(1, 2, nil, dev)
	require.NoError(t, err)
	clone, err := dense.Clone(1, 2, []*Layer{cin}, dev)
	require.NoError(t, err)
	assert.Equal(t, "clone_1dense1", clone.Name())
	assert.Equal(t, dev, clone.Device())
	assert.Equal(t, dev, clone.Output().Device())

	for i := range dense.Params() {
		assert.NotSame(t, dense.Params()[i], clone.Params()[i])
		assert.Equal(t, dense.Params()[i].Data(), clone.Params()[i].Data())
	}

	tensor.Load(cin.Output(), in.Output().Data())
	dense.Forward()
	clone.Forward()
	assert.Equal(t, dense.Output().Data(), clone.Output().Data())

	d, err := clone.EnsureDelta()
	require.NoError(t, err)
	tensor.Fill(d, 1)
	require.NoError(t, clone.Backward())
	assert.Equal(t, []float32{0, 0}, dense.Gradients()[1].Data(), "clone gradients are its own")

	require.NoError(t, dense.AddGradientsFrom(clone))
	require.NoError(t, dense.AddGradientsFrom(clone))
	assert.Equal(t, []float32{4, 4}, dense.Gradients()[1].Data())

	_, err = dense.Clone(2, 2, []*Layer{in}, dev)
	assert.True(t, errors.Is(err, tensor.ErrDeviceMismatch))
	_, err = dense.Share(2, 4, []*Layer{in})
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestDistributed_AccumulateAndApply(t *testing.T) {
	g := New(DefaultConfig())
	in := input(t, g, tensor.Shape{1, 1, 4, 4}, nil)
	conv, err := g.Conv(ConvConfig{ConvConfig: tensor.ConvConfig{Filters: 2, KernelSize: []int{2, 2}, UseBias: true}}, in)
	require.NoError(t, err)
	flat, err := g.Reshape(ReshapeConfig{Shape: tensor.Shape{-1}}, conv)
	require.NoError(t, err)
	dense, err := g.Dense(DenseConfig{Units: 1, UseBias: true}, flat)
	require.NoError(t, err)

	for _, l := range []*Layer{conv, dense} {
		require.NoError(t, l.EnableDistributed())
		require.NoError(t, l.EnableDistributed())
		assert.Len(t, l.Accumulators(), 2)

		for _, gr := range l.Gradients() {
			tensor.Fill(gr, 1.5)
		}
		l.AccumulateGradients()
		l.AccumulateGradients()
		l.ResetGrads()
		l.ApplyAccumulatedGradients()
		for _, gr := range l.Gradients() {
			for _, v := range gr.Data() {
				assert.Equal(t, float32(3), v)
			}
		}
		l.ResetAccumulated()
		for _, a := range l.Accumulators() {
			for _, v := range a.Data() {
				assert.Zero(t, v)
			}
		}
	}
	assert.Same(t, conv.Descriptor().AccGK, conv.Accumulators()[0])

	g.Destroy()
	assert.Zero(t, g.LiveSlots())
}

func TestResize_ChangesBatchOnly(t *testing.T) {
	g := New(DefaultConfig())
	in := input(t, g, tensor.Shape{2, 1, 4, 4}, nil)
	conv, err := g.Conv(ConvConfig{ConvConfig: tensor.ConvConfig{Filters: 2, KernelSize: []int{3, 3}}}, in)
	require.NoError(t, err)
	pool, err := g.MaxPool(PoolConfig{PoolConfig: tensor.PoolConfig{PoolSize: []int{2, 2}}}, conv)
	require.NoError(t, err)
	drop, err := g.Dropout(DropoutConfig{Rate: 0.5}, pool)
	require.NoError(t, err)
	_, err = drop.EnsureDelta()
	require.NoError(t, err)

	for _, l := range []*Layer{in, conv, pool, drop} {
		require.NoError(t, l.Resize(5))
	}
	assert.Equal(t, tensor.Shape{5, 2, 2, 2}, conv.Output().Shape())
	assert.Equal(t, tensor.Shape{5, 2, 1, 1}, pool.Output().Shape())
	assert.Equal(t, tensor.Shape{5, 2, 1, 1}, drop.Delta().Shape())
	assert.Equal(t, tensor.Shape{2, 1, 3, 3}, conv.Params()[0].Shape())

	in.Forward()
	conv.Forward()
	pool.Forward()
	drop.Forward()
}

func TestDestroy_FreesAliasedSlotsOnce(t *testing.T) {
	g := New(DefaultConfig())
	in := input(t, g, tensor.Shape{2, 1, 5, 5}, nil)
	conv, err := g.Conv(ConvConfig{ConvConfig: tensor.ConvConfig{Filters: 2, KernelSize: []int{3, 3}, UseBias: true}}, in)
	require.NoError(t, err)
	assert.Equal(t, 4, g.LiveSlots())

	in1, err := in.Share(1, 2, nil)
	require.NoError(t, err)
	shared, err := conv.Share(1, 2, []*Layer{in1})
	require.NoError(t, err)
	in2, err := in.Clone(2, 2, nil, tensor.CPU)
	require.NoError(t, err)
	_, err = conv.Clone(2, 2, []*Layer{in2}, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, 8, g.LiveSlots())

	k := conv.Params()[0]
	shared.Destroy()
	assert.False(t, k.Freed(), "original still references the kernel")
	assert.Equal(t, 8, g.LiveSlots())

	assert.NotPanics(t, g.Destroy)
	assert.True(t, k.Freed())
	assert.Zero(t, g.LiveSlots())
	assert.Empty(t, g.Layers())
}

func TestDestroy_ReleasesNameAndDetachesFromParents(t *testing.T) {
	g := New(DefaultConfig())
	in := input(t, g, tensor.Shape{2, 3}, []float32{1, 2, 3, 4, 5, 6})
	dense, err := g.Dense(DenseConfig{Units: 2}, in)
	require.NoError(t, err)

	cin, err := in.Clone(1, 2, nil, tensor.CPU)
	require.NoError(t, err)
	clone, err := dense.Clone(1, 2, []*Layer{cin}, tensor.CPU)
	require.NoError(t, err)
	require.Len(t, cin.Children(), 1)

	clone.Destroy()
	cin.Destroy()
	assert.Nil(t, g.Lookup("clone_1dense1"))
	assert.Empty(t, cin.children)
	assert.Len(t, in.children, 1)

	// A retried replication reuses the same names.
	cin, err = in.Clone(1, 2, nil, tensor.CPU)
	require.NoError(t, err)
	clone, err = dense.Clone(1, 2, []*Layer{cin}, tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, "clone_1dense1", clone.Name())
	assert.Same(t, clone, g.Lookup("clone_1dense1"))
	assert.Equal(t, []*Layer{clone}, cin.Children())

	// Auto names stay unique after a release.
	d2, err := g.Dense(DenseConfig{Units: 2}, in)
	require.NoError(t, err)
	d2.Destroy()
	d3, err := g.Dense(DenseConfig{Units: 2}, in)
	require.NoError(t, err)
	assert.Equal(t, "dense3", d3.Name())
	assert.Equal(t, []*Layer{dense, d3}, in.Children())
}

func TestConvTLayer_ForwardBackwardAndReplicas(t *testing.T) {
	g := New(DefaultConfig())
	x := []float32{1, 2, 3, 4}
	in := input(t, g, tensor.Shape{1, 1, 2, 2}, x)
	pass, err := g.Activation(ActivationConfig{Func: FuncLinear}, in)
	require.NoError(t, err)
	up, err := g.ConvT(ConvConfig{ConvConfig: tensor.ConvConfig{Filters: 1, KernelSize: []int{2, 2}, Strides: []int{2, 2}, UseBias: true}}, pass)
	require.NoError(t, err)
	assert.Equal(t, "convT1", up.Name())
	assert.Equal(t, KindConvT, up.Kind())
	assert.Nil(t, up.Descriptor())
	require.NotNil(t, up.DescriptorT())

	up.SetInitializer(initializer.Constant{Value: 1})
	up.Initialize(nil)
	assert.Equal(t, []float32{0}, up.Params()[1].Data(), "bias starts at zero")

	pass.Forward()
	up.Forward()
	assert.Equal(t, tensor.Shape{1, 1, 4, 4}, up.Output().Shape())
	assert.Equal(t, []float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, 4, 4,
		3, 3, 4, 4,
	}, up.Output().Data())

	d, err := up.EnsureDelta()
	require.NoError(t, err)
	tensor.Fill(d, 1)
	require.NoError(t, up.Backward())
	assert.Equal(t, []float32{4, 4, 4, 4}, pass.Delta().Data())
	assert.Equal(t, []float32{10, 10, 10, 10}, up.Gradients()[0].Data())
	assert.Equal(t, []float32{16}, up.Gradients()[1].Data())

	// Weight-tied replica.
	in1, err := in.Share(1, 1, nil)
	require.NoError(t, err)
	pass1, err := pass.Share(1, 1, []*Layer{in1})
	require.NoError(t, err)
	shared, err := up.Share(1, 1, []*Layer{pass1})
	require.NoError(t, err)
	assert.Same(t, up.Params()[0], shared.Params()[0])
	tensor.Load(in1.Output(), x)
	pass1.Forward()
	shared.Forward()
	assert.Equal(t, up.Output().Data(), shared.Output().Data())

	// Independent clone on an FPGA board.
	dev := tensor.FPGA(0)
	in2, err := in.Clone(2, 1, nil, dev)
	require.NoError(t, err)
	pass2, err := pass.Clone(2, 1, []*Layer{in2}, dev)
	require.NoError(t, err)
	clone, err := up.Clone(2, 1, []*Layer{pass2}, dev)
	require.NoError(t, err)
	assert.NotSame(t, up.Params()[0], clone.Params()[0])
	tensor.Load(in2.Output(), x)
	pass2.Forward()
	clone.Forward()
	assert.Equal(t, dev, clone.Output().Device())
	assert.Equal(t, up.Output().Data(), clone.Output().Data())

	require.NoError(t, up.EnableDistributed())
	assert.Len(t, up.Accumulators(), 2)
	assert.Same(t, up.DescriptorT().AccGK, up.Accumulators()[0])

	g.Destroy()
	assert.Zero(t, g.LiveSlots())
}
