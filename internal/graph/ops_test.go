package graph

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// source returns a pass-through layer over fresh input data, so that it
// receives a delta during backward.
func source(t *testing.T, g *Graph, shape tensor.Shape, vals []float32) *Layer {
	t.Helper()
	l, err := g.Activation(ActivationConfig{Func: FuncLinear}, input(t, g, shape, vals))
	require.NoError(t, err)
	l.Forward()
	return l
}

func backprop(t *testing.T, l *Layer, delta []float32) {
	t.Helper()
	d, err := l.EnsureDelta()
	require.NoError(t, err)
	tensor.Load(d, delta)
	require.NoError(t, l.Backward())
}

func TestDiff_ForwardBackward(t *testing.T) {
	g := New(DefaultConfig())
	a := source(t, g, tensor.Shape{1, 2}, []float32{1, 2})
	b := source(t, g, tensor.Shape{1, 2}, []float32{5, 1})
	d, err := g.Diff("", a, b)
	require.NoError(t, err)

	d.Forward()
	assert.Equal(t, []float32{-4, 1}, d.Output().Data())
	backprop(t, d, []float32{1, 2})
	assert.Equal(t, []float32{1, 2}, a.Delta().Data())
	assert.Equal(t, []float32{-1, -2}, b.Delta().Data())
}

func TestMaximum_TiesRouteToEveryParent(t *testing.T) {
	g := New(DefaultConfig())
	a := source(t, g, tensor.Shape{1, 3}, []float32{1, 5, 2})
	b := source(t, g, tensor.Shape{1, 3}, []float32{3, 5, 0})
	c := source(t, g, tensor.Shape{1, 3}, []float32{0, 0, 2})
	m, err := g.Maximum("", a, b, c)
	require.NoError(t, err)

	m.Forward()
	assert.Equal(t, []float32{3, 5, 2}, m.Output().Data())
	backprop(t, m, []float32{1, 1, 1})
	assert.Equal(t, []float32{0, 1, 1}, a.Delta().Data())
	assert.Equal(t, []float32{1, 1, 0}, b.Delta().Data())
	assert.Equal(t, []float32{0, 0, 1}, c.Delta().Data())
}

func TestAdd_SumsAndFansOut(t *testing.T) {
	g := New(DefaultConfig())
	a := source(t, g, tensor.Shape{1, 2}, []float32{1, 2})
	b := source(t, g, tensor.Shape{1, 2}, []float32{10, 20})
	s, err := g.Add("sum", a, b, a)
	require.NoError(t, err)

	s.Forward()
	assert.Equal(t, []float32{12, 24}, s.Output().Data())
	backprop(t, s, []float32{1, -1})
	assert.Equal(t, []float32{2, -2}, a.Delta().Data(), "a is consumed twice")
	assert.Equal(t, []float32{1, -1}, b.Delta().Data())
}

func TestConcat_InputsReceiveDeltas(t *testing.T) {
	g := New(DefaultConfig())
	a := input(t, g, tensor.Shape{1, 2}, []float32{1, 2})
	b := input(t, g, tensor.Shape{1, 3}, []float32{3, 4, 5})
	c, err := g.Concat(ConcatConfig{}, a, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 5}, c.Output().Shape())

	c.Forward()
	assert.Equal(t, []float32{1, 2, 3, 4, 5}, c.Output().Data())
	backprop(t, c, []float32{10, 11, 12, 13, 14})
	assert.Equal(t, []float32{10, 11}, a.Delta().Data())
	assert.Equal(t, []float32{12, 13, 14}, b.Delta().Data())
}

func TestSelect_ForwardBackward(t *testing.T) {
	g := New(DefaultConfig())
	a := source(t, g, tensor.Shape{1, 4}, []float32{1, 2, 3, 4})
	s, err := g.Select(SelectConfig{Ranges: []string{"1:3"}}, a)
	require.NoError(t, err)

	s.Forward()
	assert.Equal(t, []float32{2, 3}, s.Output().Data())
	backprop(t, s, []float32{1, 2})
	assert.Equal(t, []float32{0, 1, 2, 0}, a.Delta().Data())
}

func TestDropout_TrainAndEval(t *testing.T) {
	g := New(DefaultConfig())
	vals := make([]float32, 200)
	for i := range vals {
		vals[i] = float32(i + 1)
	}
	a := source(t, g, tensor.Shape{2, 100}, vals)
	d, err := g.Dropout(DropoutConfig{Rate: 0.5}, a)
	require.NoError(t, err)

	d.Forward()
	zeros := 0
	for i, v := range d.Output().Data() {
		if v == 0 {
			zeros++
		} else {
			assert.Equal(t, vals[i], v)
		}
	}
	assert.Greater(t, zeros, 50)
	assert.Less(t, zeros, 150)

	ones := make([]float32, 200)
	for i := range ones {
		ones[i] = 1
	}
	backprop(t, d, ones)
	for i, v := range a.Delta().Data() {
		if d.Output().Data()[i] == 0 {
			assert.Zero(t, v)
		} else {
			assert.Equal(t, float32(1), v)
		}
	}

	d.SetMode(Eval)
	a.ResetDelta()
	d.Forward()
	assert.Equal(t, float32(0.5), d.Output().Data()[0])
	assert.Equal(t, float32(100), d.Output().Data()[199])
	require.NoError(t, d.Backward())
	assert.Equal(t, float32(0.5), a.Delta().Data()[7])
}

func TestDeltaBypass_Softmax(t *testing.T) {
	g := New(DefaultConfig())
	a := source(t, g, tensor.Shape{1, 3}, []float32{1, 2, 3})
	relu, err := g.Activation(ActivationConfig{Func: FuncReLU}, a)
	require.NoError(t, err)
	soft, err := g.Activation(ActivationConfig{Func: FuncSoftmax}, a)
	require.NoError(t, err)

	assert.True(t, errors.Is(relu.SetDeltaBypass(true), tensor.ErrStructural))
	require.NoError(t, soft.SetDeltaBypass(true))

	soft.Forward()
	backprop(t, soft, []float32{0.25, -0.5, 0.25})
	assert.Equal(t, []float32{0.25, -0.5, 0.25}, a.Delta().Data())
}

func TestActivations_Backward(t *testing.T) {
	g := New(DefaultConfig())
	a := source(t, g, tensor.Shape{1, 3}, []float32{-1, 0.5, 2})
	relu, err := g.Activation(ActivationConfig{Func: FuncReLU}, a)
	require.NoError(t, err)
	tanh, err := g.Activation(ActivationConfig{Func: FuncTanh}, a)
	require.NoError(t, err)

	relu.Forward()
	tanh.Forward()
	assert.Equal(t, []float32{0, 0.5, 2}, relu.Output().Data())

	backprop(t, relu, []float32{1, 1, 1})
	backprop(t, tanh, []float32{1, 1, 1})
	for i, x := range []float32{-1, 0.5, 2} {
		o := tanh.Output().Data()[i]
		want := 1 - o*o
		if x > 0 {
			want++
		}
		assert.InDelta(t, want, a.Delta().Data()[i], 1e-6)
	}
}

func TestMaxPoolLayer_RoutesToArgmax(t *testing.T) {
	g := New(DefaultConfig())
	a := source(t, g, tensor.Shape{1, 1, 2, 4}, []float32{
		1, 9, 2, 3,
		4, 0, 8, 5,
	})
	p, err := g.MaxPool(PoolConfig{PoolConfig: tensor.PoolConfig{PoolSize: []int{2, 2}}}, a)
	require.NoError(t, err)

	p.Forward()
	assert.Equal(t, []float32{9, 8}, p.Output().Data())
	backprop(t, p, []float32{1, 2})
	assert.Equal(t, []float32{0, 1, 0, 0, 0, 0, 2, 0}, a.Delta().Data())
}

func TestFreeDelta_ReallocatesOnDemand(t *testing.T) {
	g := New(Config{Mem: tensor.MemLow})
	a := source(t, g, tensor.Shape{1, 2}, []float32{1, 2})
	_, err := a.EnsureDelta()
	require.NoError(t, err)
	a.FreeDelta()
	assert.Nil(t, a.Delta())
	d, err := a.EnsureDelta()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, d.Data())
}

func TestCropScaleRandom_TrainEvalAndBorders(t *testing.T) {
	g := New(DefaultConfig())
	vals := make([]float32, 2*2*4*4)
	for i := range vals {
		vals[i] = float32(i%16 + 1)
		if i/16%2 == 1 {
			vals[i] += 100 // second channel
		}
	}
	a := source(t, g, tensor.Shape{2, 2, 4, 4}, vals)

	full, err := g.CropScaleRandom(CropScaleConfig{Factor: [2]float64{1, 1}}, a)
	require.NoError(t, err)
	assert.Equal(t, "crop_scale1", full.Name())
	full.Forward()
	assert.Equal(t, vals, full.Output().Data(), "a full-size window is the identity")

	half, err := g.CropScaleRandom(CropScaleConfig{Factor: [2]float64{0.5, 0.5}}, a)
	require.NoError(t, err)
	half.Forward()
	out := half.Output().Data()
	for s := 0; s < 2; s++ {
		p := out[s*32 : s*32+16]
		for _, blk := range [][4]int{{0, 1, 4, 5}, {2, 3, 6, 7}, {8, 9, 12, 13}, {10, 11, 14, 15}} {
			for _, j := range blk[1:] {
				assert.Equal(t, p[blk[0]], p[j], "2x upscale repeats each crop pixel")
			}
		}
		for j := range p {
			assert.Equal(t, p[j]+100, out[s*32+16+j], "channels share the window")
		}
	}

	wide, err := g.CropScaleRandom(CropScaleConfig{Factor: [2]float64{2, 2}, Border: BorderConstant}, a)
	require.NoError(t, err)
	clamped, err := g.CropScaleRandom(CropScaleConfig{Factor: [2]float64{2, 2}}, a)
	require.NoError(t, err)
	wide.Forward()
	clamped.Forward()
	assert.Contains(t, wide.Output().Data(), float32(0))
	assert.NotContains(t, clamped.Output().Data(), float32(0))

	half.SetMode(Eval)
	half.Forward()
	assert.Equal(t, vals, half.Output().Data())

	// Forward only: no delta reaches the parent.
	ones := make([]float32, len(vals))
	for i := range ones {
		ones[i] = 1
	}
	backprop(t, half, ones)
	for _, v := range a.Delta().Data() {
		assert.Zero(t, v)
	}

	_, err = g.CropScaleRandom(CropScaleConfig{Factor: [2]float64{1, 0.5}}, a)
	assert.True(t, errors.Is(err, tensor.ErrStructural))
	_, err = g.CropScaleRandom(CropScaleConfig{Border: "reflect"}, a)
	assert.True(t, errors.Is(err, tensor.ErrStructural))
	flat := source(t, g, tensor.Shape{2, 4}, nil)
	_, err = g.CropScaleRandom(CropScaleConfig{}, flat)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}
