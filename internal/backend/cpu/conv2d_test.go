package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/deepgraph/internal/tensor"
)

var image5x5 = []float32{
	0, 1, 0, 4, 5,
	2, 3, 2, 1, 3,
	4, 4, 0, 4, 3,
	2, 5, 2, 6, 4,
	1, 0, 0, 5, 7,
}

// buildConv binds a single-filter 3x3 all-ones convolution to the 5x5 image.
func buildConv(t *testing.T, cfg tensor.ConvConfig, mem tensor.MemLevel) *tensor.ConvolDescriptor {
	t.Helper()
	input, err := tensor.FromSlice(image5x5, tensor.Shape{1, 1, 5, 5}, tensor.CPU)
	require.NoError(t, err)

	cd, err := tensor.NewConvolDescriptor(cfg)
	require.NoError(t, err)
	require.NoError(t, cd.Build(input, mem))
	tensor.Fill(cd.K, 1)
	return cd
}

func TestConv2D_ValidOnesKernel(t *testing.T) {
	cd := buildConv(t, tensor.ConvConfig{Filters: 1, KernelSize: []int{3, 3}, Padding: "valid"}, tensor.MemFull)

	tensor.Conv2D(cd)

	assert.Equal(t, tensor.Shape{1, 1, 3, 3}, cd.O.Shape())
	assert.Equal(t, []float32{
		16, 19, 22,
		24, 27, 25,
		18, 26, 31,
	}, cd.O.Data())
}

func TestConv2D_BackOnesDelta(t *testing.T) {
	cd := buildConv(t, tensor.ConvConfig{Filters: 1, KernelSize: []int{3, 3}, Padding: "valid"}, tensor.MemFull)
	tensor.Conv2D(cd)

	var err error
	cd.D, err = tensor.Full(cd.O.Shape(), 1, tensor.CPU)
	require.NoError(t, err)
	cd.ID, err = tensor.New(cd.I.Shape(), tensor.CPU)
	require.NoError(t, err)

	tensor.Conv2DGrad(cd)
	tensor.Conv2DBack(cd)

	assert.Equal(t, []float32{
		1, 2, 3, 2, 1,
		2, 4, 6, 4, 2,
		3, 6, 9, 6, 3,
		2, 4, 6, 4, 2,
		1, 2, 3, 2, 1,
	}, cd.ID.Data())

	// Every kernel weight sees the sum of one 3x3 window position over the image.
	var total float32
	for _, v := range cd.GK.Data() {
		total += v
	}
	assert.Equal(t, float32(16+19+22+24+27+25+18+26+31), total)
}

func TestConv2D_SameStride2(t *testing.T) {
	cd := buildConv(t, tensor.ConvConfig{Filters: 1, KernelSize: []int{3, 3}, Strides: []int{2, 2}, Padding: "same"}, tensor.MemFull)

	tensor.Conv2D(cd)

	assert.Equal(t, [4]int{1, 1, 1, 1}, cd.Pads)
	assert.Equal(t, []float32{
		6, 11, 13,
		20, 27, 21,
		8, 18, 22,
	}, cd.O.Data())
}

func TestConv2D_BackAccumulates(t *testing.T) {
	cd := buildConv(t, tensor.ConvConfig{Filters: 1, KernelSize: []int{3, 3}}, tensor.MemFull)
	tensor.Conv2D(cd)

	var err error
	cd.D, err = tensor.Full(cd.O.Shape(), 1, tensor.CPU)
	require.NoError(t, err)
	cd.ID, err = tensor.Full(cd.I.Shape(), 10, tensor.CPU)
	require.NoError(t, err)

	tensor.Conv2DBack(cd)

	assert.Equal(t, float32(11), cd.ID.Data()[0])
	assert.Equal(t, float32(19), cd.ID.Data()[12])
}

func TestConv2D_LowMemoryDropsScratch(t *testing.T) {
	cd := buildConv(t, tensor.ConvConfig{Filters: 1, KernelSize: []int{3, 3}}, tensor.MemLow)

	tensor.Conv2D(cd)
	assert.False(t, cd.HasScratch())

	var err error
	cd.D, err = tensor.Full(cd.O.Shape(), 1, tensor.CPU)
	require.NoError(t, err)
	cd.ID, err = tensor.New(cd.I.Shape(), tensor.CPU)
	require.NoError(t, err)

	// Gradients must be recomputed from the input.
	tensor.Conv2DGrad(cd)
	assert.False(t, cd.HasScratch())
	assert.Equal(t, float32(16+19+22+24+27+25+18+26+31), sum(cd.GK.Data()))
}

func TestConv2D_FullMemoryKeepsScratch(t *testing.T) {
	cd := buildConv(t, tensor.ConvConfig{Filters: 1, KernelSize: []int{3, 3}}, tensor.MemFull)
	tensor.Conv2D(cd)
	assert.True(t, cd.HasScratch())
}

func TestConv2D_BiasAndMultipleFilters(t *testing.T) {
	input, err := tensor.FromSlice([]float32{
		1, 2,
		3, 4,
	}, tensor.Shape{1, 1, 2, 2}, tensor.CPU)
	require.NoError(t, err)

	cd, err := tensor.NewConvolDescriptor(tensor.ConvConfig{Filters: 2, KernelSize: []int{1, 1}, UseBias: true})
	require.NoError(t, err)
	require.NoError(t, cd.Build(input, tensor.MemFull))
	tensor.Load(cd.K, []float32{1, -1})
	tensor.Load(cd.Bias, []float32{0.5, 1})

	tensor.Conv2D(cd)

	assert.Equal(t, []float32{1.5, 2.5, 3.5, 4.5, 0, -1, -2, -3}, cd.O.Data())
}

func TestConv2D_Groups(t *testing.T) {
	// Two channels, two groups: each filter sees only its own channel.
	input, err := tensor.FromSlice([]float32{
		1, 1, 1, 1,
		2, 2, 2, 2,
	}, tensor.Shape{1, 2, 2, 2}, tensor.CPU)
	require.NoError(t, err)

	cd, err := tensor.NewConvolDescriptor(tensor.ConvConfig{Filters: 2, KernelSize: []int{2, 2}, Groups: 2})
	require.NoError(t, err)
	require.NoError(t, cd.Build(input, tensor.MemFull))
	assert.Equal(t, tensor.Shape{2, 1, 2, 2}, cd.K.Shape())
	tensor.Fill(cd.K, 1)

	tensor.Conv2D(cd)

	assert.Equal(t, []float32{4, 8}, cd.O.Data())
}

func TestConv2D_Dilation(t *testing.T) {
	input, err := tensor.FromSlice(image5x5, tensor.Shape{1, 1, 5, 5}, tensor.CPU)
	require.NoError(t, err)

	cd, err := tensor.NewConvolDescriptor(tensor.ConvConfig{Filters: 1, KernelSize: []int{2, 2}, Dilation: []int{2, 2}})
	require.NoError(t, err)
	require.NoError(t, cd.Build(input, tensor.MemFull))
	tensor.Fill(cd.K, 1)

	tensor.Conv2D(cd)

	require.Equal(t, tensor.Shape{1, 1, 3, 3}, cd.O.Shape())
	// Taps at (0,0), (0,2), (2,0), (2,2).
	assert.Equal(t, float32(0+0+4+0), cd.O.Data()[0])
}

func TestConv2D_BatchParallelMatchesSequential(t *testing.T) {
	data := make([]float32, 4*3*6*6)
	for i := range data {
		data[i] = float32(i%13) - 6
	}
	run := func(threads int) []float32 {
		be := New()
		be.SetThreads(threads)
		input, err := tensor.FromSlice(data, tensor.Shape{4, 3, 6, 6}, tensor.CPU)
		require.NoError(t, err)
		cd, err := tensor.NewConvolDescriptor(tensor.ConvConfig{Filters: 5, KernelSize: []int{3, 3}, Padding: "same", UseBias: true})
		require.NoError(t, err)
		require.NoError(t, cd.Build(input, tensor.MemFull))
		for i := range cd.K.Data() {
			cd.K.Data()[i] = float32(i%7) * 0.1
		}
		be.Conv2D(cd)
		return append([]float32(nil), cd.O.Data()...)
	}

	assert.Equal(t, run(1), run(4))
}

func sum(v []float32) float32 {
	var s float32
	for _, x := range v {
		s += x
	}
	return s
}
