package fpga

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/deepgraph/internal/tensor"
)

func randomSlice(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

// convOn builds a convolution on dev with the given input, weights and delta
// and runs forward, kernel gradient and input delta.
func convOn(t *testing.T, dev tensor.Device, cfg tensor.ConvConfig, shape tensor.Shape, x, k, bias, delta []float32) *tensor.ConvolDescriptor {
	t.Helper()
	input, err := tensor.FromSlice(x, shape, dev)
	require.NoError(t, err)
	cd, err := tensor.NewConvolDescriptor(cfg)
	require.NoError(t, err)
	require.NoError(t, cd.Build(input, tensor.MemFull))
	tensor.Load(cd.K, k)
	tensor.Load(cd.Bias, bias)

	tensor.Conv2D(cd)

	cd.D, err = tensor.FromSlice(delta[:cd.O.NumElements()], cd.O.Shape(), dev)
	require.NoError(t, err)
	cd.ID, err = tensor.New(shape, dev)
	require.NoError(t, err)
	tensor.Conv2DGrad(cd)
	tensor.Conv2DBack(cd)
	return cd
}

func assertClose(t *testing.T, want, got []float32, what string) {
	t.Helper()
	require.Len(t, got, len(want), what)
	for i := range want {
		tol := 1e-3 * math32.Max(1, math32.Abs(want[i]))
		if math32.Abs(want[i]-got[i]) > tol {
			t.Fatalf("%s[%d]: cpu %v, fpga %v", what, i, want[i], got[i])
		}
	}
}

func TestConv2D_MatchesCPUReference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	shape := tensor.Shape{2, 3, 11, 11}

	for _, k := range []int{1, 2, 3, 5, 7} {
		for _, s := range []int{1, 2, 3, 5} {
			for _, pad := range []string{"valid", "same"} {
				t.Run(fmt.Sprintf("k%d_s%d_%s", k, s, pad), func(t *testing.T) {
					cfg := tensor.ConvConfig{Filters: 4, KernelSize: []int{k, k}, Strides: []int{s, s}, Padding: pad, UseBias: true}
					x := randomSlice(rng, shape.NumElements())
					kw := randomSlice(rng, 4*3*k*k)
					bias := randomSlice(rng, 4)
					delta := randomSlice(rng, shape[0]*4*shape[2]*shape[3])

					ref := convOn(t, tensor.CPU, cfg, shape, x, kw, bias, delta)
					got := convOn(t, tensor.FPGA(0), cfg, shape, x, kw, bias, delta)

					require.Equal(t, ref.O.Shape(), got.O.Shape())
					assertClose(t, ref.O.Data(), got.O.Data(), "output")
					assertClose(t, ref.GK.Data(), got.GK.Data(), "gK")
					assertClose(t, ref.GBias.Data(), got.GBias.Data(), "gbias")
					assertClose(t, ref.ID.Data(), got.ID.Data(), "input delta")
				})
			}
		}
	}
}

func TestConv2D_GroupsAndDilationMatchCPU(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	shape := tensor.Shape{1, 4, 9, 7}
	cfg := tensor.ConvConfig{Filters: 6, KernelSize: []int{3, 2}, Dilation: []int{2, 1}, Groups: 2, Pads: []int{1, 0, 2, 1}, UseBias: true}
	x := randomSlice(rng, shape.NumElements())
	kw := randomSlice(rng, 6*2*3*2)
	bias := randomSlice(rng, 6)
	delta := randomSlice(rng, 6*9*10)

	ref := convOn(t, tensor.CPU, cfg, shape, x, kw, bias, delta)
	got := convOn(t, tensor.FPGA(1), cfg, shape, x, kw, bias, delta)

	assertClose(t, ref.O.Data(), got.O.Data(), "output")
	assertClose(t, ref.GK.Data(), got.GK.Data(), "gK")
	assertClose(t, ref.ID.Data(), got.ID.Data(), "input delta")
}

// convTOn runs a transposed convolution forward, gradient and input delta on dev.
func convTOn(t *testing.T, dev tensor.Device, cfg tensor.ConvConfig, shape tensor.Shape, x, k, bias, delta []float32) *tensor.ConvolDescriptorT {
	t.Helper()
	input, err := tensor.FromSlice(x, shape, dev)
	require.NoError(t, err)
	cd, err := tensor.NewConvolDescriptorT(cfg)
	require.NoError(t, err)
	require.NoError(t, cd.Build(input, tensor.MemFull))
	tensor.Load(cd.K, k[:cd.K.NumElements()])
	tensor.Load(cd.Bias, bias)

	tensor.Conv2DT(cd)

	cd.D, err = tensor.FromSlice(delta[:cd.O.NumElements()], cd.O.Shape(), dev)
	require.NoError(t, err)
	cd.ID, err = tensor.New(shape, dev)
	require.NoError(t, err)
	tensor.Conv2DTGrad(cd)
	tensor.Conv2DTBack(cd)
	return cd
}

func TestConv2DT_MatchesCPUReference(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	shape := tensor.Shape{2, 3, 6, 5}

	for _, k := range []int{1, 2, 3, 5} {
		for _, s := range []int{1, 2, 3} {
			for _, pad := range []string{"valid", "same"} {
				t.Run(fmt.Sprintf("k%d_s%d_%s", k, s, pad), func(t *testing.T) {
					cfg := tensor.ConvConfig{Filters: 2, KernelSize: []int{k, k}, Strides: []int{s, s}, Padding: pad, UseBias: true}
					x := randomSlice(rng, shape.NumElements())
					kw := randomSlice(rng, 3*2*k*k)
					bias := randomSlice(rng, 2)
					delta := randomSlice(rng, shape[0]*2*(shape[2]*s+k)*(shape[3]*s+k))

					ref := convTOn(t, tensor.CPU, cfg, shape, x, kw, bias, delta)
					got := convTOn(t, tensor.FPGA(0), cfg, shape, x, kw, bias, delta)

					require.Equal(t, ref.O.Shape(), got.O.Shape())
					assertClose(t, ref.O.Data(), got.O.Data(), "output")
					assertClose(t, ref.GK.Data(), got.GK.Data(), "gK")
					assertClose(t, ref.GBias.Data(), got.GBias.Data(), "gbias")
					assertClose(t, ref.ID.Data(), got.ID.Data(), "input delta")
				})
			}
		}
	}
}

// poolOn runs max pooling forward and back on dev.
func poolOn(t *testing.T, dev tensor.Device, cfg tensor.PoolConfig, shape tensor.Shape, x, delta []float32) *tensor.PoolDescriptor {
	t.Helper()
	input, err := tensor.FromSlice(x, shape, dev)
	require.NoError(t, err)
	pd, err := tensor.NewPoolDescriptor(cfg)
	require.NoError(t, err)
	require.NoError(t, pd.Build(input))

	tensor.MPool2D(pd)

	pd.D, err = tensor.FromSlice(delta[:pd.O.NumElements()], pd.O.Shape(), dev)
	require.NoError(t, err)
	pd.ID, err = tensor.New(shape, dev)
	require.NoError(t, err)
	tensor.MPool2DBack(pd)
	return pd
}

func TestMPool2D_MatchesCPUReference(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	shape := tensor.Shape{2, 3, 9, 8}

	for _, k := range []int{1, 2, 3, 4} {
		for _, s := range []int{1, 2, 3} {
			for _, pad := range []string{"valid", "same"} {
				t.Run(fmt.Sprintf("k%d_s%d_%s", k, s, pad), func(t *testing.T) {
					cfg := tensor.PoolConfig{PoolSize: []int{k, k}, Strides: []int{s, s}, Padding: pad}
					x := randomSlice(rng, shape.NumElements())
					delta := randomSlice(rng, shape.NumElements())

					ref := poolOn(t, tensor.CPU, cfg, shape, x, delta)
					got := poolOn(t, tensor.FPGA(0), cfg, shape, x, delta)

					require.Equal(t, ref.O.Shape(), got.O.Shape())
					assert.Equal(t, ref.O.Data(), got.O.Data())
					assert.Equal(t, ref.Ind, got.Ind)
					assertClose(t, ref.ID.Data(), got.ID.Data(), "input delta")
				})
			}
		}
	}
}

func TestMPool2D_EmptyWindowsAndTies(t *testing.T) {
	x := []float32{
		2, 2, 1,
		0, 2, 1,
		1, 1, 1,
	}
	shape := tensor.Shape{1, 1, 3, 3}
	cfg := tensor.PoolConfig{PoolSize: []int{2, 2}, Pads: []int{0, 3, 0, 3}}
	delta := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}

	pd := poolOn(t, tensor.FPGA(0), cfg, shape, x, delta)

	assert.Equal(t, []int32{0, 2, -1, 6, 8, -1, -1, -1, -1}, pd.Ind)
	assert.Equal(t, []float32{2, 1, 0, 1, 1, 0, 0, 0, 0}, pd.O.Data())
	assert.Equal(t, []float32{
		1, 0, 2,
		0, 0, 0,
		4, 0, 5,
	}, pd.ID.Data())
}

func TestAllocation_BudgetExhausted(t *testing.T) {
	Configure(Config{Devices: 1, MemoryBytes: 1024})
	defer Configure(DefaultConfig())

	a, err := tensor.New(tensor.Shape{128}, tensor.FPGA(0)) // 512 bytes
	require.NoError(t, err)
	_, err = tensor.New(tensor.Shape{200}, tensor.FPGA(0))
	assert.True(t, errors.Is(err, tensor.ErrAllocation), "got %v", err)

	be, err := tensor.Resolve(tensor.FPGA(0))
	require.NoError(t, err)
	assert.Equal(t, int64(512), be.(*Backend).MemoryInUse())

	a.Free()
	assert.Equal(t, int64(0), be.(*Backend).MemoryInUse())
	_, err = tensor.New(tensor.Shape{200}, tensor.FPGA(0))
	assert.NoError(t, err)

	_, err = tensor.New(tensor.Shape{4}, tensor.FPGA(3))
	assert.True(t, errors.Is(err, tensor.ErrUnsupportedBackend), "got %v", err)
}

func TestResize_ChargesBudget(t *testing.T) {
	Configure(Config{Devices: 1, MemoryBytes: 1000})
	defer Configure(DefaultConfig())

	x, err := tensor.New(tensor.Shape{2, 50}, tensor.FPGA(0)) // 400 bytes
	require.NoError(t, err)
	assert.True(t, errors.Is(x.Resize(10), tensor.ErrAllocation))
	require.NoError(t, x.Resize(1))

	be, _ := tensor.Resolve(tensor.FPGA(0))
	assert.Equal(t, int64(200), be.(*Backend).MemoryInUse())
}
