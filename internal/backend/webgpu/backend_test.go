//go:build windows

package webgpu

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"

	_ "github.com/born-ml/deepgraph/internal/backend/cpu"
	"github.com/born-ml/deepgraph/internal/tensor"
)

func requireGPU(t *testing.T) {
	t.Helper()
	if !IsAvailable() {
		t.Skip("WebGPU not available on this system")
	}
	if _, err := tensor.Resolve(tensor.GPU(0)); err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
}

func randomSlice(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = rng.Float32()*2 - 1
	}
	return v
}

func assertClose(t *testing.T, want, got []float32, what string) {
	t.Helper()
	require.Len(t, got, len(want), what)
	for i := range want {
		tol := 1e-3 * math32.Max(1, math32.Abs(want[i]))
		if math32.Abs(want[i]-got[i]) > tol {
			t.Fatalf("%s[%d]: cpu %v, gpu %v", what, i, want[i], got[i])
		}
	}
}

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

func TestConv2D_MatchesCPUReference(t *testing.T) {
	requireGPU(t)
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
					got := convOn(t, tensor.GPU(0), cfg, shape, x, kw, bias, delta)

					assertClose(t, ref.O.Data(), got.O.Data(), "output")
					assertClose(t, ref.GK.Data(), got.GK.Data(), "gK")
					assertClose(t, ref.GBias.Data(), got.GBias.Data(), "gbias")
					assertClose(t, ref.ID.Data(), got.ID.Data(), "input delta")
				})
			}
		}
	}
}

func TestDenseKernels_MatchCPUReference(t *testing.T) {
	requireGPU(t)

	run := func(dev tensor.Device) [][]float32 {
		a, _ := tensor.FromSlice(randomSlice(rand.New(rand.NewSource(1)), 6*5), tensor.Shape{6, 5}, dev)
		w, _ := tensor.FromSlice(randomSlice(rand.New(rand.NewSource(2)), 5*4), tensor.Shape{5, 4}, dev)
		bias, _ := tensor.FromSlice([]float32{0.1, -0.2, 0.3, 0}, tensor.Shape{4}, dev)
		y, _ := tensor.New(tensor.Shape{6, 4}, dev)
		s, _ := tensor.New(tensor.Shape{6, 4}, dev)
		d, _ := tensor.FromSlice(randomSlice(rand.New(rand.NewSource(4)), 6*4), tensor.Shape{6, 4}, dev)
		ds, _ := tensor.New(tensor.Shape{6, 4}, dev)
		gw, _ := tensor.New(tensor.Shape{5, 4}, dev)
		gb, _ := tensor.New(tensor.Shape{4}, dev)
		pd, _ := tensor.New(tensor.Shape{6, 5}, dev)

		tensor.Mult2D(a, false, w, false, y, false)
		tensor.Sum2DRowwise(y, bias, y)
		tensor.Softmax(y, s)
		tensor.DSoftmax(d, s, ds)
		tensor.Mult2D(a, true, ds, false, gw, true)
		tensor.ReduceSumRows(ds, gb, true)
		tensor.Mult2D(ds, false, w, true, pd, true)
		return [][]float32{s.Data(), gw.Data(), gb.Data(), pd.Data()}
	}
	ref, got := run(tensor.CPU), run(tensor.GPU(0))
	for i := range ref {
		assertClose(t, ref[i], got[i], fmt.Sprintf("tensor %d", i))
	}
}
