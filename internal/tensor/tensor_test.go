package tensor_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/born-ml/deepgraph/internal/backend/cpu"
	"github.com/born-ml/deepgraph/internal/tensor"
)

// requirePanicsWith asserts that f panics with an *OpError wrapping kind.
func requirePanicsWith(t *testing.T, kind error, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		require.NotNil(t, r, "expected panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		var opErr *tensor.OpError
		require.True(t, errors.As(err, &opErr), "panic %v is not an OpError", err)
		assert.True(t, errors.Is(err, kind), "panic %v is not %v", err, kind)
	}()
	f()
}

func TestShape_Validate(t *testing.T) {
	assert.NoError(t, tensor.Shape{2, 3}.Validate())
	assert.True(t, errors.Is(tensor.Shape{2, 0}.Validate(), tensor.ErrShapeMismatch))
	assert.True(t, errors.Is(tensor.Shape{}.Validate(), tensor.ErrShapeMismatch))
	assert.Equal(t, []int{12, 4, 1}, tensor.Shape{2, 3, 4}.ComputeStrides())
	assert.Equal(t, 12, tensor.Shape{2, 3, 4}.Sample())
	assert.Equal(t, tensor.Shape{5, 3, 4}, tensor.Shape{2, 3, 4}.WithBatch(5))
}

func TestNew_Errors(t *testing.T) {
	_, err := tensor.New(tensor.Shape{2, -1}, tensor.CPU)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))

	_, err = tensor.New(tensor.Shape{2}, tensor.Device{Kind: tensor.Kind(42)})
	assert.True(t, errors.Is(err, tensor.ErrUnsupportedBackend))

	_, err = tensor.New(tensor.Shape{1 << 16, 1 << 16}, tensor.CPU)
	assert.True(t, errors.Is(err, tensor.ErrAllocation))

	_, err = tensor.FromSlice([]float32{1, 2, 3}, tensor.Shape{2, 2}, tensor.CPU)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestDevice_String(t *testing.T) {
	assert.Equal(t, "cpu", tensor.CPU.String())
	assert.Equal(t, "gpu:1", tensor.GPU(1).String())
	assert.Equal(t, "fpga:0", tensor.FPGA(0).String())
}

func TestDispatch_ShapeMismatchPanics(t *testing.T) {
	a, _ := tensor.New(tensor.Shape{2, 3}, tensor.CPU)
	b, _ := tensor.New(tensor.Shape{3, 2}, tensor.CPU)
	c, _ := tensor.New(tensor.Shape{2, 3}, tensor.CPU)

	requirePanicsWith(t, tensor.ErrShapeMismatch, func() { tensor.Add(1, a, 1, b, c, false) })
	requirePanicsWith(t, tensor.ErrShapeMismatch, func() { tensor.Mult2D(a, false, c, false, c, false) })
	requirePanicsWith(t, tensor.ErrShapeMismatch, func() { tensor.Softmax(a, b) })
}

func TestDispatch_DeviceMismatchPanics(t *testing.T) {
	tensor.RegisterBackend(tensor.KindFPGA, func(int) (tensor.Backend, error) {
		return tensor.Resolve(tensor.CPU)
	})
	defer tensor.RegisterBackend(tensor.KindFPGA, func(int) (tensor.Backend, error) {
		return nil, errors.New("unregistered in test")
	})

	a, err := tensor.New(tensor.Shape{4}, tensor.CPU)
	require.NoError(t, err)
	b, err := tensor.New(tensor.Shape{4}, tensor.FPGA(0))
	require.NoError(t, err)

	requirePanicsWith(t, tensor.ErrDeviceMismatch, func() { tensor.Add(1, a, 1, b, a, false) })
	requirePanicsWith(t, tensor.ErrDeviceMismatch, func() { tensor.Copy(a, b) })

	// Host transfer is the only way across devices.
	tensor.Load(a, []float32{1, 2, 3, 4})
	tensor.Transfer(a, b)
	assert.Equal(t, a.Data(), b.Data())
}

func TestTensor_ResizeAndFree(t *testing.T) {
	x, err := tensor.Full(tensor.Shape{4, 3}, 2, tensor.CPU)
	require.NoError(t, err)

	require.NoError(t, x.Resize(2))
	assert.Equal(t, tensor.Shape{2, 3}, x.Shape())
	assert.Len(t, x.Data(), 6)

	require.NoError(t, x.Resize(8))
	assert.Len(t, x.Data(), 24)
	assert.True(t, errors.Is(x.Resize(0), tensor.ErrShapeMismatch))

	x.Free()
	assert.True(t, x.Freed())
	requirePanicsWith(t, tensor.ErrStructural, x.Free)
	requirePanicsWith(t, tensor.ErrStructural, func() { tensor.Fill(x, 1) })
}

func TestRows_ScatterGather(t *testing.T) {
	src, _ := tensor.FromSlice([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{3, 2}, tensor.CPU)
	part, _ := tensor.New(tensor.Shape{2, 2}, tensor.CPU)

	tensor.LoadRows(src, 1, part)
	assert.Equal(t, []float32{3, 4, 5, 6}, part.Data())

	dst, _ := tensor.New(tensor.Shape{3, 2}, tensor.CPU)
	tensor.StoreRows(part, dst, 0)
	assert.Equal(t, []float32{3, 4, 5, 6, 0, 0}, dst.Data())

	requirePanicsWith(t, tensor.ErrShapeMismatch, func() { tensor.LoadRows(src, 2, part) })
}

func TestMemLevel_Parse(t *testing.T) {
	for in, want := range map[string]tensor.MemLevel{
		"full": tensor.MemFull, "mid_mem": tensor.MemMid, "low": tensor.MemLow,
	} {
		got, err := tensor.ParseMemLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := tensor.ParseMemLevel("tiny")
	assert.Error(t, err)
}
