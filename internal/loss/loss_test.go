package loss

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/born-ml/deepgraph/internal/backend/cpu"
	"github.com/born-ml/deepgraph/internal/tensor"
)

func pair(t *testing.T, target, pred []float32, shape tensor.Shape) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	tt, err := tensor.FromSlice(target, shape, tensor.CPU)
	require.NoError(t, err)
	yt, err := tensor.FromSlice(pred, shape, tensor.CPU)
	require.NoError(t, err)
	d, err := tensor.New(shape, tensor.CPU)
	require.NoError(t, err)
	return tt, yt, d
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"mse", "cross_entropy", "soft_cross_entropy"} {
		l, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, l.Name())
	}
	for _, name := range []string{"categorical_accuracy", "mse", "mae"} {
		m, err := NewMetric(name)
		require.NoError(t, err)
		assert.Equal(t, name, m.Name())
	}
	_, err := New("hinge")
	assert.Error(t, err)
	_, err = NewMetric("f1")
	assert.Error(t, err)
}

func TestMSE(t *testing.T) {
	target, pred, d := pair(t, []float32{1, 0, 0, 1}, []float32{0.5, 0.5, 0, 2}, tensor.Shape{2, 2})
	assert.InDelta(t, 0.25+0.25+0+1, MSE{}.Value(target, pred), 1e-6)

	MSE{}.Delta(target, pred, d, 4)
	assert.InDeltaSlice(t, []float32{-0.25, 0.25, 0, 0.5}, d.Data(), 1e-6)
}

func TestSoftCrossEntropy_DeltaDividesByGlobalBatch(t *testing.T) {
	target, pred, d := pair(t, []float32{0, 1, 1, 0}, []float32{0.2, 0.8, 0.6, 0.4}, tensor.Shape{2, 2})
	SoftCrossEntropy{}.Delta(target, pred, d, 4)
	assert.InDeltaSlice(t, []float32{0.05, -0.05, -0.1, 0.1}, d.Data(), 1e-6)

	want := -math32.Log(0.8) - math32.Log(0.6)
	assert.InDelta(t, want, SoftCrossEntropy{}.Value(target, pred), 1e-5)
}

func TestCrossEntropy(t *testing.T) {
	target, pred, d := pair(t, []float32{0, 1}, []float32{0.5, 0.25}, tensor.Shape{1, 2})
	CrossEntropy{}.Delta(target, pred, d, 2)
	assert.InDeltaSlice(t, []float32{0, -2}, d.Data(), 1e-4)
	assert.InDelta(t, -math32.Log(0.25), CrossEntropy{}.Value(target, pred), 1e-5)
}

func TestMetrics(t *testing.T) {
	target, pred, _ := pair(t,
		[]float32{0, 1, 0, 1, 0, 0, 0, 0, 1},
		[]float32{0.1, 0.7, 0.2, 0.3, 0.6, 0.1, 0.1, 0.2, 0.7},
		tensor.Shape{3, 3})
	assert.Equal(t, float32(2), CategoricalAccuracy{}.Value(target, pred))

	target, pred, _ = pair(t, []float32{1, 2, 3, 4}, []float32{2, 2, 3, 2}, tensor.Shape{2, 2})
	assert.InDelta(t, (1.0+0)/2+(0+4.0)/2, MeanSquaredError{}.Value(target, pred), 1e-6)
	assert.InDelta(t, (1.0+0)/2+(0+2.0)/2, MeanAbsoluteError{}.Value(target, pred), 1e-6)
}
