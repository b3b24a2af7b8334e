package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// Metric scores predictions. Value is summed over the rows of the
// batch; callers divide by the number of rows they evaluated.
type Metric interface {
	Name() string
	Value(target, pred *tensor.Tensor) float32
}

// NewMetric returns the metric registered under name.
func NewMetric(name string) (Metric, error) {
	switch name {
	case "categorical_accuracy", "accuracy":
		return CategoricalAccuracy{}, nil
	case "mse", "mean_squared_error":
		return MeanSquaredError{}, nil
	case "mae", "mean_absolute_error":
		return MeanAbsoluteError{}, nil
	}
	return nil, errors.Errorf("unknown metric %q", name)
}

// rows splits a tensor into batch rows.
func rows(t *tensor.Tensor) (int, int) {
	n := t.Dim(0)
	return n, t.NumElements() / n
}

// CategoricalAccuracy counts rows whose argmax matches the target's.
type CategoricalAccuracy struct{}

// Name implements Metric.
func (CategoricalAccuracy) Name() string { return "categorical_accuracy" }

// Value implements Metric.
func (CategoricalAccuracy) Value(target, pred *tensor.Tensor) float32 {
	n, w := rows(pred)
	t, y := target.Data(), pred.Data()
	var hits float32
	for r := range n {
		if argmax(t[r*w:(r+1)*w]) == argmax(y[r*w:(r+1)*w]) {
			hits++
		}
	}
	return hits
}

func argmax(v []float32) int {
	best := 0
	for i := 1; i < len(v); i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// MeanSquaredError sums the per-row mean of squared errors.
type MeanSquaredError struct{}

// Name implements Metric.
func (MeanSquaredError) Name() string { return "mse" }

// Value implements Metric.
func (MeanSquaredError) Value(target, pred *tensor.Tensor) float32 {
	_, w := rows(pred)
	return MSE{}.Value(target, pred) / float32(w)
}

// MeanAbsoluteError sums the per-row mean of absolute errors.
type MeanAbsoluteError struct{}

// Name implements Metric.
func (MeanAbsoluteError) Name() string { return "mae" }

// Value implements Metric.
func (MeanAbsoluteError) Value(target, pred *tensor.Tensor) float32 {
	_, w := rows(pred)
	t, y := target.Data(), pred.Data()
	var sum float32
	for i := range y {
		sum += math32.Abs(y[i] - t[i])
	}
	return sum / float32(w)
}
