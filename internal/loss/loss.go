// Package loss implements the training losses and evaluation metrics.
//
// Losses follow a two-method contract: Delta writes the gradient of the
// loss w.r.t. the prediction into the output layer's delta, and Value
// returns the loss summed over the rows of the batch. Delta is scaled
// by 1/n where n is the full logical batch, so replicas that process a
// shard each produce their share of the batch-mean gradient.
package loss

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// eps guards logarithms and divisions by probabilities.
const eps = 1e-7

// Loss is a differentiable training objective.
type Loss interface {
	Name() string
	// Delta overwrites delta with dLoss/dPred divided by n.
	Delta(target, pred, delta *tensor.Tensor, n int)
	// Value returns the loss summed over the batch.
	Value(target, pred *tensor.Tensor) float32
}

// New returns the loss registered under name.
func New(name string) (Loss, error) {
	switch name {
	case "mse", "mean_squared_error":
		return MSE{}, nil
	case "cross_entropy", "ce":
		return CrossEntropy{}, nil
	case "soft_cross_entropy", "softmax_cross_entropy", "sce":
		return SoftCrossEntropy{}, nil
	}
	return nil, errors.Errorf("unknown loss %q", name)
}

// MSE is the sum of squared errors.
type MSE struct{}

// Name implements Loss.
func (MSE) Name() string { return "mse" }

// Delta implements Loss: 2(Y-T)/n.
func (MSE) Delta(target, pred, delta *tensor.Tensor, n int) {
	s := 2 / float32(n)
	tensor.Add(s, pred, -s, target, delta, false)
}

// Value implements Loss.
func (MSE) Value(target, pred *tensor.Tensor) float32 {
	t, y := target.Data(), pred.Data()
	var sum float32
	for i := range y {
		d := y[i] - t[i]
		sum += d * d
	}
	return sum
}

// CrossEntropy is -sum(T*log(Y)) over probabilities Y.
type CrossEntropy struct{}

// Name implements Loss.
func (CrossEntropy) Name() string { return "cross_entropy" }

// Delta implements Loss: -T/(Y*n).
func (CrossEntropy) Delta(target, pred, delta *tensor.Tensor, n int) {
	t, y := target.Data(), pred.Data()
	vals := make([]float32, len(y))
	for i := range y {
		vals[i] = -t[i] / ((y[i] + eps) * float32(n))
	}
	tensor.Load(delta, vals)
}

// Value implements Loss.
func (CrossEntropy) Value(target, pred *tensor.Tensor) float32 {
	return crossEntropy(target.Data(), pred.Data())
}

func crossEntropy(t, y []float32) float32 {
	var sum float32
	for i := range y {
		if t[i] != 0 {
			sum -= t[i] * math32.Log(y[i]+eps)
		}
	}
	return sum
}

// SoftCrossEntropy is the cross-entropy of a softmax output. Its delta
// is the gradient w.r.t. the softmax input, so the softmax layer in
// front of it must pass deltas through unchanged.
type SoftCrossEntropy struct{}

// Name implements Loss.
func (SoftCrossEntropy) Name() string { return "soft_cross_entropy" }

// Delta implements Loss: (Y-T)/n.
func (SoftCrossEntropy) Delta(target, pred, delta *tensor.Tensor, n int) {
	s := 1 / float32(n)
	tensor.Add(s, pred, -s, target, delta, false)
}

// Value implements Loss.
func (SoftCrossEntropy) Value(target, pred *tensor.Tensor) float32 {
	return crossEntropy(target.Data(), pred.Data())
}
