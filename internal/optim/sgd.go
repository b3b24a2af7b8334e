package optim

import (
	"github.com/born-ml/deepgraph/internal/tensor"
)

// SGD implements Stochastic Gradient Descent with optional momentum and
// L2 weight decay.
//
// Update rule without momentum:
//
//	param = (1 - lr*wd) * param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient + wd * param
//	param = param - lr * velocity
//
// Example:
//
//	sgd := optim.NewSGD(optim.SGDConfig{
//	    LR:       0.01,
//	    Momentum: 0.9,
//	})
type SGD struct {
	lr          float32
	momentum    float32
	weightDecay float32
	velocities  state
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR          float32 // Learning rate (default: 0.01)
	Momentum    float32 // Momentum factor (default: 0.0, range: [0, 1))
	WeightDecay float32 // L2 penalty (default: 0.0)
}

// NewSGD creates a new SGD optimizer.
func NewSGD(config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		lr:          config.LR,
		momentum:    config.Momentum,
		weightDecay: config.WeightDecay,
		velocities:  make(state),
	}
}

// Step performs a single optimization step.
func (s *SGD) Step(params, grads []*tensor.Tensor) error {
	if err := checkPairs(params, grads); err != nil {
		return err
	}
	for i, p := range params {
		g := grads[i]
		if s.momentum == 0 {
			tensor.Add(1-s.lr*s.weightDecay, p, -s.lr, g, p, false)
			continue
		}
		v, err := s.velocities.get(p)
		if err != nil {
			return err
		}
		tensor.Scale(v, s.momentum)
		tensor.Inc(g, v)
		if s.weightDecay != 0 {
			tensor.Add(s.weightDecay, p, 1, v, v, false)
		}
		tensor.Add(1, p, -s.lr, v, p, false)
	}
	return nil
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float32 { return s.lr }

// SetLR sets the learning rate.
func (s *SGD) SetLR(lr float32) { s.lr = lr }

// Reset drops all velocities.
func (s *SGD) Reset() { s.velocities.free() }

// Free releases the velocity tensors.
func (s *SGD) Free() { s.velocities.free() }
