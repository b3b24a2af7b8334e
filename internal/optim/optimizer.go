// Package optim implements the parameter update rules used by the net.
//
// This package provides:
//   - Optimizer interface: the update contract the net drives once per batch
//   - SGD: Stochastic Gradient Descent with momentum and weight decay
//   - Adam: Adaptive Moment Estimation
//
// Optimizers never touch host memory: every update is expressed through
// tensor dispatch, so the same optimizer works on any device the
// parameters live on. Per-parameter state (velocities, moments) is
// allocated lazily on the parameter's device the first time it is seen.
//
// Example usage:
//
//	opt := optim.NewAdam(optim.AdamConfig{LR: 0.001})
//	defer opt.Free()
//
//	for range epochs {
//	    n.Forward(inputs)
//	    n.Backward(targets)
//	    opt.Step(params, grads)
//	}
package optim

import (
	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// Optimizer is the base interface for all optimization algorithms.
//
// All optimizers must implement:
//   - Step: Apply gradient updates to parameters
//   - GetLR/SetLR: Read and change the learning rate (for scheduling)
//   - Reset: Drop accumulated state (velocities, moments, step count)
//   - Free: Release the device memory held by the state
type Optimizer interface {
	// Step updates params in place from grads. params[i] and grads[i]
	// must share shape and device. Step does not clear the gradients;
	// the net resets them explicitly after the update.
	Step(params, grads []*tensor.Tensor) error

	// GetLR returns the current learning rate.
	GetLR() float32

	// SetLR changes the learning rate used by subsequent steps.
	SetLR(lr float32)

	// Reset drops all per-parameter state.
	Reset()

	// Free releases the state tensors. The optimizer is reusable
	// afterwards; state is reallocated on the next Step.
	Free()
}

// New returns an optimizer by name with default hyperparameters.
// Recognized names are "sgd" and "adam".
func New(name string, lr float32) (Optimizer, error) {
	switch name {
	case "sgd":
		return NewSGD(SGDConfig{LR: lr}), nil
	case "adam":
		return NewAdam(AdamConfig{LR: lr}), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", name)
}

// checkPairs validates that params and grads line up.
func checkPairs(params, grads []*tensor.Tensor) error {
	if len(params) != len(grads) {
		return errors.Wrapf(tensor.ErrStructural, "%d parameters but %d gradients", len(params), len(grads))
	}
	for i, p := range params {
		g := grads[i]
		if p == nil || g == nil {
			return errors.Wrapf(tensor.ErrStructural, "nil tensor at parameter %d", i)
		}
		if p.Device() != g.Device() {
			return errors.Wrapf(tensor.ErrDeviceMismatch, "parameter %d on %s, gradient on %s", i, p.Device(), g.Device())
		}
		if !p.Shape().Equal(g.Shape()) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "parameter %d %v, gradient %v", i, p.Shape(), g.Shape())
		}
	}
	return nil
}

// state lazily allocates one zeroed tensor per parameter.
type state map[*tensor.Tensor]*tensor.Tensor

func (s state) get(p *tensor.Tensor) (*tensor.Tensor, error) {
	if t, ok := s[p]; ok {
		return t, nil
	}
	t, err := tensor.Zeros(p.Shape(), p.Device())
	if err != nil {
		return nil, errors.WithMessage(err, "allocating optimizer state")
	}
	s[p] = t
	return t, nil
}

func (s state) free() {
	for p, t := range s {
		t.Free()
		delete(s, p)
	}
}
