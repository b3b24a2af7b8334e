package optim

import (
	"github.com/chewxy/math32"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// Adam implements the Adam optimizer (Adaptive Moment Estimation).
//
// Adam maintains per-parameter exponential moving averages of the
// gradient (first moment) and of its square (second moment):
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * g_t
//	v_t = beta2 * v_{t-1} + (1 - beta2) * g_t^2
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param = param - lr * m_hat / (sqrt(v_hat) + epsilon)
//
// Reference: "Adam: A Method for Stochastic Optimization" (Kingma & Ba, 2014)
//
// Example:
//
//	adam := optim.NewAdam(optim.AdamConfig{
//	    LR:    0.001,
//	    Betas: [2]float32{0.9, 0.999},
//	    Eps:   1e-8,
//	})
type Adam struct {
	lr    float32
	beta1 float32
	beta2 float32
	eps   float32
	t     int

	m       state
	v       state
	scratch state
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Coefficients for moving averages (default: [0.9, 0.999])
	Eps   float32    // Numerical stability constant (default: 1e-8)
}

// NewAdam creates a new Adam optimizer. Zero fields take their defaults.
func NewAdam(config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		lr:      config.LR,
		beta1:   config.Betas[0],
		beta2:   config.Betas[1],
		eps:     config.Eps,
		m:       make(state),
		v:       make(state),
		scratch: make(state),
	}
}

// Step performs a single optimization step. The step counter used for
// bias correction advances once per call, not once per parameter.
func (a *Adam) Step(params, grads []*tensor.Tensor) error {
	if err := checkPairs(params, grads); err != nil {
		return err
	}
	a.t++
	c1 := 1 - math32.Pow(a.beta1, float32(a.t))
	c2 := 1 - math32.Pow(a.beta2, float32(a.t))

	for i, p := range params {
		g := grads[i]
		m, err := a.m.get(p)
		if err != nil {
			return err
		}
		v, err := a.v.get(p)
		if err != nil {
			return err
		}
		tmp, err := a.scratch.get(p)
		if err != nil {
			return err
		}

		tensor.Add(a.beta1, m, 1-a.beta1, g, m, false)
		tensor.ElMult(g, g, tmp, false)
		tensor.Add(a.beta2, v, 1-a.beta2, tmp, v, false)

		// tmp = m / (sqrt(v_hat) + eps)
		tensor.Sqrt(v, tmp)
		tensor.Scale(tmp, 1/math32.Sqrt(c2))
		tensor.AddScalar(tmp, a.eps)
		tensor.ElDiv(m, tmp, tmp, false)

		tensor.Add(1, p, -a.lr/c1, tmp, p, false)
	}
	return nil
}

// GetLR returns the current learning rate.
func (a *Adam) GetLR() float32 { return a.lr }

// SetLR sets the learning rate.
func (a *Adam) SetLR(lr float32) { a.lr = lr }

// Reset drops the moments and restarts bias correction.
func (a *Adam) Reset() {
	a.free()
	a.t = 0
}

// Free releases the moment tensors.
func (a *Adam) Free() { a.free() }

func (a *Adam) free() {
	a.m.free()
	a.v.free()
	a.scratch.free()
}
