// Package initializer fills parameter tensors before training.
//
// Random draws go through gonum's distuv distributions on a caller-owned
// *rand.Rand, so a fixed seed reproduces the same parameters on every
// device.
package initializer

import (
	"math/rand/v2"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// Initializer sets the contents of a parameter tensor.
type Initializer interface {
	Init(t *tensor.Tensor, rng *rand.Rand)
}

// Default is the shape-dependent scheme used when a layer names no initializer:
// 1-D parameters are uniform in ±0.1, 2-D parameters normal with
// std sqrt(2/shape[0]) and higher ranks normal with std sqrt(2/(size/shape[0])).
type Default struct{}

// Init implements Initializer.
func (Default) Init(t *tensor.Tensor, rng *rand.Rand) {
	s := t.Shape()
	switch len(s) {
	case 1:
		Uniform{Min: -0.1, Max: 0.1}.Init(t, rng)
	case 2:
		Normal{Std: math32.Sqrt(2 / float32(s[0]))}.Init(t, rng)
	default:
		Normal{Std: math32.Sqrt(2 / float32(s.NumElements()/s[0]))}.Init(t, rng)
	}
}

// Uniform draws from U(Min, Max).
type Uniform struct{ Min, Max float32 }

// Init implements Initializer.
func (u Uniform) Init(t *tensor.Tensor, rng *rand.Rand) {
	fill(t, distuv.Uniform{Min: float64(u.Min), Max: float64(u.Max), Src: rng})
}

// Normal draws from N(Mean, Std²).
type Normal struct{ Mean, Std float32 }

// Init implements Initializer.
func (n Normal) Init(t *tensor.Tensor, rng *rand.Rand) {
	fill(t, distuv.Normal{Mu: float64(n.Mean), Sigma: float64(n.Std), Src: rng})
}

// GlorotUniform draws from U(±sqrt(6/(fanIn+fanOut))).
type GlorotUniform struct{}

// Init implements Initializer.
func (GlorotUniform) Init(t *tensor.Tensor, rng *rand.Rand) {
	in, out := fans(t.Shape())
	limit := math32.Sqrt(6 / float32(in+out))
	Uniform{Min: -limit, Max: limit}.Init(t, rng)
}

// HeNormal draws from N(0, 2/fanIn).
type HeNormal struct{}

// Init implements Initializer.
func (HeNormal) Init(t *tensor.Tensor, rng *rand.Rand) {
	in, _ := fans(t.Shape())
	Normal{Std: math32.Sqrt(2 / float32(in))}.Init(t, rng)
}

// Constant sets every element to Value.
type Constant struct{ Value float32 }

// Init implements Initializer.
func (c Constant) Init(t *tensor.Tensor, _ *rand.Rand) {
	tensor.Fill(t, c.Value)
}

// Parse returns the initializer registered under name.
func Parse(name string) (Initializer, error) {
	switch name {
	case "", "default":
		return Default{}, nil
	case "zeros":
		return Constant{}, nil
	case "ones":
		return Constant{Value: 1}, nil
	case "glorot_uniform", "xavier":
		return GlorotUniform{}, nil
	case "he_normal", "he":
		return HeNormal{}, nil
	}
	return nil, errors.Errorf("unknown initializer %q", name)
}

type sampler interface{ Rand() float64 }

func fill(t *tensor.Tensor, dist sampler) {
	vals := make([]float32, t.NumElements())
	for i := range vals {
		vals[i] = float32(dist.Rand())
	}
	tensor.Load(t, vals)
}

// fans returns the fan-in and fan-out of a dense [in, out] matrix or a
// conv kernel [out, in, kh, kw].
func fans(s tensor.Shape) (int, int) {
	switch len(s) {
	case 1:
		return s[0], s[0]
	case 2:
		return s[0], s[1]
	default:
		field := tensor.Shape(s[2:]).NumElements()
		return s[1] * field, s[0] * field
	}
}
