package graph

import (
	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/initializer"
	"github.com/born-ml/deepgraph/internal/tensor"
)

// InputConfig describes an input layer.
type InputConfig struct {
	Name   string
	Shape  tensor.Shape // batch first
	Device tensor.Device
}

// DenseConfig describes a fully connected layer.
type DenseConfig struct {
	Name    string
	Units   int
	UseBias bool
	Init    string // initializer name, empty for the default scheme
}

// ConvConfig describes a 2D convolution layer.
type ConvConfig struct {
	Name string
	tensor.ConvConfig
	Init string
}

// PoolConfig describes a 2D max pooling layer.
type PoolConfig struct {
	Name string
	tensor.PoolConfig
}

// ActivationConfig describes an activation layer.
type ActivationConfig struct {
	Name string
	Func string // relu, sigmoid, tanh, softmax or linear
}

// ReshapeConfig describes a reshape layer.
type ReshapeConfig struct {
	Name  string
	Shape tensor.Shape // non-batch target, one dimension may be -1
}

// DropoutConfig describes a dropout layer.
type DropoutConfig struct {
	Name string
	Rate float64
}

// CropScaleConfig describes a random crop-and-scale augmentation layer.
type CropScaleConfig struct {
	Name   string
	Factor [2]float64 // range of the crop side relative to the input, default {0.8, 1}
	Border string     // BorderNearest (default) or BorderConstant
}

// SelectConfig describes a select layer.
type SelectConfig struct {
	Name   string
	Ranges []string // one range per non-batch dimension
}

// ConcatConfig describes a concat layer.
type ConcatConfig struct {
	Name string
	Axis int // non-batch axis, 0 is the channel axis of an NCHW tensor
}

func arity(kind Kind, parents []*Layer, lo, hi int) error {
	n := len(parents)
	switch {
	case lo == hi && n != lo:
		return errors.Wrapf(tensor.ErrStructural, "%s layer takes exactly %d parent(s), got %d", kind, lo, n)
	case n < lo:
		return errors.Wrapf(tensor.ErrStructural, "%s layer needs at least %d parents, got %d", kind, lo, n)
	case hi > 0 && n > hi:
		return errors.Wrapf(tensor.ErrStructural, "%s layer takes at most %d parents, got %d", kind, hi, n)
	}
	return nil
}

func parseInit(name string) (initializer.Initializer, error) {
	if name == "" {
		return nil, nil
	}
	init, err := initializer.Parse(name)
	if err != nil {
		return nil, errors.Wrap(tensor.ErrStructural, err.Error())
	}
	return init, nil
}

// Input adds a layer whose output is loaded by the caller.
func (g *Graph) Input(cfg InputConfig) (*Layer, error) {
	if err := cfg.Shape.Validate(); err != nil {
		return nil, err
	}
	return g.add(KindInput, cfg.Name, nil, &inputOp{shape: cfg.Shape.Clone(), dev: cfg.Device}, nil)
}

// Dense adds a fully connected layer over a 2D parent.
func (g *Graph) Dense(cfg DenseConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindDense, parents, 1, 1); err != nil {
		return nil, err
	}
	if cfg.Units <= 0 {
		return nil, errors.Wrapf(tensor.ErrStructural, "dense: units must be positive, got %d", cfg.Units)
	}
	init, err := parseInit(cfg.Init)
	if err != nil {
		return nil, err
	}
	l, err := g.add(KindDense, cfg.Name, parents, &denseOp{units: cfg.Units, useBias: cfg.UseBias}, nil)
	if err != nil {
		return nil, err
	}
	l.init = init
	return l, nil
}

// Conv adds a 2D convolution over an NCHW parent.
func (g *Graph) Conv(cfg ConvConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindConv, parents, 1, 1); err != nil {
		return nil, err
	}
	init, err := parseInit(cfg.Init)
	if err != nil {
		return nil, err
	}
	l, err := g.add(KindConv, cfg.Name, parents, &convOp{cfg: cfg.ConvConfig}, nil)
	if err != nil {
		return nil, err
	}
	l.init = init
	return l, nil
}

// ConvT adds a 2D transposed convolution over an NCHW parent. Filters is
// the number of output channels; the bias starts at zero.
func (g *Graph) ConvT(cfg ConvConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindConvT, parents, 1, 1); err != nil {
		return nil, err
	}
	init, err := parseInit(cfg.Init)
	if err != nil {
		return nil, err
	}
	l, err := g.add(KindConvT, cfg.Name, parents, &convTOp{cfg: cfg.ConvConfig}, nil)
	if err != nil {
		return nil, err
	}
	l.init = init
	return l, nil
}

// MaxPool adds a 2D max pooling layer.
func (g *Graph) MaxPool(cfg PoolConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindMaxPool, parents, 1, 1); err != nil {
		return nil, err
	}
	return g.add(KindMaxPool, cfg.Name, parents, &poolOp{cfg: cfg.PoolConfig}, nil)
}

// Activation adds an activation layer.
func (g *Graph) Activation(cfg ActivationConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindActivation, parents, 1, 1); err != nil {
		return nil, err
	}
	return g.add(KindActivation, cfg.Name, parents, &activationOp{fn: cfg.Func}, nil)
}

// Reshape adds a layer that changes the sample shape.
func (g *Graph) Reshape(cfg ReshapeConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindReshape, parents, 1, 1); err != nil {
		return nil, err
	}
	if len(cfg.Shape) == 0 {
		return nil, errors.Wrap(tensor.ErrShapeMismatch, "reshape: empty target shape")
	}
	return g.add(KindReshape, cfg.Name, parents, &reshapeOp{shape: cfg.Shape.Clone()}, nil)
}

// Dropout adds a dropout layer.
func (g *Graph) Dropout(cfg DropoutConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindDropout, parents, 1, 1); err != nil {
		return nil, err
	}
	return g.add(KindDropout, cfg.Name, parents, &dropoutOp{rate: cfg.Rate}, nil)
}

// CropScaleRandom adds a training-time augmentation that crops a random
// window of every sample and scales it back to the input size.
func (g *Graph) CropScaleRandom(cfg CropScaleConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindCropScale, parents, 1, 1); err != nil {
		return nil, err
	}
	if cfg.Factor == [2]float64{} {
		cfg.Factor = [2]float64{0.8, 1}
	}
	if cfg.Border == "" {
		cfg.Border = BorderNearest
	}
	return g.add(KindCropScale, cfg.Name, parents, &cropScaleOp{factor: cfg.Factor, border: cfg.Border}, nil)
}

// Select adds a layer extracting a region of every sample.
func (g *Graph) Select(cfg SelectConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindSelect, parents, 1, 1); err != nil {
		return nil, err
	}
	return g.add(KindSelect, cfg.Name, parents, &selectOp{ranges: append([]string(nil), cfg.Ranges...)}, nil)
}

// Add adds a layer summing two or more parents of equal shape.
func (g *Graph) Add(name string, parents ...*Layer) (*Layer, error) {
	if err := arity(KindAdd, parents, 2, 0); err != nil {
		return nil, err
	}
	return g.add(KindAdd, name, parents, &addOp{}, nil)
}

// Diff adds a layer computing parents[0] - parents[1].
func (g *Graph) Diff(name string, parents ...*Layer) (*Layer, error) {
	if err := arity(KindDiff, parents, 2, 2); err != nil {
		return nil, err
	}
	return g.add(KindDiff, name, parents, &diffOp{}, nil)
}

// Maximum adds a layer taking the elementwise maximum of two or more parents.
func (g *Graph) Maximum(name string, parents ...*Layer) (*Layer, error) {
	if err := arity(KindMaximum, parents, 2, 0); err != nil {
		return nil, err
	}
	return g.add(KindMaximum, name, parents, &maximumOp{}, nil)
}

// Concat adds a layer joining its parents along one sample axis.
func (g *Graph) Concat(cfg ConcatConfig, parents ...*Layer) (*Layer, error) {
	if err := arity(KindConcat, parents, 1, 0); err != nil {
		return nil, err
	}
	return g.add(KindConcat, cfg.Name, parents, &concatOp{axis: cfg.Axis}, nil)
}
