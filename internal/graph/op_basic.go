package graph

import (
	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// ownedOutput provides resize and free for ops whose output is allocated
// by the layer itself rather than by a descriptor.
type ownedOutput struct{}

func (ownedOutput) resize(l *Layer, batch int) error { return l.out.Resize(batch) }

func (ownedOutput) free(l *Layer) {
	freeTensor(l.out)
	l.out = nil
}

func allocOutput(l *Layer, shape tensor.Shape) error {
	out, err := tensor.New(shape, l.dev)
	if err != nil {
		return err
	}
	l.out = out
	return nil
}

// inputOp holds externally loaded data.
type inputOp struct {
	ownedOutput
	shape tensor.Shape
	dev   tensor.Device
}

func (o *inputOp) build(l *Layer, _ *Layer) error { return allocOutput(l, o.shape) }
func (o *inputOp) forward(*Layer)                 {}
func (o *inputOp) backward(*Layer)                {}

func (o *inputOp) replicate() op { return &inputOp{shape: o.shape.Clone(), dev: o.dev} }

// denseOp computes out = in @ W + b with W of shape [in, units].
type denseOp struct {
	ownedOutput
	units   int
	useBias bool
}

func (o *denseOp) build(l *Layer, src *Layer) error {
	in := l.parent(0).out
	if in.Rank() != 2 {
		return errors.Wrapf(tensor.ErrShapeMismatch, "dense input must be 2D [N, features], got %v", in.Shape())
	}
	wshape := tensor.Shape{in.Dim(1), o.units}
	if src != nil {
		if !src.param(0).Shape().Equal(wshape) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "cannot share %v weights with a %v dense layer", src.param(0).Shape(), wshape)
		}
		l.aliasParams(src)
	} else {
		if _, _, err := l.newParam(wshape); err != nil {
			return err
		}
		if o.useBias {
			if _, _, err := l.newParam(tensor.Shape{o.units}); err != nil {
				return err
			}
		}
	}
	return allocOutput(l, tensor.Shape{in.Dim(0), o.units})
}

func (o *denseOp) forward(l *Layer) {
	tensor.Mult2D(l.parent(0).out, false, l.param(0), false, l.out, false)
	if o.useBias {
		tensor.Sum2DRowwise(l.out, l.param(1), l.out)
	}
}

func (o *denseOp) backward(l *Layer) {
	in := l.parent(0).out
	if l.trainable {
		tensor.Mult2D(in, true, l.delta, false, l.grad(0), true)
		if o.useBias {
			tensor.ReduceSumRows(l.delta, l.grad(1), true)
		}
	}
	if pd := l.parentDelta(0); pd != nil {
		tensor.Mult2D(l.delta, false, l.param(0), true, pd, true)
	}
}

func (o *denseOp) replicate() op { return &denseOp{units: o.units, useBias: o.useBias} }

// Activation functions.
const (
	FuncReLU    = "relu"
	FuncSigmoid = "sigmoid"
	FuncTanh    = "tanh"
	FuncSoftmax = "softmax"
	FuncLinear  = "linear"
)

type activationOp struct {
	ownedOutput
	fn string
}

func (o *activationOp) build(l *Layer, _ *Layer) error {
	in := l.parent(0).out
	switch o.fn {
	case FuncReLU, FuncSigmoid, FuncTanh, FuncLinear:
	case FuncSoftmax:
		if in.Rank() != 2 {
			return errors.Wrapf(tensor.ErrShapeMismatch, "softmax input must be 2D, got %v", in.Shape())
		}
	default:
		return errors.Wrapf(tensor.ErrStructural, "unknown activation %q", o.fn)
	}
	return allocOutput(l, in.Shape())
}

func (o *activationOp) forward(l *Layer) {
	in := l.parent(0).out
	switch o.fn {
	case FuncReLU:
		tensor.ReLU(in, l.out)
	case FuncSigmoid:
		tensor.Sigmoid(in, l.out)
	case FuncTanh:
		tensor.Tanh(in, l.out)
	case FuncSoftmax:
		tensor.Softmax(in, l.out)
	default:
		tensor.Copy(in, l.out)
	}
}

func (o *activationOp) backward(l *Layer) {
	pd := l.parentDelta(0)
	if pd == nil {
		return
	}
	if l.deltaBypass {
		tensor.Inc(l.delta, pd)
		return
	}
	switch o.fn {
	case FuncReLU:
		tensor.DReLU(l.delta, l.parent(0).out, pd)
	case FuncSigmoid:
		tensor.DSigmoid(l.delta, l.out, pd)
	case FuncTanh:
		tensor.DTanh(l.delta, l.out, pd)
	case FuncSoftmax:
		tensor.DSoftmax(l.delta, l.out, pd)
	default:
		tensor.Inc(l.delta, pd)
	}
}

func (o *activationOp) replicate() op { return &activationOp{fn: o.fn} }

// reshapeOp reinterprets the sample dimensions.
type reshapeOp struct {
	ownedOutput
	shape tensor.Shape // non-batch, may hold one -1
}

func (o *reshapeOp) build(l *Layer, _ *Layer) error {
	in := l.parent(0).out
	sample := in.Shape().Sample()
	target := o.shape.Clone()
	known, infer := 1, -1
	for i, d := range target {
		switch {
		case d == -1 && infer < 0:
			infer = i
		case d <= 0:
			return errors.Wrapf(tensor.ErrShapeMismatch, "bad reshape target %v", o.shape)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if sample%known != 0 {
			return errors.Wrapf(tensor.ErrShapeMismatch, "cannot reshape %v to %v", in.Shape(), o.shape)
		}
		target[infer] = sample / known
	}
	if target.NumElements() != sample {
		return errors.Wrapf(tensor.ErrShapeMismatch, "cannot reshape %v to %v", in.Shape(), o.shape)
	}
	return allocOutput(l, append(tensor.Shape{in.Dim(0)}, target...))
}

func (o *reshapeOp) forward(l *Layer) { tensor.Copy(l.parent(0).out, l.out) }

func (o *reshapeOp) backward(l *Layer) {
	if pd := l.parentDelta(0); pd != nil {
		tensor.Inc(l.delta, pd)
	}
}

func (o *reshapeOp) replicate() op { return &reshapeOp{shape: o.shape.Clone()} }

// selectOp extracts a rectangular region of every sample.
type selectOp struct {
	ownedOutput
	ranges []string
	sd     *tensor.SelDescriptor
}

func (o *selectOp) build(l *Layer, _ *Layer) error {
	sd, err := tensor.NewSelDescriptor(o.ranges)
	if err != nil {
		return err
	}
	shape, err := sd.Build(l.parent(0).out.Shape())
	if err != nil {
		return err
	}
	o.sd = sd
	return allocOutput(l, shape)
}

func (o *selectOp) forward(l *Layer) { tensor.Select(l.parent(0).out, l.out, o.sd) }

func (o *selectOp) backward(l *Layer) {
	if pd := l.parentDelta(0); pd != nil {
		tensor.SelectBack(l.delta, pd, o.sd)
	}
}

func (o *selectOp) replicate() op { return &selectOp{ranges: append([]string(nil), o.ranges...)} }
