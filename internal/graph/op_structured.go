package graph

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// convOp wraps a ConvolDescriptor. The descriptor owns the output; the
// kernel and bias are handed to the slot arena.
type convOp struct {
	cfg tensor.ConvConfig
	cd  *tensor.ConvolDescriptor
}

func (o *convOp) build(l *Layer, src *Layer) error {
	cd, err := tensor.NewConvolDescriptor(o.cfg)
	if err != nil {
		return err
	}
	in := l.parent(0).out
	if src != nil {
		if err := cd.BuildShared(in, l.g.Mem(), src.op.(*convOp).cd); err != nil {
			return err
		}
		l.aliasParams(src)
	} else {
		if err := cd.Build(in, l.g.Mem()); err != nil {
			return err
		}
		l.adoptParam(cd.K, cd.GK)
		if cd.UseBias {
			l.adoptParam(cd.Bias, cd.GBias)
		}
	}
	o.cd = cd
	l.out = cd.O
	return nil
}

func (o *convOp) forward(*Layer) { tensor.Conv2D(o.cd) }

func (o *convOp) backward(l *Layer) {
	o.cd.D = l.delta
	if l.trainable {
		tensor.Conv2DGrad(o.cd)
	}
	if pd := l.parentDelta(0); pd != nil {
		o.cd.ID = pd
		tensor.Conv2DBack(o.cd)
	}
}

func (o *convOp) resize(l *Layer, batch int) error {
	if err := o.cd.Resize(batch); err != nil {
		return err
	}
	l.out = o.cd.O
	return nil
}

func (o *convOp) replicate() op { return &convOp{cfg: o.cd.Config()} }

func (o *convOp) free(l *Layer) {
	if o.cd != nil {
		o.cd.Free()
	}
	l.out = nil
}

func (o *convOp) enableDistributed(*Layer) ([]*tensor.Tensor, error) {
	if err := o.cd.EnableDistributed(); err != nil {
		return nil, err
	}
	acc := []*tensor.Tensor{o.cd.AccGK}
	if o.cd.UseBias {
		acc = append(acc, o.cd.AccGBias)
	}
	return acc, nil
}

// Descriptor exposes the convolution geometry of a conv layer.
func (l *Layer) Descriptor() *tensor.ConvolDescriptor {
	if o, ok := l.op.(*convOp); ok {
		return o.cd
	}
	return nil
}

// convTOp wraps a ConvolDescriptorT and shares the parameter handling of convOp.
type convTOp struct {
	cfg tensor.ConvConfig
	cd  *tensor.ConvolDescriptorT
}

func (o *convTOp) build(l *Layer, src *Layer) error {
	cd, err := tensor.NewConvolDescriptorT(o.cfg)
	if err != nil {
		return err
	}
	in := l.parent(0).out
	if src != nil {
		if err := cd.BuildShared(in, l.g.Mem(), src.op.(*convTOp).cd); err != nil {
			return err
		}
		l.aliasParams(src)
	} else {
		if err := cd.Build(in, l.g.Mem()); err != nil {
			return err
		}
		l.adoptParam(cd.K, cd.GK)
		if cd.UseBias {
			l.adoptParam(cd.Bias, cd.GBias)
		}
	}
	o.cd = cd
	l.out = cd.O
	return nil
}

func (o *convTOp) forward(*Layer) { tensor.Conv2DT(o.cd) }

func (o *convTOp) backward(l *Layer) {
	o.cd.D = l.delta
	if l.trainable {
		tensor.Conv2DTGrad(o.cd)
	}
	if pd := l.parentDelta(0); pd != nil {
		o.cd.ID = pd
		tensor.Conv2DTBack(o.cd)
	}
}

func (o *convTOp) resize(l *Layer, batch int) error {
	if err := o.cd.Resize(batch); err != nil {
		return err
	}
	l.out = o.cd.O
	return nil
}

func (o *convTOp) replicate() op { return &convTOp{cfg: o.cd.Config()} }

func (o *convTOp) free(l *Layer) {
	if o.cd != nil {
		o.cd.Free()
	}
	l.out = nil
}

func (o *convTOp) enableDistributed(*Layer) ([]*tensor.Tensor, error) {
	if err := o.cd.EnableDistributed(); err != nil {
		return nil, err
	}
	acc := []*tensor.Tensor{o.cd.AccGK}
	if o.cd.UseBias {
		acc = append(acc, o.cd.AccGBias)
	}
	return acc, nil
}

// DescriptorT exposes the geometry of a transposed convolution layer.
func (l *Layer) DescriptorT() *tensor.ConvolDescriptorT {
	if o, ok := l.op.(*convTOp); ok {
		return o.cd
	}
	return nil
}

// poolOp wraps a PoolDescriptor.
type poolOp struct {
	cfg tensor.PoolConfig
	pd  *tensor.PoolDescriptor
}

func (o *poolOp) build(l *Layer, _ *Layer) error {
	pd, err := tensor.NewPoolDescriptor(o.cfg)
	if err != nil {
		return err
	}
	if err := pd.Build(l.parent(0).out); err != nil {
		return err
	}
	o.pd = pd
	l.out = pd.O
	return nil
}

func (o *poolOp) forward(*Layer) { tensor.MPool2D(o.pd) }

func (o *poolOp) backward(l *Layer) {
	if pd := l.parentDelta(0); pd != nil {
		o.pd.D, o.pd.ID = l.delta, pd
		tensor.MPool2DBack(o.pd)
	}
}

func (o *poolOp) resize(l *Layer, batch int) error {
	if err := o.pd.Resize(batch); err != nil {
		return err
	}
	l.out = o.pd.O
	return nil
}

func (o *poolOp) replicate() op { return &poolOp{cfg: o.pd.Config()} }

func (o *poolOp) free(l *Layer) {
	if o.pd != nil {
		o.pd.Free()
	}
	l.out = nil
}

// dropoutOp zeroes inputs with probability rate while training and
// scales them by 1-rate at inference.
type dropoutOp struct {
	rate float64
	mask *tensor.Tensor
	rng  *rand.Rand
}

func (o *dropoutOp) build(l *Layer, _ *Layer) error {
	if o.rate < 0 || o.rate >= 1 {
		return errors.Wrapf(tensor.ErrStructural, "dropout rate %v outside [0, 1)", o.rate)
	}
	shape := l.parent(0).out.Shape()
	if err := allocOutput(l, shape); err != nil {
		return err
	}
	mask, err := tensor.New(shape, l.dev)
	if err != nil {
		return err
	}
	o.mask = mask
	o.rng = l.g.stream()
	return nil
}

func (o *dropoutOp) keep() float32 { return float32(1 - o.rate) }

func (o *dropoutOp) forward(l *Layer) {
	in := l.parent(0).out
	if l.mode == Eval {
		tensor.Copy(in, l.out)
		tensor.Scale(l.out, o.keep())
		return
	}
	bern := distuv.Bernoulli{P: 1 - o.rate, Src: o.rng}
	vals := make([]float32, o.mask.NumElements())
	for i := range vals {
		vals[i] = float32(bern.Rand())
	}
	tensor.Load(o.mask, vals)
	tensor.ElMult(in, o.mask, l.out, false)
}

func (o *dropoutOp) backward(l *Layer) {
	pd := l.parentDelta(0)
	if pd == nil {
		return
	}
	if l.mode == Eval {
		tensor.Add(o.keep(), l.delta, 0, l.delta, pd, true)
		return
	}
	tensor.ElMult(l.delta, o.mask, pd, true)
}

func (o *dropoutOp) resize(l *Layer, batch int) error {
	if err := l.out.Resize(batch); err != nil {
		return err
	}
	return o.mask.Resize(batch)
}

func (o *dropoutOp) replicate() op { return &dropoutOp{rate: o.rate} }

func (o *dropoutOp) free(l *Layer) {
	freeTensor(l.out, o.mask)
	l.out, o.mask = nil, nil
}
