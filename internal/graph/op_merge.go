package graph

import (
	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/tensor"
)

func sameOutputShapes(kind Kind, parents []*Layer) error {
	s := parents[0].out.Shape()
	for _, p := range parents[1:] {
		if !p.out.Shape().Equal(s) {
			return errors.Wrapf(tensor.ErrStructural, "%s: parent %s has shape %v, %s has %v",
				kind, p.name, p.out.Shape(), parents[0].name, s)
		}
	}
	return nil
}

// addOp sums its parents.
type addOp struct{ ownedOutput }

func (o *addOp) build(l *Layer, _ *Layer) error {
	ps := l.Parents()
	if err := sameOutputShapes(KindAdd, ps); err != nil {
		return err
	}
	return allocOutput(l, ps[0].out.Shape())
}

func (o *addOp) forward(l *Layer) {
	ps := l.Parents()
	tensor.Copy(ps[0].out, l.out)
	for _, p := range ps[1:] {
		tensor.Inc(p.out, l.out)
	}
}

func (o *addOp) backward(l *Layer) {
	for i := range l.parents {
		if pd := l.parentDelta(i); pd != nil {
			tensor.Inc(l.delta, pd)
		}
	}
}

func (o *addOp) replicate() op { return &addOp{} }

// diffOp computes parent0 - parent1.
type diffOp struct{ ownedOutput }

func (o *diffOp) build(l *Layer, _ *Layer) error {
	ps := l.Parents()
	if err := sameOutputShapes(KindDiff, ps); err != nil {
		return err
	}
	return allocOutput(l, ps[0].out.Shape())
}

func (o *diffOp) forward(l *Layer) {
	tensor.Add(1, l.parent(0).out, -1, l.parent(1).out, l.out, false)
}

func (o *diffOp) backward(l *Layer) {
	if pd := l.parentDelta(0); pd != nil {
		tensor.Inc(l.delta, pd)
	}
	if pd := l.parentDelta(1); pd != nil {
		tensor.Add(-1, l.delta, 0, l.delta, pd, true)
	}
}

func (o *diffOp) replicate() op { return &diffOp{} }

// maximumOp takes the elementwise maximum of its parents. Ties send the
// delta to every parent holding the maximum.
type maximumOp struct{ ownedOutput }

func (o *maximumOp) build(l *Layer, _ *Layer) error {
	ps := l.Parents()
	if err := sameOutputShapes(KindMaximum, ps); err != nil {
		return err
	}
	return allocOutput(l, ps[0].out.Shape())
}

func (o *maximumOp) forward(l *Layer) {
	ps := l.Parents()
	tensor.ElMax(ps[0].out, ps[1].out, l.out)
	for _, p := range ps[2:] {
		tensor.ElMax(l.out, p.out, l.out)
	}
}

func (o *maximumOp) backward(l *Layer) {
	for i, p := range l.Parents() {
		if pd := l.parentDelta(i); pd != nil {
			tensor.DMax(l.delta, l.out, p.out, pd)
		}
	}
}

func (o *maximumOp) replicate() op { return &maximumOp{} }

// concatOp joins its parents along a sample axis (0 is the first
// non-batch dimension).
type concatOp struct {
	ownedOutput
	axis int
}

func (o *concatOp) allParentDeltas() {}

func (o *concatOp) build(l *Layer, _ *Layer) error {
	ps := l.Parents()
	first := ps[0].out.Shape()
	ax := o.axis + 1
	if o.axis < 0 || ax >= len(first) {
		return errors.Wrapf(tensor.ErrStructural, "concat: axis %d out of range for %v", o.axis, first)
	}
	shape := first.Clone()
	shape[ax] = 0
	for _, p := range ps {
		s := p.out.Shape()
		if len(s) != len(first) {
			return errors.Wrapf(tensor.ErrStructural, "concat: %s has shape %v, %s has %v", p.name, s, ps[0].name, first)
		}
		for i := range s {
			if i != ax && s[i] != first[i] {
				return errors.Wrapf(tensor.ErrStructural, "concat: %s has shape %v, %s has %v", p.name, s, ps[0].name, first)
			}
		}
		shape[ax] += s[ax]
	}
	return allocOutput(l, shape)
}

func (o *concatOp) forward(l *Layer) {
	ps := l.Parents()
	parts := make([]*tensor.Tensor, len(ps))
	for i, p := range ps {
		parts[i] = p.out
	}
	tensor.Concat(parts, l.out, o.axis+1)
}

func (o *concatOp) backward(l *Layer) {
	parts := make([]*tensor.Tensor, len(l.parents))
	for i := range l.parents {
		parts[i] = l.parentDelta(i)
	}
	tensor.ConcatBack(l.delta, parts, o.axis+1)
}

func (o *concatOp) replicate() op { return &concatOp{axis: o.axis} }
