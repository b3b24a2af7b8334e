package graph

import (
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/initializer"
	"github.com/born-ml/deepgraph/internal/tensor"
)

// op is the operation table every layer kind implements.
type op interface {
	// build allocates the output and the parameters of l. When src is not
	// nil the parameters of src are aliased instead of allocated.
	build(l *Layer, src *Layer) error
	forward(l *Layer)
	// backward computes parameter gradients and increments parent deltas.
	backward(l *Layer)
	resize(l *Layer, batch int) error
	// replicate returns an unbuilt op with the same configuration.
	replicate() op
	// free releases the buffers owned by the op, including the output.
	free(l *Layer)
}

// distributor is implemented by ops whose descriptor owns the
// accumulated-gradient buffers.
type distributor interface {
	enableDistributed(l *Layer) ([]*tensor.Tensor, error)
}

// allParents is implemented by ops that need a delta for every parent,
// input layers included.
type allParents interface {
	allParentDeltas()
}

// Layer is one node of the graph.
type Layer struct {
	g        *Graph
	id       LayerID
	name     string
	kind     Kind
	dev      tensor.Device
	parents  []LayerID
	children []LayerID

	out   *tensor.Tensor
	delta *tensor.Tensor

	params  []slotID
	grads   []slotID
	acc     []*tensor.Tensor
	ownsAcc bool
	staging []*tensor.Tensor // cross-device gradient gathering
	init    initializer.Initializer

	trainable   bool
	distributed bool
	deltaBypass bool
	mode        Mode
	orig        LayerID
	replica     int
	destroyed   bool

	op op
}

// ID returns the arena index of the layer.
func (l *Layer) ID() LayerID { return l.id }

// Name returns the unique name of the layer.
func (l *Layer) Name() string { return l.name }

// Kind returns the layer variant.
func (l *Layer) Kind() Kind { return l.kind }

// Device returns the device of the layer's tensors.
func (l *Layer) Device() tensor.Device { return l.dev }

// Graph returns the owning graph.
func (l *Layer) Graph() *Graph { return l.g }

// Output returns the output tensor.
func (l *Layer) Output() *tensor.Tensor { return l.out }

// Delta returns the delta tensor, nil until allocated.
func (l *Layer) Delta() *tensor.Tensor { return l.delta }

// Batch returns the current batch size.
func (l *Layer) Batch() int { return l.out.Dim(0) }

// Replica returns the replica index (0 for declared layers).
func (l *Layer) Replica() int { return l.replica }

// Orig returns the layer this one was shared or cloned from, or nil.
func (l *Layer) Orig() *Layer {
	if l.orig == NoLayer {
		return nil
	}
	return l.g.Layer(l.orig)
}

// Parents returns the parent layers in declaration order.
func (l *Layer) Parents() []*Layer {
	out := make([]*Layer, len(l.parents))
	for i, id := range l.parents {
		out[i] = l.g.Layer(id)
	}
	return out
}

// Children returns the live child layers.
func (l *Layer) Children() []*Layer {
	out := make([]*Layer, 0, len(l.children))
	for _, id := range l.children {
		if c := l.g.Layer(id); c != nil && !c.destroyed {
			out = append(out, c)
		}
	}
	return out
}

func (l *Layer) parent(i int) *Layer { return l.g.Layer(l.parents[i]) }

// parentDelta returns the delta of parent i, nil when it takes none.
func (l *Layer) parentDelta(i int) *tensor.Tensor { return l.parent(i).delta }

// Trainable reports whether the optimizer updates the layer.
func (l *Layer) Trainable() bool { return l.trainable }

// SetTrainable freezes or unfreezes the parameters.
func (l *Layer) SetTrainable(v bool) { l.trainable = v }

// Mode returns the current mode.
func (l *Layer) Mode() Mode { return l.mode }

// SetMode switches between training and inference behaviour.
func (l *Layer) SetMode(m Mode) { l.mode = m }

// Distributed reports whether accumulators are allocated.
func (l *Layer) Distributed() bool { return l.distributed }

// DeltaBypass reports whether the layer passes its delta unchanged to its parent.
func (l *Layer) DeltaBypass() bool { return l.deltaBypass }

// SetDeltaBypass makes a softmax activation pass its delta through, for
// losses whose delta already is the gradient w.r.t. the softmax input.
func (l *Layer) SetDeltaBypass(v bool) error {
	if a, ok := l.op.(*activationOp); !ok || a.fn != "softmax" {
		return errors.Wrapf(tensor.ErrStructural, "%s: delta bypass needs a softmax activation", l.name)
	}
	l.deltaBypass = v
	return nil
}

// SetInitializer overrides the default parameter initializer.
func (l *Layer) SetInitializer(init initializer.Initializer) { l.init = init }

// Params returns the parameter tensors in declaration order.
func (l *Layer) Params() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(l.params))
	for i, id := range l.params {
		out[i] = l.g.tensorOf(id)
	}
	return out
}

// Gradients returns the gradient tensors, ordered like Params.
func (l *Layer) Gradients() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(l.grads))
	for i, id := range l.grads {
		out[i] = l.g.tensorOf(id)
	}
	return out
}

// Accumulators returns the distributed accumulators, ordered like Params.
func (l *Layer) Accumulators() []*tensor.Tensor { return l.acc }

// NumParams returns the number of trainable scalars.
func (l *Layer) NumParams() int {
	n := 0
	for _, p := range l.Params() {
		n += p.NumElements()
	}
	return n
}

func (l *Layer) param(i int) *tensor.Tensor { return l.g.tensorOf(l.params[i]) }
func (l *Layer) grad(i int) *tensor.Tensor  { return l.g.tensorOf(l.grads[i]) }

// newParam allocates a parameter and its gradient on the layer device.
func (l *Layer) newParam(shape tensor.Shape) (*tensor.Tensor, *tensor.Tensor, error) {
	p, err := tensor.New(shape, l.dev)
	if err != nil {
		return nil, nil, err
	}
	gr, err := tensor.New(shape, l.dev)
	if err != nil {
		p.Free()
		return nil, nil, err
	}
	l.adoptParam(p, gr)
	return p, gr, nil
}

// adoptParam hands tensors allocated elsewhere (descriptors) to the slot arena.
func (l *Layer) adoptParam(p, gr *tensor.Tensor) {
	l.params = append(l.params, l.g.newSlot(p))
	l.grads = append(l.grads, l.g.newSlot(gr))
}

// aliasParams makes l reference the parameter slots of src.
func (l *Layer) aliasParams(src *Layer) {
	for i := range src.params {
		l.g.retain(src.params[i])
		l.g.retain(src.grads[i])
	}
	l.params = append(l.params, src.params...)
	l.grads = append(l.grads, src.grads...)
}

func (l *Layer) releaseParams() {
	for i := range l.params {
		l.g.release(l.params[i])
		l.g.release(l.grads[i])
	}
	l.params, l.grads = nil, nil
}

// Forward computes the output from the parents' outputs.
func (l *Layer) Forward() {
	l.op.forward(l)
}

// Backward computes parameter gradients and increments the parents'
// deltas. A layer that received no delta is skipped.
func (l *Layer) Backward() error {
	if l.delta == nil || l.kind == KindInput {
		return nil
	}
	_, all := l.op.(allParents)
	for _, p := range l.Parents() {
		if p.kind != KindInput || all {
			if _, err := p.EnsureDelta(); err != nil {
				return errors.WithMessagef(err, "backward %s", l.name)
			}
		}
	}
	l.op.backward(l)
	return nil
}

// EnsureDelta allocates the zeroed delta on first use and returns it.
func (l *Layer) EnsureDelta() (*tensor.Tensor, error) {
	if l.delta != nil {
		return l.delta, nil
	}
	d, err := tensor.New(l.out.Shape(), l.dev)
	if err != nil {
		return nil, errors.WithMessagef(err, "delta of %s", l.name)
	}
	l.delta = d
	return d, nil
}

// ResetDelta zeroes the delta if allocated.
func (l *Layer) ResetDelta() {
	if l.delta != nil {
		tensor.Fill(l.delta, 0)
	}
}

// FreeDelta releases the delta; it is allocated again on next use.
func (l *Layer) FreeDelta() {
	freeTensor(l.delta)
	l.delta = nil
}

// ResetGrads zeroes the gradient tensors.
func (l *Layer) ResetGrads() {
	for _, gr := range l.Gradients() {
		tensor.Fill(gr, 0)
	}
}

// Initialize fills the parameters with the layer initializer, or the
// default shape-dependent scheme when none was set.
func (l *Layer) Initialize(rng *rand.Rand) {
	init := l.init
	if init == nil {
		init = initializer.Default{}
	}
	for _, p := range l.Params() {
		init.Init(p, rng)
	}
	if o, ok := l.op.(*convTOp); ok && o.cd.UseBias {
		tensor.Fill(o.cd.Bias, 0)
	}
}

// Resize changes the batch dimension of the output and the delta.
func (l *Layer) Resize(batch int) error {
	if err := l.op.resize(l, batch); err != nil {
		return errors.WithMessagef(err, "resize %s", l.name)
	}
	if l.delta != nil {
		if err := l.delta.Resize(batch); err != nil {
			return errors.WithMessagef(err, "resize %s delta", l.name)
		}
	}
	return nil
}

func (l *Layer) checkReplicaParents(batch int, parents []*Layer) error {
	if len(parents) != len(l.parents) {
		return errors.Wrapf(tensor.ErrStructural, "%s has %d parents, replica got %d", l.name, len(l.parents), len(parents))
	}
	for _, p := range parents {
		if p != nil && p.out != nil && p.Batch() != batch {
			return errors.Wrapf(tensor.ErrShapeMismatch, "replica of %s: parent %s has batch %d, want %d",
				l.name, p.name, p.Batch(), batch)
		}
	}
	return nil
}

func (l *Layer) inherit(src *Layer, replica int) {
	l.orig = src.id
	l.replica = replica
	l.trainable = src.trainable
	l.mode = src.mode
	l.deltaBypass = src.deltaBypass
	l.init = src.init
}

// Share returns a replica wired to parents that aliases the parameter
// and gradient tensors of l. Gradients computed by the replica land in
// the same buffers as the original's.
func (l *Layer) Share(replica, batch int, parents []*Layer) (*Layer, error) {
	if err := l.checkReplicaParents(batch, parents); err != nil {
		return nil, err
	}
	o := l.op.replicate()
	if in, ok := o.(*inputOp); ok {
		in.shape = in.shape.WithBatch(batch)
	}
	nl, err := l.g.add(l.kind, fmt.Sprintf("share_%d%s", replica, l.name), parents, o, l)
	if err != nil {
		return nil, err
	}
	nl.inherit(l, replica)
	return nl, nil
}

// Clone returns an independent replica on dev with its own parameters,
// initialized with a copy of the values of l.
func (l *Layer) Clone(replica, batch int, parents []*Layer, dev tensor.Device) (*Layer, error) {
	if err := l.checkReplicaParents(batch, parents); err != nil {
		return nil, err
	}
	for _, p := range parents {
		if p != nil && p.dev != dev {
			return nil, errors.Wrapf(tensor.ErrDeviceMismatch, "clone of %s on %s: parent %s on %s", l.name, dev, p.name, p.dev)
		}
	}
	o := l.op.replicate()
	if in, ok := o.(*inputOp); ok {
		in.shape = in.shape.WithBatch(batch)
		in.dev = dev
	}
	nl, err := l.g.add(l.kind, fmt.Sprintf("clone_%d%s", replica, l.name), parents, o, nil)
	if err != nil {
		return nil, err
	}
	nl.inherit(l, replica)
	if err := nl.LoadParams(l); err != nil {
		nl.Destroy()
		return nil, err
	}
	return nl, nil
}

// LoadParams copies the parameter values of src into l. The layers may
// live on different devices.
func (l *Layer) LoadParams(src *Layer) error {
	if len(src.params) != len(l.params) {
		return errors.Wrapf(tensor.ErrStructural, "%s has %d parameters, %s has %d", l.name, len(l.params), src.name, len(src.params))
	}
	for i := range l.params {
		sp, dp := src.param(i), l.param(i)
		if !sp.Shape().Equal(dp.Shape()) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "%s parameter %d: %v vs %v", l.name, i, sp.Shape(), dp.Shape())
		}
		tensor.Transfer(sp, dp)
	}
	return nil
}

// AddGradientsFrom increments the gradients of l with those of src.
// Gradients on another device go through a staging buffer on l's device.
func (l *Layer) AddGradientsFrom(src *Layer) error {
	if len(src.grads) != len(l.grads) {
		return errors.Wrapf(tensor.ErrStructural, "%s has %d gradients, %s has %d", l.name, len(l.grads), src.name, len(src.grads))
	}
	if src.dev == l.dev {
		for i := range l.grads {
			tensor.Inc(src.grad(i), l.grad(i))
		}
		return nil
	}
	if l.staging == nil {
		for i := range l.grads {
			s, err := tensor.New(l.grad(i).Shape(), l.dev)
			if err != nil {
				return errors.WithMessagef(err, "gradient staging of %s", l.name)
			}
			l.staging = append(l.staging, s)
		}
	}
	for i := range l.grads {
		tensor.Transfer(src.grad(i), l.staging[i])
		tensor.Inc(l.staging[i], l.grad(i))
	}
	return nil
}

// EnableDistributed allocates one accumulator per gradient.
func (l *Layer) EnableDistributed() error {
	if l.distributed {
		return nil
	}
	if d, ok := l.op.(distributor); ok {
		acc, err := d.enableDistributed(l)
		if err != nil {
			return err
		}
		l.acc = acc
	} else {
		for _, gr := range l.Gradients() {
			a, err := tensor.New(gr.Shape(), l.dev)
			if err != nil {
				freeTensor(l.acc...)
				l.acc = nil
				return err
			}
			l.acc = append(l.acc, a)
		}
		l.ownsAcc = true
	}
	l.distributed = true
	return nil
}

// AccumulateGradients adds the current gradients into the accumulators.
func (l *Layer) AccumulateGradients() {
	for i, a := range l.acc {
		tensor.Inc(l.grad(i), a)
	}
}

// ApplyAccumulatedGradients replaces the gradients with the accumulated
// sums so that the next optimizer step uses them.
func (l *Layer) ApplyAccumulatedGradients() {
	for i, a := range l.acc {
		tensor.Copy(a, l.grad(i))
	}
}

// ResetAccumulated zeroes the accumulators.
func (l *Layer) ResetAccumulated() {
	for _, a := range l.acc {
		tensor.Fill(a, 0)
	}
}

// Destroy releases the layer's buffers and drops its parameter references.
// The name becomes free again and the parents forget the layer, so a
// failed replica can be rebuilt under the same names.
func (l *Layer) Destroy() {
	if l.destroyed {
		return
	}
	for _, p := range l.Parents() {
		p.detach(l.id)
	}
	l.g.names.Release(l.name)
	l.op.free(l)
	l.FreeDelta()
	if l.ownsAcc {
		freeTensor(l.acc...)
	}
	l.acc = nil
	freeTensor(l.staging...)
	l.staging = nil
	l.releaseParams()
	l.destroyed = true
}

// detach removes child from the child list.
func (l *Layer) detach(child LayerID) {
	l.children = slices.DeleteFunc(l.children, func(id LayerID) bool { return id == child })
}

func freeTensor(ts ...*tensor.Tensor) {
	for _, t := range ts {
		if t != nil && !t.Freed() {
			t.Free()
		}
	}
}
