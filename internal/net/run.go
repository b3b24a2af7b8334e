package net

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/deepgraph/internal/graph"
	"github.com/born-ml/deepgraph/internal/tensor"
)

// replica is one batch shard of the net.
type replica struct {
	index   int
	dev     tensor.Device
	cloned  bool
	layers  []*graph.Layer // parallel to Net.layers
	inputs  []*graph.Layer
	outputs []*graph.Layer
	targets []*tensor.Tensor
}

func (r *replica) batch() int { return r.inputs[0].Batch() }

// load copies this replica's rows of the logical batch into its inputs.
func (r *replica) load(inputs []*tensor.Tensor) {
	from := r.index * r.batch()
	for i, in := range r.inputs {
		tensor.LoadRows(inputs[i], from, in.Output())
	}
}

func (r *replica) loadTargets(targets []*tensor.Tensor) error {
	if r.targets == nil {
		r.targets = make([]*tensor.Tensor, len(r.outputs))
	}
	from := r.index * r.batch()
	for j, out := range r.outputs {
		t := r.targets[j]
		if t == nil {
			var err error
			if t, err = tensor.New(out.Output().Shape(), out.Device()); err != nil {
				return errors.WithMessagef(err, "target buffer of %s", out.Name())
			}
			r.targets[j] = t
		} else if t.Dim(0) != out.Batch() {
			if err := t.Resize(out.Batch()); err != nil {
				return err
			}
		}
		tensor.LoadRows(targets[j], from, t)
	}
	return nil
}

func (r *replica) forward() {
	for _, l := range r.layers {
		l.Forward()
	}
}

// backward seeds the output deltas from the losses and walks the layers in
// reverse. n is the logical batch the loss deltas are averaged over.
func (r *replica) backward(n *Net) error {
	for _, l := range r.layers {
		l.ResetDelta()
	}
	for j, out := range r.outputs {
		d, err := out.EnsureDelta()
		if err != nil {
			return err
		}
		n.losses[j].Delta(r.targets[j], out.Output(), d, n.batch)
	}

	low := n.cs.MemLevel == tensor.MemLow
	for i := len(r.layers) - 1; i >= 0; i-- {
		l := r.layers[i]
		if err := l.Backward(); err != nil {
			return err
		}
		if low {
			l.FreeDelta()
		}
	}
	return nil
}

func (r *replica) destroy() {
	for _, l := range r.layers {
		l.Destroy()
	}
	r.freeTargets()
}

func (r *replica) freeTargets() {
	for _, t := range r.targets {
		if t != nil {
			t.Free()
		}
	}
	r.targets = nil
}

// Forward runs the net on a logical batch. Every input tensor must match
// its input layer except for the batch dimension, which must split evenly
// over the replicas. A new batch size resizes the net.
func (n *Net) Forward(inputs []*tensor.Tensor) error {
	if err := n.checkBuilt(); err != nil {
		return err
	}
	if len(inputs) != len(n.inputs) {
		return errors.Wrapf(tensor.ErrStructural, "%d tensors for %d inputs", len(inputs), len(n.inputs))
	}
	batch := inputs[0].Dim(0)
	for i, in := range inputs {
		want := n.inputs[i].Output().Shape()
		got := in.Shape()
		if len(got) != len(want) || got[0] != batch || !tensor.Shape(got[1:]).Equal(want[1:]) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "input %s: got %v, want %v with any batch",
				n.inputs[i].Name(), got, want)
		}
	}
	if batch != n.batch {
		if err := n.Resize(batch); err != nil {
			return err
		}
	}
	return n.run(func(r *replica) error {
		r.load(inputs)
		r.forward()
		return nil
	})
}

func (n *Net) checkTargets(targets []*tensor.Tensor) error {
	if len(targets) != len(n.outputs) {
		return errors.Wrapf(tensor.ErrStructural, "%d targets for %d outputs", len(targets), len(n.outputs))
	}
	for j, t := range targets {
		want := n.outputs[j].Output().Shape().WithBatch(n.batch)
		if !t.Shape().Equal(want) {
			return errors.Wrapf(tensor.ErrShapeMismatch, "target of %s: got %v, want %v",
				n.outputs[j].Name(), t.Shape(), want)
		}
	}
	return nil
}

// Backward computes the gradients of the last forward batch. When it
// returns, the master copy holds the gradients of the whole batch.
func (n *Net) Backward(targets []*tensor.Tensor) error {
	if err := n.checkBuilt(); err != nil {
		return err
	}
	if err := n.checkTargets(targets); err != nil {
		return err
	}
	err := n.run(func(r *replica) error {
		if err := r.loadTargets(targets); err != nil {
			return err
		}
		return r.backward(n)
	})
	if err != nil {
		return err
	}
	return n.gather()
}

// gather sums the clones' gradients into the master copy and clears them.
func (n *Net) gather() error {
	for i, l := range n.layers {
		if len(l.Params()) == 0 {
			continue
		}
		for _, r := range n.replicas {
			if !r.cloned {
				continue
			}
			if err := l.AddGradientsFrom(r.layers[i]); err != nil {
				return err
			}
			r.layers[i].ResetGrads()
		}
	}
	return nil
}

// Update applies one optimizer step to the master parameters, clears the
// gradients and broadcasts the new weights to the clones.
func (n *Net) Update() error {
	if err := n.checkBuilt(); err != nil {
		return err
	}
	if n.opt == nil {
		return errors.Wrap(tensor.ErrStructural, "net has no optimizer")
	}
	var params, grads []*tensor.Tensor
	for _, l := range n.layers {
		if l.Trainable() {
			params = append(params, l.Params()...)
			grads = append(grads, l.Gradients()...)
		}
	}
	if err := n.opt.Step(params, grads); err != nil {
		return err
	}
	for _, l := range n.layers {
		l.ResetGrads()
	}
	return n.broadcast()
}

// broadcast copies the master parameters into every clone.
func (n *Net) broadcast() error {
	for _, r := range n.replicas {
		if !r.cloned {
			continue
		}
		for i, l := range r.layers {
			if len(l.Params()) == 0 {
				continue
			}
			if err := l.LoadParams(n.layers[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// TrainBatch runs forward, backward and update on one batch and returns
// the loss and metric values of the forward pass.
func (n *Net) TrainBatch(inputs, targets []*tensor.Tensor) (Result, error) {
	if err := n.Forward(inputs); err != nil {
		return Result{}, err
	}
	if err := n.Backward(targets); err != nil {
		return Result{}, err
	}
	res := n.result()
	if err := n.Update(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Evaluate runs the net in eval mode and scores it against targets.
func (n *Net) Evaluate(inputs, targets []*tensor.Tensor) (Result, error) {
	prev := n.mode
	n.SetMode(graph.Eval)
	defer n.SetMode(prev)

	if err := n.Forward(inputs); err != nil {
		return Result{}, err
	}
	if err := n.checkTargets(targets); err != nil {
		return Result{}, err
	}
	if err := n.run(func(r *replica) error { return r.loadTargets(targets) }); err != nil {
		return Result{}, err
	}
	return n.result(), nil
}

// result averages loss and metric values over the logical batch.
func (n *Net) result() Result {
	res := Result{
		Losses:  make([]float32, len(n.outputs)),
		Metrics: make([]float32, len(n.outputs)),
	}
	for _, r := range n.replicas {
		for j, out := range r.outputs {
			res.Losses[j] += n.losses[j].Value(r.targets[j], out.Output())
			if n.metrics != nil {
				res.Metrics[j] += n.metrics[j].Value(r.targets[j], out.Output())
			}
		}
	}
	for j := range res.Losses {
		res.Losses[j] /= float32(n.batch)
		res.Metrics[j] /= float32(n.batch)
	}
	return res
}

// Predict runs the net in eval mode and returns the outputs gathered into
// host tensors owned by the caller.
func (n *Net) Predict(inputs []*tensor.Tensor) ([]*tensor.Tensor, error) {
	prev := n.mode
	n.SetMode(graph.Eval)
	defer n.SetMode(prev)

	if err := n.Forward(inputs); err != nil {
		return nil, err
	}
	outs := make([]*tensor.Tensor, len(n.outputs))
	for j, out := range n.outputs {
		t, err := tensor.New(out.Output().Shape().WithBatch(n.batch), tensor.CPU)
		if err != nil {
			for _, o := range outs[:j] {
				o.Free()
			}
			return nil, err
		}
		for _, r := range n.replicas {
			tensor.StoreRows(r.outputs[j].Output(), t, r.index*r.batch())
		}
		outs[j] = t
	}
	return outs, nil
}

// Resize changes the logical batch size. It must split evenly over the
// replicas.
func (n *Net) Resize(batch int) error {
	k := max(len(n.replicas), 1)
	if batch <= 0 || batch%k != 0 {
		return errors.Wrapf(tensor.ErrShapeMismatch, "batch %d does not split over %d replicas", batch, k)
	}
	bs := batch / k
	if len(n.replicas) == 0 || n.replicas[0].cloned {
		if err := n.resizeLayers(n.layers, bs); err != nil {
			return err
		}
	}
	for _, r := range n.replicas {
		if err := n.resizeLayers(r.layers, bs); err != nil {
			return err
		}
	}
	klog.V(1).InfoS("net resized", "batch", batch, "replicaBatch", bs)
	n.batch = batch
	return nil
}

// SetMode switches every layer, replicas included, to m.
func (n *Net) SetMode(m graph.Mode) {
	for _, l := range n.layers {
		l.SetMode(m)
	}
	for _, r := range n.replicas {
		if r.cloned || r.index != 0 {
			for _, l := range r.layers {
				l.SetMode(m)
			}
		}
	}
	n.mode = m
}

// Mode returns the current mode.
func (n *Net) Mode() graph.Mode { return n.mode }

// EnableDistributed allocates gradient accumulators on the master copy.
// Gradients of several batches can then be summed with AccumulateGradients
// and applied at once with ApplyAccumulated.
func (n *Net) EnableDistributed() error {
	if err := n.checkBuilt(); err != nil {
		return err
	}
	for _, l := range n.layers {
		if len(l.Params()) == 0 {
			continue
		}
		if err := l.EnableDistributed(); err != nil {
			return errors.WithMessagef(err, "enable distributed on %s", l.Name())
		}
	}
	n.distributed = true
	return nil
}

// AccumulateGradients adds the current gradients into the accumulators
// and clears them.
func (n *Net) AccumulateGradients() error {
	if !n.distributed {
		return errors.Wrap(tensor.ErrStructural, "distributed training is not enabled")
	}
	for _, l := range n.layers {
		l.AccumulateGradients()
		l.ResetGrads()
	}
	return nil
}

// ApplyAccumulated runs one update with the accumulated gradients and
// clears the accumulators.
func (n *Net) ApplyAccumulated() error {
	if !n.distributed {
		return errors.Wrap(tensor.ErrStructural, "distributed training is not enabled")
	}
	for _, l := range n.layers {
		l.ApplyAccumulatedGradients()
	}
	if err := n.Update(); err != nil {
		return err
	}
	for _, l := range n.layers {
		l.ResetAccumulated()
	}
	return nil
}
