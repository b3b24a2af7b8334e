// Package net orchestrates a layer graph as a trainable network.
//
// A Net fixes the graph's input and output layers, orders the layers
// topologically and, once built, drives forward, backward and update over
// one or more replicas:
//
//   - accelerator lists in the ComputeService produce one independent clone
//     of the graph per device; the master copy keeps the canonical weights,
//     clones' gradients are summed into it after every backward and the
//     updated weights are broadcast back after every update
//   - Shards > 1 on the CPU produces weight-tied replicas that alias the
//     master's parameters, so aggregation is the accumulation itself
//
// Replicas process disjoint slices of the batch concurrently. Within a
// replica layers run strictly in dependency order.
package net

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	_ "github.com/born-ml/deepgraph/internal/backend/cpu"    // register CPU kernels
	_ "github.com/born-ml/deepgraph/internal/backend/fpga"   // register FPGA emulation
	_ "github.com/born-ml/deepgraph/internal/backend/webgpu" // register WebGPU (windows)
	"github.com/born-ml/deepgraph/internal/graph"
	"github.com/born-ml/deepgraph/internal/loss"
	"github.com/born-ml/deepgraph/internal/optim"
	"github.com/born-ml/deepgraph/internal/tensor"
)

// ErrNoOutput is returned when a net has no output layer.
var ErrNoOutput = errors.Wrap(tensor.ErrStructural, "net has no output layer")

// Net is a graph with designated inputs and outputs.
type Net struct {
	g       *graph.Graph
	layers  []*graph.Layer // master copy, topological order
	inputs  []*graph.Layer
	outputs []*graph.Layer

	losses  []loss.Loss
	metrics []loss.Metric
	opt     optim.Optimizer
	cs      ComputeService

	replicas    []*replica
	batch       int
	mode        graph.Mode
	built       bool
	distributed bool
}

// Result holds per-output values averaged over the samples of a batch.
// Metrics[i] is zero when output i has no metric.
type Result struct {
	Losses  []float32
	Metrics []float32
}

// New creates a net over g. Empty inputs select every input layer of the
// graph; empty outputs select every non-input layer without children.
func New(g *graph.Graph, inputs, outputs []*graph.Layer) (*Net, error) {
	all := g.Layers()
	for _, l := range all {
		if l.Replica() != 0 || l.Orig() != nil {
			return nil, errors.Wrapf(tensor.ErrStructural, "graph already holds replica %s", l.Name())
		}
	}

	if len(inputs) == 0 {
		for _, l := range all {
			if l.Kind() == graph.KindInput {
				inputs = append(inputs, l)
			}
		}
	}
	if len(inputs) == 0 {
		return nil, errors.Wrap(tensor.ErrStructural, "net has no input layer")
	}
	for _, l := range inputs {
		if l.Graph() != g || l.Kind() != graph.KindInput {
			return nil, errors.Wrapf(tensor.ErrStructural, "%s is not an input layer of this graph", l.Name())
		}
	}

	if len(outputs) == 0 {
		for _, l := range all {
			if l.Kind() != graph.KindInput && len(l.Children()) == 0 {
				outputs = append(outputs, l)
			}
		}
	}
	if len(outputs) == 0 {
		return nil, errors.WithStack(ErrNoOutput)
	}
	for _, l := range outputs {
		if l.Graph() != g {
			return nil, errors.Wrapf(tensor.ErrStructural, "output %s belongs to another graph", l.Name())
		}
	}

	if err := checkReachable(all, inputs); err != nil {
		return nil, err
	}
	order, err := topoSort(all)
	if err != nil {
		return nil, err
	}

	return &Net{
		g:       g,
		layers:  order,
		inputs:  inputs,
		outputs: outputs,
		mode:    graph.Train,
	}, nil
}

// checkReachable verifies that every layer is fed by the net inputs.
func checkReachable(all, inputs []*graph.Layer) error {
	seen := make(map[graph.LayerID]bool, len(all))
	stack := append([]*graph.Layer(nil), inputs...)
	for len(stack) > 0 {
		l := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[l.ID()] {
			continue
		}
		seen[l.ID()] = true
		stack = append(stack, l.Children()...)
	}
	for _, l := range all {
		if seen[l.ID()] {
			continue
		}
		if l.Kind() == graph.KindInput {
			return errors.Wrapf(tensor.ErrStructural, "input %s is not a net input", l.Name())
		}
		return errors.Wrapf(tensor.ErrStructural, "layer %s is not reachable from the inputs", l.Name())
	}
	return nil
}

// topoSort orders layers with Kahn's algorithm. Ties keep creation order.
func topoSort(all []*graph.Layer) ([]*graph.Layer, error) {
	indeg := make(map[graph.LayerID]int, len(all))
	var queue []*graph.Layer
	for _, l := range all {
		indeg[l.ID()] = len(l.Parents())
		if indeg[l.ID()] == 0 {
			queue = append(queue, l)
		}
	}

	order := make([]*graph.Layer, 0, len(all))
	for len(queue) > 0 {
		l := queue[0]
		queue = queue[1:]
		order = append(order, l)
		for _, c := range l.Children() {
			indeg[c.ID()]--
			if indeg[c.ID()] == 0 {
				queue = append(queue, c)
			}
		}
	}
	if len(order) != len(all) {
		return nil, errors.Wrapf(tensor.ErrStructural, "graph has a cycle (%d of %d layers ordered)", len(order), len(all))
	}
	return order, nil
}

// Build binds the optimizer, one loss per output and optionally one metric
// per output, initializes the parameters and replicates the graph as cs
// describes. A single loss or metric name applies to every output.
func (n *Net) Build(opt optim.Optimizer, losses, metrics []string, cs ComputeService) error {
	if n.built {
		return errors.Wrap(tensor.ErrStructural, "net already built")
	}
	if err := cs.Validate(); err != nil {
		return err
	}

	var err error
	if n.losses, err = resolve(losses, len(n.outputs), loss.New); err != nil {
		return errors.WithMessage(err, "losses")
	}
	if len(metrics) > 0 {
		if n.metrics, err = resolve(metrics, len(n.outputs), loss.NewMetric); err != nil {
			return errors.WithMessage(err, "metrics")
		}
	}
	n.opt = opt
	n.cs = cs

	n.batch = n.inputs[0].Batch()
	for _, in := range n.inputs[1:] {
		if in.Batch() != n.batch {
			return errors.Wrapf(tensor.ErrShapeMismatch, "inputs disagree on batch: %d vs %d", n.batch, in.Batch())
		}
	}
	k := cs.replicas()
	if n.batch%k != 0 {
		return errors.Wrapf(tensor.ErrShapeMismatch, "batch %d does not split over %d replicas", n.batch, k)
	}

	setThreads(cs)
	n.g.SetMem(cs.MemLevel)

	for i, out := range n.outputs {
		if _, ok := n.losses[i].(loss.SoftCrossEntropy); !ok {
			continue
		}
		if err := out.SetDeltaBypass(true); err != nil {
			klog.InfoS("soft_cross_entropy on an output without softmax", "layer", out.Name())
		}
	}

	rng := rand.New(rand.NewPCG(n.g.Seed(), 0))
	for _, l := range n.layers {
		l.Initialize(rng)
	}

	if err := n.replicate(n.batch / k); err != nil {
		return err
	}

	if cs.MemLevel == tensor.MemFull {
		for _, r := range n.replicas {
			for _, l := range r.layers {
				if l.Kind() == graph.KindInput {
					continue
				}
				if _, err := l.EnsureDelta(); err != nil {
					return err
				}
			}
		}
	}

	n.built = true
	klog.InfoS("net built",
		"layers", len(n.layers),
		"params", n.NumParams(),
		"replicas", len(n.replicas),
		"devices", len(cs.devices()),
		"batch", n.batch,
		"mem", cs.MemLevel)
	return nil
}

func resolve[T any](names []string, outputs int, lookup func(string) (T, error)) ([]T, error) {
	if len(names) != 1 && len(names) != outputs {
		return nil, errors.Wrapf(tensor.ErrStructural, "%d names for %d outputs", len(names), outputs)
	}
	out := make([]T, outputs)
	for i := range out {
		name := names[0]
		if len(names) > 1 {
			name = names[i]
		}
		v, err := lookup(name)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// threadSetter is implemented by backends running host kernels on a worker pool.
type threadSetter interface {
	SetThreads(threads int)
}

// setThreads applies the thread count to the CPU backend and to every
// listed device whose kernels run on the host.
func setThreads(cs ComputeService) {
	for _, dev := range append([]tensor.Device{tensor.CPU}, cs.devices()...) {
		be, err := tensor.Resolve(dev)
		if err != nil {
			klog.ErrorS(err, "backend unavailable", "device", dev.String())
			continue
		}
		if t, ok := be.(threadSetter); ok {
			t.SetThreads(cs.Threads)
		}
	}
}

// replicate creates the replicas with per-replica batch bs.
func (n *Net) replicate(bs int) error {
	if err := n.resizeLayers(n.layers, bs); err != nil {
		return err
	}

	devs := n.cs.devices()
	if len(devs) > 0 {
		for i, dev := range devs {
			r, err := n.replica(i, func(l *graph.Layer, parents []*graph.Layer) (*graph.Layer, error) {
				return l.Clone(i, bs, parents, dev)
			})
			if err != nil {
				n.destroyReplicas()
				return err
			}
			r.dev, r.cloned = dev, true
			n.replicas = append(n.replicas, r)
			klog.V(1).InfoS("replica cloned", "replica", i, "device", dev, "batch", bs)
		}
		return nil
	}

	n.replicas = []*replica{{
		index:   0,
		dev:     n.inputs[0].Device(),
		layers:  n.layers,
		inputs:  n.inputs,
		outputs: n.outputs,
	}}
	for i := 1; i < n.cs.replicas(); i++ {
		r, err := n.replica(i, func(l *graph.Layer, parents []*graph.Layer) (*graph.Layer, error) {
			return l.Share(i, bs, parents)
		})
		if err != nil {
			n.destroyReplicas()
			return err
		}
		r.dev = n.replicas[0].dev
		n.replicas = append(n.replicas, r)
		klog.V(1).InfoS("replica shared", "replica", i, "batch", bs)
	}
	return nil
}

// replica builds one copy of the master graph with mk, in topological order.
func (n *Net) replica(index int, mk func(l *graph.Layer, parents []*graph.Layer) (*graph.Layer, error)) (*replica, error) {
	r := &replica{index: index}
	copies := make(map[graph.LayerID]*graph.Layer, len(n.layers))
	for _, l := range n.layers {
		orig := l.Parents()
		parents := make([]*graph.Layer, len(orig))
		for i, p := range orig {
			parents[i] = copies[p.ID()]
		}
		nl, err := mk(l, parents)
		if err != nil {
			r.destroy()
			return nil, errors.WithMessagef(err, "replica %d", index)
		}
		copies[l.ID()] = nl
		r.layers = append(r.layers, nl)
	}
	for _, l := range n.inputs {
		r.inputs = append(r.inputs, copies[l.ID()])
	}
	for _, l := range n.outputs {
		r.outputs = append(r.outputs, copies[l.ID()])
	}
	return r, nil
}

func (n *Net) destroyReplicas() {
	for _, r := range n.replicas {
		if r.index != 0 || r.cloned {
			r.destroy()
		} else {
			r.freeTargets()
		}
	}
	n.replicas = nil
}

func (n *Net) resizeLayers(layers []*graph.Layer, bs int) error {
	for _, l := range layers {
		if err := l.Resize(bs); err != nil {
			return err
		}
	}
	return nil
}

// run executes f on every replica concurrently and waits for all of them.
func (n *Net) run(f func(r *replica) error) error {
	var eg errgroup.Group
	for _, r := range n.replicas {
		eg.Go(func() error { return f(r) })
	}
	return eg.Wait()
}

func (n *Net) checkBuilt() error {
	if !n.built {
		return errors.Wrap(tensor.ErrStructural, "net is not built")
	}
	return nil
}

// Graph returns the underlying graph.
func (n *Net) Graph() *graph.Graph { return n.g }

// Inputs returns the master input layers.
func (n *Net) Inputs() []*graph.Layer { return n.inputs }

// Outputs returns the master output layers.
func (n *Net) Outputs() []*graph.Layer { return n.outputs }

// Layers returns the master layers in execution order.
func (n *Net) Layers() []*graph.Layer { return n.layers }

// Layer returns the master layer called name, or nil.
func (n *Net) Layer(name string) *graph.Layer {
	for _, l := range n.layers {
		if l.Name() == name {
			return l
		}
	}
	return nil
}

// Replicas returns the number of batch shards.
func (n *Net) Replicas() int { return len(n.replicas) }

// ReplicaLayers returns the layers of replica i in execution order.
func (n *Net) ReplicaLayers(i int) []*graph.Layer { return n.replicas[i].layers }

// Batch returns the logical batch size.
func (n *Net) Batch() int { return n.batch }

// Optimizer returns the optimizer bound by Build.
func (n *Net) Optimizer() optim.Optimizer { return n.opt }

// NumParams returns the number of scalar parameters of the master copy.
func (n *Net) NumParams() int {
	total := 0
	for _, l := range n.layers {
		total += l.NumParams()
	}
	return total
}

// Destroy tears down every replica and the graph.
func (n *Net) Destroy() {
	n.destroyReplicas()
	if n.opt != nil {
		n.opt.Free()
	}
	n.g.Destroy()
	n.built = false
}
