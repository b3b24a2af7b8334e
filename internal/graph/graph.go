// Package graph implements the layer graph of the engine.
//
// A Graph is an arena: layers are addressed by a stable LayerID and
// connected through index lists, parameters live in a separate arena of
// reference-counted slots so that weight-tied replicas can alias them,
// and auto-generated names come from a NameAllocator owned by the graph.
//
// Every layer kind implements the same small operation table (build,
// forward, backward, resize, replicate, free). Backward passes only ever
// increment the deltas of their parents, so a layer with several
// children receives the sum of their contributions.
//
// Example:
//
//	g := graph.New(graph.DefaultConfig())
//	in, _ := g.Input(graph.InputConfig{Shape: tensor.Shape{32, 784}})
//	h, _ := g.Dense(graph.DenseConfig{Units: 128, UseBias: true}, in)
//	h, _ = g.Activation(graph.ActivationConfig{Func: "relu"}, h)
//	out, _ := g.Dense(graph.DenseConfig{Units: 10, UseBias: true}, h)
package graph

import (
	"math/rand/v2"
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// LayerID is the stable index of a layer inside its graph.
type LayerID int

// NoLayer marks the absence of a layer (e.g. a layer without origin).
const NoLayer LayerID = -1

type slotID int

// slot is one parameter or gradient tensor shared by refs layers.
type slot struct {
	t    *tensor.Tensor
	refs int
}

// Config holds the graph-wide options.
type Config struct {
	Mem  tensor.MemLevel // Delta and scratch retention policy
	Seed uint64          // Seed of the stochastic layers (dropout)
}

// DefaultConfig keeps every buffer and seeds stochastic layers with 1.
func DefaultConfig() Config {
	return Config{Mem: tensor.MemFull, Seed: 1}
}

// Graph owns a set of layers and their parameter slots.
type Graph struct {
	mu      sync.Mutex
	cfg     Config
	layers  []*Layer
	slots   []*slot
	names   *NameAllocator
	streams uint64
}

// New creates an empty graph.
func New(cfg Config) *Graph {
	return &Graph{cfg: cfg, names: NewNameAllocator()}
}

// Mem returns the memory level used by new descriptors and by FreeDelta.
func (g *Graph) Mem() tensor.MemLevel { return g.cfg.Mem }

// SetMem changes the memory level. Descriptors built before keep theirs.
func (g *Graph) SetMem(m tensor.MemLevel) { g.cfg.Mem = m }

// Seed returns the seed every random stream of the graph derives from.
func (g *Graph) Seed() uint64 { return g.cfg.Seed }

// Names returns the allocator used for layer names.
func (g *Graph) Names() *NameAllocator { return g.names }

// Layers returns every live layer in creation order.
func (g *Graph) Layers() []*Layer {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Layer, 0, len(g.layers))
	for _, l := range g.layers {
		if !l.destroyed {
			out = append(out, l)
		}
	}
	return out
}

// Layer returns the layer with the given id, or nil.
func (g *Graph) Layer(id LayerID) *Layer {
	g.mu.Lock()
	defer g.mu.Unlock()
	if id < 0 || int(id) >= len(g.layers) {
		return nil
	}
	return g.layers[id]
}

// Lookup returns the live layer called name, or nil.
func (g *Graph) Lookup(name string) *Layer {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range g.layers {
		if l.name == name && !l.destroyed {
			return l
		}
	}
	return nil
}

// LiveSlots returns the number of parameter and gradient tensors still held.
func (g *Graph) LiveSlots() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.slots {
		if s.refs > 0 {
			n++
		}
	}
	return n
}

// Destroy releases every layer. Aliased parameters are freed once,
// when their last layer goes.
func (g *Graph) Destroy() {
	for _, l := range g.Layers() {
		l.Destroy()
	}
}

// stream returns an independent generator for one stochastic layer.
func (g *Graph) stream() *rand.Rand {
	g.mu.Lock()
	g.streams++
	seq := g.streams
	g.mu.Unlock()
	return rand.New(rand.NewPCG(g.cfg.Seed, seq))
}

func (g *Graph) newSlot(t *tensor.Tensor) slotID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.slots = append(g.slots, &slot{t: t, refs: 1})
	return slotID(len(g.slots) - 1)
}

func (g *Graph) retain(id slotID) {
	g.mu.Lock()
	g.slots[id].refs++
	g.mu.Unlock()
}

func (g *Graph) release(id slotID) {
	g.mu.Lock()
	s := g.slots[id]
	s.refs--
	last := s.refs == 0
	g.mu.Unlock()
	if last {
		s.t.Free()
		s.t = nil
	}
}

func (g *Graph) tensorOf(id slotID) *tensor.Tensor {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[id].t
}

// add registers a new layer, builds its op and links it to its parents.
// src, when set, is the layer whose parameters the new layer aliases.
func (g *Graph) add(kind Kind, name string, parents []*Layer, o op, src *Layer) (*Layer, error) {
	for _, p := range parents {
		if p == nil || p.g != g || p.destroyed {
			return nil, errors.Wrapf(tensor.ErrStructural, "%s: parent is not a live layer of this graph", kind)
		}
	}
	dev := tensor.CPU
	if len(parents) > 0 {
		dev = parents[0].dev
		for _, p := range parents[1:] {
			if p.dev != dev {
				return nil, errors.Wrapf(tensor.ErrDeviceMismatch, "%s: parents on %s and %s", kind, dev, p.dev)
			}
		}
	}

	if name == "" {
		name = g.names.Next(kind.String())
	} else if err := g.names.Claim(name); err != nil {
		return nil, err
	}

	l := &Layer{
		g:         g,
		name:      name,
		kind:      kind,
		dev:       dev,
		orig:      NoLayer,
		trainable: true,
		mode:      Train,
		op:        o,
	}
	for _, p := range parents {
		l.parents = append(l.parents, p.id)
	}
	if in, ok := o.(*inputOp); ok {
		l.dev = in.dev
	}

	if err := o.build(l, src); err != nil {
		o.free(l)
		l.releaseParams()
		g.names.Release(name)
		return nil, errors.WithMessagef(err, "build %s", name)
	}

	g.mu.Lock()
	l.id = LayerID(len(g.layers))
	g.layers = append(g.layers, l)
	g.mu.Unlock()
	for _, p := range parents {
		p.children = append(p.children, l.id)
	}
	return l, nil
}
