package net

import (
	"io"

	"github.com/born-ml/deepgraph/internal/serialization"
)

// Save streams the master parameters to w in execution order.
func (n *Net) Save(w io.Writer, metadata map[string]string) error {
	return serialization.Save(w, n.layers, metadata)
}

// Load reads parameters saved by Save into the master copy and
// broadcasts them to the clones.
func (n *Net) Load(r io.Reader, opts serialization.LoadOptions) error {
	if _, err := serialization.Load(r, n.layers, opts); err != nil {
		return err
	}
	return n.broadcast()
}
