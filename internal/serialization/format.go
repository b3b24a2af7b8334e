package serialization

import (
	"time"
)

// Format constants.
const (
	MagicBytes      = "DGPW"
	FormatVersion   = 1
	FixedHeaderSize = 64   // Fixed header size (0x40 bytes)
	HeaderAlignment = 64   // Tensor data starts on a 64-byte boundary
	ChecksumSize    = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffset  = 0x20 // Checksum offset in the fixed header

	DTypeFloat32 = "float32"
	producer     = "deepgraph"
)

// Flags for the fixed header.
const (
	FlagHasMetadata uint32 = 1 << 0 // custom metadata included
)

// Header is the JSON header that follows the fixed header.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Producer      string            `json:"producer"`
	CreatedAt     time.Time         `json:"created_at"`
	Layers        []LayerMeta       `json:"layers"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// LayerMeta describes the parameters of one layer.
type LayerMeta struct {
	Name   string       `json:"name"`
	Kind   string       `json:"kind"`
	Params []TensorMeta `json:"params"`
}

// TensorMeta describes one parameter tensor in the data section.
type TensorMeta struct {
	Name   string `json:"name"`   // "<layer>.<index>"
	DType  string `json:"dtype"`  // always float32
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Bytes from the start of the data section
	Size   int64  `json:"size"`   // Size in bytes
}

// Tensors returns every tensor entry in declared order.
func (h *Header) Tensors() []TensorMeta {
	var out []TensorMeta
	for _, l := range h.Layers {
		out = append(out, l.Params...)
	}
	return out
}

// NumParams returns the number of scalars in the data section.
func (h *Header) NumParams() int64 {
	var n int64
	for _, t := range h.Tensors() {
		n += t.Size / 4
	}
	return n
}

// padding returns the bytes needed after pos to reach the alignment.
func padding(pos int64) int64 {
	return (HeaderAlignment - pos%HeaderAlignment) % HeaderAlignment
}
