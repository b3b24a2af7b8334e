package tensor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies a family of compute devices.
type Kind int

// Supported device kinds.
const (
	KindCPU Kind = iota
	KindGPU
	KindFPGA
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindCPU:
		return "cpu"
	case KindGPU:
		return "gpu"
	case KindFPGA:
		return "fpga"
	default:
		return "unknown"
	}
}

// Device is the device tag carried by every tensor: a kind plus an index
// within that kind. The CPU has a single index 0.
type Device struct {
	Kind  Kind
	Index int
}

// CPU is the host device.
var CPU = Device{Kind: KindCPU}

// GPU returns the device tag of GPU number i.
func GPU(i int) Device { return Device{Kind: KindGPU, Index: i} }

// FPGA returns the device tag of FPGA number i.
func FPGA(i int) Device { return Device{Kind: KindFPGA, Index: i} }

// String returns "cpu", "gpu:N" or "fpga:N".
func (d Device) String() string {
	if d.Kind == KindCPU {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// MemLevel controls how aggressively intermediate buffers are released.
type MemLevel int

// Memory levels, from keep-everything to free-eagerly.
const (
	MemFull MemLevel = iota // Scratch and deltas retained across calls.
	MemMid                  // Deltas allocated on first backward, scratch retained.
	MemLow                  // Scratch and deltas freed right after use.
)

// String returns the compute service spelling of the level.
func (m MemLevel) String() string {
	switch m {
	case MemFull:
		return "full_mem"
	case MemMid:
		return "mid_mem"
	case MemLow:
		return "low_mem"
	default:
		return "unknown_mem"
	}
}

// ParseMemLevel accepts "full", "mid", "low" with or without the "_mem" suffix.
func ParseMemLevel(s string) (MemLevel, error) {
	switch s {
	case "full", "full_mem", "":
		return MemFull, nil
	case "mid", "mid_mem":
		return MemMid, nil
	case "low", "low_mem":
		return MemLow, nil
	}
	return MemFull, errors.Errorf("unknown memory level %q", s)
}
