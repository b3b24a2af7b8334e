package net

import (
	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// ComputeService describes where a net runs.
//
// With device lists the net keeps its master copy on the host and runs one
// independent clone per device. Without them it runs on the CPU, either as
// a single instance or as Shards weight-tied replicas that split the batch.
type ComputeService struct {
	Threads  int             // CPU workers, <= 0 for one per logical CPU
	GPUs     []int           // GPU indices, one replica each
	FPGAs    []int           // FPGA indices, one replica each
	Shards   int             // CPU replicas sharing weights (default: 1)
	MemLevel tensor.MemLevel // Delta and scratch retention
}

// CPU returns a host-only service with the given thread count.
func CPU(threads int) ComputeService {
	return ComputeService{Threads: threads}
}

// GPU returns a service with one replica per listed GPU.
func GPU(ids ...int) ComputeService {
	return ComputeService{Threads: -1, GPUs: ids}
}

// FPGA returns a service with one replica per listed FPGA.
func FPGA(ids ...int) ComputeService {
	return ComputeService{Threads: -1, FPGAs: ids}
}

// Validate reports inconsistent settings.
func (cs ComputeService) Validate() error {
	if len(cs.GPUs) > 0 && len(cs.FPGAs) > 0 {
		return errors.New("compute service: GPUs and FPGAs cannot be mixed")
	}
	if cs.Shards < 0 {
		return errors.Errorf("compute service: negative shard count %d", cs.Shards)
	}
	if cs.Shards > 1 && len(cs.devices()) > 0 {
		return errors.New("compute service: shards apply to the CPU only")
	}
	if cs.MemLevel < tensor.MemFull || cs.MemLevel > tensor.MemLow {
		return errors.Errorf("compute service: unknown memory level %d", cs.MemLevel)
	}
	seen := make(map[tensor.Device]bool)
	for _, d := range cs.devices() {
		if d.Index < 0 {
			return errors.Errorf("compute service: negative device index %d", d.Index)
		}
		if seen[d] {
			return errors.Errorf("compute service: %s listed twice", d)
		}
		seen[d] = true
	}
	return nil
}

// devices lists the accelerator devices, in order.
func (cs ComputeService) devices() []tensor.Device {
	var out []tensor.Device
	for _, id := range cs.GPUs {
		out = append(out, tensor.GPU(id))
	}
	for _, id := range cs.FPGAs {
		out = append(out, tensor.FPGA(id))
	}
	return out
}

// replicas is the number of batch shards.
func (cs ComputeService) replicas() int {
	if d := len(cs.devices()); d > 0 {
		return d
	}
	return max(cs.Shards, 1)
}
