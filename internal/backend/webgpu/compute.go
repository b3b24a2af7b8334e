//go:build windows

package webgpu

import (
	"math"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// maxWorkgroupsPerDim is the WebGPU limit on dispatch size per dimension.
const maxWorkgroupsPerDim = 65535

// operand is one storage binding of a kernel, bound after the parameter
// table in the order given to run.
type operand struct {
	data  []float32 // uploaded before the pass
	words []uint32  // integer table, used instead of data
	index []int32   // signed index buffer, used instead of data
	out   bool      // read back after the pass
}

func in(d []float32) operand   { return operand{data: d} }
func out(d []float32) operand  { return operand{data: d, out: true} }
func table(w []uint32) operand { return operand{words: w} }

func inIndex(w []int32) operand  { return operand{index: w} }
func outIndex(w []int32) operand { return operand{index: w, out: true} }

func f32(v float32) uint32 { return math.Float32bits(v) }

//nolint:gosec // sizes are bounded by the tensor element limit
func u32(v int) uint32 { return uint32(v) }

func flag(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

func (o operand) bytes() []byte {
	if o.words != nil {
		return unsafe.Slice((*byte)(unsafe.Pointer(&o.words[0])), len(o.words)*4)
	}
	if o.index != nil {
		return unsafe.Slice((*byte)(unsafe.Pointer(&o.index[0])), len(o.index)*4)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&o.data[0])), len(o.data)*4)
}

// compileShader compiles WGSL shader code into a ShaderModule.
// Results are cached in the Backend's shaders map.
func (b *Backend) compileShader(name, code string) *wgpu.ShaderModule {
	b.mu.RLock()
	if shader, exists := b.shaders[name]; exists {
		b.mu.RUnlock()
		return shader
	}
	b.mu.RUnlock()

	shader := b.device.CreateShaderModuleWGSL(prelude + code)

	b.mu.Lock()
	b.shaders[name] = shader
	b.mu.Unlock()
	return shader
}

// getOrCreatePipeline returns a cached ComputePipeline or creates a new one.
func (b *Backend) getOrCreatePipeline(name string, shader *wgpu.ShaderModule) *wgpu.ComputePipeline {
	b.mu.RLock()
	if pipeline, exists := b.pipelines[name]; exists {
		b.mu.RUnlock()
		return pipeline
	}
	b.mu.RUnlock()

	// Auto layout (nil): every declared binding must be referenced by the shader.
	pipeline := b.device.CreateComputePipelineSimple(nil, shader, "main")

	b.mu.Lock()
	b.pipelines[name] = pipeline
	b.mu.Unlock()
	return pipeline
}

// createBuffer creates a storage buffer holding data.
func (b *Backend) createBuffer(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := uint64(len(data))
	buffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mappedPtr := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(unsafe.Slice((*byte)(mappedPtr), size), data)
	buffer.Unmap()
	return buffer
}

// readBuffer copies size bytes of src into dst through a pooled staging buffer.
func (b *Backend) readBuffer(src *wgpu.Buffer, size uint64, dst []byte) error {
	staging, capacity := b.staging.Acquire(size)
	defer b.staging.Release(staging, capacity)

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	b.queue.Submit(encoder.Finish(nil))

	if err := staging.MapAsync(b.device, wgpu.MapModeRead, 0, size); err != nil {
		return err
	}
	mappedPtr := staging.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	copy(dst, unsafe.Slice((*byte)(mappedPtr), size))
	staging.Unmap()
	return nil
}

// run executes shader code over threads invocations. The parameter table
// is bound at 0 as array<u32> with p[0] = threads followed by params;
// operands are bound from 1 on. Outputs are read back into their host slices.
func (b *Backend) run(op, name, code string, threads int, params []uint32, ops ...operand) {
	if threads == 0 {
		return
	}
	pipeline := b.getOrCreatePipeline(name, b.compileShader(name, code))

	words := append([]uint32{u32(threads)}, params...)
	paramOp := table(words)
	paramBuf := b.createBuffer(paramOp.bytes(), wgpu.BufferUsageStorage)
	defer paramBuf.Release()

	entries := []wgpu.BindGroupEntry{wgpu.BufferBindingEntry(0, paramBuf, 0, uint64(len(words)*4))}
	buffers := make([]*wgpu.Buffer, len(ops))
	for i, o := range ops {
		data := o.bytes()
		buffers[i] = b.createBuffer(data, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc|wgpu.BufferUsageCopyDst)
		defer buffers[i].Release()
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i+1), buffers[i], 0, uint64(len(data)))) //nolint:gosec // binding count is small
	}
	bindGroup := b.device.CreateBindGroupSimple(pipeline.GetBindGroupLayout(0), entries)
	defer bindGroup.Release()

	groups := (threads + workgroupSize - 1) / workgroupSize
	x := min(groups, maxWorkgroupsPerDim)
	y := (groups + x - 1) / x

	b.submitMu.Lock()
	defer b.submitMu.Unlock()

	encoder := b.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(u32(x), u32(y), 1)
	pass.End()
	b.queue.Submit(encoder.Finish(nil))

	for i, o := range ops {
		if !o.out {
			continue
		}
		dst := o.bytes()
		if err := b.readBuffer(buffers[i], uint64(len(dst)), dst); err != nil {
			panic(&tensor.OpError{Op: op, Kind: tensor.ErrUnsupportedBackend, Detail: "webgpu read back: " + err.Error()})
		}
	}
}
