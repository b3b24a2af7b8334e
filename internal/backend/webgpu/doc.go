// Package webgpu implements the GPU backend on WebGPU through go-webgpu
// (github.com/go-webgpu/webgpu), with every kernel written as a WGSL
// compute shader.
//
// The backend is built on windows only, where the wgpu-native library is
// shipped with go-webgpu. On other platforms the package registers nothing
// and resolving a GPU device fails with tensor.ErrUnsupportedBackend.
//
// Tensors keep their host mirror as the source of truth: a kernel uploads
// its operands, runs one compute pass and reads the output back before
// returning.
package webgpu
