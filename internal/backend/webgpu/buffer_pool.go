//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

// BufferSize represents the size categories buffers are pooled by.
type BufferSize int

const (
	// SmallBuffer for buffers < 4KB.
	SmallBuffer BufferSize = iota
	// MediumBuffer for buffers 4KB-1MB.
	MediumBuffer
	// LargeBuffer for buffers > 1MB.
	LargeBuffer
)

const (
	smallThreshold  = 4 * 1024
	mediumThreshold = 1024 * 1024
	maxPoolSize     = 32 // per category
)

type pooledBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
}

// BufferPool recycles the staging buffers used to read kernel results back
// into the host mirror. Every buffer in the pool has MapRead|CopyDst usage.
type BufferPool struct {
	device *wgpu.Device

	mu    sync.Mutex
	pools [3][]pooledBuffer

	hits, misses uint64
}

// NewBufferPool creates an empty pool for device.
func NewBufferPool(device *wgpu.Device) *BufferPool {
	return &BufferPool{device: device}
}

func categorize(size uint64) BufferSize {
	switch {
	case size < smallThreshold:
		return SmallBuffer
	case size < mediumThreshold:
		return MediumBuffer
	default:
		return LargeBuffer
	}
}

// Acquire returns a staging buffer of at least size bytes.
func (p *BufferPool) Acquire(size uint64) (*wgpu.Buffer, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cat := categorize(size)
	for i, pb := range p.pools[cat] {
		if pb.size >= size {
			p.pools[cat] = append(p.pools[cat][:i], p.pools[cat][i+1:]...)
			p.hits++
			return pb.buffer, pb.size
		}
	}
	p.misses++
	buf := p.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	return buf, size
}

// Release hands a staging buffer back. Buffers beyond the pool limit are destroyed.
func (p *BufferPool) Release(buffer *wgpu.Buffer, size uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cat := categorize(size)
	if len(p.pools[cat]) >= maxPoolSize {
		buffer.Release()
		return
	}
	p.pools[cat] = append(p.pools[cat], pooledBuffer{buffer: buffer, size: size})
}

// Clear destroys every pooled buffer.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for cat := range p.pools {
		for _, pb := range p.pools[cat] {
			pb.buffer.Release()
		}
		p.pools[cat] = nil
	}
}

// Stats returns pool hits, misses and the number of idle buffers.
func (p *BufferPool) Stats() (hits, misses uint64, pooled int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pool := range p.pools {
		pooled += len(pool)
	}
	return p.hits, p.misses, pooled
}
