package graph

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/deepgraph/internal/tensor"
)

// NameAllocator hands out unique layer names.
//
// Auto-generated names are the prefix followed by a per-prefix counter
// starting at 1 (dense1, dense2, conv1). Explicit names are claimed and
// a second claim of the same name is rejected.
type NameAllocator struct {
	mu       sync.Mutex
	counters map[string]int
	taken    map[string]bool
}

// NewNameAllocator creates an empty allocator.
func NewNameAllocator() *NameAllocator {
	return &NameAllocator{counters: make(map[string]int), taken: make(map[string]bool)}
}

// Next returns the next free name for prefix and claims it.
func (a *NameAllocator) Next(prefix string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		a.counters[prefix]++
		name := fmt.Sprintf("%s%d", prefix, a.counters[prefix])
		if !a.taken[name] {
			a.taken[name] = true
			return name
		}
	}
}

// Claim reserves an explicit name.
func (a *NameAllocator) Claim(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.taken[name] {
		return errors.Wrapf(tensor.ErrStructural, "duplicate layer name %q", name)
	}
	a.taken[name] = true
	return nil
}

// Release makes name available again.
func (a *NameAllocator) Release(name string) {
	a.mu.Lock()
	delete(a.taken, name)
	a.mu.Unlock()
}
