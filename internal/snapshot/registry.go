// Package snapshot tracks the id ceilings pinned by open snapshots.
package snapshot

import (
	"sync"
	"sync/atomic"

	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
)

// Registry is a reference-counted set of pinned ceilings ordered by ceiling.
type Registry struct {
	mu   sync.Mutex
	pins *treemap.Map // ceiling -> refcount
	open int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pins: treemap.NewWith(utils.UInt64Comparator)}
}

// Acquire pins the ceiling returned by load. load runs under the registry lock,
// so a concurrent Horizon either sees the pin or a watermark at or below it.
func (r *Registry) Acquire(load func() uint64) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	ceiling := load()
	n := 0
	if v, ok := r.pins.Get(ceiling); ok {
		n = v.(int)
	}
	r.pins.Put(ceiling, n+1)
	r.open++
	return &Handle{reg: r, ceiling: ceiling}
}

func (r *Registry) release(ceiling uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.pins.Get(ceiling)
	if !ok {
		return
	}
	r.open--
	if n := v.(int); n > 1 {
		r.pins.Put(ceiling, n-1)
	} else {
		r.pins.Remove(ceiling)
	}
}

// Min returns the oldest pinned ceiling.
func (r *Registry) Min() (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k, _ := r.pins.Min()
	if k == nil {
		return 0, false
	}
	return k.(uint64), true
}

func (r *Registry) keys() []uint64 {
	keys := r.pins.Keys()
	out := make([]uint64, len(keys))
	for i, k := range keys {
		out[i] = k.(uint64)
	}
	return out
}

// Horizon returns the pins together with the watermark returned by load,
// read atomically with respect to Acquire.
func (r *Registry) Horizon(load func() uint64) ([]uint64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys(), load()
}

// Len returns the number of open handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

// Handle is one pinned ceiling.
type Handle struct {
	reg      *Registry
	ceiling  uint64
	released atomic.Bool
}

// Ceiling returns the pinned id ceiling.
func (h *Handle) Ceiling() uint64 {
	return h.ceiling
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	return h.released.Load()
}

// Release unpins the ceiling. Calling it more than once has no effect.
func (h *Handle) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.reg.release(h.ceiling)
	}
}
