package asyncio

import (
	"sync"
)

// Allocator is the per-handler-type allocation hook. Call sites that
// start many short-lived operations can pool their operation state by
// supplying an Allocator; the engines never assume anything about the
// values beyond round-tripping them through Get and Put.
//
// Implementations must be safe for concurrent use.
type Allocator interface {
	// Get returns a pooled value, or nil if the pool is empty and the
	// caller should allocate.
	Get() interface{}

	// Put returns a value to the pool.
	Put(interface{})
}

// poolAllocator adapts sync.Pool to Allocator. It is the default used
// by the per-handle services for their operation objects.
type poolAllocator struct {
	pool sync.Pool
}

// NewPoolAllocator returns an Allocator backed by a sync.Pool.
func NewPoolAllocator() Allocator {
	return &poolAllocator{}
}

func (p *poolAllocator) Get() interface{} {
	return p.pool.Get()
}

func (p *poolAllocator) Put(v interface{}) {
	if v != nil {
		p.pool.Put(v)
	}
}
