package nodepool

import (
	"sync"
	"unsafe"
)

// SharedPool wraps a Pool with a mutex so several goroutines can
// allocate and deallocate concurrently.
type SharedPool struct {
	mu   sync.Mutex
	pool *Pool
}

// NewShared creates a mutex-guarded pool over the segment manager.
func NewShared(segmentManager SegmentManager, cfg Config) (*SharedPool, error) {
	pool, err := New(segmentManager, cfg)
	if err != nil {
		return nil, err
	}
	return &SharedPool{pool: pool}, nil
}

// AllocateNode returns one node.
func (s *SharedPool) AllocateNode() (unsafe.Pointer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.AllocateNode()
}

// DeallocateNode returns a node to the pool.
func (s *SharedPool) DeallocateNode(node unsafe.Pointer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.DeallocateNode(node)
}

// AllocateNodes appends n nodes to the chain.
func (s *SharedPool) AllocateNodes(chain *Chain, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.AllocateNodes(chain, n)
}

// DeallocateNodes returns the first n nodes of the chain to the pool.
func (s *SharedPool) DeallocateNodes(chain *Chain, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.DeallocateNodes(chain, n)
}

// DeallocateFreeBlocks trims fully-free blocks down to limit.
func (s *SharedPool) DeallocateFreeBlocks(limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.DeallocateFreeBlocks(limit)
}

// NumFreeNodes returns the free node count across resident blocks.
func (s *SharedPool) NumFreeNodes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.NumFreeNodes()
}

// NodesPerBlock returns the real node capacity of one block.
func (s *SharedPool) NodesPerBlock() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.NodesPerBlock()
}

// Close returns every resident block to the segment manager.
func (s *SharedPool) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pool.Close()
}
