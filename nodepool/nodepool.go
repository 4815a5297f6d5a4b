// Package nodepool implements an adaptive fixed-size node allocator.
// Nodes are carved out of large power-of-two-aligned blocks obtained
// from a segment manager; each block is subdivided into subblocks
// whose leading word records the distance to the block's header, so
// the owning block of any node pointer is recovered in O(1) from the
// pointer's alignment. Partially-free blocks are indexed in a multiset
// ordered by free-node count, then address: fully-free blocks migrate
// to the tail, where trimming returns them to the segment manager,
// highest addresses first.
package nodepool

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/emirpasic/gods/trees/redblacktree"
)

// Standard errors.
var (
	// ErrNoMemory is returned when the segment manager cannot satisfy a
	// block allocation.
	ErrNoMemory = errors.New("nodepool: out of memory")

	// ErrInvalidConfig is returned by New for out-of-range parameters.
	ErrInvalidConfig = errors.New("nodepool: invalid configuration")

	// ErrGeometryMismatch is returned by Swap when the two pools were
	// built with different geometry.
	ErrGeometryMismatch = errors.New("nodepool: geometry mismatch")
)

// SegmentManager supplies the pool with aligned blocks of raw memory.
//
// Deallocate must not fail: the pool maintains its invariants on the
// assumption that returning a block always succeeds. Implementations
// that cannot honour that should panic rather than leak silently.
type SegmentManager interface {
	// AllocateAligned returns a region of at least size bytes whose
	// address is a multiple of alignment (a power of two). The region
	// must stay valid and immovable until Deallocate.
	AllocateAligned(size, alignment uintptr) (unsafe.Pointer, error)

	// Deallocate releases a region previously returned by
	// AllocateAligned.
	Deallocate(p unsafe.Pointer)
}

// hdrOffsetHolder is the word at the start of every subblock: the byte
// distance from the subblock to the block header.
type hdrOffsetHolder struct {
	hdrOffset uintptr
}

// blockHeader lives at the start of the last subblock. hdrOffset is
// zero there, marking the header itself; ref carries the address of
// the pool-side blockInfo.
type blockHeader struct {
	hdrOffset uintptr
	ref       uintptr
}

const (
	maxAlign      = unsafe.Alignof(uintptr(0))
	hdrSize       = (unsafe.Sizeof(blockHeader{}) + maxAlign - 1) &^ (maxAlign - 1)
	hdrOffsetSize = (unsafe.Sizeof(hdrOffsetHolder{}) + maxAlign - 1) &^ (maxAlign - 1)
)

// blockInfo is the pool-side record of one block. The in-block free
// list is intrusive: each free node's first word is the address of the
// next free node.
type blockInfo struct {
	base      uintptr        // first subblock
	mem       unsafe.Pointer // as returned by the segment manager
	freeHead  uintptr        // 0 = empty
	freeCount int
}

func (b *blockInfo) pushFront(node uintptr) {
	*(*uintptr)(unsafe.Pointer(node)) = b.freeHead
	b.freeHead = node
	b.freeCount++
}

func (b *blockInfo) popFront() uintptr {
	node := b.freeHead
	b.freeHead = *(*uintptr)(unsafe.Pointer(node))
	b.freeCount--
	return node
}

// compareBlocks orders blocks first by free-node count, then by
// address, so that the most-free, highest-address blocks sort to the
// tail of the multiset. Trimming from the tail returns the highest
// addresses first, which improves the segment manager's own ability to
// shrink.
func compareBlocks(a, b interface{}) int {
	x := a.(*blockInfo)
	y := b.(*blockInfo)
	if x.freeCount != y.freeCount {
		return x.freeCount - y.freeCount
	}
	switch {
	case x.base < y.base:
		return -1
	case x.base > y.base:
		return 1
	default:
		return 0
	}
}

// Config fixes a pool's geometry at construction.
type Config struct {
	// NodeSize is the caller-visible node size in bytes. The pool
	// rounds it up to realNodeSize, the least common multiple of
	// NodeSize and the node alignment.
	NodeSize uintptr

	// NodesPerBlock is the minimum node capacity of one block.
	NodesPerBlock int

	// MaxFreeBlocks bounds how many fully-free blocks the pool retains
	// before returning them to the segment manager.
	MaxFreeBlocks int

	// OverheadPercent bounds the per-block bookkeeping overhead, as a
	// percentage of the block size. Must be in [1, 50].
	OverheadPercent uint

	// CheckInvariants re-verifies the pool invariants after every
	// mutation. Slow; for debugging.
	CheckInvariants bool
}

// Pool is a single-owner adaptive node pool. It performs no internal
// locking; see SharedPool for the mutex-guarded variant.
type Pool struct {
	segmentManager SegmentManager

	maxFreeBlocks   int
	realNodeSize    uintptr
	blockAlignment  uintptr
	numSubblocks    uintptr
	realNumNodes    int
	checkInvariants bool

	// blocks indexes only blocks that still have free nodes; a fully
	// allocated block rejoins on its first deallocation. numBlocks
	// counts every resident block regardless.
	blocks            *redblacktree.Tree
	numBlocks         int
	totallyFreeBlocks int
}

// New creates a pool over the segment manager with the given
// geometry.
func New(segmentManager SegmentManager, cfg Config) (*Pool, error) {
	if segmentManager == nil {
		return nil, fmt.Errorf("%w: nil segment manager", ErrInvalidConfig)
	}
	if cfg.NodeSize == 0 || cfg.NodesPerBlock <= 0 {
		return nil, fmt.Errorf("%w: node size and nodes per block must be positive", ErrInvalidConfig)
	}
	if cfg.MaxFreeBlocks < 0 {
		return nil, fmt.Errorf("%w: negative max free blocks", ErrInvalidConfig)
	}
	if cfg.OverheadPercent < 1 || cfg.OverheadPercent > 50 {
		return nil, fmt.Errorf("%w: overhead percent must be in [1, 50]", ErrInvalidConfig)
	}

	realNodeSize := lcm(cfg.NodeSize, maxAlign)
	alignment := calculateAlignment(uintptr(cfg.OverheadPercent), realNodeSize)
	numSubblocks, realNumNodes := calculateNumSubblocks(
		alignment, realNodeSize, uintptr(cfg.NodesPerBlock), uintptr(cfg.OverheadPercent))

	return &Pool{
		segmentManager:  segmentManager,
		maxFreeBlocks:   cfg.MaxFreeBlocks,
		realNodeSize:    realNodeSize,
		blockAlignment:  alignment,
		numSubblocks:    numSubblocks,
		realNumNodes:    int(realNumNodes),
		checkInvariants: cfg.CheckInvariants,
		blocks:          redblacktree.NewWith(compareBlocks),
	}, nil
}

// RealNodeSize returns the per-node stride, the least common multiple
// of NodeSize and the node alignment.
func (p *Pool) RealNodeSize() uintptr { return p.realNodeSize }

// BlockAlignment returns the power-of-two block (and subblock)
// alignment.
func (p *Pool) BlockAlignment() uintptr { return p.blockAlignment }

// NodesPerBlock returns the real node capacity of one block.
func (p *Pool) NodesPerBlock() int { return p.realNumNodes }

// BlocksInPool returns the number of resident blocks, including fully
// allocated ones.
func (p *Pool) BlocksInPool() int { return p.numBlocks }

// TotallyFreeBlocks returns the number of resident blocks with every
// node free.
func (p *Pool) TotallyFreeBlocks() int { return p.totallyFreeBlocks }

// AllocateNode returns one node. A new block is allocated only when no
// resident block has a free node.
func (p *Pool) AllocateNode() (unsafe.Pointer, error) {
	p.verify()
	if p.blocks.Empty() {
		if err := p.allocBlocks(1); err != nil {
			return nil, err
		}
	}
	node := p.takeFirstNode()
	p.verify()
	return node, nil
}

// DeallocateNode returns a node to its owning block, recovered from
// the pointer alignment. If the block becomes fully free and the
// fully-free count exceeds MaxFreeBlocks, the pool trims.
func (p *Pool) DeallocateNode(node unsafe.Pointer) {
	p.reinsertNode(uintptr(node))
	if p.totallyFreeBlocks > p.maxFreeBlocks {
		p.DeallocateFreeBlocks(p.maxFreeBlocks)
	}
	p.verify()
}

// AllocateNodes appends n nodes to the chain. On failure the nodes
// already obtained are returned to the pool before the error
// propagates, leaving the chain empty.
func (p *Pool) AllocateNodes(chain *Chain, n int) error {
	p.verify()
	for got := 0; got < n; {
		if p.blocks.Empty() {
			if err := p.allocBlocks((n-got-1)/p.realNumNodes + 1); err != nil {
				p.DeallocateNodes(chain, chain.Size())
				return err
			}
		}

		left := p.blocks.Left().Key.(*blockInfo)
		p.blocks.Remove(left)
		if left.freeCount == p.realNumNodes {
			p.totallyFreeBlocks--
		}
		take := n - got
		if take > left.freeCount {
			take = left.freeCount
		}
		for i := 0; i < take; i++ {
			chain.PushBack(unsafe.Pointer(left.popFront()))
		}
		if left.freeCount > 0 {
			p.blocks.Put(left, nil)
		}
		got += take
	}
	p.verify()
	return nil
}

// DeallocateNodes returns the first n nodes of the chain to the pool.
func (p *Pool) DeallocateNodes(chain *Chain, n int) {
	for i := 0; i < n && !chain.Empty(); i++ {
		p.DeallocateNode(chain.PopFront())
	}
}

// DeallocateFreeBlocks returns fully-free blocks to the segment
// manager until at most limit remain resident. Blocks leave from the
// multiset tail: the highest-address fully-free blocks go first.
func (p *Pool) DeallocateFreeBlocks(limit int) {
	p.verify()
	for p.totallyFreeBlocks > limit {
		right := p.blocks.Right().Key.(*blockInfo)
		if p.checkInvariants && right.freeCount != p.realNumNodes {
			panic("nodepool: multiset tail is not fully free")
		}
		p.blocks.Remove(right)
		p.totallyFreeBlocks--
		p.numBlocks--
		p.segmentManager.Deallocate(right.mem)
	}
	p.verify()
}

// NumFreeNodes returns the number of free nodes across all resident
// blocks.
func (p *Pool) NumFreeNodes() int {
	total := 0
	it := p.blocks.Iterator()
	for it.Next() {
		total += it.Key().(*blockInfo).freeCount
	}
	return total
}

// Swap exchanges the resident state of two pools with identical
// geometry.
func (p *Pool) Swap(other *Pool) error {
	if p.realNodeSize != other.realNodeSize ||
		p.blockAlignment != other.blockAlignment ||
		p.realNumNodes != other.realNumNodes ||
		p.maxFreeBlocks != other.maxFreeBlocks {
		return ErrGeometryMismatch
	}
	p.segmentManager, other.segmentManager = other.segmentManager, p.segmentManager
	p.blocks, other.blocks = other.blocks, p.blocks
	p.numBlocks, other.numBlocks = other.numBlocks, p.numBlocks
	p.totallyFreeBlocks, other.totallyFreeBlocks = other.totallyFreeBlocks, p.totallyFreeBlocks
	return nil
}

// Close returns every resident block to the segment manager. All
// nodes must have been deallocated first; a fully allocated block is
// unreachable from the multiset and would leak.
func (p *Pool) Close() {
	if p.checkInvariants && p.blocks.Size() != p.numBlocks {
		panic("nodepool: Close with nodes still allocated")
	}
	it := p.blocks.Iterator()
	for it.Next() {
		bi := it.Key().(*blockInfo)
		p.segmentManager.Deallocate(bi.mem)
	}
	p.blocks.Clear()
	p.numBlocks = 0
	p.totallyFreeBlocks = 0
}

// --- internals ---

// takeFirstNode pops the front node of the least-free block. A block
// drained of free nodes leaves the multiset.
func (p *Pool) takeFirstNode() unsafe.Pointer {
	left := p.blocks.Left().Key.(*blockInfo)
	p.blocks.Remove(left)
	if left.freeCount == p.realNumNodes {
		p.totallyFreeBlocks--
	}
	node := left.popFront()
	if left.freeCount > 0 {
		p.blocks.Put(left, nil)
	}
	return unsafe.Pointer(node)
}

// reinsertNode pushes a node back on its block's free list,
// re-indexing the block under its new count.
func (p *Pool) reinsertNode(node uintptr) {
	bi := p.blockFromNode(node)
	if bi.freeCount > 0 {
		p.blocks.Remove(bi)
	}
	bi.pushFront(node)
	p.blocks.Put(bi, nil)
	if bi.freeCount == p.realNumNodes {
		p.totallyFreeBlocks++
	}
}

// blockFromNode recovers the owning block from any node pointer:
// clear the low bits to reach the subblock, follow its header offset
// to the block header, and read the blockInfo reference.
func (p *Pool) blockFromNode(node uintptr) *blockInfo {
	subblock := node &^ (p.blockAlignment - 1)
	holder := (*hdrOffsetHolder)(unsafe.Pointer(subblock))
	header := (*blockHeader)(unsafe.Pointer(subblock + holder.hdrOffset))
	if p.checkInvariants && header.hdrOffset != 0 {
		panic("nodepool: corrupt header offset chain")
	}
	return (*blockInfo)(unsafe.Pointer(header.ref))
}

// allocBlocks obtains n blocks from the segment manager, lays out
// subblock header offsets and free lists, and indexes the blocks as
// fully free.
func (p *Pool) allocBlocks(n int) error {
	realBlockSize := p.blockAlignment * p.numSubblocks
	elemsPerSubblock := (p.blockAlignment - hdrOffsetSize) / p.realNodeSize
	hdrSubblockElems := (p.blockAlignment - hdrSize) / p.realNodeSize

	for i := 0; i < n; i++ {
		mem, err := p.segmentManager.AllocateAligned(realBlockSize, p.blockAlignment)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
		if mem == nil {
			return ErrNoMemory
		}

		base := uintptr(mem)
		hdrAddr := base + p.blockAlignment*(p.numSubblocks-1)
		bi := &blockInfo{base: base, mem: mem}

		header := (*blockHeader)(unsafe.Pointer(hdrAddr))
		header.hdrOffset = 0
		header.ref = uintptr(unsafe.Pointer(bi))

		// Build the free list back to front so it reads in ascending
		// address order. Header-subblock nodes sit after the header
		// itself, so they come last.
		for j := hdrSubblockElems; j > 0; j-- {
			bi.pushFront(hdrAddr + hdrSize + (j-1)*p.realNodeSize)
		}
		for sb := p.numSubblocks - 1; sb > 0; sb-- {
			sbAddr := base + (sb-1)*p.blockAlignment
			(*hdrOffsetHolder)(unsafe.Pointer(sbAddr)).hdrOffset = hdrAddr - sbAddr
			for j := elemsPerSubblock; j > 0; j-- {
				bi.pushFront(sbAddr + hdrOffsetSize + (j-1)*p.realNodeSize)
			}
		}

		p.totallyFreeBlocks++
		p.numBlocks++
		p.blocks.Put(bi, nil)
	}
	return nil
}

// verify re-checks the pool invariants when CheckInvariants is set.
func (p *Pool) verify() {
	if !p.checkInvariants {
		return
	}

	// Free counts are monotone non-decreasing across the multiset.
	prev := -1
	totalFree := 0
	fullyFree := 0
	it := p.blocks.Iterator()
	for it.Next() {
		bi := it.Key().(*blockInfo)
		if bi.freeCount < prev {
			panic("nodepool: multiset out of order")
		}
		prev = bi.freeCount
		totalFree += bi.freeCount
		if bi.freeCount == p.realNumNodes {
			fullyFree++
		}

		// Every subblock's stored offset must lead to the block
		// header, and both ends must be block-aligned.
		hdrAddr := bi.base + p.blockAlignment*(p.numSubblocks-1)
		for sb := uintptr(0); sb < p.numSubblocks; sb++ {
			sbAddr := bi.base + sb*p.blockAlignment
			if sbAddr&(p.blockAlignment-1) != 0 {
				panic("nodepool: misaligned subblock")
			}
			holder := (*hdrOffsetHolder)(unsafe.Pointer(sbAddr))
			if sbAddr+holder.hdrOffset != hdrAddr {
				panic("nodepool: corrupt header offset")
			}
			if holder.hdrOffset&(p.blockAlignment-1) != 0 {
				panic("nodepool: misaligned header offset")
			}
		}
	}

	if totalFree < p.totallyFreeBlocks*p.realNumNodes {
		panic("nodepool: free node accounting underflow")
	}
	if fullyFree != p.totallyFreeBlocks {
		panic("nodepool: totally-free block count mismatch")
	}
}

// --- geometry ---

func gcd(a, b uintptr) uintptr {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b uintptr) uintptr {
	return a / gcd(a, b) * b
}

func upperPowerOfTwo(v uintptr) uintptr {
	c := uintptr(1)
	for c < v {
		c <<= 1
	}
	return c
}

// calculateAlignment picks the smallest power-of-two block alignment
// such that a block's bookkeeping overhead stays under
// overheadPercent.
func calculateAlignment(overheadPercent, realNodeSize uintptr) uintptr {
	divisor := overheadPercent * realNodeSize
	dividend := hdrOffsetSize * 100
	elemsPerSubblock := (dividend-1)/divisor + 1
	candidate := upperPowerOfTwo(elemsPerSubblock*realNodeSize + hdrOffsetSize)

	for {
		// Worst-case subblock overhead is the block header itself.
		elemsPerSubblock = (candidate - hdrSize) / realNodeSize
		overhead := candidate - elemsPerSubblock*realNodeSize
		if overhead*100/candidate < overheadPercent {
			return candidate
		}
		candidate <<= 1
	}
}

// calculateNumSubblocks derives how many subblocks a block needs to
// hold at least elementsPerBlock nodes within the overhead bound, and
// the real node capacity that results.
func calculateNumSubblocks(alignment, realNodeSize, elementsPerBlock, overheadPercent uintptr) (numSubblocks, realNumNodes uintptr) {
	elemsPerSubblock := (alignment - hdrOffsetSize) / realNodeSize
	hdrSubblockElems := (alignment - hdrSize) / realNodeSize

	possible := (elementsPerBlock-1)/elemsPerSubblock + 1
	for (possible-1)*elemsPerSubblock+hdrSubblockElems < elementsPerBlock {
		possible++
	}

	for {
		totalData := (elemsPerSubblock*(possible-1) + hdrSubblockElems) * realNodeSize
		totalSize := alignment * possible
		if (totalSize-totalData)*100/totalSize < overheadPercent {
			break
		}
		possible++
	}
	return possible, (possible-1)*elemsPerSubblock + hdrSubblockElems
}
