package nodepool

import (
	"testing"
	"unsafe"
)

func TestChain(t *testing.T) {
	// Chains thread through node memory, so back them with real
	// uintptr-sized cells.
	cells := make([]uintptr, 4)

	var c Chain
	if !c.Empty() || c.Size() != 0 {
		t.Fatal("zero chain not empty")
	}
	if c.PopFront() != nil {
		t.Fatal("PopFront on empty chain should return nil")
	}

	for i := range cells {
		c.PushBack(unsafe.Pointer(&cells[i]))
	}
	if c.Size() != len(cells) {
		t.Fatalf("Size() = %d, want %d", c.Size(), len(cells))
	}

	for i := range cells {
		p := c.PopFront()
		if p != unsafe.Pointer(&cells[i]) {
			t.Fatalf("pop %d returned wrong node", i)
		}
	}
	if !c.Empty() {
		t.Fatal("chain not empty after draining")
	}

	c.PushBack(unsafe.Pointer(&cells[0]))
	c.Reset()
	if !c.Empty() {
		t.Fatal("Reset did not empty the chain")
	}
}
