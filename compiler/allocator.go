package compiler

import (
	"math"

	"github.com/sbl8/ffts/core"
)

// AllocateBlock reserves count ids after existing and returns the first id
// and the new running total.
func AllocateBlock(existing, count uint32) (first, total uint32, err error) {
	if uint64(existing)+uint64(count) > math.MaxUint32 {
		return 0, 0, core.Internalf("context id overflow: %d + %d", existing, count)
	}
	return existing, existing + count, nil
}

// allocator hands out ids for one subgraph and remembers the ready boundary.
type allocator struct {
	total uint32
	ready uint32
}

func (a *allocator) block(count uint32) (uint32, error) {
	first, total, err := AllocateBlock(a.total, count)
	if err != nil {
		return 0, err
	}
	a.total = total
	return first, nil
}

func (a *allocator) markReady() {
	a.ready = a.total
}
