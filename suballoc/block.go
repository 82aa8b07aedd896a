package suballoc

import "sync"

var blockPool = sync.Pool{
	New: func() any {
		return &block{}
	},
}

// block is a maximal contiguous span of the arena with uniform free/taken status.
// Blocks partition the arena with no gaps and no overlaps at all times, and are chained
// in offset order through prevPhysical/nextPhysical. Two adjacent free blocks never
// coexist unmerged.
type block struct {
	offset int
	size   int
	free   bool

	prevPhysical *block
	nextPhysical *block
}

func (a *Allocator) newBlock() *block {
	b := blockPool.Get().(*block)
	b.offset = 0
	b.size = 0
	b.free = false
	b.prevPhysical = nil
	b.nextPhysical = nil
	return b
}

func (a *Allocator) recycleBlock(b *block) {
	b.prevPhysical = nil
	b.nextPhysical = nil
	blockPool.Put(b)
}
