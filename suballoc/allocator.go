package suballoc

import (
	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/subheap/memutils"
	"golang.org/x/exp/slog"
)

const freeIndexDegree = 32

// CreateInfo contains the required parameters for creating a new Allocator
type CreateInfo struct {
	// ElementCount is the number of elements the arena is sized for
	ElementCount int
	// ElementSize is the size in bytes of a single element
	ElementSize int
	// Alignment is the minimum alignment of every allocation made from the arena. It must
	// be a power of two. Requested sizes are rounded up to a multiple of this value.
	Alignment uint

	// Name identifies this allocator in logs and diagnostic dumps. It has no effect on
	// behavior.
	Name string
	// Logger receives allocation and free traces at Debug level and misuse reports at
	// Error level. When nil, slog.Default() is used.
	Logger *slog.Logger
}

// Allocator partitions a single fixed-size arena into variable-sized regions, handed out
// as byte offsets. It supports best-fit allocation, freeing with coalescing of adjacent
// free regions, and fragmentation statistics. The arena is never resized.
//
// Allocator performs no synchronization of its own- consumers that share one instance
// across goroutines must serialize all calls (see heap.Heap).
type Allocator struct {
	name      string
	logger    *slog.Logger
	alignment uint

	// alignedSize is the arena size in bytes, ElementCount*ElementSize rounded up to
	// Alignment. The blocks always cover exactly [0, alignedSize).
	alignedSize int

	allocCount     int
	freeBlockCount int
	freeSize       int

	// head is the block at offset 0. Blocks are chained in offset order.
	head *block
	// blockByOffset holds every block, free or taken, keyed by its current offset.
	// Entries are re-keyed when blocks merge.
	blockByOffset *swiss.Map[int, *block]
	// freeBySize holds exactly the free blocks, ordered by (size, offset) so that the
	// smallest free block that fits a request can be found with a lower-bound query.
	freeBySize *btree.BTreeG[*block]
	// allocations holds the live allocations, keyed by their start offset.
	allocations *swiss.Map[int, *block]

	// probe is reused for free-index lookups to keep Allocate from allocating.
	probe block
}

var _ memutils.Validatable = &Allocator{}

func blockLess(a, b *block) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	return a.offset < b.offset
}

// New creates an Allocator whose arena covers ElementCount*ElementSize bytes, rounded up
// to Alignment, seeded with a single free block spanning the whole arena.
func New(info CreateInfo) (*Allocator, error) {
	if info.ElementCount < 1 {
		return nil, errors.Errorf("invalid element count: %d", info.ElementCount)
	}
	if info.ElementSize < 1 {
		return nil, errors.Errorf("invalid element size: %d", info.ElementSize)
	}
	if info.Alignment < 1 {
		return nil, errors.Errorf("invalid alignment: %d", info.Alignment)
	}
	err := memutils.CheckPow2(info.Alignment, "allocator alignment")
	if err != nil {
		return nil, err
	}

	name := info.Name
	if name == "" {
		name = "unnamed heap allocator"
	}
	logger := info.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Allocator{
		name:        name,
		logger:      logger,
		alignment:   info.Alignment,
		alignedSize: memutils.AlignUp(info.ElementCount*info.ElementSize, info.Alignment),

		blockByOffset: swiss.NewMap[int, *block](42),
		freeBySize:    btree.NewG[*block](freeIndexDegree, blockLess),
		allocations:   swiss.NewMap[int, *block](42),
	}

	seed := a.newBlock()
	seed.size = a.alignedSize
	a.head = seed
	a.blockByOffset.Put(0, seed)
	a.insertFreeBlock(seed)

	a.logger.Debug("allocator initialized",
		slog.String("allocator", a.name),
		slog.Int("size", a.alignedSize),
		slog.Int("elementSize", info.ElementSize),
		slog.Int("elementCount", info.ElementCount))

	return a, nil
}

// Name returns the diagnostic name this allocator was created with
func (a *Allocator) Name() string { return a.name }

// AlignedSize returns the arena size in bytes, which is the requested element capacity
// rounded up to the configured alignment
func (a *Allocator) AlignedSize() int { return a.alignedSize }

// AllocationCount returns the number of live allocations
func (a *Allocator) AllocationCount() int { return a.allocCount }

// FreeRegionsCount returns the number of maximal free regions in the arena
func (a *Allocator) FreeRegionsCount() int { return a.freeBlockCount }

// SumFreeSize returns the number of free bytes in the arena
func (a *Allocator) SumFreeSize() int { return a.freeSize }

// IsEmpty will return true if this allocator has no live allocations
func (a *Allocator) IsEmpty() bool { return a.allocCount == 0 }

// Allocate reserves a region of at least size bytes and returns its offset within the
// arena. The region's actual size is the request rounded up to the allocator's alignment;
// a zero-byte request still consumes one minimal aligned unit. The smallest free block
// that fits the aligned request is chosen (best fit); when that block is strictly larger
// than the request, the remainder is split off as a new free block.
//
// When no free block can fit the request, Allocate fails with OutOfSpaceError and the
// arena is left untouched.
func (a *Allocator) Allocate(size int) (int, error) {
	if size < 0 {
		return 0, errors.Errorf("invalid allocation size: %d", size)
	}

	memutils.DebugValidate(a)

	alignedSize := memutils.AlignUp(size, a.alignment)
	if alignedSize == 0 {
		alignedSize = int(a.alignment)
	}

	best := a.findBestFit(alignedSize)
	if best == nil {
		a.logger.Debug("allocation failed - no suitable block found",
			slog.String("allocator", a.name),
			slog.Int("size", alignedSize))
		return 0, errors.Wrapf(OutOfSpaceError, "%s: allocating %d bytes", a.name, alignedSize)
	}

	a.removeFreeBlock(best)

	if best.size > alignedSize {
		a.splitBlock(best, alignedSize)
	}

	a.allocations.Put(best.offset, best)
	a.allocCount++

	a.logger.Debug("allocated",
		slog.String("allocator", a.name),
		slog.Int("size", alignedSize),
		slog.Int("offset", best.offset))

	return best.offset, nil
}

// Free returns the allocation starting at offset to the free pool, merging it with the
// physically adjacent free block on each side if one exists. Offsets that do not match a
// live allocation fail with InvalidFreeError- that is always a caller bug, so it is also
// logged at Error level.
func (a *Allocator) Free(offset int) error {
	memutils.DebugValidate(a)

	b, ok := a.allocations.Get(offset)
	if !ok {
		a.logger.Error("free failed - no allocation found at offset",
			slog.String("allocator", a.name),
			slog.Int("offset", offset))
		return errors.Wrapf(InvalidFreeError, "%s: freeing offset %d", a.name, offset)
	}

	a.allocations.Delete(offset)
	a.allocCount--
	freedSize := b.size

	// Merge with the physical predecessor, then the successor. One merge on each side is
	// enough: two adjacent free blocks never coexist unmerged, so the neighbors of the
	// merged block are always taken.
	prev := b.prevPhysical
	if prev != nil && prev.free && prev.offset+prev.size == b.offset {
		a.removeFreeBlock(prev)
		a.mergeBlock(prev, b)
		b = prev
	}

	next := b.nextPhysical
	if next != nil && next.free && b.offset+b.size == next.offset {
		a.removeFreeBlock(next)
		a.mergeBlock(b, next)
	}

	a.insertFreeBlock(b)

	a.logger.Debug("freed",
		slog.String("allocator", a.name),
		slog.Int("size", freedSize),
		slog.Int("offset", offset))

	return nil
}

// Stats returns a consistent snapshot of the allocator's usage and fragmentation state
func (a *Allocator) Stats() memutils.HeapStatistics {
	stats := memutils.HeapStatistics{
		TotalSize:       a.alignedSize,
		UsedSize:        a.alignedSize - a.freeSize,
		AllocationCount: a.allocCount,
		FreeBlockCount:  a.freeBlockCount,
	}

	largest, ok := a.freeBySize.Max()
	if ok {
		stats.LargestFreeBlock = largest.size
	}

	stats.FragmentationRatio = memutils.FragmentationRatio(stats.LargestFreeBlock, a.freeSize)
	return stats
}

// VisitAllRegions will call the provided callback once for each allocation and free
// region in the arena, in offset order
func (a *Allocator) VisitAllRegions(handleRegion func(offset, size int, free bool) error) error {
	for b := a.head; b != nil; b = b.nextPhysical {
		err := handleRegion(b.offset, b.size, b.free)
		if err != nil {
			return err
		}
	}

	return nil
}

// BlockJsonData populates a json object with information about this allocator's arena,
// including a region-by-region map
func (a *Allocator) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(a.alignedSize)
	json.Name("UnusedBytes").Int(a.freeSize)
	json.Name("Allocations").Int(a.allocCount)
	json.Name("UnusedRanges").Int(a.freeBlockCount)

	arrayState := json.Name("Regions").Array()
	defer arrayState.End()

	_ = a.VisitAllRegions(func(offset, size int, free bool) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
		if free {
			obj.Name("Type").String("Free")
		} else {
			obj.Name("Type").String("Allocation")
		}

		return nil
	})
}

// Validate performs internal consistency checks on the block table and its indices.
// When the allocator is functioning correctly it should not be possible for this method
// to return an error, but it may assist in diagnosing issues.
func (a *Allocator) Validate() error {
	if a.head == nil {
		return errors.New("the allocator has no blocks")
	}

	var calculatedSize, freeCount, freeSize, allocCount int
	nextOffset := 0
	prevFree := false

	for b := a.head; b != nil; b = b.nextPhysical {
		if b.offset != nextOffset {
			return errors.Errorf("block at offset %d does not start at the previous block's end offset %d", b.offset, nextOffset)
		}
		if b.size < 1 {
			return errors.Errorf("block at offset %d has invalid size %d", b.offset, b.size)
		}

		indexed, ok := a.blockByOffset.Get(b.offset)
		if !ok || indexed != b {
			return errors.Errorf("block at offset %d is not correctly keyed in the offset index", b.offset)
		}

		if b.free {
			if prevFree {
				return errors.Errorf("the blocks ending and starting at offset %d are both free but unmerged", b.offset)
			}
			if !a.freeBySize.Has(b) {
				return errors.Errorf("block at offset %d is free but missing from the free index", b.offset)
			}

			freeCount++
			freeSize += b.size
		} else {
			if a.freeBySize.Has(b) {
				return errors.Errorf("block at offset %d is taken but present in the free index", b.offset)
			}

			record, ok := a.allocations.Get(b.offset)
			if !ok || record != b {
				return errors.Errorf("block at offset %d is taken but has no allocation record", b.offset)
			}

			allocCount++
		}

		if b.nextPhysical != nil && b.nextPhysical.prevPhysical != b {
			return errors.Errorf("block at offset %d has a next physical block, but the reverse reference is broken", b.offset)
		}

		prevFree = b.free
		nextOffset = b.offset + b.size
		calculatedSize += b.size
	}

	if calculatedSize != a.alignedSize {
		return errors.Errorf("the full size of the arena is %d, but the blocks only added up to %d", a.alignedSize, calculatedSize)
	}
	if freeCount != a.freeBlockCount {
		return errors.Errorf("the free block count of the allocator is %d, but there were %d free blocks", a.freeBlockCount, freeCount)
	}
	if freeSize != a.freeSize {
		return errors.Errorf("the free size of the allocator is %d, but the free blocks added up to %d", a.freeSize, freeSize)
	}
	if allocCount != a.allocCount {
		return errors.Errorf("the allocation count of the allocator is %d, but the taken blocks added up to %d", a.allocCount, allocCount)
	}
	if a.freeBySize.Len() != a.freeBlockCount {
		return errors.Errorf("the free index holds %d blocks, but the allocator has %d free blocks", a.freeBySize.Len(), a.freeBlockCount)
	}
	if a.allocations.Count() != a.allocCount {
		return errors.Errorf("the allocation table holds %d records, but the allocator has %d live allocations", a.allocations.Count(), a.allocCount)
	}
	if a.blockByOffset.Count() != freeCount+allocCount {
		return errors.Errorf("the offset index holds %d blocks, but the arena has %d", a.blockByOffset.Count(), freeCount+allocCount)
	}

	return nil
}

// findBestFit queries the free index for the smallest free block whose size is at least
// size. The probe's offset of -1 sorts it before any real block of the same size.
func (a *Allocator) findBestFit(size int) *block {
	a.probe.size = size
	a.probe.offset = -1

	var best *block
	a.freeBySize.AscendGreaterOrEqual(&a.probe, func(item *block) bool {
		best = item
		return false
	})

	return best
}

// splitBlock trims b to exactly size bytes and inserts a new free block covering the
// remainder directly after it.
func (a *Allocator) splitBlock(b *block, size int) {
	remainder := a.newBlock()
	remainder.offset = b.offset + size
	remainder.size = b.size - size
	remainder.prevPhysical = b
	remainder.nextPhysical = b.nextPhysical
	if remainder.nextPhysical != nil {
		remainder.nextPhysical.prevPhysical = remainder
	}
	b.nextPhysical = remainder
	b.size = size

	a.blockByOffset.Put(remainder.offset, remainder)
	a.insertFreeBlock(remainder)
}

// mergeBlock grows b to absorb its immediate physical successor next, which must not be
// in the free index. The absorbed block's identity is discarded.
func (a *Allocator) mergeBlock(b *block, next *block) {
	if b.nextPhysical != next {
		panic("cannot merge separate physical regions")
	}
	if next.free {
		panic("cannot merge a block that belongs to the free index")
	}

	b.size += next.size
	b.nextPhysical = next.nextPhysical
	if next.nextPhysical != nil {
		next.nextPhysical.prevPhysical = b
	}

	a.blockByOffset.Delete(next.offset)
	a.recycleBlock(next)
}

func (a *Allocator) insertFreeBlock(b *block) {
	if b.free {
		panic("block is already free")
	}

	_, present := a.freeBySize.ReplaceOrInsert(b)
	if present {
		panic("another block with the same size and offset was already in the free index")
	}

	b.free = true
	a.freeBlockCount++
	a.freeSize += b.size
}

func (a *Allocator) removeFreeBlock(b *block) {
	if !b.free {
		panic("provided block is not free")
	}

	_, present := a.freeBySize.Delete(b)
	if !present {
		panic("block was not in the free index at the expected location")
	}

	b.free = false
	a.freeBlockCount--
	a.freeSize -= b.size
}
