package memutils

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// HeapStatistics is a snapshot of the allocation state of a single managed heap. It is
// produced under the heap's lock, so all fields are consistent with one another, but two
// snapshots taken at different times may differ in either direction- consumers must not
// assume any field is monotonic.
type HeapStatistics struct {
	// TotalSize is the aligned size in bytes of the heap's arena. It never changes over
	// the life of the heap.
	TotalSize int
	// UsedSize is the sum in bytes of all live allocations, including alignment padding
	UsedSize int
	// AllocationCount is the number of live allocations
	AllocationCount int
	// FreeBlockCount is the number of distinct free regions. Adjacent free regions are
	// always merged, so this is also the number of maximal free spans.
	FreeBlockCount int
	// LargestFreeBlock is the size in bytes of the largest single free region- the largest
	// allocation that could currently succeed without alignment considerations
	LargestFreeBlock int
	// FragmentationRatio quantifies external fragmentation in the range [0.0, 1.0]: 0 means
	// all free space is one contiguous region, values approaching 1 mean the free space is
	// shattered across many small regions. It is 0 when the heap has no free space at all.
	FragmentationRatio float64
}

func (s *HeapStatistics) Clear() {
	*s = HeapStatistics{}
}

// FreeSize returns the number of free bytes in the heap
func (s *HeapStatistics) FreeSize() int {
	return s.TotalSize - s.UsedSize
}

// AddHeapStatistics sums another heap's snapshot into this one, for consumers that
// display aggregate numbers across several heaps. The merged FragmentationRatio is
// recomputed from the merged totals, treating the largest free block across all heaps
// as the largest usable region.
func (s *HeapStatistics) AddHeapStatistics(other *HeapStatistics) {
	s.TotalSize += other.TotalSize
	s.UsedSize += other.UsedSize
	s.AllocationCount += other.AllocationCount
	s.FreeBlockCount += other.FreeBlockCount

	if other.LargestFreeBlock > s.LargestFreeBlock {
		s.LargestFreeBlock = other.LargestFreeBlock
	}

	s.FragmentationRatio = FragmentationRatio(s.LargestFreeBlock, s.FreeSize())
}

// StatsJsonData populates a json object with this snapshot's fields
func (s *HeapStatistics) StatsJsonData(json jwriter.ObjectState) {
	json.Name("TotalSize").Int(s.TotalSize)
	json.Name("UsedSize").Int(s.UsedSize)
	json.Name("Allocations").Int(s.AllocationCount)
	json.Name("FreeBlocks").Int(s.FreeBlockCount)
	json.Name("LargestFreeBlock").Int(s.LargestFreeBlock)
	json.Name("FragmentationRatio").Float64(s.FragmentationRatio)
}

// FragmentationRatio computes the external fragmentation measure used in HeapStatistics
// from the largest free region and the total free space. It is 0 when there is no free
// space or no free region.
func FragmentationRatio(largestFreeBlock, freeSize int) float64 {
	if freeSize <= 0 || largestFreeBlock <= 0 {
		return 0
	}

	return 1.0 - float64(largestFreeBlock)/float64(freeSize)
}
