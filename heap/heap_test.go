package heap_test

import (
	"encoding/json"
	"testing"
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/subheap/heap"
	"github.com/vkngwrapper/subheap/memutils"
	"github.com/vkngwrapper/subheap/suballoc"
)

func uploadHeap(t *testing.T, device *fakeDevice, elementCount int) *heap.Heap {
	t.Helper()

	h, err := heap.New(device, heap.HeapCreateInfo{
		ElementCount: elementCount,
		ElementSize:  1,
		Kind:         heap.BackingHostUpload,
		InitialState: heap.AccessGenericRead,
		Name:         t.Name(),
	})
	require.NoError(t, err)
	return h
}

func TestHeapCreateValidation(t *testing.T) {
	device := newFakeDevice()

	_, err := heap.New(device, heap.HeapCreateInfo{
		ElementCount: 64,
		ElementSize:  3,
		Kind:         heap.BackingHostUpload,
	})
	require.ErrorIs(t, err, memutils.PowerOfTwoError)

	device.failCreate = true
	_, err = heap.New(device, heap.HeapCreateInfo{
		ElementCount: 64,
		ElementSize:  4,
		Kind:         heap.BackingHostUpload,
	})
	require.ErrorContains(t, err, "failed to create the backing resource")
	device.failCreate = false

	// A host-visible heap is unusable without a persistent mapping
	device.mapBuffers = false
	_, err = heap.New(device, heap.HeapCreateInfo{
		ElementCount: 64,
		ElementSize:  4,
		Kind:         heap.BackingHostUpload,
	})
	require.ErrorContains(t, err, "no mapped pointer")

	// A device-local heap is fine without one
	h, err := heap.New(device, heap.HeapCreateInfo{
		ElementCount: 64,
		ElementSize:  4,
		Kind:         heap.BackingDeviceLocal,
	})
	require.NoError(t, err)
	require.Equal(t, heap.BackingDeviceLocal, h.Kind())
	require.Equal(t, "unnamed heap", h.Name())
}

func TestHeapPublicOffsets(t *testing.T) {
	h := uploadHeap(t, newFakeDevice(), 1024)

	// Public offsets start at 1; 0 is the NoAllocation marker
	first, err := h.Allocate(100)
	require.NoError(t, err)
	require.Equal(t, 1, first)

	second, err := h.Allocate(200)
	require.NoError(t, err)
	require.Equal(t, 101, second)

	require.NoError(t, h.Free(first))

	reused, err := h.Allocate(50)
	require.NoError(t, err)
	require.Equal(t, 1, reused)

	stats := h.Stats()
	require.Equal(t, 250, stats.UsedSize)
	require.Equal(t, 2, stats.AllocationCount)

	require.NoError(t, h.Free(second))
	require.NoError(t, h.Free(reused))
	require.Equal(t, 0, h.Stats().UsedSize)
}

func TestHeapAllocateOutOfSpace(t *testing.T) {
	h := uploadHeap(t, newFakeDevice(), 64)

	offset, err := h.Allocate(100)
	require.ErrorIs(t, err, suballoc.OutOfSpaceError)
	require.Equal(t, heap.NoAllocation, offset)
}

func TestHeapFree(t *testing.T) {
	h := uploadHeap(t, newFakeDevice(), 1024)

	// The NoAllocation marker frees as a no-op
	require.NoError(t, h.Free(heap.NoAllocation))

	err := h.Free(-3)
	require.ErrorIs(t, err, suballoc.InvalidFreeError)

	err = h.Free(5)
	require.ErrorIs(t, err, suballoc.InvalidFreeError)
}

func TestHeapAddressing(t *testing.T) {
	device := newFakeDevice()
	h := uploadHeap(t, device, 1024)
	base := device.resource(t.Name()).addr

	first, err := h.Allocate(16)
	require.NoError(t, err)
	second, err := h.Allocate(16)
	require.NoError(t, err)

	require.Equal(t, uint64(0), h.DeviceAddress(heap.NoAllocation))
	require.Equal(t, base, h.DeviceAddress(first))
	require.Equal(t, base+16, h.DeviceAddress(second))

	require.Nil(t, h.MappedPtr(heap.NoAllocation))

	ptr := h.MappedPtr(second)
	require.NotNil(t, ptr)

	// The pointer addresses the allocation's bytes in the backing resource
	region := unsafe.Slice((*byte)(ptr), 16)
	copy(region, "some vertex data")
	require.Equal(t, []byte("some vertex data"), device.resource(t.Name()).data[16:32])
}

func TestHeapDeviceLocalIsNotMapped(t *testing.T) {
	h, err := heap.New(newFakeDevice(), heap.HeapCreateInfo{
		ElementCount: 1024,
		ElementSize:  1,
		Kind:         heap.BackingDeviceLocal,
		Name:         t.Name(),
	})
	require.NoError(t, err)

	offset, err := h.Allocate(16)
	require.NoError(t, err)
	require.Nil(t, h.MappedPtr(offset))
}

func TestHeapTransitions(t *testing.T) {
	h := uploadHeap(t, newFakeDevice(), 1024)
	rec := &fakeRecorder{}

	require.Equal(t, heap.AccessGenericRead, h.State())

	h.TransitionTo(rec, heap.AccessUnorderedAccess)
	require.Equal(t, heap.AccessUnorderedAccess, h.State())

	// Transitioning to the current state records nothing
	h.TransitionTo(rec, heap.AccessUnorderedAccess)

	h.TransitionTo(rec, heap.AccessCopySource)
	h.AccessBarrier(rec)

	require.Equal(t, []recordedCommand{
		{op: "transition", resource: t.Name(), before: heap.AccessGenericRead, after: heap.AccessUnorderedAccess},
		{op: "transition", resource: t.Name(), before: heap.AccessUnorderedAccess, after: heap.AccessCopySource},
		{op: "accessBarrier", resource: t.Name()},
	}, rec.commands)
}

func TestHeapTrackWrite(t *testing.T) {
	device := newFakeDevice()
	device.trackWrites = true
	h := uploadHeap(t, device, 1024)

	offset, err := h.Allocate(64)
	require.NoError(t, err)

	h.TrackWrite(offset, offset+64)

	// Empty and sentinel ranges are dropped before reaching the resource
	h.TrackWrite(offset, offset)
	h.TrackWrite(heap.NoAllocation, 10)

	require.Equal(t, [][2]int{{0, 64}}, device.resource(t.Name()).writes)
}

func TestHeapTrackWriteUnsupported(t *testing.T) {
	h := uploadHeap(t, newFakeDevice(), 1024)

	offset, err := h.Allocate(64)
	require.NoError(t, err)

	// The backing resource has no write tracking, so this is a no-op
	h.TrackWrite(offset, offset+64)
}

func TestHeapDestroyReportsLeaks(t *testing.T) {
	h := uploadHeap(t, newFakeDevice(), 1024)

	first, err := h.Allocate(100)
	require.NoError(t, err)
	second, err := h.Allocate(100)
	require.NoError(t, err)

	err = h.Destroy()
	require.ErrorContains(t, err, "2 allocations were not freed")

	require.NoError(t, h.Free(first))
	require.NoError(t, h.Free(second))
	require.NoError(t, h.Destroy())
}

func TestHeapPrintDetailedMap(t *testing.T) {
	h := uploadHeap(t, newFakeDevice(), 1024)

	_, err := h.Allocate(100)
	require.NoError(t, err)

	writer := jwriter.NewWriter()
	h.PrintDetailedMap(&writer)
	require.NoError(t, writer.Error())

	var decoded struct {
		Name       string
		Kind       string
		State      string
		TotalBytes int
		Regions    []struct {
			Offset int
			Size   int
			Type   string
		}
	}
	err = json.Unmarshal(writer.Bytes(), &decoded)
	require.NoError(t, err)

	require.Equal(t, t.Name(), decoded.Name)
	require.Equal(t, "BackingHostUpload", decoded.Kind)
	require.Equal(t, "AccessGenericRead", decoded.State)
	require.Equal(t, 1024, decoded.TotalBytes)
	require.Len(t, decoded.Regions, 2)
	require.Equal(t, "Allocation", decoded.Regions[0].Type)
}

func TestHeapExternallySynchronized(t *testing.T) {
	h, err := heap.New(newFakeDevice(), heap.HeapCreateInfo{
		ElementCount: 1024,
		ElementSize:  1,
		Kind:         heap.BackingHostUpload,
		Flags:        heap.HeapCreateExternallySynchronized,
		Name:         t.Name(),
	})
	require.NoError(t, err)

	offset, err := h.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, h.Free(offset))
}
