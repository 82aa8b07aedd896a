package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/subheap/internal/utils"
	"github.com/vkngwrapper/subheap/memutils"
	"github.com/vkngwrapper/subheap/suballoc"
	"golang.org/x/exp/slog"
)

// NoAllocation is the public offset value that represents "no allocation". It is safe to
// pass to Free (which no-ops), MappedPtr and DeviceAddress (which return nil/0).
const NoAllocation int = 0

// reservedOffset shifts every public offset up by one so that 0 can double as the
// NoAllocation marker. Public offsets are internal offsets plus this constant- callers
// must never do arithmetic on a public offset without a heap method.
const reservedOffset = 1

// HeapCreateInfo contains the required parameters for creating a new Heap
type HeapCreateInfo struct {
	// ElementCount is the number of elements the heap's arena is sized for
	ElementCount int
	// ElementSize is the size in bytes of a single element. It is also used as the
	// allocation alignment, so it must be a power of two.
	ElementSize int

	// Kind selects the sort of memory backing the heap
	Kind BackingKind
	// Capabilities declare what the backing resource will be used for
	Capabilities CapabilityFlags
	// InitialState is the access state the backing resource is created in
	InitialState AccessState

	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// Name identifies this heap in logs and diagnostic dumps
	Name string
	// Logger receives allocation and free traces at Debug level and misuse reports at
	// Error level. When nil, slog.Default() is used.
	Logger *slog.Logger
}

// Heap binds one suballocator to one backing resource. Allocate, Free, and Stats are
// serialized behind a single per-heap mutex; access-state transitions are not (see
// TransitionTo).
type Heap struct {
	name   string
	logger *slog.Logger

	alloc *suballoc.Allocator
	mutex utils.OptionalMutex

	resource Resource
	// tracker is non-nil when the backing resource supports manual write tracking and
	// the heap is host-visible
	tracker WriteTracker

	kind  BackingKind
	caps  CapabilityFlags
	state AccessState

	mappedPtr  unsafe.Pointer
	deviceAddr uint64
}

// New creates a Heap and its backing resource. The arena covers
// ElementCount*ElementSize bytes rounded up to ElementSize. Host-visible kinds
// (BackingHostUpload, BackingHostReadback) require the created resource to be
// persistently mapped; a backing store that fails to map aborts construction.
func New(device Device, info HeapCreateInfo) (*Heap, error) {
	name := info.Name
	if name == "" {
		name = "unnamed heap"
	}
	logger := info.Logger
	if logger == nil {
		logger = slog.Default()
	}

	alloc, err := suballoc.New(suballoc.CreateInfo{
		ElementCount: info.ElementCount,
		ElementSize:  info.ElementSize,
		Alignment:    uint(info.ElementSize),
		Name:         name,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	resource, err := device.CreateBuffer(BufferCreateInfo{
		Size:         alloc.AlignedSize(),
		Kind:         info.Kind,
		Capabilities: info.Capabilities,
		InitialState: info.InitialState,
		Name:         name,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to create the backing resource", name)
	}

	h := &Heap{
		name:   name,
		logger: logger,

		alloc: alloc,
		mutex: utils.OptionalMutex{
			UseMutex: info.Flags&HeapCreateExternallySynchronized == 0,
		},

		resource: resource,
		kind:     info.Kind,
		caps:     info.Capabilities,
		state:    info.InitialState,

		mappedPtr:  resource.MappedPtr(),
		deviceAddr: resource.DeviceAddress(),
	}

	if info.Kind != BackingDeviceLocal && h.mappedPtr == nil {
		return nil, errors.Errorf("%s: host-visible heap of kind %s has no mapped pointer", name, info.Kind)
	}

	if h.mappedPtr != nil {
		h.tracker, _ = resource.(WriteTracker)
	}

	logger.Debug("heap initialized",
		slog.String("heap", name),
		slog.String("kind", info.Kind.String()),
		slog.Int("size", alloc.AlignedSize()),
		slog.Int("elementSize", info.ElementSize),
		slog.Int("elementCount", info.ElementCount))

	return h, nil
}

// Name returns the diagnostic name this heap was created with
func (h *Heap) Name() string { return h.name }

// Resource returns the backing resource this heap suballocates. The caller must not
// destroy it before the heap.
func (h *Heap) Resource() Resource { return h.resource }

// Kind returns the sort of memory backing this heap
func (h *Heap) Kind() BackingKind { return h.kind }

// State returns the access state the heap's resource was most recently transitioned to
func (h *Heap) State() AccessState { return h.state }

// Allocate reserves a region of at least size bytes and returns its public offset. A
// public offset is never 0- that value is reserved as the NoAllocation marker. When no
// free region can fit the request, Allocate fails with suballoc.OutOfSpaceError.
func (h *Heap) Allocate(size int) (int, error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	offset, err := h.alloc.Allocate(size)
	if err != nil {
		return NoAllocation, err
	}

	return offset + reservedOffset, nil
}

// Free returns the allocation at the provided public offset to the free pool. Freeing
// NoAllocation is a harmless no-op; any other offset that does not match a live
// allocation fails with suballoc.InvalidFreeError.
func (h *Heap) Free(offset int) error {
	if offset == NoAllocation {
		return nil
	}
	if offset < reservedOffset {
		return errors.Wrapf(suballoc.InvalidFreeError, "%s: freeing invalid public offset %d", h.name, offset)
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.alloc.Free(offset - reservedOffset)
}

// Stats returns a consistent snapshot of the heap's usage and fragmentation state
func (h *Heap) Stats() memutils.HeapStatistics {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return h.alloc.Stats()
}

// DeviceAddress returns the device address of the allocation at the provided public
// offset, or 0 for NoAllocation, invalid offsets, or a backing store without device
// addressing.
func (h *Heap) DeviceAddress(offset int) uint64 {
	if offset < reservedOffset || h.deviceAddr == 0 {
		return 0
	}

	return h.deviceAddr + uint64(offset-reservedOffset)
}

// MappedPtr returns the host pointer to the allocation at the provided public offset,
// or nil for NoAllocation, invalid offsets, or a heap that is not host-visible.
func (h *Heap) MappedPtr(offset int) unsafe.Pointer {
	if offset < reservedOffset || h.mappedPtr == nil {
		return nil
	}

	return unsafe.Add(h.mappedPtr, offset-reservedOffset)
}

// TransitionTo records a transition of the backing resource to the requested access
// state, or does nothing if the resource is already in it.
//
// The tracked state is a single field deliberately not guarded by the allocator's
// mutex: there is no way to undo an out-of-order transition on a real device, so
// callers must drive all transitions for one heap from a single logical
// command-recording sequence.
func (h *Heap) TransitionTo(rec CommandRecorder, state AccessState) {
	if h.state == state {
		return
	}

	rec.TransitionBarrier(h.resource, h.state, state)
	h.state = state
}

// AccessBarrier records a barrier ordering unordered-access writes to the heap's
// resource before subsequent reads, without changing its access state
func (h *Heap) AccessBarrier(rec CommandRecorder) {
	rec.AccessBarrier(h.resource)
}

// TrackWrite forwards a written byte range (in public-offset space) to the backing
// resource's manual write tracking, as a hint for GPU capture tools. It is a no-op when
// the backing store does not support write tracking.
func (h *Heap) TrackWrite(begin, end int) {
	if h.tracker == nil || begin < reservedOffset || end <= begin {
		return
	}

	h.tracker.TrackWrite(begin-reservedOffset, end-reservedOffset)

	h.logger.Debug("tracked write",
		slog.String("heap", h.name),
		slog.Int("begin", begin),
		slog.Int("end", end))
}

// PrintDetailedMap writes a json object describing the heap and every region of its
// arena to the provided writer
func (h *Heap) PrintDetailedMap(writer *jwriter.Writer) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("Name").String(h.name)
	objState.Name("Kind").String(h.kind.String())
	objState.Name("State").String(h.state.String())
	h.alloc.BlockJsonData(objState)
}

// Destroy verifies that every allocation was freed before the heap goes away. Remaining
// allocations are logged individually at Error level and an error is returned; the heap
// does not destroy its backing resource, which the Device continues to own.
func (h *Heap) Destroy() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.alloc.IsEmpty() {
		return nil
	}

	_ = h.alloc.VisitAllRegions(func(offset, size int, free bool) error {
		if free {
			return nil
		}

		h.logger.Error("[UNRELEASED MEMORY] unfreed allocation",
			slog.String("heap", h.name),
			slog.Int("offset", offset+reservedOffset),
			slog.Int("size", size))
		return nil
	})

	return errors.Errorf("%s: %d allocations were not freed before the destruction of this heap", h.name, h.alloc.AllocationCount())
}
