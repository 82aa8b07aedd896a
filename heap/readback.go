package heap

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/subheap/internal/utils"
	"github.com/vkngwrapper/subheap/memutils"
	"github.com/vkngwrapper/subheap/suballoc"
	"golang.org/x/exp/slog"
)

// ReadbackChannelCreateInfo contains the required parameters for creating a new
// ReadbackChannel
type ReadbackChannelCreateInfo struct {
	// ElementCount is the number of elements the channel's arena is sized for
	ElementCount int
	// ElementSize is the size in bytes of a single element. It is also used as the
	// allocation alignment, so it must be a power of two.
	ElementSize int

	// Flags indicates specific heap behaviors to activate or deactivate
	Flags CreateFlags
	// Name identifies this channel in logs and diagnostic dumps
	Name string
	// Logger receives allocation and free traces at Debug level and misuse reports at
	// Error level. When nil, slog.Default() is used.
	Logger *slog.Logger
}

// ReadbackChannel carries data written by the device back to the host through two
// mirrors of one logical arena: a device-local writable mirror and a persistently-mapped
// readable mirror. Both mirrors share a single suballocator, so an offset returned by
// Allocate addresses the same logical region in both.
//
// Writers populate the writable mirror between BeginWrite and EndWrite; EndWrite records
// the copy into the readable mirror. Readers may use MappedPtr only after the commands
// recorded by EndWrite have been observed complete- completion signaling is external to
// this package.
type ReadbackChannel struct {
	name   string
	logger *slog.Logger

	alloc *suballoc.Allocator
	mutex utils.OptionalMutex

	writeMirror Resource
	readMirror  Resource
	writeState  AccessState
	readState   AccessState

	// writeOpen is set between BeginWrite and EndWrite. Like the access states, it is
	// deliberately not guarded by the allocator's mutex- the write protocol must be
	// driven from a single logical command-recording sequence.
	writeOpen bool

	mappedPtr  unsafe.Pointer
	deviceAddr uint64
}

// NewReadbackChannel creates a ReadbackChannel and both of its backing mirrors
func NewReadbackChannel(device Device, info ReadbackChannelCreateInfo) (*ReadbackChannel, error) {
	name := info.Name
	if name == "" {
		name = "unnamed readback channel"
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

	readMirror, err := device.CreateBuffer(BufferCreateInfo{
		Size:         alloc.AlignedSize(),
		Kind:         BackingHostReadback,
		InitialState: AccessCommon,
		Name:         name + " readable mirror",
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to create the readable mirror", name)
	}
	if readMirror.MappedPtr() == nil {
		return nil, errors.Errorf("%s: the readable mirror has no mapped pointer", name)
	}

	writeMirror, err := device.CreateBuffer(BufferCreateInfo{
		Size:         alloc.AlignedSize(),
		Kind:         BackingDeviceLocal,
		Capabilities: CapabilityUnorderedAccess,
		InitialState: AccessCommon,
		Name:         name + " writable mirror",
	})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to create the writable mirror", name)
	}

	c := &ReadbackChannel{
		name:   name,
		logger: logger,

		alloc: alloc,
		mutex: utils.OptionalMutex{
			UseMutex: info.Flags&HeapCreateExternallySynchronized == 0,
		},

		writeMirror: writeMirror,
		readMirror:  readMirror,
		writeState:  AccessCommon,
		readState:   AccessCommon,

		mappedPtr:  readMirror.MappedPtr(),
		deviceAddr: writeMirror.DeviceAddress(),
	}

	logger.Debug("readback channel initialized",
		slog.String("channel", name),
		slog.Int("size", alloc.AlignedSize()),
		slog.Int("elementSize", info.ElementSize),
		slog.Int("elementCount", info.ElementCount))

	return c, nil
}

// Name returns the diagnostic name this channel was created with
func (c *ReadbackChannel) Name() string { return c.name }

// WritableMirror returns the device-local resource writers populate between BeginWrite
// and EndWrite
func (c *ReadbackChannel) WritableMirror() Resource { return c.writeMirror }

// ReadableMirror returns the host-visible resource EndWrite copies into
func (c *ReadbackChannel) ReadableMirror() Resource { return c.readMirror }

// Allocate reserves a region of at least size bytes in both mirrors at once and returns
// its public offset. The offset addresses the same logical region in the writable and
// readable mirror.
func (c *ReadbackChannel) Allocate(size int) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	offset, err := c.alloc.Allocate(size)
	if err != nil {
		return NoAllocation, err
	}

	return offset + reservedOffset, nil
}

// Free returns the allocation at the provided public offset to the free pool in both
// mirrors at once. Freeing NoAllocation is a harmless no-op.
func (c *ReadbackChannel) Free(offset int) error {
	if offset == NoAllocation {
		return nil
	}
	if offset < reservedOffset {
		return errors.Wrapf(suballoc.InvalidFreeError, "%s: freeing invalid public offset %d", c.name, offset)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.alloc.Free(offset - reservedOffset)
}

// Stats returns a consistent snapshot of the channel's shared offset space
func (c *ReadbackChannel) Stats() memutils.HeapStatistics {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.alloc.Stats()
}

// DeviceAddress returns the device address of the allocation at the provided public
// offset in the writable mirror, or 0 for NoAllocation, invalid offsets, or a backing
// store without device addressing.
func (c *ReadbackChannel) DeviceAddress(offset int) uint64 {
	if offset < reservedOffset || c.deviceAddr == 0 {
		return 0
	}

	return c.deviceAddr + uint64(offset-reservedOffset)
}

// MappedPtr returns the host pointer to the allocation at the provided public offset in
// the readable mirror, or nil for NoAllocation and invalid offsets. Reading while a
// write window is open fails with ProtocolViolationError- the readable mirror's contents
// are only defined after EndWrite's commands have been observed complete.
func (c *ReadbackChannel) MappedPtr(offset int) (unsafe.Pointer, error) {
	if c.writeOpen {
		return nil, errors.Wrapf(ProtocolViolationError, "%s: reading the readable mirror while a write window is open", c.name)
	}
	if offset < reservedOffset {
		return nil, nil
	}

	return unsafe.Add(c.mappedPtr, offset-reservedOffset), nil
}

// BeginWrite opens a write window: it records a transition of the writable mirror into
// the unordered-access state so device work recorded afterward may populate it. Every
// write window must be closed with EndWrite before another can be opened.
func (c *ReadbackChannel) BeginWrite(rec CommandRecorder) error {
	if c.writeOpen {
		return errors.Wrapf(ProtocolViolationError, "%s: BeginWrite while a write window is already open", c.name)
	}

	rec.TransitionBarrier(c.writeMirror, c.writeState, AccessUnorderedAccess)
	c.writeState = AccessUnorderedAccess
	c.writeOpen = true

	return nil
}

// EndWrite closes the write window opened by BeginWrite. It records, in this strict
// order: transitions of the writable mirror to copy-source and the readable mirror to
// copy-dest, a full-region copy from the writable to the readable mirror, and a
// transition of the readable mirror back to the neutral state. Skipping or reordering
// any phase is undefined on a real backing store, which is why the sequence is owned by
// the channel and not the caller.
func (c *ReadbackChannel) EndWrite(rec CommandRecorder) error {
	if !c.writeOpen {
		return errors.Wrapf(ProtocolViolationError, "%s: EndWrite without a prior BeginWrite", c.name)
	}

	rec.TransitionBarrier(c.writeMirror, c.writeState, AccessCopySource)
	rec.TransitionBarrier(c.readMirror, c.readState, AccessCopyDest)
	c.writeState = AccessCopySource
	c.readState = AccessCopyDest

	rec.CopyBuffer(c.readMirror, c.writeMirror)

	rec.TransitionBarrier(c.readMirror, c.readState, AccessCommon)
	c.readState = AccessCommon

	c.writeOpen = false

	return nil
}

// Destroy verifies that every allocation was freed before the channel goes away.
// Remaining allocations are logged individually at Error level and an error is returned;
// the mirrors remain owned by the Device.
func (c *ReadbackChannel) Destroy() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.alloc.IsEmpty() {
		return nil
	}

	_ = c.alloc.VisitAllRegions(func(offset, size int, free bool) error {
		if free {
			return nil
		}

		c.logger.Error("[UNRELEASED MEMORY] unfreed allocation",
			slog.String("channel", c.name),
			slog.Int("offset", offset+reservedOffset),
			slog.Int("size", size))
		return nil
	})

	return errors.Errorf("%s: %d allocations were not freed before the destruction of this channel", c.name, c.alloc.AllocationCount())
}
