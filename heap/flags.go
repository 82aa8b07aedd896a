package heap

import "github.com/vkngwrapper/core/v2/common"

// BackingKind identifies which sort of memory the backing store should place a heap's
// arena in
type BackingKind uint32

const (
	// BackingDeviceLocal places the arena in device-local memory. The arena is generally
	// not host-visible, so Heap.MappedPtr will return nil.
	BackingDeviceLocal BackingKind = iota
	// BackingHostUpload places the arena in host-visible memory optimized for CPU writes
	// and GPU reads. The backing resource must be persistently mapped.
	BackingHostUpload
	// BackingHostReadback places the arena in host-visible memory optimized for GPU
	// writes and CPU reads. The backing resource must be persistently mapped.
	BackingHostReadback
)

var backingKindMapping = map[BackingKind]string{
	BackingDeviceLocal:  "BackingDeviceLocal",
	BackingHostUpload:   "BackingHostUpload",
	BackingHostReadback: "BackingHostReadback",
}

func (k BackingKind) String() string {
	str, ok := backingKindMapping[k]
	if !ok {
		return "unknown BackingKind"
	}

	return str
}

// AccessState is the single mutually-exclusive access state a backing resource is in at
// any point in a command-recording sequence. Transitions between states are issued
// through CommandRecorder.TransitionBarrier.
type AccessState uint32

const (
	// AccessCommon is the neutral/idle state
	AccessCommon AccessState = iota
	// AccessUnorderedAccess permits arbitrary GPU reads and writes
	AccessUnorderedAccess
	// AccessCopySource permits the resource to be the source of a copy
	AccessCopySource
	// AccessCopyDest permits the resource to be the destination of a copy
	AccessCopyDest
	// AccessGenericRead permits any GPU read access
	AccessGenericRead
)

var accessStateMapping = map[AccessState]string{
	AccessCommon:          "AccessCommon",
	AccessUnorderedAccess: "AccessUnorderedAccess",
	AccessCopySource:      "AccessCopySource",
	AccessCopyDest:        "AccessCopyDest",
	AccessGenericRead:     "AccessGenericRead",
}

func (s AccessState) String() string {
	str, ok := accessStateMapping[s]
	if !ok {
		return "unknown AccessState"
	}

	return str
}

// CapabilityFlags declare what a heap's backing resource will be used for, so the
// backing store can create it accordingly
type CapabilityFlags int32

var capabilityFlagsMapping = common.NewFlagStringMapping[CapabilityFlags]()

func (f CapabilityFlags) Register(str string) {
	capabilityFlagsMapping.Register(f, str)
}
func (f CapabilityFlags) String() string {
	return capabilityFlagsMapping.FlagsToString(f)
}

const (
	// CapabilityUnorderedAccess requests a resource that shaders may write to through
	// unordered access
	CapabilityUnorderedAccess CapabilityFlags = 1 << iota
	// CapabilityAccelerationStructure requests a resource suitable for holding
	// raytracing acceleration structures
	CapabilityAccelerationStructure
)

func init() {
	CapabilityUnorderedAccess.Register("CapabilityUnorderedAccess")
	CapabilityAccelerationStructure.Register("CapabilityAccelerationStructure")
}

// CreateFlags indicate specific heap behaviors to activate or deactivate
type CreateFlags int32

var heapCreateFlagsMapping = common.NewFlagStringMapping[CreateFlags]()

func (f CreateFlags) Register(str string) {
	heapCreateFlagsMapping.Register(f, str)
}
func (f CreateFlags) String() string {
	return heapCreateFlagsMapping.FlagsToString(f)
}

const (
	// HeapCreateExternallySynchronized ensures that this heap will not be synchronized
	// internally. The consumer must guarantee the heap is used from only one thread at a
	// time or is synchronized by some other mechanism, but performance may improve
	// because internal mutexes are not used.
	HeapCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	HeapCreateExternallySynchronized.Register("HeapCreateExternallySynchronized")
}
