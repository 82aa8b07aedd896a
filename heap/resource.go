package heap

import "unsafe"

// BufferCreateInfo describes the linear buffer a Device should create to back a heap's
// arena
type BufferCreateInfo struct {
	// Size is the buffer size in bytes
	Size int
	// Kind selects the sort of memory the buffer is placed in
	Kind BackingKind
	// Capabilities declare what the buffer will be used for
	Capabilities CapabilityFlags
	// InitialState is the access state the buffer is created in
	InitialState AccessState
	// Name identifies the buffer in backing-store debug tooling
	Name string
}

// Resource is a single linear buffer created by a Device. The heap borrows the resource
// for its own lifetime and never takes ownership- destruction remains the Device's
// business.
type Resource interface {
	// Size returns the buffer size in bytes
	Size() int
	// MappedPtr returns the persistently-mapped host pointer for the buffer, or nil if
	// the buffer is not host-visible
	MappedPtr() unsafe.Pointer
	// DeviceAddress returns the buffer's base address in the device's address space, or
	// 0 if the backing store does not expose one
	DeviceAddress() uint64
}

// WriteTracker is an optional capability of Resource. When the backing store supports
// manual write tracking (a hint for GPU capture tools), the resource implements this
// interface and heaps forward TrackWrite calls to it.
type WriteTracker interface {
	// TrackWrite records that the byte range [begin, end) of the buffer was written
	// through its mapped pointer
	TrackWrite(begin, end int)
}

// Device creates backing resources for heaps. Implementations wrap a real GPU device;
// the heap layer only ever asks it for linear buffers.
type Device interface {
	CreateBuffer(info BufferCreateInfo) (Resource, error)
}

// CommandRecorder records access-state transitions and copies into some command
// sequence that will later execute on the device, in recording order. Heaps only
// sequence commands relative to each other- submission and completion signaling belong
// to the consumer.
type CommandRecorder interface {
	// TransitionBarrier records a transition of r from the before state to the after
	// state
	TransitionBarrier(r Resource, before, after AccessState)
	// AccessBarrier records a barrier that orders unordered-access writes to r before
	// subsequent reads of it, without changing its state
	AccessBarrier(r Resource)
	// CopyBuffer records a full-resource copy from src to dst. The recorder may assume
	// src is in AccessCopySource and dst is in AccessCopyDest.
	CopyBuffer(dst, src Resource)
}
