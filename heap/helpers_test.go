package heap_test

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/subheap/heap"
)

// fakeResource backs a heap with plain host memory so tests can inspect the bytes on
// both sides of a copy
type fakeResource struct {
	name   string
	kind   heap.BackingKind
	caps   heap.CapabilityFlags
	data   []byte
	mapped bool
	addr   uint64

	writes [][2]int
}

func (r *fakeResource) Size() int { return len(r.data) }

func (r *fakeResource) MappedPtr() unsafe.Pointer {
	if !r.mapped {
		return nil
	}
	return unsafe.Pointer(&r.data[0])
}

func (r *fakeResource) DeviceAddress() uint64 { return r.addr }

// trackedResource adds the optional write-tracking capability on top of fakeResource
type trackedResource struct {
	*fakeResource
}

func (r trackedResource) TrackWrite(begin, end int) {
	r.fakeResource.writes = append(r.fakeResource.writes, [2]int{begin, end})
}

func rawResource(r heap.Resource) *fakeResource {
	switch res := r.(type) {
	case *fakeResource:
		return res
	case trackedResource:
		return res.fakeResource
	}

	return nil
}

type fakeDevice struct {
	resources []*fakeResource
	nextAddr  uint64

	failCreate  bool
	mapBuffers  bool
	trackWrites bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		nextAddr:   0x10000,
		mapBuffers: true,
	}
}

func (d *fakeDevice) CreateBuffer(info heap.BufferCreateInfo) (heap.Resource, error) {
	if d.failCreate {
		return nil, errors.New("out of device memory")
	}

	r := &fakeResource{
		name:   info.Name,
		kind:   info.Kind,
		caps:   info.Capabilities,
		data:   make([]byte, info.Size),
		mapped: d.mapBuffers && info.Kind != heap.BackingDeviceLocal,
		addr:   d.nextAddr,
	}
	d.nextAddr += uint64(info.Size) + 0x10000
	d.resources = append(d.resources, r)

	if d.trackWrites {
		return trackedResource{r}, nil
	}
	return r, nil
}

func (d *fakeDevice) resource(name string) *fakeResource {
	for _, r := range d.resources {
		if r.name == name {
			return r
		}
	}

	return nil
}

type recordedCommand struct {
	op       string
	resource string
	before   heap.AccessState
	after    heap.AccessState
	src      string
}

// fakeRecorder captures the command sequence and performs copies immediately, standing
// in for deferred execution on a device
type fakeRecorder struct {
	commands []recordedCommand
}

func (rec *fakeRecorder) TransitionBarrier(r heap.Resource, before, after heap.AccessState) {
	rec.commands = append(rec.commands, recordedCommand{
		op:       "transition",
		resource: rawResource(r).name,
		before:   before,
		after:    after,
	})
}

func (rec *fakeRecorder) AccessBarrier(r heap.Resource) {
	rec.commands = append(rec.commands, recordedCommand{
		op:       "accessBarrier",
		resource: rawResource(r).name,
	})
}

func (rec *fakeRecorder) CopyBuffer(dst, src heap.Resource) {
	copy(rawResource(dst).data, rawResource(src).data)
	rec.commands = append(rec.commands, recordedCommand{
		op:       "copy",
		resource: rawResource(dst).name,
		src:      rawResource(src).name,
	})
}
