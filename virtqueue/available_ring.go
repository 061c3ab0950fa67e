package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// availableRingFlag is a flag that describes an [AvailableRing].
type availableRingFlag uint16

const (
	// availableRingFlagNoInterrupt is used by the guest to advise the host to
	// not interrupt it when consuming a buffer. It's unreliable, so it's simply
	// an optimization.
	availableRingFlagNoInterrupt availableRingFlag = 1 << iota
)

// availableRingSize is the number of bytes needed to store an [AvailableRing]
// with the given queue size in memory.
func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// availableRingAlignment is the alignment this package places the ring at. The
// wire format only needs 2, the header word is accessed as one 32-bit atomic.
const availableRingAlignment = 4

// AvailableRing is used by the driver to offer descriptor chains to the device.
// Each ring entry refers to the head of a descriptor chain. It is only written
// to by the driver and read by the device.
type AvailableRing struct {
	// header holds the flags in the low and the index in the high half.
	header *uint32
	// ring references chain heads. It wraps around at queue size.
	ring []uint16
	// usedEvent is reserved, event indexes are never negotiated.
	usedEvent *uint16

	// flags and index shadow the header. The driver is the only writer.
	flags availableRingFlag
	index uint16
}

// newAvailableRing creates an available ring that uses the given underlying
// memory. The length of the memory slice must match the size needed for the
// ring (see [availableRingSize]) for the given queue size.
func newAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		header:    (*uint32)(unsafe.Pointer(&mem[0])),
		ring:      unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

func (r *AvailableRing) store() {
	atomic.StoreUint32(r.header, uint32(r.flags)|uint32(r.index)<<16)
}

// place writes head into the slot the next index will cover. The device does
// not look at it until publish.
func (r *AvailableRing) place(head uint16) {
	// The 16-bit index overflows on purpose. The ring length is a power of 2,
	// so the modulo stays continuous across the wrap.
	r.ring[r.index%uint16(len(r.ring))] = head
}

// publish makes the placed entry visible by advancing the index.
func (r *AvailableRing) publish() {
	r.index++
	r.store()
}

func (r *AvailableRing) setFlag(f availableRingFlag, on bool) {
	if on {
		r.flags |= f
	} else {
		r.flags &^= f
	}
	r.store()
}

func (r *AvailableRing) reset() {
	r.flags = 0
	r.index = 0
	r.store()
	*r.usedEvent = 0
}
