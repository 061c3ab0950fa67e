package virtqueue

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// usedRingFlag is a flag that describes a [UsedRing].
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is used by the host to advise the guest to not
	// kick it when adding a buffer. It's unreliable, so it's simply an
	// optimization.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a [UsedRing] with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// usedRingAlignment is the alignment of the used ring in the legacy
// contiguous layout.
const usedRingAlignment = 4096

// UsedRing is where the device returns descriptor chains once it is done with
// them. Each ring entry is a [UsedElement]. It is only written to by the device
// and read by the driver.
type UsedRing struct {
	// header holds the flags in the low and the index in the high half.
	header *uint32
	// ring contains the [UsedElement]s. It wraps around at queue size.
	ring []UsedElement
	// availableEvent is reserved, event indexes are never negotiated.
	availableEvent *uint16

	// lastIndex is the index up to which all [UsedElement]s were reaped.
	lastIndex uint16
}

// newUsedRing creates a used ring that uses the given underlying memory. The
// length of the memory slice must match the size needed for the ring (see
// [usedRingSize]) for the given queue size.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	return &UsedRing{
		header:         (*uint32)(unsafe.Pointer(&mem[0])),
		ring:           unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availableEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}

// load returns the device's flags and index with one atomic read.
func (r *UsedRing) load() (usedRingFlag, uint16) {
	h := atomic.LoadUint32(r.header)
	return usedRingFlag(h), uint16(h >> 16)
}

// pending returns how many elements the device has added since the last reap.
// The subtraction wraps with the 16-bit index.
func (r *UsedRing) pending(index uint16) int {
	return int(index - r.lastIndex)
}

// element returns the next element to reap. Callers must have observed the
// index covering it and passed the acquire barrier.
func (r *UsedRing) element() UsedElement {
	return r.ring[r.lastIndex%uint16(len(r.ring))]
}

// reset zeroes the header. Only valid while the device is stopped.
func (r *UsedRing) reset() {
	atomic.StoreUint32(r.header, 0)
	*r.availableEvent = 0
	r.lastIndex = 0
}
