package simdevice

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

var le = binary.LittleEndian

// ErrBadChain is returned when the driver offered a descriptor chain the
// device cannot follow.
var ErrBadChain = errors.New("malformed descriptor chain")

const (
	descFNext     = 1 // buffer continues via the next field
	descFWrite    = 2 // buffer is device write-only (otherwise read-only)
	descFIndirect = 4 // buffer contains a descriptor table

	availFNoInterrupt = 1 // driver does not want used buffer interrupts
	usedFNoNotify     = 1 // device does not want doorbells

	descSize = 16
)

// Buffer is one descriptor of a chain as the device sees it.
type Buffer struct {
	Addr     uint64
	Bytes    []byte
	Writable bool
}

// ring is the device half of one split virtqueue.
type ring struct {
	l sync.Mutex

	index int
	size  uint16

	desc        []byte
	availHeader *uint32
	availRing   []byte
	usedHeader  *uint32
	usedRing    []byte

	lastAvail uint16
	usedIdx   uint16
}

func newRing(mem Memory, index int, q queueState) (*ring, error) {
	desc, err := mem.MemAt(q.descAddr, descSize*int(q.num))
	if err != nil {
		return nil, fmt.Errorf("descriptor area: %w", err)
	}
	avail, err := mem.MemAt(q.driverAddr, 6+2*int(q.num))
	if err != nil {
		return nil, fmt.Errorf("driver area: %w", err)
	}
	used, err := mem.MemAt(q.deviceAddr, 6+8*int(q.num))
	if err != nil {
		return nil, fmt.Errorf("device area: %w", err)
	}
	if q.driverAddr%4 != 0 || q.deviceAddr%4 != 0 {
		return nil, fmt.Errorf("ring headers at %#x and %#x are not word aligned", q.driverAddr, q.deviceAddr)
	}

	r := &ring{
		index:       index,
		size:        uint16(q.num),
		desc:        desc,
		availHeader: (*uint32)(unsafe.Pointer(&avail[0])),
		availRing:   avail[4:],
		usedHeader:  (*uint32)(unsafe.Pointer(&used[0])),
		usedRing:    used[4:],
	}

	// Pick up where the ring indexes are, they are not required to start at
	// zero.
	r.lastAvail = uint16(atomic.LoadUint32(r.availHeader) >> 16)
	r.usedIdx = uint16(atomic.LoadUint32(r.usedHeader) >> 16)
	return r, nil
}

// available returns the head of the next chain the driver offered.
func (r *ring) available() (uint16, bool) {
	h := atomic.LoadUint32(r.availHeader)
	if uint16(h>>16) == r.lastAvail {
		return 0, false
	}
	slot := r.lastAvail % r.size
	r.lastAvail++
	return le.Uint16(r.availRing[2*int(slot):]), true
}

func (r *ring) interruptsSuppressed() bool {
	return atomic.LoadUint32(r.availHeader)&availFNoInterrupt != 0
}

type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func readDescriptor(table []byte, i uint16) descriptor {
	b := table[descSize*int(i):]
	return descriptor{
		addr:  le.Uint64(b),
		len:   le.Uint32(b[8:]),
		flags: le.Uint16(b[12:]),
		next:  le.Uint16(b[14:]),
	}
}

// chain resolves the descriptors reachable from head, following an indirect
// table if the head points to one.
func (r *ring) chain(mem Memory, head uint16) ([]Buffer, error) {
	if head >= r.size {
		return nil, fmt.Errorf("%w: head %d out of range", ErrBadChain, head)
	}

	table, limit := r.desc, r.size
	d := readDescriptor(table, head)

	if d.flags&descFIndirect != 0 {
		if d.flags&descFNext != 0 {
			return nil, fmt.Errorf("%w: indirect descriptor %d has a successor", ErrBadChain, head)
		}
		if d.len == 0 || d.len%descSize != 0 {
			return nil, fmt.Errorf("%w: indirect table length %d", ErrBadChain, d.len)
		}
		t, err := mem.MemAt(d.addr, int(d.len))
		if err != nil {
			return nil, fmt.Errorf("%w: indirect table: %w", ErrBadChain, err)
		}
		table, limit = t, uint16(d.len/descSize)
		d = readDescriptor(table, 0)
	}

	var chain []Buffer
	for {
		if d.flags&descFIndirect != 0 {
			return nil, fmt.Errorf("%w: nested indirect descriptor in chain %d", ErrBadChain, head)
		}
		b, err := mem.MemAt(d.addr, int(d.len))
		if err != nil {
			return nil, fmt.Errorf("%w: buffer %d of chain %d: %w", ErrBadChain, len(chain), head, err)
		}
		chain = append(chain, Buffer{Addr: d.addr, Bytes: b, Writable: d.flags&descFWrite != 0})

		if d.flags&descFNext == 0 {
			return chain, nil
		}
		if d.next >= limit || len(chain) == int(limit) {
			return nil, fmt.Errorf("%w: chain %d does not terminate", ErrBadChain, head)
		}
		d = readDescriptor(table, d.next)
	}
}

// use returns a chain to the driver. The element is written before the index
// is published.
func (r *ring) use(head uint16, written uint32) {
	e := r.usedRing[8*int(r.usedIdx%r.size):]
	le.PutUint32(e, uint32(head))
	le.PutUint32(e[4:], written)

	r.usedIdx++
	flags := atomic.LoadUint32(r.usedHeader) & 0xffff
	atomic.StoreUint32(r.usedHeader, flags|uint32(r.usedIdx)<<16)
}

func (r *ring) setNoNotify(on bool) {
	h := atomic.LoadUint32(r.usedHeader)
	if on {
		h |= usedFNoNotify
	} else {
		h &^= usedFNoNotify
	}
	atomic.StoreUint32(r.usedHeader, h)
}
