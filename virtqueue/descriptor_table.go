package virtqueue

import (
	"fmt"
	"math"
	"unsafe"
)

// noFreeHead marks an empty free list. The value is impossible as an index,
// because it exceeds the maximum queue size.
const noFreeHead = uint16(math.MaxUint16)

// noTable marks a chain that does not use an indirect table.
const noTable = -1

// descriptorTableSize is the number of bytes needed to store a
// [DescriptorTable] with the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a [DescriptorTable]
// in memory, as virtio 1.2 requires.
const descriptorTableAlignment = 16

// slotState tracks who owns a descriptor index. It lives in driver memory so
// the device cannot forge it.
type slotState uint8

const (
	slotFree slotState = iota
	slotHead
	slotLink
)

// chain is the driver side record of an in-flight chain, indexed by its head.
type chain struct {
	token  any
	length uint16
	table  int
}

// DescriptorTable holds the [Descriptor]s of a queue and the free list
// threaded through the next fields of the unused ones.
//
// The device can write to the table, so the driver keeps its own copy of
// every next field in links and of the chain head each descriptor belongs to
// in owners. Chains and the free list are only ever walked through links. The
// shared next fields are written from links and compared against them.
type DescriptorTable struct {
	descriptors []Descriptor
	slots       []slotState
	links       []uint16
	owners      []uint16
	chains      []chain

	// freeHead is the first free descriptor, or noFreeHead.
	freeHead uint16
	// freeTail is the last free descriptor. Its next field points back at
	// freeHead.
	freeTail uint16
	freeNum  int
}

// newDescriptorTable creates a descriptor table that uses the given underlying
// memory. The Length of the memory slice must match the size needed for the
// descriptor table (see [descriptorTableSize]) for the given queue size.
//
// Before this descriptor table can be used, [initialize] must be called.
func newDescriptorTable(queueSize int, mem []byte) *DescriptorTable {
	dtSize := descriptorTableSize(queueSize)
	if len(mem) != dtSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), dtSize))
	}

	return &DescriptorTable{
		descriptors: unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize),
		slots:       make([]slotState, queueSize),
		links:       make([]uint16, queueSize),
		owners:      make([]uint16, queueSize),
		chains:      make([]chain, queueSize),
		freeHead:    noFreeHead,
		freeTail:    noFreeHead,
	}
}

// initialize marks all descriptors free. They form a free list that loops
// around, starting at index 0.
func (dt *DescriptorTable) initialize() {
	size := len(dt.descriptors)
	for i := range dt.descriptors {
		dt.descriptors[i] = Descriptor{flags: descriptorFlagHasNext}
		dt.link(uint16(i), uint16((i+1)%size))
		dt.slots[i] = slotFree
		dt.owners[i] = noFreeHead
		dt.chains[i] = chain{table: noTable}
	}

	dt.freeHead = 0
	dt.freeTail = uint16(size - 1)
	dt.freeNum = size
}

// link points idx at next, in both the driver copy and shared memory.
func (dt *DescriptorTable) link(idx, next uint16) {
	dt.links[idx] = next
	dt.descriptors[idx].next = next
}

// checkFree compares the first n links of the free list with what the device
// sees, without modifying anything.
func (dt *DescriptorTable) checkFree(n int) string {
	idx := dt.freeHead
	for range n {
		next := dt.descriptors[idx].next
		switch {
		case int(next) >= len(dt.descriptors):
			return fmt.Sprintf("free list link %d points outside the table", next)
		case next != dt.links[idx]:
			return fmt.Sprintf("free descriptor %d was relinked to %d", idx, next)
		}
		idx = dt.links[idx]
	}
	return ""
}

// take removes n descriptors from the head of the free list and marks them as
// one chain. The links already in place are reused as the chain links.
func (dt *DescriptorTable) take(n int) uint16 {
	head := dt.freeHead
	idx := head
	for i := range n {
		if i == 0 {
			dt.slots[idx] = slotHead
		} else {
			dt.slots[idx] = slotLink
		}
		dt.owners[idx] = head
		idx = dt.links[idx]
	}

	dt.freeNum -= n
	if dt.freeNum == 0 {
		dt.freeHead = noFreeHead
		dt.freeTail = noFreeHead
	} else {
		dt.freeHead = idx
		dt.link(dt.freeTail, idx)
	}
	return head
}

// writeDirect builds a chain of len(frags) descriptors.
func (dt *DescriptorTable) writeDirect(frags []Fragment) uint16 {
	head := dt.take(len(frags))

	idx := head
	for i, f := range frags {
		d := &dt.descriptors[idx]
		d.address = f.Addr
		d.length = f.Len
		d.flags = f.flags()
		d.next = dt.links[idx]
		if i < len(frags)-1 {
			d.flags |= descriptorFlagHasNext
		}
		idx = dt.links[idx]
	}

	dt.chains[head] = chain{length: uint16(len(frags)), table: noTable}
	return head
}

// writeIndirect builds a single descriptor chain that points at an indirect
// table holding n descriptors.
func (dt *DescriptorTable) writeIndirect(table int, addr uint64, n int) uint16 {
	head := dt.take(1)

	d := &dt.descriptors[head]
	d.address = addr
	d.length = uint32(descriptorSize * n)
	d.flags = descriptorFlagIndirect

	dt.chains[head] = chain{length: 1, table: table}
	return head
}

// validate walks the chain at head through the driver links and checks what
// the device sees against them, without modifying anything. It returns a
// reason on failure.
func (dt *DescriptorTable) validate(head uint32, tableAddr func(int) uint64) string {
	size := len(dt.descriptors)
	if head >= uint32(size) {
		return fmt.Sprintf("head is outside the table of %d", size)
	}
	if dt.slots[head] != slotHead {
		return "head is not in flight"
	}

	c := dt.chains[head]
	idx := uint16(head)
	for step := 1; ; step++ {
		d := dt.descriptors[idx]
		if d.flags&descriptorFlagIndirect != 0 {
			if c.table == noTable || d.address != tableAddr(c.table) {
				return fmt.Sprintf("indirect address %#x is not a lent table", d.address)
			}
		} else if c.table != noTable {
			return "indirect flag was cleared"
		}

		last := step == int(c.length)
		if d.flags&descriptorFlagHasNext == 0 {
			if !last {
				return fmt.Sprintf("chain has %d descriptors, submitted %d", step, c.length)
			}
			return ""
		}
		if last || d.next != dt.links[idx] {
			return dt.badLink(uint16(head), d.next)
		}

		idx = dt.links[idx]
	}
}

// badLink explains why the chain at head must not continue at next.
func (dt *DescriptorTable) badLink(head, next uint16) string {
	switch {
	case int(next) >= len(dt.descriptors):
		return fmt.Sprintf("link %d points outside the table", next)
	case dt.slots[next] != slotLink:
		return fmt.Sprintf("descriptor %d is not part of an in-flight chain", next)
	case dt.owners[next] != head:
		return fmt.Sprintf("descriptor %d belongs to the chain at %d", next, dt.owners[next])
	default:
		return fmt.Sprintf("descriptor %d is linked out of order", next)
	}
}

// release returns a validated chain to the tail of the free list and reports
// the token and the indirect table it held.
func (dt *DescriptorTable) release(head uint16) chain {
	c := dt.chains[head]
	dt.chains[head] = chain{table: noTable}

	idx := head
	for i := range int(c.length) {
		dt.slots[idx] = slotFree
		dt.owners[idx] = noFreeHead
		dt.descriptors[idx] = Descriptor{flags: descriptorFlagHasNext, next: dt.links[idx]}
		if i < int(c.length)-1 {
			idx = dt.links[idx]
		}
	}

	// The chain's own links already connect head to idx.
	if dt.freeNum == 0 {
		dt.freeHead = head
	} else {
		dt.link(dt.freeTail, head)
	}
	dt.freeTail = idx
	dt.link(idx, dt.freeHead)
	dt.freeNum += int(c.length)

	return c
}

// abandon forgets every in-flight chain and reports the indirect tables they
// held. The descriptors are left for initialize.
func (dt *DescriptorTable) abandon(releaseTable func(int)) {
	for i := range dt.chains {
		if dt.slots[i] == slotHead && dt.chains[i].table != noTable {
			releaseTable(dt.chains[i].table)
		}
		dt.chains[i] = chain{table: noTable}
	}
}

// inFlight returns the number of outstanding chains.
func (dt *DescriptorTable) inFlight() int {
	n := 0
	for _, s := range dt.slots {
		if s == slotHead {
			n++
		}
	}
	return n
}
