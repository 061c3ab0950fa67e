package virtqueue

// descriptorFlag is a flag that describes a [Descriptor].
type descriptorFlag uint16

const (
	// descriptorFlagHasNext marks a descriptor chain as continuing via the next
	// field.
	descriptorFlagHasNext descriptorFlag = 1 << iota
	// descriptorFlagWritable marks a buffer as device write-only (otherwise
	// device read-only).
	descriptorFlagWritable
	// descriptorFlagIndirect means the buffer contains a table of descriptors
	// instead of data. Only allowed when indirect descriptors were negotiated.
	descriptorFlagIndirect
)

// descriptorSize is the number of bytes needed to store a [Descriptor] in
// memory.
const descriptorSize = 16

// Descriptor is the in-memory form of one buffer reference. The layout matches
// the wire format on little-endian hosts.
type Descriptor struct {
	// address is the bus address of the buffer, or of an indirect table.
	address uint64
	// length is the size of the buffer in bytes.
	length uint32
	flags  descriptorFlag
	// next is the index of the following descriptor when
	// [descriptorFlagHasNext] is set. Free descriptors use it to form the free
	// list.
	next uint16
}

// Fragment is one piece of a request as handed to [SplitQueue.Submit].
type Fragment struct {
	// Addr is the bus address of the buffer.
	Addr uint64
	// Len is the size of the buffer in bytes. Must not be zero.
	Len uint32
	// Writable marks the buffer as written by the device.
	Writable bool
}

func (f Fragment) flags() descriptorFlag {
	if f.Writable {
		return descriptorFlagWritable
	}
	return 0
}
