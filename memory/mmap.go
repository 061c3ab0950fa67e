package memory

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mmap allocates each region as its own anonymous mapping. The bus address is
// the virtual address of the mapping, which matches an identity-mapped device
// such as vhost in the same process.
type Mmap struct {
	l      sync.Mutex
	active map[uint64][]byte
}

// NewMmap returns an allocator backed by anonymous mappings.
func NewMmap() *Mmap {
	return &Mmap{active: make(map[uint64][]byte)}
}

func (m *Mmap) Alloc(size, align int) (Region, error) {
	if err := checkRequest(size, align); err != nil {
		return Region{}, err
	}
	if align > PageSize {
		return Region{}, fmt.Errorf("alignment %d exceeds the page size %d", align, PageSize)
	}

	length := int(alignUp(uint64(size), uint64(PageSize)))
	buf, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return Region{}, fmt.Errorf("%w: mmap %d bytes: %w", ErrOutOfMemory, length, err)
	}

	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	m.l.Lock()
	m.active[addr] = buf
	m.l.Unlock()

	return Region{Bytes: buf[:size:size], Addr: addr}, nil
}

func (m *Mmap) Free(r Region) error {
	m.l.Lock()
	buf, ok := m.active[r.Addr]
	delete(m.active, r.Addr)
	m.l.Unlock()

	if !ok {
		return fmt.Errorf("%w: no mapping at %#x", ErrInvalidRegion, r.Addr)
	}
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("munmap %#x: %w", r.Addr, err)
	}
	return nil
}

// Active returns the number of regions that have not been freed.
func (m *Mmap) Active() int {
	m.l.Lock()
	defer m.l.Unlock()
	return len(m.active)
}
