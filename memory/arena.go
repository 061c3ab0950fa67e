package memory

import (
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sys/unix"
)

type extent struct {
	off  uint64
	size uint64
}

// Arena carves regions out of a single mapping that is presented to the device
// at a fixed bus base address. It also translates bus addresses back to bytes,
// which is what a device-side ring walker needs.
type Arena struct {
	base uint64
	mem  []byte

	l    sync.Mutex
	free []extent
	used map[uint64]uint64
}

// NewArena maps size bytes and exposes them at bus address base. base must be
// page aligned.
func NewArena(size int, base uint64) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena size %d must be positive", size)
	}
	if base%uint64(PageSize) != 0 {
		return nil, fmt.Errorf("arena base %#x is not page aligned", base)
	}

	length := int(alignUp(uint64(size), uint64(PageSize)))
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("map arena: %w", err)
	}

	return &Arena{
		base: base,
		mem:  mem,
		free: []extent{{off: 0, size: uint64(length)}},
		used: make(map[uint64]uint64),
	}, nil
}

// Base returns the bus address of the first byte of the arena.
func (a *Arena) Base() uint64 {
	return a.base
}

// Size returns the number of bytes managed by the arena.
func (a *Arena) Size() int {
	return len(a.mem)
}

func (a *Arena) Alloc(size, align int) (Region, error) {
	if err := checkRequest(size, align); err != nil {
		return Region{}, err
	}

	a.l.Lock()
	defer a.l.Unlock()

	want := uint64(size)
	for i, e := range a.free {
		start := alignUp(a.base+e.off, uint64(align)) - a.base
		pad := start - e.off
		if pad+want > e.size {
			continue
		}

		var pieces []extent
		if pad > 0 {
			pieces = append(pieces, extent{off: e.off, size: pad})
		}
		if rest := e.size - pad - want; rest > 0 {
			pieces = append(pieces, extent{off: start + want, size: rest})
		}
		a.free = slices.Replace(a.free, i, i+1, pieces...)
		a.used[start] = want

		b := a.mem[start : start+want : start+want]
		clear(b)
		return Region{Bytes: b, Addr: a.base + start}, nil
	}

	return Region{}, fmt.Errorf("%w: no free extent of %d bytes aligned to %d", ErrOutOfMemory, size, align)
}

func (a *Arena) Free(r Region) error {
	if r.Addr < a.base {
		return fmt.Errorf("%w: %#x is below the arena base", ErrInvalidRegion, r.Addr)
	}
	off := r.Addr - a.base

	a.l.Lock()
	defer a.l.Unlock()

	size, ok := a.used[off]
	if !ok {
		return fmt.Errorf("%w: %#x was not allocated", ErrInvalidRegion, r.Addr)
	}
	delete(a.used, off)

	i, _ := slices.BinarySearchFunc(a.free, off, func(e extent, off uint64) int {
		switch {
		case e.off < off:
			return -1
		case e.off > off:
			return 1
		}
		return 0
	})
	a.free = slices.Insert(a.free, i, extent{off: off, size: size})

	// Merge with the following extent, then with the preceding one.
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = slices.Delete(a.free, i+1, i+2)
	}
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = slices.Delete(a.free, i, i+1)
	}
	return nil
}

// MemAt translates the bus address range [addr, addr+size) into bytes.
func (a *Arena) MemAt(addr uint64, size int) ([]byte, error) {
	if size < 0 || addr < a.base || addr-a.base+uint64(size) > uint64(len(a.mem)) {
		return nil, fmt.Errorf("%w: [%#x, +%d) is outside the arena", ErrInvalidRegion, addr, size)
	}
	off := addr - a.base
	return a.mem[off : off+uint64(size) : off+uint64(size)], nil
}

// Available returns the number of unallocated bytes.
func (a *Arena) Available() int {
	a.l.Lock()
	defer a.l.Unlock()

	var n uint64
	for _, e := range a.free {
		n += e.size
	}
	return int(n)
}

// Extents returns the number of free extents, a measure of fragmentation.
func (a *Arena) Extents() int {
	a.l.Lock()
	defer a.l.Unlock()
	return len(a.free)
}

// Close unmaps the arena. Regions handed out become invalid.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
