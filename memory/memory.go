// Package memory provides the bus-memory boundary used by virtqueues: an
// [Allocator] hands out [Region]s that carry both a Go view of the bytes and
// the address a device uses to reach them.
package memory

import (
	"errors"
	"fmt"
	"os"
)

// ErrOutOfMemory is returned when an allocator cannot satisfy a request.
var ErrOutOfMemory = errors.New("out of memory")

// ErrInvalidRegion is returned when a region is freed that was not handed out
// by the allocator, or when a bus address does not translate.
var ErrInvalidRegion = errors.New("invalid memory region")

// PageSize is the alignment used for ring memory.
var PageSize = os.Getpagesize()

// Region is a contiguous block of bus-addressable memory.
type Region struct {
	// Bytes is the driver's view of the memory.
	Bytes []byte
	// Addr is the address the device uses for the first byte.
	Addr uint64
}

// Len returns the size of the region in bytes.
func (r Region) Len() int {
	return len(r.Bytes)
}

// Slice returns the sub-region [off, off+size).
func (r Region) Slice(off, size int) Region {
	return Region{Bytes: r.Bytes[off : off+size : off+size], Addr: r.Addr + uint64(off)}
}

// Allocator hands out zeroed, bus-addressable memory. Implementations must be
// safe for concurrent use.
type Allocator interface {
	// Alloc returns a zeroed region of at least size bytes whose Addr is a
	// multiple of align. align must be a power of two.
	Alloc(size, align int) (Region, error)
	// Free returns a region obtained from Alloc.
	Free(Region) error
}

func checkRequest(size, align int) error {
	if size <= 0 {
		return fmt.Errorf("%w: size %d must be positive", ErrOutOfMemory, size)
	}
	if align <= 0 || align&(align-1) != 0 {
		return fmt.Errorf("alignment %d is not a power of two", align)
	}
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
