package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MappedRegisters is a register window mapped from a file, such as a UIO
// device node or a shared memory file exported by a VMM.
type MappedRegisters struct {
	mem []byte
}

// MapRegisters maps size bytes of the file at path starting at offset.
func MapRegisters(path string, offset int64, size int) (*MappedRegisters, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open register file: %w", err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map registers of %s: %w", path, err)
	}

	return &MappedRegisters{mem: mem}, nil
}

func (m *MappedRegisters) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&m.mem[off&^3]))
}

func (m *MappedRegisters) Read8(off int) uint8 {
	return uint8(atomic.LoadUint32(m.word(off)) >> (8 * (off & 3)))
}

func (m *MappedRegisters) Read16(off int) uint16 {
	return uint16(atomic.LoadUint32(m.word(off)) >> (8 * (off & 2)))
}

func (m *MappedRegisters) Read32(off int) uint32 {
	return atomic.LoadUint32(m.word(off))
}

func (m *MappedRegisters) Write8(off int, v uint8) {
	*(*uint8)(unsafe.Pointer(&m.mem[off])) = v
}

func (m *MappedRegisters) Write16(off int, v uint16) {
	*(*uint16)(unsafe.Pointer(&m.mem[off&^1])) = v
}

func (m *MappedRegisters) Write32(off int, v uint32) {
	atomic.StoreUint32(m.word(off), v)
}

// Close unmaps the window.
func (m *MappedRegisters) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
