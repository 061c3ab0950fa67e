package virtqueue

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/vring/memory"
)

// IndirectPool is a fixed set of indirect descriptor tables carved out of one
// region of bus memory. A table is lent to exactly one request and returned
// when that request is reaped. A pool may be shared by several queues, so
// lending is guarded by a mutex.
type IndirectPool struct {
	mem      memory.Allocator
	region   memory.Region
	capacity int

	l      sync.Mutex
	lent   []bool
	free   []int
	tables [][]Descriptor

	inUse metrics.Gauge
}

// NewIndirectPool allocates count tables of capacity descriptors each. The
// gauge name is vring.indirect.<name>.in_use.
func NewIndirectPool(mem memory.Allocator, count, capacity int, name string, reg metrics.Registry) (*IndirectPool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: indirect pool needs at least one table, got %d", ErrInvalidArgument, count)
	}
	if capacity <= 0 || capacity > MaxQueueSize {
		return nil, fmt.Errorf("%w: indirect table capacity %d out of range", ErrInvalidArgument, capacity)
	}
	if reg == nil {
		reg = metrics.DefaultRegistry
	}

	tableSize := descriptorSize * capacity
	region, err := mem.Alloc(tableSize*count, descriptorTableAlignment)
	if err != nil {
		return nil, fmt.Errorf("allocate %d indirect tables: %w", count, err)
	}

	p := &IndirectPool{
		mem:      mem,
		region:   region,
		capacity: capacity,
		lent:     make([]bool, count),
		free:     make([]int, 0, count),
		tables:   make([][]Descriptor, count),
		inUse:    metrics.GetOrRegisterGauge(fmt.Sprintf("vring.indirect.%s.in_use", name), reg),
	}

	for i := range count {
		b := region.Bytes[i*tableSize : (i+1)*tableSize]
		p.tables[i] = unsafe.Slice((*Descriptor)(unsafe.Pointer(&b[0])), capacity)
	}
	// Lend the lowest index first.
	for i := count - 1; i >= 0; i-- {
		p.free = append(p.free, i)
	}
	p.inUse.Update(0)

	return p, nil
}

// Len returns the number of tables in the pool.
func (p *IndirectPool) Len() int {
	return len(p.tables)
}

// Capacity returns the number of descriptors per table.
func (p *IndirectPool) Capacity() int {
	return p.capacity
}

// InUse returns the number of lent tables.
func (p *IndirectPool) InUse() int {
	p.l.Lock()
	defer p.l.Unlock()
	return len(p.tables) - len(p.free)
}

// addr returns the bus address of table i.
func (p *IndirectPool) addr(i int) uint64 {
	return p.region.Addr + uint64(i*descriptorSize*p.capacity)
}

// lend takes a table out of the pool.
func (p *IndirectPool) lend() (int, bool) {
	p.l.Lock()
	defer p.l.Unlock()

	if len(p.free) == 0 {
		return noTable, false
	}
	i := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.lent[i] = true
	p.inUse.Update(int64(len(p.tables) - len(p.free)))
	return i, true
}

// release returns table i to the pool. Returning a table twice is ignored.
func (p *IndirectPool) release(i int) {
	p.l.Lock()
	defer p.l.Unlock()

	if !p.lent[i] {
		return
	}
	p.lent[i] = false
	clear(p.tables[i])
	p.free = append(p.free, i)
	p.inUse.Update(int64(len(p.tables) - len(p.free)))
}

// write fills table i with frags.
func (p *IndirectPool) write(i int, frags []Fragment) {
	t := p.tables[i]
	for j, f := range frags {
		t[j] = Descriptor{
			address: f.Addr,
			length:  f.Len,
			flags:   f.flags(),
		}
		if j < len(frags)-1 {
			t[j].flags |= descriptorFlagHasNext
			t[j].next = uint16(j + 1)
		}
	}
}

// Close frees the memory of all tables.
func (p *IndirectPool) Close() error {
	if p.region.Bytes == nil {
		return nil
	}
	err := p.mem.Free(p.region)
	p.region = memory.Region{}
	p.tables = nil
	return err
}
