package virtqueue

import (
	"errors"
	"fmt"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/vring/memory"
)

// Config describes a [SplitQueue].
type Config struct {
	// Index is the queue number within its device. It is used for
	// notifications, metric names and errors.
	Index int
	// Size is the number of descriptors. It must pass [CheckQueueSize].
	Size int
	// Threshold is the number of descriptors kept in reserve: a request that
	// would leave fewer free descriptors than this goes indirect.
	Threshold int
	// Memory provides the ring memory.
	Memory memory.Allocator
	// Indirect is the table pool of the queue. Nil means indirect descriptors
	// were not negotiated.
	Indirect *IndirectPool
	// Notify rings the device doorbell for this queue.
	Notify func()
	// Barriers defaults to [CPUBarriers].
	Barriers Barriers
	// Registry defaults to metrics.DefaultRegistry.
	Registry metrics.Registry
}

type queueMetrics struct {
	submitDirect    metrics.Counter
	submitIndirect  metrics.Counter
	submitRejected  metrics.Counter
	reap            metrics.Counter
	notifySent      metrics.Counter
	notifySuppress  metrics.Counter
	freeDescriptors metrics.Gauge
}

func newQueueMetrics(index int, reg metrics.Registry) queueMetrics {
	name := func(s string) string {
		return fmt.Sprintf("vring.queue.%d.%s", index, s)
	}

	return queueMetrics{
		submitDirect:    metrics.GetOrRegisterCounter(name("submit.direct"), reg),
		submitIndirect:  metrics.GetOrRegisterCounter(name("submit.indirect"), reg),
		submitRejected:  metrics.GetOrRegisterCounter(name("submit.rejected"), reg),
		reap:            metrics.GetOrRegisterCounter(name("reap"), reg),
		notifySent:      metrics.GetOrRegisterCounter(name("notify.sent"), reg),
		notifySuppress:  metrics.GetOrRegisterCounter(name("notify.suppressed"), reg),
		freeDescriptors: metrics.GetOrRegisterGauge(name("free_descriptors"), reg),
	}
}

// SplitQueue is a virtqueue that consists of several parts, where each part is
// writeable by either the driver or the device, but not both.
//
// A SplitQueue is not safe for concurrent use. Submit and Reap never block.
type SplitQueue struct {
	index     int
	size      int
	threshold int

	mem    memory.Allocator
	region memory.Region

	descriptorTable *DescriptorTable
	availableRing   *AvailableRing
	usedRing        *UsedRing

	indirect *IndirectPool
	notify   func()
	barriers Barriers
	metrics  queueMetrics

	// broken holds the first protocol violation. The queue refuses work
	// until Reset.
	broken error
}

// Layout returns the offsets of the available and used rings and the total
// size of a queue with the given size. The descriptor table is at offset 0 and
// the used ring starts on a 4096 byte boundary.
func Layout(queueSize int) (availableOffset, usedOffset, total int) {
	availableOffset = align(descriptorTableSize(queueSize), availableRingAlignment)
	usedOffset = align(availableOffset+availableRingSize(queueSize), usedRingAlignment)
	total = usedOffset + usedRingSize(queueSize)
	return
}

// NewSplitQueue allocates and initializes a [SplitQueue]. No memory is kept
// when it fails.
func NewSplitQueue(cfg Config) (_ *SplitQueue, err error) {
	if err = CheckQueueSize(cfg.Size); err != nil {
		return nil, err
	}
	if cfg.Memory == nil {
		return nil, fmt.Errorf("%w: no memory allocator", ErrInvalidArgument)
	}
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("%w: negative threshold %d", ErrInvalidArgument, cfg.Threshold)
	}

	sq := SplitQueue{
		index:     cfg.Index,
		size:      cfg.Size,
		threshold: cfg.Threshold,
		mem:       cfg.Memory,
		indirect:  cfg.Indirect,
		notify:    cfg.Notify,
		barriers:  cfg.Barriers,
	}
	if sq.notify == nil {
		sq.notify = func() {}
	}
	if sq.barriers == nil {
		sq.barriers = &CPUBarriers{}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = metrics.DefaultRegistry
	}

	availableStart, usedStart, total := Layout(cfg.Size)
	sq.region, err = cfg.Memory.Alloc(total, usedRingAlignment)
	if err != nil {
		return nil, fmt.Errorf("allocate virtqueue %d: %w", cfg.Index, err)
	}

	buf := sq.region.Bytes
	sq.descriptorTable = newDescriptorTable(cfg.Size, buf[:descriptorTableSize(cfg.Size)])
	sq.availableRing = newAvailableRing(cfg.Size, buf[availableStart:availableStart+availableRingSize(cfg.Size)])
	sq.usedRing = newUsedRing(cfg.Size, buf[usedStart:usedStart+usedRingSize(cfg.Size)])
	sq.metrics = newQueueMetrics(cfg.Index, reg)

	sq.descriptorTable.initialize()
	sq.availableRing.reset()
	sq.usedRing.reset()
	sq.metrics.freeDescriptors.Update(int64(cfg.Size))

	return &sq, nil
}

// Index returns the queue number within its device.
func (sq *SplitQueue) Index() int {
	return sq.index
}

// Size returns the size of this queue, which is the number of descriptors.
func (sq *SplitQueue) Size() int {
	return sq.size
}

// FreeCount returns the number of unused descriptors.
func (sq *SplitQueue) FreeCount() int {
	return sq.descriptorTable.freeNum
}

// InFlight returns the number of submitted requests that were not reaped yet.
func (sq *SplitQueue) InFlight() int {
	return sq.descriptorTable.inFlight()
}

// Indirect returns the table pool of the queue, or nil.
func (sq *SplitQueue) Indirect() *IndirectPool {
	return sq.indirect
}

// Addresses returns the bus addresses of the descriptor table, the available
// ring and the used ring.
func (sq *SplitQueue) Addresses() (desc, driver, device uint64) {
	availableStart, usedStart, _ := Layout(sq.size)
	return sq.region.Addr, sq.region.Addr + uint64(availableStart), sq.region.Addr + uint64(usedStart)
}

// Err returns the protocol violation that stopped the queue, if any.
func (sq *SplitQueue) Err() error {
	return sq.broken
}

// useIndirect decides between one indirect descriptor and n direct ones.
func (sq *SplitQueue) useIndirect(n int) bool {
	if sq.indirect == nil {
		return false
	}
	return sq.descriptorTable.freeNum-n < sq.threshold
}

// Submit makes a request of one or more fragments available to the device. The
// token is returned by Reap once the device has used the request. Every check
// happens before shared memory is touched, so a failed Submit changes nothing.
func (sq *SplitQueue) Submit(frags []Fragment, token any) error {
	if sq.broken != nil {
		return sq.broken
	}
	if token == nil {
		return fmt.Errorf("%w: nil token", ErrInvalidArgument)
	}
	if len(frags) == 0 {
		return fmt.Errorf("%w: no fragments", ErrInvalidArgument)
	}
	for i, f := range frags {
		if f.Len == 0 {
			return fmt.Errorf("%w: fragment %d is empty", ErrInvalidArgument, i)
		}
	}

	n := len(frags)
	dt := sq.descriptorTable
	if dt.freeNum == 0 {
		sq.metrics.submitRejected.Inc(1)
		return ErrQueueFull
	}

	indirect := sq.useIndirect(n)
	need := n
	if indirect {
		if n > sq.indirect.Capacity() {
			return fmt.Errorf("%w: %d fragments exceed the indirect table capacity %d",
				ErrInvalidArgument, n, sq.indirect.Capacity())
		}
		need = 1
	} else if n > dt.freeNum {
		sq.metrics.submitRejected.Inc(1)
		return fmt.Errorf("%w: %d fragments, %d descriptors free", ErrQueueFull, n, dt.freeNum)
	}

	if reason := dt.checkFree(need); reason != "" {
		return sq.fail(sq.violation(-1, "%s", reason))
	}

	var head uint16
	if indirect {
		table, ok := sq.indirect.lend()
		if !ok {
			sq.metrics.submitRejected.Inc(1)
			return ErrNoIndirectSlotAvailable
		}
		sq.indirect.write(table, frags)
		head = dt.writeIndirect(table, sq.indirect.addr(table), n)
		sq.metrics.submitIndirect.Inc(1)
	} else {
		head = dt.writeDirect(frags)
		sq.metrics.submitDirect.Inc(1)
	}

	sq.availableRing.place(head)
	dt.chains[head].token = token

	sq.barriers.Publish()
	sq.availableRing.publish()
	sq.barriers.Kick()

	if sq.NotifySuppressed() {
		sq.metrics.notifySuppress.Inc(1)
	} else {
		sq.notify()
		sq.metrics.notifySent.Inc(1)
	}

	sq.metrics.freeDescriptors.Update(int64(dt.freeNum))
	return nil
}

// Reap returns the next request the device has used. ok is false when there is
// nothing new. A *[ProtocolError] means the device broke the ring protocol; the
// queue must be reset before it is used again.
func (sq *SplitQueue) Reap() (_ Completion, ok bool, err error) {
	if sq.broken != nil {
		return Completion{}, false, sq.broken
	}

	_, index := sq.usedRing.load()
	pending := sq.usedRing.pending(index)
	if pending == 0 {
		return Completion{}, false, nil
	}
	if pending > sq.size {
		return Completion{}, false, sq.fail(sq.violation(-1,
			"used index moved %d entries ahead of the %d reaped", pending, sq.usedRing.lastIndex))
	}

	sq.barriers.Acquire()

	elem := sq.usedRing.element()
	dt := sq.descriptorTable
	if reason := dt.validate(elem.DescriptorIndex, sq.tableAddr); reason != "" {
		return Completion{}, false, sq.fail(sq.violation(int(elem.DescriptorIndex), "%s", reason))
	}

	c := dt.release(uint16(elem.DescriptorIndex))
	if c.table != noTable {
		sq.indirect.release(c.table)
	}
	sq.usedRing.lastIndex++

	sq.metrics.reap.Inc(1)
	sq.metrics.freeDescriptors.Update(int64(dt.freeNum))
	return Completion{Token: c.token, Length: elem.Length}, true, nil
}

func (sq *SplitQueue) tableAddr(i int) uint64 {
	return sq.indirect.addr(i)
}

func (sq *SplitQueue) fail(err *ProtocolError) error {
	sq.broken = err
	return err
}

// NotifySuppressed reports whether the device asked not to be notified. It is
// only a hint.
func (sq *SplitQueue) NotifySuppressed() bool {
	flags, _ := sq.usedRing.load()
	return flags&usedRingFlagNoNotify != 0
}

// DisableInterrupts asks the device not to interrupt after using buffers. The
// device may ignore it.
func (sq *SplitQueue) DisableInterrupts() {
	sq.availableRing.setFlag(availableRingFlagNoInterrupt, true)
}

// EnableInterrupts undoes [SplitQueue.DisableInterrupts].
func (sq *SplitQueue) EnableInterrupts() {
	sq.availableRing.setFlag(availableRingFlagNoInterrupt, false)
}

// Reset abandons all outstanding requests and returns the queue to its
// initial state. Lent indirect tables go back to the pool. It must only be
// called while the device is stopped and may be called any number of times.
func (sq *SplitQueue) Reset() {
	if sq.descriptorTable == nil {
		return
	}

	sq.descriptorTable.abandon(func(table int) {
		sq.indirect.release(table)
	})
	sq.descriptorTable.initialize()
	sq.availableRing.reset()
	sq.usedRing.reset()
	sq.broken = nil
	sq.metrics.freeDescriptors.Update(int64(sq.size))
}

// Close releases the ring memory. The indirect pool is not closed, it belongs
// to whoever created it.
func (sq *SplitQueue) Close() error {
	var errs []error

	if sq.region.Bytes != nil {
		if err := sq.mem.Free(sq.region); err != nil {
			errs = append(errs, fmt.Errorf("free virtqueue %d memory: %w", sq.index, err))
		}
		sq.region = memory.Region{}
		sq.descriptorTable = nil
		sq.availableRing = nil
		sq.usedRing = nil
	}

	return errors.Join(errs...)
}

func align(index, alignment int) int {
	remainder := index % alignment
	if remainder == 0 {
		return index
	}
	return index + alignment - remainder
}
