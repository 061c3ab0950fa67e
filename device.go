package vring

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/mmio"
	"github.com/slackhq/vring/util"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
)

// Transport is the register interface of a device. [mmio.Transport]
// implements it.
type Transport interface {
	DeviceID() virtio.DeviceID
	Reset() error
	Status() mmio.Status
	AddStatus(mmio.Status)
	DeviceFeatures() virtio.Feature
	SetDriverFeatures(virtio.Feature)
	QueueNumMax(q int) int
	SetupQueue(q, size int, desc, driver, device uint64) error
	Notify(q int)
	InterruptStatus() uint32
	AckInterrupt(bits uint32)
	ReadConfig(p []byte, off int)
}

// Device is the driver side of one virtio device: its negotiated features,
// its queues and the indirect tables they borrow from.
//
// A Device is not safe for concurrent use. Callers that submit from several
// goroutines serialize access per queue, and lifecycle calls (AllocQueues,
// MarkReady, Reset, Close) must not overlap with anything else.
type Device struct {
	l         *logrus.Logger
	transport Transport
	mem       memory.Allocator
	opts      optionValues
	supported virtio.Feature

	negotiated bool
	features   virtio.Feature

	queues []*virtqueue.SplitQueue
	pools  []*virtqueue.IndirectPool
	failed []bool

	ready  bool
	closed bool
}

// NewDevice resets the device behind t, checks that it is a device of kind
// id, and negotiates features: the result is the intersection of what the
// device offers and supported. Indirect descriptors are only used when
// [virtio.FeatureIndirectDescriptors] is part of it.
//
// [WithMaxConcurrency] is required. Remember to call [Device.Close] after use
// to free up resources.
func NewDevice(l *logrus.Logger, t Transport, mem memory.Allocator, id virtio.DeviceID, supported virtio.Feature, options ...Option) (*Device, error) {
	opts := optionDefaults
	opts.apply(options)
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	if opts.registry == nil {
		opts.registry = metrics.DefaultRegistry
	}

	if found := t.DeviceID(); found != id {
		return nil, fmt.Errorf("%w: expected a %v device, found %v", ErrIncompatibleDevice, id, found)
	}

	d := &Device{
		l:         l,
		transport: t,
		mem:       mem,
		opts:      opts,
		supported: supported | opts.required,
	}

	if err := d.Negotiate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Negotiate runs the feature handshake. [NewDevice] already did, so calling
// it again returns [ErrAlreadyNegotiated].
func (d *Device) Negotiate() error {
	if d.closed {
		return ErrDeviceClosed
	}
	if d.negotiated {
		return ErrAlreadyNegotiated
	}

	features, err := d.negotiate()
	if err != nil {
		return err
	}

	d.features = features
	d.negotiated = true
	d.l.WithField("features", features).
		WithField("device", d.transport.DeviceID()).
		Info("Negotiated virtio features")
	return nil
}

func (d *Device) negotiate() (virtio.Feature, error) {
	t := d.transport
	if err := t.Reset(); err != nil {
		return 0, fmt.Errorf("reset device: %w", err)
	}

	t.AddStatus(mmio.StatusAcknowledge)
	t.AddStatus(mmio.StatusDriver)

	offered := t.DeviceFeatures()
	common, missing := virtio.Negotiate(offered, d.supported, d.opts.required)
	if missing != 0 {
		t.AddStatus(mmio.StatusFailed)
		return 0, fmt.Errorf("%w: device does not offer %v", ErrIncompatibleDevice, missing)
	}

	t.SetDriverFeatures(common)
	t.AddStatus(mmio.StatusFeaturesOK)
	if !t.Status().Has(mmio.StatusFeaturesOK) {
		t.AddStatus(mmio.StatusFailed)
		return 0, fmt.Errorf("%w: device refused features %v", ErrIncompatibleDevice, common)
	}

	return common, nil
}

// Features returns the negotiated feature set.
func (d *Device) Features() virtio.Feature {
	return d.features
}

// AllocQueues creates count queues and publishes them to the device. It can
// only succeed once. When it fails nothing is kept and the device is marked
// failed.
func (d *Device) AllocQueues(count int) (err error) {
	switch {
	case d.closed:
		return ErrDeviceClosed
	case d.queues != nil:
		return ErrQueuesAllocated
	case count <= 0:
		return fmt.Errorf("%w: queue count %d", ErrInvalidArgument, count)
	}

	defer func() {
		if err != nil {
			d.transport.AddStatus(mmio.StatusFailed)
			err = errors.Join(err, d.release())
		}
	}()

	indirect := d.features.Has(virtio.FeatureIndirectDescriptors)
	if !indirect {
		d.l.WithField("max_concurrency", d.opts.maxConcurrency).
			Warn("Device does not support indirect descriptors, requests will only use the main ring")
	}

	var shared *virtqueue.IndirectPool
	if indirect && d.opts.indirectPolicy == IndirectShared {
		if shared, err = d.newPool("shared"); err != nil {
			return err
		}
	}

	d.queues = make([]*virtqueue.SplitQueue, 0, count)
	for i := range count {
		pool := shared
		if indirect && d.opts.indirectPolicy == IndirectPerQueue {
			if pool, err = d.newPool(fmt.Sprintf("queue.%d", i)); err != nil {
				return err
			}
		}

		sq, err := d.createQueue(i, pool)
		if err != nil {
			return fmt.Errorf("create queue %d: %w", i, err)
		}
		d.queues = append(d.queues, sq)
	}
	d.failed = make([]bool, count)

	return nil
}

func (d *Device) newPool(name string) (*virtqueue.IndirectPool, error) {
	p, err := virtqueue.NewIndirectPool(d.mem, d.opts.maxConcurrency, d.opts.indirectCapacity, name, d.opts.registry)
	if err != nil {
		return nil, err
	}
	d.pools = append(d.pools, p)
	return p, nil
}

// queueSize returns the configured size clamped to what the device supports
// for queue i.
func (d *Device) queueSize(i int) (int, error) {
	numMax := d.transport.QueueNumMax(i)
	if numMax <= 0 {
		return 0, fmt.Errorf("%w: device has no queue %d", mmio.ErrQueueUnavailable, i)
	}

	size := d.opts.queueSize
	if size > numMax {
		size = 1 << (bits.Len(uint(numMax)) - 1)
		d.l.WithField("queue", i).
			WithField("requested", d.opts.queueSize).
			WithField("size", size).
			Warn("Device supports fewer descriptors than requested, using a smaller queue")
	}
	return size, nil
}

func (d *Device) createQueue(i int, pool *virtqueue.IndirectPool) (*virtqueue.SplitQueue, error) {
	size, err := d.queueSize(i)
	if err != nil {
		return nil, err
	}

	sq, err := virtqueue.NewSplitQueue(virtqueue.Config{
		Index:     i,
		Size:      size,
		Threshold: d.opts.maxConcurrency,
		Memory:    d.mem,
		Indirect:  pool,
		Notify:    func() { d.transport.Notify(i) },
		Barriers:  d.opts.barriers,
		Registry:  d.opts.registry,
	})
	if err != nil {
		return nil, err
	}

	if err := d.publish(sq); err != nil {
		return nil, errors.Join(err, sq.Close())
	}

	d.l.WithField("queue", i).
		WithField("size", size).
		WithField("indirect", pool != nil).
		WithField("pool", d.opts.indirectPolicy).
		Info("Virtqueue ready")
	return sq, nil
}

func (d *Device) publish(sq *virtqueue.SplitQueue) error {
	desc, driver, device := sq.Addresses()
	return d.transport.SetupQueue(sq.Index(), sq.Size(), desc, driver, device)
}

// MarkReady tells the device the driver is ready. Requests can be submitted
// afterwards.
func (d *Device) MarkReady() error {
	if d.closed {
		return ErrDeviceClosed
	}

	d.transport.AddStatus(mmio.StatusDriverOK)
	if s := d.transport.Status(); !s.Has(mmio.StatusDriverOK) || s.Has(mmio.StatusNeedsReset) {
		return fmt.Errorf("%w: device status %v after DRIVER_OK", ErrIncompatibleDevice, s)
	}

	d.ready = true
	d.l.WithField("queues", len(d.queues)).Info("Device ready")
	return nil
}

// Queue returns queue i.
func (d *Device) Queue(i int) (*virtqueue.SplitQueue, error) {
	if d.closed {
		return nil, ErrDeviceClosed
	}
	if i < 0 || i >= len(d.queues) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoQueue, i, len(d.queues))
	}
	return d.queues[i], nil
}

// Queues returns the number of allocated queues.
func (d *Device) Queues() int {
	return len(d.queues)
}

// Submit offers fragments to the device on queue i. token comes back from
// [Device.Reap] once the device is done with them.
//
// Exhaustion ([IsExhausted]) clears as completions are reaped. A protocol
// violation ([IsFatal]) is logged once and the queue stays unusable until
// [Device.Reset].
func (d *Device) Submit(i int, frags []virtqueue.Fragment, token any) error {
	sq, err := d.Queue(i)
	if err != nil {
		return err
	}
	if !d.ready {
		return ErrNotReady
	}
	return d.check(i, sq.Submit(frags, token))
}

// Reap returns the next completion of queue i. ok is false when there is
// none, which is not an error.
func (d *Device) Reap(i int) (c virtqueue.Completion, ok bool, err error) {
	sq, err := d.Queue(i)
	if err != nil {
		return c, false, err
	}

	c, ok, err = sq.Reap()
	return c, ok, d.check(i, err)
}

// check logs the first protocol violation of a queue.
func (d *Device) check(i int, err error) error {
	if err == nil || !IsFatal(err) || d.failed[i] {
		return err
	}
	d.failed[i] = true
	util.LogWithContextIfNeeded("Virtqueue protocol violation", err, d.l)
	return err
}

// Reset stops the device and abandons every outstanding request, then brings
// the device back to where [Device.AllocQueues] left it: features are
// negotiated again and the emptied queues are published. Call
// [Device.MarkReady] to resume. Reset may be called any number of times.
func (d *Device) Reset() error {
	if d.closed {
		return ErrDeviceClosed
	}

	d.ready = false
	if err := d.transport.Reset(); err != nil {
		return fmt.Errorf("reset device: %w", err)
	}

	for i, sq := range d.queues {
		sq.Reset()
		d.failed[i] = false
	}

	features, err := d.negotiate()
	if err != nil {
		return err
	}
	if features != d.features {
		d.transport.AddStatus(mmio.StatusFailed)
		return fmt.Errorf("%w: features changed from %v to %v", ErrIncompatibleDevice, d.features, features)
	}

	for _, sq := range d.queues {
		if err := d.publish(sq); err != nil {
			return fmt.Errorf("publish queue %d: %w", sq.Index(), err)
		}
	}

	d.l.WithField("queues", len(d.queues)).Info("Device reset")
	return nil
}

// InterruptStatus reads the pending interrupt bits of the device.
func (d *Device) InterruptStatus() uint32 {
	return d.transport.InterruptStatus()
}

// AckInterrupt clears the given interrupt bits.
func (d *Device) AckInterrupt(bits uint32) {
	d.transport.AckInterrupt(bits)
}

// ReadConfig copies device configuration space starting at off into p.
func (d *Device) ReadConfig(p []byte, off int) {
	d.transport.ReadConfig(p, off)
}

// Close stops the device and frees all queue and table memory. The
// implementation releases as much as possible and returns the collected
// errors.
func (d *Device) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.ready = false

	// The device must let go of the rings before their memory is reused.
	if err := d.transport.Reset(); err != nil {
		return fmt.Errorf("reset device: %w", err)
	}

	return d.release()
}

func (d *Device) release() error {
	var errs []error

	for _, sq := range d.queues {
		if err := sq.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue %d: %w", sq.Index(), err))
		}
	}
	d.queues = nil

	for _, p := range d.pools {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close indirect pool: %w", err))
		}
	}
	d.pools = nil

	return errors.Join(errs...)
}
