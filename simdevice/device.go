// Package simdevice is a software virtio-mmio device. It implements the
// register window a driver talks to and the device half of split virtqueues in
// memory it can translate, which makes it usable as the far end of a
// virtqueue in tests and simulations.
package simdevice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring/eventfd"
	"github.com/slackhq/vring/mmio"
	"github.com/slackhq/vring/util/virtio"
	"golang.org/x/sys/unix"
)

var (
	// ErrQueueNotReady is returned when processing a queue the driver has not
	// set up.
	ErrQueueNotReady = errors.New("queue not ready")

	// ErrNeedsReset is returned when processing on a device that has failed.
	ErrNeedsReset = errors.New("device needs reset")
)

// Memory translates bus addresses into bytes.
type Memory interface {
	MemAt(addr uint64, size int) ([]byte, error)
}

// Handler consumes one chain and returns the number of bytes it wrote into the
// writable buffers.
type Handler func(queue int, chain []Buffer) (uint32, error)

// Mode selects when offered chains are processed.
type Mode int

const (
	// ModeManual processes only when Process is called.
	ModeManual Mode = iota
	// ModeSync processes a queue inside the doorbell write.
	ModeSync
	// ModeBackground processes queues from Run, woken by an eventfd.
	ModeBackground
)

type Config struct {
	DeviceID    virtio.DeviceID
	VendorID    uint32
	Features    virtio.Feature
	QueueNumMax int
	Queues      int
	ConfigSpace []byte
	Memory      Memory
	Mode        Mode

	// Handler defaults to one that claims every writable byte was written.
	Handler Handler
	// Interrupt is called, without locks held, whenever the device raises an
	// interrupt.
	Interrupt func()
	// AcceptFeatures can refuse a feature set the driver acknowledged. The
	// device then leaves FEATURES_OK clear.
	AcceptFeatures func(virtio.Feature) bool
}

const (
	negotiatingFeatures = mmio.StatusAcknowledge | mmio.StatusDriver
	configuringQueues   = negotiatingFeatures | mmio.StatusFeaturesOK
	operatingNormally   = configuringQueues | mmio.StatusDriverOK
)

type deviceState struct {
	status     mmio.Status
	generation uint32

	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	driverFeatures    virtio.Feature

	queueSel uint32
	queues   []queueState

	intStatus uint32
}

type queueState struct {
	ready      uint32
	num        uint32
	descAddr   uint64
	driverAddr uint64
	deviceAddr uint64
}

// Device is a simulated virtio-mmio device. It is safe for concurrent use.
type Device struct {
	l   *logrus.Logger
	cfg Config

	mu     sync.Mutex
	state  deviceState
	config []byte
	rings  []*ring

	notifications []atomic.Uint64
	doorbell      *eventfd.EventFD
}

// New creates a device in the reset state.
func New(l *logrus.Logger, cfg Config) (*Device, error) {
	switch {
	case cfg.Memory == nil:
		return nil, errors.New("simulated device needs memory")
	case cfg.Queues <= 0:
		return nil, fmt.Errorf("simulated device needs at least one queue, got %d", cfg.Queues)
	case cfg.QueueNumMax <= 0 || cfg.QueueNumMax > 1<<15:
		return nil, fmt.Errorf("queue size limit %d out of range", cfg.QueueNumMax)
	case cfg.DeviceID == virtio.InvalidDeviceID:
		return nil, errors.New("simulated device needs a device id")
	}

	if cfg.Handler == nil {
		cfg.Handler = writeAll
	}

	d := &Device{
		l:             l,
		cfg:           cfg,
		config:        append([]byte(nil), cfg.ConfigSpace...),
		rings:         make([]*ring, cfg.Queues),
		notifications: make([]atomic.Uint64, cfg.Queues),
	}
	d.state.queues = make([]queueState, cfg.Queues)

	if cfg.Mode == ModeBackground {
		var err error
		if d.doorbell, err = eventfd.New(); err != nil {
			return nil, fmt.Errorf("doorbell: %w", err)
		}
	}

	return d, nil
}

func writeAll(_ int, chain []Buffer) (uint32, error) {
	var n uint32
	for _, b := range chain {
		if b.Writable {
			n += uint32(len(b.Bytes))
		}
	}
	return n, nil
}

func (d *Device) Read8(off int) uint8 {
	return uint8(d.read(off, 1))
}

func (d *Device) Read16(off int) uint16 {
	return uint16(d.read(off, 2))
}

func (d *Device) Read32(off int) uint32 {
	return d.read(off, 4)
}

func (d *Device) Write8(off int, v uint8) {
	d.write(off, 1, uint32(v))
}

func (d *Device) Write16(off int, v uint16) {
	d.write(off, 2, uint32(v))
}

func (d *Device) Write32(off int, v uint32) {
	d.write(off, 4, v)
}

func (d *Device) read(off, width int) uint32 {
	d.mu.Lock()
	v, err := d.readRegister(off, width)
	raise := d.fail(off, err)
	d.mu.Unlock()

	if raise {
		d.interrupt()
	}
	return v
}

func (d *Device) write(off, width int, v uint32) {
	d.mu.Lock()
	err := d.writeRegister(off, width, v)
	raise := d.fail(off, err)
	d.mu.Unlock()

	if raise {
		d.interrupt()
	}
	if err == nil && off == mmio.RegQueueNotify {
		d.kicked(int(v))
	}
}

// fail moves the device into NEEDS_RESET after an invalid access. It reports
// whether the driver should be interrupted about the configuration change.
func (d *Device) fail(off int, err error) bool {
	if err == nil || d.state.status&(mmio.StatusNeedsReset|mmio.StatusFailed) != 0 {
		return false
	}

	d.l.WithError(err).
		WithField("register", fmt.Sprintf("%#x", off)).
		WithField("status", d.state.status).
		Warn("Simulated device needs reset")

	raise := d.state.status == operatingNormally
	d.state.status |= mmio.StatusNeedsReset
	d.state.generation++
	if raise {
		d.state.intStatus |= mmio.InterruptConfigChange
	}
	return raise
}

func (d *Device) interrupt() {
	if d.cfg.Interrupt != nil {
		d.cfg.Interrupt()
	}
}

func (d *Device) readRegister(off, width int) (uint32, error) {
	if off >= mmio.RegDeviceConfigStart {
		return d.readConfig(off-mmio.RegDeviceConfigStart, width), nil
	}
	if width != 4 || off%4 != 0 {
		return 0, fmt.Errorf("%w: %d byte read of register %#x", unix.EINVAL, width, off)
	}

	switch off {
	case mmio.RegMagicValue:
		return mmio.MagicValue, nil
	case mmio.RegVersion:
		return mmio.Version, nil
	case mmio.RegDeviceID:
		return uint32(d.cfg.DeviceID), nil
	case mmio.RegVendorID:
		return d.cfg.VendorID, nil
	case mmio.RegDeviceFeatures:
		if d.state.deviceFeaturesSel > 1 {
			return 0, nil
		}
		return uint32(d.cfg.Features >> (32 * d.state.deviceFeaturesSel)), nil
	case mmio.RegQueueNumMax:
		if d.selectedQueue() == nil {
			return 0, nil
		}
		return uint32(d.cfg.QueueNumMax), nil
	case mmio.RegQueueReady:
		if q := d.selectedQueue(); q != nil {
			return q.ready, nil
		}
		return 0, nil
	case mmio.RegInterruptStatus:
		return d.state.intStatus, nil
	case mmio.RegStatus:
		return uint32(d.state.status), nil
	case mmio.RegConfigGeneration:
		return d.state.generation, nil
	default:
		return 0, fmt.Errorf("%w: register %#x is not readable", unix.EINVAL, off)
	}
}

func (d *Device) readConfig(off, width int) uint32 {
	var v uint32
	for i := width - 1; i >= 0; i-- {
		v <<= 8
		if off+i < len(d.config) {
			v |= uint32(d.config[off+i])
		}
	}
	return v
}

func (d *Device) writeRegister(off, width int, v uint32) error {
	// once failed, only a status write (to reset) is accepted
	if d.state.status&(mmio.StatusNeedsReset|mmio.StatusFailed) != 0 && off != mmio.RegStatus {
		return fmt.Errorf("%w: write to %#x while %v", unix.EPERM, off, d.state.status)
	}

	if off >= mmio.RegDeviceConfigStart {
		return d.writeConfig(off-mmio.RegDeviceConfigStart, width, v)
	}
	if width != 4 || off%4 != 0 {
		return fmt.Errorf("%w: %d byte write of register %#x", unix.EINVAL, width, off)
	}

	switch off {
	case mmio.RegStatus:
		return d.writeStatus(mmio.Status(v))
	case mmio.RegDeviceFeaturesSel:
		return d.writeDeviceFeaturesSel(v)
	case mmio.RegDriverFeaturesSel:
		return d.writeDriverFeaturesSel(v)
	case mmio.RegDriverFeatures:
		return d.writeDriverFeatures(v)
	case mmio.RegQueueSel:
		return d.writeQueueSel(v)
	case mmio.RegQueueNum:
		return d.writeQueueNum(v)
	case mmio.RegQueueDescLow, mmio.RegQueueDescHigh,
		mmio.RegQueueDriverLow, mmio.RegQueueDriverHigh,
		mmio.RegQueueDeviceLow, mmio.RegQueueDeviceHigh:
		return d.writeQueueAddress(off, v)
	case mmio.RegQueueReady:
		return d.writeQueueReady(v)
	case mmio.RegQueueNotify:
		return d.writeQueueNotify(v)
	case mmio.RegInterruptAck:
		d.state.intStatus &^= v
		return nil
	default:
		return fmt.Errorf("%w: register %#x is not writable", unix.EINVAL, off)
	}
}

func (d *Device) writeConfig(off, width int, v uint32) error {
	if off+width > len(d.config) {
		return fmt.Errorf("%w: config write at %d beyond %d bytes", unix.EINVAL, off, len(d.config))
	}
	for i := range width {
		d.config[off+i] = byte(v >> (8 * i))
	}
	d.state.generation++
	return nil
}

func (d *Device) writeStatus(v mmio.Status) error {
	if v == 0 {
		d.reset()
		return nil
	}

	if v.Has(mmio.StatusFailed) {
		d.state.status |= mmio.StatusFailed
		d.state.generation++
		d.l.WithField("status", v).Warn("Driver gave up on simulated device")
		return nil
	}

	if v.Has(mmio.StatusNeedsReset) || v&d.state.status != d.state.status {
		return fmt.Errorf("%w: status %v cannot follow %v", unix.EINVAL, v, d.state.status)
	}

	if v.Has(mmio.StatusFeaturesOK) && !d.state.status.Has(mmio.StatusFeaturesOK) {
		if !d.acceptFeatures() {
			d.l.WithField("features", d.state.driverFeatures).Info("Simulated device refused driver features")
			v &^= mmio.StatusFeaturesOK | mmio.StatusDriverOK
		}
	}

	if v.Has(mmio.StatusDriverOK) && !v.Has(mmio.StatusFeaturesOK) {
		return fmt.Errorf("%w: DRIVER_OK without FEATURES_OK", unix.EINVAL)
	}

	d.state.status = v
	d.state.generation++
	d.l.WithField("status", v).Debug("Simulated device status changed")
	return nil
}

func (d *Device) acceptFeatures() bool {
	if d.state.driverFeatures&^d.cfg.Features != 0 {
		return false
	}
	if d.cfg.AcceptFeatures != nil {
		return d.cfg.AcceptFeatures(d.state.driverFeatures)
	}
	return true
}

func (d *Device) reset() {
	d.state = deviceState{
		generation: d.state.generation + 1,
		queues:     make([]queueState, d.cfg.Queues),
	}
	for i := range d.rings {
		d.rings[i] = nil
	}
}

// writeDeviceFeaturesSel accepts any phase, drivers may read the offered
// features at any time.
func (d *Device) writeDeviceFeaturesSel(v uint32) error {
	d.state.deviceFeaturesSel = v
	return nil
}

func (d *Device) writeDriverFeaturesSel(v uint32) error {
	if d.state.status != negotiatingFeatures {
		return fmt.Errorf("%w: feature select outside negotiation", unix.EPERM)
	}
	if v > 1 {
		return fmt.Errorf("%w: driver feature word %d", unix.EINVAL, v)
	}
	d.state.driverFeaturesSel = v
	return nil
}

func (d *Device) writeDriverFeatures(v uint32) error {
	if d.state.status != negotiatingFeatures {
		return fmt.Errorf("%w: driver features outside negotiation", unix.EPERM)
	}
	shift := 32 * d.state.driverFeaturesSel
	d.state.driverFeatures = d.state.driverFeatures&^(0xffffffff<<shift) | virtio.Feature(v)<<shift
	return nil
}

// writeQueueSel accepts any phase so QueueNumMax can be read early. The setup
// registers behind it check the phase themselves.
func (d *Device) writeQueueSel(v uint32) error {
	d.state.queueSel = v
	return nil
}

// configurableQueue returns the selected queue if its setup registers may be
// written.
func (d *Device) configurableQueue() (*queueState, error) {
	if d.state.status != configuringQueues {
		return nil, fmt.Errorf("%w: queue setup while %v", unix.EPERM, d.state.status)
	}
	q := d.selectedQueue()
	if q == nil {
		return nil, fmt.Errorf("%w: queue %d does not exist", unix.EINVAL, d.state.queueSel)
	}
	if q.ready == 1 {
		return nil, fmt.Errorf("%w: queue %d is live", unix.EPERM, d.state.queueSel)
	}
	return q, nil
}

func (d *Device) writeQueueNum(v uint32) error {
	q, err := d.configurableQueue()
	if err != nil {
		return err
	}
	q.num = v
	return nil
}

func (d *Device) writeQueueAddress(off int, v uint32) error {
	q, err := d.configurableQueue()
	if err != nil {
		return err
	}

	set := func(addr *uint64, high bool) {
		if high {
			*addr = *addr&0xffffffff | uint64(v)<<32
		} else {
			*addr = *addr&^0xffffffff | uint64(v)
		}
	}

	switch off {
	case mmio.RegQueueDescLow, mmio.RegQueueDescHigh:
		set(&q.descAddr, off == mmio.RegQueueDescHigh)
	case mmio.RegQueueDriverLow, mmio.RegQueueDriverHigh:
		set(&q.driverAddr, off == mmio.RegQueueDriverHigh)
	case mmio.RegQueueDeviceLow, mmio.RegQueueDeviceHigh:
		set(&q.deviceAddr, off == mmio.RegQueueDeviceHigh)
	}
	return nil
}

func (d *Device) writeQueueReady(v uint32) error {
	q, err := d.configurableQueue()
	if err != nil {
		return err
	}
	if v != 1 {
		return fmt.Errorf("%w: queue ready value %d", unix.EINVAL, v)
	}
	if q.num == 0 || q.num > uint32(d.cfg.QueueNumMax) || q.num&(q.num-1) != 0 {
		return fmt.Errorf("%w: queue size %d", unix.EINVAL, q.num)
	}

	r, err := newRing(d.cfg.Memory, int(d.state.queueSel), *q)
	if err != nil {
		return err
	}

	q.ready = 1
	d.rings[d.state.queueSel] = r
	d.l.WithField("queue", d.state.queueSel).
		WithField("size", q.num).
		Debug("Simulated device queue ready")
	return nil
}

func (d *Device) writeQueueNotify(v uint32) error {
	if d.state.status != operatingNormally {
		return fmt.Errorf("%w: doorbell while %v", unix.EPERM, d.state.status)
	}
	if int(v) >= len(d.rings) || d.rings[v] == nil {
		return fmt.Errorf("%w: doorbell for queue %d", unix.EINVAL, v)
	}
	return nil
}

func (d *Device) selectedQueue() *queueState {
	if int(d.state.queueSel) >= len(d.state.queues) {
		return nil
	}
	return &d.state.queues[d.state.queueSel]
}

func (d *Device) kicked(q int) {
	d.notifications[q].Add(1)

	switch d.cfg.Mode {
	case ModeSync:
		if _, err := d.Process(q); err != nil {
			d.l.WithError(err).WithField("queue", q).Error("Simulated device failed to process queue")
		}
	case ModeBackground:
		if err := d.doorbell.Kick(); err != nil {
			d.l.WithError(err).Error("Failed to ring simulated device doorbell")
		}
	}
}

// Notifications returns how many doorbells queue q received.
func (d *Device) Notifications(q int) uint64 {
	return d.notifications[q].Load()
}

// Status returns the device status register.
func (d *Device) Status() mmio.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.status
}

// DriverFeatures returns the feature set the driver acknowledged.
func (d *Device) DriverFeatures() virtio.Feature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.driverFeatures
}

// SetConfig changes device configuration space from the device side and
// notifies the driver if it is running.
func (d *Device) SetConfig(p []byte, off int) {
	d.mu.Lock()
	if n := off + len(p); n > len(d.config) {
		d.config = append(d.config, make([]byte, n-len(d.config))...)
	}
	copy(d.config[off:], p)
	d.state.generation++

	raise := d.state.status == operatingNormally
	if raise {
		d.state.intStatus |= mmio.InterruptConfigChange
	}
	d.mu.Unlock()

	if raise {
		d.interrupt()
	}
}

// SetNoNotify asks the driver to stop (or resume) ringing the doorbell of
// queue q.
func (d *Device) SetNoNotify(q int, on bool) error {
	r, err := d.ring(q)
	if err != nil {
		return err
	}
	r.l.Lock()
	defer r.l.Unlock()
	r.setNoNotify(on)
	return nil
}

func (d *Device) ring(q int) (*ring, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state.status.Has(mmio.StatusNeedsReset) {
		return nil, ErrNeedsReset
	}
	if q < 0 || q >= len(d.rings) || d.rings[q] == nil {
		return nil, fmt.Errorf("%w: %d", ErrQueueNotReady, q)
	}
	return d.rings[q], nil
}

// Process consumes every chain the driver has offered on queue q and returns
// how many were used. A malformed chain puts the device into NEEDS_RESET.
func (d *Device) Process(q int) (int, error) {
	r, err := d.ring(q)
	if err != nil {
		return 0, err
	}

	n, err := d.process(r)
	if n > 0 && !r.interruptsSuppressed() {
		d.mu.Lock()
		d.state.intStatus |= mmio.InterruptUsedBuffer
		d.mu.Unlock()
		d.interrupt()
	}

	if err != nil {
		d.mu.Lock()
		raise := d.fail(mmio.RegQueueNotify, err)
		d.mu.Unlock()
		if raise {
			d.interrupt()
		}
		return n, fmt.Errorf("queue %d: %w", q, err)
	}
	return n, nil
}

func (d *Device) process(r *ring) (int, error) {
	r.l.Lock()
	defer r.l.Unlock()

	n := 0
	for {
		head, ok := r.available()
		if !ok {
			return n, nil
		}

		chain, err := r.chain(d.cfg.Memory, head)
		if err != nil {
			return n, err
		}

		written, err := d.cfg.Handler(r.index, chain)
		if err != nil {
			return n, fmt.Errorf("handle chain %d: %w", head, err)
		}

		r.use(head, written)
		n++
	}
}

// Run processes every ready queue each time a doorbell rings until ctx is
// done. It requires ModeBackground.
func (d *Device) Run(ctx context.Context) error {
	if d.cfg.Mode != ModeBackground {
		return errors.New("simulated device is not in background mode")
	}

	stop, err := eventfd.New()
	if err != nil {
		return err
	}
	defer stop.Close()

	ep, err := eventfd.NewEpoll(2)
	if err != nil {
		return err
	}
	defer ep.Close()

	if err := ep.Add(d.doorbell.FD()); err != nil {
		return err
	}
	if err := ep.Add(stop.FD()); err != nil {
		return err
	}

	// stop is closed on return, so a kick that already started must finish
	// first.
	kicked := make(chan struct{})
	cancel := context.AfterFunc(ctx, func() {
		defer close(kicked)
		if err := stop.Kick(); err != nil {
			d.l.WithError(err).Error("Failed to stop simulated device")
		}
	})
	defer func() {
		if !cancel() {
			<-kicked
		}
	}()

	for {
		ready, err := ep.Wait(-1)
		if err != nil {
			return err
		}

		for _, fd := range ready {
			if fd == stop.FD() {
				return ctx.Err()
			}
		}

		if len(ready) == 0 {
			continue
		}
		if _, err := d.doorbell.Drain(); err != nil {
			return err
		}

		for q := range d.cfg.Queues {
			if _, err := d.Process(q); err != nil && !errors.Is(err, ErrQueueNotReady) && !errors.Is(err, ErrNeedsReset) {
				d.l.WithError(err).WithField("queue", q).Error("Simulated device failed to process queue")
			}
		}
	}
}

// Close releases the doorbell.
func (d *Device) Close() error {
	if d.doorbell != nil {
		return d.doorbell.Close()
	}
	return nil
}
