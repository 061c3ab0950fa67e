package mmio

import (
	"errors"
	"fmt"

	"github.com/slackhq/vring/util/virtio"
)

var (
	// ErrNotVirtio is returned when the register window does not carry the
	// virtio magic value.
	ErrNotVirtio = errors.New("not a virtio-mmio device")

	// ErrUnsupportedVersion is returned for legacy (version 1) devices.
	ErrUnsupportedVersion = errors.New("unsupported virtio-mmio version")

	// ErrNoDevice is returned when the window is a placeholder without a
	// device behind it.
	ErrNoDevice = errors.New("no device present")

	// ErrQueueUnavailable is returned when a queue cannot be set up.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrResetTimeout is returned when the device does not acknowledge a reset.
	ErrResetTimeout = errors.New("device did not complete reset")
)

// resetPolls bounds how often the status register is read back after a reset.
const resetPolls = 1000

// Transport drives one virtio-mmio device through its register window.
type Transport struct {
	regs     Registers
	deviceID virtio.DeviceID
	vendorID uint32
}

// NewTransport checks the register window and returns a transport for the
// device behind it.
func NewTransport(regs Registers) (*Transport, error) {
	if magic := regs.Read32(RegMagicValue); magic != MagicValue {
		return nil, fmt.Errorf("%w: magic value %#x", ErrNotVirtio, magic)
	}

	if v := regs.Read32(RegVersion); v != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}

	id := virtio.DeviceID(regs.Read32(RegDeviceID))
	if id == virtio.InvalidDeviceID {
		return nil, ErrNoDevice
	}

	return &Transport{
		regs:     regs,
		deviceID: id,
		vendorID: regs.Read32(RegVendorID),
	}, nil
}

// DeviceID returns the type of the device.
func (t *Transport) DeviceID() virtio.DeviceID {
	return t.deviceID
}

// VendorID returns the subsystem vendor id.
func (t *Transport) VendorID() uint32 {
	return t.vendorID
}

// Reset writes zero to the status register and waits for the device to report
// the reset as complete.
func (t *Transport) Reset() error {
	t.regs.Write32(RegStatus, 0)
	for range resetPolls {
		if t.regs.Read32(RegStatus) == 0 {
			return nil
		}
	}
	return ErrResetTimeout
}

// Status reads the device status register.
func (t *Transport) Status() Status {
	return Status(t.regs.Read32(RegStatus))
}

// SetStatus writes the device status register.
func (t *Transport) SetStatus(s Status) {
	t.regs.Write32(RegStatus, uint32(s))
}

// AddStatus sets additional status bits.
func (t *Transport) AddStatus(s Status) {
	t.SetStatus(t.Status() | s)
}

// DeviceFeatures reads both words of the device feature set.
func (t *Transport) DeviceFeatures() virtio.Feature {
	t.regs.Write32(RegDeviceFeaturesSel, 0)
	low := t.regs.Read32(RegDeviceFeatures)
	t.regs.Write32(RegDeviceFeaturesSel, 1)
	high := t.regs.Read32(RegDeviceFeatures)
	return virtio.FeatureFromWords(low, high)
}

// SetDriverFeatures writes both words of the driver feature set.
func (t *Transport) SetDriverFeatures(f virtio.Feature) {
	t.regs.Write32(RegDriverFeaturesSel, 0)
	t.regs.Write32(RegDriverFeatures, f.Low())
	t.regs.Write32(RegDriverFeaturesSel, 1)
	t.regs.Write32(RegDriverFeatures, f.High())
}

// QueueNumMax returns the largest size the device supports for queue q, or
// zero if the queue does not exist.
func (t *Transport) QueueNumMax(q int) int {
	t.regs.Write32(RegQueueSel, uint32(q))
	return int(t.regs.Read32(RegQueueNumMax))
}

// SetupQueue publishes the ring addresses of queue q and marks it ready.
func (t *Transport) SetupQueue(q, size int, desc, driver, device uint64) error {
	t.regs.Write32(RegQueueSel, uint32(q))

	if t.regs.Read32(RegQueueReady) != 0 {
		return fmt.Errorf("%w: queue %d is already ready", ErrQueueUnavailable, q)
	}

	numMax := int(t.regs.Read32(RegQueueNumMax))
	if numMax == 0 {
		return fmt.Errorf("%w: queue %d does not exist", ErrQueueUnavailable, q)
	}
	if size > numMax {
		return fmt.Errorf("%w: queue %d size %d exceeds device maximum %d", ErrQueueUnavailable, q, size, numMax)
	}

	t.regs.Write32(RegQueueNum, uint32(size))
	t.regs.Write32(RegQueueDescLow, uint32(desc))
	t.regs.Write32(RegQueueDescHigh, uint32(desc>>32))
	t.regs.Write32(RegQueueDriverLow, uint32(driver))
	t.regs.Write32(RegQueueDriverHigh, uint32(driver>>32))
	t.regs.Write32(RegQueueDeviceLow, uint32(device))
	t.regs.Write32(RegQueueDeviceHigh, uint32(device>>32))
	t.regs.Write32(RegQueueReady, 1)

	if t.regs.Read32(RegQueueReady) != 1 {
		return fmt.Errorf("%w: device refused queue %d (status %v)", ErrQueueUnavailable, q, t.Status())
	}
	return nil
}

// Notify rings the doorbell of queue q.
func (t *Transport) Notify(q int) {
	t.regs.Write32(RegQueueNotify, uint32(q))
}

// InterruptStatus reads the pending interrupt bits.
func (t *Transport) InterruptStatus() uint32 {
	return t.regs.Read32(RegInterruptStatus)
}

// AckInterrupt clears the given interrupt bits.
func (t *Transport) AckInterrupt(bits uint32) {
	t.regs.Write32(RegInterruptAck, bits)
}

// ConfigGeneration reads the configuration atomicity value.
func (t *Transport) ConfigGeneration() uint32 {
	return t.regs.Read32(RegConfigGeneration)
}

// ReadConfig copies device configuration space starting at off into p. The
// read is repeated until the configuration generation is stable across it.
func (t *Transport) ReadConfig(p []byte, off int) {
	for {
		before := t.ConfigGeneration()
		for i := range p {
			p[i] = t.regs.Read8(RegDeviceConfigStart + off + i)
		}
		if t.ConfigGeneration() == before {
			return
		}
	}
}
