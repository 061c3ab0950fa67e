// Package mmio speaks the virtio-mmio (version 2) register protocol on the
// driver side.
package mmio

// Registers is a device register window. Offsets are relative to the start of
// the window. Accesses never fail: a device that rejects a write reports it
// through its status register.
type Registers interface {
	Read8(off int) uint8
	Read16(off int) uint16
	Read32(off int) uint32
	Write8(off int, v uint8)
	Write16(off int, v uint16)
	Write32(off int, v uint32)
}

// Register offsets of the virtio-mmio window.
const (
	RegMagicValue        = 0x000 // always 0x74726976 (R; "virt")
	RegVersion           = 0x004 // always 0x2 (R)
	RegDeviceID          = 0x008 // virtio subsystem device id (R)
	RegVendorID          = 0x00c // virtio subsystem vendor id (R)
	RegDeviceFeatures    = 0x010 // flags, depends on RegDeviceFeaturesSel (R)
	RegDeviceFeaturesSel = 0x014 // word selection for RegDeviceFeatures (W)
	RegDriverFeatures    = 0x020 // feature flags activated by the driver (W)
	RegDriverFeaturesSel = 0x024 // word selection for RegDriverFeatures (W)
	RegQueueSel          = 0x030 // virtual queue index (W)
	RegQueueNumMax       = 0x034 // maximum virtual queue size (R)
	RegQueueNum          = 0x038 // virtual queue size (W)
	RegQueueReady        = 0x044 // virtual queue ready bit (RW)
	RegQueueNotify       = 0x050 // queue notifier (W)
	RegInterruptStatus   = 0x060 // interrupt status (R)
	RegInterruptAck      = 0x064 // interrupt acknowledge (W)
	RegStatus            = 0x070 // device status (RW)
	RegQueueDescLow      = 0x080 // descriptor area, low word (W)
	RegQueueDescHigh     = 0x084 // descriptor area, high word (W)
	RegQueueDriverLow    = 0x090 // driver area, low word (W)
	RegQueueDriverHigh   = 0x094 // driver area, high word (W)
	RegQueueDeviceLow    = 0x0a0 // device area, low word (W)
	RegQueueDeviceHigh   = 0x0a4 // device area, high word (W)
	RegConfigGeneration  = 0x0fc // configuration atomicity value (R)
	RegDeviceConfigStart = 0x100 // device specific configuration space >= 0x100 (RW)
)

// WindowSize is the size of one device's register window.
const WindowSize = 0x200

const (
	// MagicValue is "virt" in little endian.
	MagicValue = 0x74726976
	// Version is the only register layout version supported.
	Version = 2
)

// Interrupt status bits.
const (
	InterruptUsedBuffer   = 1 << 0 // the device has used at least 1 buffer
	InterruptConfigChange = 1 << 1 // the configuration of the device has changed
)
