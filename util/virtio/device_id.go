package virtio

import "fmt"

// DeviceID identifies the type of a virtio device.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-1930005
type DeviceID uint32

const (
	InvalidDeviceID = DeviceID(0)
	NetworkDeviceID = DeviceID(1)
	BlockDeviceID   = DeviceID(2)
	ConsoleDeviceID = DeviceID(3)
	EntropyDeviceID = DeviceID(4)
	SocketDeviceID  = DeviceID(19)
)

func (id DeviceID) String() string {
	switch id {
	case InvalidDeviceID:
		return "invalid"
	case NetworkDeviceID:
		return "network"
	case BlockDeviceID:
		return "block"
	case ConsoleDeviceID:
		return "console"
	case EntropyDeviceID:
		return "entropy"
	case SocketDeviceID:
		return "socket"
	default:
		return fmt.Sprintf("DeviceID(%d)", id)
	}
}
