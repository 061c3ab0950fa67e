package mmio

import "strings"

// Status is the value of the device status register.
type Status uint32

const (
	StatusAcknowledge Status = 1   // recognized by the guest
	StatusDriver      Status = 2   // the guest has a driver
	StatusDriverOK    Status = 4   // ready to drive
	StatusFeaturesOK  Status = 8   // features negotiated
	StatusNeedsReset  Status = 64  // fatal device error
	StatusFailed      Status = 128 // fatal driver error
)

// Has reports whether all bits of o are set.
func (s Status) Has(o Status) bool {
	return s&o == o
}

func (s Status) String() string {
	if s == 0 {
		return "reset"
	}

	var parts []string
	for _, b := range []struct {
		bit  Status
		name string
	}{
		{StatusAcknowledge, "acknowledge"},
		{StatusDriver, "driver"},
		{StatusFeaturesOK, "features_ok"},
		{StatusDriverOK, "driver_ok"},
		{StatusNeedsReset, "needs_reset"},
		{StatusFailed, "failed"},
	} {
		if s&b.bit != 0 {
			parts = append(parts, b.name)
		}
	}
	return strings.Join(parts, "|")
}
