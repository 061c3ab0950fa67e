package vring

import (
	"errors"

	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/virtqueue"
)

var (
	// ErrInvalidOptions is returned by [NewDevice] for bad options.
	ErrInvalidOptions = errors.New("invalid options")

	// ErrIncompatibleDevice is returned when the device does not offer a
	// required feature, refuses the negotiated features or is not the kind of
	// device that was expected.
	ErrIncompatibleDevice = errors.New("incompatible device")

	// ErrAlreadyNegotiated is returned when features are negotiated twice.
	ErrAlreadyNegotiated = errors.New("features already negotiated")

	// ErrQueuesAllocated is returned when queues are allocated twice.
	ErrQueuesAllocated = errors.New("queues already allocated")

	// ErrNotReady is returned when requests are submitted before the driver
	// marked the device ready.
	ErrNotReady = errors.New("device not ready")

	// ErrDeviceClosed is returned by every operation on a closed [Device].
	ErrDeviceClosed = errors.New("device was closed")

	// ErrNoQueue is returned for a queue index the device does not have.
	ErrNoQueue = errors.New("no such queue")
)

// Errors of the packages below, so callers only need this one.
var (
	ErrInvalidQueueSize        = virtqueue.ErrInvalidQueueSize
	ErrQueueFull               = virtqueue.ErrQueueFull
	ErrNoIndirectSlotAvailable = virtqueue.ErrNoIndirectSlotAvailable
	ErrInvalidArgument         = virtqueue.ErrInvalidArgument
	ErrProtocolViolation       = virtqueue.ErrProtocolViolation
	ErrOutOfMemory             = memory.ErrOutOfMemory
)

// IsFatal reports whether err means the device broke the ring protocol. The
// queue it happened on refuses work until the device is reset. Every other
// error from this package leaves the rings intact.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocolViolation)
}

// IsExhausted reports whether err is a temporary shortage that clears once
// completions are reaped.
func IsExhausted(err error) bool {
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrNoIndirectSlotAvailable)
}
