package virtqueue

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidQueueSize is returned when a queue size is not a power of two
	// between 1 and 32768.
	ErrInvalidQueueSize = errors.New("queue size is invalid")

	// ErrQueueFull is returned when there are not enough free descriptors for a
	// request. It clears once completions are reaped.
	ErrQueueFull = errors.New("not enough free descriptors, queue is full")

	// ErrNoIndirectSlotAvailable is returned when a request needs an indirect
	// table but all tables are lent out. It clears once completions are reaped.
	ErrNoIndirectSlotAvailable = errors.New("no indirect table available")

	// ErrInvalidArgument is returned for malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrProtocolViolation is wrapped by every [ProtocolError].
	ErrProtocolViolation = errors.New("virtqueue protocol violation")
)

// ProtocolError reports that the device left the shared rings in a state the
// driver could not have produced. The queue refuses further work until it is
// reset.
type ProtocolError struct {
	Queue int
	// Head is the chain head the violation was found at, or -1 if the
	// violation is not tied to a chain.
	Head   int
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Head < 0 {
		return fmt.Sprintf("queue %d: %v: %s", e.Queue, ErrProtocolViolation, e.Reason)
	}
	return fmt.Sprintf("queue %d: %v at head %d: %s", e.Queue, ErrProtocolViolation, e.Head, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolViolation
}

// Fields returns the structured context of the violation for logging.
func (e *ProtocolError) Fields() map[string]any {
	return map[string]any{
		"queue":  e.Queue,
		"head":   e.Head,
		"reason": e.Reason,
	}
}

func (sq *SplitQueue) violation(head int, format string, args ...any) *ProtocolError {
	return &ProtocolError{Queue: sq.index, Head: head, Reason: fmt.Sprintf(format, args...)}
}
