// Package eventfd wraps Linux eventfd doorbells and an epoll set to wait on
// them.
package eventfd

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// EventFD is a counter that wakes a waiter when it becomes non-zero.
type EventFD struct {
	fd int
}

// New creates a non-blocking eventfd.
func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Kick adds one to the counter.
func (e *EventFD) Kick() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Drain resets the counter and returns the value it had. A counter of zero is
// not an error.
func (e *EventFD) Drain() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

// Epoll waits for any of a set of file descriptors to become readable.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
	ready  []int
}

// NewEpoll creates an epoll set that reports up to max ready descriptors per
// wait.
func NewEpoll(max int) (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:     fd,
		events: make([]unix.EpollEvent, max),
		ready:  make([]int, 0, max),
	}, nil
}

// Add watches fd for readability.
func (ep *Epoll) Add(fd int) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, fd, &event)
}

// Wait blocks until at least one descriptor is readable or the timeout
// passes. A negative timeout waits forever. The returned slice is reused by
// the next call. An interrupted wait returns no descriptors and no error.
func (ep *Epoll) Wait(timeout time.Duration) ([]int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}

	n, err := unix.EpollWait(ep.fd, ep.events, ms)
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ep.ready = ep.ready[:0]
	for _, ev := range ep.events[:n] {
		ep.ready = append(ep.ready, int(ev.Fd))
	}
	return ep.ready, nil
}

func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}
