package eventfd

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gvisor "gvisor.dev/gvisor/pkg/eventfd"
)

func TestEventFD_KickDrain(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Close())
		assert.NoError(t, e.Close())
	})

	n, err := e.Drain()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, e.Kick())
	require.NoError(t, e.Kick())
	n, err = e.Drain()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = e.Drain()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEpoll_Wait(t *testing.T) {
	a, err := New()
	require.NoError(t, err)
	b, err := New()
	require.NoError(t, err)
	ep, err := NewEpoll(2)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
		assert.NoError(t, a.Close())
		assert.NoError(t, b.Close())
	})

	require.NoError(t, ep.Add(a.FD()))
	require.NoError(t, ep.Add(b.FD()))

	ready, err := ep.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)

	require.NoError(t, b.Kick())
	ready, err = ep.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{b.FD()}, ready)

	// Level triggered: still ready until drained.
	ready, err = ep.Wait(0)
	require.NoError(t, err)
	assert.Equal(t, []int{b.FD()}, ready)

	_, err = b.Drain()
	require.NoError(t, err)
	ready, err = ep.Wait(0)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func TestEpoll_WakesBlockedWaiter(t *testing.T) {
	e, err := New()
	require.NoError(t, err)
	ep, err := NewEpoll(1)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
		assert.NoError(t, e.Close())
	})
	require.NoError(t, ep.Add(e.FD()))

	done := make(chan []int)
	go func() {
		ready, _ := ep.Wait(-1)
		done <- append([]int(nil), ready...)
	}()

	select {
	case <-done:
		t.Fatal("waiter returned before the kick")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, e.Kick())
	select {
	case ready := <-done:
		assert.Equal(t, []int{e.FD()}, ready)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

// Our epoll set must see doorbells rung through another eventfd
// implementation, such as one shared with a vhost backend.
func TestEpoll_ForeignEventFD(t *testing.T) {
	efd, err := gvisor.Create()
	require.NoError(t, err)
	ep, err := NewEpoll(1)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, ep.Close())
		assert.NoError(t, efd.Close())
	})

	require.NoError(t, ep.Add(efd.FD()))
	require.NoError(t, efd.Notify())

	ready, err := ep.Wait(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int{efd.FD()}, ready)
}

// Tests how an eventfd and a waiting goroutine can be gracefully closed.
// Extends the eventfd test suite:
// https://github.com/google/gvisor/blob/0799336d64be65eb97d330606c30162dc3440cab/pkg/eventfd/eventfd_test.go
func TestEventFD_CancelWait(t *testing.T) {
	efd, err := gvisor.Create()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, efd.Close())
	})

	var stop atomic.Bool

	done := make(chan struct{})
	go func() {
		for !stop.Load() {
			_ = efd.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		t.Fatalf("goroutine ended early")
	case <-time.After(500 * time.Millisecond):
	}

	stop.Store(true)
	assert.NoError(t, efd.Notify())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("goroutine did not end")
	}
}
