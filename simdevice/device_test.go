package simdevice_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/mmio"
	"github.com/slackhq/vring/simdevice"
	"github.com/slackhq/vring/test"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	arena      *memory.Arena
	dev        *simdevice.Device
	tr         *mmio.Transport
	data       memory.Region
	interrupts atomic.Int32

	mu     sync.Mutex
	chains [][]simdevice.Buffer
}

func newHarness(t *testing.T, mode simdevice.Mode, mut func(*simdevice.Config)) *harness {
	arena, err := memory.NewArena(1<<20, 0x4000_0000)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, arena.Close())
	})

	h := &harness{arena: arena}
	h.data, err = arena.Alloc(64<<10, 4096)
	require.NoError(t, err)

	cfg := simdevice.Config{
		DeviceID:    virtio.BlockDeviceID,
		VendorID:    0x1af4,
		Features:    virtio.FeatureVersion1 | virtio.FeatureIndirectDescriptors,
		QueueNumMax: 256,
		Queues:      2,
		ConfigSpace: []byte{1, 2, 3, 4, 5, 6, 7, 8},
		Memory:      arena,
		Mode:        mode,
		Handler: func(_ int, chain []simdevice.Buffer) (uint32, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.chains = append(h.chains, chain)
			return uint32(len(chain)), nil
		},
		Interrupt: func() { h.interrupts.Add(1) },
	}
	if mut != nil {
		mut(&cfg)
	}

	h.dev, err = simdevice.New(test.NewLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, h.dev.Close())
	})

	h.tr, err = mmio.NewTransport(h.dev)
	require.NoError(t, err)
	return h
}

// negotiate runs the driver handshake up to FEATURES_OK.
func (h *harness) negotiate(t *testing.T, f virtio.Feature) {
	require.NoError(t, h.tr.Reset())
	h.tr.AddStatus(mmio.StatusAcknowledge)
	h.tr.AddStatus(mmio.StatusDriver)
	h.tr.SetDriverFeatures(f)
	h.tr.AddStatus(mmio.StatusFeaturesOK)
	require.True(t, h.tr.Status().Has(mmio.StatusFeaturesOK))
}

// queue sets up queue 0 with an optional indirect pool and starts the device.
func (h *harness) queue(t *testing.T, size, threshold, tables int) *virtqueue.SplitQueue {
	h.negotiate(t, virtio.FeatureVersion1|virtio.FeatureIndirectDescriptors)

	reg := metrics.NewRegistry()
	var pool *virtqueue.IndirectPool
	if tables > 0 {
		var err error
		pool, err = virtqueue.NewIndirectPool(h.arena, tables, 8, "sim", reg)
		require.NoError(t, err)
	}

	sq, err := virtqueue.NewSplitQueue(virtqueue.Config{
		Size:      size,
		Threshold: threshold,
		Memory:    h.arena,
		Indirect:  pool,
		Notify:    func() { h.tr.Notify(0) },
		Registry:  reg,
	})
	require.NoError(t, err)

	desc, driver, device := sq.Addresses()
	require.NoError(t, h.tr.SetupQueue(0, size, desc, driver, device))
	h.tr.AddStatus(mmio.StatusDriverOK)
	require.Equal(t, mmio.Status(15), h.tr.Status())
	return sq
}

// frags carves n buffers out of the data region, the last one writable.
func (h *harness) frags(n int, slot int) []virtqueue.Fragment {
	out := make([]virtqueue.Fragment, n)
	for i := range out {
		out[i] = virtqueue.Fragment{
			Addr:     h.data.Addr + uint64(slot*0x1000+i*0x100),
			Len:      0x80,
			Writable: i == n-1,
		}
	}
	return out
}

func (h *harness) seen() [][]virtqueue.Fragment {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out [][]virtqueue.Fragment
	for _, chain := range h.chains {
		var fs []virtqueue.Fragment
		for _, b := range chain {
			fs = append(fs, virtqueue.Fragment{Addr: b.Addr, Len: uint32(len(b.Bytes)), Writable: b.Writable})
		}
		out = append(out, fs)
	}
	return out
}

func TestNew(t *testing.T) {
	l := test.NewLogger()
	arena, err := memory.NewArena(4096, 0x1000)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, arena.Close())
	})

	valid := simdevice.Config{DeviceID: virtio.NetworkDeviceID, Queues: 1, QueueNumMax: 8, Memory: arena}

	tests := []struct {
		name string
		mut  func(*simdevice.Config)
	}{
		{"no memory", func(c *simdevice.Config) { c.Memory = nil }},
		{"no queues", func(c *simdevice.Config) { c.Queues = 0 }},
		{"queue limit", func(c *simdevice.Config) { c.QueueNumMax = 1 << 16 }},
		{"no device id", func(c *simdevice.Config) { c.DeviceID = virtio.InvalidDeviceID }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mut(&cfg)
			_, err := simdevice.New(l, cfg)
			assert.Error(t, err)
		})
	}

	d, err := simdevice.New(l, valid)
	require.NoError(t, err)
	assert.NoError(t, d.Close())
}

func TestDevice_Identity(t *testing.T) {
	h := newHarness(t, simdevice.ModeManual, nil)

	assert.Equal(t, virtio.BlockDeviceID, h.tr.DeviceID())
	assert.EqualValues(t, 0x1af4, h.tr.VendorID())
	assert.EqualValues(t, mmio.MagicValue, h.dev.Read32(mmio.RegMagicValue))
	assert.EqualValues(t, 0, h.dev.Read32(mmio.RegStatus))

	h.negotiate(t, virtio.FeatureVersion1)
	assert.Equal(t, virtio.FeatureVersion1|virtio.FeatureIndirectDescriptors, h.tr.DeviceFeatures())
	assert.Equal(t, virtio.FeatureVersion1, h.dev.DriverFeatures())
	assert.Equal(t, 256, h.tr.QueueNumMax(1))
	assert.Zero(t, h.tr.QueueNumMax(2))
}

func TestDevice_FeaturesReadableInAnyPhase(t *testing.T) {
	h := newHarness(t, simdevice.ModeManual, nil)
	offered := virtio.FeatureVersion1 | virtio.FeatureIndirectDescriptors

	phases := []mmio.Status{
		0,
		mmio.StatusAcknowledge,
		mmio.StatusAcknowledge | mmio.StatusDriver,
	}
	for _, s := range phases {
		h.tr.SetStatus(s)
		assert.Equal(t, offered, h.tr.DeviceFeatures(), "status %v", s)
		assert.Equal(t, 256, h.tr.QueueNumMax(1), "status %v", s)
		assert.Zero(t, h.tr.QueueNumMax(2), "status %v", s)
		assert.Equal(t, s, h.dev.Status())
	}

	h.queue(t, 8, 0, 0)
	assert.Equal(t, offered, h.tr.DeviceFeatures())
	assert.Equal(t, 256, h.tr.QueueNumMax(1))
	assert.Equal(t, mmio.Status(15), h.dev.Status())
}

func TestDevice_FeatureRefusal(t *testing.T) {
	h := newHarness(t, simdevice.ModeManual, func(c *simdevice.Config) {
		c.AcceptFeatures = func(f virtio.Feature) bool { return f.Has(virtio.FeatureVersion1) }
	})

	require.NoError(t, h.tr.Reset())
	h.tr.AddStatus(mmio.StatusAcknowledge | mmio.StatusDriver)
	h.tr.SetDriverFeatures(virtio.FeatureIndirectDescriptors)
	h.tr.AddStatus(mmio.StatusFeaturesOK)
	assert.Equal(t, mmio.StatusAcknowledge|mmio.StatusDriver, h.tr.Status())

	// Bits the device never offered are refused as well.
	require.NoError(t, h.tr.Reset())
	h.tr.AddStatus(mmio.StatusAcknowledge | mmio.StatusDriver)
	h.tr.SetDriverFeatures(virtio.FeatureVersion1 | virtio.FeatureRingPacked)
	h.tr.AddStatus(mmio.StatusFeaturesOK)
	assert.False(t, h.tr.Status().Has(mmio.StatusFeaturesOK))

	require.NoError(t, h.tr.Reset())
	h.tr.AddStatus(mmio.StatusAcknowledge | mmio.StatusDriver)
	h.tr.SetDriverFeatures(virtio.FeatureVersion1)
	h.tr.AddStatus(mmio.StatusFeaturesOK)
	assert.True(t, h.tr.Status().Has(mmio.StatusFeaturesOK))
}

func TestDevice_OutOfPhaseAccess(t *testing.T) {
	tests := []struct {
		name   string
		access func(h *harness)
	}{
		{"narrow register read", func(h *harness) { h.dev.Read16(mmio.RegStatus) }},
		{"unaligned register write", func(h *harness) { h.dev.Write32(mmio.RegQueueSel+2, 0) }},
		{"queue ready without size", func(h *harness) { h.dev.Write32(mmio.RegQueueReady, 1) }},
		{"status bits cleared", func(h *harness) { h.tr.SetStatus(mmio.StatusAcknowledge) }},
		{"doorbell before driver ok", func(h *harness) { h.tr.Notify(0) }},
		{"unknown register", func(h *harness) { h.dev.Write32(0x0f0, 1) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, simdevice.ModeManual, nil)
			h.negotiate(t, virtio.FeatureVersion1)

			tt.access(h)
			assert.True(t, h.dev.Status().Has(mmio.StatusNeedsReset))

			// Only a reset is accepted now.
			h.dev.Write32(mmio.RegQueueSel, 0)
			assert.True(t, h.dev.Status().Has(mmio.StatusNeedsReset))
			require.NoError(t, h.tr.Reset())
			assert.Zero(t, h.dev.Status())
		})
	}
}

func TestDevice_QueueSetupErrors(t *testing.T) {
	h := newHarness(t, simdevice.ModeManual, nil)
	h.negotiate(t, virtio.FeatureVersion1)

	err := h.tr.SetupQueue(5, 8, 0, 0, 0)
	assert.ErrorIs(t, err, mmio.ErrQueueUnavailable)

	err = h.tr.SetupQueue(0, 512, 0, 0, 0)
	assert.ErrorIs(t, err, mmio.ErrQueueUnavailable)
	assert.False(t, h.dev.Status().Has(mmio.StatusNeedsReset))

	// Rings outside device memory.
	err = h.tr.SetupQueue(0, 8, 0x10, 0x1000, 0x2000)
	assert.ErrorIs(t, err, mmio.ErrQueueUnavailable)
	assert.True(t, h.dev.Status().Has(mmio.StatusNeedsReset))
}

func TestDevice_Process(t *testing.T) {
	h := newHarness(t, simdevice.ModeManual, nil)
	sq := h.queue(t, 8, 4, 2)

	want := [][]virtqueue.Fragment{h.frags(2, 0), h.frags(3, 1), h.frags(5, 2)}
	for i, f := range want {
		require.NoError(t, sq.Submit(f, i))
	}
	assert.EqualValues(t, 3, h.dev.Notifications(0))

	_, ok, err := sq.Reap()
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := h.dev.Process(0)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.EqualValues(t, 1, h.interrupts.Load())
	assert.EqualValues(t, mmio.InterruptUsedBuffer, h.tr.InterruptStatus())
	h.tr.AckInterrupt(mmio.InterruptUsedBuffer)
	assert.Zero(t, h.tr.InterruptStatus())

	if diff := cmp.Diff(want, h.seen()); diff != "" {
		t.Errorf("device saw (-want +got):\n%s", diff)
	}

	for i, f := range want {
		c, ok, err := sq.Reap()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, virtqueue.Completion{Token: i, Length: uint32(len(f))}, c)
	}
	assert.Equal(t, 8, sq.FreeCount())

	n, err = h.dev.Process(0)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.dev.Process(1)
	assert.ErrorIs(t, err, simdevice.ErrQueueNotReady)
}

func TestDevice_InterruptSuppression(t *testing.T) {
	h := newHarness(t, simdevice.ModeManual, nil)
	sq := h.queue(t, 8, 0, 0)

	sq.DisableInterrupts()
	require.NoError(t, sq.Submit(h.frags(1, 0), 1))
	_, err := h.dev.Process(0)
	require.NoError(t, err)
	assert.Zero(t, h.interrupts.Load())

	sq.EnableInterrupts()
	require.NoError(t, sq.Submit(h.frags(1, 1), 2))
	_, err = h.dev.Process(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.interrupts.Load())
}

func TestDevice_SetNoNotify(t *testing.T) {
	h := newHarness(t, simdevice.ModeManual, nil)
	sq := h.queue(t, 8, 0, 0)

	require.NoError(t, h.dev.SetNoNotify(0, true))
	assert.True(t, sq.NotifySuppressed())
	require.NoError(t, sq.Submit(h.frags(1, 0), 1))
	assert.Zero(t, h.dev.Notifications(0))

	require.NoError(t, h.dev.SetNoNotify(0, false))
	assert.False(t, sq.NotifySuppressed())
	require.NoError(t, sq.Submit(h.frags(1, 1), 2))
	assert.EqualValues(t, 1, h.dev.Notifications(0))

	assert.ErrorIs(t, h.dev.SetNoNotify(1, true), simdevice.ErrQueueNotReady)
}

func TestDevice_SyncMode(t *testing.T) {
	h := newHarness(t, simdevice.ModeSync, nil)
	sq := h.queue(t, 8, 0, 0)

	require.NoError(t, sq.Submit(h.frags(3, 0), "sync"))
	c, ok, err := sq.Reap()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, virtqueue.Completion{Token: "sync", Length: 3}, c)
}

func TestDevice_BadChain(t *testing.T) {
	h := newHarness(t, simdevice.ModeManual, nil)
	sq := h.queue(t, 8, 0, 0)

	// Points outside device memory.
	require.NoError(t, sq.Submit([]virtqueue.Fragment{{Addr: 0x10, Len: 4}}, 1))
	_, err := h.dev.Process(0)
	assert.ErrorIs(t, err, simdevice.ErrBadChain)
	assert.True(t, h.dev.Status().Has(mmio.StatusNeedsReset))
	assert.EqualValues(t, mmio.InterruptConfigChange, h.tr.InterruptStatus())
	assert.EqualValues(t, 1, h.interrupts.Load())

	_, err = h.dev.Process(0)
	assert.ErrorIs(t, err, simdevice.ErrNeedsReset)
}

func TestDevice_Config(t *testing.T) {
	h := newHarness(t, simdevice.ModeManual, nil)
	h.queue(t, 8, 0, 0)

	buf := make([]byte, 4)
	h.tr.ReadConfig(buf, 2)
	assert.Equal(t, []byte{3, 4, 5, 6}, buf)
	assert.EqualValues(t, 0x0403, h.dev.Read16(mmio.RegDeviceConfigStart+2))
	assert.EqualValues(t, 0x08070605, h.dev.Read32(mmio.RegDeviceConfigStart+4))

	gen := h.tr.ConfigGeneration()
	h.dev.SetConfig([]byte{9, 9}, 6)
	assert.NotEqual(t, gen, h.tr.ConfigGeneration())
	assert.EqualValues(t, mmio.InterruptConfigChange, h.tr.InterruptStatus())
	assert.EqualValues(t, 1, h.interrupts.Load())

	buf = make([]byte, 8)
	h.tr.ReadConfig(buf, 0)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 9, 9}, buf)

	h.dev.Write8(mmio.RegDeviceConfigStart, 0xff)
	assert.EqualValues(t, 0xff, h.dev.Read8(mmio.RegDeviceConfigStart))
}

func TestDevice_Run(t *testing.T) {
	h := newHarness(t, simdevice.ModeBackground, nil)
	sq := h.queue(t, 16, 4, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.dev.Run(ctx)
	}()

	// The queue itself is not safe for concurrent use, only this goroutine
	// touches it. Exhaustion is expected while the device catches up.
	reaped := map[any]bool{}
	next := 0
	deadline := time.Now().Add(5 * time.Second)
	for len(reaped) < 12 {
		require.True(t, time.Now().Before(deadline), "reaped %d of 12", len(reaped))

		for next < 12 {
			err := sq.Submit(h.frags(1+next%5, next), next)
			if errors.Is(err, virtqueue.ErrQueueFull) || errors.Is(err, virtqueue.ErrNoIndirectSlotAvailable) {
				break
			}
			require.NoError(t, err)
			next++
		}

		c, ok, err := sq.Reap()
		require.NoError(t, err)
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		reaped[c.Token] = true
	}
	assert.Equal(t, 16, sq.FreeCount())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	h2 := newHarness(t, simdevice.ModeManual, nil)
	assert.Error(t, h2.dev.Run(context.Background()))
}

func TestDevice_RunStopsCleanly(t *testing.T) {
	h := newHarness(t, simdevice.ModeBackground, nil)

	// Cancel races with Run returning, the stop kick must never outlive Run.
	for range 50 {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- h.dev.Run(ctx)
		}()
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.dev.Run(ctx), context.Canceled)
}
