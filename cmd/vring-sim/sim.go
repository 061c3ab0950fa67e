package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
	"github.com/dustin/go-humanize"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring"
	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/eventfd"
	"github.com/slackhq/vring/memory"
	"github.com/slackhq/vring/mmio"
	"github.com/slackhq/vring/simdevice"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
	"golang.org/x/sync/errgroup"
)

// arenaBase is where guest memory starts in the simulated address space.
const arenaBase = 0x1_0000_0000

type workload struct {
	requests  int
	fragments int
}

type summary struct {
	requests uint64
	bytes    uint64
	retries  uint64
	elapsed  time.Duration
}

func (s summary) String() string {
	rate := float64(s.requests) / s.elapsed.Seconds()
	return fmt.Sprintf("completed=%s bytes=%s retries=%s duration=%s rate=%s req/s",
		humanize.Comma(int64(s.requests)),
		humanize.Bytes(s.bytes),
		humanize.Comma(int64(s.retries)),
		s.elapsed.Round(time.Millisecond),
		humanize.Comma(int64(rate)),
	)
}

// request is the token of one submission. The reaper closes done.
type request struct {
	id     int
	length uint32
	done   chan struct{}
}

func getBytes(c *config.C, k, d string) (uint64, error) {
	raw := c.GetString(k, d)
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return v, nil
}

// echo copies the readable part of a chain into its writable part.
func echo(_ int, chain []simdevice.Buffer) (uint32, error) {
	var in []byte
	for _, b := range chain {
		if !b.Writable {
			in = append(in, b.Bytes...)
		}
	}

	var n uint32
	for _, b := range chain {
		if b.Writable {
			n += uint32(copy(b.Bytes, in[min(int(n), len(in)):]))
		}
	}
	return n, nil
}

type sim struct {
	w     workload
	dev   *vring.Device
	arena *memory.Arena
	data  memory.Region

	fragmentSize int
	queues       int
	locks        []sync.Mutex
	// slots hands out data buffers, one per in-flight request.
	slots chan int

	completed atomic.Uint64
	bytes     atomic.Uint64
	retries   atomic.Uint64
}

// run pushes w through a device attached to a simulated peer. With
// configTest set only the configuration is checked.
func run(ctx context.Context, l *logrus.Logger, c *config.C, w workload, configTest bool) (*summary, error) {
	if w.requests <= 0 || w.fragments <= 0 {
		return nil, fmt.Errorf("requests and fragments must be positive, got %d and %d", w.requests, w.fragments)
	}

	options, err := vring.OptionsFromConfig(c)
	if err != nil {
		return nil, err
	}
	queues, err := vring.QueuesFromConfig(c)
	if err != nil {
		return nil, err
	}
	maxConcurrency := c.GetInt("device.max_concurrency", 0)

	memSize, err := getBytes(c, "sim.memory", "16MiB")
	if err != nil {
		return nil, err
	}
	fragmentSize, err := getBytes(c, "sim.fragment_size", "4KiB")
	if err != nil {
		return nil, err
	}
	if fragmentSize == 0 || fragmentSize > 1<<20 {
		return nil, fmt.Errorf("sim.fragment_size %s out of range", humanize.IBytes(fragmentSize))
	}

	reg := metrics.NewRegistry()
	if err := vring.StartStats(ctx, l, c, reg, Build, configTest); err != nil {
		return nil, fmt.Errorf("failed to start stats emitter: %w", err)
	}

	if configTest {
		return nil, nil
	}

	arena, err := memory.NewArena(int(memSize), arenaBase)
	if err != nil {
		return nil, err
	}
	defer logClose(l, "arena", arena.Close)

	irq, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("interrupt eventfd: %w", err)
	}
	defer logClose(l, "interrupt eventfd", irq.Close)

	peer, err := simdevice.New(l, simdevice.Config{
		DeviceID:    virtio.BlockDeviceID,
		VendorID:    0x56524e47,
		Features:    virtio.FeatureVersion1 | virtio.FeatureIndirectDescriptors | virtio.FeatureInOrder,
		QueueNumMax: c.GetInt("sim.queue_num_max", 1024),
		Queues:      queues,
		Memory:      arena,
		Mode:        simdevice.ModeBackground,
		Handler:     echo,
		Interrupt: func() {
			if err := irq.Kick(); err != nil {
				l.WithError(err).Error("Failed to raise interrupt")
			}
		},
	})
	if err != nil {
		return nil, err
	}
	defer logClose(l, "simulated device", peer.Close)

	transport, err := mmio.NewTransport(peer)
	if err != nil {
		return nil, err
	}

	options = append(options, vring.WithMetricsRegistry(reg))
	dev, err := vring.NewDevice(l, transport, arena, virtio.BlockDeviceID,
		virtio.FeatureVersion1|virtio.FeatureIndirectDescriptors, options...)
	if err != nil {
		return nil, err
	}
	defer logClose(l, "device", dev.Close)

	if err := dev.AllocQueues(queues); err != nil {
		return nil, err
	}

	data, err := arena.Alloc(maxConcurrency*w.fragments*int(fragmentSize), memory.PageSize)
	if err != nil {
		return nil, fmt.Errorf("request buffers: %w", err)
	}
	defer logClose(l, "request buffers", func() error { return arena.Free(data) })

	if err := dev.MarkReady(); err != nil {
		return nil, err
	}

	s := &sim{
		w:            w,
		dev:          dev,
		arena:        arena,
		data:         data,
		fragmentSize: int(fragmentSize),
		queues:       queues,
		locks:        make([]sync.Mutex, queues),
		slots:        make(chan int, maxConcurrency),
	}
	for i := range maxConcurrency {
		s.slots <- i
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := peer.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return s.reap(gctx, irq)
	})

	start := time.Now()
	g.Go(func() error {
		err := s.submitAll(gctx, maxConcurrency)
		if err == nil {
			// Everything has been reaped, stop the peer and the reaper.
			cancel()
		}
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &summary{
		requests: s.completed.Load(),
		bytes:    s.bytes.Load(),
		retries:  s.retries.Load(),
		elapsed:  time.Since(start),
	}, nil
}

// submitAll runs every request through a pool of workers and returns once
// all of them completed or one failed.
func (s *sim) submitAll(ctx context.Context, workers int) error {
	pool := pond.New(workers, s.w.requests)

	var (
		once     sync.Once
		firstErr error
	)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for id := range s.w.requests {
		pool.Submit(func() {
			if ctx.Err() != nil {
				return
			}
			if err := s.do(ctx, id); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		})
	}
	pool.StopAndWait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// do submits request id and waits for the reaper to hand it back.
func (s *sim) do(ctx context.Context, id int) error {
	var slot int
	select {
	case slot = <-s.slots:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { s.slots <- slot }()

	frags, pattern, err := s.fill(slot, id)
	if err != nil {
		return err
	}

	q := id % s.queues
	req := &request{id: id, done: make(chan struct{})}
	for {
		s.locks[q].Lock()
		err = s.dev.Submit(q, frags, req)
		s.locks[q].Unlock()

		if err == nil {
			break
		}
		if !vring.IsExhausted(err) {
			return fmt.Errorf("request %d: %w", id, err)
		}

		s.retries.Add(1)
		select {
		case <-time.After(50 * time.Microsecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case <-req.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.verify(frags, req, pattern)
}

// fill prepares the buffers of a slot: every fragment but the last is
// readable and carries a pattern derived from id, the last one receives the
// echo.
func (s *sim) fill(slot, id int) ([]virtqueue.Fragment, byte, error) {
	pattern := byte(id%251) + 1
	base := s.data.Addr + uint64(slot*s.w.fragments*s.fragmentSize)

	frags := make([]virtqueue.Fragment, s.w.fragments)
	for i := range frags {
		frags[i] = virtqueue.Fragment{
			Addr:     base + uint64(i*s.fragmentSize),
			Len:      uint32(s.fragmentSize),
			Writable: i == len(frags)-1 && len(frags) > 1,
		}

		b, err := s.arena.MemAt(frags[i].Addr, s.fragmentSize)
		if err != nil {
			return nil, 0, err
		}
		fill := pattern
		if frags[i].Writable {
			fill = 0
		}
		for j := range b {
			b[j] = fill
		}
	}
	return frags, pattern, nil
}

func (s *sim) verify(frags []virtqueue.Fragment, req *request, pattern byte) error {
	last := frags[len(frags)-1]
	if !last.Writable {
		return nil
	}
	if req.length != last.Len {
		return fmt.Errorf("request %d: device wrote %d bytes, expected %d", req.id, req.length, last.Len)
	}

	b, err := s.arena.MemAt(last.Addr, int(last.Len))
	if err != nil {
		return err
	}
	for i, v := range b {
		if v != pattern {
			return fmt.Errorf("request %d: byte %d is %#x, expected %#x", req.id, i, v, pattern)
		}
	}
	return nil
}

// reap hands completions back to their submitters each time the peer raises
// an interrupt.
func (s *sim) reap(ctx context.Context, irq *eventfd.EventFD) error {
	ep, err := eventfd.NewEpoll(1)
	if err != nil {
		return err
	}
	defer ep.Close()

	if err := ep.Add(irq.FD()); err != nil {
		return err
	}

	for {
		for q := range s.queues {
			if err := s.reapQueue(q); err != nil {
				return err
			}
		}

		if ctx.Err() != nil {
			return nil
		}

		if _, err := ep.Wait(100 * time.Millisecond); err != nil {
			return err
		}
		if _, err := irq.Drain(); err != nil {
			return err
		}
		s.dev.AckInterrupt(s.dev.InterruptStatus())
	}
}

func (s *sim) reapQueue(q int) error {
	s.locks[q].Lock()
	defer s.locks[q].Unlock()

	for {
		c, ok, err := s.dev.Reap(q)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		req := c.Token.(*request)
		req.length = c.Length
		s.completed.Add(1)
		s.bytes.Add(uint64(c.Length))
		close(req.done)
	}
}

// logClose runs a deferred cleanup and logs its error, run has already
// produced its result by then.
func logClose(l *logrus.Logger, what string, fn func() error) {
	if err := fn(); err != nil {
		l.WithError(err).WithField("resource", what).Error("Failed to release")
	}
}
