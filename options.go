package vring

import (
	"fmt"
	"strings"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/vring/util/virtio"
	"github.com/slackhq/vring/virtqueue"
)

// IndirectPolicy decides which queues share an indirect table pool.
type IndirectPolicy int

const (
	// IndirectShared gives all queues of a device one pool.
	IndirectShared IndirectPolicy = iota
	// IndirectPerQueue gives every queue its own pool.
	IndirectPerQueue
)

// ParseIndirectPolicy reads "shared" or "per_queue".
func ParseIndirectPolicy(s string) (IndirectPolicy, error) {
	switch strings.ToLower(s) {
	case "shared":
		return IndirectShared, nil
	case "per_queue":
		return IndirectPerQueue, nil
	default:
		return 0, fmt.Errorf("%w: unknown indirect policy %q, possible policies: [shared per_queue]", ErrInvalidOptions, s)
	}
}

func (p IndirectPolicy) String() string {
	switch p {
	case IndirectShared:
		return "shared"
	case IndirectPerQueue:
		return "per_queue"
	default:
		return fmt.Sprintf("IndirectPolicy(%d)", int(p))
	}
}

type optionValues struct {
	maxConcurrency   int
	queueSize        int
	indirectPolicy   IndirectPolicy
	indirectCapacity int
	required         virtio.Feature
	barriers         virtqueue.Barriers
	registry         metrics.Registry
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

func (o *optionValues) validate() error {
	if o.maxConcurrency <= 0 {
		return fmt.Errorf("%w: max concurrency is required and must be positive, got %d", ErrInvalidOptions, o.maxConcurrency)
	}
	if err := virtqueue.CheckQueueSize(o.queueSize); err != nil {
		return err
	}
	if o.indirectPolicy != IndirectShared && o.indirectPolicy != IndirectPerQueue {
		return fmt.Errorf("%w: indirect policy %v", ErrInvalidOptions, o.indirectPolicy)
	}
	if o.indirectCapacity <= 0 || o.indirectCapacity > virtqueue.MaxQueueSize {
		return fmt.Errorf("%w: indirect table capacity %d", ErrInvalidOptions, o.indirectCapacity)
	}
	return nil
}

var optionDefaults = optionValues{
	// Required.
	maxConcurrency:   0,
	queueSize:        256,
	indirectPolicy:   IndirectShared,
	indirectCapacity: 32,
	required:         virtio.FeatureVersion1,
}

// Option can be passed to [NewDevice] to influence device creation.
type Option func(*optionValues)

// WithMaxConcurrency returns an [Option] that sets how many requests the
// caller keeps outstanding at most. It is both the number of indirect tables
// per pool and the number of descriptors held in reserve: a request that
// would leave fewer free descriptors than this goes indirect.
// This is required.
func WithMaxConcurrency(n int) Option {
	return func(o *optionValues) { o.maxConcurrency = n }
}

// WithQueueSize returns an [Option] that sets the number of descriptors per
// queue. It must be a power of 2 from 1 to 32768. A device that supports less
// gets the largest power of 2 it does support.
func WithQueueSize(queueSize int) Option {
	return func(o *optionValues) { o.queueSize = queueSize }
}

// WithIndirectPolicy returns an [Option] that selects whether queues share
// their indirect tables. The default is [IndirectShared].
func WithIndirectPolicy(p IndirectPolicy) Option {
	return func(o *optionValues) { o.indirectPolicy = p }
}

// WithIndirectCapacity returns an [Option] that sets how many fragments one
// indirect table holds, which bounds the fragments of an indirect request.
func WithIndirectCapacity(n int) Option {
	return func(o *optionValues) { o.indirectCapacity = n }
}

// WithRequiredFeatures returns an [Option] that sets the features the device
// must offer. They are added to the supported set. The default is
// [virtio.FeatureVersion1].
func WithRequiredFeatures(f virtio.Feature) Option {
	return func(o *optionValues) { o.required = f }
}

// WithBarriers returns an [Option] that replaces the memory barriers of every
// queue. Only simulations need this.
func WithBarriers(b virtqueue.Barriers) Option {
	return func(o *optionValues) { o.barriers = b }
}

// WithMetricsRegistry returns an [Option] that sets where queue and pool
// metrics are registered. The default is metrics.DefaultRegistry.
func WithMetricsRegistry(r metrics.Registry) Option {
	return func(o *optionValues) { o.registry = r }
}
