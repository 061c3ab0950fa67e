package vring

import (
	"fmt"

	"github.com/slackhq/vring/config"
	"github.com/slackhq/vring/util/virtio"
)

// OptionsFromConfig turns the device block of c into options for
// [NewDevice]. device.max_concurrency has no default.
func OptionsFromConfig(c *config.C) ([]Option, error) {
	maxConcurrency, err := c.RequireInt("device.max_concurrency")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}

	policy, err := ParseIndirectPolicy(c.GetString("device.indirect.policy", IndirectShared.String()))
	if err != nil {
		return nil, err
	}

	required, err := virtio.ParseFeatures(c.GetStringSlice("device.required_features", []string{"version_1"}))
	if err != nil {
		return nil, fmt.Errorf("%w: device.required_features: %w", ErrInvalidOptions, err)
	}

	opts := []Option{
		WithMaxConcurrency(maxConcurrency),
		WithQueueSize(c.GetInt("device.queue_size", optionDefaults.queueSize)),
		WithIndirectPolicy(policy),
		WithIndirectCapacity(c.GetInt("device.indirect.max_fragments", optionDefaults.indirectCapacity)),
		WithRequiredFeatures(required),
	}

	// Validate now so a bad config is reported before a device is touched.
	o := optionDefaults
	o.apply(opts)
	if err := o.validate(); err != nil {
		return nil, err
	}

	return opts, nil
}

// QueuesFromConfig returns device.queues, which defaults to 1.
func QueuesFromConfig(c *config.C) (int, error) {
	n := c.GetInt("device.queues", 1)
	if n <= 0 {
		return 0, fmt.Errorf("%w: device.queues must be positive, got %d", ErrInvalidOptions, n)
	}
	return n, nil
}
