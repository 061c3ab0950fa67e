package virtqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckQueueSize(t *testing.T) {
	tests := []struct {
		name        string
		queueSize   int
		containsErr string
	}{
		{name: "negative", queueSize: -1, containsErr: "too small"},
		{name: "zero", queueSize: 0, containsErr: "too small"},
		{name: "not a power of 2", queueSize: 24, containsErr: "not a power of 2"},
		{name: "too large", queueSize: 65536, containsErr: "larger than the maximum"},
		{name: "valid 1", queueSize: 1},
		{name: "valid 256", queueSize: 256},
		{name: "valid 32768", queueSize: 32768},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQueueSize(tt.queueSize)
			if tt.containsErr != "" {
				assert.ErrorIs(t, err, ErrInvalidQueueSize)
				assert.ErrorContains(t, err, tt.containsErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLayout(t *testing.T) {
	tests := []struct {
		size      int
		available int
		used      int
		total     int
	}{
		{size: 1, available: 16, used: 4096, total: 4096 + 14},
		{size: 8, available: 128, used: 4096, total: 4096 + 70},
		{size: 256, available: 4096, used: 8192, total: 8192 + 2054},
	}
	for _, tt := range tests {
		available, used, total := Layout(tt.size)
		assert.Equal(t, tt.available, available, "size %d", tt.size)
		assert.Equal(t, tt.used, used, "size %d", tt.size)
		assert.Equal(t, tt.total, total, "size %d", tt.size)
	}
}
