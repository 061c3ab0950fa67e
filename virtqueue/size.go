package virtqueue

import "fmt"

// MaxQueueSize is the largest power of 2 whose double still fits the 16-bit
// ring indexes.
const MaxQueueSize = 32768

// CheckQueueSize checks if the given value would be a valid size for a
// virtqueue and returns an [ErrInvalidQueueSize], if not.
func CheckQueueSize(queueSize int) error {
	if queueSize <= 0 {
		return fmt.Errorf("%w: %d is too small", ErrInvalidQueueSize, queueSize)
	}

	// Ring indexes wrap correctly at 16 bits only for powers of 2.
	if queueSize&(queueSize-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrInvalidQueueSize, queueSize)
	}

	if queueSize > MaxQueueSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible queue size %d",
			ErrInvalidQueueSize, queueSize, MaxQueueSize)
	}

	return nil
}
