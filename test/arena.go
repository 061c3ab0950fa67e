package test

import (
	"testing"

	"github.com/slackhq/vring/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewArena maps a guest memory arena of size bytes at base that is unmapped
// when the test ends. Every allocation must have been freed by then.
func NewArena(t testing.TB, size int, base uint64) *memory.Arena {
	t.Helper()

	a, err := memory.NewArena(size, base)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.Equal(t, a.Size(), a.Available(), "guest memory leaked")
		assert.NoError(t, a.Close())
	})
	return a
}
