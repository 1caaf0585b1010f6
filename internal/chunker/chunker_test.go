package chunker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGrowth_RequiresTwoConsecutiveFastChunks(t *testing.T) {
	c := New(2, 16, 10*time.Second)

	c.Observe(1 * time.Second)
	assert.Equal(t, 2, c.Size(), "one fast chunk must not grow the size")

	c.Observe(1 * time.Second)
	assert.Equal(t, 4, c.Size(), "second consecutive fast chunk doubles")
}

func TestGrowth_StreakResetsOnNormalChunk(t *testing.T) {
	c := New(2, 16, 10*time.Second)

	c.Observe(1 * time.Second)
	c.Observe(9 * time.Second) // within band, resets streak
	c.Observe(1 * time.Second)
	assert.Equal(t, 2, c.Size())
}

func TestShrink_HalvesOnSlowChunk(t *testing.T) {
	c := New(1, 16, 10*time.Second)
	c.Observe(time.Second)
	c.Observe(time.Second)
	c.Observe(time.Second)
	c.Observe(time.Second)
	assert.Equal(t, 4, c.Size())

	c.Observe(16 * time.Second)
	assert.Equal(t, 2, c.Size())
}

func TestBounds_NeverLeaveRange(t *testing.T) {
	c := New(2, 8, 10*time.Second)

	// Extreme fast chunks: grow to cap and stay.
	for i := 0; i < 50; i++ {
		c.Observe(time.Millisecond)
		assert.GreaterOrEqual(t, c.Size(), 2)
		assert.LessOrEqual(t, c.Size(), 8)
	}
	assert.Equal(t, 8, c.Size())

	// Extreme slow chunks: shrink to floor and stay.
	for i := 0; i < 50; i++ {
		c.Observe(time.Hour)
		assert.GreaterOrEqual(t, c.Size(), 2)
		assert.LessOrEqual(t, c.Size(), 8)
	}
	assert.Equal(t, 2, c.Size())
}

func TestNew_NormalizesDegenerateBounds(t *testing.T) {
	c := New(0, 0, 0)
	assert.Equal(t, 1, c.Size())
	c.Observe(time.Hour)
	assert.Equal(t, 1, c.Size())
}
