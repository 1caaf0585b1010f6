// Package chunker sizes extraction chunks so that checkpoint latency stays
// roughly constant regardless of upstream load variance. The chunk is the
// unit of checkpointing: a smaller chunk bounds redo-on-crash, a larger one
// amortizes commit overhead.
package chunker

import "time"

// Controller decides how many cursor-client calls make up the next chunk.
// Not safe for concurrent use; one controller belongs to one job.
type Controller struct {
	size    int
	min     int
	max     int
	target  time.Duration
	fastRun int
}

// New creates a controller starting at min size. Bounds are normalized so
// that 1 <= min <= max.
func New(min, max int, target time.Duration) *Controller {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	if target <= 0 {
		target = 30 * time.Second
	}
	return &Controller{size: min, min: min, max: max, target: target}
}

// Size returns the number of API calls for the next chunk. The value never
// leaves [min, max].
func (c *Controller) Size() int {
	return c.size
}

// Observe records the wall-clock duration of a completed chunk and adjusts
// the next chunk size. Two consecutive chunks under half the target grow
// the size; a single chunk over 1.5x the target halves it.
func (c *Controller) Observe(duration time.Duration) {
	switch {
	case duration < c.target/2:
		c.fastRun++
		if c.fastRun >= 2 {
			c.size *= 2
			if c.size > c.max {
				c.size = c.max
			}
			c.fastRun = 0
		}
	case duration > c.target+c.target/2:
		c.size /= 2
		if c.size < c.min {
			c.size = c.min
		}
		c.fastRun = 0
	default:
		c.fastRun = 0
	}
}
