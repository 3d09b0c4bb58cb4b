package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterIncDecReset(t *testing.T) {
	c := NewCounter()
	c.Inc(3)
	c.Inc(2)
	assert.Equal(t, int64(5), c.Count())

	c.Dec(1)
	assert.Equal(t, int64(4), c.Count())

	c.Reset()
	assert.Equal(t, int64(0), c.Count())
}

func TestCounterSnapshotIsFrozen(t *testing.T) {
	c := NewCounter()
	c.Inc(7)
	snap := c.Snapshot()
	assert.Equal(t, int64(7), snap.Count())

	c.Inc(10)
	assert.Equal(t, int64(7), snap.Count(), "a snapshot must not observe later mutations")

	assert.Panics(t, func() { snap.Inc(1) })
	assert.Panics(t, func() { snap.Dec(1) })
	assert.Panics(t, func() { snap.Reset() })
}

func TestNewMetricsStartsAtZero(t *testing.T) {
	m := New()
	assert.Equal(t, int64(0), m.Puts.Count())
	assert.Equal(t, int64(0), m.Commits.Count())
}
