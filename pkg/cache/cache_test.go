package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetGet(t *testing.T) {
	c := New()
	defer c.Stop()

	c.Set("k", 42, time.Minute)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 42, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New()
	defer c.Stop()

	c.Set("k", "v", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestSnapshotExcludesExpired(t *testing.T) {
	c := New()
	defer c.Stop()

	c.Set("live", 1, time.Minute)
	c.Set("dead", 2, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	snap := c.Snapshot()
	assert.Len(t, snap, 1)
	assert.Contains(t, snap, "live")
}

func TestDelete(t *testing.T) {
	c := New()
	defer c.Stop()

	c.Set("k", 1, time.Minute)
	c.Delete("k")

	_, ok := c.Get("k")
	assert.False(t, ok)
}
