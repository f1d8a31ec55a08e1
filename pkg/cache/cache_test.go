package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func TestCache_SetGetExpire(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := NewWithClock[string, int](time.Minute, clock.Now)
	defer c.Stop()

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clock.Advance(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok)

	stats := c.GetStats()
	assert.Equal(t, 1, stats.TotalKeys)
	assert.Equal(t, 1, stats.Expired)

	c.Purge()
	assert.Equal(t, 0, c.Size())
}

func TestCache_AddIfAbsent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := NewWithClock[string, struct{}](time.Minute, clock.Now)
	defer c.Stop()

	assert.True(t, c.AddIfAbsent("msg_1", struct{}{}))
	assert.False(t, c.AddIfAbsent("msg_1", struct{}{}))
	assert.True(t, c.AddIfAbsent("msg_2", struct{}{}))

	clock.Advance(61 * time.Second)
	assert.True(t, c.AddIfAbsent("msg_1", struct{}{}), "expired ids are accepted again")
}

func TestCache_DeleteAndStopTwice(t *testing.T) {
	c := New[int, string](time.Minute)
	c.SetWithTTL(1, "one", time.Hour)
	c.Delete(1)
	_, ok := c.Get(1)
	assert.False(t, ok)

	c.Stop()
	assert.NotPanics(t, c.Stop)
}
