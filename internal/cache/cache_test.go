package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func TestSetThenGet(t *testing.T) {
	t.Parallel()

	c := New()
	c.Set("k", "v", time.Minute)

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestGetAfterTTLElapses(t *testing.T) {
	t.Parallel()

	clock := newClock()
	c := New(WithClock(clock.Now))
	c.Set("k", 42, time.Minute)

	clock.Advance(59 * time.Second)
	_, ok := c.Get("k")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestSetReplacesEntry(t *testing.T) {
	t.Parallel()

	clock := newClock()
	c := New(WithClock(clock.Now))
	c.Set("k", "old", time.Second)
	c.Set("k", "new", time.Hour)

	clock.Advance(time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "new", got)
}

func TestNonPositiveTTLStoresNothing(t *testing.T) {
	t.Parallel()

	c := New()
	c.Set("k", "v", 0)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestDeleteAndClear(t *testing.T) {
	t.Parallel()

	c := New()
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Set("c", 3, time.Minute)

	c.Delete("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	assert.Equal(t, 2, c.Clear())
	for _, k := range []string{"a", "b", "c"} {
		_, ok := c.Get(k)
		assert.False(t, ok, k)
	}
}

func TestCleanupExpired(t *testing.T) {
	t.Parallel()

	clock := newClock()
	c := New(WithClock(clock.Now))
	c.Set("short", 1, time.Minute)
	c.Set("long", 2, time.Hour)

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.CleanupExpired())

	stats := c.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)
}

func TestStats(t *testing.T) {
	t.Parallel()

	c := New()
	assert.Equal(t, 0.0, c.Stats().HitRatePercent)

	c.Set("k", 1, time.Minute)
	c.Get("k")
	c.Get("k")
	c.Get("missing")

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(3), stats.TotalRequests)
	assert.InDelta(t, 66.67, stats.HitRatePercent, 0.001)
}

func TestKeyIsStable(t *testing.T) {
	t.Parallel()

	type params struct {
		Tags  []string
		Limit int
	}

	a := Key("rankings", params{Tags: []string{"Go", "Python"}, Limit: 10})
	b := Key("rankings", params{Tags: []string{"Go", "Python"}, Limit: 10})
	c := Key("rankings", params{Tags: []string{"Go"}, Limit: 10})
	d := Key("tags", params{Tags: []string{"Go", "Python"}, Limit: 10})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)

	m1 := Key("m", map[string]int{"a": 1, "b": 2})
	m2 := Key("m", map[string]int{"b": 2, "a": 1})
	assert.Equal(t, m1, m2)
}

func TestRunJanitor(t *testing.T) {
	t.Parallel()

	clock := newClock()
	c := New(WithClock(clock.Now))
	c.Set("k", 1, time.Millisecond)
	clock.Advance(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	swept := make(chan int, 1)
	go c.RunJanitor(ctx, 5*time.Millisecond, func(removed int) {
		if removed > 0 {
			select {
			case swept <- removed:
			default:
			}
		}
	})
	defer cancel()

	select {
	case n := <-swept:
		assert.Equal(t, 1, n)
	case <-time.After(2 * time.Second):
		t.Fatal("janitor did not sweep")
	}
}

func TestConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := fmt.Sprintf("k%d", j%10)
				c.Set(key, i, time.Minute)
				c.Get(key)
				if j%50 == 0 {
					c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()

	stats := c.Stats()
	assert.Equal(t, int64(8*200), stats.TotalRequests)
}
