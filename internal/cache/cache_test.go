package cache

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClockedCache() (*Cache, *time.Time) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	c := New()
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_Expiry(t *testing.T) {
	c, now := newClockedCache()

	c.Set("token", "abc", time.Minute)
	v, ok := c.Get("token")
	require.True(t, ok)
	assert.Equal(t, "abc", v)

	*now = now.Add(time.Minute)
	_, ok = c.Get("token")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestCache_SetUntilAndPurge(t *testing.T) {
	c, now := newClockedCache()

	c.SetUntil("a", 1, now.Add(time.Second))
	c.Set("b", 2, 0)

	*now = now.Add(2 * time.Second)
	assert.Equal(t, 1, c.Purge())

	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCache_Remember(t *testing.T) {
	c, _ := newClockedCache()
	calls := 0
	load := func() (interface{}, error) {
		calls++
		return "catalog", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.Remember("services:US", time.Minute, load)
		require.NoError(t, err)
		assert.Equal(t, "catalog", v)
	}
	assert.Equal(t, 1, calls)

	_, err := c.Remember("failing", time.Minute, func() (interface{}, error) {
		return nil, errors.New("vendor down")
	})
	assert.Error(t, err)
	_, ok := c.Get("failing")
	assert.False(t, ok)
}

func TestCache_RememberSharesConcurrentLoads(t *testing.T) {
	c := New()
	var calls int32
	release := make(chan struct{})
	load := func() (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "catalog", nil
	}

	var wg sync.WaitGroup
	results := make([]interface{}, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Remember("textverified:services", time.Minute, load)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, v := range results {
		assert.Equal(t, "catalog", v)
	}
}
