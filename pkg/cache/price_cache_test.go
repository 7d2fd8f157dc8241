package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPriceCacheExpires(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewPriceCache(time.Second)
	c.now = func() time.Time { return now }

	c.Set("BTCUSDT", 50000)
	price, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.0, price)

	now = now.Add(2 * time.Second)
	_, ok = c.Get("BTCUSDT")
	assert.False(t, ok)

	price, age, ok := c.GetWithAge("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 50000.0, price)
	assert.Equal(t, 2*time.Second, age)

	assert.Equal(t, 1, c.Cleanup())
	assert.Zero(t, c.Len())
}

func TestFetchLoadsOncePerTTL(t *testing.T) {
	c := NewPriceCache(time.Minute)
	var calls atomic.Int32
	load := func(context.Context, string) (float64, error) {
		calls.Add(1)
		return 3000, nil
	}

	for i := 0; i < 3; i++ {
		price, err := c.Fetch(context.Background(), "ETHUSDT", load)
		require.NoError(t, err)
		assert.Equal(t, 3000.0, price)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchCoalescesConcurrentLoads(t *testing.T) {
	c := NewPriceCache(time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})
	load := func(context.Context, string) (float64, error) {
		calls.Add(1)
		<-release
		return 1.5, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			price, err := c.Fetch(context.Background(), "XRPUSDT", load)
			assert.NoError(t, err)
			assert.Equal(t, 1.5, price)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Less(t, calls.Load(), int32(8))
	price, ok := c.Get("XRPUSDT")
	require.True(t, ok)
	assert.Equal(t, 1.5, price)
}

func TestFetchDoesNotCacheErrors(t *testing.T) {
	c := NewPriceCache(time.Minute)
	_, err := c.Fetch(context.Background(), "BTCUSDT", func(context.Context, string) (float64, error) {
		return 0, errors.New("down")
	})
	require.Error(t, err)
	assert.Zero(t, c.Len())

	price, err := c.Fetch(context.Background(), "BTCUSDT", func(context.Context, string) (float64, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42.0, price)
}
