// Package cache holds short-lived market data shared by the engine and the
// position monitor.
package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const numShards = 16

// PriceCache is a sharded symbol to price cache. Entries older than the TTL
// are treated as missing.
type PriceCache struct {
	shards [numShards]*priceShard
	ttl    time.Duration
	now    func() time.Time
	group  singleflight.Group
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]priceEntry
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewPriceCache creates a cache whose entries live for ttl.
func NewPriceCache(ttl time.Duration) *PriceCache {
	c := &PriceCache{ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{
			items: make(map[string]priceEntry),
		}
	}
	return c
}

func (c *PriceCache) getShard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price for a symbol.
func (c *PriceCache) Set(symbol string, price float64) {
	shard := c.getShard(symbol)
	shard.mu.Lock()
	shard.items[symbol] = priceEntry{price: price, updatedAt: c.now()}
	shard.mu.Unlock()
}

// Get returns a fresh price for symbol.
func (c *PriceCache) Get(symbol string) (float64, bool) {
	price, age, ok := c.GetWithAge(symbol)
	if !ok || age >= c.ttl {
		return 0, false
	}
	return price, true
}

// GetWithAge returns the stored price and its age, fresh or not.
func (c *PriceCache) GetWithAge(symbol string) (float64, time.Duration, bool) {
	shard := c.getShard(symbol)
	shard.mu.RLock()
	entry, ok := shard.items[symbol]
	shard.mu.RUnlock()
	if !ok {
		return 0, 0, false
	}
	return entry.price, c.now().Sub(entry.updatedAt), true
}

// Fetch returns the cached price or calls load once for all concurrent
// callers asking for the same symbol. Failed loads are not cached.
func (c *PriceCache) Fetch(ctx context.Context, symbol string, load func(context.Context, string) (float64, error)) (float64, error) {
	if price, ok := c.Get(symbol); ok {
		return price, nil
	}
	v, err, _ := c.group.Do(symbol, func() (any, error) {
		price, err := load(ctx, symbol)
		if err != nil {
			return 0.0, err
		}
		c.Set(symbol, price)
		return price, nil
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

// Len returns total items across all shards.
func (c *PriceCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes expired entries and reports how many went.
func (c *PriceCache) Cleanup() int {
	removed := 0
	cutoff := c.now().Add(-c.ttl)
	for _, shard := range c.shards {
		shard.mu.Lock()
		for sym, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, sym)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
