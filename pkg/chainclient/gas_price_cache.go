package chainclient

import (
	"math/big"
	"sync"
	"time"
)

// GasPriceCache holds suggested gas prices per network for a limited time
type GasPriceCache struct {
	mu       sync.RWMutex
	cache    map[string]*cachedPrice
	cacheTTL time.Duration
}

// cachedPrice represents a cached gas price with timestamp
type cachedPrice struct {
	price     *big.Int
	timestamp time.Time
}

// NewGasPriceCache creates a new gas price cache
func NewGasPriceCache(cacheTTL time.Duration) *GasPriceCache {
	return &GasPriceCache{
		cache:    make(map[string]*cachedPrice),
		cacheTTL: cacheTTL,
	}
}

// Get retrieves a cached price if it's still valid
func (c *GasPriceCache) Get(network string) (*big.Int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, exists := c.cache[network]
	if !exists {
		return nil, false
	}
	if time.Since(cached.timestamp) > c.cacheTTL {
		return nil, false
	}
	return new(big.Int).Set(cached.price), true
}

// Set stores a price in the cache with current timestamp
func (c *GasPriceCache) Set(network string, price *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[network] = &cachedPrice{
		price:     new(big.Int).Set(price),
		timestamp: time.Now(),
	}
}

// Clear removes all cached entries
func (c *GasPriceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache = make(map[string]*cachedPrice)
}
