package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/metrics"
)

// GasTracker periodically refreshes the suggested gas price of a network
type GasTracker struct {
	source   blockchain.ClientSource
	network  string
	interval time.Duration
	cache    *GasPriceCache
	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool
	logger   logger.Logger
}

// NewGasTracker creates a tracker; prices are reused for ttl before asking the node again
func NewGasTracker(source blockchain.ClientSource, network string, interval, ttl time.Duration, log logger.Logger) *GasTracker {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &GasTracker{
		source:   source,
		network:  network,
		interval: interval,
		cache:    NewGasPriceCache(ttl),
		logger:   log,
	}
}

// Start begins the periodic updates
func (g *GasTracker) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return
	}

	g.stopChan = make(chan struct{})
	g.running = true

	go g.run(ctx, g.stopChan)
}

// Stop halts the periodic updates
func (g *GasTracker) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return
	}

	close(g.stopChan)
	g.stopChan = nil
	g.running = false
}

// IsRunning returns whether the routine is currently running
func (g *GasTracker) IsRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}

func (g *GasTracker) run(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	if _, err := g.refresh(ctx); err != nil {
		g.logger.Error("Failed to update gas price for %s: %v", g.network, err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := g.refresh(ctx); err != nil {
				g.logger.Error("Failed to update gas price for %s: %v", g.network, err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SuggestGasPrice returns the cached price, asking the node when the cache is stale
func (g *GasTracker) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if price, ok := g.cache.Get(g.network); ok {
		return price, nil
	}
	return g.refresh(ctx)
}

// Invalidate drops the cached price
func (g *GasTracker) Invalidate() {
	g.cache.Clear()
}

func (g *GasTracker) refresh(ctx context.Context) (*big.Int, error) {
	client, err := g.source.Client(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get client: %v", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := client.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %v", err)
	}

	g.cache.Set(g.network, gasPrice)
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(gasPrice), big.NewFloat(1e9)).Float64()
	metrics.GasPrice.WithLabelValues(g.network).Set(gwei)
	return gasPrice, nil
}
