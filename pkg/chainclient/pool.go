package chainclient

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/speedrun-hq/sentinel/pkg/blockchain"
	"github.com/speedrun-hq/sentinel/pkg/circuitbreaker"
	"github.com/speedrun-hq/sentinel/pkg/logger"
	"github.com/speedrun-hq/sentinel/pkg/metrics"
)

// ErrNoEndpoints is returned when a pool is built without urls
var ErrNoEndpoints = errors.New("no RPC endpoints configured")

// BreakerSettings configures the per-endpoint circuit breakers
type BreakerSettings struct {
	Enabled      bool
	Threshold    int
	Window       time.Duration
	ResetTimeout time.Duration
}

// PoolConfig configures a Pool
type PoolConfig struct {
	URLs    []string
	Dial    DialFunc
	Breaker BreakerSettings
	// Shuffle randomizes the candidate order once at construction
	Shuffle bool
	Logger  logger.Logger
}

type endpoint struct {
	url     string
	breaker *circuitbreaker.CircuitBreaker
}

// EndpointStatus is reported on the status route
type EndpointStatus struct {
	URL       string               `json:"url"`
	Current   bool                 `json:"current"`
	Connected bool                 `json:"connected"`
	Circuit   circuitbreaker.State `json:"circuit"`
}

// Pool is a ring of RPC endpoints.
// The candidate list never changes after NewPool; rotation only moves an atomic index,
// and endpoints with an open breaker are skipped rather than removed.
type Pool struct {
	endpoints []*endpoint
	index     atomic.Uint64
	dial      DialFunc

	mu      sync.Mutex
	clients map[string]blockchain.Client

	logger logger.Logger
}

var _ blockchain.ClientSource = (*Pool)(nil)

// NewPool creates a pool over cfg.URLs
func NewPool(cfg PoolConfig) (*Pool, error) {
	if len(cfg.URLs) == 0 {
		return nil, ErrNoEndpoints
	}
	if cfg.Dial == nil {
		return nil, fmt.Errorf("dial function is required")
	}
	log := cfg.Logger
	if log == nil {
		log = &logger.EmptyLogger{}
	}

	urls := make([]string, len(cfg.URLs))
	copy(urls, cfg.URLs)
	if cfg.Shuffle {
		rand.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })
	}

	threshold := cfg.Breaker.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	endpoints := make([]*endpoint, len(urls))
	for i, url := range urls {
		endpoints[i] = &endpoint{
			url: url,
			breaker: circuitbreaker.NewCircuitBreaker(
				url,
				cfg.Breaker.Enabled,
				threshold,
				cfg.Breaker.Window,
				cfg.Breaker.ResetTimeout,
				circuitbreaker.WithLogger(log),
			),
		}
	}

	return &Pool{
		endpoints: endpoints,
		dial:      cfg.Dial,
		clients:   make(map[string]blockchain.Client),
		logger:    log,
	}, nil
}

// offset returns the distance from base to the first endpoint with a closed breaker.
// When every breaker is open the endpoint at base is used anyway.
func (p *Pool) offset(base uint64) uint64 {
	n := uint64(len(p.endpoints))
	for i := uint64(0); i < n; i++ {
		if !p.endpoints[(base+i)%n].breaker.IsOpen() {
			return i
		}
	}
	return 0
}

// Current returns the url calls should go to next
func (p *Pool) Current() string {
	base := p.index.Load()
	n := uint64(len(p.endpoints))
	return p.endpoints[(base+p.offset(base))%n].url
}

// Acquire returns the current url and a connected client for it.
// A dial failure is reported against the endpoint before returning.
func (p *Pool) Acquire(ctx context.Context) (string, blockchain.Client, error) {
	url := p.Current()

	p.mu.Lock()
	client, ok := p.clients[url]
	p.mu.Unlock()
	if ok {
		return url, client, nil
	}

	client, err := p.dial(ctx, url)
	if err != nil {
		p.ReportFailure(url)
		return url, nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}

	p.mu.Lock()
	if existing, ok := p.clients[url]; ok {
		p.mu.Unlock()
		closeClient(client)
		return url, existing, nil
	}
	p.clients[url] = client
	p.mu.Unlock()

	p.logger.Debug("Connected to RPC endpoint %s", url)
	return url, client, nil
}

// Client implements blockchain.ClientSource
func (p *Pool) Client(ctx context.Context) (blockchain.Client, error) {
	_, client, err := p.Acquire(ctx)
	return client, err
}

// ReportFailure records a failed call against url and rotates away from it.
// The index only moves if url is still the current endpoint, so two callers
// reporting the same failure rotate once.
func (p *Pool) ReportFailure(url string) {
	metrics.EndpointFailures.WithLabelValues(url).Inc()

	ep := p.find(url)
	if ep == nil {
		return
	}

	base := p.index.Load()
	off := p.offset(base)
	current := p.endpoints[(base+off)%uint64(len(p.endpoints))].url

	if ep.breaker.RecordFailure() {
		p.logger.Notice("RPC endpoint %s circuit open", url)
	}
	if current == url {
		p.index.CompareAndSwap(base, base+off+1)
	}
}

// ReportSuccess clears the failure count of url
func (p *Pool) ReportSuccess(url string) {
	if ep := p.find(url); ep != nil {
		ep.breaker.RecordSuccess()
	}
}

// Advance rotates to the next endpoint unconditionally
func (p *Pool) Advance() {
	p.index.Add(1)
}

// Size returns the number of endpoints
func (p *Pool) Size() int {
	return len(p.endpoints)
}

// Endpoints returns the status of every endpoint in ring order
func (p *Pool) Endpoints() []EndpointStatus {
	current := p.Current()

	p.mu.Lock()
	defer p.mu.Unlock()

	status := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		_, connected := p.clients[ep.url]
		status = append(status, EndpointStatus{
			URL:       ep.url,
			Current:   ep.url == current,
			Connected: connected,
			Circuit:   ep.breaker.GetState(),
		})
	}
	return status
}

// ResetBreakers closes every endpoint circuit
func (p *Pool) ResetBreakers() {
	for _, ep := range p.endpoints {
		ep.breaker.Reset()
	}
}

// ResetBreaker closes the circuit of url, reporting whether it exists
func (p *Pool) ResetBreaker(url string) bool {
	ep := p.find(url)
	if ep == nil {
		return false
	}
	ep.breaker.Reset()
	return true
}

// Close drops all cached clients
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for url, client := range p.clients {
		closeClient(client)
		delete(p.clients, url)
	}
}

func (p *Pool) find(url string) *endpoint {
	for _, ep := range p.endpoints {
		if ep.url == url {
			return ep
		}
	}
	return nil
}

func closeClient(client blockchain.Client) {
	if c, ok := client.(interface{ Close() }); ok {
		c.Close()
	}
}
