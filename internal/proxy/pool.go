package proxy

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/astracat2022/edged/internal/config"
)

// Pool bounds the number of concurrent in-flight requests per upstream
// address with a weighted semaphore (golang.org/x/sync/semaphore),
// generalizing the teacher's single shared http.Transport into one
// transport plus a checkout gate per backend, per spec §5's "bounded
// connection pool per upstream" requirement.
type Pool struct {
	transport  *http.Transport
	mu         sync.Mutex
	sems       map[string]*semaphore.Weighted
	maxPerHost int64
}

func NewPool(cfg config.PoolConfig) *Pool {
	maxPerHost := int64(cfg.MaxPerHost)
	if maxPerHost <= 0 {
		maxPerHost = 64
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 90 * time.Second
	}
	return &Pool{
		transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConns:          int(maxPerHost) * 4,
			MaxIdleConnsPerHost:   int(maxPerHost),
			IdleConnTimeout:       idle,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			ForceAttemptHTTP2:     true,
		},
		sems:       map[string]*semaphore.Weighted{},
		maxPerHost: maxPerHost,
	}
}

func (p *Pool) semFor(address string) *semaphore.Weighted {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sems[address]
	if !ok {
		s = semaphore.NewWeighted(p.maxPerHost)
		p.sems[address] = s
	}
	return s
}

// Checkout blocks until a slot against address is free or ctx is done.
// The returned release func must be called exactly once.
func (p *Pool) Checkout(ctx context.Context, address string) (release func(), err error) {
	sem := p.semFor(address)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

func (p *Pool) Transport() http.RoundTripper { return p.transport }
