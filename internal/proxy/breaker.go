package proxy

import (
	"sync"
	"time"
)

type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker is a per-target circuit breaker implementing the
// Closed/Open/HalfOpen state machine from spec §5: it opens after
// FailureThreshold consecutive failures, stays open for OpenTimeout,
// then allows a single HalfOpen probe before closing or re-opening.
// Each reopen from HalfOpen doubles the cooldown, capped at ten times
// OpenTimeout.
type Breaker struct {
	mu sync.Mutex

	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
	currentCooldown time.Duration

	FailureThreshold int
	OpenTimeout      time.Duration
	MaxCooldown      time.Duration
}

func NewBreaker(threshold int, openTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}
	return &Breaker{FailureThreshold: threshold, OpenTimeout: openTimeout, MaxCooldown: 10 * openTimeout}
}

// Allow reports whether a request may be attempted against this
// target, transitioning Open→HalfOpen once the timeout elapses.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.currentCooldown {
			b.state = HalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probeInFlight = false
	b.state = Closed
	b.currentCooldown = 0
}

// RecordFailure reopens the breaker, doubling the cooldown each time it
// reopens from HalfOpen (up to MaxCooldown), per spec §4.E's "failure
// reopens with doubled cooldown up to a cap."
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
	switch b.state {
	case HalfOpen:
		b.state = Open
		b.openedAt = time.Now()
		b.currentCooldown *= 2
		if b.currentCooldown > b.MaxCooldown {
			b.currentCooldown = b.MaxCooldown
		}
	case Closed:
		b.failures++
		if b.failures >= b.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
			b.currentCooldown = b.OpenTimeout
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerSet owns one Breaker per target address.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	threshold int
	timeout   time.Duration
}

func NewBreakerSet(threshold int, timeout time.Duration) *BreakerSet {
	return &BreakerSet{breakers: map[string]*Breaker{}, threshold: threshold, timeout: timeout}
}

func (bs *BreakerSet) For(address string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.breakers[address]
	if !ok {
		b = NewBreaker(bs.threshold, bs.timeout)
		bs.breakers[address] = b
	}
	return b
}
