// Package ratelimit provides token buckets for websocket frames and login
// attempts.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type Limiter struct {
	clock      clock.Clock
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	mu         sync.Mutex
}

// NewLimiter returns a full bucket refilling at rate tokens per second.
func NewLimiter(clk clock.Clock, rate float64, burst int) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	return &Limiter{
		clock:      clk,
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: clk.Now(),
	}
}

func (l *Limiter) Allow() bool { return l.AllowN(1) }

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

// refill requires l.mu.
func (l *Limiter) refill() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// idle reports whether the bucket has not been used since cutoff.
func (l *Limiter) idle(cutoff time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastUpdate.Before(cutoff)
}

// ClientLimiters keeps one Limiter per client key, such as a remote address.
type ClientLimiters struct {
	clock    clock.Clock
	limiters map[string]*Limiter
	rate     float64
	burst    int
	mu       sync.RWMutex
	// limiters unused for this long are dropped
	expiry time.Duration
	stop   chan struct{}
}

func NewClientLimiters(clk clock.Clock, rate float64, burst int) *ClientLimiters {
	if clk == nil {
		clk = clock.New()
	}
	cl := &ClientLimiters{
		clock:    clk,
		limiters: make(map[string]*Limiter),
		rate:     rate,
		burst:    burst,
		expiry:   5 * time.Minute,
		stop:     make(chan struct{}),
	}
	go cl.cleanup()
	return cl
}

// Allow takes a token from the bucket of clientID.
func (cl *ClientLimiters) Allow(clientID string) bool {
	return cl.Get(clientID).Allow()
}

func (cl *ClientLimiters) Get(clientID string) *Limiter {
	cl.mu.RLock()
	limiter, ok := cl.limiters[clientID]
	cl.mu.RUnlock()

	if ok {
		return limiter
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if limiter, ok := cl.limiters[clientID]; ok {
		return limiter
	}

	limiter = NewLimiter(cl.clock, cl.rate, cl.burst)
	cl.limiters[clientID] = limiter
	return limiter
}

func (cl *ClientLimiters) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.limiters, clientID)
}

func (cl *ClientLimiters) Len() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.limiters)
}

func (cl *ClientLimiters) Stop() {
	close(cl.stop)
}

// Sweep drops limiters unused for the expiry period.
func (cl *ClientLimiters) Sweep() {
	cutoff := cl.clock.Now().Add(-cl.expiry)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	for id, l := range cl.limiters {
		if l.idle(cutoff) {
			delete(cl.limiters, id)
		}
	}
}

func (cl *ClientLimiters) cleanup() {
	ticker := cl.clock.Ticker(cl.expiry)
	defer ticker.Stop()

	for {
		select {
		case <-cl.stop:
			return
		case <-ticker.C:
			cl.Sweep()
		}
	}
}
