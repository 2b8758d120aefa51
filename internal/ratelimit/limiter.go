// Package ratelimit throttles offers per client.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when a client exceeds its budget
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client key
type Limiter struct {
	enabled        bool
	requestsPerMin int
	burstSize      int
	expirationTime time.Duration

	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// New creates a limiter allowing requestsPerMin with burst per client.
// A zero rate disables limiting.
func New(requestsPerMin, burst int, expiration time.Duration) *Limiter {
	if expiration <= 0 {
		expiration = 10 * time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		enabled:        requestsPerMin > 0,
		requestsPerMin: requestsPerMin,
		burstSize:      burst,
		expirationTime: expiration,
		clients:        make(map[string]*clientLimiter),
	}
}

// Allow consumes one token for clientID
func (l *Limiter) Allow(clientID string) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	c, exists := l.clients[clientID]
	if !exists {
		// Convert requests per minute to requests per second
		rps := float64(l.requestsPerMin) / 60.0
		c = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(rps), l.burstSize)}
		l.clients[clientID] = c
	}
	c.lastSeen = time.Now()
	l.mu.Unlock()

	if !c.limiter.Allow() {
		return ErrRateLimitExceeded
	}
	return nil
}

// Headers returns rate limit headers for clientID
func (l *Limiter) Headers(clientID string) map[string]string {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	c, exists := l.clients[clientID]
	l.mu.Unlock()

	headers := map[string]string{
		"X-RateLimit-Limit": strconv.Itoa(l.requestsPerMin),
	}
	if exists {
		headers["X-RateLimit-Remaining"] = strconv.Itoa(int(c.limiter.Tokens()))
	}
	return headers
}

// Reset forgets clientID
func (l *Limiter) Reset(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.clients, clientID)
}

// Len returns the number of tracked clients
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.clients)
}

// Run evicts idle clients every interval until ctx is done
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeExpired(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

// removeExpired removes limiters that haven't been used for a while
func (l *Limiter) removeExpired(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for clientID, c := range l.clients {
		if now.Sub(c.lastSeen) > l.expirationTime {
			delete(l.clients, clientID)
		}
	}
}
