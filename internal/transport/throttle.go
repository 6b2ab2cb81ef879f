package transport

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnectThrottle rate-limits CONNECT handshakes per peer, lazily creating
// one limiter per peer id. Grounded on the teacher's per-key rate limiter
// map (infrastructure/middleware.RateLimiter.getLimiter), generalized from
// per-user/per-IP HTTP throttling to per-peer transport handshakes.
type ConnectThrottle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewConnectThrottle builds a throttle allowing requestsPerSecond sustained
// connects per peer with the given burst.
func NewConnectThrottle(requestsPerSecond float64, burst int) *ConnectThrottle {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &ConnectThrottle{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(requestsPerSecond),
		burst:    burst,
	}
}

// Allow reports whether peerID may attempt another CONNECT handshake now.
func (c *ConnectThrottle) Allow(peerID string) bool {
	return c.limiterFor(peerID).Allow()
}

func (c *ConnectThrottle) limiterFor(peerID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[peerID]
	if !ok {
		l = rate.NewLimiter(c.rps, c.burst)
		c.limiters[peerID] = l
	}
	return l
}
