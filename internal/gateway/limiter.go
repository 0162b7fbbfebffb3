// ABOUTME: Per-remote-address token bucket limiter for unauthenticated agent endpoints
// ABOUTME: Stale entries are dropped by Prune so the map stays bounded by active peers

package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// visitor is one remote address and when it was last seen.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// remoteLimiter rate limits requests per remote address.
type remoteLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	idle     time.Duration
	now      func() time.Time
}

func newRemoteLimiter(perSecond float64, burst int) *remoteLimiter {
	if burst < 1 {
		burst = 1
	}
	return &remoteLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		now:      time.Now,
	}
}

// allow reports whether addr may make a request now.
func (l *remoteLimiter) allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v, ok := l.visitors[addr]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[addr] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Prune removes addresses idle for longer than the idle period.
func (l *remoteLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for addr, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idle {
			delete(l.visitors, addr)
		}
	}
}

func (l *remoteLimiter) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// remoteHost returns the host part of the request's remote address.
// Forwarding headers are not trusted.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
