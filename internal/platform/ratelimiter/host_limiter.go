package ratelimiter

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter keeps one token bucket per server host so a misbehaving site
// cannot make the client hammer it. Idle buckets are dropped after idleTTL.
type HostLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	hosts  map[string]*bucket
	sweeps uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns nil when rps or burst is not positive; a nil limiter allows
// everything.
func New(rps float64, burst int, idleTTL time.Duration) *HostLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &HostLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		hosts:   make(map[string]*bucket),
	}
}

func (l *HostLimiter) bucketFor(host string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.hosts[host]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.hosts[host] = b
	}
	b.lastSeen = now

	l.sweeps++
	if l.sweeps%256 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.hosts {
			if k != host && v.lastSeen.Before(cutoff) {
				delete(l.hosts, k)
			}
		}
	}
	return b.limiter
}

// Allow consumes one token for host at now without blocking.
func (l *HostLimiter) Allow(host string, now time.Time) bool {
	if l == nil {
		return true
	}
	host = normalize(host)
	if host == "" {
		return true
	}
	return l.bucketFor(host, now).AllowN(now, 1)
}

// Wait blocks until a token for host is available or ctx is done.
func (l *HostLimiter) Wait(ctx context.Context, host string) error {
	if l == nil {
		return nil
	}
	host = normalize(host)
	if host == "" {
		return nil
	}
	return l.bucketFor(host, time.Now()).Wait(ctx)
}

// Len reports how many hosts currently hold a bucket.
func (l *HostLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

func normalize(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}
