package network

import (
	"net"
	"sync"
	"time"
)

// rateTracker counts new connections per source IP within a one second
// window.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	now       func() time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

// newRateTracker creates a tracker. maxPerSec <= 0 disables limiting.
func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
		now:       time.Now,
	}
}

func (rt *rateTracker) allow(ip string) bool {
	if rt.maxPerSec <= 0 {
		return true
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

// prune drops buckets whose window ended before cutoff.
func (rt *rateTracker) prune(cutoff time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for ip, b := range rt.counts {
		if b.windowStart.Add(time.Second).Before(cutoff) {
			delete(rt.counts, ip)
		}
	}
}

func extractIP(addr net.Addr) string {
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
