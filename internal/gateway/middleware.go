package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipGuard rate-limits webhook ingress per remote IP. This is a transport
// guard against retry storms and scanners; the engine applies its own
// per-user admission control afterwards.
type ipGuard struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	buckets map[string]*ipBucket
}

type ipBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// guardSweepAge is how long an idle bucket survives.
const guardSweepAge = 10 * time.Minute

func newIPGuard(rps float64, burst int) *ipGuard {
	return &ipGuard{
		rps:     rate.Limit(rps),
		burst:   burst,
		buckets: make(map[string]*ipBucket),
	}
}

// wrap applies the guard in front of a handler. A zero rate disables it.
func (g *ipGuard) wrap(next http.Handler) http.Handler {
	if g.rps <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := remoteIP(r)
		if !g.allow(ip) {
			slog.Warn("webhook ingress rate limited", "ip", ip, "path", r.URL.Path)
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (g *ipGuard) allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.buckets[ip]
	if !ok {
		b = &ipBucket{limiter: rate.NewLimiter(g.rps, g.burst)}
		g.buckets[ip] = b
	}
	b.lastSeen = time.Now()

	if len(g.buckets) > 1024 {
		g.sweepLocked()
	}
	return b.limiter.Allow()
}

func (g *ipGuard) sweepLocked() {
	cutoff := time.Now().Add(-guardSweepAge)
	for ip, b := range g.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(g.buckets, ip)
		}
	}
}

// remoteIP strips the port from RemoteAddr. Proxy headers are deliberately
// ignored: the guard keys on the socket peer, which a client cannot spoof.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
