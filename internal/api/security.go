package api

import (
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type SecurityConfig struct {
	// PollRateLimit is the sustained number of poll and stream requests
	// per second allowed from one client IP.
	PollRateLimit     float64
	PollRateBurst     int
	TrustedProxyCIDRs []string
	// IdentityProxiesOnly makes the default identity resolver ignore the
	// X-Message-Bus-* headers unless the request comes from a trusted proxy.
	IdentityProxiesOnly bool
}

func defaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		PollRateLimit: 20,
		PollRateBurst: 40,
	}
}

func normalizeSecurityConfig(cfg SecurityConfig) SecurityConfig {
	def := defaultSecurityConfig()
	if cfg.PollRateLimit <= 0 {
		cfg.PollRateLimit = def.PollRateLimit
	}
	if cfg.PollRateBurst <= 0 {
		cfg.PollRateBurst = def.PollRateBurst
	}
	if len(cfg.TrustedProxyCIDRs) > 0 {
		cfg.TrustedProxyCIDRs = append([]string{}, cfg.TrustedProxyCIDRs...)
	}
	return cfg
}

func parseTrustedProxyCIDRs(values []string) ([]*net.IPNet, []string) {
	var nets []*net.IPNet
	var invalid []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		_, n, err := net.ParseCIDR(v)
		if err != nil {
			invalid = append(invalid, v)
			continue
		}
		nets = append(nets, n)
	}
	return nets, invalid
}

// limiterIdle is how long a per-IP limiter may go unused before it is
// forgotten.
const limiterIdle = 10 * time.Minute

type ipLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	buckets   map[string]*limiterBucket
	lastSweep time.Time
}

type limiterBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	return &ipLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: map[string]*limiterBucket{},
	}
}

func (l *ipLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= limiterIdle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) >= limiterIdle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b := l.buckets[key]
	if b == nil {
		b = &limiterBucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	return b.lim.AllowN(now, 1)
}
