package ratelimit

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	ErrIPBlocked  = errors.New("ip address blocked")
	ErrIPVelocity = errors.New("ip request velocity exceeded")
)

// IPGuard rejects blocklisted networks and addresses sending faster than the
// configured per-IP rate. It is independent of the per-user buckets.
type IPGuard struct {
	blocked []netip.Prefix
	limit   rate.Limit
	burst   int
	idle    time.Duration

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPGuard parses the CIDR blocklist. perSecond <= 0 disables velocity
// checks.
func NewIPGuard(blockedCIDRs []string, perSecond float64, burst int) (*IPGuard, error) {
	g := &IPGuard{
		limit:    rate.Limit(perSecond),
		burst:    max(burst, 1),
		idle:     3 * time.Minute,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
	for _, raw := range blockedCIDRs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			addr, aerr := netip.ParseAddr(raw)
			if aerr != nil {
				return nil, fmt.Errorf("invalid blocked cidr %q: %w", raw, err)
			}
			p = netip.PrefixFrom(addr, addr.BitLen())
		}
		g.blocked = append(g.blocked, p.Masked())
	}
	return g, nil
}

func (g *IPGuard) Check(ip string) error {
	if addr, err := netip.ParseAddr(strings.TrimSpace(ip)); err == nil {
		addr = addr.Unmap()
		for _, p := range g.blocked {
			if p.Contains(addr) {
				return ErrIPBlocked
			}
		}
	}
	if g.limit <= 0 || ip == "" {
		return nil
	}
	now := g.now()
	if !g.visitor(ip, now).AllowN(now, 1) {
		return ErrIPVelocity
	}
	return nil
}

func (g *IPGuard) visitor(ip string, now time.Time) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now.Sub(g.lastSweep) > g.idle {
		for k, v := range g.visitors {
			if now.Sub(v.lastSeen) > g.idle {
				delete(g.visitors, k)
			}
		}
		g.lastSweep = now
	}
	v, ok := g.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}
