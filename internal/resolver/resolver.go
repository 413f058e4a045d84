// Package resolver periodically resolves the ring domain to backend
// addresses and groups them by reverse-DNS host identity (spec §4.1).
//
// The Lookup/ReverseLookup split mirrors the ResolverModule interface shape
// from the dropbox-kglb example; here it's a concrete struct rather than an
// interface, since this proxy has exactly one resolution strategy
// (net.Resolver) and no plugin point the spec calls for.
package resolver

import (
	"context"
	"net"
	"sync"
	"time"

	"quadlb/internal/endpoint"
	"quadlb/internal/logging"
	"quadlb/internal/registry"
)

// Config carries the resolver's tunables (spec §4.1/§5).
type Config struct {
	Host     string
	Port     int
	Interval time.Duration // default 30s
	Timeout  time.Duration // default 5s
}

// DefaultInterval resolves the Open Question on the exact resolve interval
// (see DESIGN.md); DefaultTimeout bounds each forward and reverse lookup.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Resolver periodically resolves Config.Host and publishes diffs to a
// registry. Resolution failures retain the last known set (spec §4.1); a
// failure counter is exposed via Stats for diagnostics.
type Resolver struct {
	cfg Config
	reg *registry.Registry
	log *logging.Logger

	netResolver *net.Resolver

	reverseCache sync.Map // net.IP.String() -> host key (cached for process lifetime)

	mu       sync.Mutex
	lastKeys map[string][]endpoint.Endpoint // last successful snapshot, by host key
	failures int64
}

// New builds a Resolver for the given ring domain.
func New(cfg Config, reg *registry.Registry, log *logging.Logger) *Resolver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Resolver{
		cfg:         cfg,
		reg:         reg,
		log:         log,
		netResolver: net.DefaultResolver,
		lastKeys:    make(map[string][]endpoint.Endpoint),
	}
}

// Stats is the diagnostic counter set spec §4.1 calls for.
type Stats struct {
	Failures int64
}

func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Failures: r.failures}
}

// Run resolves on a ticker until ctx is canceled, publishing a diff to the
// registry after every successful tick. A failed tick publishes nothing,
// leaving the registry's dynamic membership untouched.
func (r *Resolver) Run(ctx context.Context) {
	r.tick(ctx)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Resolver) tick(ctx context.Context) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	addrs, err := r.netResolver.LookupIPAddr(lookupCtx, r.cfg.Host)
	if err != nil || len(addrs) == 0 {
		r.mu.Lock()
		r.failures++
		r.mu.Unlock()
		if r.log != nil {
			r.log.Warn("ring_domain resolution failed, retaining last known set",
				logging.String("host", r.cfg.Host), logging.Error(err))
		}
		return
	}

	grouped := make(map[string][]endpoint.Endpoint)
	for _, a := range addrs {
		key := r.hostKeyFor(lookupCtx, a.IP)
		grouped[key] = append(grouped[key], endpoint.Endpoint{IP: a.IP, Port: r.cfg.Port})
	}

	diff := r.diffAgainstLast(grouped)
	r.mu.Lock()
	r.lastKeys = grouped
	r.mu.Unlock()

	r.reg.ApplyResolved(diff)
}

// hostKeyFor reverse-resolves ip to a hostname, caching the result for the
// process lifetime (spec §4.1: "the IP→host mapping is assumed stable").
// Falls back to the IP literal if reverse resolution fails or times out.
func (r *Resolver) hostKeyFor(ctx context.Context, ip net.IP) string {
	cacheKey := ip.String()
	if v, ok := r.reverseCache.Load(cacheKey); ok {
		return v.(string)
	}

	names, err := r.netResolver.LookupAddr(ctx, cacheKey)
	var key string
	if err != nil || len(names) == 0 {
		key = cacheKey
	} else {
		key = names[0]
	}
	r.reverseCache.Store(cacheKey, key)
	return key
}

// diffAgainstLast computes {added, removed} relative to the previous
// snapshot. A key whose endpoint set changed is treated as "added" with the
// new set (the registry's ApplyResolved overwrites rather than unions, so a
// shrinking endpoint set is reflected correctly). A regrouped address (moved
// to a different key) shows up as removed from its old key and added under
// its new one, satisfying spec §4.1's "remove-then-add" rule.
func (r *Resolver) diffAgainstLast(current map[string][]endpoint.Endpoint) registry.ResolvedDiff {
	r.mu.Lock()
	last := r.lastKeys
	r.mu.Unlock()

	diff := registry.ResolvedDiff{Added: make(map[string][]endpoint.Endpoint)}
	for key, eps := range current {
		if !sameEndpointSet(last[key], eps) {
			diff.Added[key] = eps
		}
	}
	for key := range last {
		if _, stillPresent := current[key]; !stillPresent {
			diff.Removed = append(diff.Removed, key)
		}
	}
	return diff
}

func sameEndpointSet(a, b []endpoint.Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, e := range a {
		seen[e.String()] = true
	}
	for _, e := range b {
		if !seen[e.String()] {
			return false
		}
	}
	return true
}
