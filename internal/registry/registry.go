// Package registry maintains the merged backend set: the union of statically
// configured endpoints and endpoints discovered by the resolver, grouped by
// stable backend identity, with health and active-connection accounting.
//
// The package keeps the teacher's registry vocabulary (Register/Discover by
// another name: ApplyStatic/ApplyResolved/Snapshot) but the implementation is
// an in-memory, single-owner store instead of an etcd-backed remote one —
// this proxy coordinates nothing across instances (spec non-goal).
package registry

import (
	"fmt"
	"sort"
	"sync"

	"quadlb/internal/endpoint"
	"quadlb/internal/logging"
)

// ResolvedDiff is what the resolver publishes after each resolution tick:
// the backends it now has endpoints for (added or changed), and the keys
// that disappeared entirely. A regrouped address (moved from one host key to
// another) leaves its old key, which appears in Added with its remaining
// endpoints or in Removed if none remain, and joins its new key in Added,
// per spec §4.1 ("treated as remove-then-add").
type ResolvedDiff struct {
	Added   map[string][]endpoint.Endpoint
	Removed []string
}

// Registry is the single owner of backend membership and state. Readers
// obtain immutable snapshots; active-connection accounting is lock-free via
// the Backend's own atomic counter.
type Registry struct {
	mu      sync.Mutex
	byKey   map[string]*endpoint.Backend
	ordered []*endpoint.Backend // sorted by Key, rebuilt on membership change
	log     *logging.Logger
}

// New creates an empty registry.
func New(log *logging.Logger) *Registry {
	return &Registry{
		byKey: make(map[string]*endpoint.Backend),
		log:   log,
	}
}

// Snapshot returns the current ordered backend list. The slice and its
// Backend pointers are safe to read concurrently with registry mutation;
// Backend fields are themselves synchronized.
func (r *Registry) Snapshot() []*endpoint.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*endpoint.Backend, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// NoteSelection accounts one new forward to the given backend.
func (r *Registry) NoteSelection(key string) {
	r.mu.Lock()
	b := r.byKey[key]
	r.mu.Unlock()
	if b == nil {
		return
	}
	b.IncActive()
}

// NoteRelease accounts the end of one forward, and finalizes deregistration
// of a draining backend once its active count reaches zero (spec §4.2).
func (r *Registry) NoteRelease(key string) {
	r.mu.Lock()
	b := r.byKey[key]
	r.mu.Unlock()
	if b == nil {
		return
	}
	b.DecActive()
	if b.Draining() && b.Active() == 0 {
		r.finalizeRemoval(key)
	}
}

func (r *Registry) finalizeRemoval(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byKey[key]
	if !ok || !b.Draining() || b.Active() != 0 {
		return
	}
	delete(r.byKey, key)
	r.rebuildOrderedLocked()
	if r.log != nil {
		r.log.Info("backend deregistered", logging.String("key", key))
	}
}

// ApplyStatic merges a fresh static endpoint set into the registry. Each
// static endpoint is its own backend keyed by the endpoint literal (spec §3).
// Idempotent: applying the same set twice in a row is a no-op the second
// time.
func (r *Registry) ApplyStatic(set []endpoint.Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[string]endpoint.Endpoint, len(set))
	for _, e := range set {
		wanted[e.String()] = e
	}

	for key, e := range wanted {
		b, ok := r.byKey[key]
		if !ok {
			b = endpoint.NewBackend(key, []endpoint.Endpoint{e}, endpoint.SourceStatic)
			r.byKey[key] = b
			if r.log != nil {
				r.log.Info("backend added", logging.String("key", key), logging.String("source", "static"))
			}
			continue
		}
		src := b.Source()
		if src&endpoint.SourceStatic == 0 {
			b.SetSource(src | endpoint.SourceStatic)
		}
		b.SetDraining(false)
	}

	// Anything currently static-sourced but absent from the new set loses
	// its static membership.
	for key, b := range r.byKey {
		if b.Source()&endpoint.SourceStatic == 0 {
			continue
		}
		if _, stillWanted := wanted[key]; stillWanted {
			continue
		}
		r.dropSourceLocked(key, b, endpoint.SourceStatic)
	}

	r.rebuildOrderedLocked()
}

// ApplyResolved merges a resolver diff into the registry, grouping endpoints
// by the resolver-assigned host key (spec §4.1/§4.2).
func (r *Registry) ApplyResolved(diff ResolvedDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, eps := range diff.Added {
		if len(eps) == 0 {
			continue
		}
		b, ok := r.byKey[key]
		if !ok {
			b = endpoint.NewBackend(key, eps, endpoint.SourceDynamic)
			r.byKey[key] = b
			if r.log != nil {
				r.log.Info("backend added", logging.String("key", key), logging.String("source", "dynamic"))
			}
			continue
		}
		b.SetEndpoints(eps)
		src := b.Source()
		if src&endpoint.SourceDynamic == 0 {
			b.SetSource(src | endpoint.SourceDynamic)
		}
		b.SetDraining(false)
	}

	for _, key := range diff.Removed {
		b, ok := r.byKey[key]
		if !ok {
			continue
		}
		r.dropSourceLocked(key, b, endpoint.SourceDynamic)
	}

	r.rebuildOrderedLocked()
}

// dropSourceLocked removes one membership bit from a backend. If no source
// remains, the backend drains (if still active) or is removed immediately.
// Caller must hold r.mu.
func (r *Registry) dropSourceLocked(key string, b *endpoint.Backend, bit endpoint.Source) {
	remaining := b.Source() &^ bit
	b.SetSource(remaining)
	if remaining != 0 {
		return
	}
	if b.Active() == 0 {
		delete(r.byKey, key)
		if r.log != nil {
			r.log.Info("backend deregistered", logging.String("key", key))
		}
		return
	}
	b.SetDraining(true)
	if r.log != nil {
		r.log.Info("backend draining", logging.String("key", key), logging.Int("active", int(b.Active())))
	}
}

// UpdateHealth is the registry-facing half of a health transition; the
// hysteresis logic itself lives in internal/health, which calls this once a
// transition is decided.
func (r *Registry) UpdateHealth(key string, healthy bool, newHealth endpoint.Health) {
	r.mu.Lock()
	b := r.byKey[key]
	r.mu.Unlock()
	if b == nil {
		return
	}
	if r.log != nil {
		r.log.Info("backend health transition",
			logging.String("key", key), logging.String("state", newHealth.String()))
	}
}

// Get returns the backend for a key, or nil if unregistered.
func (r *Registry) Get(key string) *endpoint.Backend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byKey[key]
}

func (r *Registry) rebuildOrderedLocked() {
	ordered := make([]*endpoint.Backend, 0, len(r.byKey))
	for _, b := range r.byKey {
		ordered = append(ordered, b)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key < ordered[j].Key })
	r.ordered = ordered
}

// String renders a compact membership summary for startup/debug logging.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("registry{%d backends}", len(r.byKey))
}
