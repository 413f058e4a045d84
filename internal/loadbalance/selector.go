// Package loadbalance implements the selection policy engine (spec §4.4).
//
// The teacher's Balancer type was an open interface with three
// implementations (RoundRobin, WeightedRandom, ConsistentHash) picked by
// wiring in a concrete struct at startup. Spec §9's design notes call for
// exactly the opposite shape here: "model as a tagged variant with the two
// cases rather than an open hierarchy... adding a strategy is a new
// variant." Selector is that closed variant; Policy is the tag.
package loadbalance

import (
	"errors"
	"sort"
	"sync"

	"quadlb/internal/endpoint"
)

// Policy is the selection strategy tag.
type Policy int

const (
	RoundRobin Policy = iota
	LeastConnections
)

// ErrNoBackend is returned when the snapshot has no eligible backend.
var ErrNoBackend = errors.New("loadbalance: no eligible backend")

// Selector is a pure function over a registry snapshot plus a small amount
// of policy-owned state (the round-robin rotation cursor). It performs no
// I/O and is not on the byte-forwarding hot path (spec §4.4/§5).
type Selector struct {
	policy Policy

	mu     sync.Mutex // guards cursor; short critical section, selection-rate not forwarding-rate
	cursor string      // last key returned by round-robin (or used for tie-break), "" initially
}

// NewSelector builds a Selector for the given policy.
func NewSelector(p Policy) *Selector {
	return &Selector{policy: p}
}

// Pick chooses one backend key from the snapshot. The snapshot need not be
// pre-filtered; Pick filters to eligible (healthy, non-draining, non-empty)
// backends itself.
func (s *Selector) Pick(snapshot []*endpoint.Backend) (string, error) {
	eligible := filterEligible(snapshot)
	if len(eligible) == 0 {
		return "", ErrNoBackend
	}

	switch s.policy {
	case LeastConnections:
		return s.pickLeastConnections(eligible), nil
	default:
		return s.pickRoundRobin(eligible), nil
	}
}

// filterEligible returns the subset of the (already key-sorted) snapshot
// that is currently selectable, preserving order.
func filterEligible(snapshot []*endpoint.Backend) []*endpoint.Backend {
	out := make([]*endpoint.Backend, 0, len(snapshot))
	for _, b := range snapshot {
		if b.Eligible() {
			out = append(out, b)
		}
	}
	return out
}

// pickRoundRobin advances the cursor to the next key in canonical order
// after the previous cursor. If the previous cursor's key has disappeared
// from the snapshot, it resumes at the first key >= the old cursor (spec
// §4.2 tie-breaking: "the rotation cursor is preserved across snapshots by
// key identity, not by index").
func (s *Selector) pickRoundRobin(eligible []*endpoint.Backend) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(eligible), func(i int) bool { return eligible[i].Key > s.cursor })
	if idx == len(eligible) {
		idx = 0
	}
	chosen := eligible[idx]
	s.cursor = chosen.Key
	return chosen.Key
}

// pickLeastConnections returns the eligible backend with the smallest active
// count; ties are broken using the same rotation cursor as round-robin, so a
// freshly added idle backend doesn't absorb every tied selection at once
// (spec §4.4).
func (s *Selector) pickLeastConnections(eligible []*endpoint.Backend) string {
	min := eligible[0].Active()
	for _, b := range eligible[1:] {
		if a := b.Active(); a < min {
			min = a
		}
	}
	tied := make([]*endpoint.Backend, 0, len(eligible))
	for _, b := range eligible {
		if b.Active() == min {
			tied = append(tied, b)
		}
	}
	if len(tied) == 1 {
		s.mu.Lock()
		s.cursor = tied[0].Key
		s.mu.Unlock()
		return tied[0].Key
	}
	return s.pickRoundRobin(tied)
}
