package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"quadlb/internal/endpoint"
	"quadlb/internal/logging"
	"quadlb/internal/registry"
)

func TestDiffAgainstLastDetectsAddedAndRemoved(t *testing.T) {
	reg := registry.New(logging.Nop())
	r := New(Config{Host: "ring.example", Port: 80}, reg, logging.Nop())

	first := map[string][]endpoint.Endpoint{
		"host-a": {{IP: net.ParseIP("10.0.0.1"), Port: 80}},
	}
	diff := r.diffAgainstLast(first)
	if len(diff.Added) != 1 || len(diff.Removed) != 0 {
		t.Fatalf("expected one addition on first tick, got %+v", diff)
	}
	r.lastKeys = first

	second := map[string][]endpoint.Endpoint{
		"host-a": {{IP: net.ParseIP("10.0.0.1"), Port: 80}},
		"host-b": {{IP: net.ParseIP("10.0.0.2"), Port: 80}},
	}
	diff = r.diffAgainstLast(second)
	if _, ok := diff.Added["host-a"]; ok {
		t.Fatal("unchanged host-a should not appear in Added")
	}
	if _, ok := diff.Added["host-b"]; !ok {
		t.Fatal("expected host-b to appear in Added")
	}
	if len(diff.Removed) != 0 {
		t.Fatalf("expected no removals, got %v", diff.Removed)
	}
	r.lastKeys = second

	third := map[string][]endpoint.Endpoint{
		"host-b": {{IP: net.ParseIP("10.0.0.2"), Port: 80}},
	}
	diff = r.diffAgainstLast(third)
	if len(diff.Removed) != 1 || diff.Removed[0] != "host-a" {
		t.Fatalf("expected host-a to be removed, got %v", diff.Removed)
	}
}

func TestSameEndpointSet(t *testing.T) {
	a := []endpoint.Endpoint{{IP: net.ParseIP("10.0.0.1"), Port: 80}, {IP: net.ParseIP("10.0.0.2"), Port: 80}}
	b := []endpoint.Endpoint{{IP: net.ParseIP("10.0.0.2"), Port: 80}, {IP: net.ParseIP("10.0.0.1"), Port: 80}}
	if !sameEndpointSet(a, b) {
		t.Fatal("expected order-independent equality")
	}
	c := []endpoint.Endpoint{{IP: net.ParseIP("10.0.0.1"), Port: 80}}
	if sameEndpointSet(a, c) {
		t.Fatal("expected different-length sets to be unequal")
	}
}

func TestHostKeyForCachesReverseLookup(t *testing.T) {
	reg := registry.New(logging.Nop())
	r := New(Config{Host: "ring.example", Port: 80, Timeout: time.Second}, reg, logging.Nop())

	ip := net.ParseIP("127.0.0.1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	first := r.hostKeyFor(ctx, ip)
	if _, cached := r.reverseCache.Load(ip.String()); !cached {
		t.Fatal("expected hostKeyFor to populate the reverse cache")
	}
	second := r.hostKeyFor(ctx, ip)
	if first != second {
		t.Fatalf("expected cached lookup to be stable, got %q then %q", first, second)
	}
}

func TestFailedTickRetainsLastKnownSetAndCountsFailure(t *testing.T) {
	reg := registry.New(logging.Nop())
	r := New(Config{Host: "nonexistent.invalid.", Port: 80, Timeout: 50 * time.Millisecond}, reg, logging.Nop())
	r.lastKeys = map[string][]endpoint.Endpoint{
		"host-a": {{IP: net.ParseIP("10.0.0.1"), Port: 80}},
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.tick(ctx)

	if r.Stats().Failures == 0 {
		t.Fatal("expected a failed resolution to increment the failure counter")
	}
	if len(r.lastKeys) != 1 {
		t.Fatalf("expected last known set to be retained after a failed tick, got %v", r.lastKeys)
	}
}
