// Package test exercises the TCP data plane end to end, over real loopback
// listeners, wiring the same registry/selector/proxy components cmd/quadlb
// wires — no etcd, no mocks, the teacher's integration-test shape
// (real server, real client, assert on observed behavior) aimed at the
// forwarding scenarios spec §8 names rather than at an RPC call.
package test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"quadlb/internal/dataplane/tcp"
	"quadlb/internal/endpoint"
	"quadlb/internal/loadbalance"
	"quadlb/internal/logging"
	"quadlb/internal/registry"
)

// echoCounter is a tiny TCP echo server that counts accepted connections.
type echoCounter struct {
	mu    sync.Mutex
	hits  int
	addr  string
	ln    net.Listener
	alive bool
}

func startEchoCounter(t *testing.T) *echoCounter {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("echo backend listen: %v", err)
	}
	e := &echoCounter{addr: ln.Addr().String(), ln: ln, alive: true}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			e.mu.Lock()
			e.hits++
			e.mu.Unlock()
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					c.Write(buf[:n])
				}
			}(conn)
		}
	}()
	return e
}

func (e *echoCounter) Hits() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hits
}

func (e *echoCounter) Stop() { e.ln.Close() }

func mustAddr(t *testing.T, s string) endpoint.Endpoint {
	t.Helper()
	addr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		t.Fatalf("resolve %q: %v", s, err)
	}
	return endpoint.Endpoint{IP: addr.IP, Port: addr.Port}
}

func startProxy(t *testing.T, reg *registry.Registry, sel *loadbalance.Selector) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve proxy port: %v", err)
	}
	bindAddr := ln.Addr().String()
	ln.Close()

	p := tcp.New(tcp.Config{BindAddr: bindAddr, ConnectTimeout: time.Second}, reg, sel, logging.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Serve(ctx)
	time.Sleep(50 * time.Millisecond)
	return bindAddr, func() { cancel(); p.Shutdown(time.Second) }
}

func dialSendRecv(t *testing.T, addr string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()
	conn.Write([]byte{0x41})
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
}

// Scenario 1: TCP round-robin over two static backends.
func TestScenarioRoundRobinOverTwoBackends(t *testing.T) {
	b1 := startEchoCounter(t)
	defer b1.Stop()
	b2 := startEchoCounter(t)
	defer b2.Stop()

	reg := registry.New(logging.Nop())
	reg.ApplyStatic([]endpoint.Endpoint{mustAddr(t, b1.addr), mustAddr(t, b2.addr)})
	for _, ep := range []string{b1.addr, b2.addr} {
		reg.Get(mustAddr(t, ep).String()).RecordProbe(true, 1, 1)
	}

	sel := loadbalance.NewSelector(loadbalance.RoundRobin)
	addr, stop := startProxy(t, reg, sel)
	defer stop()

	for i := 0; i < 6; i++ {
		dialSendRecv(t, addr)
	}

	if b1.Hits() != 3 || b2.Hits() != 3 {
		t.Fatalf("expected an even 3/3 split over six round-robin connections, got %d/%d", b1.Hits(), b2.Hits())
	}
}

// Scenario 3: health eviction. After a backend stops responding to probes,
// new connections all land on the surviving backend.
func TestScenarioHealthEvictionRoutesAroundDeadBackend(t *testing.T) {
	alive := startEchoCounter(t)
	defer alive.Stop()
	dying := startEchoCounter(t)

	reg := registry.New(logging.Nop())
	reg.ApplyStatic([]endpoint.Endpoint{mustAddr(t, alive.addr), mustAddr(t, dying.addr)})
	aliveBackend := reg.Get(mustAddr(t, alive.addr).String())
	dyingBackend := reg.Get(mustAddr(t, dying.addr).String())
	aliveBackend.RecordProbe(true, 1, 1)
	dyingBackend.RecordProbe(true, 1, 1)

	sel := loadbalance.NewSelector(loadbalance.RoundRobin)
	addr, stop := startProxy(t, reg, sel)
	defer stop()

	dying.Stop() // simulate the backend going dark
	dyingBackend.RecordProbe(false, 2, 3)
	dyingBackend.RecordProbe(false, 2, 3)
	dyingBackend.RecordProbe(false, 2, 3) // crosses FailuresToDown=3

	if dyingBackend.Eligible() {
		t.Fatal("expected the dead backend to be ineligible after crossing the failure threshold")
	}

	for i := 0; i < 10; i++ {
		dialSendRecv(t, addr)
	}

	if alive.Hits() != 10 {
		t.Fatalf("expected all 10 post-eviction connections to land on the surviving backend, got %d", alive.Hits())
	}
}

// Scenario 5 (rotation part): resolver-registered host keys are rotation
// slots: round-robin over {host-h, other} visits each key once per
// rotation. Each key carries a single endpoint here, so folding several
// addresses into one key and their shared active count are not exercised.
func TestScenarioRoundRobinRotatesOverHostKeys(t *testing.T) {
	b := startEchoCounter(t)
	defer b.Stop()
	other := startEchoCounter(t)
	defer other.Stop()

	reg := registry.New(logging.Nop())
	reg.ApplyResolved(registry.ResolvedDiff{Added: map[string][]endpoint.Endpoint{
		"host-h": {mustAddr(t, b.addr)},
		"other":  {mustAddr(t, other.addr)},
	}})
	reg.Get("host-h").RecordProbe(true, 1, 1)
	reg.Get("other").RecordProbe(true, 1, 1)

	sel := loadbalance.NewSelector(loadbalance.RoundRobin)
	addr, stop := startProxy(t, reg, sel)
	defer stop()

	for i := 0; i < 4; i++ {
		dialSendRecv(t, addr)
	}

	if b.Hits()+other.Hits() != 4 {
		t.Fatalf("expected 4 total connections across both grouped keys, got %d+%d", b.Hits(), other.Hits())
	}
	if b.Hits() != 2 || other.Hits() != 2 {
		t.Fatalf("expected round-robin to visit host-h and other evenly, got %d/%d", b.Hits(), other.Hits())
	}
}
