// Package health implements the liveness monitor (spec §4.3): one
// ticker-driven probe loop per backend, TCP active-dial probing or UDP
// passive forward-path feedback, with N/M hysteresis before flipping state.
//
// The per-backend ticker-goroutine shape mirrors the teacher's
// ClientTransport.heartbeatLoop (transport/client_transport.go): a single
// goroutine per long-lived resource, woken on a ticker, doing one small unit
// of I/O per tick and exiting when told to stop.
package health

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"quadlb/internal/config"
	"quadlb/internal/endpoint"
	"quadlb/internal/logging"
	"quadlb/internal/registry"
)

// Config carries the tunables spec §4.3/§5 name, with their documented
// defaults.
type Config struct {
	Interval        time.Duration // default 5s
	JitterFraction  float64       // default 0.2 (±20%)
	ProbeTimeout    time.Duration // default 2s
	SuccessesToUp   int           // N, default 2
	FailuresToDown  int           // M, default 3
	UDPFailuresDown int           // consecutive UDP forward failures to flip unhealthy, default == FailuresToDown
}

// DefaultConfig returns the spec-documented defaults.
func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Second,
		JitterFraction:  0.2,
		ProbeTimeout:    2 * time.Second,
		SuccessesToUp:   2,
		FailuresToDown:  3,
		UDPFailuresDown: 3,
	}
}

// Monitor probes every backend currently known to the registry and applies
// hysteresis before flipping health state.
type Monitor struct {
	cfg   Config
	reg   *registry.Registry
	proto config.Proto
	log   *logging.Logger

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc // per-backend probe loop, keyed by Key
	probeSeq map[string]int                // per-backend endpoint rotation cursor (spec §4.3 "rotate through endpoints")
}

// NewMonitor builds a Monitor. proto selects active TCP probing or passive
// UDP forward-feedback monitoring (spec §4.3).
func NewMonitor(cfg Config, reg *registry.Registry, proto config.Proto, log *logging.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		reg:      reg,
		proto:    proto,
		log:      log,
		cancels:  make(map[string]context.CancelFunc),
		probeSeq: make(map[string]int),
	}
}

// Reconcile starts a probe loop for any backend in the snapshot that doesn't
// have one yet, and stops loops for backends no longer present. Call after
// every registry membership change.
func (m *Monitor) Reconcile(snapshot []*endpoint.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(snapshot))
	for _, b := range snapshot {
		seen[b.Key] = true
		if _, running := m.cancels[b.Key]; running {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		m.cancels[b.Key] = cancel
		if m.proto == config.ProtoTCP {
			go m.probeLoopTCP(ctx, b)
		} else {
			go m.probeLoopUDP(ctx, b)
		}
	}
	for key, cancel := range m.cancels {
		if !seen[key] {
			cancel()
			delete(m.cancels, key)
			delete(m.probeSeq, key)
		}
	}
}

// Stop cancels every running probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.cancels {
		cancel()
	}
	m.cancels = make(map[string]context.CancelFunc)
}

func (m *Monitor) jitteredInterval() time.Duration {
	if m.cfg.JitterFraction <= 0 {
		return m.cfg.Interval
	}
	delta := float64(m.cfg.Interval) * m.cfg.JitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return m.cfg.Interval + time.Duration(offset)
}

// probeLoopTCP attempts a connection to one endpoint per tick, rotating
// through the backend's endpoint set across probes (spec §4.3).
func (m *Monitor) probeLoopTCP(ctx context.Context, b *endpoint.Backend) {
	timer := time.NewTimer(m.jitteredInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.runOneTCPProbe(b)
			timer.Reset(m.jitteredInterval())
		}
	}
}

func (m *Monitor) runOneTCPProbe(b *endpoint.Backend) {
	eps := b.Endpoints()
	if len(eps) == 0 {
		return
	}

	m.mu.Lock()
	seq := m.probeSeq[b.Key]
	m.probeSeq[b.Key] = seq + 1
	m.mu.Unlock()
	ep := eps[seq%len(eps)]

	conn, err := net.DialTimeout("tcp", ep.String(), m.cfg.ProbeTimeout)
	success := err == nil
	if success {
		conn.Close()
	} else {
		b.SetLastError(err)
	}
	m.applyOutcome(b, success)
}

// probeLoopUDP never dials; it periodically reconciles the forward-path
// failure counter the UDP data plane maintains against the hysteresis
// thresholds (spec §4.3: "the health monitor for UDP therefore only reacts
// to forward-path feedback... it does not actively probe").
func (m *Monitor) probeLoopUDP(ctx context.Context, b *endpoint.Backend) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			failures := b.UDPForwardFailures()
			if failures == 0 && b.Health() == endpoint.Unknown {
				// No feedback yet either way; UDP backends without a
				// liveness handshake default to healthy once first seen,
				// since there is no probe to wait on (spec §4.3 note).
				m.applyOutcome(b, true)
				continue
			}
			m.applyOutcome(b, int(failures) < m.cfg.UDPFailuresDown)
		}
	}
}

func (m *Monitor) applyOutcome(b *endpoint.Backend, success bool) {
	changed, newHealth := b.RecordProbe(success, m.cfg.SuccessesToUp, m.cfg.FailuresToDown)
	if changed {
		m.reg.UpdateHealth(b.Key, success, newHealth)
	}
}
