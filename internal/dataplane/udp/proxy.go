// Package udp implements the UDP data plane (spec §4.6): a client-address
// keyed session table, one ephemeral outbound socket per session, and an
// idle sweeper.
//
// Each session's outbound socket gets its own dedicated read-loop goroutine
// forwarding datagrams back to the client — the structural analogue of the
// teacher's ClientTransport.recvLoop (transport/client_transport.go): one
// reader per long-lived connection, routing whatever it reads to the right
// destination. The session table itself is sharded by a hash of the client
// address (spec §5: "sharded by client address hash to reduce contention"),
// reusing hash/crc32 the way the teacher's ConsistentHashBalancer
// (loadbalance/consistent_hash.go) hashes onto a ring — here the hash picks
// a shard index instead of a ring position.
package udp

import (
	"context"
	"hash/crc32"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"quadlb/internal/loadbalance"
	"quadlb/internal/logging"
	"quadlb/internal/ratelimit"
	"quadlb/internal/registry"
)

const (
	shardCount         = 32
	readBufferSize     = 64 * 1024
	defaultIdleTimeout = 60 * time.Second
	defaultSweepEvery  = 10 * time.Second
)

// atomicTime is a lock-free timestamp, read by the sweeper concurrently with
// writes from the listener's read loop, which stamps the session on every
// client datagram. Datagrams coming back from the backend do not update it.
type atomicTime struct {
	v atomic.Int64 // UnixNano
}

func (t *atomicTime) Store(when time.Time) { t.v.Store(when.UnixNano()) }
func (t *atomicTime) Load() time.Time      { return time.Unix(0, t.v.Load()) }

// Config carries the UDP plane's tunables.
type Config struct {
	BindAddr    string
	IdleTimeout time.Duration
	SweepEvery  time.Duration
	RetryBudget int
}

type session struct {
	backendKey string
	conn       *net.UDPConn
	lastSeen   atomicTime
	cancel     context.CancelFunc
}

// Proxy is the UDP listener, session table, and sweeper.
type Proxy struct {
	cfg Config
	reg *registry.Registry
	sel *loadbalance.Selector
	log *logging.Logger
	rl  *ratelimit.EventLimiter

	listener *net.UDPConn
	shards   [shardCount]shard
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session // client address string -> session
}

// New builds a Proxy. Call Serve to start.
func New(cfg Config, reg *registry.Registry, sel *loadbalance.Selector, log *logging.Logger, rl *ratelimit.EventLimiter) *Proxy {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = defaultSweepEvery
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 2
	}
	p := &Proxy{cfg: cfg, reg: reg, sel: sel, log: log, rl: rl}
	for i := range p.shards {
		p.shards[i].sessions = make(map[string]*session)
	}
	return p
}

func (p *Proxy) shardFor(clientAddr string) *shard {
	h := crc32.ChecksumIEEE([]byte(clientAddr))
	return &p.shards[h%shardCount]
}

// Serve binds the listener, runs the sweeper, and reads datagrams until ctx
// is canceled.
func (p *Proxy) Serve(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", p.cfg.BindAddr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	p.listener = conn

	go p.sweepLoop(ctx)
	go func() {
		<-ctx.Done()
		p.listener.Close()
	}()

	buf := make([]byte, readBufferSize)
	for {
		n, clientAddr, err := p.listener.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if p.log != nil {
				p.log.Warn("udp listener read error", logging.Error(err))
			}
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		p.handleDatagram(ctx, clientAddr, payload)
	}
}

func (p *Proxy) handleDatagram(ctx context.Context, clientAddr *net.UDPAddr, payload []byte) {
	key := clientAddr.String()
	sh := p.shardFor(key)

	sh.mu.Lock()
	s, ok := sh.sessions[key]
	sh.mu.Unlock()

	if !ok {
		created, err := p.newSession(ctx, clientAddr)
		if err != nil {
			// No eligible backend, or every endpoint failed to connect:
			// datagram is dropped silently (spec §7 "UDP datagrams are
			// dropped silently").
			if p.rl == nil || p.rl.Allow("udp-no-backend") {
				if p.log != nil {
					p.log.Warn("udp: no usable backend, dropping datagram", logging.Error(err))
				}
			}
			return
		}
		sh.mu.Lock()
		sh.sessions[key] = created
		sh.mu.Unlock()
		s = created
	}

	s.lastSeen.Store(time.Now())
	if _, err := s.conn.Write(payload); err != nil {
		p.noteForwardFailure(s.backendKey, err)
	} else {
		if b := p.reg.Get(s.backendKey); b != nil {
			b.NoteUDPForwardSuccess()
		}
	}
}

func (p *Proxy) newSession(ctx context.Context, clientAddr *net.UDPAddr) (*session, error) {
	snapshot := p.reg.Snapshot()
	keys := loadbalance.PickWithRetryBudget(p.sel, snapshot, p.cfg.RetryBudget)
	if len(keys) == 0 {
		return nil, loadbalance.ErrNoBackend
	}

	for _, key := range keys {
		b := p.reg.Get(key)
		if b == nil {
			continue
		}
		eps := b.Endpoints()
		if len(eps) == 0 {
			continue
		}
		ep := eps[0]
		if idx := b.PreferredEndpointIndex(); idx >= 0 && idx < len(eps) {
			ep = eps[idx]
		}
		raddr := &net.UDPAddr{IP: ep.IP, Port: ep.Port}
		conn, err := net.DialUDP("udp", nil, raddr)
		if err != nil {
			continue
		}
		p.reg.NoteSelection(key)
		sessCtx, cancel := context.WithCancel(ctx)
		s := &session{backendKey: key, conn: conn, cancel: cancel}
		s.lastSeen.Store(time.Now())
		go p.backendReadLoop(sessCtx, s, clientAddr)
		return s, nil
	}
	return nil, loadbalance.ErrNoBackend
}

// backendReadLoop continuously reads datagrams from one session's outbound
// socket and forwards them to the originating client via the shared
// listener socket (spec §4.6 "per datagram received on an outbound session
// socket: send to the associated client address via the listener socket").
func (p *Proxy) backendReadLoop(ctx context.Context, s *session, clientAddr *net.UDPAddr) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.conn.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.noteForwardFailure(s.backendKey, err)
			return
		}
		if _, err := p.listener.WriteToUDP(buf[:n], clientAddr); err != nil && p.log != nil {
			p.log.Warn("udp: write to client failed", logging.Error(err))
		}
	}
}

func (p *Proxy) noteForwardFailure(backendKey string, err error) {
	b := p.reg.Get(backendKey)
	if b == nil {
		return
	}
	b.SetLastError(err)
	b.NoteUDPForwardFailure()
}

// sweepLoop removes sessions idle longer than cfg.IdleTimeout, releasing
// their backend's active count and closing the outbound socket (spec §4.6).
func (p *Proxy) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.closeAll()
			return
		case <-ticker.C:
			p.sweepOnce()
		}
	}
}

func (p *Proxy) sweepOnce() {
	now := time.Now()
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.Lock()
		for key, s := range sh.sessions {
			if now.Sub(s.lastSeen.Load()) > p.cfg.IdleTimeout {
				delete(sh.sessions, key)
				p.closeSession(s)
			}
		}
		sh.mu.Unlock()
	}
}

func (p *Proxy) closeAll() {
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.Lock()
		for key, s := range sh.sessions {
			delete(sh.sessions, key)
			p.closeSession(s)
		}
		sh.mu.Unlock()
	}
}

func (p *Proxy) closeSession(s *session) {
	s.cancel()
	s.conn.Close()
	p.reg.NoteRelease(s.backendKey)
}
