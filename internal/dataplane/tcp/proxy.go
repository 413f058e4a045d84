// Package tcp implements the TCP data plane (spec §4.5): accept, select a
// backend, dial it, and shuttle bytes bidirectionally until either side
// closes.
//
// The listener/accept-loop/graceful-shutdown shape is the teacher's
// server.Server (server/server.go) — Serve/handleConn/Shutdown, a
// sync.WaitGroup tracking in-flight work, and an atomic.Bool distinguishing
// an intentional listener close from a real Accept error. The RPC frame
// decode-and-dispatch body of handleRequest is replaced by raw
// bidirectional io.CopyBuffer shuttling, in the paired-goroutine,
// first-closer-wins shape of the danielepagano-simple-go-load-balancer
// example's sendToUpstream/returnToClient.
package tcp

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quadlb/internal/endpoint"
	"quadlb/internal/loadbalance"
	"quadlb/internal/logging"
	"quadlb/internal/ratelimit"
	"quadlb/internal/registry"
)

// copyBufferSize bounds per-direction forwarding buffers (spec §4.5:
// "bounded chunks (suggested 16 KiB)").
const copyBufferSize = 16 * 1024

// Config carries the TCP plane's tunables.
type Config struct {
	BindAddr      string
	ConnectTimeout time.Duration // default 3s
	RetryBudget    int           // default 2
}

// Proxy is the TCP listener and accept loop.
type Proxy struct {
	cfg Config
	reg *registry.Registry
	sel *loadbalance.Selector
	log *logging.Logger
	rl  *ratelimit.EventLimiter

	listener net.Listener
	wg       sync.WaitGroup
	shutdown atomic.Bool
}

// New builds a Proxy. Call Serve to start accepting.
func New(cfg Config, reg *registry.Registry, sel *loadbalance.Selector, log *logging.Logger, rl *ratelimit.EventLimiter) *Proxy {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 2
	}
	return &Proxy{cfg: cfg, reg: reg, sel: sel, log: log, rl: rl}
}

// Serve binds the listener and runs the accept loop until ctx is canceled.
func (p *Proxy) Serve(ctx context.Context) error {
	ln, err := listenTCP(p.cfg.BindAddr)
	if err != nil {
		return err
	}
	p.listener = ln

	go func() {
		<-ctx.Done()
		p.shutdown.Store(true)
		p.listener.Close()
	}()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if p.shutdown.Load() {
				return nil
			}
			if isTemporaryAcceptError(err) {
				if p.rl == nil || p.rl.Allow("accept-backoff") {
					if p.log != nil {
						p.log.Warn("accept backoff", logging.Error(err))
					}
				}
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return err
		}
		p.wg.Add(1)
		go p.handleConn(conn)
	}
}

// Shutdown waits up to grace for in-flight flows to finish after the accept
// loop has stopped (spec §5: "accept loops stop immediately on signal...
// allowing in-flight flows a grace period").
func (p *Proxy) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (p *Proxy) handleConn(client net.Conn) {
	defer p.wg.Done()
	defer client.Close()

	snapshot := p.reg.Snapshot()
	keys := loadbalance.PickWithRetryBudget(p.sel, snapshot, p.cfg.RetryBudget)
	if len(keys) == 0 {
		if p.rl == nil || p.rl.Allow("no-backend") {
			if p.log != nil {
				p.log.Warn("no eligible backend, closing inbound connection")
			}
		}
		return
	}

	var upstream net.Conn
	var chosenKey string
	for _, key := range keys {
		b := p.reg.Get(key)
		if b == nil {
			continue
		}
		p.reg.NoteSelection(key)
		conn, _, err := loadbalance.DialBackend(b, p.dial, p.cfg.ConnectTimeout, p.log)
		if err != nil {
			p.reg.NoteRelease(key)
			continue
		}
		upstream = conn
		chosenKey = key
		break
	}
	if upstream == nil {
		return
	}
	defer func() {
		upstream.Close()
		p.reg.NoteRelease(chosenKey)
	}()

	shuttle(client, upstream)
}

func (p *Proxy) dial(ep endpoint.Endpoint, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", ep.String(), timeout)
}

// shuttle copies bytes in both directions until one side closes; whichever
// half finishes first half-closes (or fully closes, if the transport
// doesn't support it) the opposite peer, and shuttle waits for the other
// goroutine before returning so the caller's deferred closes happen exactly
// once per accepted connection (spec §4.5).
func shuttle(client, upstream net.Conn) {
	clientToUpstreamDone := make(chan struct{})
	upstreamToClientDone := make(chan struct{})

	go func() {
		copyBuffered(upstream, client) // client -> upstream
		closeWrite(upstream)
		close(clientToUpstreamDone)
	}()
	go func() {
		copyBuffered(client, upstream) // upstream -> client
		closeWrite(client)
		close(upstreamToClientDone)
	}()

	<-clientToUpstreamDone
	<-upstreamToClientDone
}

func copyBuffered(dst io.Writer, src io.Reader) {
	buf := make([]byte, copyBufferSize)
	_, _ = io.CopyBuffer(dst, src, buf)
}

// closeWrite half-closes the write side if the connection supports it
// (TCP), otherwise this is a no-op and the eventual full Close in handleConn
// terminates the peer (spec §4.5).
func closeWrite(c net.Conn) {
	type writeCloser interface {
		CloseWrite() error
	}
	if wc, ok := c.(writeCloser); ok {
		_ = wc.CloseWrite()
	}
}

func isTemporaryAcceptError(err error) bool {
	return strings.Contains(err.Error(), "too many open files")
}
