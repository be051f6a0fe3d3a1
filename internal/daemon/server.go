// Package daemon wires the transport, bus, router, registry, and config
// packages into a running accept loop -- the glue C1-C9 describe as
// separate components but that a host process must still assemble, grounded
// on the accept/per-client-goroutine shape of ron.Server's serve loop.
package daemon

import (
	"net"
	"sync"

	"github.com/rs/xid"
	"github.com/sandia-minimega/busd/internal/bus"
	"github.com/sandia-minimega/busd/internal/buslog"
	"github.com/sandia-minimega/busd/internal/busmetrics"
	"github.com/sandia-minimega/busd/internal/config"
	"github.com/sandia-minimega/busd/internal/router"
	"github.com/sandia-minimega/busd/internal/transport"
)

// Server owns the listening sockets and per-connection goroutines for one
// running daemon instance.
type Server struct {
	cfg     *config.Config
	guid    string
	router  *router.Router
	metrics *busmetrics.Metrics

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
	closed    bool
}

// New builds a Server from a parsed configuration. generation identifies
// this daemon instance's unique-name epoch (spec.md 4.5); callers normally
// pass 1 for a fresh process start.
func New(cfg *config.Config, generation uint64, metrics *busmetrics.Metrics) *Server {
	rt := router.New(cfg.Policy, generation)
	if metrics != nil {
		rt.SetMetrics(metrics)
	}
	return &Server{
		cfg:     cfg,
		guid:    xid.New().String(),
		router:  rt,
		metrics: metrics,
	}
}

// Router exposes the wired router, e.g. for a debug HTTP surface to dump
// connection/name state.
func (s *Server) Router() *router.Router { return s.router }

// Start opens every <listen> address from the configuration and begins
// accepting connections in background goroutines. It returns once all
// listeners are open, not when the daemon stops.
func (s *Server) Start() error {
	for _, spec := range s.cfg.Listen {
		addr, err := parseAddress(spec)
		if err != nil {
			s.Stop()
			return err
		}
		network, laddr, err := addr.network()
		if err != nil {
			s.Stop()
			return err
		}
		ln, err := net.Listen(network, laddr)
		if err != nil {
			s.Stop()
			return err
		}
		buslog.Info("daemon: listening on %s %s", network, laddr)

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.acceptLoop(ln)
	}
	return nil
}

// Stop closes every listener; already-accepted connections are left to
// finish their own lifecycle and notice the listener is gone on their next
// read error.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.listeners
	s.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
}

// Wait blocks until every accept loop and every accepted connection's
// handler has returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			buslog.Debug("daemon: accept loop on %s exiting: %v", ln.Addr(), err)
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	peerUID := s.resolvePeerUID(conn)

	tr := transport.New(conn, s.guid, peerUID)
	tr.SetOutboundCap(int64(s.cfg.Limits.MaxOutboundBytes))

	uid, err := tr.Handshake()
	if err != nil {
		buslog.Warn("daemon: handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}

	c := bus.New()
	c.SetIdentity(bus.Identity{UID: uid})
	unique := s.router.Hello(c)
	buslog.Info("daemon: %s connected as %s", conn.RemoteAddr(), unique)

	closeCh := make(chan struct{})
	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writerLoop(c, tr, closeCh)
	}()

	s.readerLoop(c, tr)

	close(closeCh)
	writerWG.Wait()

	s.router.Disconnect(c)
	c.MarkDisconnected()
	buslog.Info("daemon: %s (%s) disconnected", conn.RemoteAddr(), unique)
}

// resolvePeerUID resolves real unix credentials where available; other
// transports (e.g. tcp) have no equivalent under the EXTERNAL mechanism and
// authenticate as an unprivileged placeholder uid.
func (s *Server) resolvePeerUID(conn net.Conn) int {
	if uid, err := transport.PeerCredentials(conn); err == nil {
		return uid
	}
	return -1
}

func (s *Server) readerLoop(c *bus.Conn, tr *transport.Transport) {
	for {
		m, err := tr.ReadMessage()
		if err != nil {
			buslog.Debug("daemon: %s: read loop ending: %v", c.UniqueName(), err)
			return
		}
		if err := s.router.Route(c, m); err != nil {
			buslog.Warn("daemon: %s: routing error: %v", c.UniqueName(), err)
		}
	}
}

func (s *Server) writerLoop(c *bus.Conn, tr *transport.Transport, closeCh <-chan struct{}) {
	for {
		select {
		case <-c.Wake():
			if err := c.Flush(tr.WriteMessage); err != nil {
				buslog.Debug("daemon: %s: write loop ending: %v", c.UniqueName(), err)
				return
			}
		case <-closeCh:
			// drain whatever is left once more before exiting.
			c.Flush(tr.WriteMessage)
			return
		}
	}
}
