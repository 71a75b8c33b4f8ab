// Package server implements the TCP listener: a dual-stack accept loop,
// a connection registry, and a cooperative shutdown sequence.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/alxayo/raop-rtsp/internal/config"
	"github.com/alxayo/raop-rtsp/internal/rtsp/conn"
	"github.com/alxayo/raop-rtsp/internal/rtsp/dispatcher"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Server owns the listening socket and the set of connections accepted
// from it.
type Server struct {
	cfg  *config.Snapshot
	disp *dispatcher.Dispatcher
	log  *zerolog.Logger

	mu          sync.RWMutex
	l           net.Listener
	conns       map[uint64]*conn.Connection
	closing     bool
	acceptingWg sync.WaitGroup
	connsWg     sync.WaitGroup
}

// New creates an unstarted Server.
func New(cfg *config.Snapshot, disp *dispatcher.Dispatcher, log *zerolog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		disp:  disp,
		log:   log,
		conns: make(map[uint64]*conn.Connection),
	}
}

// listenConfig builds a net.ListenConfig whose Control callback sets
// SO_REUSEADDR (so a restarted server can rebind the port immediately)
// and clears IPV6_V6ONLY (so a single ":PORT" listener accepts both v4
// and v6 clients).
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var controlErr error
			err := c.Control(func(fd uintptr) {
				if setErr := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); setErr != nil {
					controlErr = setErr
					return
				}
				if network == "tcp6" {
					if setErr := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); setErr != nil {
						controlErr = setErr
					}
				}
			})
			if err != nil {
				return err
			}
			return controlErr
		},
	}
}

// Start binds the listener and launches the accept loop. Safe to call
// only once.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.l != nil {
		s.mu.Unlock()
		return errors.New("server: already started")
	}
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	lc := listenConfig()
	l, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	s.l = l
	s.mu.Unlock()

	if s.log != nil {
		s.log.Info().Str("addr", l.Addr().String()).Msg("rtsp server listening")
	}

	s.acceptingWg.Add(1)
	go s.acceptLoop()
	return nil
}

// acceptLoop accepts connections until the listener is closed, handing
// each one to conn.Accept (which wires identity, state, and the
// watchdog) and then running it to completion in its own goroutine.
func (s *Server) acceptLoop() {
	defer s.acceptingWg.Done()
	for {
		s.mu.RLock()
		l := s.l
		s.mu.RUnlock()
		if l == nil {
			return
		}

		c, err := conn.Accept(l, s.disp, s.cfg)
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.log != nil {
				s.log.Warn().Err(err).Msg("accept error")
			}
			continue
		}

		s.mu.Lock()
		s.conns[c.ID()] = c
		s.mu.Unlock()

		s.connsWg.Add(1)
		go s.runConnection(c)
	}
}

// runConnection serves one connection to completion and then removes it
// from the registry — the self-reaping equivalent of the original's
// separate "reap connections with running=0" sweep, made unnecessary in
// Go by a goroutine's ability to act on its own exit.
func (s *Server) runConnection(c *conn.Connection) {
	defer s.connsWg.Done()
	c.Serve()
	s.mu.Lock()
	delete(s.conns, c.ID())
	s.mu.Unlock()
}

// Stop stops accepting new connections, cancels every tracked
// connection, and waits for the accept loop and all connections to
// finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.l == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	l := s.l
	s.l = nil
	conns := make([]*conn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	_ = l.Close()
	for _, c := range conns {
		c.Close()
	}

	s.acceptingWg.Wait()
	s.connsWg.Wait()

	if s.log != nil {
		s.log.Info().Msg("rtsp server stopped")
	}
	return nil
}

// Addr returns the bound listener address, or nil if not started.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// ConnectionCount returns the number of currently tracked connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
