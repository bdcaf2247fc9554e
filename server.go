package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"parley/server/internal/protocol"
	"parley/server/internal/store"
)

// Server is the TCP listener and the shared state every session routes
// through: the durable store, the session registry, and frame
// counters. One goroutine per accepted connection, plus the accept
// loop itself.
type Server struct {
	addr     string
	codec    protocol.Codec
	store    *store.Store
	registry *Registry
	stats    *Stats

	ln net.Listener

	// open tracks every live connection, authenticated or not, so
	// shutdown can close pre-auth sockets too.
	openMu sync.Mutex
	open   map[*Session]struct{}
}

func NewServer(addr string, codec protocol.Codec, st *store.Store) *Server {
	return &Server{
		addr:     addr,
		codec:    codec,
		store:    st,
		registry: NewRegistry(),
		stats:    &Stats{},
		open:     make(map[*Session]struct{}),
	}
}

// Registry exposes the session registry for the admin API and tests.
func (srv *Server) Registry() *Registry {
	return srv.registry
}

// Stats exposes the frame counters for the periodic stats logger.
func (srv *Server) Stats() *Stats {
	return srv.stats
}

// Addr returns the bound listen address, useful when addr requested
// port 0.
func (srv *Server) Addr() net.Addr {
	if srv.ln == nil {
		return nil
	}
	return srv.ln.Addr()
}

// Listen binds the TCP listener. Separate from Run so a caller that
// requested port 0 can learn the bound address before serving.
func (srv *Server) Listen() error {
	ln, err := net.Listen("tcp", srv.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.addr, err)
	}
	srv.ln = ln
	return nil
}

// Run accepts connections until ctx is cancelled, binding the listener
// first if Listen has not been called. A bind failure is returned
// immediately; cancellation closes the listener and every open
// connection, then returns nil once the accept loop observes the close.
func (srv *Server) Run(ctx context.Context) error {
	if srv.ln == nil {
		if err := srv.Listen(); err != nil {
			return err
		}
	}
	ln := srv.ln
	slog.Info("listening", "addr", ln.Addr(), "protocol", srv.codec.Name())

	go func() {
		<-ctx.Done()
		ln.Close()
		srv.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("accept", "err", err)
			continue
		}
		go srv.handleConn(conn)
	}
}

// handleConn owns one connection from accept to close.
func (srv *Server) handleConn(conn net.Conn) {
	s := &Session{
		id:    uuid.NewString(),
		conn:  conn,
		srv:   srv,
		codec: srv.codec,
	}
	srv.openMu.Lock()
	srv.open[s] = struct{}{}
	srv.openMu.Unlock()

	connectionsTotal.Inc()
	connectionsActive.Inc()
	slog.Debug("connection accepted", "conn", s.id, "remote", conn.RemoteAddr())

	defer func() {
		srv.cleanupSession(s, true)
		srv.openMu.Lock()
		delete(srv.open, s)
		srv.openMu.Unlock()
		connectionsActive.Dec()
		slog.Debug("connection closed", "conn", s.id)
	}()

	s.run()
}

// cleanupSession tears one session down: unbind from the registry
// under its mutex, then — outside any lock — broadcast the logout
// notice if the session was authenticated, and finally close the
// socket. Idempotent: concurrent invocations (owner goroutine plus a
// writer that hit a dead socket) race on Unbind and only the winner
// broadcasts.
func (srv *Server) cleanupSession(s *Session, notice bool) {
	wasBound := srv.registry.Unbind(s)
	if wasBound && notice {
		slog.Info("session closed", "user", s.username, "conn", s.id)
		srv.broadcast(&protocol.Message{
			Kind:      protocol.KindLogout,
			Username:  s.username,
			Content:   fmt.Sprintf(userLoggedOutFormat, s.username),
			Timestamp: time.Now().Unix(),
		}, s)
	}
	s.close()
}

// broadcast writes m to every authenticated session except exclude.
// The session list is snapshotted under the registry mutex and the
// writes happen outside it; a failed write schedules that peer's
// cleanup and never fails the caller.
func (srv *Server) broadcast(m *protocol.Message, exclude *Session) {
	for _, target := range srv.registry.Sessions() {
		if target == exclude {
			continue
		}
		if !target.sendRouted(m, 0) {
			go srv.cleanupSession(target, true)
		}
	}
}

// closeAll force-closes every open connection during shutdown. Each
// session's goroutine then exits through its normal cleanup path.
func (srv *Server) closeAll() {
	srv.openMu.Lock()
	sessions := make([]*Session, 0, len(srv.open))
	for s := range srv.open {
		sessions = append(sessions, s)
	}
	srv.openMu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}
