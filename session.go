package main

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"parley/server/internal/protocol"
)

// System message strings shared with existing clients. Changing any of
// these is a client-visible protocol change.
const (
	msgNewMessage         = "new_message"
	msgLoginRequired      = "Please login or register first"
	msgUserExists         = "Username already exists. Please login instead."
	msgPasswordRequired   = "Password is required"
	msgRegistrationOK     = "Registration successful! Logging in..."
	msgInvalidCredentials = "Invalid username or password"
	msgAlreadyLoggedIn    = "User already logged in"
	msgLoginOK            = "Login successful"
	systemUser            = "System"
	unreadNoticeFormat    = "You have %d unread messages"
	userJoinedFormat      = "%s has joined the chat"
	userLoggedOutFormat   = "%s has logged out"
	accountDeletedFormat  = "%s has deleted their account"
	messagesDeletedFormat = "Deleted %d message(s)"
)

// writeTimeout bounds a single frame write so a stalled peer cannot
// wedge another user's handler.
const writeTimeout = 30 * time.Second

// Session is the per-connection state from accept to cleanup. The
// connection's goroutine owns it exclusively; the registry holds a
// lookup reference for routing once the session authenticates.
type Session struct {
	id    string
	conn  net.Conn
	srv   *Server
	codec protocol.Codec

	// username is set immediately before the registry bind and never
	// changes afterwards; pre-auth it is empty.
	username string

	// buf accumulates raw bytes until a complete frame can be
	// extracted. Owned by the connection goroutine; never shared.
	buf []byte

	// writeMu serialises outbound frames so concurrent writers never
	// interleave partial frames on the wire.
	writeMu sync.Mutex

	closeOnce sync.Once
}

// run is the dispatcher loop: read bytes, extract frames, decode
// requests, dispatch. Any return path falls through to the cleanup
// deferred in Server.handleConn.
func (s *Session) run() {
	readBuf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(readBuf)
		if err != nil {
			return
		}
		s.buf = append(s.buf, readBuf[:n]...)

		for {
			frame, rest, err := s.codec.Extract(s.buf)
			s.buf = rest
			if err != nil {
				// Corrupt header skipped; the stream is intact.
				slog.Debug("framing error", "conn", s.id, "err", err)
				s.sendError("Invalid message framing")
				continue
			}
			if frame == nil {
				break
			}
			s.srv.stats.framesIn.Add(1)
			framesInTotal.Inc()

			req, err := s.codec.DecodeMessage(frame)
			if err != nil {
				slog.Debug("decode error", "conn", s.id, "err", err)
				s.sendError("Malformed message")
				continue
			}
			if done := s.dispatch(req); done {
				return
			}
		}
	}
}

// dispatch routes one request. Returns true when the session loop must
// exit (logout, account deletion, or a pre-auth terminal error).
func (s *Session) dispatch(req *protocol.Message) bool {
	if s.username == "" {
		return s.dispatchPreAuth(req)
	}

	switch req.Kind {
	case protocol.KindLogout:
		slog.Info("logout", "user", s.username)
		return true
	case protocol.KindDM:
		s.handleDM(req)
	case protocol.KindFetch:
		s.handleFetch(req)
	case protocol.KindMarkRead:
		s.handleMarkRead(req)
	case protocol.KindDelete:
		s.handleDelete(req)
	case protocol.KindDeleteAccount:
		return s.handleDeleteAccount()
	case protocol.KindChat:
		s.handleChat(req)
	default:
		s.sendError(fmt.Sprintf("Unsupported request %q", req.Kind.String()))
	}
	return false
}

// dispatchPreAuth is the pre-auth half of the state machine: only
// REGISTER and LOGIN are legal. REGISTER outcomes keep the connection
// open so the same socket can retry or log in; LOGIN failures close it.
func (s *Session) dispatchPreAuth(req *protocol.Message) bool {
	switch req.Kind {
	case protocol.KindRegister:
		s.handleRegister(req)
		return false
	case protocol.KindLogin:
		return s.handleLogin(req)
	default:
		s.sendError(msgLoginRequired)
		return true
	}
}

func (s *Session) handleRegister(req *protocol.Message) {
	if err := protocol.ValidateUsername(req.Username); err != nil {
		s.sendError(err.Error())
		return
	}
	if req.Password == "" {
		s.sendError(msgPasswordRequired)
		return
	}
	created, err := s.srv.store.CreateUser(req.Username, req.Password)
	if err != nil {
		slog.Error("create user", "user", req.Username, "err", err)
		s.sendError("Registration failed")
		return
	}
	if !created {
		s.sendError(msgUserExists)
		return
	}
	slog.Info("registered", "user", req.Username)
	s.sendResponse(&protocol.Response{Status: protocol.StatusSuccess, Message: msgRegistrationOK})
}

// handleLogin verifies credentials, binds the session, and emits the
// join broadcast before the login success response so every observer —
// including the new user — sees a consistent presence sequence.
func (s *Session) handleLogin(req *protocol.Message) bool {
	if req.Password == "" {
		s.sendError(msgPasswordRequired)
		return true
	}
	ok, err := s.srv.store.VerifyUser(req.Username, req.Password)
	if err != nil {
		slog.Error("verify user", "user", req.Username, "err", err)
		s.sendError("Login failed")
		return true
	}
	if !ok {
		s.sendError(msgInvalidCredentials)
		return true
	}

	s.username = req.Username
	if !s.srv.registry.Bind(s) {
		s.username = ""
		s.sendError(msgAlreadyLoggedIn)
		return true
	}
	slog.Info("login", "user", req.Username, "conn", s.id)

	s.srv.broadcast(&protocol.Message{
		Kind:      protocol.KindJoin,
		Username:  req.Username,
		Content:   fmt.Sprintf(userJoinedFormat, req.Username),
		Timestamp: time.Now().Unix(),
	}, nil)

	allUsers, err := s.srv.store.AllUsers()
	if err != nil {
		slog.Error("list users", "err", err)
	}
	success := &protocol.Response{
		Status:  protocol.StatusSuccess,
		Message: msgLoginOK,
		Data: &protocol.Message{
			Kind:        protocol.KindLogin,
			Username:    systemUser,
			Recipients:  allUsers,
			ActiveUsers: s.srv.registry.ActiveUsers(),
		},
	}
	if err := s.sendResponse(success); err != nil {
		return true
	}

	unread, err := s.srv.store.UnreadCount(req.Username)
	if err != nil {
		slog.Error("unread count", "user", req.Username, "err", err)
		return false
	}
	if unread > 0 {
		s.sendRouted(&protocol.Message{
			Kind:        protocol.KindChat,
			Username:    systemUser,
			Content:     fmt.Sprintf(unreadNoticeFormat, unread),
			Timestamp:   time.Now().Unix(),
			UnreadCount: uint32(unread),
		}, uint32(unread))
	}
	return false
}

// writeFrame writes one encoded frame under the write lock. Concurrent
// senders to this connection each get an atomic frame on the wire.
func (s *Session) writeFrame(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(b)
	return err
}

func (s *Session) sendResponse(r *protocol.Response) error {
	b, err := s.codec.EncodeResponse(r)
	if err != nil {
		slog.Error("encode response", "conn", s.id, "err", err)
		return err
	}
	if err := s.writeFrame(b); err != nil {
		return err
	}
	s.srv.stats.framesOut.Add(1)
	framesOutTotal.Inc()
	return nil
}

// sendError reports a failed request on this connection only. Write
// errors are ignored; the read loop will notice a dead peer.
func (s *Session) sendError(msg string) {
	_ = s.sendResponse(&protocol.Response{Status: protocol.StatusError, Message: msg})
}

// sendRouted delivers a routed or system message wrapped in the
// standard new_message envelope, annotated with the receiver's unread
// count when the caller has one. Reports write success so callers can
// decide on delivery marking or peer cleanup.
func (s *Session) sendRouted(m *protocol.Message, unread uint32) bool {
	return s.sendResponse(&protocol.Response{
		Status:      protocol.StatusSuccess,
		Message:     msgNewMessage,
		Data:        m,
		UnreadCount: unread,
	}) == nil
}

// close shuts the connection down once; later calls are no-ops. All
// shutdown and close errors are swallowed.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		if tc, ok := s.conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		_ = s.conn.Close()
	})
}
