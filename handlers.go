package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"parley/server/internal/protocol"
	"parley/server/internal/store"
)

// defaultFetchCount applies when a FETCH carries no count (zero encodes
// absent on the wire).
const defaultFetchCount = 10

// handleDM validates, stores, and routes a direct message. The sender
// always gets the stored message echoed back so it learns the assigned
// id; an online recipient gets a copy and the row is marked delivered
// on a successful write. A dead recipient connection is scheduled for
// cleanup without failing the sender's request.
func (s *Session) handleDM(req *protocol.Message) {
	if len(req.Recipients) != 1 {
		s.sendError("DM requires exactly one recipient")
		return
	}
	recipient := req.Recipients[0]
	if strings.TrimSpace(req.Content) == "" {
		s.sendError("Empty message not allowed")
		return
	}

	exists, err := s.srv.store.UserExists(recipient)
	if err != nil {
		slog.Error("user exists", "user", recipient, "err", err)
		s.sendError("Message delivery failed")
		return
	}
	if !exists {
		s.sendError(fmt.Sprintf("User '%s' does not exist", recipient))
		return
	}

	ts := req.Timestamp
	if ts == 0 {
		ts = time.Now().Unix()
	}
	id, err := s.srv.store.StoreMessage(&store.Message{
		Sender:    s.username,
		Recipient: recipient,
		Content:   req.Content,
		Timestamp: ts,
	})
	if err != nil {
		slog.Error("store message", "from", s.username, "to", recipient, "err", err)
		s.sendError("Message delivery failed")
		return
	}
	messagesStoredTotal.Inc()

	m := &protocol.Message{
		ID:         uint32(id),
		Kind:       protocol.KindDM,
		Username:   s.username,
		Content:    req.Content,
		Timestamp:  ts,
		Recipients: []string{recipient},
	}

	if peer, online := s.srv.registry.Lookup(recipient); online {
		if peer.sendRouted(m, 0) {
			if err := s.srv.store.MarkDelivered(id); err != nil {
				slog.Error("mark delivered", "id", id, "err", err)
			}
		} else {
			go s.srv.cleanupSession(peer, true)
		}
	}

	// Echo back so the sender sees its own message with the id.
	s.sendRouted(m, 0)
}

// handleFetch serves history in two modes: a two-user conversation when
// recipients names exactly two users, otherwise the caller's unread
// inbox. Each message goes out as its own frame, annotated with the
// caller's pre-fetch total unread count, and is marked delivered once
// written.
func (s *Session) handleFetch(req *protocol.Message) {
	count := int(req.FetchCount)
	if count <= 0 {
		count = defaultFetchCount
	}

	var (
		msgs []store.Message
		err  error
	)
	if len(req.Recipients) == 2 {
		for _, u := range req.Recipients {
			exists, err := s.srv.store.UserExists(u)
			if err != nil {
				slog.Error("user exists", "user", u, "err", err)
				s.sendError("Fetch failed")
				return
			}
			if !exists {
				s.sendError(fmt.Sprintf("User '%s' does not exist", u))
				return
			}
		}
		msgs, err = s.srv.store.MessagesBetween(req.Recipients[0], req.Recipients[1], count)
	} else {
		msgs, err = s.srv.store.UnreadMessages(s.username, count)
	}
	if err != nil {
		slog.Error("fetch", "user", s.username, "err", err)
		s.sendError("Fetch failed")
		return
	}

	totalUnread, err := s.srv.store.UnreadCount(s.username)
	if err != nil {
		slog.Error("unread count", "user", s.username, "err", err)
		s.sendError("Fetch failed")
		return
	}

	for i := range msgs {
		m := &msgs[i]
		wire := &protocol.Message{
			ID:         uint32(m.ID),
			Kind:       protocol.KindDM,
			Username:   m.Sender,
			Content:    m.Content,
			Timestamp:  m.Timestamp,
			Recipients: []string{m.Recipient},
		}
		if !s.sendRouted(wire, uint32(totalUnread)) {
			return
		}
		if err := s.srv.store.MarkDelivered(m.ID); err != nil {
			slog.Error("mark delivered", "id", m.ID, "err", err)
		}
	}
}

// handleMarkRead marks either everything from one sender or a specific
// id list as read, then tells the caller its new unread count.
func (s *Session) handleMarkRead(req *protocol.Message) {
	switch {
	case len(req.Recipients) > 0:
		if err := s.srv.store.MarkReadFromUser(s.username, req.Recipients[0]); err != nil {
			slog.Error("mark read from user", "user", s.username, "err", err)
			s.sendError("Mark read failed")
			return
		}
	case len(req.MessageIDs) > 0:
		ids := make([]int64, len(req.MessageIDs))
		for i, id := range req.MessageIDs {
			ids[i] = int64(id)
		}
		if err := s.srv.store.MarkRead(ids, s.username); err != nil {
			slog.Error("mark read", "user", s.username, "err", err)
			s.sendError("Mark read failed")
			return
		}
	default:
		s.sendError("Invalid message IDs")
		return
	}

	unread, err := s.srv.store.UnreadCount(s.username)
	if err != nil {
		slog.Error("unread count", "user", s.username, "err", err)
		s.sendError("Mark read failed")
		return
	}
	s.sendRouted(&protocol.Message{
		Kind:        protocol.KindChat,
		Username:    systemUser,
		Timestamp:   time.Now().Unix(),
		UnreadCount: uint32(unread),
	}, uint32(unread))
}

// handleDelete removes messages from the conversation between the
// caller and one other user, then notifies every online affected party.
// Each target's notification carries how many of its own unread
// messages disappeared, so clients can reconcile their badges. Offline
// targets see correct state on their next fetch.
func (s *Session) handleDelete(req *protocol.Message) {
	if len(req.MessageIDs) == 0 || len(req.Recipients) != 1 {
		s.sendError("Invalid message IDs")
		return
	}
	ids := make([]int64, len(req.MessageIDs))
	for i, id := range req.MessageIDs {
		ids[i] = int64(id)
	}

	count, deleted, err := s.srv.store.DeleteMessages(ids, s.username, req.Recipients[0])
	if err != nil {
		slog.Error("delete messages", "user", s.username, "err", err)
		s.sendError("Delete failed")
		return
	}
	slog.Info("messages deleted", "user", s.username, "count", count)

	// Caller is always notified, even when none of its unread rows
	// were touched.
	unreadDecrements := map[string]int{s.username: 0}
	for _, d := range deleted {
		if d.WasUnread {
			unreadDecrements[d.Recipient]++
		} else if _, seen := unreadDecrements[d.Recipient]; !seen {
			unreadDecrements[d.Recipient] = 0
		}
	}

	for user, decrement := range unreadDecrements {
		target, online := s.srv.registry.Lookup(user)
		if !online {
			continue
		}
		notification := &protocol.Message{
			Kind:        protocol.KindDeleteNotification,
			Username:    s.username,
			Timestamp:   time.Now().Unix(),
			MessageIDs:  req.MessageIDs,
			UnreadCount: uint32(decrement),
		}
		if err := target.sendResponse(&protocol.Response{
			Status:      protocol.StatusSuccess,
			Message:     fmt.Sprintf(messagesDeletedFormat, count),
			Data:        notification,
			UnreadCount: uint32(decrement),
		}); err != nil {
			go s.srv.cleanupSession(target, true)
		}
	}
}

// handleDeleteAccount removes the caller's account, cascades its
// messages, and tells everyone. Returns true to exit the session loop
// once the account is gone.
func (s *Session) handleDeleteAccount() bool {
	username := s.username
	ok, err := s.srv.store.DeleteUser(username)
	if err != nil {
		slog.Error("delete user", "user", username, "err", err)
		s.sendError("Account deletion failed")
		return false
	}
	if !ok {
		s.sendError("Account not found")
		return false
	}
	slog.Info("account deleted", "user", username)

	s.srv.broadcast(&protocol.Message{
		Kind:      protocol.KindDeleteAccount,
		Username:  systemUser,
		Content:   fmt.Sprintf(accountDeletedFormat, username),
		Timestamp: time.Now().Unix(),
	}, nil)

	// Updated roster, reusing the LOGIN response shape. The departing
	// user is still bound until cleanup, so filter it out here.
	allUsers, err := s.srv.store.AllUsers()
	if err != nil {
		slog.Error("list users", "err", err)
	}
	active := s.srv.registry.ActiveUsers()
	remaining := active[:0]
	for _, u := range active {
		if u != username {
			remaining = append(remaining, u)
		}
	}
	s.srv.broadcast(&protocol.Message{
		Kind:        protocol.KindLogin,
		Username:    systemUser,
		Recipients:  allUsers,
		ActiveUsers: remaining,
	}, nil)

	return true
}

// handleChat relays a broadcast (or multi-recipient) chat message to
// currently connected sessions. Broadcast chat is transient: nothing is
// persisted, offline users never see it.
func (s *Session) handleChat(req *protocol.Message) {
	if strings.TrimSpace(req.Content) == "" {
		s.sendError("Empty message not allowed")
		return
	}
	m := &protocol.Message{
		Kind:      protocol.KindChat,
		Username:  s.username,
		Content:   req.Content,
		Timestamp: time.Now().Unix(),
	}
	if len(req.Recipients) == 0 {
		s.srv.broadcast(m, nil)
		return
	}
	for _, recipient := range req.Recipients {
		if target, online := s.srv.registry.Lookup(recipient); online && target != s {
			if !target.sendRouted(m, 0) {
				go s.srv.cleanupSession(target, true)
			}
		}
	}
}
