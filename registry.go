package main

import (
	"sort"
	"sync"
)

// Registry is the process-wide session registry: the authoritative
// mapping between logged-in usernames and their connections. Both maps
// live behind one mutex so they can never disagree; at every unlock
// they are exact inverses over their shared keyspace.
//
// The registry holds lookup references only. A session is owned by its
// connection goroutine; the registry never reads or writes a session's
// receive buffer.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]*Session
	byConn map[string]string // session id → username
}

func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]*Session),
		byConn: make(map[string]string),
	}
}

// Bind records s as the live connection for s.username. Returns false,
// without modifying anything, when that username already has a
// session — the check and the insert are one atomic step, so two
// concurrent logins for the same name cannot both succeed.
func (r *Registry) Bind(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.byUser[s.username]; taken {
		return false
	}
	r.byUser[s.username] = s
	r.byConn[s.id] = s.username
	return true
}

// Unbind removes both mappings for s. Returns false when s was not
// bound (never authenticated, or already cleaned up), which makes the
// cleanup path idempotent under concurrent invocation.
func (r *Registry) Unbind(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	username, ok := r.byConn[s.id]
	if !ok {
		return false
	}
	delete(r.byConn, s.id)
	delete(r.byUser, username)
	return true
}

// Lookup returns the session currently bound to username.
func (r *Registry) Lookup(username string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[username]
	return s, ok
}

// Sessions returns a snapshot of all authenticated sessions, safe to
// iterate after the lock is released. Writers act on the snapshot
// outside the mutex; a stale entry at worst gets a failed write and is
// cleaned up by the writer.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byUser))
	for _, s := range r.byUser {
		out = append(out, s)
	}
	return out
}

// ActiveUsers returns the usernames of all logged-in sessions, sorted
// for stable wire output.
func (r *Registry) ActiveUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of authenticated sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// SessionEntry is a snapshot of one live session for the admin API.
type SessionEntry struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Remote   string `json:"remote"`
}

// Entries returns admin-facing snapshots of every live session.
func (r *Registry) Entries() []SessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionEntry, 0, len(r.byUser))
	for u, s := range r.byUser {
		out = append(out, SessionEntry{ID: s.id, Username: u, Remote: s.conn.RemoteAddr().String()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
