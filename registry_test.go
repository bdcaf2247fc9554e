package main

import (
	"fmt"
	"net"
	"reflect"
	"sync"
	"testing"
)

// newTestSession builds a bare session for registry tests; the conn is
// an in-memory pipe so Entries can report a remote address.
func newTestSession(t *testing.T, id, username string) *Session {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return &Session{id: id, conn: server, username: username}
}

func TestRegistryBindUnbind(t *testing.T) {
	r := NewRegistry()
	alice := newTestSession(t, "conn-1", "alice")

	if !r.Bind(alice) {
		t.Fatal("first bind rejected")
	}
	if got, ok := r.Lookup("alice"); !ok || got != alice {
		t.Fatalf("Lookup = %v, %v", got, ok)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}

	if !r.Unbind(alice) {
		t.Fatal("unbind of a bound session returned false")
	}
	if _, ok := r.Lookup("alice"); ok {
		t.Fatal("alice still resolvable after unbind")
	}
	if r.Unbind(alice) {
		t.Fatal("second unbind returned true")
	}
}

// TestRegistryDuplicateUser checks that a username can hold only one
// session at a time, and that a rejected bind leaves no trace.
func TestRegistryDuplicateUser(t *testing.T) {
	r := NewRegistry()
	first := newTestSession(t, "conn-1", "alice")
	second := newTestSession(t, "conn-2", "alice")

	if !r.Bind(first) {
		t.Fatal("first bind rejected")
	}
	if r.Bind(second) {
		t.Fatal("duplicate username bound")
	}

	// The loser must not have corrupted either map: unbinding it is a
	// no-op and the winner stays resolvable.
	if r.Unbind(second) {
		t.Fatal("unbinding the rejected session returned true")
	}
	if got, _ := r.Lookup("alice"); got != first {
		t.Fatal("winner displaced by rejected bind")
	}
}

// TestRegistryConcurrentBind races many sessions for one username;
// exactly one may win.
func TestRegistryConcurrentBind(t *testing.T) {
	r := NewRegistry()

	const contenders = 32
	var wins sync.Map
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		s := newTestSession(t, fmt.Sprintf("conn-%d", i), "alice")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Bind(s) {
				wins.Store(s.id, struct{}{})
			}
		}()
	}
	wg.Wait()

	winners := 0
	wins.Range(func(_, _ any) bool { winners++; return true })
	if winners != 1 {
		t.Fatalf("%d sessions bound for one username, want 1", winners)
	}
	if r.Count() != 1 {
		t.Fatalf("Count = %d, want 1", r.Count())
	}
}

func TestRegistryActiveUsersSorted(t *testing.T) {
	r := NewRegistry()
	for i, u := range []string{"carol", "alice", "bob"} {
		if !r.Bind(newTestSession(t, fmt.Sprintf("conn-%d", i), u)) {
			t.Fatalf("bind %s rejected", u)
		}
	}
	got := r.ActiveUsers()
	if want := []string{"alice", "bob", "carol"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("ActiveUsers = %v, want %v", got, want)
	}
}

func TestRegistryEntries(t *testing.T) {
	r := NewRegistry()
	r.Bind(newTestSession(t, "conn-1", "bob"))
	r.Bind(newTestSession(t, "conn-2", "alice"))

	entries := r.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries = %v", entries)
	}
	if entries[0].Username != "alice" || entries[1].Username != "bob" {
		t.Fatalf("entries not sorted by username: %v", entries)
	}
	for _, e := range entries {
		if e.ID == "" || e.Remote == "" {
			t.Errorf("incomplete entry: %+v", e)
		}
	}
}
