package store

import (
	"path/filepath"
	"reflect"
	"testing"
)

// newMemStore opens a fresh in-memory store for one test.
func newMemStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return s
}

// mustCreateUser registers a user or fails the test.
func mustCreateUser(t *testing.T, s *Store, username string) {
	t.Helper()
	created, err := s.CreateUser(username, "secret-"+username)
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
	if !created {
		t.Fatalf("user %s already exists", username)
	}
}

// mustStore inserts a message and returns its id.
func mustStore(t *testing.T, s *Store, sender, recipient, content string, ts int64) int64 {
	t.Helper()
	id, err := s.StoreMessage(&Message{
		Sender:    sender,
		Recipient: recipient,
		Content:   content,
		Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("store message: %v", err)
	}
	return id
}

func TestMigrateIdempotent(t *testing.T) {
	s := newMemStore(t)
	// Open already migrated; a second pass must be a no-op.
	if err := s.migrate(); err != nil {
		t.Fatalf("re-migrate: %v", err)
	}

	var version int
	if err := s.db.QueryRow(
		`SELECT MAX(version) FROM schema_migrations`,
	).Scan(&version); err != nil {
		t.Fatal(err)
	}
	if version != len(migrations) {
		t.Errorf("schema version = %d, want %d", version, len(migrations))
	}
}

func TestCreateAndVerifyUser(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")

	ok, err := s.VerifyUser("alice", "secret-alice")
	if err != nil || !ok {
		t.Fatalf("verify with correct password: ok=%v err=%v", ok, err)
	}
	ok, err = s.VerifyUser("alice", "wrong")
	if err != nil || ok {
		t.Fatalf("verify with wrong password: ok=%v err=%v", ok, err)
	}
	ok, err = s.VerifyUser("nobody", "secret-alice")
	if err != nil || ok {
		t.Fatalf("verify unknown user: ok=%v err=%v", ok, err)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")

	created, err := s.CreateUser("alice", "other-password")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("duplicate username accepted")
	}

	// The original password must still verify; the failed insert must
	// not have touched the row.
	ok, err := s.VerifyUser("alice", "secret-alice")
	if err != nil || !ok {
		t.Fatalf("original password no longer verifies: ok=%v err=%v", ok, err)
	}
}

func TestUserExists(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")

	for user, want := range map[string]bool{"alice": true, "bob": false} {
		got, err := s.UserExists(user)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("UserExists(%q) = %v, want %v", user, got, want)
		}
	}
}

// TestMessageIDsIncrease checks that ids are assigned in strictly
// increasing insertion order; fetch ordering relies on it.
func TestMessageIDsIncrease(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")

	var last int64
	for i := 0; i < 5; i++ {
		id := mustStore(t, s, "alice", "bob", "msg", int64(1000+i))
		if id <= last {
			t.Fatalf("id %d not greater than previous %d", id, last)
		}
		last = id
	}
}

func TestUnreadMessages(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")

	id1 := mustStore(t, s, "alice", "bob", "m1", 1000)
	id2 := mustStore(t, s, "alice", "bob", "m2", 1001)
	id3 := mustStore(t, s, "alice", "bob", "m3", 1002)
	mustStore(t, s, "bob", "alice", "reply", 1003)

	msgs, err := s.UnreadMessages("bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	gotIDs := make([]int64, len(msgs))
	for i, m := range msgs {
		gotIDs[i] = m.ID
	}
	if want := []int64{id1, id2, id3}; !reflect.DeepEqual(gotIDs, want) {
		t.Fatalf("unread ids = %v, want %v", gotIDs, want)
	}

	// Limit trims from the tail, oldest first stays.
	msgs, err = s.UnreadMessages("bob", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != id1 || msgs[1].ID != id2 {
		t.Fatalf("limited unread = %v", msgs)
	}
}

func TestMessagesBetween(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")
	mustCreateUser(t, s, "carol")

	id1 := mustStore(t, s, "alice", "bob", "hi bob", 1000)
	id2 := mustStore(t, s, "bob", "alice", "hi alice", 1001)
	mustStore(t, s, "alice", "carol", "hi carol", 1002)

	msgs, err := s.MessagesBetween("alice", "bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].ID != id1 || msgs[1].ID != id2 {
		t.Fatalf("conversation = %+v", msgs)
	}

	// Same conversation regardless of argument order.
	flipped, err := s.MessagesBetween("bob", "alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(msgs, flipped) {
		t.Fatal("conversation differs when arguments are flipped")
	}
}

// TestMarkReadScoping checks that MarkRead only touches rows addressed
// to the acting recipient, whatever ids are passed.
func TestMarkReadScoping(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")

	toBob := mustStore(t, s, "alice", "bob", "for bob", 1000)
	toAlice := mustStore(t, s, "bob", "alice", "for alice", 1001)

	// bob tries to mark both; only his own row changes.
	if err := s.MarkRead([]int64{toBob, toAlice}, "bob"); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.UnreadCount("bob"); n != 0 {
		t.Errorf("bob unread = %d, want 0", n)
	}
	if n, _ := s.UnreadCount("alice"); n != 1 {
		t.Errorf("alice unread = %d, want 1", n)
	}
}

func TestMarkReadFromUser(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")
	mustCreateUser(t, s, "carol")

	mustStore(t, s, "alice", "bob", "m1", 1000)
	mustStore(t, s, "alice", "bob", "m2", 1001)
	mustStore(t, s, "carol", "bob", "m3", 1002)

	if err := s.MarkReadFromUser("bob", "alice"); err != nil {
		t.Fatal(err)
	}
	n, err := s.UnreadCount("bob")
	if err != nil {
		t.Fatal(err)
	}
	// carol's message stays unread.
	if n != 1 {
		t.Fatalf("bob unread = %d, want 1", n)
	}
}

func TestMarkDelivered(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")

	id := mustStore(t, s, "alice", "bob", "m", 1000)
	if err := s.MarkDelivered(id); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDelivered(id); err != nil {
		t.Fatalf("second MarkDelivered: %v", err)
	}

	msgs, err := s.UnreadMessages("bob", 0)
	if err != nil {
		t.Fatal(err)
	}
	// Delivered but still unread: delivery and read state are
	// independent.
	if len(msgs) != 1 || !msgs[0].Delivered || msgs[0].Read {
		t.Fatalf("message state = %+v", msgs)
	}
}

// TestDeleteMessages checks conversation scoping and the per-row
// deletion info clients use to reconcile unread badges.
func TestDeleteMessages(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")
	mustCreateUser(t, s, "carol")

	id1 := mustStore(t, s, "alice", "bob", "m1", 1000) // unread at deletion
	id2 := mustStore(t, s, "bob", "alice", "m2", 1001) // read at deletion
	other := mustStore(t, s, "alice", "carol", "m3", 1002)

	if err := s.MarkRead([]int64{id2}, "alice"); err != nil {
		t.Fatal(err)
	}

	// The carol row is listed but outside the alice/bob conversation;
	// it must survive.
	count, deleted, err := s.DeleteMessages([]int64{id1, id2, other}, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("deleted %d rows, want 2", count)
	}

	info := map[string]bool{}
	for _, d := range deleted {
		info[d.Recipient] = d.WasUnread
	}
	if !info["bob"] {
		t.Error("bob's deleted message should be reported unread")
	}
	if unread, ok := info["alice"]; !ok || unread {
		t.Errorf("alice's deleted message reported unread=%v ok=%v", unread, ok)
	}

	if n, _ := s.MessageCount(); n != 1 {
		t.Errorf("messages remaining = %d, want 1", n)
	}
	msgs, err := s.MessagesBetween("alice", "carol", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != other {
		t.Fatalf("carol conversation = %+v", msgs)
	}
}

func TestDeleteMessagesEmpty(t *testing.T) {
	s := newMemStore(t)
	count, deleted, err := s.DeleteMessages(nil, "alice", "bob")
	if err != nil || count != 0 || deleted != nil {
		t.Fatalf("empty delete: count=%d deleted=%v err=%v", count, deleted, err)
	}
}

// TestDeleteUser checks the account cascade: the user row and every
// message it sent or received go in one transaction.
func TestDeleteUser(t *testing.T) {
	s := newMemStore(t)
	mustCreateUser(t, s, "alice")
	mustCreateUser(t, s, "bob")
	mustCreateUser(t, s, "carol")

	mustStore(t, s, "alice", "bob", "sent", 1000)
	mustStore(t, s, "bob", "alice", "received", 1001)
	kept := mustStore(t, s, "bob", "carol", "unrelated", 1002)

	ok, err := s.DeleteUser("alice")
	if err != nil || !ok {
		t.Fatalf("delete alice: ok=%v err=%v", ok, err)
	}

	if exists, _ := s.UserExists("alice"); exists {
		t.Error("alice still exists")
	}
	if n, _ := s.MessageCount(); n != 1 {
		t.Errorf("messages remaining = %d, want 1", n)
	}
	msgs, err := s.MessagesBetween("bob", "carol", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != kept {
		t.Fatalf("unrelated message lost: %+v", msgs)
	}

	ok, err = s.DeleteUser("alice")
	if err != nil || ok {
		t.Fatalf("second delete: ok=%v err=%v", ok, err)
	}
}

func TestAllUsersAndCounts(t *testing.T) {
	s := newMemStore(t)
	for _, u := range []string{"carol", "alice", "bob"} {
		mustCreateUser(t, s, u)
	}
	mustStore(t, s, "alice", "bob", "m", 1000)

	users, err := s.AllUsers()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"alice", "bob", "carol"}; !reflect.DeepEqual(users, want) {
		t.Errorf("AllUsers = %v, want %v", users, want)
	}

	if n, _ := s.UserCount(); n != 3 {
		t.Errorf("UserCount = %d, want 3", n)
	}
	if n, _ := s.MessageCount(); n != 1 {
		t.Errorf("MessageCount = %d, want 1", n)
	}
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	src, err := Open(filepath.Join(dir, "live.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	mustCreateUser(t, src, "alice")
	mustStore(t, src, "alice", "alice", "note to self", 1000)

	backupPath := filepath.Join(dir, "backup.db")
	if err := src.Backup(backupPath); err != nil {
		t.Fatalf("backup: %v", err)
	}

	copied, err := Open(backupPath)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copied.Close()
	if n, _ := copied.UserCount(); n != 1 {
		t.Errorf("backup UserCount = %d, want 1", n)
	}
	if n, _ := copied.MessageCount(); n != 1 {
		t.Errorf("backup MessageCount = %d, want 1", n)
	}
}
