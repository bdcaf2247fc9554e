package main

import (
	"os"
	"path/filepath"
	"testing"

	"parley/server/internal/store"
)

func TestRunCLIDispatch(t *testing.T) {
	if RunCLI(nil, "unused.db", "json") {
		t.Error("no args should fall through to server mode")
	}
	if RunCLI([]string{"launch-the-missiles"}, "unused.db", "json") {
		t.Error("unknown subcommand should fall through to server mode")
	}
	if !RunCLI([]string{"version"}, "unused.db", "json") {
		t.Error("version subcommand not handled")
	}
}

func TestRunCLIBackup(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chat.db")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateUser("alice", "pw"); err != nil {
		t.Fatal(err)
	}
	st.Close()

	outPath := filepath.Join(dir, "copy.db")
	if !RunCLI([]string{"backup", outPath}, dbPath, "json") {
		t.Fatal("backup subcommand not handled")
	}
	if _, err := os.Stat(outPath); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	copied, err := store.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer copied.Close()
	if n, _ := copied.UserCount(); n != 1 {
		t.Errorf("backup UserCount = %d, want 1", n)
	}
}
