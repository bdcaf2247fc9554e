package main

import (
	"fmt"
	"os"

	"parley/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled.
func RunCLI(args []string, dbPath, protoName string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("parley server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	case "probe":
		return cliProbe(args[1:], protoName)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	users, _ := st.UserCount()
	messages, _ := st.MessageCount()
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Users: %d\n", users)
	fmt.Printf("Messages: %d\n", messages)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		users, err := st.AllUsers()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return true
		}
		for _, u := range users {
			unread, _ := st.UnreadCount(u)
			fmt.Printf("  %s (%d unread)\n", u, unread)
		}
		return true
	}

	if args[0] == "delete" && len(args) > 1 {
		username := args[1]
		ok, err := st.DeleteUser(username)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error deleting user: %v\n", err)
			os.Exit(1)
		}
		if !ok {
			fmt.Fprintf(os.Stderr, "no such user: %s\n", username)
			os.Exit(1)
		}
		fmt.Printf("Deleted user %q and their messages\n", username)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server users [list|delete <name>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "parley-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

func cliProbe(args []string, protoName string) bool {
	addr := "127.0.0.1:8000"
	if len(args) > 0 {
		addr = args[0]
	}

	if err := RunProbe(addr, protoName); err != nil {
		fmt.Fprintf(os.Stderr, "probe failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Server at %s is answering (%s protocol)\n", addr, protoName)
	return true
}
