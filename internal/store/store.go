// Package store provides durable chat state backed by an embedded
// SQLite database: user accounts with bcrypt password verifiers, and
// messages with delivery and read tracking. It owns the database
// lifecycle and exposes the operation set the dispatcher relies on.
//
// Migration design: SQL statements are kept in the [migrations] slice
// as ordered strings. Each is applied exactly once; the applied version
// is tracked in the schema_migrations table. To add a migration, append
// a new string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — user accounts. password_hash holds a bcrypt verifier, never
	// cleartext.
	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash BLOB NOT NULL,
		created_at    INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — messages. id is the rowid, so insertion order gives strictly
	// increasing ids.
	`CREATE TABLE IF NOT EXISTS messages (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		sender    TEXT NOT NULL,
		recipient TEXT NOT NULL,
		content   TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		read      INTEGER NOT NULL DEFAULT 0,
		delivered INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (sender) REFERENCES users(username),
		FOREIGN KEY (recipient) REFERENCES users(username)
	)`,
	// v3 — index for the unread queries
	`CREATE INDEX IF NOT EXISTS idx_messages_recipient_read ON messages(recipient, read)`,
	// v4 — index for history queries
	`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp)`,
	// v5 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the chat-state operations.
// Safe for concurrent use by many connection workers; each operation is
// one transaction.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests); in-memory databases are pinned to a single connection, since
// every pool connection would otherwise see its own empty database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if strings.Contains(path, ":memory:") {
		db.SetMaxOpenConns(1)
	} else {
		// Allow multiple read connections but keep the pool small;
		// SQLite serialises writes anyway.
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)
	}

	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("store: busy_timeout pragma", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies
// any migrations whose version exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("store: applied migration", "version", v)
	}
	return nil
}

// Message is a stored direct message.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Content   string
	Timestamp int64 // unix seconds
	Read      bool
	Delivered bool
}

// DeletedMessage records, for one deleted row, who it was addressed to
// and whether it was still unread at the moment of deletion. Clients
// need both to reconcile their unread indicators.
type DeletedMessage struct {
	Recipient string
	WasUnread bool
}

// CreateUser inserts a new account with a bcrypt verifier for password.
// Returns false when the username is already taken.
func (s *Store) CreateUser(username, password string) (bool, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return false, fmt.Errorf("hash password: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO users(username, password_hash) VALUES(?, ?)
		 ON CONFLICT(username) DO NOTHING`,
		username, hash,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// VerifyUser reports whether username exists and password matches its
// verifier. bcrypt's comparison is constant-time, so timing reveals
// nothing about how close a guess was.
func (s *Store) VerifyUser(username, password string) (bool, error) {
	var hash []byte
	err := s.db.QueryRow(
		`SELECT password_hash FROM users WHERE username = ?`, username,
	).Scan(&hash)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil, nil
}

// UserExists reports whether username is registered.
func (s *Store) UserExists(username string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM users WHERE username = ?`, username,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// StoreMessage inserts m and returns its assigned id, which is strictly
// greater than every id assigned before it.
func (s *Store) StoreMessage(m *Message) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO messages(sender, recipient, content, timestamp, read, delivered)
		 VALUES(?, ?, ?, ?, 0, 0)`,
		m.Sender, m.Recipient, m.Content, m.Timestamp,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID, &m.Sender, &m.Recipient, &m.Content,
			&m.Timestamp, &m.Read, &m.Delivered,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnreadMessages returns up to limit unread messages addressed to
// recipient, oldest first. limit <= 0 means no limit.
func (s *Store) UnreadMessages(recipient string, limit int) ([]Message, error) {
	q := `SELECT id, sender, recipient, content, timestamp, read, delivered
	      FROM messages
	      WHERE recipient = ? AND read = 0
	      ORDER BY id ASC`
	args := []any{recipient}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// MessagesBetween returns up to limit messages exchanged between u1 and
// u2 in either direction, oldest first.
func (s *Store) MessagesBetween(u1, u2 string, limit int) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, sender, recipient, content, timestamp, read, delivered
		 FROM messages
		 WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		 ORDER BY id ASC
		 LIMIT ?`,
		u1, u2, u2, u1, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// MarkDelivered sets the delivered flag on one message. Idempotent.
func (s *Store) MarkDelivered(id int64) error {
	_, err := s.db.Exec(`UPDATE messages SET delivered = 1 WHERE id = ?`, id)
	return err
}

// idPlaceholders builds the "?,?,?" fragment for an IN clause.
func idPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// MarkRead sets read=1 on the given ids, but only where recipient
// matches — a user cannot mark someone else's inbox. One statement, one
// transaction.
func (s *Store) MarkRead(ids []int64, recipient string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, recipient)
	_, err := s.db.Exec(
		`UPDATE messages SET read = 1
		 WHERE id IN (`+idPlaceholders(len(ids))+`) AND recipient = ?`,
		args...,
	)
	return err
}

// MarkReadFromUser sets read=1 on every unread message from sender to
// recipient.
func (s *Store) MarkReadFromUser(recipient, sender string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET read = 1
		 WHERE sender = ? AND recipient = ? AND read = 0`,
		sender, recipient,
	)
	return err
}

// UnreadCount returns the number of unread messages addressed to
// recipient.
func (s *Store) UnreadCount(recipient string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages WHERE recipient = ? AND read = 0`,
		recipient,
	).Scan(&n)
	return n, err
}

// DeleteMessages removes the rows in ids that belong to the
// conversation between actingUser and otherUser, in one transaction.
// It returns the deleted count and, for each deleted row, the recipient
// and whether it was unread when deleted.
func (s *Store) DeleteMessages(ids []int64, actingUser, otherUser string) (int, []DeletedMessage, error) {
	if len(ids) == 0 {
		return 0, nil, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	args := make([]any, 0, len(ids)+4)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, actingUser, otherUser, otherUser, actingUser)
	cond := ` WHERE id IN (` + idPlaceholders(len(ids)) + `) AND (
		(sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
	)`

	rows, err := tx.Query(`SELECT recipient, read = 0 FROM messages`+cond, args...)
	if err != nil {
		return 0, nil, err
	}
	var deleted []DeletedMessage
	for rows.Next() {
		var d DeletedMessage
		if err := rows.Scan(&d.Recipient, &d.WasUnread); err != nil {
			rows.Close()
			return 0, nil, err
		}
		deleted = append(deleted, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, err
	}

	res, err := tx.Exec(`DELETE FROM messages`+cond, args...)
	if err != nil {
		return 0, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return int(n), deleted, nil
}

// DeleteUser removes the account and every message it sent or received,
// in one transaction. Returns false when no such user exists.
func (s *Store) DeleteUser(username string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM messages WHERE sender = ? OR recipient = ?`,
		username, username,
	); err != nil {
		return false, err
	}
	res, err := tx.Exec(`DELETE FROM users WHERE username = ?`, username)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// AllUsers returns every registered username, sorted.
func (s *Store) AllUsers() ([]string, error) {
	rows, err := s.db.Query(`SELECT username FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// UserCount returns the number of registered accounts.
func (s *Store) UserCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// MessageCount returns the number of stored messages.
func (s *Store) MessageCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// Backup writes a consistent copy of the database to outPath.
func (s *Store) Backup(outPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, outPath)
	return err
}
