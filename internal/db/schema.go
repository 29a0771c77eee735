// Package db is the SQLite persistence layer. The directory of domains,
// users, and role mailboxes lives in one shared database; each user (and
// each role mailbox) gets its own mailstore database file holding that
// account's mailboxes, messages, and blobs. DBManager owns the handles.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// directorySchema holds the account directory: who exists, in which
// domain, and which role mailboxes they may act for. Shared database only.
var directorySchema = []string{
	`CREATE TABLE IF NOT EXISTS domains (
		id INTEGER PRIMARY KEY,
		domain TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		enabled BOOLEAN DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL,
		domain_id INTEGER NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		enabled BOOLEAN DEFAULT TRUE,
		password_initialized BOOLEAN DEFAULT FALSE,
		FOREIGN KEY (domain_id) REFERENCES domains(id),
		UNIQUE(username, domain_id)
	)`,
	`CREATE TABLE IF NOT EXISTS role_mailboxes (
		id INTEGER PRIMARY KEY,
		email TEXT NOT NULL,
		domain_id INTEGER NOT NULL,
		description TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		enabled BOOLEAN DEFAULT TRUE,
		FOREIGN KEY (domain_id) REFERENCES domains(id),
		UNIQUE(email)
	)`,
	`CREATE TABLE IF NOT EXISTS user_role_assignments (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		role_mailbox_id INTEGER NOT NULL,
		assigned_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		assigned_by INTEGER,
		is_active BOOLEAN DEFAULT TRUE,
		FOREIGN KEY (user_id) REFERENCES users(id),
		FOREIGN KEY (role_mailbox_id) REFERENCES role_mailboxes(id),
		UNIQUE(user_id, role_mailbox_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_users_username_domain ON users(username, domain_id)`,
	`CREATE INDEX IF NOT EXISTS idx_role_mailboxes_email ON role_mailboxes(email)`,
	`CREATE INDEX IF NOT EXISTS idx_role_assignments_user ON user_role_assignments(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_role_assignments_role ON user_role_assignments(role_mailbox_id)`,
}

// mailstoreSchema holds one account's mail. user_id columns reference the
// shared directory by value; there is no cross-database foreign key.
//
// recent_watermark tracks the highest UID whose \Recent credit has been
// claimed by a read-write select; uid_next never decreases, so UIDs within
// a uid_validity epoch are never reused.
var mailstoreSchema = []string{
	`CREATE TABLE IF NOT EXISTS blobs (
		id INTEGER PRIMARY KEY,
		sha256_hash TEXT NOT NULL UNIQUE,
		size_bytes INTEGER NOT NULL,
		content TEXT,
		reference_count INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS mailboxes (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		parent_id INTEGER,
		uid_validity INTEGER NOT NULL,
		uid_next INTEGER NOT NULL,
		recent_watermark INTEGER NOT NULL DEFAULT 0,
		special_use TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (parent_id) REFERENCES mailboxes(id),
		UNIQUE(user_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY,
		in_reply_to TEXT,
		references_header TEXT,
		subject TEXT,
		date TIMESTAMP,
		size_bytes INTEGER NOT NULL,
		received_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		thread_id INTEGER,
		raw_blob_id INTEGER,
		FOREIGN KEY (raw_blob_id) REFERENCES blobs(id)
	)`,
	`CREATE TABLE IF NOT EXISTS message_mailbox (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL,
		mailbox_id INTEGER NOT NULL,
		uid INTEGER NOT NULL,
		flags TEXT,
		internal_date TIMESTAMP NOT NULL,
		added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (message_id) REFERENCES messages(id),
		FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id),
		UNIQUE(mailbox_id, uid)
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		mailbox_name TEXT NOT NULL,
		subscribed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(user_id, mailbox_name)
	)`,
	`CREATE TABLE IF NOT EXISTS addresses (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL,
		address_type TEXT NOT NULL,
		name TEXT,
		email TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		FOREIGN KEY (message_id) REFERENCES messages(id)
	)`,
	`CREATE TABLE IF NOT EXISTS message_parts (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL,
		part_number INTEGER NOT NULL,
		parent_part_id INTEGER,
		content_type TEXT NOT NULL,
		content_disposition TEXT,
		content_transfer_encoding TEXT,
		charset TEXT,
		filename TEXT,
		content_id TEXT,
		blob_id INTEGER,
		text_content TEXT,
		size_bytes INTEGER NOT NULL,
		FOREIGN KEY (message_id) REFERENCES messages(id),
		FOREIGN KEY (parent_part_id) REFERENCES message_parts(id)
	)`,
	`CREATE TABLE IF NOT EXISTS message_headers (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL,
		header_name TEXT NOT NULL,
		header_value TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		FOREIGN KEY (message_id) REFERENCES messages(id)
	)`,
	`CREATE TABLE IF NOT EXISTS deliveries (
		id INTEGER PRIMARY KEY,
		message_id INTEGER NOT NULL,
		recipient TEXT NOT NULL,
		sender TEXT NOT NULL,
		status TEXT NOT NULL,
		user_id INTEGER,
		delivered_at TIMESTAMP,
		smtp_response TEXT,
		FOREIGN KEY (message_id) REFERENCES messages(id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_blobs_hash ON blobs(sha256_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_mailboxes_user ON mailboxes(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date)`,
	`CREATE INDEX IF NOT EXISTS idx_message_mailbox_uid ON message_mailbox(mailbox_id, uid)`,
	`CREATE INDEX IF NOT EXISTS idx_message_mailbox_message ON message_mailbox(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_addresses_message ON addresses(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_message_parts_message ON message_parts(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_message_headers_message ON message_headers(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_deliveries_message ON deliveries(message_id)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_user ON subscriptions(user_id)`,
}

func applySchema(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// openSQLite opens path with foreign keys enforced.
func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// InitDB opens a single database carrying both the directory and a
// mailstore. Single-file deployments and :memory: tests use this; the
// sharded layout goes through DBManager instead.
func InitDB(path string) (*sql.DB, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := applySchema(db, directorySchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := applySchema(db, mailstoreSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// defaultMailboxes are provisioned for every new account.
var defaultMailboxes = []struct {
	name       string
	specialUse string
}{
	{"INBOX", `\Inbox`},
	{"Sent", `\Sent`},
	{"Drafts", `\Drafts`},
	{"Trash", `\Trash`},
	{"Spam", `\Junk`},
}

func createDefaultMailboxes(db *sql.DB, userID int64) error {
	for _, m := range defaultMailboxes {
		if _, err := CreateMailbox(db, userID, m.name, m.specialUse); err != nil {
			return fmt.Errorf("create mailbox %s: %w", m.name, err)
		}
	}
	return nil
}
