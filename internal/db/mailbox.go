package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Mailbox queries. These run against a mailstore database; userID is the
// owner recorded in that store (0 inside a role mailstore).

// CreateMailbox inserts a mailbox with a fresh uid_validity and uid_next 1.
func CreateMailbox(db *sql.DB, userID int64, name, specialUse string) (int64, error) {
	if name == "" {
		return 0, errors.New("mailbox name cannot be empty")
	}
	res, err := db.Exec(`
		INSERT INTO mailboxes (user_id, name, uid_validity, uid_next, special_use)
		VALUES (?, ?, ?, 1, ?)
	`, userID, name, time.Now().Unix(), specialUse)
	if isUniqueViolation(err) {
		return 0, errors.New("mailbox already exists")
	}
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetMailboxByName(db *sql.DB, userID int64, name string) (int64, error) {
	var id int64
	err := db.QueryRow("SELECT id FROM mailboxes WHERE user_id = ? AND name = ?", userID, name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, errors.New("mailbox not found")
	}
	return id, err
}

func GetMailboxInfo(db *sql.DB, mailboxID int64) (uidValidity, uidNext int64, err error) {
	err = db.QueryRow("SELECT uid_validity, uid_next FROM mailboxes WHERE id = ?", mailboxID).Scan(&uidValidity, &uidNext)
	return
}

func MailboxExists(db *sql.DB, userID int64, name string) (bool, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM mailboxes WHERE user_id = ? AND name = ?", userID, name).Scan(&count)
	return count > 0, err
}

func GetUserMailboxes(db *sql.DB, userID int64) ([]string, error) {
	rows, err := db.Query("SELECT name FROM mailboxes WHERE user_id = ? ORDER BY name", userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// hasInferiors reports whether name has hierarchical children, either by
// parent_id or by the name/... naming convention.
func hasInferiors(db *sql.DB, userID, mailboxID int64, name string) (bool, error) {
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM mailboxes WHERE parent_id = ?", mailboxID).Scan(&count); err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := db.QueryRow(
		"SELECT COUNT(*) FROM mailboxes WHERE user_id = ? AND name LIKE ?",
		userID, name+"/%").Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteMailbox removes a mailbox and its message links. INBOX, the
// special-use defaults, and mailboxes with inferior names are refused.
func DeleteMailbox(db *sql.DB, userID int64, name string) error {
	if strings.ToUpper(name) == "INBOX" {
		return errors.New("cannot delete INBOX")
	}
	for _, m := range defaultMailboxes {
		if m.name != "INBOX" && strings.EqualFold(name, m.name) {
			return fmt.Errorf("cannot delete default mailbox %s", name)
		}
	}

	mailboxID, err := GetMailboxByName(db, userID, name)
	if err != nil {
		return errors.New("mailbox does not exist")
	}
	inferiors, err := hasInferiors(db, userID, mailboxID, name)
	if err != nil {
		return err
	}
	if inferiors {
		return errors.New("mailbox has inferior hierarchical names")
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM message_mailbox WHERE mailbox_id = ?", mailboxID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM mailboxes WHERE id = ?", mailboxID); err != nil {
		return err
	}
	return tx.Commit()
}

// RenameMailbox renames a mailbox and every inferior under it, creating
// intermediate hierarchy levels for the new name as needed. Renaming
// INBOX moves its messages into a new mailbox and leaves INBOX empty.
func RenameMailbox(db *sql.DB, userID int64, oldName, newName string) error {
	if strings.ToUpper(newName) == "INBOX" {
		return errors.New("cannot rename to INBOX")
	}
	if strings.ToUpper(oldName) == "INBOX" {
		return renameInbox(db, userID, newName)
	}

	mailboxID, err := GetMailboxByName(db, userID, oldName)
	if err != nil {
		return errors.New("source mailbox does not exist")
	}
	if exists, err := MailboxExists(db, userID, newName); err != nil {
		return err
	} else if exists {
		return errors.New("destination mailbox already exists")
	}

	if err := ensureHierarchy(db, userID, newName); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("UPDATE mailboxes SET name = ? WHERE id = ?", newName, mailboxID); err != nil {
		return err
	}

	rows, err := tx.Query(
		"SELECT id, name FROM mailboxes WHERE user_id = ? AND name LIKE ?",
		userID, oldName+"/%")
	if err != nil {
		return err
	}
	type rename struct {
		id   int64
		name string
	}
	var renames []rename
	for rows.Next() {
		var r rename
		if err := rows.Scan(&r.id, &r.name); err != nil {
			_ = rows.Close()
			return err
		}
		r.name = newName + r.name[len(oldName):]
		renames = append(renames, r)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range renames {
		if _, err := tx.Exec("UPDATE mailboxes SET name = ? WHERE id = ?", r.name, r.id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ensureHierarchy creates the missing ancestors of name ("a/b/c" needs
// "a" and "a/b"), per the RFC 3501 RENAME requirement.
func ensureHierarchy(db *sql.DB, userID int64, name string) error {
	parts := strings.Split(name, "/")
	for i := 0; i < len(parts)-1; i++ {
		parent := strings.Join(parts[:i+1], "/")
		exists, err := MailboxExists(db, userID, parent)
		if err != nil {
			return err
		}
		if !exists {
			if _, err := CreateMailbox(db, userID, parent, ""); err != nil &&
				!strings.Contains(err.Error(), "already exists") {
				return fmt.Errorf("create parent hierarchy %s: %w", parent, err)
			}
		}
	}
	return nil
}

func renameInbox(db *sql.DB, userID int64, newName string) error {
	if exists, err := MailboxExists(db, userID, newName); err != nil {
		return err
	} else if exists {
		return errors.New("destination mailbox already exists")
	}
	inboxID, err := GetMailboxByName(db, userID, "INBOX")
	if err != nil {
		return err
	}
	newID, err := CreateMailbox(db, userID, newName, "")
	if err != nil {
		return err
	}
	_, err = db.Exec("UPDATE message_mailbox SET mailbox_id = ? WHERE mailbox_id = ?", newID, inboxID)
	return err
}

// Subscriptions.

func SubscribeToMailbox(db *sql.DB, userID int64, name string) error {
	_, err := db.Exec("INSERT OR IGNORE INTO subscriptions (user_id, mailbox_name) VALUES (?, ?)", userID, name)
	return err
}

func UnsubscribeFromMailbox(db *sql.DB, userID int64, name string) error {
	res, err := db.Exec("DELETE FROM subscriptions WHERE user_id = ? AND mailbox_name = ?", userID, name)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.New("subscription does not exist")
	}
	return nil
}

func GetUserSubscriptions(db *sql.DB, userID int64) ([]string, error) {
	rows, err := db.Query("SELECT mailbox_name FROM subscriptions WHERE user_id = ? ORDER BY mailbox_name", userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func IsMailboxSubscribed(db *sql.DB, userID int64, name string) (bool, error) {
	var count int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM subscriptions WHERE user_id = ? AND mailbox_name = ?",
		userID, name).Scan(&count)
	return count > 0, err
}

// Counters used by STATUS.

func GetMessageCount(db *sql.DB, mailboxID int64) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM message_mailbox WHERE mailbox_id = ?", mailboxID).Scan(&count)
	return count, err
}

func GetUnseenCount(db *sql.DB, mailboxID int64) (int, error) {
	var count int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM message_mailbox
		WHERE mailbox_id = ? AND (flags IS NULL OR flags NOT LIKE '%\Seen%')
	`, mailboxID).Scan(&count)
	return count, err
}

// PeekRecentEligible reports the UIDs above the recent_watermark without
// advancing it, for read-only (EXAMINE) selects that must report accurate
// RECENT counts without consuming \Recent credit.
func PeekRecentEligible(db *sql.DB, mailboxID int64) ([]uint32, error) {
	var watermark int64
	if err := db.QueryRow(
		"SELECT recent_watermark FROM mailboxes WHERE id = ?", mailboxID).Scan(&watermark); err != nil {
		return nil, err
	}
	return uidsAbove(db, mailboxID, watermark)
}

// BumpRecentWatermark advances the recent_watermark to uid_next-1 and
// returns the UIDs that became \Recent-eligible since the previous bump.
// Only the first read-write select after new mail arrives claims them.
func BumpRecentWatermark(db *sql.DB, mailboxID int64) ([]uint32, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var watermark, uidNext int64
	if err := tx.QueryRow(
		"SELECT recent_watermark, uid_next FROM mailboxes WHERE id = ?", mailboxID).Scan(&watermark, &uidNext); err != nil {
		return nil, err
	}

	rows, err := tx.Query(
		"SELECT uid FROM message_mailbox WHERE mailbox_id = ? AND uid > ? ORDER BY uid",
		mailboxID, watermark)
	if err != nil {
		return nil, err
	}
	var eligible []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			_ = rows.Close()
			return nil, err
		}
		eligible = append(eligible, uid)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(
		"UPDATE mailboxes SET recent_watermark = ? WHERE id = ?", uidNext-1, mailboxID); err != nil {
		return nil, err
	}
	return eligible, tx.Commit()
}

func uidsAbove(db *sql.DB, mailboxID, watermark int64) ([]uint32, error) {
	rows, err := db.Query(
		"SELECT uid FROM message_mailbox WHERE mailbox_id = ? AND uid > ? ORDER BY uid",
		mailboxID, watermark)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var uids []uint32
	for rows.Next() {
		var uid uint32
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}
