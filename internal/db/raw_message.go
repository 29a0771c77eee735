package db

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"time"
)

// StoreRawMessage persists a complete RFC 5322 message as a content-addressed
// blob, base64-encoded so arbitrary binary content survives the TEXT column.
// Deduplicates against any blob already holding the same decoded bytes.
func StoreRawMessage(db *sql.DB, raw []byte) (int64, error) {
	encoded := base64.StdEncoding.EncodeToString(raw)
	return StoreBlobWithEncoding(db, encoded, "base64")
}

// GetRawMessage retrieves and decodes a message blob stored by
// StoreRawMessage.
func GetRawMessage(db *sql.DB, blobID int64) ([]byte, error) {
	content, err := GetBlob(db, blobID)
	if err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(content)
}

// MailboxMessageRow is one row of the message_mailbox/messages join: enough
// to build a backend.StoredMessage without a second round trip.
type MailboxMessageRow struct {
	MessageID    int64
	UID          uint32
	Flags        string
	InternalDate time.Time
	SizeBytes    int64
	RawBlobID    int64
}

// ListMailboxMessages returns every message currently linked to mailboxID,
// ordered by UID ascending.
func ListMailboxMessages(db *sql.DB, mailboxID int64) ([]MailboxMessageRow, error) {
	rows, err := db.Query(`
		SELECT mm.message_id, mm.uid, mm.flags, mm.internal_date, m.size_bytes, m.raw_blob_id
		FROM message_mailbox mm
		JOIN messages m ON m.id = mm.message_id
		WHERE mm.mailbox_id = ?
		ORDER BY mm.uid ASC
	`, mailboxID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MailboxMessageRow
	for rows.Next() {
		var r MailboxMessageRow
		var flags sql.NullString
		var blobID sql.NullInt64
		if err := rows.Scan(&r.MessageID, &r.UID, &flags, &r.InternalDate, &r.SizeBytes, &blobID); err != nil {
			return nil, err
		}
		r.Flags = flags.String
		r.RawBlobID = blobID.Int64
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendMessageToMailbox stores raw as a new message, links it into
// mailboxID at the next UID, and advances uid_next. The whole operation
// runs in one transaction so concurrent APPENDs never race on uid_next.
func AppendMessageToMailbox(db *sql.DB, mailboxID int64, flags string, internalDate time.Time, raw []byte) (uid uint32, err error) {
	// The blob write happens before the transaction opens: a second
	// writer inside an open write transaction would contend for the
	// database lock. A dedup row left behind by a failed append is
	// harmless.
	blobID, err := StoreRawMessage(db, raw)
	if err != nil {
		return 0, fmt.Errorf("store raw message: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var uidNext int64
	if err := tx.QueryRow("SELECT uid_next FROM mailboxes WHERE id = ?", mailboxID).Scan(&uidNext); err != nil {
		return 0, err
	}
	if _, err := tx.Exec("UPDATE mailboxes SET uid_next = uid_next + 1 WHERE id = ?", mailboxID); err != nil {
		return 0, err
	}

	res, err := tx.Exec(`
		INSERT INTO messages (size_bytes, received_at, raw_blob_id)
		VALUES (?, CURRENT_TIMESTAMP, ?)
	`, len(raw), blobID)
	if err != nil {
		return 0, err
	}
	messageID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`
		INSERT INTO message_mailbox (message_id, mailbox_id, uid, flags, internal_date)
		VALUES (?, ?, ?, ?, ?)
	`, messageID, mailboxID, uidNext, flags, internalDate); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint32(uidNext), nil
}

// CopyMessageToMailbox links the message already stored at (srcMailboxID,
// uid) into destMailboxID under a freshly allocated UID. The underlying
// message row and blob are shared, not duplicated.
func CopyMessageToMailbox(db *sql.DB, srcMailboxID int64, uid uint32, destMailboxID int64) (newUID uint32, err error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var messageID int64
	var flags sql.NullString
	var internalDate time.Time
	err = tx.QueryRow(`
		SELECT message_id, flags, internal_date FROM message_mailbox
		WHERE mailbox_id = ? AND uid = ?
	`, srcMailboxID, uid).Scan(&messageID, &flags, &internalDate)
	if err != nil {
		return 0, err
	}

	var uidNext int64
	if err := tx.QueryRow("SELECT uid_next FROM mailboxes WHERE id = ?", destMailboxID).Scan(&uidNext); err != nil {
		return 0, err
	}
	if _, err := tx.Exec("UPDATE mailboxes SET uid_next = uid_next + 1 WHERE id = ?", destMailboxID); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		INSERT INTO message_mailbox (message_id, mailbox_id, uid, flags, internal_date)
		VALUES (?, ?, ?, ?, ?)
	`, messageID, destMailboxID, uidNext, flags.String, internalDate); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint32(uidNext), nil
}

// UpdateMessageMailboxFlags overwrites the flag set stored for (mailboxID, uid).
func UpdateMessageMailboxFlags(db *sql.DB, mailboxID int64, uid uint32, flags string) error {
	_, err := db.Exec(`
		UPDATE message_mailbox SET flags = ? WHERE mailbox_id = ? AND uid = ?
	`, flags, mailboxID, uid)
	return err
}

// DeleteMessageFromMailbox removes the (mailboxID, uid) link and releases
// the underlying blob reference if no other mailbox still links the
// message.
func DeleteMessageFromMailbox(db *sql.DB, mailboxID int64, uid uint32) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var messageID int64
	if err := tx.QueryRow(`
		SELECT message_id FROM message_mailbox WHERE mailbox_id = ? AND uid = ?
	`, mailboxID, uid).Scan(&messageID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		DELETE FROM message_mailbox WHERE mailbox_id = ? AND uid = ?
	`, mailboxID, uid); err != nil {
		return err
	}

	var remaining int
	if err := tx.QueryRow(`
		SELECT COUNT(*) FROM message_mailbox WHERE message_id = ?
	`, messageID).Scan(&remaining); err != nil {
		return err
	}
	if remaining == 0 {
		var blobID sql.NullInt64
		if err := tx.QueryRow("SELECT raw_blob_id FROM messages WHERE id = ?", messageID).Scan(&blobID); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM messages WHERE id = ?", messageID); err != nil {
			return err
		}
		if blobID.Valid {
			if _, err := tx.Exec(`
				UPDATE blobs SET reference_count = reference_count - 1 WHERE id = ?
			`, blobID.Int64); err != nil {
				return err
			}
			if _, err := tx.Exec(`
				DELETE FROM blobs WHERE id = ? AND reference_count <= 0
			`, blobID.Int64); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}
