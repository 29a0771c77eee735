package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Structured message storage: one messages row per stored message, with
// its addresses, headers, and MIME parts in satellite tables. The
// delivery parser writes these; ReconstructMessage and the envelope
// builders read them back.

func CreateMessage(db *sql.DB, subject, inReplyTo, references string, date time.Time, sizeBytes int64) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO messages (subject, in_reply_to, references_header, date, size_bytes)
		VALUES (?, ?, ?, ?, ?)
	`, subject, inReplyTo, references, date, sizeBytes)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetMessageRawBlob points a messages row at its stored raw bytes.
func SetMessageRawBlob(db *sql.DB, messageID, blobID int64) error {
	_, err := db.Exec("UPDATE messages SET raw_blob_id = ? WHERE id = ?", blobID, messageID)
	return err
}

// AddMessageToMailbox links messageID into mailboxID at the next UID and
// returns it. UID allocation and the link run in one transaction so
// concurrent deliveries never race on uid_next.
func AddMessageToMailbox(db *sql.DB, messageID, mailboxID int64, flags string, internalDate time.Time) (uint32, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var uid int64
	if err := tx.QueryRow("SELECT uid_next FROM mailboxes WHERE id = ?", mailboxID).Scan(&uid); err != nil {
		return 0, err
	}
	if _, err := tx.Exec("UPDATE mailboxes SET uid_next = uid_next + 1 WHERE id = ?", mailboxID); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`
		INSERT INTO message_mailbox (message_id, mailbox_id, uid, flags, internal_date)
		VALUES (?, ?, ?, ?, ?)
	`, messageID, mailboxID, uid, flags, internalDate); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return uint32(uid), nil
}

func GetMessagesByMailbox(db *sql.DB, mailboxID int64) ([]int64, error) {
	rows, err := db.Query(
		"SELECT message_id FROM message_mailbox WHERE mailbox_id = ? ORDER BY uid ASC", mailboxID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateMessageFlags overwrites the flag set for messageID's link into
// mailboxID. The UID-keyed variant used by STORE is UpdateMessageMailboxFlags.
func UpdateMessageFlags(db *sql.DB, mailboxID, messageID int64, flags string) error {
	_, err := db.Exec(
		"UPDATE message_mailbox SET flags = ? WHERE mailbox_id = ? AND message_id = ?",
		flags, mailboxID, messageID)
	return err
}

func GetMessageFlags(db *sql.DB, mailboxID, messageID int64) (string, error) {
	var flags sql.NullString
	err := db.QueryRow(
		"SELECT flags FROM message_mailbox WHERE mailbox_id = ? AND message_id = ?",
		mailboxID, messageID).Scan(&flags)
	if err != nil {
		return "", err
	}
	return flags.String, nil
}

// Addresses.

func AddAddress(db *sql.DB, messageID int64, addressType, name, email string, sequence int) error {
	_, err := db.Exec(`
		INSERT INTO addresses (message_id, address_type, name, email, sequence)
		VALUES (?, ?, ?, ?, ?)
	`, messageID, addressType, name, email, sequence)
	return err
}

// GetMessageAddresses returns display-form addresses ("Name <a@b>" or
// bare "a@b") of one type, in original order.
func GetMessageAddresses(db *sql.DB, messageID int64, addressType string) ([]string, error) {
	rows, err := db.Query(`
		SELECT name, email FROM addresses
		WHERE message_id = ? AND address_type = ?
		ORDER BY sequence
	`, messageID, addressType)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var name, email string
		if err := rows.Scan(&name, &email); err != nil {
			return nil, err
		}
		if name != "" {
			out = append(out, fmt.Sprintf("%s <%s>", name, email))
		} else {
			out = append(out, email)
		}
	}
	return out, rows.Err()
}

// Headers.

func AddMessageHeader(db *sql.DB, messageID int64, name, value string, sequence int) error {
	_, err := db.Exec(`
		INSERT INTO message_headers (message_id, header_name, header_value, sequence)
		VALUES (?, ?, ?, ?)
	`, messageID, name, value, sequence)
	return err
}

func GetMessageHeaders(db *sql.DB, messageID int64) ([]map[string]string, error) {
	rows, err := db.Query(
		"SELECT header_name, header_value FROM message_headers WHERE message_id = ? ORDER BY sequence",
		messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var headers []map[string]string
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		headers = append(headers, map[string]string{"name": name, "value": value})
	}
	return headers, rows.Err()
}

// MIME parts.

func AddMessagePart(db *sql.DB, messageID int64, partNumber int, parentPartID sql.NullInt64,
	contentType, contentDisposition, contentTransferEncoding, charset, filename, contentID string,
	blobID sql.NullInt64, textContent string, sizeBytes int64) (int64, error) {
	res, err := db.Exec(`
		INSERT INTO message_parts (
			message_id, part_number, parent_part_id, content_type,
			content_disposition, content_transfer_encoding, charset,
			filename, content_id, blob_id, text_content, size_bytes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, messageID, partNumber, parentPartID, contentType, contentDisposition,
		contentTransferEncoding, charset, filename, contentID, blobID, textContent, sizeBytes)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func GetMessageParts(db *sql.DB, messageID int64) ([]map[string]interface{}, error) {
	rows, err := db.Query(`
		SELECT id, part_number, parent_part_id, content_type, content_disposition,
		       content_transfer_encoding, charset, filename, content_id, blob_id, text_content, size_bytes
		FROM message_parts
		WHERE message_id = ?
		ORDER BY id
	`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var parts []map[string]interface{}
	for rows.Next() {
		var (
			id, partNumber, sizeBytes                                int64
			parentPartID, blobID                                     sql.NullInt64
			contentType, contentDisposition, contentTransferEncoding string
			charset, filename, contentID, textContent                sql.NullString
		)
		if err := rows.Scan(&id, &partNumber, &parentPartID, &contentType, &contentDisposition,
			&contentTransferEncoding, &charset, &filename, &contentID, &blobID, &textContent, &sizeBytes); err != nil {
			return nil, err
		}

		part := map[string]interface{}{
			"id":                        id,
			"part_number":               partNumber,
			"content_type":              contentType,
			"content_disposition":       contentDisposition,
			"content_transfer_encoding": contentTransferEncoding,
			"size_bytes":                sizeBytes,
		}
		if parentPartID.Valid {
			part["parent_part_id"] = parentPartID.Int64
		}
		if charset.Valid {
			part["charset"] = charset.String
		}
		if filename.Valid {
			part["filename"] = filename.String
		}
		if contentID.Valid {
			part["content_id"] = contentID.String
		}
		if blobID.Valid {
			part["blob_id"] = blobID.Int64
		}
		if textContent.Valid {
			part["text_content"] = textContent.String
		}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

// RecordDelivery logs one successful or failed delivery attempt.
func RecordDelivery(db *sql.DB, messageID int64, recipient, sender, status string, userID sql.NullInt64, smtpResponse string) error {
	_, err := db.Exec(`
		INSERT INTO deliveries (message_id, recipient, sender, status, user_id, delivered_at, smtp_response)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, messageID, recipient, sender, status, userID, time.Now(), smtpResponse)
	return err
}
