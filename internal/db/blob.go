package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"io"
	"mime/quotedprintable"
	"strings"
)

// Blob storage with content-addressed deduplication: the hash is taken
// over the *decoded* bytes, so the same attachment arriving base64-wrapped
// at different line widths still lands on one row.

// decodeForDedup normalizes content per its transfer encoding before
// hashing. Unknown or broken encodings fall back to the literal bytes.
func decodeForDedup(content, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		if decoded, err := base64.StdEncoding.DecodeString(content); err == nil {
			return decoded
		}
	case "quoted-printable":
		if decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(content))); err == nil {
			return decoded
		}
	}
	return []byte(content)
}

// StoreBlobWithEncoding stores content (still in its wire encoding) and
// returns the blob ID, bumping the reference count on a dedup hit.
func StoreBlobWithEncoding(db *sql.DB, content, encoding string) (int64, error) {
	sum := sha256.Sum256(decodeForDedup(content, encoding))
	hash := hex.EncodeToString(sum[:])

	var id int64
	err := db.QueryRow("SELECT id FROM blobs WHERE sha256_hash = ?", hash).Scan(&id)
	if err == nil {
		_, err = db.Exec("UPDATE blobs SET reference_count = reference_count + 1 WHERE id = ?", id)
		return id, err
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := db.Exec(`
		INSERT INTO blobs (sha256_hash, size_bytes, content, reference_count)
		VALUES (?, ?, ?, 1)
	`, hash, len(content), content)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// StoreBlob stores already-decoded content.
func StoreBlob(db *sql.DB, content string) (int64, error) {
	return StoreBlobWithEncoding(db, content, "")
}

func GetBlob(db *sql.DB, blobID int64) (string, error) {
	var content sql.NullString
	if err := db.QueryRow("SELECT content FROM blobs WHERE id = ?", blobID).Scan(&content); err != nil {
		return "", err
	}
	return content.String, nil
}

// ReleaseBlob drops one reference and deletes the row once nothing
// references it.
func ReleaseBlob(db *sql.DB, blobID int64) error {
	if _, err := db.Exec(
		"UPDATE blobs SET reference_count = reference_count - 1 WHERE id = ? AND reference_count > 0",
		blobID); err != nil {
		return err
	}
	_, err := db.Exec("DELETE FROM blobs WHERE id = ? AND reference_count <= 0", blobID)
	return err
}
