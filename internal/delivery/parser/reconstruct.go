package parser

import (
	"bytes"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"raven/internal/db"
)

// ReconstructMessage returns the message's RFC 5322 bytes. Messages
// stored with their raw blob come back verbatim; older rows without one
// are reassembled from the stored headers and parts.
func ReconstructMessage(database *sql.DB, messageID int64) (string, error) {
	var rawBlobID sql.NullInt64
	err := database.QueryRow("SELECT raw_blob_id FROM messages WHERE id = ?", messageID).Scan(&rawBlobID)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("message %d not found", messageID)
	}
	if err != nil {
		return "", err
	}
	if rawBlobID.Valid {
		raw, err := db.GetRawMessage(database, rawBlobID.Int64)
		if err == nil {
			return string(raw), nil
		}
		// Fall through to reassembly when the blob is unreadable.
	}
	return reassembleMessage(database, messageID)
}

// reassembleMessage rebuilds an approximation of the original message
// from the structured rows. Single parts render inline; multiple parts
// render as multipart/mixed unless a stored Content-Type says otherwise.
func reassembleMessage(database *sql.DB, messageID int64) (string, error) {
	parts, err := db.GetMessageParts(database, messageID)
	if err != nil {
		return "", fmt.Errorf("failed to get message parts: %v", err)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no message parts found")
	}
	headers, err := db.GetMessageHeaders(database, messageID)
	if err != nil {
		headers = nil
	}

	var buf bytes.Buffer
	storedContentType := writeStoredHeaders(&buf, database, messageID, headers)

	if len(parts) == 1 {
		if storedContentType == "" {
			writeContentHeaders(&buf, parts[0])
		}
		buf.WriteString("\r\n")
		writePartContent(&buf, database, parts[0])
		return buf.String(), nil
	}

	boundary := boundaryFrom(storedContentType)
	if storedContentType == "" {
		fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", boundary)
	}
	buf.WriteString("\r\n")
	for _, part := range parts {
		if strings.HasPrefix(part["content_type"].(string), "multipart/") {
			continue // container nodes carry no renderable content
		}
		fmt.Fprintf(&buf, "--%s\r\n", boundary)
		writeContentHeaders(&buf, part)
		buf.WriteString("\r\n")
		writePartContent(&buf, database, part)
	}
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.String(), nil
}

// writeStoredHeaders emits the original headers when available, or a
// minimal synthesized set otherwise, and reports any stored Content-Type.
func writeStoredHeaders(buf *bytes.Buffer, database *sql.DB, messageID int64, headers []map[string]string) (contentType string) {
	if len(headers) > 0 {
		for _, h := range headers {
			fmt.Fprintf(buf, "%s: %s\r\n", h["name"], h["value"])
			if strings.EqualFold(h["name"], "Content-Type") {
				contentType = h["value"]
			}
		}
		return contentType
	}

	from, _ := db.GetMessageAddresses(database, messageID, "from")
	to, _ := db.GetMessageAddresses(database, messageID, "to")
	cc, _ := db.GetMessageAddresses(database, messageID, "cc")
	var subject string
	var date time.Time
	_ = database.QueryRow("SELECT subject, date FROM messages WHERE id = ?", messageID).Scan(&subject, &date)

	if len(from) > 0 {
		fmt.Fprintf(buf, "From: %s\r\n", strings.Join(from, ", "))
	}
	if len(to) > 0 {
		fmt.Fprintf(buf, "To: %s\r\n", strings.Join(to, ", "))
	}
	if len(cc) > 0 {
		fmt.Fprintf(buf, "Cc: %s\r\n", strings.Join(cc, ", "))
	}
	fmt.Fprintf(buf, "Subject: %s\r\n", subject)
	fmt.Fprintf(buf, "Date: %s\r\n", date.Format(time.RFC1123Z))
	return ""
}

// boundaryFrom pulls the boundary parameter out of a Content-Type value,
// or supplies a fixed fallback.
func boundaryFrom(contentType string) string {
	if i := strings.Index(contentType, "boundary="); i >= 0 {
		b := strings.Trim(contentType[i+len("boundary="):], "\"")
		if j := strings.IndexByte(b, ';'); j >= 0 {
			b = b[:j]
		}
		if b = strings.TrimSpace(strings.Trim(b, "\"")); b != "" {
			return b
		}
	}
	return "raven-part-boundary"
}

// writeContentHeaders emits the MIME headers for one part.
func writeContentHeaders(buf *bytes.Buffer, part map[string]interface{}) {
	contentType := part["content_type"].(string)
	if charset, ok := part["charset"].(string); ok && charset != "" {
		fmt.Fprintf(buf, "Content-Type: %s; charset=%s", contentType, charset)
	} else {
		fmt.Fprintf(buf, "Content-Type: %s", contentType)
	}
	filename, _ := part["filename"].(string)
	if filename != "" {
		fmt.Fprintf(buf, "; name=%q", filename)
	}
	buf.WriteString("\r\n")

	if encoding, ok := part["content_transfer_encoding"].(string); ok && encoding != "" {
		fmt.Fprintf(buf, "Content-Transfer-Encoding: %s\r\n", encoding)
	}
	if disposition, ok := part["content_disposition"].(string); ok && disposition != "" {
		fmt.Fprintf(buf, "Content-Disposition: %s", disposition)
		if filename != "" {
			fmt.Fprintf(buf, "; filename=%q", filename)
		}
		buf.WriteString("\r\n")
	}
}

// writePartContent emits a part's body from its blob or inline text.
func writePartContent(buf *bytes.Buffer, database *sql.DB, part map[string]interface{}) {
	if blobID, ok := part["blob_id"].(int64); ok {
		if content, err := db.GetBlob(database, blobID); err == nil {
			buf.WriteString(content)
		}
	} else if text, ok := part["text_content"].(string); ok {
		buf.WriteString(text)
	}
	buf.WriteString("\r\n")
}
