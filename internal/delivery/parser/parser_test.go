package parser

import (
	"database/sql"
	"strings"
	"testing"

	"raven/internal/db"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := db.InitDB(":memory:")
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	return database
}

const simpleMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Cc: carol@example.com\r\n" +
	"Subject: simple probe\r\n" +
	"Date: Mon, 01 Jan 2024 12:00:00 +0000\r\n" +
	"Message-ID: <probe-1@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"plain body line one\r\n" +
	"plain body line two\r\n"

func multipartMessage(boundary string) string {
	return "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: multipart probe\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=" + boundary + "\r\n" +
		"\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: text/plain; charset=us-ascii\r\n" +
		"\r\n" +
		"text part\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: application/octet-stream\r\n" +
		"Content-Disposition: attachment; filename=\"data.bin\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8gYXR0YWNobWVudA==\r\n" +
		"--" + boundary + "--\r\n"
}

func TestParseMIMEMessageSinglePart(t *testing.T) {
	parsed, err := ParseMIMEMessage(simpleMessage)
	if err != nil {
		t.Fatalf("ParseMIMEMessage: %v", err)
	}

	if parsed.Subject != "simple probe" {
		t.Errorf("Subject = %q", parsed.Subject)
	}
	if len(parsed.From) != 1 || parsed.From[0].Address != "alice@example.com" || parsed.From[0].Name != "Alice" {
		t.Errorf("From = %+v", parsed.From)
	}
	if len(parsed.To) != 1 || parsed.To[0].Address != "bob@example.com" {
		t.Errorf("To = %+v", parsed.To)
	}
	if len(parsed.Cc) != 1 {
		t.Errorf("Cc = %+v", parsed.Cc)
	}
	if len(parsed.Parts) != 1 {
		t.Fatalf("Parts = %d, want 1", len(parsed.Parts))
	}
	p := parsed.Parts[0]
	if p.ContentType != "text/plain" || p.Charset != "utf-8" {
		t.Errorf("part = %q/%q", p.ContentType, p.Charset)
	}
	if !strings.Contains(p.TextContent, "plain body line one") {
		t.Errorf("part content = %q", p.TextContent)
	}
	if parsed.SizeBytes != int64(len(simpleMessage)) {
		t.Errorf("SizeBytes = %d, want %d", parsed.SizeBytes, len(simpleMessage))
	}
}

func TestParseMIMEMessageMultipart(t *testing.T) {
	parsed, err := ParseMIMEMessage(multipartMessage("frontier-01"))
	if err != nil {
		t.Fatalf("ParseMIMEMessage: %v", err)
	}
	if len(parsed.Parts) != 2 {
		t.Fatalf("Parts = %d, want 2", len(parsed.Parts))
	}
	if parsed.Parts[0].ContentType != "text/plain" {
		t.Errorf("first part = %q", parsed.Parts[0].ContentType)
	}
	att := parsed.Parts[1]
	if att.ContentType != "application/octet-stream" {
		t.Errorf("attachment type = %q", att.ContentType)
	}
	if att.Filename != "data.bin" {
		t.Errorf("attachment filename = %q", att.Filename)
	}
	if att.ContentTransferEncoding != "base64" {
		t.Errorf("attachment encoding = %q", att.ContentTransferEncoding)
	}
}

func TestParseMIMEMessagePreservesHeaderOrder(t *testing.T) {
	parsed, err := ParseMIMEMessage(simpleMessage)
	if err != nil {
		t.Fatalf("ParseMIMEMessage: %v", err)
	}
	if len(parsed.Headers) == 0 {
		t.Fatal("no headers extracted")
	}
	if parsed.Headers[0].Name != "From" {
		t.Errorf("first header = %s, want From", parsed.Headers[0].Name)
	}
	for i, h := range parsed.Headers {
		if h.Sequence != i {
			t.Errorf("header %s sequence = %d, want %d", h.Name, h.Sequence, i)
		}
	}
}

func TestStoreMessagePersistsStructureAndRawBytes(t *testing.T) {
	database := openTestDB(t)

	parsed, err := ParseMIMEMessage(simpleMessage)
	if err != nil {
		t.Fatalf("ParseMIMEMessage: %v", err)
	}
	messageID, err := StoreMessage(database, parsed)
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	from, err := db.GetMessageAddresses(database, messageID, "from")
	if err != nil || len(from) != 1 || from[0] != "Alice <alice@example.com>" {
		t.Errorf("from = %v, %v", from, err)
	}
	headers, err := db.GetMessageHeaders(database, messageID)
	if err != nil || len(headers) == 0 {
		t.Fatalf("headers = %v, %v", headers, err)
	}
	parts, err := db.GetMessageParts(database, messageID)
	if err != nil || len(parts) != 1 {
		t.Fatalf("parts = %v, %v", parts, err)
	}

	var blobID int64
	if err := database.QueryRow("SELECT raw_blob_id FROM messages WHERE id = ?", messageID).Scan(&blobID); err != nil {
		t.Fatalf("raw_blob_id: %v", err)
	}
	raw, err := db.GetRawMessage(database, blobID)
	if err != nil {
		t.Fatalf("GetRawMessage: %v", err)
	}
	if string(raw) != simpleMessage {
		t.Error("raw bytes do not round trip")
	}
}

func TestStoreMessageSpillsLargePartsToBlobs(t *testing.T) {
	database := openTestDB(t)

	big := strings.Repeat("attachment payload ", 200) // > 1 KiB threshold
	msg := "From: a@example.com\r\nTo: b@example.com\r\nSubject: big\r\n\r\n" + big + "\r\n"
	parsed, err := ParseMIMEMessage(msg)
	if err != nil {
		t.Fatalf("ParseMIMEMessage: %v", err)
	}
	if _, err := StoreMessage(database, parsed); err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	parts, err := db.GetMessageParts(database, parsed.MessageID)
	if err != nil || len(parts) != 1 {
		t.Fatalf("parts = %v, %v", parts, err)
	}
	blobID, ok := parts[0]["blob_id"].(int64)
	if !ok || blobID == 0 {
		t.Fatal("large part should be spilled to a blob")
	}
	if text, ok := parts[0]["text_content"].(string); ok && text != "" {
		t.Error("spilled part should not keep inline text")
	}
	content, err := db.GetBlob(database, blobID)
	if err != nil || !strings.Contains(content, "attachment payload") {
		t.Errorf("blob content missing: %v", err)
	}
}

func TestReconstructMessageRoundTrip(t *testing.T) {
	database := openTestDB(t)

	parsed, err := ParseMIMEMessage(simpleMessage)
	if err != nil {
		t.Fatalf("ParseMIMEMessage: %v", err)
	}
	messageID, err := StoreMessage(database, parsed)
	if err != nil {
		t.Fatalf("StoreMessage: %v", err)
	}

	reconstructed, err := ReconstructMessage(database, messageID)
	if err != nil {
		t.Fatalf("ReconstructMessage: %v", err)
	}
	for _, want := range []string{
		"From: Alice <alice@example.com>",
		"Subject: simple probe",
		"plain body line one",
	} {
		if !strings.Contains(reconstructed, want) {
			t.Errorf("reconstructed message missing %q", want)
		}
	}
}

func TestReconstructMessageUnknownID(t *testing.T) {
	database := openTestDB(t)
	if _, err := ReconstructMessage(database, 99999); err == nil {
		t.Error("expected error for unknown message id")
	}
}

func TestStoreMessageDeduplicatesAttachments(t *testing.T) {
	database := openTestDB(t)

	// The same attachment delivered twice must share one blob row.
	for i := 0; i < 2; i++ {
		parsed, err := ParseMIMEMessage(multipartMessage("frontier-02"))
		if err != nil {
			t.Fatalf("ParseMIMEMessage: %v", err)
		}
		// Force the attachment over the spill threshold.
		parsed.Parts[1].TextContent = strings.Repeat(parsed.Parts[1].TextContent, 60)
		parsed.Parts[1].SizeBytes = int64(len(parsed.Parts[1].TextContent))
		if _, err := StoreMessage(database, parsed); err != nil {
			t.Fatalf("StoreMessage: %v", err)
		}
	}

	var refs int
	err := database.QueryRow(`
		SELECT reference_count FROM blobs
		WHERE id = (SELECT blob_id FROM message_parts WHERE filename = 'data.bin' LIMIT 1)
	`).Scan(&refs)
	if err != nil {
		t.Fatalf("query attachment blob: %v", err)
	}
	if refs != 2 {
		t.Errorf("attachment reference_count = %d, want 2", refs)
	}
}
