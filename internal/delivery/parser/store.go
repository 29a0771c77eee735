package parser

import (
	"database/sql"
	"fmt"
	"net/mail"

	"raven/internal/db"
)

// blobSpillThreshold is the inline-content ceiling: larger part bodies
// (and anything with a filename) move to the deduplicated blob table.
const blobSpillThreshold = 1024

// StoreMessage persists parsed into database: the messages row, the raw
// bytes as a content-addressed blob, and every header, address, and MIME
// part. It returns the new message ID and records it on parsed.
func StoreMessage(database *sql.DB, parsed *ParsedMessage) (int64, error) {
	messageID, err := db.CreateMessage(database, parsed.Subject, parsed.InReplyTo, parsed.References, parsed.Date, parsed.SizeBytes)
	if err != nil {
		return 0, fmt.Errorf("failed to create message: %v", err)
	}
	parsed.MessageID = messageID

	// Keep the complete RFC 5322 bytes alongside the structured form so
	// the IMAP side can serve BODY[]/RFC822 without reassembly drift.
	if parsed.RawMessage != "" {
		blobID, err := db.StoreRawMessage(database, []byte(parsed.RawMessage))
		if err != nil {
			return 0, fmt.Errorf("failed to store raw message: %v", err)
		}
		if err := db.SetMessageRawBlob(database, messageID, blobID); err != nil {
			return 0, fmt.Errorf("failed to link raw message: %v", err)
		}
	}

	for _, header := range parsed.Headers {
		if err := db.AddMessageHeader(database, messageID, header.Name, header.Value, header.Sequence); err != nil {
			return 0, fmt.Errorf("failed to store header %s: %v", header.Name, err)
		}
	}

	for addressType, list := range map[string][]mail.Address{
		"from": parsed.From, "to": parsed.To, "cc": parsed.Cc, "bcc": parsed.Bcc,
	} {
		for i, addr := range list {
			if err := db.AddAddress(database, messageID, addressType, addr.Name, addr.Address, i); err != nil {
				return 0, fmt.Errorf("failed to store %s address: %v", addressType, err)
			}
		}
	}

	for _, part := range parsed.Parts {
		var blobID sql.NullInt64
		if len(part.TextContent) > blobSpillThreshold || part.Filename != "" {
			id, err := db.StoreBlobWithEncoding(database, part.TextContent, part.ContentTransferEncoding)
			if err == nil {
				blobID = sql.NullInt64{Valid: true, Int64: id}
				part.TextContent = ""
			}
		}
		if _, err := db.AddMessagePart(database, messageID,
			part.PartNumber, part.ParentPartID, part.ContentType, part.ContentDisposition,
			part.ContentTransferEncoding, part.Charset, part.Filename, part.ContentID,
			blobID, part.TextContent, part.SizeBytes); err != nil {
			return 0, fmt.Errorf("failed to store message part: %v", err)
		}
	}

	return messageID, nil
}
