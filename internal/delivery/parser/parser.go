// Package parser turns inbound RFC 5322 bytes into the structured form
// the storage layer persists, and back. Two levels of parsing exist: the
// lightweight Message (envelope-ish view the LMTP session validates) and
// the full ParsedMessage (headers in order, address lists, MIME part
// tree) that StoreMessage writes to the database.
package parser

import (
	"bufio"
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"time"
)

// Message is the lightweight view of one inbound message.
type Message struct {
	From       string
	To         []string
	Subject    string
	Date       time.Time
	MessageID  string
	Headers    map[string]string
	Body       string
	RawMessage string
	Size       int64
}

// ParsedMessage is the full structured form: every header in original
// order, parsed address lists, and the flattened MIME part tree.
type ParsedMessage struct {
	MessageID  int64
	Subject    string
	From       []mail.Address
	To         []mail.Address
	Cc         []mail.Address
	Bcc        []mail.Address
	Date       time.Time
	InReplyTo  string
	References string
	Headers    []MessageHeader
	Parts      []MessagePart
	RawMessage string
	SizeBytes  int64
}

// MessageHeader is one header with its position in the original message.
type MessageHeader struct {
	Name     string
	Value    string
	Sequence int
}

// MessagePart is one node of the flattened MIME tree. Container parts
// (multipart/*) carry no content; their children reference them through
// ParentPartID.
type MessagePart struct {
	PartNumber              int
	ParentPartID            sql.NullInt64
	ContentType             string
	ContentDisposition      string
	ContentTransferEncoding string
	Charset                 string
	Filename                string
	ContentID               string
	BlobID                  sql.NullInt64
	TextContent             string
	SizeBytes               int64
}

// ParseMessage reads and minimally parses one message.
func ParseMessage(r io.Reader) (*Message, error) {
	var buf bytes.Buffer
	msg, err := mail.ReadMessage(io.TeeReader(r, &buf))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	// Drain the body through the tee so buf holds the complete message.
	if _, err := io.Copy(io.Discard, msg.Body); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	io.Copy(&buf, r)
	raw := buf.String()

	from := msg.Header.Get("From")
	if from == "" {
		return nil, fmt.Errorf("missing From header")
	}
	to := extractRecipients(msg.Header)
	if len(to) == 0 {
		return nil, fmt.Errorf("missing To/Cc/Bcc headers")
	}

	date, err := mail.ParseDate(msg.Header.Get("Date"))
	if err != nil {
		date = time.Now()
	}
	messageID := msg.Header.Get("Message-Id")
	if messageID == "" {
		messageID = fmt.Sprintf("<%d@raven-delivery>", time.Now().UnixNano())
	}

	headers := make(map[string]string)
	for key, values := range msg.Header {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}
	body := ""
	if i := strings.Index(raw, "\r\n\r\n"); i >= 0 {
		body = raw[i+4:]
	} else if i := strings.Index(raw, "\n\n"); i >= 0 {
		body = raw[i+2:]
	}

	return &Message{
		From:       from,
		To:         to,
		Subject:    msg.Header.Get("Subject"),
		Date:       date,
		MessageID:  messageID,
		Headers:    headers,
		Body:       body,
		RawMessage: raw,
		Size:       int64(len(raw)),
	}, nil
}

func ParseMessageFromBytes(data []byte) (*Message, error) {
	return ParseMessage(bytes.NewReader(data))
}

// ParseMIMEMessage parses rawMessage into the full structured form.
func ParseMIMEMessage(rawMessage string) (*ParsedMessage, error) {
	msg, err := mail.ReadMessage(strings.NewReader(rawMessage))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %v", err)
	}

	parsed := &ParsedMessage{
		RawMessage: rawMessage,
		SizeBytes:  int64(len(rawMessage)),
		Headers:    extractAllHeaders(rawMessage),
		Subject:    msg.Header.Get("Subject"),
		InReplyTo:  msg.Header.Get("In-Reply-To"),
		References: msg.Header.Get("References"),
	}
	if parsed.Date, _ = mail.ParseDate(msg.Header.Get("Date")); parsed.Date.IsZero() {
		parsed.Date = time.Now()
	}
	parsed.From = addressList(msg.Header.Get("From"))
	parsed.To = addressList(msg.Header.Get("To"))
	parsed.Cc = addressList(msg.Header.Get("Cc"))
	parsed.Bcc = addressList(msg.Header.Get("Bcc"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain; charset=us-ascii"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
	}

	if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
		parsed.Parts, err = parseMultipart(msg.Body, params["boundary"], 0, sql.NullInt64{})
		if err != nil {
			return nil, fmt.Errorf("failed to parse multipart: %v", err)
		}
		return parsed, nil
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %v", err)
	}
	charset := params["charset"]
	if charset == "" {
		charset = "us-ascii"
	}
	parsed.Parts = []MessagePart{{
		PartNumber:              1,
		ContentType:             mediaType,
		ContentTransferEncoding: msg.Header.Get("Content-Transfer-Encoding"),
		Charset:                 charset,
		TextContent:             string(body),
		SizeBytes:               int64(len(body)),
	}}
	return parsed, nil
}

func addressList(value string) []mail.Address {
	parsed, err := mail.ParseAddressList(value)
	if err != nil {
		return nil
	}
	out := make([]mail.Address, 0, len(parsed))
	for _, a := range parsed {
		if a != nil {
			out = append(out, *a)
		}
	}
	return out
}

// parseMultipart flattens one multipart body, recursing depth-first into
// nested multiparts.
func parseMultipart(body io.Reader, boundary string, depth int, parentPartID sql.NullInt64) ([]MessagePart, error) {
	var parts []MessagePart
	partNumber := 1

	mr := multipart.NewReader(body, boundary)
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		content, err := io.ReadAll(p)
		if err != nil {
			continue
		}

		contentType := p.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "text/plain; charset=us-ascii"
		}
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType, params = "text/plain", map[string]string{"charset": "us-ascii"}
		}

		part := MessagePart{
			PartNumber:              partNumber,
			ParentPartID:            parentPartID,
			ContentType:             mediaType,
			ContentDisposition:      p.Header.Get("Content-Disposition"),
			ContentTransferEncoding: p.Header.Get("Content-Transfer-Encoding"),
			Charset:                 params["charset"],
			Filename:                p.FileName(),
			ContentID:               strings.Trim(p.Header.Get("Content-Id"), "<>"),
			TextContent:             string(content),
			SizeBytes:               int64(len(content)),
		}

		if strings.HasPrefix(mediaType, "multipart/") && params["boundary"] != "" {
			// Container part: keep the node, recurse for its children.
			part.TextContent = ""
			parts = append(parts, part)
			sub, err := parseMultipart(bytes.NewReader(content), params["boundary"], depth+1,
				sql.NullInt64{Valid: true, Int64: int64(partNumber)})
			if err == nil {
				parts = append(parts, sub...)
			}
		} else {
			parts = append(parts, part)
		}
		partNumber++
	}
	return parts, nil
}

// extractAllHeaders walks the header block preserving order and folding,
// so reconstruction can reproduce the original header sequence.
func extractAllHeaders(rawMessage string) []MessageHeader {
	var headers []MessageHeader
	sequence := 0
	var name string
	var value strings.Builder

	flush := func() {
		if name != "" {
			headers = append(headers, MessageHeader{Name: name, Value: value.String(), Sequence: sequence})
			sequence++
		}
		name = ""
		value.Reset()
	}

	for _, line := range strings.Split(rawMessage, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if name != "" {
				value.WriteString("\r\n")
				value.WriteString(line)
			}
			continue
		}
		flush()
		if i := strings.IndexByte(line, ':'); i >= 0 {
			name = strings.TrimSpace(line[:i])
			value.WriteString(strings.TrimSpace(line[i+1:]))
		}
	}
	return headers
}

// extractRecipients collects every To/Cc/Bcc address.
func extractRecipients(header mail.Header) []string {
	var recipients []string
	for _, field := range []string{"To", "Cc", "Bcc"} {
		if v := header.Get(field); v != "" {
			recipients = append(recipients, parseAddressStrings(v)...)
		}
	}
	return recipients
}

// parseAddressStrings parses a comma-separated address list, falling back
// to a naive split on malformed input so delivery still has something to
// route on.
func parseAddressStrings(list string) []string {
	addresses, err := mail.ParseAddressList(list)
	if err != nil {
		var out []string
		for _, part := range strings.Split(list, ",") {
			if addr := strings.TrimSpace(part); addr != "" {
				out = append(out, addr)
			}
		}
		return out
	}
	out := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, addr.Address)
	}
	return out
}

// ValidateMessage enforces the minimum the delivery pipeline requires.
func ValidateMessage(msg *Message, maxSize int64) error {
	if msg.From == "" {
		return fmt.Errorf("message missing From header")
	}
	if len(msg.To) == 0 {
		return fmt.Errorf("message missing recipients")
	}
	if msg.Size > maxSize {
		return fmt.Errorf("message size (%d bytes) exceeds maximum allowed size (%d bytes)", msg.Size, maxSize)
	}
	return nil
}

// ExtractEnvelopeRecipient normalizes "a@b", "<a@b>", and `"Name" <a@b>`
// envelope forms to the bare address.
func ExtractEnvelopeRecipient(recipient string) (string, error) {
	recipient = strings.TrimSpace(recipient)
	if !strings.ContainsAny(recipient, "<>") {
		if isValidEmail(recipient) {
			return recipient, nil
		}
		return "", fmt.Errorf("invalid email format: %s", recipient)
	}
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return "", fmt.Errorf("failed to parse recipient: %w", err)
	}
	return addr.Address, nil
}

func isValidEmail(email string) bool {
	local, domain, ok := strings.Cut(email, "@")
	return ok && local != "" && domain != "" && strings.Contains(domain, ".")
}

// ExtractLocalPart returns the part before the @.
func ExtractLocalPart(email string) (string, error) {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "", fmt.Errorf("invalid email format: %s", email)
	}
	return local, nil
}

// ExtractDomain returns the part after the @.
func ExtractDomain(email string) (string, error) {
	_, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "", fmt.Errorf("invalid email format: %s", email)
	}
	return domain, nil
}

// ReadDataCommand consumes an LMTP DATA payload up to the lone-dot
// terminator, undoing RFC 5321 §4.5.2 dot-stuffing and enforcing maxSize.
func ReadDataCommand(r *bufio.Reader, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var size int64

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("error reading data: %w", err)
		}
		if line == ".\r\n" || line == ".\n" {
			return buf.Bytes(), nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		n, _ := buf.WriteString(line)
		if size += int64(n); size > maxSize {
			return nil, fmt.Errorf("message size exceeds maximum allowed size (%d bytes)", maxSize)
		}
	}
}
