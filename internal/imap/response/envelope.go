package response

import (
	"fmt"
	"strings"
)

// BuildEnvelope renders the ENVELOPE structure for a raw RFC 5322 message,
// per RFC 3501 §7.4.2: (date subject from sender reply-to to cc bcc
// in-reply-to message-id).
func BuildEnvelope(rawMsg string) string {
	date := extractHeader(rawMsg, "Date")
	subject := extractHeader(rawMsg, "Subject")
	from := extractHeader(rawMsg, "From")
	sender := extractHeader(rawMsg, "Sender")
	replyTo := extractHeader(rawMsg, "Reply-To")
	to := extractHeader(rawMsg, "To")
	cc := extractHeader(rawMsg, "Cc")
	bcc := extractHeader(rawMsg, "Bcc")
	inReplyTo := extractHeader(rawMsg, "In-Reply-To")
	messageID := extractHeader(rawMsg, "Message-ID")

	if sender == "" {
		sender = from
	}
	if replyTo == "" {
		replyTo = from
	}

	return fmt.Sprintf("ENVELOPE (%s %s %s %s %s %s %s %s %s %s)",
		QuoteOrNIL(date),
		QuoteOrNIL(subject),
		parseAddressList(from),
		parseAddressList(sender),
		parseAddressList(replyTo),
		parseAddressList(to),
		parseAddressList(cc),
		parseAddressList(bcc),
		QuoteOrNIL(inReplyTo),
		QuoteOrNIL(messageID),
	)
}

// extractHeader pulls one header's folded value out of a raw message,
// honoring RFC 2822 continuation lines (leading whitespace).
func extractHeader(rawMsg string, headerName string) string {
	lines := strings.Split(rawMsg, "\n")
	headerNameUpper := strings.ToUpper(headerName)
	var headerValue strings.Builder
	inHeader := false

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			break
		}
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			if inHeader {
				headerValue.WriteString(" ")
				headerValue.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		colonIdx := strings.Index(line, ":")
		if colonIdx != -1 {
			currentHeader := strings.TrimSpace(line[:colonIdx])
			if strings.ToUpper(currentHeader) == headerNameUpper {
				inHeader = true
				headerValue.WriteString(strings.TrimSpace(line[colonIdx+1:]))
			} else {
				inHeader = false
			}
		}
	}
	return headerValue.String()
}

// QuoteOrNIL quotes str for an IMAP response, or renders NIL if empty.
func QuoteOrNIL(str string) string {
	if str == "" {
		return "NIL"
	}
	str = strings.ReplaceAll(str, "\\", "\\\\")
	str = strings.ReplaceAll(str, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", str)
}

// parseAddressList renders an address header as an IMAP address list:
// ((name route mailbox host) ...) or NIL.
func parseAddressList(addresses string) string {
	if addresses == "" {
		return "NIL"
	}
	addrs := strings.Split(addresses, ",")
	var addrStructs []string

	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		name := ""
		email := addr
		if strings.Contains(addr, "<") && strings.Contains(addr, ">") {
			start := strings.Index(addr, "<")
			end := strings.Index(addr, ">")
			name = strings.TrimSpace(addr[:start])
			email = addr[start+1 : end]
			name = strings.Trim(name, "\"")
		}
		mailbox := email
		host := ""
		if strings.Contains(email, "@") {
			parts := strings.SplitN(email, "@", 2)
			mailbox = parts[0]
			host = parts[1]
		}
		// route is always NIL: source routes are obsolete per RFC 2822.
		addrStructs = append(addrStructs, fmt.Sprintf("(%s NIL %s %s)",
			QuoteOrNIL(name), QuoteOrNIL(mailbox), QuoteOrNIL(host)))
	}
	if len(addrStructs) == 0 {
		return "NIL"
	}
	return "(" + strings.Join(addrStructs, " ") + ")"
}
