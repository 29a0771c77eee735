package helpers

import (
	"fmt"
	"time"
)

// BuildSimpleEmail renders a minimal RFC 5322 message with the headers the
// delivery parser requires, CRLF line endings throughout.
func BuildSimpleEmail(from, to, subject, body string) string {
	return fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Date: %s\r\n"+
			"Message-ID: <%d.test@raven>\r\n"+
			"Subject: %s\r\n"+
			"\r\n"+
			"%s\r\n",
		from, to, time.Now().Format(time.RFC1123Z), time.Now().UnixNano(), subject, body)
}
