package wire

import (
	"strings"
	"time"
)

const dateTimeLayout = "02-Jan-2006 15:04:05 -0700"
const dateLayout = "02-Jan-2006"

// DateTime parses the quoted "dd-Mon-yyyy HH:MM:SS ±zzzz" internal-date
// form used by APPEND and FETCH INTERNALDATE.
func DateTime(buf []byte) (time.Time, []byte, error) {
	s, rest, err := QuotedString(buf)
	if err != nil {
		return time.Time{}, buf, err
	}
	t, perr := time.Parse(dateTimeLayout, s)
	if perr != nil {
		return time.Time{}, buf, ErrNotParseable
	}
	return t, rest, nil
}

// SerializeDateTime renders t in the canonical internal-date form,
// quoted, with the day space-padded to two characters for 1-9, which
// time.Format's "_2" supplies.
func SerializeDateTime(t time.Time) string {
	layout := "_2-Jan-2006 15:04:05 -0700"
	return SerializeQuoted(t.Format(layout))
}

// Date parses the unquoted "dd-Mon-yyyy" form used in SEARCH date keys.
func Date(buf []byte) (time.Time, []byte, error) {
	raw := buf
	quoted := false
	if len(buf) > 0 && buf[0] == '"' {
		s, rest, err := QuotedString(buf)
		if err != nil {
			return time.Time{}, buf, err
		}
		raw = []byte(s)
		buf = rest
		quoted = true
	}
	end := 0
	for end < len(raw) && raw[end] != ' ' && raw[end] != '\r' {
		end++
	}
	token := string(raw[:end])
	t, perr := time.Parse(dateLayout, token)
	if perr != nil {
		return time.Time{}, buf, ErrNotParseable
	}
	if quoted {
		return t, buf, nil
	}
	return t, raw[end:], nil
}

// CanonicalMonth upper-cases only the first letter of a month
// abbreviation, matching the form Go's layout expects ("Jan").
func CanonicalMonth(m string) string {
	if len(m) == 0 {
		return m
	}
	return strings.ToUpper(m[:1]) + strings.ToLower(m[1:])
}
