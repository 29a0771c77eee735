package wire

import (
	"encoding/base64"
	"strings"
	"unicode/utf16"
)

// modified UTF-7 (RFC 3501 §5.1.3): base64 with '/' replaced by ',', no
// padding, shifted in and out with '&' ... '-'. "&-" is the literal '&'.

var b7Encoding = base64.NewEncoding(
	"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,",
).WithPadding(base64.NoPadding)

// EncodeMailboxName converts a Unicode mailbox name to its modified UTF-7
// wire representation.
func EncodeMailboxName(name string) string {
	var out strings.Builder
	var run []uint16
	flush := func() {
		if len(run) == 0 {
			return
		}
		buf := make([]byte, len(run)*2)
		for i, u := range run {
			buf[i*2] = byte(u >> 8)
			buf[i*2+1] = byte(u)
		}
		out.WriteByte('&')
		out.WriteString(b7Encoding.EncodeToString(buf))
		out.WriteByte('-')
		run = run[:0]
	}
	for _, r := range name {
		if r >= 0x20 && r <= 0x7e {
			flush()
			if r == '&' {
				out.WriteString("&-")
			} else {
				out.WriteRune(r)
			}
			continue
		}
		if r <= 0xffff {
			run = append(run, uint16(r))
		} else {
			r1, r2 := utf16.EncodeRune(r)
			run = append(run, uint16(r1), uint16(r2))
		}
	}
	flush()
	return out.String()
}

// DecodeMailboxName converts a modified UTF-7 wire name back to Unicode.
func DecodeMailboxName(wire string) (string, error) {
	var out strings.Builder
	i := 0
	for i < len(wire) {
		c := wire[i]
		if c != '&' {
			out.WriteByte(c)
			i++
			continue
		}
		j := i + 1
		for j < len(wire) && wire[j] != '-' {
			j++
		}
		if j == i+1 {
			// "&-" literal ampersand
			out.WriteByte('&')
			i = j + 1
			continue
		}
		encoded := wire[i+1 : j]
		decoded, err := b7Encoding.DecodeString(encoded)
		if err != nil || len(decoded)%2 != 0 {
			return "", ErrNotParseable
		}
		units := make([]uint16, len(decoded)/2)
		for k := range units {
			units[k] = uint16(decoded[2*k])<<8 | uint16(decoded[2*k+1])
		}
		out.WriteString(string(utf16.Decode(units)))
		if j == len(wire) {
			i = j
		} else {
			i = j + 1
		}
	}
	return out.String(), nil
}

// CanonicalMailboxName upper-cases a case-insensitive match of "INBOX";
// every other name is left as-is, including case.
func CanonicalMailboxName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}
