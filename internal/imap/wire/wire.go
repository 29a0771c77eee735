// Package wire implements the byte-level IMAP4rev1 grammar: atoms, strings,
// literals, numbers, lists, tags, flags, dates, sequence sets, fetch
// attributes, search keys and mailbox names.
//
// Every primitive follows the same contract: Parse(buf, params) consumes a
// prefix of buf and returns the decoded value plus the unconsumed
// remainder. Parsers never block on I/O; when a literal's payload isn't
// present yet in buf, Parse returns a *NeedLiteral error describing exactly
// how many more octets are needed so the caller (internal/imap/command) can
// pull them off the wire and retry.
package wire

import "errors"

// ErrNotParseable is returned when the input does not match the expected
// grammar at all (as opposed to being merely incomplete).
var ErrNotParseable = errors.New("imap/wire: not parseable")

// ErrUnexpectedType is returned when a value parses but is the wrong kind
// for the context expecting it.
var ErrUnexpectedType = errors.New("imap/wire: unexpected type")

// NeedLiteral is returned by parsers that recognized a literal marker
// ({N} or {N+}) but do not yet have N octets of payload available in the
// buffer handed to them.
type NeedLiteral struct {
	Size    int64
	NonSync bool // {N+} form: caller must not emit a continuation request
}

func (e *NeedLiteral) Error() string {
	if e.NonSync {
		return "imap/wire: need non-synchronizing literal payload"
	}
	return "imap/wire: need literal payload"
}

// Params threads parser configuration through every primitive without
// mutable global state. It is passed by value, never by pointer: parsers
// must not be able to observe each other's adjustments.
type Params struct {
	// MaxLiteral bounds the size of any literal this parse may accept.
	// Zero means unbounded.
	MaxLiteral int64
	// Charset is the charset asserted by a SEARCH command, empty for
	// US-ASCII/UTF-8.
	Charset string
	// LiteralPlus reports whether the client negotiated LITERAL+/LITERAL-
	// and may send non-synchronizing literals without a continuation
	// round trip.
	LiteralPlus bool
}

func isAtomChar(b byte) bool {
	switch b {
	case '(', ')', '{', ' ', '%', '*', '"', '\\', ']', '[':
		return false
	}
	if b <= 0x1f || b == 0x7f {
		return false
	}
	return true
}

// skipSpace consumes exactly one leading space, the separator IMAP uses
// between command arguments. It is an error for it to be missing.
func skipSpace(buf []byte) ([]byte, error) {
	if len(buf) == 0 || buf[0] != ' ' {
		return nil, ErrNotParseable
	}
	return buf[1:], nil
}
