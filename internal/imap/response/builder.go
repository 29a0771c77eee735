// Package response assembles IMAP responses: tagged completions with
// response codes, untagged status updates, continuation requests, and the
// ENVELOPE/BODYSTRUCTURE renderers fetch relies on.
package response

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"raven/internal/imap/wire"
)

// Status is the tagged completion status of a command.
type Status string

const (
	OK  Status = "OK"
	NO  Status = "NO"
	BAD Status = "BAD"
)

// Builder writes CRLF-terminated response lines to a connection. It knows
// nothing about state machine logic — it only formats and writes.
type Builder struct {
	w           io.Writer
	LiteralPlus bool // emit non-synchronizing literals in FETCH responses
}

func NewBuilder(w io.Writer) *Builder { return &Builder{w: w} }

func (b *Builder) writeLine(s string) error {
	_, err := io.WriteString(b.w, s+"\r\n")
	return err
}

// Greeting emits the server greeting: OK on a fresh connection, PREAUTH
// when the transport already authenticated the identity.
func (b *Builder) Greeting(preauth bool, capabilities []string, text string) error {
	status := "OK"
	if preauth {
		status = "PREAUTH"
	}
	return b.writeLine(fmt.Sprintf("* %s [CAPABILITY %s] %s", status, strings.Join(capabilities, " "), text))
}

// Continuation emits a "+" continuation request.
func (b *Builder) Continuation(text string) error {
	return b.writeLine("+ " + text)
}

// Untagged emits a bare untagged response line, e.g. "* 4 EXISTS".
func (b *Builder) Untagged(text string) error {
	return b.writeLine("* " + text)
}

// UntaggedOK emits "* OK [code] text", used for informational codes such
// as UNSEEN, UIDNEXT, UIDVALIDITY, PERMANENTFLAGS, ALERT.
func (b *Builder) UntaggedOK(code, text string) error {
	if code == "" {
		return b.Untagged("OK " + text)
	}
	return b.Untagged(fmt.Sprintf("OK [%s] %s", code, text))
}

// Tagged emits the tagged completion for a command.
func (b *Builder) Tagged(tag string, status Status, code, text string) error {
	if code == "" {
		return b.writeLine(fmt.Sprintf("%s %s %s", tag, status, text))
	}
	return b.writeLine(fmt.Sprintf("%s %s [%s] %s", tag, status, code, text))
}

// Bye emits the untagged BYE that must precede LOGOUT's tagged OK or any
// forced disconnect.
func (b *Builder) Bye(text string) error {
	return b.writeLine("* BYE " + text)
}

// FetchLine emits one "* n FETCH (...)" response.
func (b *Builder) FetchLine(seq uint32, items string) error {
	return b.Untagged(fmt.Sprintf("%d FETCH (%s)", seq, items))
}

// FlushUpdates renders a batch of selected-mailbox updates
// in order, merging FETCH entries that land on the same sequence number
// within the batch — union of attribute sets, last writer wins per key —
// since a STORE response and an interleaved backend notification can both
// want to describe the same message before the next flush point.
func (b *Builder) FlushUpdates(updates []Update) error {
	merged := mergeFetchUpdates(updates)
	for _, u := range merged {
		var err error
		switch u.Kind {
		case KindExpunge:
			err = b.Untagged(fmt.Sprintf("%d EXPUNGE", u.Seq))
		case KindExists:
			err = b.Untagged(fmt.Sprintf("%d EXISTS", u.Count))
		case KindRecent:
			err = b.Untagged(fmt.Sprintf("%d RECENT", u.Count))
		case KindFetch:
			err = b.FetchLine(u.Seq, u.Items)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateKind mirrors selected.UpdateKind so this package does not need to
// import the state-machine-facing selected package for its own tests.
type UpdateKind int

const (
	KindExpunge UpdateKind = iota
	KindExists
	KindRecent
	KindFetch
)

// Update is the response-formatting projection of a selected.Update: by
// the time it reaches this package, FETCH flag lists have already been
// rendered into an attribute-list body (Items).
type Update struct {
	Kind  UpdateKind
	Seq   uint32
	Count uint32
	Items string // pre-rendered "UID u FLAGS (...)" body, FETCH only
}

// RenderFlags renders a FETCH FLAGS attribute list from a flag set,
// producing stable output regardless of map/slice iteration order.
func RenderFlags(flags []string) string {
	sorted := append([]string(nil), flags...)
	sort.Strings(sorted)
	return wire.SerializeList(sorted)
}

// mergeFetchUpdates merges same-sequence FETCH updates within one batch by
// union of attribute keys, last-writer-wins per key, rather
// than letting a later FETCH for the same sequence number blot out
// attribute keys an earlier one carried.
func mergeFetchUpdates(updates []Update) []Update {
	var out []Update
	fetchIdx := make(map[uint32]int)
	pairs := make(map[uint32][]itemPair)
	for _, u := range updates {
		if u.Kind != KindFetch {
			out = append(out, u)
			continue
		}
		if idx, ok := fetchIdx[u.Seq]; ok {
			merged := mergeItemPairs(pairs[u.Seq], parseItemPairs(u.Items))
			pairs[u.Seq] = merged
			out[idx].Items = serializeItemPairs(merged)
			continue
		}
		p := parseItemPairs(u.Items)
		pairs[u.Seq] = p
		fetchIdx[u.Seq] = len(out)
		out = append(out, u)
	}
	return out
}

// itemPair is one ATTRIBUTE value pair out of a FETCH response body, e.g.
// {key: "FLAGS", value: "(\\Seen)"} or {key: "UID", value: "5"}.
type itemPair struct {
	key   string
	value string
}

// splitFetchItemTokens splits a FETCH response body into top-level
// whitespace-separated tokens, treating parenthesized/bracketed groups and
// literal payloads ("{N}\r\n" followed by N octets) as atomic so that a
// value like "(\\Seen \\Answered)" or a literal BODY[...] blob isn't torn
// apart by the spaces inside it.
func splitFetchItemTokens(items string) []string {
	var tokens []string
	depth := 0
	start := 0
	i := 0
	for i < len(items) {
		switch items[i] {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
		case '{':
			if depth == 0 {
				if skipTo, ok := literalSpan(items, i); ok {
					i = skipTo
					continue
				}
			}
		case ' ':
			if depth == 0 {
				tokens = append(tokens, items[start:i])
				start = i + 1
			}
		}
		i++
	}
	if start < len(items) {
		tokens = append(tokens, items[start:])
	}
	return tokens
}

// literalSpan reads a "{N}\r\n" (or "{N+}\r\n") literal marker starting at
// items[at] and returns the index just past its N-octet payload.
func literalSpan(items string, at int) (end int, ok bool) {
	close := strings.IndexByte(items[at:], '}')
	if close < 0 {
		return 0, false
	}
	close += at
	digits := strings.TrimSuffix(items[at+1:close], "+")
	size, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	pos := close + 1
	if pos < len(items) && items[pos] == '\r' {
		pos++
	}
	if pos < len(items) && items[pos] == '\n' {
		pos++
	}
	pos += size
	if pos > len(items) {
		pos = len(items)
	}
	return pos, true
}

func parseItemPairs(items string) []itemPair {
	toks := splitFetchItemTokens(items)
	pairs := make([]itemPair, 0, len(toks)/2)
	for i := 0; i+1 < len(toks); i += 2 {
		pairs = append(pairs, itemPair{key: toks[i], value: toks[i+1]})
	}
	return pairs
}

// mergeItemPairs unions existing and incoming attribute pairs, last write
// wins per key: incoming's pairs (freshest) keep their order and values,
// and any key only existing carried is appended afterward unchanged.
func mergeItemPairs(existing, incoming []itemPair) []itemPair {
	out := append([]itemPair(nil), incoming...)
	seen := make(map[string]bool, len(out))
	for _, p := range out {
		seen[p.key] = true
	}
	for _, p := range existing {
		if !seen[p.key] {
			out = append(out, p)
		}
	}
	return out
}

func serializeItemPairs(pairs []itemPair) string {
	parts := make([]string, 0, len(pairs)*2)
	for _, p := range pairs {
		parts = append(parts, p.key, p.value)
	}
	return strings.Join(parts, " ")
}
