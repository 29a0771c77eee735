package command

import (
	"bufio"
	"strings"
	"testing"

	"raven/internal/imap/wire"
)

func parseOne(t *testing.T, raw string) *Command {
	t.Helper()
	p := NewParser(bufio.NewReader(strings.NewReader(raw)), wire.Params{}, nil)
	cmd, err := p.Next()
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return cmd
}

func TestParseSimpleCommands(t *testing.T) {
	cmd := parseOne(t, "a1 NOOP\r\n")
	if cmd.Tag != "a1" || cmd.Kind != KindNoop {
		t.Fatalf("got %+v", cmd)
	}
	cmd = parseOne(t, "a2 LOGOUT\r\n")
	if cmd.Kind != KindLogout {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseLogin(t *testing.T) {
	cmd := parseOne(t, "a1 LOGIN fred \"blurdybloop\"\r\n")
	if cmd.Kind != KindLogin || cmd.Login.Username != "fred" || cmd.Login.Password != "blurdybloop" {
		t.Fatalf("got %+v", cmd.Login)
	}
}

func TestParseUIDPrefix(t *testing.T) {
	cmd := parseOne(t, "a1 UID FETCH 1:* (FLAGS)\r\n")
	if !cmd.ByUID || cmd.Kind != KindFetch {
		t.Fatalf("got %+v", cmd)
	}
}

func TestParseSelect(t *testing.T) {
	cmd := parseOne(t, "a1 SELECT INBOX\r\n")
	if cmd.Kind != KindSelect || cmd.Mailbox.Name != "INBOX" {
		t.Fatalf("got %+v", cmd.Mailbox)
	}
}

func TestParseFetchMacroExpandsUnderParens(t *testing.T) {
	cmd := parseOne(t, "a1 FETCH 1 (FAST)\r\n")
	if len(cmd.Fetch.Attrs) != 3 {
		t.Fatalf("expected FAST to expand to 3 attrs, got %+v", cmd.Fetch.Attrs)
	}
}

func TestParseFetchBareAttribute(t *testing.T) {
	cmd := parseOne(t, "a1 FETCH 1 BODY[HEADER]\r\n")
	if len(cmd.Fetch.Attrs) != 1 || cmd.Fetch.Attrs[0].Name != "BODY" || !cmd.Fetch.Attrs[0].HasSection {
		t.Fatalf("got %+v", cmd.Fetch.Attrs)
	}
}

func TestParseStoreSilent(t *testing.T) {
	cmd := parseOne(t, "a1 STORE 1:3 +FLAGS.SILENT (\\Deleted)\r\n")
	if cmd.Kind != KindStore || !cmd.Store.Silent || len(cmd.Store.Flags) != 1 {
		t.Fatalf("got %+v", cmd.Store)
	}
}

func TestParseAppendWithSynchronizingLiteral(t *testing.T) {
	raw := "a1 APPEND INBOX (\\Seen) {5}\r\nhello\r\n"
	var continuations []string
	p := NewParser(bufio.NewReader(strings.NewReader(raw)), wire.Params{}, func(text string) error {
		continuations = append(continuations, text)
		return nil
	})
	cmd, err := p.Next()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(continuations) != 1 {
		t.Fatalf("expected one continuation request, got %v", continuations)
	}
	if cmd.Kind != KindAppend || len(cmd.Append.Messages) != 1 {
		t.Fatalf("got %+v", cmd.Append)
	}
	if string(cmd.Append.Messages[0].Raw) != "hello" {
		t.Fatalf("got raw %q", cmd.Append.Messages[0].Raw)
	}
}

func TestParseAppendNonSynchronizingLiteralSkipsContinuation(t *testing.T) {
	raw := "a1 APPEND INBOX {5+}\r\nhello\r\n"
	called := false
	p := NewParser(bufio.NewReader(strings.NewReader(raw)), wire.Params{LiteralPlus: true}, func(text string) error {
		called = true
		return nil
	})
	cmd, err := p.Next()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if called {
		t.Fatalf("non-synchronizing literal must not trigger a continuation request")
	}
	if string(cmd.Append.Messages[0].Raw) != "hello" {
		t.Fatalf("got %+v", cmd.Append.Messages[0])
	}
}

func TestParseSearchWithCharset(t *testing.T) {
	cmd := parseOne(t, "a1 SEARCH CHARSET UTF-8 SUBJECT foo\r\n")
	if cmd.Search.Charset != "UTF-8" {
		t.Fatalf("got %+v", cmd.Search)
	}
	if cmd.Search.Key.Op != wire.SearchSubject {
		t.Fatalf("got %+v", cmd.Search.Key)
	}
}

func TestParseCopy(t *testing.T) {
	cmd := parseOne(t, "a1 COPY 1:5 Archive\r\n")
	if cmd.Kind != KindCopy || cmd.Copy.Dest != "Archive" {
		t.Fatalf("got %+v", cmd.Copy)
	}
}
