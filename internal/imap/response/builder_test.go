package response

import (
	"bytes"
	"strings"
	"testing"
)

func TestTaggedWithAndWithoutCode(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(&buf)
	b.Tagged("a1", OK, "READ-WRITE", "SELECT completed")
	b.Tagged("a2", NO, "", "No folder selected")
	want := "a1 OK [READ-WRITE] SELECT completed\r\na2 NO No folder selected\r\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}

func TestFlushUpdatesMergesFetchBySequence(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(&buf)
	err := b.FlushUpdates([]Update{
		{Kind: KindExpunge, Seq: 3},
		{Kind: KindFetch, Seq: 1, Items: "FLAGS (\\Seen)"},
		{Kind: KindFetch, Seq: 1, Items: "UID 9 FLAGS (\\Seen \\Flagged)"},
		{Kind: KindExists, Count: 4},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "* 3 EXPUNGE\r\n") {
		t.Fatalf("missing expunge: %q", out)
	}
	if strings.Count(out, "FETCH") != 1 {
		t.Fatalf("expected fetch entries merged into one line: %q", out)
	}
	if !strings.Contains(out, "UID 9 FLAGS (\\Seen \\Flagged)") {
		t.Fatalf("last writer should win: %q", out)
	}
	if !strings.Contains(out, "* 4 EXISTS\r\n") {
		t.Fatalf("missing exists: %q", out)
	}
}

func TestFlushUpdatesMergeUnionsDisjointKeys(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(&buf)
	err := b.FlushUpdates([]Update{
		{Kind: KindFetch, Seq: 2, Items: "FLAGS (\\Seen)"},
		{Kind: KindFetch, Seq: 2, Items: "UID 12"},
	})
	if err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "UID 12") || !strings.Contains(out, "FLAGS (\\Seen)") {
		t.Fatalf("expected union of both keys, got %q", out)
	}
	if strings.Count(out, "FETCH") != 1 {
		t.Fatalf("expected a single merged FETCH line: %q", out)
	}
}

func TestRenderFlagsSortsForStableOutput(t *testing.T) {
	if got := RenderFlags([]string{"\\Seen", "\\Answered"}); got != "(\\Answered \\Seen)" {
		t.Fatalf("got %q", got)
	}
}
