package wire

import (
	"bytes"
	"testing"
)

func TestAtomParse(t *testing.T) {
	got, rest, err := Atom([]byte("FETCH "))
	if err != nil || got != "FETCH" || string(rest) != " " {
		t.Fatalf("Atom() = %q, %q, %v", got, rest, err)
	}
}

func TestNumberRejectsLeadingZero(t *testing.T) {
	if _, _, err := Number([]byte("007")); err == nil {
		t.Fatal("expected leading-zero number to be rejected")
	}
	n, rest, err := Number([]byte("0 "))
	if err != nil || n != 0 || string(rest) != " " {
		t.Fatalf("Number(0) = %d, %q, %v", n, rest, err)
	}
}

func TestQuotedStringEscapes(t *testing.T) {
	s, rest, err := QuotedString([]byte(`"a\"b\\c" x`))
	if err != nil {
		t.Fatal(err)
	}
	if s != `a"b\c` {
		t.Fatalf("got %q", s)
	}
	if string(rest) != " x" {
		t.Fatalf("rest = %q", rest)
	}
	if SerializeQuoted(s) != `"a\"b\\c"` {
		t.Fatalf("serialize round trip = %q", SerializeQuoted(s))
	}
}

func TestLiteralNeedsMore(t *testing.T) {
	_, _, err := Literal([]byte("{5}\r\nab"), Params{})
	var need *NeedLiteral
	if !AsNeedLiteral(err, &need) {
		t.Fatalf("expected NeedLiteral, got %v", err)
	}
	if need.Size != 5 {
		t.Fatalf("need.Size = %d", need.Size)
	}

	data, rest, err := Literal([]byte("{5}\r\nabcde "), Params{})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "abcde" || string(rest) != " " {
		t.Fatalf("data=%q rest=%q", data, rest)
	}
}

func AsNeedLiteral(err error, target **NeedLiteral) bool {
	if nl, ok := err.(*NeedLiteral); ok {
		*target = nl
		return true
	}
	return false
}

func TestFlagCanonicalization(t *testing.T) {
	f, _, err := Flag([]byte(`\SEEN`))
	if err != nil || f != FlagSeen {
		t.Fatalf("Flag(\\SEEN) = %q, %v", f, err)
	}
	f, _, err = Flag([]byte(`CustomKeyword`))
	if err != nil || f != "CustomKeyword" {
		t.Fatalf("keyword case not preserved: %q", f)
	}
}

func TestMailboxNameUTF7RoundTrip(t *testing.T) {
	name := "Отправленные"
	enc := EncodeMailboxName(name)
	dec, err := DecodeMailboxName(enc)
	if err != nil {
		t.Fatal(err)
	}
	if dec != name {
		t.Fatalf("round trip failed: got %q want %q (wire %q)", dec, name, enc)
	}

	if enc2 := EncodeMailboxName("A&B"); enc2 != "A&-B" {
		t.Fatalf("ampersand escape: got %q", enc2)
	}
	dec2, err := DecodeMailboxName("A&-B")
	if err != nil || dec2 != "A&B" {
		t.Fatalf("ampersand round trip: %q, %v", dec2, err)
	}

	if CanonicalMailboxName("inbox") != "INBOX" {
		t.Fatal("INBOX not canonicalized")
	}
	if CanonicalMailboxName("Inbox/Sub") != "Inbox/Sub" {
		t.Fatal("non-INBOX name must not be touched")
	}
}

func TestSequenceSetResolve(t *testing.T) {
	set, rest, err := ParseSequenceSet([]byte("1,3:5,9:*"))
	if err != nil || len(rest) != 0 {
		t.Fatalf("ParseSequenceSet: %v rest=%q", err, rest)
	}
	got := set.Resolve(10)
	want := []uint32{1, 3, 4, 5, 9, 10}
	if !equalU32(got, want) {
		t.Fatalf("Resolve = %v want %v", got, want)
	}
	if SerializeSequenceSet(got) != "1,3:5,9:10" {
		t.Fatalf("serialize = %q", SerializeSequenceSet(got))
	}
}

func TestEmptySequenceSetIsParseError(t *testing.T) {
	if _, _, err := ParseSequenceSet([]byte("")); err == nil {
		t.Fatal("expected parse error for empty sequence set")
	}
}

func equalU32(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFetchAttributeSection(t *testing.T) {
	attr, rest, err := ParseFetchAttribute([]byte("BODY.PEEK[HEADER.FIELDS]<0.100> x"))
	if err != nil {
		t.Fatal(err)
	}
	if !attr.Peek || attr.Name != "BODY" || !attr.Partial || attr.Offset != 0 || attr.Length != 100 {
		t.Fatalf("attr = %+v", attr)
	}
	if string(rest) != " x" {
		t.Fatalf("rest = %q", rest)
	}
	// A FETCH response echoes only the origin octet, never the length
	// (RFC 3501 7.4.2): the request's "<0.100>" renders back as "<0>".
	if attr.Serialize() != "BODY.PEEK[HEADER.FIELDS]<0>" {
		t.Fatalf("serialize = %q", attr.Serialize())
	}
}

func TestSearchKeyRecursive(t *testing.T) {
	key, rest, err := ParseSearchKeyList([]byte(`OR (SEEN FROM "a@b") UNSEEN` + "\r\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(rest, []byte("\r\n")) {
		t.Fatalf("rest = %q", rest)
	}
	if key.Op != SearchOr {
		t.Fatalf("top op = %v", key.Op)
	}
	if key.Children[0].Op != SearchAnd || len(key.Children[0].Children) != 2 {
		t.Fatalf("left child = %+v", key.Children[0])
	}
	if key.Children[1].Op != SearchUnseen {
		t.Fatalf("right child = %+v", key.Children[1])
	}
}
