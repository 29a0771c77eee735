package wire

import "strings"

// FetchAttribute is one requested data item in a FETCH command.
type FetchAttribute struct {
	Name string // canonical upper-case name: FLAGS, UID, ENVELOPE, BODYSTRUCTURE,
	// INTERNALDATE, RFC822, RFC822.HEADER, RFC822.TEXT, RFC822.SIZE,
	// BODY, BODY.PEEK, BINARY, BINARY.PEEK, BINARY.SIZE
	Section    []string // dotted section path for BODY/BINARY, e.g. []{"1","2"} or {"HEADER"}
	HasSection bool
	Peek       bool // BODY.PEEK[...] / BINARY.PEEK[...]: does not set \Seen
	Partial    bool
	Offset     int64
	Length     int64
}

var fetchMacros = map[string][]string{
	"ALL":  {"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE"},
	"FAST": {"FLAGS", "INTERNALDATE", "RFC822.SIZE"},
	"FULL": {"FLAGS", "INTERNALDATE", "RFC822.SIZE", "ENVELOPE", "BODY"},
}

// ExpandFetchMacro resolves ALL/FAST/FULL into their constituent attribute
// names; any other name is returned as a single-element slice unchanged.
func ExpandFetchMacro(name string) []string {
	if m, ok := fetchMacros[strings.ToUpper(name)]; ok {
		return m
	}
	return []string{name}
}

// ParseFetchAttribute parses a single fetch attribute, including its
// optional [section]<offset.length> suffix.
func ParseFetchAttribute(buf []byte) (FetchAttribute, []byte, error) {
	name, rest, err := Atom(buf)
	if err != nil {
		return FetchAttribute{}, buf, err
	}
	upper := strings.ToUpper(name)
	attr := FetchAttribute{Name: upper}

	switch {
	case upper == "BODY.PEEK", upper == "BINARY.PEEK":
		attr.Peek = true
		attr.Name = strings.TrimSuffix(upper, ".PEEK")
	case upper == "BODY", upper == "BINARY":
		attr.Name = upper
	default:
		return attr, rest, nil
	}

	if len(rest) == 0 || rest[0] != '[' {
		// Bare BODY/BINARY with no section: whole message.
		return attr, rest, nil
	}
	attr.HasSection = true
	rest = rest[1:]
	end := indexByte(rest, ']')
	if end < 0 {
		return FetchAttribute{}, buf, ErrNotParseable
	}
	sectionText := string(rest[:end])
	rest = rest[end+1:]
	if sectionText != "" {
		attr.Section = strings.Split(sectionText, ".")
	}

	if len(rest) > 0 && rest[0] == '<' {
		end := indexByte(rest, '>')
		if end < 0 {
			return FetchAttribute{}, buf, ErrNotParseable
		}
		parts := strings.SplitN(string(rest[1:end]), ".", 2)
		if len(parts) != 2 {
			return FetchAttribute{}, buf, ErrNotParseable
		}
		off, _, oerr := Number64([]byte(parts[0]))
		length, _, lerr := Number64([]byte(parts[1]))
		if oerr != nil || lerr != nil {
			return FetchAttribute{}, buf, ErrNotParseable
		}
		attr.Partial = true
		attr.Offset = off
		attr.Length = length
		rest = rest[end+1:]
	}
	return attr, rest, nil
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// Serialize renders the attribute back to wire form.
func (a FetchAttribute) Serialize() string {
	name := a.Name
	if a.Peek {
		name += ".PEEK"
	}
	if !a.HasSection {
		return name
	}
	s := name + "[" + strings.Join(a.Section, ".") + "]"
	if a.Partial {
		// RFC 3501 7.4.2: a FETCH response echoes only the origin octet,
		// "<offset>", never the requested length — that is a request-side
		// detail (BODY[...]<offset.length>), not part of the response form.
		s += "<" + SerializeNumber(uint32(a.Offset)) + ">"
	}
	return s
}
