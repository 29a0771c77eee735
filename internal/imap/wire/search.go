package wire

import (
	"strings"
	"time"
)

// SearchOp names the kind of a SearchKey node.
type SearchOp int

const (
	SearchAnd SearchOp = iota // implicit conjunction of Children
	SearchOr                  // OR of exactly two Children
	SearchNot                 // negation of exactly one Child
	SearchAll
	SearchNew
	SearchOld
	SearchRecent
	SearchUnseen
	SearchSeen
	SearchAnswered
	SearchUnanswered
	SearchDeleted
	SearchUndeleted
	SearchDraft
	SearchUndraft
	SearchFlagged
	SearchUnflagged
	SearchKeyword     // Value = keyword
	SearchUnkeyword   // Value = keyword
	SearchHeaderMatch // Value = header name, Text = substring
	SearchBody        // Text = substring
	SearchText        // Text = substring (headers + body)
	SearchFrom
	SearchTo
	SearchCc
	SearchBcc
	SearchSubject
	SearchBefore // Date
	SearchOn
	SearchSince
	SearchSentBefore
	SearchSentOn
	SearchSentSince
	SearchLarger  // Size
	SearchSmaller // Size
	SearchUID     // Set
	SearchSeqSet  // Set (bare sequence set)
)

// SearchKey is a node in the recursive search-criteria tree.
type SearchKey struct {
	Op       SearchOp
	Children []SearchKey
	Value    string
	Text     string
	Date     time.Time
	Size     int64
	Set      SequenceSet
}

// ParseSearchKeyList parses a space-separated sequence of search keys,
// implicitly AND-ed, stopping at CRLF.
func ParseSearchKeyList(buf []byte) (SearchKey, []byte, error) {
	var children []SearchKey
	rest := trimLeadingSpace(buf)
	for len(rest) > 0 && rest[0] != '\r' {
		var k SearchKey
		var err error
		k, rest, err = parseSearchKey(rest)
		if err != nil {
			return SearchKey{}, buf, err
		}
		children = append(children, k)
		rest = trimLeadingSpace(rest)
	}
	if len(children) == 0 {
		return SearchKey{}, buf, ErrNotParseable
	}
	if len(children) == 1 {
		return children[0], rest, nil
	}
	return SearchKey{Op: SearchAnd, Children: children}, rest, nil
}

func trimLeadingSpace(buf []byte) []byte {
	for len(buf) > 0 && buf[0] == ' ' {
		buf = buf[1:]
	}
	return buf
}

var noArgKeys = map[string]SearchOp{
	"ALL": SearchAll, "NEW": SearchNew, "OLD": SearchOld, "RECENT": SearchRecent,
	"UNSEEN": SearchUnseen, "SEEN": SearchSeen, "ANSWERED": SearchAnswered,
	"UNANSWERED": SearchUnanswered, "DELETED": SearchDeleted, "UNDELETED": SearchUndeleted,
	"DRAFT": SearchDraft, "UNDRAFT": SearchUndraft, "FLAGGED": SearchFlagged,
	"UNFLAGGED": SearchUnflagged,
}

var headerKeys = map[string]string{
	"BCC": "Bcc", "CC": "Cc", "FROM": "From", "SUBJECT": "Subject", "TO": "To",
}

var dateKeys = map[string]SearchOp{
	"BEFORE": SearchBefore, "ON": SearchOn, "SINCE": SearchSince,
	"SENTBEFORE": SearchSentBefore, "SENTON": SearchSentOn, "SENTSINCE": SearchSentSince,
}

func parseSearchKey(buf []byte) (SearchKey, []byte, error) {
	if len(buf) == 0 {
		return SearchKey{}, buf, ErrNotParseable
	}
	if buf[0] == '(' {
		children, rest, err := List(buf, func(b []byte) (SearchKey, []byte, error) {
			return parseSearchKey(b)
		})
		if err != nil {
			return SearchKey{}, buf, err
		}
		if len(children) == 1 {
			return children[0], rest, nil
		}
		return SearchKey{Op: SearchAnd, Children: children}, rest, nil
	}
	// UID set or bare sequence set: digits or '*' at the start.
	if buf[0] >= '0' && buf[0] <= '9' || buf[0] == '*' {
		set, rest, err := ParseSequenceSet(buf)
		if err != nil {
			return SearchKey{}, buf, err
		}
		return SearchKey{Op: SearchSeqSet, Set: set}, rest, nil
	}

	name, rest, err := Atom(buf)
	if err != nil {
		return SearchKey{}, buf, err
	}
	upper := strings.ToUpper(name)

	if op, ok := noArgKeys[upper]; ok {
		return SearchKey{Op: op}, rest, nil
	}

	switch upper {
	case "NOT":
		rest = trimLeadingSpace(rest)
		child, rest2, err := parseSearchKey(rest)
		if err != nil {
			return SearchKey{}, buf, err
		}
		return SearchKey{Op: SearchNot, Children: []SearchKey{child}}, rest2, nil
	case "OR":
		rest = trimLeadingSpace(rest)
		a, rest2, err := parseSearchKey(rest)
		if err != nil {
			return SearchKey{}, buf, err
		}
		rest2 = trimLeadingSpace(rest2)
		b, rest3, err := parseSearchKey(rest2)
		if err != nil {
			return SearchKey{}, buf, err
		}
		return SearchKey{Op: SearchOr, Children: []SearchKey{a, b}}, rest3, nil
	case "HEADER":
		rest = trimLeadingSpace(rest)
		field, rest2, err := Astring(rest, Params{})
		if err != nil {
			return SearchKey{}, buf, err
		}
		rest2 = trimLeadingSpace(rest2)
		text, rest3, err := Astring(rest2, Params{})
		if err != nil {
			return SearchKey{}, buf, err
		}
		return SearchKey{Op: SearchHeaderMatch, Value: field, Text: text}, rest3, nil
	case "BODY", "TEXT":
		rest = trimLeadingSpace(rest)
		text, rest2, err := Astring(rest, Params{})
		if err != nil {
			return SearchKey{}, buf, err
		}
		op := SearchBody
		if upper == "TEXT" {
			op = SearchText
		}
		return SearchKey{Op: op, Text: text}, rest2, nil
	case "KEYWORD", "UNKEYWORD":
		rest = trimLeadingSpace(rest)
		kw, rest2, err := Atom(rest)
		if err != nil {
			return SearchKey{}, buf, err
		}
		op := SearchKeyword
		if upper == "UNKEYWORD" {
			op = SearchUnkeyword
		}
		return SearchKey{Op: op, Value: kw}, rest2, nil
	case "LARGER", "SMALLER":
		rest = trimLeadingSpace(rest)
		n, rest2, err := Number64(rest)
		if err != nil {
			return SearchKey{}, buf, err
		}
		op := SearchLarger
		if upper == "SMALLER" {
			op = SearchSmaller
		}
		return SearchKey{Op: op, Size: n}, rest2, nil
	case "UID":
		rest = trimLeadingSpace(rest)
		set, rest2, err := ParseSequenceSet(rest)
		if err != nil {
			return SearchKey{}, buf, err
		}
		return SearchKey{Op: SearchUID, Set: set}, rest2, nil
	}

	if field, ok := headerKeys[upper]; ok {
		rest = trimLeadingSpace(rest)
		text, rest2, err := Astring(rest, Params{})
		if err != nil {
			return SearchKey{}, buf, err
		}
		var op SearchOp
		switch upper {
		case "FROM":
			op = SearchFrom
		case "TO":
			op = SearchTo
		case "CC":
			op = SearchCc
		case "BCC":
			op = SearchBcc
		case "SUBJECT":
			op = SearchSubject
		}
		return SearchKey{Op: op, Value: field, Text: text}, rest2, nil
	}

	if op, ok := dateKeys[upper]; ok {
		rest = trimLeadingSpace(rest)
		t, rest2, err := Date(rest)
		if err != nil {
			return SearchKey{}, buf, err
		}
		return SearchKey{Op: op, Date: t}, rest2, nil
	}

	return SearchKey{}, buf, ErrNotParseable
}
