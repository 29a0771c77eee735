package response

import (
	"fmt"
	"strings"

	"raven/internal/imap/backend"
	"raven/internal/imap/wire"
)

// BuildFetchItems renders the space-separated attribute-value pairs inside
// a FETCH response's parentheses for one message, given the attributes
// the client asked for (already macro-expanded) and the message's raw
// bytes and metadata as the backend returned them.
func BuildFetchItems(attrs []string, msg backend.StoredMessage, literalPlus bool) string {
	var items []string
	raw := string(msg.Raw)

	for _, name := range attrs {
		upper := strings.ToUpper(name)
		switch {
		case upper == "UID":
			items = append(items, "UID "+wire.SerializeNumber(msg.UID))
		case upper == "FLAGS":
			items = append(items, "FLAGS "+RenderFlags(msg.Flags))
		case upper == "INTERNALDATE":
			items = append(items, "INTERNALDATE "+wire.SerializeDateTime(msg.InternalDate))
		case upper == "RFC822.SIZE":
			items = append(items, fmt.Sprintf("RFC822.SIZE %d", msg.Size))
		case upper == "ENVELOPE":
			items = append(items, BuildEnvelope(raw))
		case upper == "BODYSTRUCTURE", upper == "BODY" && !strings.Contains(name, "["):
			items = append(items, BuildBodyStructure(raw))
		case upper == "RFC822":
			items = append(items, "RFC822 "+wire.SerializeLiteral(msg.Raw, literalPlus))
		case upper == "RFC822.HEADER":
			items = append(items, "RFC822.HEADER "+wire.SerializeLiteral([]byte(extractHeaderBlock(raw)), literalPlus))
		case upper == "RFC822.TEXT":
			items = append(items, "RFC822.TEXT "+wire.SerializeLiteral([]byte(extractBody(raw)), literalPlus))
		default:
			// BODY[section]<offset.length> and BINARY[...] forms arrive
			// here pre-rendered by the caller (they need section/offset
			// extraction the caller already has context for).
			items = append(items, name)
		}
	}
	return strings.Join(items, " ")
}

func extractHeaderBlock(raw string) string {
	if idx := strings.Index(raw, "\r\n\r\n"); idx != -1 {
		return raw[:idx+4]
	}
	if idx := strings.Index(raw, "\n\n"); idx != -1 {
		return raw[:idx+2]
	}
	return raw
}

// parseFieldNameList extracts the space-separated header-field names out
// of a "FIELDS (FROM TO)" or "FIELDS.NOT (FROM TO)" section spec.
func parseFieldNameList(spec string) []string {
	start := strings.IndexByte(spec, '(')
	end := strings.IndexByte(spec, ')')
	if start < 0 || end < 0 || end < start {
		return nil
	}
	return strings.Fields(spec[start+1 : end])
}

// extractHeaderFields filters raw's header block down to only the named
// fields (HEADER.FIELDS) or everything but the named fields
// (HEADER.FIELDS.NOT), always including the terminating blank line per
// RFC 3501. Folded continuation lines travel with the field they belong
// to.
func extractHeaderFields(raw string, names []string, exclude bool) string {
	block := extractHeaderBlock(raw)
	nl := "\r\n"
	if !strings.Contains(block, "\r\n") {
		nl = "\n"
	}
	body := strings.TrimSuffix(strings.TrimSuffix(block, nl+nl), nl)

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToUpper(n)] = true
	}

	var lines []string
	if body != "" {
		lines = strings.Split(body, nl)
	}

	var out []string
	for i := 0; i < len(lines); {
		line := lines[i]
		full := line
		j := i + 1
		for j < len(lines) && len(lines[j]) > 0 && (lines[j][0] == ' ' || lines[j][0] == '\t') {
			full += nl + lines[j]
			j++
		}
		fieldName := ""
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			fieldName = strings.ToUpper(strings.TrimSpace(line[:idx]))
		}
		match := want[fieldName]
		if exclude {
			match = !match
		}
		if match {
			out = append(out, full)
		}
		i = j
	}

	if len(out) == 0 {
		return nl
	}
	return strings.Join(out, nl) + nl + nl
}

func extractBody(raw string) string {
	if idx := strings.Index(raw, "\r\n\r\n"); idx != -1 {
		return raw[idx+4:]
	}
	if idx := strings.Index(raw, "\n\n"); idx != -1 {
		return raw[idx+2:]
	}
	return ""
}

// BuildBodySection extracts the bytes BODY[section]<offset.length> asks
// for: HEADER, TEXT, HEADER.FIELDS/HEADER.FIELDS.NOT (name list), or the
// whole message for an empty section.
func BuildBodySection(attr wire.FetchAttribute, raw string) []byte {
	var text string
	if !attr.HasSection || len(attr.Section) == 0 {
		text = raw
	} else {
		switch {
		case strings.EqualFold(attr.Section[0], "HEADER") && len(attr.Section) > 1:
			// Section[0] is just "HEADER": ParseFetchAttribute split the
			// whole dotted section path on ".", so "FIELDS.NOT (X)"
			// lands as two further elements ("FIELDS", "NOT (X)").
			// Rejoining with "." recovers the original spec exactly.
			spec := strings.Join(attr.Section[1:], ".")
			not := strings.HasPrefix(strings.ToUpper(spec), "FIELDS.NOT")
			text = extractHeaderFields(raw, parseFieldNameList(spec), not)
		case strings.EqualFold(attr.Section[0], "HEADER"):
			text = extractHeaderBlock(raw)
		case strings.EqualFold(attr.Section[0], "TEXT"):
			text = extractBody(raw)
		default:
			text = raw
		}
	}
	data := []byte(text)
	if attr.Partial {
		if attr.Offset >= int64(len(data)) {
			return nil
		}
		end := attr.Offset + attr.Length
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		data = data[attr.Offset:end]
	}
	return data
}
