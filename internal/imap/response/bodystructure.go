package response

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
)

// BuildBodyStructure renders the BODYSTRUCTURE item for a raw RFC 5322
// message per RFC 3501 §7.4.2.
func BuildBodyStructure(rawMsg string) string {
	contentType := extractHeader(rawMsg, "Content-Type")
	if contentType == "" {
		contentType = "text/plain; charset=us-ascii"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = map[string]string{"charset": "us-ascii"}
	}

	typeParts := strings.SplitN(mediaType, "/", 2)
	mainType, subType := "TEXT", "PLAIN"
	if len(typeParts) == 2 {
		mainType = strings.ToUpper(typeParts[0])
		subType = strings.ToUpper(typeParts[1])
	}

	if strings.HasPrefix(strings.ToLower(mediaType), "multipart/") {
		if boundary := params["boundary"]; boundary != "" {
			return buildMultipartBodyStructure(rawMsg, mainType, subType, boundary)
		}
	}

	headerEnd := strings.Index(rawMsg, "\r\n\r\n")
	body := ""
	if headerEnd == -1 {
		if idx := strings.Index(rawMsg, "\n\n"); idx != -1 {
			body = rawMsg[idx+2:]
		}
	} else {
		body = rawMsg[headerEnd+4:]
	}

	encoding := extractHeader(rawMsg, "Content-Transfer-Encoding")
	if encoding == "" {
		encoding = "7BIT"
	}
	encoding = strings.ToUpper(encoding)

	paramList := buildParamList(params)
	contentID := extractHeader(rawMsg, "Content-ID")
	contentDesc := extractHeader(rawMsg, "Content-Description")

	lines := 0
	if mainType == "TEXT" {
		lines = strings.Count(body, "\n")
		return fmt.Sprintf("BODYSTRUCTURE (%s %s %s %s %s %s %d %d)",
			QuoteOrNIL(mainType), QuoteOrNIL(subType), paramList,
			QuoteOrNIL(contentID), QuoteOrNIL(contentDesc), QuoteOrNIL(encoding),
			len(body), lines)
	}
	return fmt.Sprintf("BODYSTRUCTURE (%s %s %s %s %s %s %d)",
		QuoteOrNIL(mainType), QuoteOrNIL(subType), paramList,
		QuoteOrNIL(contentID), QuoteOrNIL(contentDesc), QuoteOrNIL(encoding), len(body))
}

func buildMultipartBodyStructure(rawMsg, mainType, subType, boundary string) string {
	headerEnd := strings.Index(rawMsg, "\r\n\r\n")
	if headerEnd == -1 {
		idx := strings.Index(rawMsg, "\n\n")
		if idx == -1 {
			return buildFallbackBodyStructure(mainType, subType)
		}
		headerEnd = idx + 2
	} else {
		headerEnd += 4
	}
	body := rawMsg[headerEnd:]
	if !strings.Contains(body, "\r\n") {
		body = strings.ReplaceAll(body, "\n", "\r\n")
	}

	var parts []string
	mr := multipart.NewReader(strings.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if len(parts) == 0 {
				return buildFallbackMultipartBodyStructure(rawMsg, mainType, subType, boundary)
			}
			break
		}
		partContent, err := io.ReadAll(part)
		if err != nil {
			continue
		}
		var partHeaders strings.Builder
		for key, values := range part.Header {
			for _, value := range values {
				partHeaders.WriteString(fmt.Sprintf("%s: %s\r\n", key, value))
			}
		}
		partHeaders.WriteString("\r\n")
		parts = append(parts, buildPartStructure(partHeaders.String()+string(partContent)))
	}
	if len(parts) == 0 {
		return buildFallbackMultipartBodyStructure(rawMsg, mainType, subType, boundary)
	}
	return fmt.Sprintf("BODYSTRUCTURE (%s %s)", strings.Join(parts, " "), QuoteOrNIL(subType))
}

func buildPartStructure(partMsg string) string {
	contentType := extractHeader(partMsg, "Content-Type")
	if contentType == "" {
		contentType = "text/plain; charset=us-ascii"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = map[string]string{"charset": "us-ascii"}
	}
	typeParts := strings.SplitN(mediaType, "/", 2)
	mainType, subType := "TEXT", "PLAIN"
	if len(typeParts) == 2 {
		mainType = strings.ToUpper(typeParts[0])
		subType = strings.ToUpper(typeParts[1])
	}

	encoding := extractHeader(partMsg, "Content-Transfer-Encoding")
	if encoding == "" {
		encoding = "7BIT"
	}
	encoding = strings.ToUpper(encoding)

	headerEnd := strings.Index(partMsg, "\r\n\r\n")
	if headerEnd == -1 {
		if idx := strings.Index(partMsg, "\n\n"); idx != -1 {
			headerEnd = idx + 2
		} else {
			headerEnd = 0
		}
	} else {
		headerEnd += 4
	}
	body := ""
	if headerEnd < len(partMsg) {
		body = partMsg[headerEnd:]
	}

	paramList := buildParamList(params)
	contentID := extractHeader(partMsg, "Content-ID")
	contentDesc := extractHeader(partMsg, "Content-Description")

	disposition := extractHeader(partMsg, "Content-Disposition")
	dispList := "NIL"
	if disposition != "" {
		dispType, dispParams, _ := mime.ParseMediaType(disposition)
		dispList = fmt.Sprintf("(%s %s)", QuoteOrNIL(strings.ToUpper(dispType)), buildParamList(dispParams))
	}

	if mainType == "TEXT" {
		lines := strings.Count(body, "\n")
		return fmt.Sprintf("(%s %s %s %s %s %s %d %d NIL %s NIL)",
			QuoteOrNIL(mainType), QuoteOrNIL(subType), paramList,
			QuoteOrNIL(contentID), QuoteOrNIL(contentDesc), QuoteOrNIL(encoding),
			len(body), lines, dispList)
	}
	return fmt.Sprintf("(%s %s %s %s %s %s %d NIL %s NIL)",
		QuoteOrNIL(mainType), QuoteOrNIL(subType), paramList,
		QuoteOrNIL(contentID), QuoteOrNIL(contentDesc), QuoteOrNIL(encoding),
		len(body), dispList)
}

func buildParamList(params map[string]string) string {
	if len(params) == 0 {
		return "NIL"
	}
	var pairs []string
	for key, value := range params {
		pairs = append(pairs, fmt.Sprintf("%s %s", QuoteOrNIL(strings.ToUpper(key)), QuoteOrNIL(value)))
	}
	return fmt.Sprintf("(%s)", strings.Join(pairs, " "))
}

func buildFallbackBodyStructure(mainType, subType string) string {
	return fmt.Sprintf("BODYSTRUCTURE (%s %s NIL NIL NIL \"7BIT\" 0)", QuoteOrNIL(mainType), QuoteOrNIL(subType))
}

func buildFallbackMultipartBodyStructure(rawMsg, mainType, subType, boundary string) string {
	headerEnd := strings.Index(rawMsg, "\r\n\r\n")
	if headerEnd == -1 {
		idx := strings.Index(rawMsg, "\n\n")
		if idx == -1 {
			return buildFallbackBodyStructure(mainType, subType)
		}
		headerEnd = idx + 2
	} else {
		headerEnd += 4
	}
	body := rawMsg[headerEnd:]
	if !strings.Contains(body, "\r\n") {
		body = strings.ReplaceAll(body, "\n", "\r\n")
	}

	boundaryMarker := "--" + boundary
	closeBoundary := "--" + boundary + "--"
	partSections := strings.Split(body, boundaryMarker)
	var parts []string

	for i, section := range partSections {
		if i == 0 || strings.TrimSpace(section) == "" {
			continue
		}
		if strings.HasPrefix(strings.TrimSpace(section), "--") {
			break
		}
		section = strings.TrimPrefix(section, "\r\n")
		section = strings.TrimPrefix(section, "\n")
		if idx := strings.Index(section, closeBoundary); idx != -1 {
			section = section[:idx]
		}
		if strings.TrimSpace(section) != "" {
			parts = append(parts, buildPartStructure(section))
		}
	}
	if len(parts) == 0 {
		return buildFallbackBodyStructure(mainType, subType)
	}
	return fmt.Sprintf("BODYSTRUCTURE (%s %s)", strings.Join(parts, " "), QuoteOrNIL(subType))
}
