package server

import (
	"fmt"
	"strconv"
	"strings"
)

// sanitizeForLogging masks large FETCH literal bodies before a response
// line reaches the log: message content does not belong in server logs,
// and a single FETCH can carry megabytes of it.
func sanitizeForLogging(line string) string {
	if !strings.Contains(line, "FETCH (") {
		return line
	}
	if !strings.Contains(line, "BODY") && !strings.Contains(line, "RFC822") {
		return line
	}
	idx := strings.Index(line, "{")
	if idx == -1 {
		return line
	}
	closeIdx := strings.Index(line[idx:], "}")
	if closeIdx == -1 {
		return line
	}
	closeIdx += idx
	size, err := strconv.Atoi(line[idx+1 : closeIdx])
	if err != nil || size <= 100 {
		return line
	}
	return fmt.Sprintf("%s{%d bytes elided}", line[:idx], size)
}
