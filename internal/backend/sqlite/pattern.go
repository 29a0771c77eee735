package sqlite

import "strings"

const hierarchyDelim = "/"

// canonicalPattern combines a LIST reference and pattern into one string to
// match against, per RFC 3501 §6.3.8.
func canonicalPattern(reference, pattern string) string {
	if strings.HasPrefix(pattern, hierarchyDelim) {
		return pattern
	}
	if reference == "" {
		return pattern
	}
	if !strings.HasSuffix(reference, hierarchyDelim) {
		return reference + hierarchyDelim + pattern
	}
	return reference + pattern
}

// matchesPattern reports whether mailbox matches pattern's "*"/"%" wildcards.
func matchesPattern(mailbox, pattern string) bool {
	if strings.EqualFold(mailbox, "INBOX") {
		mailbox = "INBOX"
	}
	if strings.EqualFold(pattern, "INBOX") {
		pattern = "INBOX"
	}
	return wildcardMatch(mailbox, pattern, 0, 0)
}

func wildcardMatch(text, pattern string, textPos, patternPos int) bool {
	for patternPos < len(pattern) {
		switch pattern[patternPos] {
		case '*':
			patternPos++
			if patternPos >= len(pattern) {
				return true
			}
			if wildcardMatch(text, pattern, textPos, patternPos) {
				return true
			}
			for textPos < len(text) {
				textPos++
				if wildcardMatch(text, pattern, textPos, patternPos) {
					return true
				}
			}
			return false
		case '%':
			patternPos++
			if patternPos >= len(pattern) {
				return !strings.Contains(text[textPos:], hierarchyDelim)
			}
			if wildcardMatch(text, pattern, textPos, patternPos) {
				return true
			}
			for textPos < len(text) && !strings.HasPrefix(text[textPos:], hierarchyDelim) {
				textPos++
				if wildcardMatch(text, pattern, textPos, patternPos) {
					return true
				}
			}
			return false
		default:
			if textPos >= len(text) || text[textPos] != pattern[patternPos] {
				return false
			}
			textPos++
			patternPos++
		}
	}
	return textPos >= len(text)
}

// filterMailboxes applies canonicalPattern+matchesPattern across a mailbox
// name list, always surfacing INBOX if it matches (case-insensitively), per
// RFC 3501's special-casing of the INBOX name.
func filterMailboxes(mailboxes []string, reference, pattern string) []string {
	canon := canonicalPattern(reference, pattern)
	var matches []string
	seen := make(map[string]bool)
	for _, mbox := range mailboxes {
		if matchesPattern(mbox, canon) {
			matches = append(matches, mbox)
			seen[strings.ToUpper(mbox)] = true
		}
	}
	if !seen["INBOX"] && matchesPattern("INBOX", canon) {
		matches = append(matches, "INBOX")
	}
	return matches
}
