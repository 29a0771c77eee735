package wire

// SeqRange is an inclusive range of sequence numbers or UIDs. End == 0
// means "*", the highest value in context (max sequence number or max
// UID, depending on whether the set is being interpreted for FETCH/STORE
// vs UID FETCH/UID STORE).
type SeqRange struct {
	Start, End uint32
	StartStar  bool
	EndStar    bool
}

// SequenceSet is a comma-separated list of ranges. An empty set is a
// parse error.
type SequenceSet []SeqRange

// ParseSequenceSet parses "1,3:5,9:*" style sequence sets.
func ParseSequenceSet(buf []byte) (SequenceSet, []byte, error) {
	var set SequenceSet
	rest := buf
	for {
		var r SeqRange
		var err error
		r, rest, err = parseSeqRange(rest)
		if err != nil {
			return nil, buf, err
		}
		set = append(set, r)
		if len(rest) > 0 && rest[0] == ',' {
			rest = rest[1:]
			continue
		}
		break
	}
	if len(set) == 0 {
		return nil, buf, ErrNotParseable
	}
	return set, rest, nil
}

func parseSeqRange(buf []byte) (SeqRange, []byte, error) {
	start, star, rest, err := parseSeqNum(buf)
	if err != nil {
		return SeqRange{}, buf, err
	}
	if len(rest) > 0 && rest[0] == ':' {
		end, endStar, rest2, err := parseSeqNum(rest[1:])
		if err != nil {
			return SeqRange{}, buf, err
		}
		return SeqRange{Start: start, StartStar: star, End: end, EndStar: endStar}, rest2, nil
	}
	return SeqRange{Start: start, StartStar: star, End: start, EndStar: star}, rest, nil
}

func parseSeqNum(buf []byte) (uint32, bool, []byte, error) {
	if len(buf) > 0 && buf[0] == '*' {
		return 0, true, buf[1:], nil
	}
	n, rest, err := Number(buf)
	if err != nil || n == 0 {
		return 0, false, buf, ErrNotParseable
	}
	return n, false, rest, nil
}

// Resolve expands the set against max (the highest sequence number or UID
// in context), returning sorted, deduplicated, ascending values. Ranges
// with an out-of-range endpoint are clipped, never extended.
func (s SequenceSet) Resolve(max uint32) []uint32 {
	if max == 0 {
		return nil
	}
	seen := make(map[uint32]bool)
	var out []uint32
	for _, r := range s {
		start, end := r.Start, r.End
		if r.StartStar {
			start = max
		}
		if r.EndStar {
			end = max
		}
		if start > end {
			start, end = end, start
		}
		if end > max {
			end = max
		}
		if start > max {
			continue
		}
		for v := start; v <= end; v++ {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	// insertion order above is already ascending per range, but ranges
	// may arrive out of order relative to each other.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Contains reports whether v falls inside the set, resolving "*" against
// v itself (so a trailing open range "N:*" always covers the checked
// value, matching how Resolve treats "*" as "the largest value there is").
func (s SequenceSet) Contains(v uint32) bool {
	for _, r := range s {
		start, end := r.Start, r.End
		if r.StartStar {
			start = v
		}
		if r.EndStar {
			end = v
		}
		if start > end {
			start, end = end, start
		}
		if v >= start && v <= end {
			return true
		}
	}
	return false
}

// SerializeSequenceSet renders a sorted slice of values as a compact
// comma-separated run-length sequence set.
func SerializeSequenceSet(vals []uint32) string {
	if len(vals) == 0 {
		return ""
	}
	out := ""
	i := 0
	for i < len(vals) {
		j := i
		for j+1 < len(vals) && vals[j+1] == vals[j]+1 {
			j++
		}
		if out != "" {
			out += ","
		}
		if j == i {
			out += SerializeNumber(vals[i])
		} else {
			out += SerializeNumber(vals[i]) + ":" + SerializeNumber(vals[j])
		}
		i = j + 1
	}
	return out
}
