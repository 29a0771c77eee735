package sqlite

import (
	"sort"
	"strings"

	"raven/internal/imap/backend"
	"raven/internal/imap/wire"
)

// applyStoreOp computes the flag set STORE should persist, given the
// message's current space-joined flags and the requested operation.
// \Recent is never accepted from a client and is stripped if present.
func applyStoreOp(current string, op backend.StoreOp, newFlags []string) string {
	set := make(map[string]bool)
	if current != "" {
		for _, f := range strings.Fields(current) {
			set[f] = true
		}
	}

	switch op {
	case backend.StoreReplace:
		set = make(map[string]bool)
		for _, f := range newFlags {
			f = wire.CanonicalFlag(f)
			if f != wire.FlagRecent {
				set[f] = true
			}
		}
	case backend.StoreAdd:
		for _, f := range newFlags {
			f = wire.CanonicalFlag(f)
			if f != wire.FlagRecent {
				set[f] = true
			}
		}
	case backend.StoreRemove:
		for _, f := range newFlags {
			f = wire.CanonicalFlag(f)
			delete(set, f)
		}
	}

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return strings.Join(out, " ")
}

func splitFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
