// Package selected implements the per-connection selected-mailbox view:
// the sequence-number/UID mapping, session flags, hidden/expunged
// bookkeeping, and the diff engine that drives unsolicited EXISTS, RECENT,
// EXPUNGE and FETCH updates.
package selected

import (
	"errors"
	"sort"

	"raven/internal/imap/backend"
	"raven/internal/imap/wire"
)

// ErrUIDValidityChanged is returned by Fork when the backend reports a new
// UID validity for the mailbox: the selected state is no longer valid and
// the connection state machine must force-close it.
var ErrUIDValidityChanged = errors.New("selected: uid validity changed")

// UpdateKind names the shape of one untagged update produced by Fork.
type UpdateKind int

const (
	UpdateExpunge UpdateKind = iota
	UpdateExists
	UpdateRecent
	UpdateFetch
)

// Update is one untagged response the connection state machine must emit.
type Update struct {
	Kind  UpdateKind
	Seq   uint32   // EXPUNGE, FETCH
	UID   uint32   // FETCH
	Flags []string // FETCH
	Count uint32   // EXISTS, RECENT
}

// View is the single-owner-per-connection snapshot diff engine.
type View struct {
	prev *backend.MailboxSnapshot
	cur  *backend.MailboxSnapshot

	sessionFlags map[uint32]map[string]bool // uid -> session-only flags, chiefly \Recent
	hidden       map[uint32]bool            // uid -> suppress next EXPUNGE report
	maxUIDSeen   uint32
}

// New builds a view from the snapshot observed at SELECT/EXAMINE time.
// Claiming happens on readWrite selects
// only — EXAMINE observes but does not take \Recent ownership, so the
// caller should pass a snapshot whose RecentEligible is empty when opening
// read-only.
func New(initial *backend.MailboxSnapshot, claimRecent bool) *View {
	v := &View{
		prev:         initial,
		cur:          initial,
		sessionFlags: make(map[uint32]map[string]bool),
		hidden:       make(map[uint32]bool),
	}
	if claimRecent {
		for uid := range initial.RecentEligible {
			v.claim(uid, wire.FlagRecent)
		}
	}
	for _, uid := range initial.UIDs {
		if uid > v.maxUIDSeen {
			v.maxUIDSeen = uid
		}
	}
	return v
}

func (v *View) claim(uid uint32, flag string) {
	if v.sessionFlags[uid] == nil {
		v.sessionFlags[uid] = make(map[string]bool)
	}
	v.sessionFlags[uid][flag] = true
}

// Current returns the last snapshot this view has flushed or folded in.
func (v *View) Current() *backend.MailboxSnapshot { return v.cur }

// Hide marks uid to be suppressed from the next EXPUNGE report (RFC 2180:
// a UID this connection itself caused to be silently expunged, e.g. via
// CLOSE, is never reported back to it).
func (v *View) Hide(uid uint32) { v.hidden[uid] = true }

// SequenceOf returns the 1-based sequence number uid has in the most
// recently flushed snapshot, and whether it is present at all.
func (v *View) SequenceOf(uid uint32) (uint32, bool) {
	for i, u := range v.cur.UIDs {
		if u == uid {
			return uint32(i + 1), true
		}
	}
	return 0, false
}

// RecentCount reports how many UIDs in cur this session currently owns
// \Recent for.
func (v *View) RecentCount() uint32 {
	var n uint32
	for _, uid := range v.cur.UIDs {
		if v.sessionFlags[uid][wire.FlagRecent] {
			n++
		}
	}
	return n
}

// SessionFlags returns the persistent flags for uid merged with any
// session-only flags this view has claimed for it (e.g. \Recent).
func (v *View) SessionFlags(uid uint32) []string {
	flags := append([]string(nil), v.cur.Flags[uid]...)
	for f, ok := range v.sessionFlags[uid] {
		if ok {
			flags = append(flags, f)
		}
	}
	return flags
}

// Fork advances the view to next and returns the untagged updates the
// connection must emit before resuming the command loop. It never blocks;
// next is a snapshot the caller already has in hand (from Select, a
// command's own side effects, or a Changes() wake-up).
func (v *View) Fork(next *backend.MailboxSnapshot) ([]Update, error) {
	if next.UIDValidity != v.cur.UIDValidity {
		return nil, ErrUIDValidityChanged
	}

	var updates []Update
	oldRecent := v.RecentCount()

	curSet := make(map[uint32]int, len(v.cur.UIDs)) // uid -> index in v.cur.UIDs
	for i, uid := range v.cur.UIDs {
		curSet[uid] = i
	}
	nextSet := make(map[uint32]bool, len(next.UIDs))
	for _, uid := range next.UIDs {
		nextSet[uid] = true
	}

	// 1. Expunges, reported in descending sequence order so each index
	// is still valid at the moment of emission.
	var expunged []int // indices into v.cur.UIDs, ascending
	for i, uid := range v.cur.UIDs {
		if !nextSet[uid] && !v.hidden[uid] {
			expunged = append(expunged, i)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(expunged)))
	for _, idx := range expunged {
		updates = append(updates, Update{Kind: UpdateExpunge, Seq: uint32(idx + 1)})
		delete(v.hidden, v.cur.UIDs[idx])
	}

	// 2. New messages.
	survivorCount := len(v.cur.UIDs) - len(expunged)
	if len(next.UIDs) > survivorCount {
		updates = append(updates, Update{Kind: UpdateExists, Count: uint32(len(next.UIDs))})

		newRecent := uint32(0)
		for uid := range next.RecentEligible {
			v.claim(uid, wire.FlagRecent)
		}
		for _, uid := range next.UIDs {
			if v.sessionFlags[uid][wire.FlagRecent] {
				newRecent++
			}
		}
		if newRecent != oldRecent {
			updates = append(updates, Update{Kind: UpdateRecent, Count: newRecent})
		}
	}

	// 3. Flag changes, for UIDs present in both snapshots.
	for _, uid := range next.UIDs {
		if _, existed := curSet[uid]; !existed {
			continue
		}
		if !flagsEqual(v.cur.Flags[uid], next.Flags[uid]) {
			seq, ok := sequenceIn(next.UIDs, uid)
			if !ok {
				continue
			}
			updates = append(updates, Update{
				Kind:  UpdateFetch,
				Seq:   seq,
				UID:   uid,
				Flags: mergeSessionFlags(next.Flags[uid], v.sessionFlags[uid]),
			})
		}
	}

	for uid := range v.sessionFlags {
		if uid > v.maxUIDSeen {
			v.maxUIDSeen = uid
		}
	}
	v.prev = v.cur
	v.cur = next
	return updates, nil
}

func sequenceIn(uids []uint32, target uint32) (uint32, bool) {
	for i, u := range uids {
		if u == target {
			return uint32(i + 1), true
		}
	}
	return 0, false
}

func mergeSessionFlags(persistent []string, session map[string]bool) []string {
	out := append([]string(nil), persistent...)
	for f, ok := range session {
		if ok {
			out = append(out, f)
		}
	}
	return out
}

func flagsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}
