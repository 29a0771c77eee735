package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"raven/internal/db"
	"raven/internal/imap/backend"
	"raven/internal/imap/wire"
)

// Mailbox is the handle returned by Session.Select, scoped to one mailbox
// row in one mailstore and owned by exactly one connection for its lifetime.
type Mailbox struct {
	b         *Backend
	session   *Session
	store     *sql.DB
	mailboxID int64
	name      string
	readOnly  bool
	key       watchKey
	changes   chan struct{}
	closed    bool
}

func (m *Mailbox) Info() backend.MailboxInfo {
	uidValidity, uidNext, _ := db.GetMailboxInfo(m.store, m.mailboxID)
	return backend.MailboxInfo{
		Name:           m.name,
		ReadOnly:       m.readOnly,
		PermanentFlags: []string{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`},
		UIDValidity:    uint32(uidValidity),
		UIDNext:        uint32(uidNext),
	}
}

func (m *Mailbox) Changes() <-chan struct{} { return m.changes }

// Snapshot builds an immutable view of the mailbox's current message list.
// Read-only handles (EXAMINE) peek at \Recent eligibility without consuming
// it; read-write handles (SELECT) advance the watermark and claim it.
func (m *Mailbox) Snapshot(ctx context.Context) (*backend.MailboxSnapshot, error) {
	uidValidity, uidNext, err := db.GetMailboxInfo(m.store, m.mailboxID)
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	rows, err := db.ListMailboxMessages(m.store, m.mailboxID)
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}

	var eligible []uint32
	if m.readOnly {
		eligible, err = db.PeekRecentEligible(m.store, m.mailboxID)
	} else {
		eligible, err = db.BumpRecentWatermark(m.store, m.mailboxID)
	}
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}

	snap := &backend.MailboxSnapshot{
		UIDValidity:    uint32(uidValidity),
		UIDNext:        uint32(uidNext),
		UIDs:           make([]uint32, 0, len(rows)),
		Flags:          make(map[uint32][]string, len(rows)),
		RecentEligible: make(map[uint32]bool, len(eligible)),
	}
	for _, r := range rows {
		snap.UIDs = append(snap.UIDs, r.UID)
		snap.Flags[r.UID] = splitFlags(r.Flags)
	}
	for _, uid := range eligible {
		snap.RecentEligible[uid] = true
	}
	return snap, nil
}

func (m *Mailbox) rowsForUIDs(uids []uint32) (map[uint32]db.MailboxMessageRow, error) {
	rows, err := db.ListMailboxMessages(m.store, m.mailboxID)
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	byUID := make(map[uint32]db.MailboxMessageRow, len(rows))
	for _, r := range rows {
		byUID[r.UID] = r
	}
	if uids == nil {
		return byUID, nil
	}
	want := make(map[uint32]db.MailboxMessageRow, len(uids))
	for _, uid := range uids {
		if r, ok := byUID[uid]; ok {
			want[uid] = r
		}
	}
	return want, nil
}

// setsSeen reports whether attrs includes a non-peeking attribute that
// implicitly sets \Seen on fetch, per RFC 3501 §6.4.5.
func setsSeen(attrs []wire.FetchAttribute) bool {
	for _, a := range attrs {
		switch strings.ToUpper(a.Name) {
		case "BODY", "BINARY":
			if !a.Peek {
				return true
			}
		case "RFC822", "RFC822.TEXT":
			return true
		}
	}
	return false
}

func (m *Mailbox) Fetch(ctx context.Context, uids []uint32, attrs []wire.FetchAttribute) ([]backend.StoredMessage, error) {
	byUID, err := m.rowsForUIDs(uids)
	if err != nil {
		return nil, err
	}
	markSeen := setsSeen(attrs) && !m.readOnly

	out := make([]backend.StoredMessage, 0, len(uids))
	for _, uid := range uids {
		r, ok := byUID[uid]
		if !ok {
			continue
		}
		flags := splitFlags(r.Flags)
		if markSeen && !hasFlag(flags, wire.FlagSeen) {
			flags = append(flags, wire.FlagSeen)
			newFlagStr := strings.Join(flags, " ")
			if err := db.UpdateMessageMailboxFlags(m.store, m.mailboxID, uid, newFlagStr); err != nil {
				return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
			}
		}
		raw, err := db.GetRawMessage(m.store, r.RawBlobID)
		if err != nil {
			return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
		}
		out = append(out, backend.StoredMessage{
			UID: uid, Flags: flags, InternalDate: r.InternalDate, Size: r.SizeBytes, Raw: raw,
		})
	}
	if markSeen {
		m.b.Notify(m.key)
	}
	return out, nil
}

func hasFlag(flags []string, target string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, target) {
			return true
		}
	}
	return false
}

func (m *Mailbox) Store(ctx context.Context, uids []uint32, op backend.StoreOp, flags []string) ([]backend.StoredMessage, error) {
	if m.readOnly {
		return nil, backend.ErrMailboxReadOnly
	}
	byUID, err := m.rowsForUIDs(uids)
	if err != nil {
		return nil, err
	}
	out := make([]backend.StoredMessage, 0, len(uids))
	for _, uid := range uids {
		r, ok := byUID[uid]
		if !ok {
			continue
		}
		newFlagStr := applyStoreOp(r.Flags, op, flags)
		if err := db.UpdateMessageMailboxFlags(m.store, m.mailboxID, uid, newFlagStr); err != nil {
			return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
		}
		raw, err := db.GetRawMessage(m.store, r.RawBlobID)
		if err != nil {
			return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
		}
		out = append(out, backend.StoredMessage{
			UID: uid, Flags: splitFlags(newFlagStr), InternalDate: r.InternalDate, Size: r.SizeBytes, Raw: raw,
		})
	}
	m.b.Notify(m.key)
	return out, nil
}

func (m *Mailbox) Search(ctx context.Context, key wire.SearchKey, byUID bool) ([]uint32, error) {
	rows, err := db.ListMailboxMessages(m.store, m.mailboxID)
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	var matched []uint32
	for i, r := range rows {
		raw, err := db.GetRawMessage(m.store, r.RawBlobID)
		if err != nil {
			return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
		}
		seq := uint32(i + 1)
		if matchesSearchKey(key, r, raw, seq) {
			matched = append(matched, r.UID)
		}
	}
	return matched, nil
}

func matchesSearchKey(key wire.SearchKey, r db.MailboxMessageRow, raw []byte, seq uint32) bool {
	flags := splitFlags(r.Flags)
	body := string(raw)

	switch key.Op {
	case wire.SearchAnd:
		for _, c := range key.Children {
			if !matchesSearchKey(c, r, raw, seq) {
				return false
			}
		}
		return true
	case wire.SearchOr:
		return matchesSearchKey(key.Children[0], r, raw, seq) || matchesSearchKey(key.Children[1], r, raw, seq)
	case wire.SearchNot:
		return !matchesSearchKey(key.Children[0], r, raw, seq)
	case wire.SearchAll:
		return true
	case wire.SearchNew:
		return hasFlag(flags, wire.FlagRecent) && !hasFlag(flags, wire.FlagSeen)
	case wire.SearchOld:
		return !hasFlag(flags, wire.FlagRecent)
	case wire.SearchRecent:
		return hasFlag(flags, wire.FlagRecent)
	case wire.SearchUnseen:
		return !hasFlag(flags, wire.FlagSeen)
	case wire.SearchSeen:
		return hasFlag(flags, wire.FlagSeen)
	case wire.SearchAnswered:
		return hasFlag(flags, wire.FlagAnswered)
	case wire.SearchUnanswered:
		return !hasFlag(flags, wire.FlagAnswered)
	case wire.SearchDeleted:
		return hasFlag(flags, wire.FlagDeleted)
	case wire.SearchUndeleted:
		return !hasFlag(flags, wire.FlagDeleted)
	case wire.SearchDraft:
		return hasFlag(flags, wire.FlagDraft)
	case wire.SearchUndraft:
		return !hasFlag(flags, wire.FlagDraft)
	case wire.SearchFlagged:
		return hasFlag(flags, wire.FlagFlagged)
	case wire.SearchUnflagged:
		return !hasFlag(flags, wire.FlagFlagged)
	case wire.SearchKeyword:
		return hasFlag(flags, key.Value)
	case wire.SearchUnkeyword:
		return !hasFlag(flags, key.Value)
	case wire.SearchHeaderMatch:
		return strings.Contains(strings.ToLower(extractHeader(body, key.Value)), strings.ToLower(key.Text))
	case wire.SearchBody:
		return strings.Contains(strings.ToLower(body), strings.ToLower(key.Text))
	case wire.SearchText:
		return strings.Contains(strings.ToLower(body), strings.ToLower(key.Text))
	case wire.SearchFrom, wire.SearchTo, wire.SearchCc, wire.SearchBcc, wire.SearchSubject:
		return strings.Contains(strings.ToLower(extractHeader(body, key.Value)), strings.ToLower(key.Text))
	case wire.SearchBefore:
		return r.InternalDate.Before(key.Date)
	case wire.SearchOn:
		return sameDay(r.InternalDate, key.Date)
	case wire.SearchSince:
		return !r.InternalDate.Before(key.Date)
	case wire.SearchSentBefore, wire.SearchSentOn, wire.SearchSentSince:
		return true // Date: header not modeled separately from InternalDate.
	case wire.SearchLarger:
		return r.SizeBytes > key.Size
	case wire.SearchSmaller:
		return r.SizeBytes < key.Size
	case wire.SearchUID:
		return key.Set.Contains(r.UID)
	case wire.SearchSeqSet:
		return key.Set.Contains(seq)
	}
	return false
}

func extractHeader(raw, field string) string {
	headerEnd := strings.Index(raw, "\r\n\r\n")
	if headerEnd < 0 {
		headerEnd = len(raw)
	}
	header := raw[:headerEnd]
	prefix := field + ":"
	for _, line := range strings.Split(header, "\r\n") {
		if len(line) > len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
			return strings.TrimSpace(line[len(prefix):])
		}
	}
	return ""
}

func sameDay(a, b time.Time) bool {
	y1, m1, d1 := a.Date()
	y2, m2, d2 := b.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}

// Copy links the messages into destName. Within one mailstore the blob
// and message rows are shared; a copy into another account's store (a
// role mailbox) re-appends the raw bytes there.
func (m *Mailbox) Copy(ctx context.Context, uids []uint32, destName string) (uint32, []uint32, error) {
	destStore, destOwner, destLocal, err := m.session.resolveOwner(destName)
	if err != nil {
		return 0, nil, err
	}
	destMailboxID, err := db.GetMailboxByName(destStore, destOwner, destLocal)
	if err != nil {
		return 0, nil, backend.ErrMailboxNotFound
	}
	destUIDValidity, _, err := db.GetMailboxInfo(destStore, destMailboxID)
	if err != nil {
		return 0, nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}

	destUIDs := make([]uint32, 0, len(uids))
	if destStore == m.store {
		for _, uid := range uids {
			newUID, err := db.CopyMessageToMailbox(m.store, m.mailboxID, uid, destMailboxID)
			if err != nil {
				return 0, nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
			}
			destUIDs = append(destUIDs, newUID)
		}
	} else {
		byUID, err := m.rowsForUIDs(uids)
		if err != nil {
			return 0, nil, err
		}
		for _, uid := range uids {
			r, ok := byUID[uid]
			if !ok {
				continue
			}
			raw, err := db.GetRawMessage(m.store, r.RawBlobID)
			if err != nil {
				return 0, nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
			}
			newUID, err := db.AppendMessageToMailbox(destStore, destMailboxID, r.Flags, r.InternalDate, raw)
			if err != nil {
				return 0, nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
			}
			destUIDs = append(destUIDs, newUID)
		}
	}
	m.b.Notify(watchKey{store: destStore, mailboxID: destMailboxID})
	return uint32(destUIDValidity), destUIDs, nil
}

func (m *Mailbox) Expunge(ctx context.Context, uids []uint32) error {
	byUID, err := m.rowsForUIDs(uids)
	if err != nil {
		return err
	}
	var toDelete []uint32
	for uid, r := range byUID {
		if hasFlag(splitFlags(r.Flags), wire.FlagDeleted) {
			toDelete = append(toDelete, uid)
		}
	}
	for _, uid := range toDelete {
		if err := db.DeleteMessageFromMailbox(m.store, m.mailboxID, uid); err != nil {
			return backend.WrapError(backend.CodeInternal, "", "internal error", err)
		}
	}
	if len(toDelete) > 0 {
		m.b.Notify(m.key)
	}
	return nil
}

func (m *Mailbox) Check(ctx context.Context) error { return nil }

func (m *Mailbox) Close(ctx context.Context) error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.b.unwatch(m.key, m.changes)
	return nil
}
