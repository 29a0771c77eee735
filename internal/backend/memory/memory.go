// Package memory is the in-memory reference backend: a from-scratch
// implementation of imap/backend.Session and imap/backend.Mailbox that
// keeps every mailbox as a slice of messages guarded by a single mutex.
// It is the primary test double for internal/imap/conn and doubles as a
// disposable, no-setup backend for local experimentation; persistent
// deployments use internal/backend/sqlite instead.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"raven/internal/imap/backend"
	"raven/internal/imap/wire"
)

// Backend owns every user's mailbox tree. Its own mutex guards only the
// user map; each user's store and each mailbox carry their own mutex, and
// each mailbox keeps the watcher channels that give IDLE its wake-up
// signal.
type Backend struct {
	mu    sync.RWMutex
	users map[string]*userStore
}

// NewBackend returns an empty backend with no provisioned users; Login
// auto-provisions on first successful authentication, mirroring the
// sqlite backend's NewSession.
func NewBackend() *Backend {
	return &Backend{users: make(map[string]*userStore)}
}

// Authenticator is the credential check the core's LOGIN/AUTHENTICATE
// handling delegates to. A nil Authenticator accepts any non-empty
// username/password pair, which is useful for tests and for a
// deliberately open development deployment.
type Authenticator func(username, password string) bool

type userStore struct {
	mu            sync.Mutex
	mailboxes     map[string]*mailbox
	subscriptions map[string]bool
}

func newUserStore() *userStore {
	return &userStore{
		mailboxes:     make(map[string]*mailbox),
		subscriptions: make(map[string]bool),
	}
}

type message struct {
	uid          uint32
	flags        map[string]bool
	internalDate time.Time
	raw          []byte
}

func (m *message) flagList() []string {
	out := make([]string, 0, len(m.flags))
	for f := range m.flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

type mailbox struct {
	mu              sync.Mutex
	uidValidity     uint32
	uidNext         uint32
	recentWatermark uint32
	messages        []*message // ascending by uid
	watchers        []chan struct{}
}

func (b *Backend) userFor(username string) *userStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	u, ok := b.users[username]
	if !ok {
		u = newUserStore()
		u.mailboxes["INBOX"] = &mailbox{uidValidity: newUIDValidity(), uidNext: 1}
		b.users[username] = u
	}
	return u
}

var uidValidityCounter uint32 = 1

func newUIDValidity() uint32 {
	uidValidityCounter++
	return uidValidityCounter
}

// Login authenticates username/password via auth (nil accepts anything
// non-empty) and returns a Session bound to that user's mailbox tree.
func (b *Backend) Login(ctx context.Context, username, password string, auth Authenticator) (*Session, error) {
	if auth != nil {
		if !auth(username, password) {
			return nil, backend.ErrInvalidAuth
		}
	} else if username == "" || password == "" {
		return nil, backend.ErrInvalidAuth
	}
	return &Session{store: b.userFor(username), username: username}, nil
}

// Session is a per-connection handle bound to one user.
type Session struct {
	store    *userStore
	username string
}

func (s *Session) Capabilities() []string {
	return []string{
		"IMAP4rev1", "STARTTLS", "AUTH=PLAIN", "AUTH=BEARER", "IDLE",
		"NAMESPACE", "UIDPLUS", "LITERAL+", "BINARY", "MULTIAPPEND", "ENABLE",
	}
}

func (s *Session) ListMailboxes(ctx context.Context, refName, pattern string) ([]backend.MailboxListEntry, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	names := make([]string, 0, len(s.store.mailboxes))
	for name := range s.store.mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	matched := filterMailboxes(names, refName, pattern)
	entries := make([]backend.MailboxListEntry, 0, len(matched))
	for _, name := range matched {
		entries = append(entries, backend.MailboxListEntry{
			Name: name, Delimiter: '/', Attributes: []string{`\Unmarked`},
			Subscribed: s.store.subscriptions[name],
		})
	}
	return entries, nil
}

func (s *Session) ListSubscribed(ctx context.Context, refName, pattern string) ([]backend.MailboxListEntry, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	names := make([]string, 0, len(s.store.subscriptions))
	for name, on := range s.store.subscriptions {
		if on {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	matched := filterMailboxes(names, refName, pattern)
	entries := make([]backend.MailboxListEntry, 0, len(matched))
	for _, name := range matched {
		entries = append(entries, backend.MailboxListEntry{
			Name: name, Delimiter: '/', Attributes: []string{`\Unmarked`}, Subscribed: true,
		})
	}
	return entries, nil
}

func (s *Session) Subscribe(ctx context.Context, name string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.subscriptions[name] = true
	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, name string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.subscriptions, name)
	return nil
}

func (s *Session) Create(ctx context.Context, name string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if _, ok := s.store.mailboxes[name]; ok {
		return backend.ErrMailboxConflict
	}
	s.store.mailboxes[name] = &mailbox{uidValidity: newUIDValidity(), uidNext: 1}
	return nil
}

func (s *Session) Delete(ctx context.Context, name string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if strings.EqualFold(name, "INBOX") {
		return backend.NewError(backend.CodeInternal, "", "INBOX may not be deleted")
	}
	if _, ok := s.store.mailboxes[name]; !ok {
		return backend.ErrMailboxNotFound
	}
	for other := range s.store.mailboxes {
		if other != name && strings.HasPrefix(other, name+"/") {
			return backend.ErrMailboxHasChildren
		}
	}
	delete(s.store.mailboxes, name)
	delete(s.store.subscriptions, name)
	return nil
}

func (s *Session) Rename(ctx context.Context, oldName, newName string) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	mb, ok := s.store.mailboxes[oldName]
	if !ok {
		return backend.ErrMailboxNotFound
	}
	if _, ok := s.store.mailboxes[newName]; ok {
		return backend.ErrMailboxConflict
	}
	delete(s.store.mailboxes, oldName)
	s.store.mailboxes[newName] = mb
	if strings.EqualFold(oldName, "INBOX") {
		s.store.mailboxes["INBOX"] = &mailbox{uidValidity: newUIDValidity(), uidNext: 1}
	}
	return nil
}

func (s *Session) Status(ctx context.Context, name string, attrs []wire.StatusAttribute) (map[wire.StatusAttribute]uint32, error) {
	s.store.mu.Lock()
	mb, ok := s.store.mailboxes[name]
	s.store.mu.Unlock()
	if !ok {
		return nil, backend.ErrMailboxNotFound
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make(map[wire.StatusAttribute]uint32, len(attrs))
	for _, a := range attrs {
		switch a {
		case wire.StatusMessages:
			out[a] = uint32(len(mb.messages))
		case wire.StatusRecent:
			out[a] = mb.countEligible()
		case wire.StatusUIDNext:
			out[a] = mb.uidNext
		case wire.StatusUIDValidity:
			out[a] = mb.uidValidity
		case wire.StatusUnseen:
			var n uint32
			for _, m := range mb.messages {
				if !m.flags[wire.FlagSeen] {
					n++
				}
			}
			out[a] = n
		}
	}
	return out, nil
}

func (mb *mailbox) countEligible() uint32 {
	var n uint32
	for _, m := range mb.messages {
		if m.uid > mb.recentWatermark {
			n++
		}
	}
	return n
}

func (s *Session) Select(ctx context.Context, name string, readOnly bool) (backend.Mailbox, error) {
	s.store.mu.Lock()
	mb, ok := s.store.mailboxes[name]
	s.store.mu.Unlock()
	if !ok {
		return nil, backend.ErrMailboxNotFound
	}
	return &Handle{store: s.store, mb: mb, name: name, readOnly: readOnly, changes: mb.watch()}, nil
}

func (mb *mailbox) watch() chan struct{} {
	ch := make(chan struct{}, 1)
	mb.mu.Lock()
	mb.watchers = append(mb.watchers, ch)
	mb.mu.Unlock()
	return ch
}

func (mb *mailbox) unwatch(ch chan struct{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	for i, c := range mb.watchers {
		if c == ch {
			mb.watchers = append(mb.watchers[:i], mb.watchers[i+1:]...)
			return
		}
	}
}

func (mb *mailbox) notify() {
	for _, ch := range mb.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Session) Append(ctx context.Context, name string, msgs []backend.AppendMessage) (uint32, []uint32, error) {
	s.store.mu.Lock()
	mb, ok := s.store.mailboxes[name]
	s.store.mu.Unlock()
	if !ok {
		return 0, nil, backend.ErrMailboxNotFound
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	uids := make([]uint32, 0, len(msgs))
	for _, am := range msgs {
		uid := mb.uidNext
		mb.uidNext++
		internalDate := am.InternalDate
		if internalDate.IsZero() {
			internalDate = time.Now().UTC()
		}
		flags := make(map[string]bool, len(am.Flags))
		for _, f := range am.Flags {
			flags[wire.CanonicalFlag(f)] = true
		}
		delete(flags, wire.FlagRecent) // never client-assignable
		mb.messages = append(mb.messages, &message{
			uid: uid, flags: flags, internalDate: internalDate,
			raw: append([]byte(nil), am.Raw...),
		})
		uids = append(uids, uid)
	}
	mb.notify()
	return mb.uidValidity, uids, nil
}

func (s *Session) Logout(ctx context.Context) error { return nil }

// Handle is the Mailbox returned by Select.
type Handle struct {
	store    *userStore
	mb       *mailbox
	name     string
	readOnly bool
	changes  chan struct{}
	closed   bool
}

func (h *Handle) Info() backend.MailboxInfo {
	h.mb.mu.Lock()
	defer h.mb.mu.Unlock()
	return backend.MailboxInfo{
		Name:           h.name,
		ReadOnly:       h.readOnly,
		PermanentFlags: []string{wire.FlagAnswered, wire.FlagFlagged, wire.FlagDeleted, wire.FlagSeen, wire.FlagDraft},
		UIDValidity:    h.mb.uidValidity,
		UIDNext:        h.mb.uidNext,
	}
}

func (h *Handle) Changes() <-chan struct{} { return h.changes }

func (h *Handle) Snapshot(ctx context.Context) (*backend.MailboxSnapshot, error) {
	h.mb.mu.Lock()
	defer h.mb.mu.Unlock()
	snap := &backend.MailboxSnapshot{
		UIDValidity:    h.mb.uidValidity,
		UIDNext:        h.mb.uidNext,
		UIDs:           make([]uint32, 0, len(h.mb.messages)),
		Flags:          make(map[uint32][]string, len(h.mb.messages)),
		RecentEligible: make(map[uint32]bool),
	}
	for _, m := range h.mb.messages {
		snap.UIDs = append(snap.UIDs, m.uid)
		snap.Flags[m.uid] = m.flagList()
	}
	if h.readOnly {
		for _, m := range h.mb.messages {
			if m.uid > h.mb.recentWatermark {
				snap.RecentEligible[m.uid] = true
			}
		}
		return snap, nil
	}
	for _, m := range h.mb.messages {
		if m.uid > h.mb.recentWatermark {
			snap.RecentEligible[m.uid] = true
		}
	}
	if len(h.mb.messages) > 0 {
		h.mb.recentWatermark = h.mb.uidNext - 1
	}
	return snap, nil
}

func (h *Handle) find(uid uint32) *message {
	for _, m := range h.mb.messages {
		if m.uid == uid {
			return m
		}
	}
	return nil
}

func (h *Handle) Fetch(ctx context.Context, uids []uint32, attrs []wire.FetchAttribute) ([]backend.StoredMessage, error) {
	h.mb.mu.Lock()
	defer h.mb.mu.Unlock()
	markSeen := !h.readOnly && setsSeen(attrs)
	out := make([]backend.StoredMessage, 0, len(uids))
	changed := false
	for _, uid := range uids {
		m := h.find(uid)
		if m == nil {
			continue
		}
		if markSeen && !m.flags[wire.FlagSeen] {
			m.flags[wire.FlagSeen] = true
			changed = true
		}
		out = append(out, backend.StoredMessage{
			UID: m.uid, Flags: m.flagList(), InternalDate: m.internalDate,
			Size: int64(len(m.raw)), Raw: m.raw,
		})
	}
	if changed {
		h.mb.notify()
	}
	return out, nil
}

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

func (h *Handle) Store(ctx context.Context, uids []uint32, op backend.StoreOp, flags []string) ([]backend.StoredMessage, error) {
	if h.readOnly {
		return nil, backend.ErrMailboxReadOnly
	}
	h.mb.mu.Lock()
	defer h.mb.mu.Unlock()
	out := make([]backend.StoredMessage, 0, len(uids))
	for _, uid := range uids {
		m := h.find(uid)
		if m == nil {
			continue
		}
		applyStoreOp(m, op, flags)
		out = append(out, backend.StoredMessage{
			UID: m.uid, Flags: m.flagList(), InternalDate: m.internalDate,
			Size: int64(len(m.raw)), Raw: m.raw,
		})
	}
	h.mb.notify()
	return out, nil
}

func applyStoreOp(m *message, op backend.StoreOp, flags []string) {
	switch op {
	case backend.StoreReplace:
		m.flags = make(map[string]bool, len(flags))
		for _, f := range flags {
			f = wire.CanonicalFlag(f)
			if f != wire.FlagRecent {
				m.flags[f] = true
			}
		}
	case backend.StoreAdd:
		for _, f := range flags {
			f = wire.CanonicalFlag(f)
			if f != wire.FlagRecent {
				m.flags[f] = true
			}
		}
	case backend.StoreRemove:
		for _, f := range flags {
			delete(m.flags, wire.CanonicalFlag(f))
		}
	}
}

func (h *Handle) Search(ctx context.Context, key wire.SearchKey, byUID bool) ([]uint32, error) {
	h.mb.mu.Lock()
	defer h.mb.mu.Unlock()
	var matched []uint32
	for i, m := range h.mb.messages {
		if matchesSearchKey(key, m, uint32(i+1)) {
			matched = append(matched, m.uid)
		}
	}
	return matched, nil
}

func matchesSearchKey(key wire.SearchKey, m *message, seq uint32) bool {
	body := string(m.raw)
	switch key.Op {
	case wire.SearchAnd:
		for _, c := range key.Children {
			if !matchesSearchKey(c, m, seq) {
				return false
			}
		}
		return true
	case wire.SearchOr:
		return matchesSearchKey(key.Children[0], m, seq) || matchesSearchKey(key.Children[1], m, seq)
	case wire.SearchNot:
		return !matchesSearchKey(key.Children[0], m, seq)
	case wire.SearchAll:
		return true
	case wire.SearchNew:
		return m.flags[wire.FlagRecent] && !m.flags[wire.FlagSeen]
	case wire.SearchOld:
		return !m.flags[wire.FlagRecent]
	case wire.SearchRecent:
		return m.flags[wire.FlagRecent]
	case wire.SearchUnseen:
		return !m.flags[wire.FlagSeen]
	case wire.SearchSeen:
		return m.flags[wire.FlagSeen]
	case wire.SearchAnswered:
		return m.flags[wire.FlagAnswered]
	case wire.SearchUnanswered:
		return !m.flags[wire.FlagAnswered]
	case wire.SearchDeleted:
		return m.flags[wire.FlagDeleted]
	case wire.SearchUndeleted:
		return !m.flags[wire.FlagDeleted]
	case wire.SearchDraft:
		return m.flags[wire.FlagDraft]
	case wire.SearchUndraft:
		return !m.flags[wire.FlagDraft]
	case wire.SearchFlagged:
		return m.flags[wire.FlagFlagged]
	case wire.SearchUnflagged:
		return !m.flags[wire.FlagFlagged]
	case wire.SearchKeyword:
		return m.flags[key.Value]
	case wire.SearchUnkeyword:
		return !m.flags[key.Value]
	case wire.SearchHeaderMatch:
		return strings.Contains(strings.ToLower(extractHeader(body, key.Value)), strings.ToLower(key.Text))
	case wire.SearchBody, wire.SearchText:
		return strings.Contains(strings.ToLower(body), strings.ToLower(key.Text))
	case wire.SearchFrom, wire.SearchTo, wire.SearchCc, wire.SearchBcc, wire.SearchSubject:
		return strings.Contains(strings.ToLower(extractHeader(body, key.Value)), strings.ToLower(key.Text))
	case wire.SearchBefore:
		return m.internalDate.Before(key.Date)
	case wire.SearchOn:
		return sameDay(m.internalDate, key.Date)
	case wire.SearchSince:
		return !m.internalDate.Before(key.Date)
	case wire.SearchSentBefore, wire.SearchSentOn, wire.SearchSentSince:
		return true
	case wire.SearchLarger:
		return int64(len(m.raw)) > key.Size
	case wire.SearchSmaller:
		return int64(len(m.raw)) < key.Size
	case wire.SearchUID:
		return key.Set.Contains(m.uid)
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

func (h *Handle) Copy(ctx context.Context, uids []uint32, destName string) (uint32, []uint32, error) {
	h.mb.mu.Lock()
	var toCopy []*message
	for _, uid := range uids {
		if m := h.find(uid); m != nil {
			toCopy = append(toCopy, m)
		}
	}
	h.mb.mu.Unlock()

	h.store.mu.Lock()
	dest, ok := h.store.mailboxes[destName]
	h.store.mu.Unlock()
	if !ok {
		return 0, nil, backend.ErrMailboxNotFound
	}

	dest.mu.Lock()
	defer dest.mu.Unlock()
	uids = make([]uint32, 0, len(toCopy))
	for _, m := range toCopy {
		uid := dest.uidNext
		dest.uidNext++
		flags := make(map[string]bool, len(m.flags))
		for f := range m.flags {
			if f != wire.FlagRecent {
				flags[f] = true
			}
		}
		dest.messages = append(dest.messages, &message{
			uid: uid, flags: flags, internalDate: m.internalDate,
			raw: append([]byte(nil), m.raw...),
		})
		uids = append(uids, uid)
	}
	dest.notify()
	return dest.uidValidity, uids, nil
}

func (h *Handle) Expunge(ctx context.Context, uids []uint32) error {
	if h.readOnly {
		return backend.ErrMailboxReadOnly
	}
	h.mb.mu.Lock()
	defer h.mb.mu.Unlock()
	var want map[uint32]bool
	if uids != nil {
		want = make(map[uint32]bool, len(uids))
		for _, u := range uids {
			want[u] = true
		}
	}
	kept := h.mb.messages[:0:0]
	removed := false
	for _, m := range h.mb.messages {
		if m.flags[wire.FlagDeleted] && (want == nil || want[m.uid]) {
			removed = true
			continue
		}
		kept = append(kept, m)
	}
	h.mb.messages = kept
	if removed {
		h.mb.notify()
	}
	return nil
}

func (h *Handle) Check(ctx context.Context) error { return nil }

func (h *Handle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true
	h.mb.unwatch(h.changes)
	return nil
}

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

func canonicalPattern(reference, pattern string) string {
	if strings.HasPrefix(pattern, "/") {
		return pattern
	}
	if reference == "" {
		return pattern
	}
	if !strings.HasSuffix(reference, "/") {
		return reference + "/" + pattern
	}
	return reference + pattern
}

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
				return !strings.Contains(text[textPos:], "/")
			}
			if wildcardMatch(text, pattern, textPos, patternPos) {
				return true
			}
			for textPos < len(text) && !strings.HasPrefix(text[textPos:], "/") {
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
