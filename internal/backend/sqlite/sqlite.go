// Package sqlite adapts the sharded SQLite layout in internal/db into the
// imap/backend.Session and imap/backend.Mailbox contracts: the shared
// directory database resolves who the user is and which role mailboxes
// they may act for, and every message operation runs against the owning
// account's own mailstore file — the same files the delivery pipeline
// populates.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"raven/internal/db"
	"raven/internal/imap/backend"
	"raven/internal/imap/wire"
)

// watchKey identifies a mailbox across mailstores: the same row ID can
// exist in two different account files.
type watchKey struct {
	store     *sql.DB
	mailboxID int64
}

// Backend owns the database manager and the in-process mailbox change
// notification fan-out; one Backend is shared by every connection.
type Backend struct {
	DBM *db.DBManager

	mu       sync.Mutex
	watchers map[watchKey][]chan struct{}

	// sf collapses concurrent STATUS calls against the same mailbox into
	// one set of queries: N connections running STATUS on a busy shared
	// mailbox at once shouldn't each hit the database independently.
	sf singleflight.Group
}

func NewBackend(dbm *db.DBManager) *Backend {
	return &Backend{DBM: dbm, watchers: make(map[watchKey][]chan struct{})}
}

func (b *Backend) watch(key watchKey) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.watchers[key] = append(b.watchers[key], ch)
	b.mu.Unlock()
	return ch
}

func (b *Backend) unwatch(key watchKey, ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.watchers[key]
	for i, c := range list {
		if c == ch {
			b.watchers[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// Notify wakes every Mailbox handle currently watching the mailbox. Call
// this after any mutation (APPEND, STORE, EXPUNGE, COPY into) so other
// connections' IDLE loops and between-command polls see it promptly.
func (b *Backend) Notify(key watchKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.watchers[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Session is a per-connection handle bound to one authenticated user.
type Session struct {
	b        *Backend
	shared   *sql.DB
	store    *sql.DB
	userID   int64
	domainID int64
	username string
}

// NewSession resolves (and lazily provisions) the user + domain rows for a
// domain-qualified or bare username, then opens the user's mailstore,
// mirroring how the delivery pipeline provisions accounts for inbound mail.
func NewSession(ctx context.Context, b *Backend, loginName, defaultDomain string) (*Session, error) {
	username, domain := splitUsername(loginName, defaultDomain)
	shared := b.DBM.GetSharedDB()

	domainID, err := db.GetOrCreateDomain(shared, domain)
	if err != nil {
		return nil, fmt.Errorf("resolve domain: %w", err)
	}
	userID, err := db.GetOrCreateUserInitialized(shared, username, domainID)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	store, err := b.DBM.GetUserDB(userID)
	if err != nil {
		return nil, fmt.Errorf("open mailstore: %w", err)
	}
	return &Session{b: b, shared: shared, store: store, userID: userID, domainID: domainID, username: loginName}, nil
}

func splitUsername(loginName, defaultDomain string) (user, domain string) {
	if i := strings.IndexByte(loginName, '@'); i >= 0 {
		return loginName[:i], loginName[i+1:]
	}
	return loginName, defaultDomain
}

func (s *Session) Capabilities() []string {
	return []string{
		"IMAP4rev1", "STARTTLS", "AUTH=PLAIN", "AUTH=BEARER", "IDLE",
		"NAMESPACE", "UIDPLUS", "LITERAL+", "BINARY", "MULTIAPPEND", "ENABLE",
	}
}

// resolveOwner maps a mailbox name to the mailstore holding its data, the
// owner ID recorded inside that store, and the name local to it. The
// "Roles/<email>/..." shared namespace resolves to the role mailbox's own
// store (owner 0) after an assignment check against the directory.
func (s *Session) resolveOwner(name string) (store *sql.DB, ownerID int64, localName string, err error) {
	const rolesPrefix = "Roles/"
	if !strings.HasPrefix(name, rolesPrefix) {
		return s.store, s.userID, name, nil
	}
	rest := strings.TrimPrefix(name, rolesPrefix)
	parts := strings.SplitN(rest, "/", 2)
	email := parts[0]
	local := "INBOX"
	if len(parts) == 2 {
		local = parts[1]
	}

	roleMailboxID, _, err := db.GetRoleMailboxByEmail(s.shared, email)
	if err != nil {
		return nil, 0, "", backend.WrapError(backend.CodeMailboxNotFound, "TRYCREATE", "resolve role mailbox", err)
	}
	assignments, err := db.GetUserRoleAssignments(s.shared, s.userID)
	if err != nil {
		return nil, 0, "", backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	assigned := false
	for _, id := range assignments {
		if id == roleMailboxID {
			assigned = true
			break
		}
	}
	if !assigned {
		return nil, 0, "", backend.NewError(backend.CodeAuthorizationFailed, backend.ErrAuthorizationFailed.ResponseCode,
			"not assigned to role mailbox "+email)
	}
	roleStore, err := s.b.DBM.GetRoleMailboxDB(roleMailboxID)
	if err != nil {
		return nil, 0, "", backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	return roleStore, 0, local, nil
}

func (s *Session) ListMailboxes(ctx context.Context, refName, pattern string) ([]backend.MailboxListEntry, error) {
	names, err := db.GetUserMailboxes(s.store, s.userID)
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	matched := filterMailboxes(names, refName, pattern)

	roleIDs, err := db.GetUserRoleAssignments(s.shared, s.userID)
	if err == nil {
		for _, roleID := range roleIDs {
			email, _, err := db.GetRoleMailboxByID(s.shared, roleID)
			if err != nil {
				continue
			}
			root := "Roles/" + email
			if len(filterMailboxes([]string{root}, refName, pattern)) > 0 {
				matched = append(matched, root)
			}
		}
	}

	entries := make([]backend.MailboxListEntry, 0, len(matched))
	for _, name := range matched {
		subscribed, _ := db.IsMailboxSubscribed(s.store, s.userID, name)
		attrs := []string{"\\Unmarked"}
		if strings.HasPrefix(name, "Roles/") && !strings.Contains(strings.TrimPrefix(name, "Roles/"), "/") {
			attrs = []string{"\\HasChildren", "\\Noselect"}
		}
		entries = append(entries, backend.MailboxListEntry{
			Name: name, Delimiter: '/', Attributes: attrs, Subscribed: subscribed,
		})
	}
	return entries, nil
}

func (s *Session) ListSubscribed(ctx context.Context, refName, pattern string) ([]backend.MailboxListEntry, error) {
	names, err := db.GetUserSubscriptions(s.store, s.userID)
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	matched := filterMailboxes(names, refName, pattern)
	entries := make([]backend.MailboxListEntry, 0, len(matched))
	for _, name := range matched {
		entries = append(entries, backend.MailboxListEntry{
			Name: name, Delimiter: '/', Attributes: []string{"\\Unmarked"}, Subscribed: true,
		})
	}
	return entries, nil
}

func (s *Session) Subscribe(ctx context.Context, name string) error {
	if err := db.SubscribeToMailbox(s.store, s.userID, name); err != nil {
		return backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	return nil
}

func (s *Session) Unsubscribe(ctx context.Context, name string) error {
	if err := db.UnsubscribeFromMailbox(s.store, s.userID, name); err != nil {
		return backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	return nil
}

func (s *Session) Create(ctx context.Context, name string) error {
	store, owner, local, err := s.resolveOwner(name)
	if err != nil {
		return err
	}
	if _, err := db.CreateMailbox(store, owner, local, ""); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return backend.ErrMailboxConflict
		}
		return backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	return nil
}

func (s *Session) Delete(ctx context.Context, name string) error {
	store, owner, local, err := s.resolveOwner(name)
	if err != nil {
		return err
	}
	if err := db.DeleteMailbox(store, owner, local); err != nil {
		if strings.Contains(err.Error(), "inferior hierarchical") {
			return backend.ErrMailboxHasChildren
		}
		if strings.Contains(err.Error(), "does not exist") {
			return backend.ErrMailboxNotFound
		}
		return backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	return nil
}

func (s *Session) Rename(ctx context.Context, oldName, newName string) error {
	store, owner, oldLocal, err := s.resolveOwner(oldName)
	if err != nil {
		return err
	}
	newStore, _, newLocal, err := s.resolveOwner(newName)
	if err != nil {
		return err
	}
	if newStore != store {
		return backend.NewError(backend.CodeMailboxConflict, "CANNOT", "cannot rename across namespaces")
	}
	if err := db.RenameMailbox(store, owner, oldLocal, newLocal); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return backend.ErrMailboxConflict
		}
		if strings.Contains(err.Error(), "does not exist") {
			return backend.ErrMailboxNotFound
		}
		return backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	return nil
}

func (s *Session) Status(ctx context.Context, name string, attrs []wire.StatusAttribute) (map[wire.StatusAttribute]uint32, error) {
	store, owner, local, err := s.resolveOwner(name)
	if err != nil {
		return nil, err
	}
	mailboxID, err := db.GetMailboxByName(store, owner, local)
	if err != nil {
		return nil, backend.ErrMailboxNotFound
	}

	key := fmt.Sprintf("%p:%d:%v", store, mailboxID, attrs)
	v, err, _ := s.b.sf.Do(key, func() (interface{}, error) {
		return status(store, mailboxID, attrs)
	})
	if err != nil {
		return nil, err
	}
	return v.(map[wire.StatusAttribute]uint32), nil
}

func status(store *sql.DB, mailboxID int64, attrs []wire.StatusAttribute) (map[wire.StatusAttribute]uint32, error) {
	out := make(map[wire.StatusAttribute]uint32, len(attrs))
	for _, a := range attrs {
		switch a {
		case wire.StatusMessages:
			n, err := db.GetMessageCount(store, mailboxID)
			if err != nil {
				return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
			}
			out[a] = uint32(n)
		case wire.StatusUnseen:
			n, err := db.GetUnseenCount(store, mailboxID)
			if err != nil {
				return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
			}
			out[a] = uint32(n)
		case wire.StatusUIDNext:
			_, uidNext, err := db.GetMailboxInfo(store, mailboxID)
			if err != nil {
				return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
			}
			out[a] = uint32(uidNext)
		case wire.StatusUIDValidity:
			uidValidity, _, err := db.GetMailboxInfo(store, mailboxID)
			if err != nil {
				return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
			}
			out[a] = uint32(uidValidity)
		case wire.StatusRecent:
			eligible, err := db.PeekRecentEligible(store, mailboxID)
			if err != nil {
				return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
			}
			out[a] = uint32(len(eligible))
		}
	}
	return out, nil
}

func (s *Session) Select(ctx context.Context, name string, readOnly bool) (backend.Mailbox, error) {
	store, owner, local, err := s.resolveOwner(name)
	if err != nil {
		return nil, err
	}
	mailboxID, err := db.GetMailboxByName(store, owner, local)
	if err != nil {
		return nil, backend.ErrMailboxNotFound
	}
	key := watchKey{store: store, mailboxID: mailboxID}
	return &Mailbox{
		b: s.b, session: s, store: store, mailboxID: mailboxID, name: name, readOnly: readOnly,
		key: key, changes: s.b.watch(key),
	}, nil
}

func (s *Session) Append(ctx context.Context, name string, msgs []backend.AppendMessage) (uint32, []uint32, error) {
	store, owner, local, err := s.resolveOwner(name)
	if err != nil {
		return 0, nil, err
	}
	mailboxID, err := db.GetMailboxByName(store, owner, local)
	if err != nil {
		return 0, nil, backend.ErrMailboxNotFound
	}
	uidValidity, _, err := db.GetMailboxInfo(store, mailboxID)
	if err != nil {
		return 0, nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}

	uids := make([]uint32, 0, len(msgs))
	for _, m := range msgs {
		internalDate := m.InternalDate
		if internalDate.IsZero() {
			internalDate = time.Now().UTC()
		}
		flags := strings.Join(m.Flags, " ")
		uid, err := db.AppendMessageToMailbox(store, mailboxID, flags, internalDate, m.Raw)
		if err != nil {
			return 0, nil, backend.WrapError(backend.CodeAppendFailure, "", "append failed", err)
		}
		uids = append(uids, uid)
	}
	s.b.Notify(watchKey{store: store, mailboxID: mailboxID})
	return uint32(uidValidity), uids, nil
}

func (s *Session) Logout(ctx context.Context) error { return nil }
