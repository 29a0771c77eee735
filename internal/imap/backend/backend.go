package backend

import (
	"context"
	"time"

	"raven/internal/imap/wire"
)

// MailboxListEntry is one row of a LIST/LSUB response.
type MailboxListEntry struct {
	Name       string
	Delimiter  byte
	Attributes []string // e.g. \Noselect, \HasChildren, \Unmarked
	Subscribed bool
}

// MailboxInfo describes the mailbox a Select call just opened.
type MailboxInfo struct {
	Name           string
	ReadOnly       bool
	PermanentFlags []string
	UIDValidity    uint32
	UIDNext        uint32
}

// MailboxSnapshot is an immutable view of a mailbox's message list at a
// point in time. UIDs is ordered
// ascending; sequence number = 1-based index.
type MailboxSnapshot struct {
	UIDValidity uint32
	UIDNext     uint32
	UIDs        []uint32
	Flags       map[uint32][]string
	// RecentEligible holds UIDs no session has yet claimed \Recent
	// ownership of. Select() claims (and clears) these for the
	// selecting session when opened read-write.
	RecentEligible map[uint32]bool
}

// StoredMessage is the raw data a backend holds for one message.
type StoredMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         int64
	Raw          []byte // RFC 5322 bytes, CRLF line endings
}

// StoreOp is the verb of a STORE command.
type StoreOp int

const (
	StoreReplace StoreOp = iota
	StoreAdd
	StoreRemove
)

// AppendMessage is one message of a (possibly MULTIAPPEND) APPEND command.
type AppendMessage struct {
	Flags        []string
	InternalDate time.Time // zero value means "server assigns now"
	Raw          []byte
}

// Session is the per-connection handle into a backend, bound to an
// authenticated user. It implements every command in the
// not-authenticated/authenticated command set; mailbox-body
// operations live on the Mailbox returned by Select.
type Session interface {
	Capabilities() []string
	ListMailboxes(ctx context.Context, refName, pattern string) ([]MailboxListEntry, error)
	ListSubscribed(ctx context.Context, refName, pattern string) ([]MailboxListEntry, error)
	Subscribe(ctx context.Context, name string) error
	Unsubscribe(ctx context.Context, name string) error
	Create(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Rename(ctx context.Context, oldName, newName string) error
	Status(ctx context.Context, name string, attrs []wire.StatusAttribute) (map[wire.StatusAttribute]uint32, error)
	Select(ctx context.Context, name string, readOnly bool) (Mailbox, error)
	Append(ctx context.Context, name string, msgs []AppendMessage) (uidValidity uint32, uids []uint32, err error)
	Logout(ctx context.Context) error
}

// Mailbox is the handle a Session hands back from Select; every
// body-of-a-message operation (FETCH, STORE, SEARCH, COPY, EXPUNGE, CHECK)
// is scoped to it. One Mailbox is owned by exactly one connection task.
type Mailbox interface {
	Info() MailboxInfo
	Snapshot(ctx context.Context) (*MailboxSnapshot, error)
	// Changes delivers at-least-once wake-ups on mailbox mutation, for
	// IDLE and for the between-commands poll. Delivery is a signal, not
	// a diff: callers re-snapshot and diff themselves.
	Changes() <-chan struct{}
	Fetch(ctx context.Context, uids []uint32, attrs []wire.FetchAttribute) ([]StoredMessage, error)
	Store(ctx context.Context, uids []uint32, op StoreOp, flags []string) ([]StoredMessage, error)
	Search(ctx context.Context, key wire.SearchKey, byUID bool) ([]uint32, error)
	Copy(ctx context.Context, uids []uint32, destName string) (destUIDValidity uint32, destUIDs []uint32, err error)
	// Expunge permanently removes messages carrying \Deleted. If uids is
	// non-nil, only those UIDs are considered (UID EXPUNGE); otherwise
	// every \Deleted message is removed (EXPUNGE, CLOSE).
	Expunge(ctx context.Context, uids []uint32) error
	Check(ctx context.Context) error
	Close(ctx context.Context) error
}
