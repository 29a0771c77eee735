// Package command implements the IMAP command parser: it
// turns one tagged line (plus any literals it pulls in) into a typed
// Command value, suspending for continuation data as needed.
package command

import (
	"raven/internal/imap/backend"
	"raven/internal/imap/wire"
)

// Kind names which of the ~30 command variants a Command carries.
type Kind string

const (
	KindCapability   Kind = "CAPABILITY"
	KindNoop         Kind = "NOOP"
	KindLogout       Kind = "LOGOUT"
	KindStartTLS     Kind = "STARTTLS"
	KindLogin        Kind = "LOGIN"
	KindAuthenticate Kind = "AUTHENTICATE"
	KindSelect       Kind = "SELECT"
	KindExamine      Kind = "EXAMINE"
	KindCreate       Kind = "CREATE"
	KindDelete       Kind = "DELETE"
	KindRename       Kind = "RENAME"
	KindSubscribe    Kind = "SUBSCRIBE"
	KindUnsubscribe  Kind = "UNSUBSCRIBE"
	KindList         Kind = "LIST"
	KindLsub         Kind = "LSUB"
	KindStatus       Kind = "STATUS"
	KindAppend       Kind = "APPEND"
	KindCheck        Kind = "CHECK"
	KindClose        Kind = "CLOSE"
	KindUnselect     Kind = "UNSELECT"
	KindExpunge      Kind = "EXPUNGE"
	KindSearch       Kind = "SEARCH"
	KindFetch        Kind = "FETCH"
	KindStore        Kind = "STORE"
	KindCopy         Kind = "COPY"
	KindIdle         Kind = "IDLE"
	KindNamespace    Kind = "NAMESPACE"
)

// Command is the tagged-union result of parsing one client request.
type Command struct {
	Tag  string
	Kind Kind
	ByUID bool // set when the command arrived prefixed with UID

	// Per-kind payloads; only the field matching Kind is populated.
	Login        *LoginArgs
	Authenticate *AuthenticateArgs
	Mailbox      *MailboxArgs       // SELECT, EXAMINE, CREATE, DELETE, SUBSCRIBE, UNSUBSCRIBE
	Rename       *RenameArgs
	List         *ListArgs          // LIST, LSUB
	Status       *StatusArgs
	Append       *AppendArgs
	Search       *SearchArgs
	Fetch        *FetchArgs
	Store        *StoreArgs
	Copy         *CopyArgs
	Expunge      *ExpungeArgs // only set for "UID EXPUNGE <set>"
}

type LoginArgs struct {
	Username string
	Password string
}

type AuthenticateArgs struct {
	Mechanism string
	Initial   []byte // initial response, if sent inline ("AUTH=...\r\n<base64>")
}

type MailboxArgs struct {
	Name string
}

type RenameArgs struct {
	OldName, NewName string
}

type ListArgs struct {
	Reference string
	Pattern   string
}

type StatusArgs struct {
	Name  string
	Attrs []wire.StatusAttribute
}

type AppendArgs struct {
	Name     string
	Messages []backend.AppendMessage
}

type SearchArgs struct {
	Charset string
	Key     wire.SearchKey
}

type FetchArgs struct {
	Set   wire.SequenceSet
	Attrs []wire.FetchAttribute
}

type StoreArgs struct {
	Set      wire.SequenceSet
	Op       backend.StoreOp
	Silent   bool
	Flags    []string
}

type CopyArgs struct {
	Set  wire.SequenceSet
	Dest string
}

// ExpungeArgs carries the UID set for "UID EXPUNGE <set>" (RFC 4315);
// plain EXPUNGE takes no arguments and leaves this nil.
type ExpungeArgs struct {
	UIDSet wire.SequenceSet
}

