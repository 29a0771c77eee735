package command

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"time"

	"raven/internal/imap/backend"
	"raven/internal/imap/wire"
)

// ContinuationFunc writes a "+" continuation request to the client; it is
// called only for synchronizing literals.
type ContinuationFunc func(text string) error

// Parser reads one framed IMAP request at a time off r, fetching literal
// payloads (and issuing continuation requests for synchronizing ones) as
// the grammar demands.
type Parser struct {
	r            *bufio.Reader
	params       wire.Params
	onContinue   ContinuationFunc
	buf          []byte
}

func NewParser(r *bufio.Reader, params wire.Params, onContinue ContinuationFunc) *Parser {
	return &Parser{r: r, params: params, onContinue: onContinue}
}

// Next reads and parses the next command. io.EOF propagates unwrapped so
// the caller can tell a clean disconnect from a protocol error.
func (p *Parser) Next() (*Command, error) {
	p.buf = p.buf[:0]
	chunk, err := p.r.ReadString('\n')
	if err != nil {
		if len(chunk) == 0 {
			return nil, err
		}
	}
	p.buf = append(p.buf, chunk...)

	for {
		cmd, perr := parseCommandBuf(p.buf, p.params)
		if perr == nil {
			return cmd, nil
		}
		var need *wire.NeedLiteral
		if errors.As(perr, &need) {
			if !need.NonSync && p.onContinue != nil {
				if werr := p.onContinue("Ready for literal data"); werr != nil {
					return nil, werr
				}
			}
			payload := make([]byte, need.Size)
			if _, rerr := io.ReadFull(p.r, payload); rerr != nil {
				return nil, rerr
			}
			p.buf = append(p.buf, payload...)
			more, rerr := p.r.ReadString('\n')
			p.buf = append(p.buf, more...)
			if rerr != nil && len(more) == 0 {
				return nil, rerr
			}
			continue
		}
		return nil, perr
	}
}

// parseCommandBuf parses tag, command name, optional UID prefix, and the
// command-specific body out of a fully buffered request line.
func parseCommandBuf(buf []byte, params wire.Params) (*Command, error) {
	tag, rest, err := wire.Tag(buf)
	if err != nil {
		return nil, err
	}
	name, rest, err := wire.CommandName(rest)
	if err != nil {
		return nil, err
	}

	byUID := false
	if name == "UID" {
		byUID = true
		name, rest, err = wire.CommandName(rest)
		if err != nil {
			return nil, err
		}
	}

	cmd := &Command{Tag: tag, ByUID: byUID}

	switch Kind(name) {
	case KindExpunge:
		cmd.Kind = KindExpunge
		if byUID {
			rest, err = skipLeadingSpace(rest)
			if err != nil {
				return nil, err
			}
			set, r2, err := wire.ParseSequenceSet(rest)
			if err != nil {
				return nil, err
			}
			rest = r2
			cmd.Expunge = &ExpungeArgs{UIDSet: set}
		}
		if err := expectCRLF(rest); err != nil {
			return nil, err
		}
		return cmd, nil

	case KindCapability, KindNoop, KindLogout, KindStartTLS, KindCheck,
		KindClose, KindUnselect, KindIdle, KindNamespace:
		cmd.Kind = Kind(name)
		if err := expectCRLF(rest); err != nil {
			return nil, err
		}
		return cmd, nil

	case KindLogin:
		cmd.Kind = KindLogin
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		user, rest, err := wire.Astring(rest, params)
		if err != nil {
			return nil, err
		}
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		pass, rest, err := wire.Astring(rest, params)
		if err != nil {
			return nil, err
		}
		if err := expectCRLF(rest); err != nil {
			return nil, err
		}
		cmd.Login = &LoginArgs{Username: user, Password: pass}
		return cmd, nil

	case KindAuthenticate:
		cmd.Kind = KindAuthenticate
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		mech, rest, err := wire.Atom(rest)
		if err != nil {
			return nil, err
		}
		cmd.Authenticate = &AuthenticateArgs{Mechanism: strings.ToUpper(mech)}
		if len(rest) >= 2 && rest[0] == ' ' {
			initial, rest2, err := wire.Astring(rest[1:], params)
			if err == nil {
				cmd.Authenticate.Initial = []byte(initial)
				rest = rest2
			}
		}
		if err := expectCRLF(rest); err != nil {
			return nil, err
		}
		return cmd, nil

	case KindSelect, KindExamine, KindCreate, KindDelete, KindSubscribe, KindUnsubscribe:
		cmd.Kind = Kind(name)
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		mbox, rest, err := wire.Astring(rest, params)
		if err != nil {
			return nil, err
		}
		if err := expectCRLF(rest); err != nil {
			return nil, err
		}
		cmd.Mailbox = &MailboxArgs{Name: decodeMailbox(mbox)}
		return cmd, nil

	case KindRename:
		cmd.Kind = KindRename
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		oldName, rest, err := wire.Astring(rest, params)
		if err != nil {
			return nil, err
		}
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		newName, rest, err := wire.Astring(rest, params)
		if err != nil {
			return nil, err
		}
		if err := expectCRLF(rest); err != nil {
			return nil, err
		}
		cmd.Rename = &RenameArgs{OldName: decodeMailbox(oldName), NewName: decodeMailbox(newName)}
		return cmd, nil

	case KindList, KindLsub:
		cmd.Kind = Kind(name)
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		ref, rest, err := wire.Astring(rest, params)
		if err != nil {
			return nil, err
		}
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		pattern, rest, err := wire.Astring(rest, params)
		if err != nil {
			return nil, err
		}
		if err := expectCRLF(rest); err != nil {
			return nil, err
		}
		cmd.List = &ListArgs{Reference: decodeMailbox(ref), Pattern: pattern}
		return cmd, nil

	case KindStatus:
		cmd.Kind = KindStatus
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		mbox, rest, err := wire.Astring(rest, params)
		if err != nil {
			return nil, err
		}
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		attrs, rest, err := wire.List(rest, wire.ParseStatusAttribute)
		if err != nil {
			return nil, err
		}
		if err := expectCRLF(rest); err != nil {
			return nil, err
		}
		cmd.Status = &StatusArgs{Name: decodeMailbox(mbox), Attrs: attrs}
		return cmd, nil

	case KindAppend:
		cmd.Kind = KindAppend
		args, err := parseAppend(rest, params)
		if err != nil {
			return nil, err
		}
		cmd.Append = args
		return cmd, nil

	case KindSearch:
		cmd.Kind = KindSearch
		args, err := parseSearch(rest, params)
		if err != nil {
			return nil, err
		}
		cmd.Search = args
		return cmd, nil

	case KindFetch:
		cmd.Kind = KindFetch
		args, err := parseFetch(rest)
		if err != nil {
			return nil, err
		}
		cmd.Fetch = args
		return cmd, nil

	case KindStore:
		cmd.Kind = KindStore
		args, err := parseStore(rest)
		if err != nil {
			return nil, err
		}
		cmd.Store = args
		return cmd, nil

	case KindCopy:
		cmd.Kind = KindCopy
		args, err := parseCopy(rest, params)
		if err != nil {
			return nil, err
		}
		cmd.Copy = args
		return cmd, nil

	default:
		return nil, wire.ErrNotParseable
	}
}

func skipLeadingSpace(buf []byte) ([]byte, error) {
	if len(buf) == 0 || buf[0] != ' ' {
		return nil, wire.ErrNotParseable
	}
	return buf[1:], nil
}

func expectCRLF(buf []byte) error {
	if len(buf) >= 2 && buf[0] == '\r' && buf[1] == '\n' {
		return nil
	}
	// CRLF is required strictly; a bare LF is rejected.
	return wire.ErrNotParseable
}

func decodeMailbox(wireName string) string {
	name, err := wire.DecodeMailboxName(wireName)
	if err != nil {
		return wireName
	}
	return wire.CanonicalMailboxName(name)
}

func parseAppend(rest []byte, params wire.Params) (*AppendArgs, error) {
	rest, err := skipLeadingSpace(rest)
	if err != nil {
		return nil, err
	}
	mbox, rest, err := wire.Astring(rest, params)
	if err != nil {
		return nil, err
	}
	args := &AppendArgs{Name: decodeMailbox(mbox)}

	for {
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		var msg backend.AppendMessage

		if len(rest) > 0 && rest[0] == '(' {
			flags, r2, err := wire.List(rest, wire.Flag)
			if err != nil {
				return nil, err
			}
			msg.Flags = flags
			rest = r2
			rest, err = skipLeadingSpace(rest)
			if err != nil {
				return nil, err
			}
		}
		if len(rest) > 0 && rest[0] == '"' {
			t, r2, err := wire.DateTime(rest)
			if err != nil {
				return nil, err
			}
			msg.InternalDate = t
			rest = r2
			rest, err = skipLeadingSpace(rest)
			if err != nil {
				return nil, err
			}
		} else {
			msg.InternalDate = time.Time{}
		}

		data, r2, err := wire.Literal(rest, params)
		if err != nil {
			return nil, err
		}
		msg.Raw = append([]byte(nil), data...)
		rest = r2
		args.Messages = append(args.Messages, msg)

		if len(rest) > 0 && rest[0] == ' ' {
			continue // MULTIAPPEND: another message follows
		}
		break
	}
	if err := expectCRLF(rest); err != nil {
		return nil, err
	}
	if len(args.Messages) == 0 {
		return nil, wire.ErrNotParseable
	}
	return args, nil
}

func parseSearch(rest []byte, params wire.Params) (*SearchArgs, error) {
	rest, err := skipLeadingSpace(rest)
	if err != nil {
		return nil, err
	}
	args := &SearchArgs{}
	if len(rest) > 7 && strings.EqualFold(string(rest[:7]), "CHARSET") && rest[7] == ' ' {
		rest = rest[7:]
		rest, err = skipLeadingSpace(rest)
		if err != nil {
			return nil, err
		}
		cs, r2, err := wire.Astring(rest, params)
		if err != nil {
			return nil, err
		}
		args.Charset = cs
		rest, err = skipLeadingSpace(r2)
		if err != nil {
			return nil, err
		}
	}
	key, rest, err := wire.ParseSearchKeyList(rest)
	if err != nil {
		return nil, err
	}
	if err := expectCRLF(rest); err != nil {
		return nil, err
	}
	args.Key = key
	return args, nil
}

func parseFetch(rest []byte) (*FetchArgs, error) {
	rest, err := skipLeadingSpace(rest)
	if err != nil {
		return nil, err
	}
	set, rest, err := wire.ParseSequenceSet(rest)
	if err != nil {
		return nil, err
	}
	rest, err = skipLeadingSpace(rest)
	if err != nil {
		return nil, err
	}

	var attrs []wire.FetchAttribute
	if len(rest) > 0 && rest[0] == '(' {
		list, r2, err := wire.List(rest, parseFetchMacroOrAttr)
		if err != nil {
			return nil, err
		}
		for _, a := range list {
			attrs = append(attrs, a...)
		}
		rest = r2
	} else {
		a, r2, err := parseFetchMacroOrAttr(rest)
		if err != nil {
			return nil, err
		}
		attrs = a
		rest = r2
	}

	if err := expectCRLF(rest); err != nil {
		return nil, err
	}
	return &FetchArgs{Set: set, Attrs: attrs}, nil
}

// parseFetchMacroOrAttr parses one fetch attribute (or macro name, which
// expands to several) at the head of buf.
func parseFetchMacroOrAttr(buf []byte) ([]wire.FetchAttribute, []byte, error) {
	name, rest, err := wire.Atom(buf)
	if err != nil {
		return nil, buf, err
	}
	expanded := wire.ExpandFetchMacro(name)
	if len(expanded) > 1 || !strings.EqualFold(expanded[0], name) {
		attrs := make([]wire.FetchAttribute, len(expanded))
		for i, n := range expanded {
			attrs[i] = wire.FetchAttribute{Name: strings.ToUpper(n)}
		}
		return attrs, rest, nil
	}
	attr, rest, err := wire.ParseFetchAttribute(buf)
	if err != nil {
		return nil, buf, err
	}
	return []wire.FetchAttribute{attr}, rest, nil
}

func parseStore(rest []byte) (*StoreArgs, error) {
	rest, err := skipLeadingSpace(rest)
	if err != nil {
		return nil, err
	}
	set, rest, err := wire.ParseSequenceSet(rest)
	if err != nil {
		return nil, err
	}
	rest, err = skipLeadingSpace(rest)
	if err != nil {
		return nil, err
	}
	verb, rest, err := wire.Atom(rest)
	if err != nil {
		return nil, err
	}
	upper := strings.ToUpper(verb)
	args := &StoreArgs{Set: set}
	switch {
	case strings.HasPrefix(upper, "+FLAGS"):
		args.Op = backend.StoreAdd
		args.Silent = strings.HasSuffix(upper, ".SILENT")
	case strings.HasPrefix(upper, "-FLAGS"):
		args.Op = backend.StoreRemove
		args.Silent = strings.HasSuffix(upper, ".SILENT")
	case strings.HasPrefix(upper, "FLAGS"):
		args.Op = backend.StoreReplace
		args.Silent = strings.HasSuffix(upper, ".SILENT")
	default:
		return nil, wire.ErrNotParseable
	}
	rest, err = skipLeadingSpace(rest)
	if err != nil {
		return nil, err
	}
	flags, rest, err := wire.List(rest, wire.Flag)
	if err != nil {
		return nil, err
	}
	args.Flags = flags
	if err := expectCRLF(rest); err != nil {
		return nil, err
	}
	return args, nil
}

func parseCopy(rest []byte, params wire.Params) (*CopyArgs, error) {
	rest, err := skipLeadingSpace(rest)
	if err != nil {
		return nil, err
	}
	set, rest, err := wire.ParseSequenceSet(rest)
	if err != nil {
		return nil, err
	}
	rest, err = skipLeadingSpace(rest)
	if err != nil {
		return nil, err
	}
	dest, rest, err := wire.Astring(rest, params)
	if err != nil {
		return nil, err
	}
	if err := expectCRLF(rest); err != nil {
		return nil, err
	}
	return &CopyArgs{Set: set, Dest: decodeMailbox(dest)}, nil
}
