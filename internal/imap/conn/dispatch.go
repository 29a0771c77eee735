package conn

import (
	"context"
	"fmt"
	"strings"

	"raven/internal/imap/backend"
	"raven/internal/imap/command"
	"raven/internal/imap/response"
	"raven/internal/imap/selected"
	"raven/internal/imap/wire"
)

// dispatch executes cmd (already legality-checked) and emits every
// untagged response plus the final tagged completion.
func (c *Conn) dispatch(ctx context.Context, cmd *command.Command) error {
	switch cmd.Kind {
	case command.KindCapability:
		return c.handleCapability(cmd)
	case command.KindNoop:
		return c.tagOK(cmd.Tag, "NOOP completed.")
	case command.KindLogout:
		return c.handleLogout(ctx, cmd)
	case command.KindStartTLS:
		return c.handleStartTLS(cmd)
	case command.KindLogin:
		return c.handleLogin(ctx, cmd)
	case command.KindAuthenticate:
		return c.handleAuthenticate(ctx, cmd)
	case command.KindSelect:
		return c.handleSelect(ctx, cmd, false)
	case command.KindExamine:
		return c.handleSelect(ctx, cmd, true)
	case command.KindCreate:
		return c.handleCreate(ctx, cmd)
	case command.KindDelete:
		return c.handleDelete(ctx, cmd)
	case command.KindRename:
		return c.handleRename(ctx, cmd)
	case command.KindSubscribe:
		return c.handleSubscribe(ctx, cmd, true)
	case command.KindUnsubscribe:
		return c.handleSubscribe(ctx, cmd, false)
	case command.KindList:
		return c.handleList(ctx, cmd, false)
	case command.KindLsub:
		return c.handleList(ctx, cmd, true)
	case command.KindStatus:
		return c.handleStatus(ctx, cmd)
	case command.KindAppend:
		return c.handleAppend(ctx, cmd)
	case command.KindNamespace:
		return c.handleNamespace(cmd)
	case command.KindCheck:
		return c.handleCheck(ctx, cmd)
	case command.KindClose:
		return c.handleClose(ctx, cmd)
	case command.KindUnselect:
		return c.handleUnselect(ctx, cmd)
	case command.KindExpunge:
		return c.handleExpunge(ctx, cmd)
	case command.KindSearch:
		return c.handleSearch(ctx, cmd)
	case command.KindFetch:
		return c.handleFetch(ctx, cmd)
	case command.KindStore:
		return c.handleStore(ctx, cmd)
	case command.KindCopy:
		return c.handleCopy(ctx, cmd)
	case command.KindIdle:
		return c.handleIdle(ctx, cmd)
	default:
		return c.resp.Tagged(cmd.Tag, response.BAD, "", "unrecognized command")
	}
}

func (c *Conn) tagOK(tag, text string) error {
	return c.resp.Tagged(tag, response.OK, "", text)
}

func (c *Conn) tagBackendError(tag string, err error) error {
	berr, ok := err.(*backend.Error)
	if !ok {
		return c.resp.Tagged(tag, response.NO, "", "internal error")
	}
	status, code, text := response.FromBackendError(berr)
	if status == "" { // CodeCloseConnection
		if e := c.resp.Bye(text); e != nil {
			return e
		}
		c.state = Logout
		return nil
	}
	return c.resp.Tagged(tag, status, code, text)
}

func (c *Conn) handleCapability(cmd *command.Command) error {
	if err := c.resp.Untagged("CAPABILITY " + strings.Join(c.capabilities(), " ")); err != nil {
		return err
	}
	return c.tagOK(cmd.Tag, "CAPABILITY completed.")
}

func (c *Conn) handleNamespace(cmd *command.Command) error {
	if err := c.resp.Untagged(`NAMESPACE (("" "/")) (("Roles/" "/")) NIL`); err != nil {
		return err
	}
	return c.tagOK(cmd.Tag, "NAMESPACE completed.")
}

func (c *Conn) handleLogout(ctx context.Context, cmd *command.Command) error {
	if c.session != nil {
		c.session.Logout(ctx)
	}
	c.closeSelected(ctx)
	if err := c.resp.Bye("Logging out."); err != nil {
		return err
	}
	if err := c.tagOK(cmd.Tag, "Logout successful."); err != nil {
		return err
	}
	c.state = Logout
	return nil
}

// resolveSet returns the ceiling Resolve should clip a sequence
// set against: for plain sequence sets it is the message count; for UID
// sets it is the largest UID currently present (or UIDNext-1 when empty).
func (c *Conn) resolveSet(set wire.SequenceSet, byUID bool) ([]uint32, error) {
	snap := c.view.Current()
	if byUID {
		max := uint32(0)
		if len(snap.UIDs) > 0 {
			max = snap.UIDs[len(snap.UIDs)-1]
		} else if snap.UIDNext > 1 {
			max = snap.UIDNext - 1
		}
		return set.Resolve(max), nil
	}
	return set.Resolve(uint32(len(snap.UIDs))), nil
}

func (c *Conn) uidsFromSet(set wire.SequenceSet, byUID bool) []uint32 {
	resolved, _ := c.resolveSet(set, byUID)
	if byUID {
		return resolved
	}
	snap := c.view.Current()
	uids := make([]uint32, 0, len(resolved))
	for _, seq := range resolved {
		if int(seq) >= 1 && int(seq) <= len(snap.UIDs) {
			uids = append(uids, snap.UIDs[seq-1])
		}
	}
	return uids
}

func (c *Conn) handleCheck(ctx context.Context, cmd *command.Command) error {
	if err := c.mailbox.Check(ctx); err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	return c.tagOK(cmd.Tag, "CHECK completed.")
}

func (c *Conn) handleClose(ctx context.Context, cmd *command.Command) error {
	if !c.readOnly {
		snap, err := c.mailbox.Snapshot(ctx)
		if err == nil {
			var deleted []uint32
			for _, uid := range snap.UIDs {
				for _, f := range snap.Flags[uid] {
					if f == wire.FlagDeleted {
						deleted = append(deleted, uid)
						break
					}
				}
			}
			if len(deleted) > 0 {
				c.mailbox.Expunge(ctx, deleted)
				// CLOSE expunges silently: none of these may ever be
				// reported back as untagged EXPUNGE (RFC 2180).
				for _, uid := range deleted {
					c.view.Hide(uid)
				}
			}
		}
	}
	c.closeSelected(ctx)
	c.state = Authenticated
	return c.tagOK(cmd.Tag, "CLOSE completed.")
}

func (c *Conn) handleUnselect(ctx context.Context, cmd *command.Command) error {
	c.closeSelected(ctx)
	c.state = Authenticated
	return c.tagOK(cmd.Tag, "UNSELECT completed.")
}

func (c *Conn) handleExpunge(ctx context.Context, cmd *command.Command) error {
	if c.readOnly {
		return c.tagBackendError(cmd.Tag, backend.ErrMailboxReadOnly)
	}
	var want []uint32
	if cmd.Expunge != nil {
		want = c.uidsFromSet(cmd.Expunge.UIDSet, true)
	}
	if err := c.mailbox.Expunge(ctx, want); err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	if err := c.flushSelectedUpdates(ctx); err != nil {
		return err
	}
	if cmd.ByUID {
		return c.tagOK(cmd.Tag, "UID EXPUNGE completed.")
	}
	return c.tagOK(cmd.Tag, "EXPUNGE completed.")
}

func (c *Conn) handleSearch(ctx context.Context, cmd *command.Command) error {
	args := cmd.Search
	if args.Charset != "" && !strings.EqualFold(args.Charset, "US-ASCII") && !strings.EqualFold(args.Charset, "UTF-8") {
		return c.tagBackendError(cmd.Tag, backend.ErrSearchBadCharset)
	}
	uids, err := c.mailbox.Search(ctx, args.Key, cmd.ByUID)
	if err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	var fields []string
	if cmd.ByUID {
		for _, uid := range uids {
			fields = append(fields, wire.SerializeNumber(uid))
		}
	} else {
		for _, uid := range uids {
			if seq, ok := c.view.SequenceOf(uid); ok {
				fields = append(fields, wire.SerializeNumber(seq))
			}
		}
	}
	if err := c.resp.Untagged("SEARCH " + strings.Join(fields, " ")); err != nil {
		return err
	}
	return c.tagOK(cmd.Tag, "SEARCH completed.")
}

func (c *Conn) handleFetch(ctx context.Context, cmd *command.Command) error {
	args := cmd.Fetch
	uids := c.uidsFromSet(args.Set, cmd.ByUID)
	attrs := args.Attrs
	if cmd.ByUID {
		hasUID := false
		for _, a := range attrs {
			if a.Name == "UID" {
				hasUID = true
			}
		}
		if !hasUID {
			attrs = append([]wire.FetchAttribute{{Name: "UID"}}, attrs...)
		}
	}
	msgs, err := c.mailbox.Fetch(ctx, uids, attrs)
	if err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	for _, msg := range msgs {
		seq, ok := c.view.SequenceOf(msg.UID)
		if !ok {
			continue
		}
		items := buildFetchLine(attrs, msg, c.resp.LiteralPlus)
		if err := c.resp.FetchLine(seq, items); err != nil {
			return err
		}
	}
	if cmd.ByUID {
		return c.tagOK(cmd.Tag, "UID FETCH completed.")
	}
	return c.tagOK(cmd.Tag, "FETCH completed.")
}

// buildFetchLine renders one FETCH response body, handling BODY[section]
// and BINARY[section] forms (which need per-message section extraction)
// separately from the attributes response.BuildFetchItems already knows
// how to render whole.
func buildFetchLine(attrs []wire.FetchAttribute, msg backend.StoredMessage, literalPlus bool) string {
	var simple []string
	var extra []string
	for _, a := range attrs {
		if (a.Name == "BODY" || a.Name == "BINARY") && a.HasSection {
			data := response.BuildBodySection(a, string(msg.Raw))
			extra = append(extra, a.Serialize()+" "+wire.SerializeLiteral(data, literalPlus))
			continue
		}
		simple = append(simple, a.Name)
	}
	items := response.BuildFetchItems(simple, msg, literalPlus)
	if len(extra) > 0 {
		if items != "" {
			items += " "
		}
		items += strings.Join(extra, " ")
	}
	return items
}

func (c *Conn) handleStore(ctx context.Context, cmd *command.Command) error {
	args := cmd.Store
	uids := c.uidsFromSet(args.Set, cmd.ByUID)
	msgs, err := c.mailbox.Store(ctx, uids, args.Op, args.Flags)
	if err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	if !args.Silent {
		for _, msg := range msgs {
			seq, ok := c.view.SequenceOf(msg.UID)
			if !ok {
				continue
			}
			attrs := []wire.FetchAttribute{{Name: "FLAGS"}}
			if cmd.ByUID {
				attrs = append(attrs, wire.FetchAttribute{Name: "UID"})
			}
			items := buildFetchLine(attrs, msg, c.resp.LiteralPlus)
			if err := c.resp.FetchLine(seq, items); err != nil {
				return err
			}
		}
	}
	if cmd.ByUID {
		return c.tagOK(cmd.Tag, "UID STORE completed.")
	}
	return c.tagOK(cmd.Tag, "STORE completed.")
}

func (c *Conn) handleCopy(ctx context.Context, cmd *command.Command) error {
	args := cmd.Copy
	uids := c.uidsFromSet(args.Set, cmd.ByUID)
	destValidity, destUIDs, err := c.mailbox.Copy(ctx, uids, args.Dest)
	if err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	code := fmt.Sprintf("COPYUID %d %s %s", destValidity, wire.SerializeSequenceSet(uids), wire.SerializeSequenceSet(destUIDs))
	if cmd.ByUID {
		return c.resp.Tagged(cmd.Tag, response.OK, code, "UID COPY completed.")
	}
	return c.resp.Tagged(cmd.Tag, response.OK, code, "COPY completed.")
}

func (c *Conn) handleCreate(ctx context.Context, cmd *command.Command) error {
	if err := c.session.Create(ctx, cmd.Mailbox.Name); err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	return c.tagOK(cmd.Tag, "CREATE completed.")
}

func (c *Conn) handleDelete(ctx context.Context, cmd *command.Command) error {
	if err := c.session.Delete(ctx, cmd.Mailbox.Name); err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	return c.tagOK(cmd.Tag, "DELETE completed.")
}

func (c *Conn) handleRename(ctx context.Context, cmd *command.Command) error {
	if err := c.session.Rename(ctx, cmd.Rename.OldName, cmd.Rename.NewName); err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	return c.tagOK(cmd.Tag, "RENAME completed.")
}

func (c *Conn) handleSubscribe(ctx context.Context, cmd *command.Command, subscribe bool) error {
	var err error
	if subscribe {
		err = c.session.Subscribe(ctx, cmd.Mailbox.Name)
	} else {
		err = c.session.Unsubscribe(ctx, cmd.Mailbox.Name)
	}
	if err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	if subscribe {
		return c.tagOK(cmd.Tag, "SUBSCRIBE completed.")
	}
	return c.tagOK(cmd.Tag, "UNSUBSCRIBE completed.")
}

func (c *Conn) handleList(ctx context.Context, cmd *command.Command, lsub bool) error {
	var entries []backend.MailboxListEntry
	var err error
	if lsub {
		entries, err = c.session.ListSubscribed(ctx, cmd.List.Reference, cmd.List.Pattern)
	} else {
		entries, err = c.session.ListMailboxes(ctx, cmd.List.Reference, cmd.List.Pattern)
	}
	if err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	verb := "LIST"
	if lsub {
		verb = "LSUB"
	}
	for _, e := range entries {
		attrs := wire.SerializeList(e.Attributes)
		line := fmt.Sprintf(`%s (%s) "%c" %s`, verb, attrs, e.Delimiter, wire.EncodeMailboxName(e.Name))
		if err := c.resp.Untagged(line); err != nil {
			return err
		}
	}
	return c.tagOK(cmd.Tag, verb+" completed.")
}

func (c *Conn) handleStatus(ctx context.Context, cmd *command.Command) error {
	values, err := c.session.Status(ctx, cmd.Status.Name, cmd.Status.Attrs)
	if err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	var parts []string
	for _, a := range cmd.Status.Attrs {
		parts = append(parts, string(a), wire.SerializeNumber(values[a]))
	}
	line := fmt.Sprintf("STATUS %s (%s)", wire.EncodeMailboxName(cmd.Status.Name), strings.Join(parts, " "))
	if err := c.resp.Untagged(line); err != nil {
		return err
	}
	return c.tagOK(cmd.Tag, "STATUS completed.")
}

func (c *Conn) handleSelect(ctx context.Context, cmd *command.Command, readOnly bool) error {
	// A SELECT/EXAMINE from Selected discards the previous selected state
	// cleanly: the old view is torn down before any further flush, so
	// expunges that happened under it are never reported.
	c.closeSelected(ctx)
	c.state = Authenticated

	mbox, err := c.session.Select(ctx, cmd.Mailbox.Name, readOnly)
	if err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	info := mbox.Info()
	snap, err := mbox.Snapshot(ctx)
	if err != nil {
		mbox.Close(ctx)
		return c.tagBackendError(cmd.Tag, err)
	}

	c.mailbox = mbox
	c.mailboxName = cmd.Mailbox.Name
	c.readOnly = readOnly
	c.view = selected.New(snap, !readOnly)
	c.state = Selected

	if err := c.resp.Untagged("FLAGS (" + strings.Join(info.PermanentFlags, " ") + " \\Recent)"); err != nil {
		return err
	}
	if err := c.resp.Untagged(fmt.Sprintf("%d EXISTS", len(snap.UIDs))); err != nil {
		return err
	}
	if err := c.resp.Untagged(fmt.Sprintf("%d RECENT", c.view.RecentCount())); err != nil {
		return err
	}
	unseen := uint32(0)
	for i, uid := range snap.UIDs {
		seen := false
		for _, f := range snap.Flags[uid] {
			if f == wire.FlagSeen {
				seen = true
			}
		}
		if !seen && unseen == 0 {
			unseen = uint32(i + 1)
		}
	}
	if unseen > 0 {
		if err := c.resp.UntaggedOK(fmt.Sprintf("UNSEEN %d", unseen), "Message is first unseen."); err != nil {
			return err
		}
	}
	permanent := append([]string(nil), info.PermanentFlags...)
	permanent = append(permanent, `\*`)
	if err := c.resp.UntaggedOK("PERMANENTFLAGS ("+strings.Join(permanent, " ")+")", "Limited."); err != nil {
		return err
	}
	if err := c.resp.UntaggedOK(fmt.Sprintf("UIDNEXT %d", info.UIDNext), "Predicted next UID."); err != nil {
		return err
	}
	if err := c.resp.UntaggedOK(fmt.Sprintf("UIDVALIDITY %d", info.UIDValidity), "UIDs valid."); err != nil {
		return err
	}
	code := "READ-WRITE"
	if readOnly {
		code = "READ-ONLY"
	}
	return c.resp.Tagged(cmd.Tag, response.OK, code, "Selected mailbox.")
}

func (c *Conn) handleAppend(ctx context.Context, cmd *command.Command) error {
	args := cmd.Append
	if c.opts.MaxAppendLen > 0 {
		for _, m := range args.Messages {
			if int64(len(m.Raw)) > c.opts.MaxAppendLen {
				return c.tagBackendError(cmd.Tag, backend.NewError(backend.CodeTooBig, "TOOBIG", "literal too large"))
			}
		}
	}
	uidValidity, uids, err := c.session.Append(ctx, args.Name, args.Messages)
	if err != nil {
		return c.tagBackendError(cmd.Tag, err)
	}
	if c.state == Selected && strings.EqualFold(args.Name, c.mailboxName) {
		if err := c.flushSelectedUpdates(ctx); err != nil {
			return err
		}
	}
	code := fmt.Sprintf("APPENDUID %d %s", uidValidity, wire.SerializeSequenceSet(uids))
	return c.resp.Tagged(cmd.Tag, response.OK, code, "APPEND completed.")
}
