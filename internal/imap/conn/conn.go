// Package conn implements the per-connection state machine:
// greeting, state transitions, the command loop, and the glue between the
// wire-level parser/response packages and a backend.Session.
package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"time"

	"raven/internal/imap/backend"
	"raven/internal/imap/command"
	"raven/internal/imap/response"
	"raven/internal/imap/selected"
	"raven/internal/imap/wire"
)

// State names one of the four RFC 3501 connection states.
type State int

const (
	NotAuthenticated State = iota
	Authenticated
	Selected
	Logout
)

func (s State) String() string {
	switch s {
	case NotAuthenticated:
		return "not authenticated"
	case Authenticated:
		return "authenticated"
	case Selected:
		return "selected"
	default:
		return "logout"
	}
}

// Authenticator resolves credentials into a backend.Session. It is the
// server's login hook: callers wire it to
// whichever backend (internal/backend/memory, internal/backend/sqlite) is
// in play. Bearer is only called when the AUTHENTICATE BEARER mechanism is
// enabled; it receives the raw token bytes already base64-decoded.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (backend.Session, error)
	Bearer(ctx context.Context, token []byte) (backend.Session, error)
}

// Options configures a Conn's behavior.
type Options struct {
	Hostname           string
	StartTLSEnabled    bool
	RejectInsecureAuth bool
	Preauth            bool // transport already authenticated; greet PREAUTH
	MaxAppendLen       int64
	BadCommandLimit    int
	AuthFailureLimit   int
	DisableIdle        bool
	TLSConfig          *tls.Config
	IdleMaxDuration    time.Duration // 0 defaults to 29 minutes per RFC 2177
}

func (o Options) idleMax() time.Duration {
	if o.IdleMaxDuration > 0 {
		return o.IdleMaxDuration
	}
	return 29 * time.Minute
}

// Conn drives one client connection end to end. It owns the network
// socket, the current state, the selected-mailbox view (if any), and the
// bad-command counter.
type Conn struct {
	netConn net.Conn
	reader  *bufio.Reader
	writer  *bufio.Writer
	resp    *response.Builder
	auth    Authenticator
	opts    Options

	state        State
	session      backend.Session
	username     string
	tlsActive    bool
	badCommands  int
	authFailures int

	mailboxName string
	mailbox     backend.Mailbox
	view        *selected.View
	readOnly    bool
}

// New wraps netConn in a Conn ready to Serve.
func New(netConn net.Conn, auth Authenticator, opts Options) *Conn {
	reader := bufio.NewReader(netConn)
	writer := bufio.NewWriter(netConn)
	c := &Conn{
		netConn: netConn,
		reader:  reader,
		writer:  writer,
		resp:    response.NewBuilder(writer),
		auth:    auth,
		opts:    opts,
		state:   NotAuthenticated,
	}
	if _, ok := netConn.(*tls.Conn); ok {
		c.tlsActive = true
	}
	if opts.Preauth {
		c.state = Authenticated
	}
	return c
}

// Serve runs the greeting and command loop until LOGOUT, a fatal error,
// or ctx cancellation. It always closes netConn before returning.
func (c *Conn) Serve(ctx context.Context) error {
	defer c.netConn.Close()

	if err := c.resp.Greeting(c.opts.Preauth, c.capabilities(), "Server ready "+c.opts.Hostname); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	for c.state != Logout {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.flushSelectedUpdates(ctx); err != nil {
			if err == selected.ErrUIDValidityChanged {
				c.resp.Bye("UID validity changed, closing mailbox.")
				c.closeSelected(ctx)
				c.state = Authenticated
				c.writer.Flush()
				continue
			}
			return err
		}

		params := wire.Params{MaxLiteral: c.opts.MaxAppendLen, LiteralPlus: true}
		parser := command.NewParser(c.reader, params, func(text string) error {
			if err := c.resp.Continuation(text); err != nil {
				return err
			}
			return c.writer.Flush()
		})

		cmd, err := parser.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return err
			}
			if werr := c.handleBadCommand("invalid command syntax"); werr != nil {
				return werr
			}
			continue
		}

		if !c.commandLegal(cmd.Kind) {
			c.badCommands = 0 // legality failures don't count toward the BAD storm limit
			if err := c.resp.Tagged(cmd.Tag, response.NO, "CLIENTBUG", fmt.Sprintf("%s not allowed in %s state", cmd.Kind, c.state)); err != nil {
				return err
			}
			if err := c.writer.Flush(); err != nil {
				return err
			}
			continue
		}
		c.badCommands = 0

		if err := c.dispatch(ctx, cmd); err != nil {
			return err
		}
		if err := c.writer.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) handleBadCommand(text string) error {
	c.badCommands++
	if err := c.resp.Tagged("*", response.BAD, "", text); err != nil {
		return err
	}
	if c.opts.BadCommandLimit > 0 && c.badCommands >= c.opts.BadCommandLimit {
		c.resp.Bye("Too many bad commands.")
		c.writer.Flush()
		c.state = Logout
		return nil
	}
	return c.writer.Flush()
}

// capabilities computes the current CAPABILITY list, reshaped by TLS
// state: STARTTLS stops being advertised once TLS is active.
func (c *Conn) capabilities() []string {
	var base []string
	if c.session != nil {
		base = c.session.Capabilities()
	} else {
		base = []string{"IMAP4rev1", "STARTTLS", "AUTH=PLAIN", "AUTH=BEARER", "IDLE", "NAMESPACE", "UIDPLUS", "LITERAL+", "BINARY", "MULTIAPPEND", "ENABLE"}
	}
	out := make([]string, 0, len(base))
	for _, capability := range base {
		if capability == "STARTTLS" && (c.tlsActive || !c.opts.StartTLSEnabled) {
			continue
		}
		if capability == "IDLE" && c.opts.DisableIdle {
			continue
		}
		if strings.HasPrefix(capability, "AUTH=") && c.opts.RejectInsecureAuth && !c.tlsActive {
			continue
		}
		out = append(out, capability)
	}
	if c.opts.MaxAppendLen > 0 {
		out = append(out, fmt.Sprintf("APPENDLIMIT=%d", c.opts.MaxAppendLen))
	}
	return out
}

// commandLegal enforces the RFC 3501 §6 command-state table.
func (c *Conn) commandLegal(kind command.Kind) bool {
	switch kind {
	case command.KindCapability, command.KindNoop, command.KindLogout:
		return true
	case command.KindStartTLS, command.KindAuthenticate, command.KindLogin:
		return c.state == NotAuthenticated
	case command.KindSelect, command.KindExamine, command.KindCreate, command.KindDelete,
		command.KindRename, command.KindSubscribe, command.KindUnsubscribe, command.KindList,
		command.KindLsub, command.KindStatus, command.KindAppend, command.KindNamespace:
		return c.state == Authenticated || c.state == Selected
	case command.KindCheck, command.KindClose, command.KindUnselect, command.KindExpunge,
		command.KindSearch, command.KindFetch, command.KindStore, command.KindCopy, command.KindIdle:
		return c.state == Selected
	default:
		return false
	}
}

func (c *Conn) flushSelectedUpdates(ctx context.Context) error {
	if c.state != Selected || c.view == nil {
		return nil
	}
	snap, err := c.mailbox.Snapshot(ctx)
	if err != nil {
		if berr, ok := err.(*backend.Error); ok {
			log.Printf("imap: snapshot error: %v", berr)
			return nil
		}
		return err
	}
	updates, err := c.view.Fork(snap)
	if err != nil {
		return err
	}
	return c.resp.FlushUpdates(translateUpdates(updates))
}

func translateUpdates(updates []selected.Update) []response.Update {
	out := make([]response.Update, 0, len(updates))
	for _, u := range updates {
		ru := response.Update{Seq: u.Seq, Count: u.Count}
		switch u.Kind {
		case selected.UpdateExpunge:
			ru.Kind = response.KindExpunge
		case selected.UpdateExists:
			ru.Kind = response.KindExists
		case selected.UpdateRecent:
			ru.Kind = response.KindRecent
		case selected.UpdateFetch:
			ru.Kind = response.KindFetch
			ru.Items = fmt.Sprintf("UID %s FLAGS %s", wire.SerializeNumber(u.UID), response.RenderFlags(u.Flags))
		}
		out = append(out, ru)
	}
	return out
}

func (c *Conn) closeSelected(ctx context.Context) {
	if c.mailbox != nil {
		c.mailbox.Close(ctx)
	}
	c.mailbox = nil
	c.view = nil
	c.mailboxName = ""
}
