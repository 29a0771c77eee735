package conn

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"strings"

	"raven/internal/imap/backend"
	"raven/internal/imap/command"
	"raven/internal/imap/response"
)

func (c *Conn) handleLogin(ctx context.Context, cmd *command.Command) error {
	if c.opts.RejectInsecureAuth && !c.tlsActive {
		return c.tagBackendError(cmd.Tag, backend.NewError(backend.CodeInvalidAuth, "AUTHENTICATIONFAILED", "plaintext LOGIN disabled before STARTTLS"))
	}
	session, err := c.auth.Login(ctx, cmd.Login.Username, cmd.Login.Password)
	if err != nil {
		return c.authFailed(cmd.Tag, err)
	}
	c.session = session
	c.username = cmd.Login.Username
	c.state = Authenticated
	return c.tagOK(cmd.Tag, "LOGIN completed.")
}

// authFailed records a failed LOGIN/AUTHENTICATE attempt, tags the
// failure, and disconnects with BYE once opts.AuthFailureLimit consecutive
// failures have accumulated.
func (c *Conn) authFailed(tag string, err error) error {
	c.authFailures++
	var tagErr error
	if berr, ok := err.(*backend.Error); ok {
		tagErr = c.tagBackendError(tag, berr)
	} else {
		tagErr = c.tagBackendError(tag, backend.WrapError(backend.CodeInvalidAuth, "AUTHENTICATIONFAILED", "login failed", err))
	}
	if tagErr != nil {
		return tagErr
	}
	if c.opts.AuthFailureLimit > 0 && c.authFailures >= c.opts.AuthFailureLimit {
		if err := c.resp.Bye("Too many authentication failures."); err != nil {
			return err
		}
		c.writer.Flush()
		c.state = Logout
	}
	return nil
}

// handleAuthenticate supports PLAIN (RFC 4616) and BEARER, both as an
// inline initial response (AUTHENTICATE PLAIN <base64>) since the parser
// already captured it; a client that omits the initial response is asked
// for one via a continuation and the next line off the wire is read
// directly here, bypassing the command parser (SASL payloads are not IMAP
// grammar).
func (c *Conn) handleAuthenticate(ctx context.Context, cmd *command.Command) error {
	args := cmd.Authenticate
	initial := args.Initial
	if initial == nil {
		if err := c.resp.Continuation(""); err != nil {
			return err
		}
		if err := c.writer.Flush(); err != nil {
			return err
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "*" {
			return c.tagBackendError(cmd.Tag, backend.NewError(backend.CodeInvalidAuth, "", "authentication cancelled"))
		}
		decoded, derr := base64.StdEncoding.DecodeString(line)
		if derr != nil {
			return c.tagBackendError(cmd.Tag, backend.NewError(backend.CodeInvalidAuth, "AUTHENTICATIONFAILED", "malformed SASL response"))
		}
		initial = decoded
	} else {
		decoded, derr := base64.StdEncoding.DecodeString(string(initial))
		if derr != nil {
			return c.tagBackendError(cmd.Tag, backend.NewError(backend.CodeInvalidAuth, "AUTHENTICATIONFAILED", "malformed SASL response"))
		}
		initial = decoded
	}

	var session backend.Session
	var err error
	switch args.Mechanism {
	case "PLAIN":
		username, password, perr := decodePlain(initial)
		if perr != nil {
			return c.tagBackendError(cmd.Tag, backend.NewError(backend.CodeInvalidAuth, "AUTHENTICATIONFAILED", "malformed PLAIN response"))
		}
		if c.opts.RejectInsecureAuth && !c.tlsActive {
			return c.tagBackendError(cmd.Tag, backend.NewError(backend.CodeInvalidAuth, "AUTHENTICATIONFAILED", "plaintext AUTH disabled before STARTTLS"))
		}
		session, err = c.auth.Login(ctx, username, password)
		c.username = username
	case "BEARER":
		session, err = c.auth.Bearer(ctx, initial)
	default:
		return c.tagBackendError(cmd.Tag, backend.NewError(backend.CodeInvalidAuth, "", "unsupported SASL mechanism"))
	}
	if err != nil {
		return c.authFailed(cmd.Tag, err)
	}
	c.session = session
	c.state = Authenticated
	return c.tagOK(cmd.Tag, "AUTHENTICATE completed.")
}

// decodePlain parses the SASL PLAIN message: authzid NUL authcid NUL
// passwd. authzid is accepted but ignored; the mailbox identity is
// authcid.
func decodePlain(msg []byte) (username, password string, err error) {
	parts := strings.SplitN(string(msg), "\x00", 3)
	if len(parts) != 3 {
		return "", "", backend.NewError(backend.CodeInvalidAuth, "", "malformed PLAIN message")
	}
	return parts[1], parts[2], nil
}

func (c *Conn) handleStartTLS(cmd *command.Command) error {
	if c.tlsActive {
		return c.resp.Tagged(cmd.Tag, response.BAD, "", "TLS already active")
	}
	if c.opts.TLSConfig == nil {
		return c.resp.Tagged(cmd.Tag, response.NO, "", "STARTTLS not available")
	}
	if err := c.tagOK(cmd.Tag, "Begin TLS negotiation now."); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	tlsConn := tls.Server(c.netConn, c.opts.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	c.netConn = tlsConn
	c.reader.Reset(tlsConn)
	c.writer.Reset(tlsConn)
	c.tlsActive = true
	return nil
}
