package lmtp

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"raven/internal/delivery/config"
	"raven/internal/delivery/parser"
	"raven/internal/delivery/storage"
)

// errQuit signals a clean QUIT so Handle can distinguish it from a real
// transport failure.
var errQuit = errors.New("client quit")

// Session drives one LMTP connection: LHLO, envelope collection, DATA
// with per-recipient delivery status, until QUIT or disconnect.
type Session struct {
	conn       net.Conn
	reader     *bufio.Reader
	writer     *bufio.Writer
	storage    *storage.Storage
	config     *config.Config
	mailFrom   string
	recipients []string
	helo       string
}

func NewSession(conn net.Conn, stor *storage.Storage, cfg *config.Config) *Session {
	return &Session{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		writer:  bufio.NewWriter(conn),
		storage: stor,
		config:  cfg,
	}
}

func (s *Session) resetDeadline() {
	if s.config.LMTP.Timeout > 0 {
		s.conn.SetDeadline(time.Now().Add(time.Duration(s.config.LMTP.Timeout) * time.Second))
	}
}

// Handle runs the command loop until QUIT, a read error, or timeout.
func (s *Session) Handle() error {
	s.resetDeadline()
	if err := s.reply(220, "%s LMTP Service ready", s.config.LMTP.Hostname); err != nil {
		return err
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read error: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		log.Printf("lmtp: C: %s", line)

		verb, args := line, ""
		if i := strings.IndexByte(line, ' '); i >= 0 {
			verb, args = line[:i], line[i+1:]
		}

		if err := s.dispatch(strings.ToUpper(verb), args); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			log.Printf("lmtp: command error: %v", err)
		}
		s.resetDeadline()
	}
}

func (s *Session) dispatch(verb, args string) error {
	switch verb {
	case "LHLO":
		return s.handleLHLO(args)
	case "MAIL":
		return s.handleMAIL(args)
	case "RCPT":
		return s.handleRCPT(args)
	case "DATA":
		return s.handleDATA()
	case "RSET":
		s.resetEnvelope()
		return s.reply(250, "Reset state")
	case "NOOP":
		return s.reply(250, "OK")
	case "QUIT":
		s.reply(221, "Bye")
		return errQuit
	case "VRFY":
		// Disabled deliberately; don't leak the user base.
		return s.reply(252, "Cannot VRFY user, but will accept message")
	case "HELP":
		return s.reply(214, "Commands: LHLO MAIL RCPT DATA RSET NOOP QUIT")
	default:
		return s.reply(500, "Command not recognized")
	}
}

func (s *Session) resetEnvelope() {
	s.mailFrom = ""
	s.recipients = nil
}

func (s *Session) handleLHLO(args string) error {
	if args == "" {
		return s.reply(501, "LHLO requires domain address")
	}
	s.helo = args

	for _, line := range []string{
		fmt.Sprintf("250-%s", s.config.LMTP.Hostname),
		"250-PIPELINING",
		"250-ENHANCEDSTATUSCODES",
		fmt.Sprintf("250-SIZE %d", s.config.LMTP.MaxSize),
		"250 8BITMIME",
	} {
		if err := s.writeLine(line); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleMAIL(args string) error {
	if s.helo == "" {
		return s.reply(503, "Please send LHLO first")
	}
	if s.mailFrom != "" {
		return s.reply(503, "Sender already specified")
	}
	from, err := parsePath(args, "FROM:")
	if err != nil {
		return s.reply(501, "Invalid MAIL FROM syntax: %v", err)
	}
	s.mailFrom = from
	return s.reply(250, "2.1.0 Sender OK")
}

func (s *Session) handleRCPT(args string) error {
	if s.mailFrom == "" {
		return s.reply(503, "Please send MAIL FROM first")
	}
	if len(s.recipients) >= s.config.LMTP.MaxRecipients {
		return s.reply(452, "Too many recipients")
	}
	to, err := parsePath(args, "TO:")
	if err != nil {
		return s.reply(501, "Invalid RCPT TO syntax: %v", err)
	}

	if len(s.config.Delivery.AllowedDomains) > 0 {
		domain, err := parser.ExtractDomain(to)
		if err != nil {
			return s.reply(550, "5.1.1 Invalid recipient address")
		}
		if !contains(s.config.Delivery.AllowedDomains, domain) {
			return s.reply(550, "5.7.1 Relay not permitted")
		}
	}

	if s.config.Delivery.RejectUnknownUser {
		exists, err := s.storage.CheckRecipientExists(to)
		if err != nil {
			log.Printf("lmtp: recipient check: %v", err)
			return s.reply(450, "4.3.0 Temporary failure")
		}
		if !exists {
			return s.reply(550, "5.1.1 User does not exist")
		}
	}

	s.recipients = append(s.recipients, to)
	return s.reply(250, "2.1.5 Recipient OK")
}

func (s *Session) handleDATA() error {
	if s.mailFrom == "" {
		return s.reply(503, "Please send MAIL FROM first")
	}
	if len(s.recipients) == 0 {
		return s.reply(503, "Please send RCPT TO first")
	}
	if err := s.reply(354, "Start mail input; end with <CRLF>.<CRLF>"); err != nil {
		return err
	}

	data, err := parser.ReadDataCommand(s.reader, s.config.LMTP.MaxSize)
	if err != nil {
		return s.reply(554, "Error reading message: %v", err)
	}
	msg, err := parser.ParseMessageFromBytes(data)
	if err != nil {
		return s.reply(554, "Error parsing message: %v", err)
	}
	if err := parser.ValidateMessage(msg, s.config.LMTP.MaxSize); err != nil {
		return s.reply(554, "Message validation failed: %v", err)
	}

	if s.config.Delivery.QuotaEnabled {
		for _, recipient := range s.recipients {
			username, err := parser.ExtractLocalPart(recipient)
			if err != nil {
				continue
			}
			if err := s.storage.CheckQuota(username, msg.Size, s.config.Delivery.QuotaLimit); err != nil {
				log.Printf("lmtp: quota check for %s: %v", recipient, err)
			}
		}
	}

	// LMTP requires one status line per accepted recipient, in RCPT order.
	results := s.storage.DeliverToMultipleRecipients(s.recipients, msg, s.config.Delivery.DefaultFolder)
	for _, recipient := range s.recipients {
		if err := results[recipient]; err != nil {
			log.Printf("lmtp: delivery to %s failed: %v", recipient, err)
			s.reply(550, "5.3.0 Delivery failed for <%s>: %v", recipient, err)
		} else {
			s.reply(250, "2.0.0 Message accepted for delivery to <%s>", recipient)
		}
	}

	s.resetEnvelope()
	return nil
}

// parsePath extracts the address from "FROM:<a@b>" / "TO:<a@b>" argument
// forms, tolerating a space after the colon, missing angle brackets, and
// trailing ESMTP parameters (SIZE=...).
func parsePath(args, prefix string) (string, error) {
	args = strings.TrimSpace(args)
	if len(args) < len(prefix) || !strings.EqualFold(args[:len(prefix)], prefix) {
		return "", fmt.Errorf("expected %s", prefix)
	}
	args = strings.TrimSpace(args[len(prefix):])
	args = strings.TrimPrefix(args, "<")
	args = strings.TrimSuffix(args, ">")
	if fields := strings.Fields(args); len(fields) > 0 {
		return strings.TrimSuffix(fields[0], ">"), nil
	}
	return args, nil
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func (s *Session) reply(code int, format string, args ...interface{}) error {
	return s.writeLine(fmt.Sprintf("%d %s", code, fmt.Sprintf(format, args...)))
}

func (s *Session) writeLine(line string) error {
	log.Printf("lmtp: S: %s", line)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		return err
	}
	return s.writer.Flush()
}
