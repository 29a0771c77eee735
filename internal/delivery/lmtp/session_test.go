package lmtp

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"raven/internal/db"
	"raven/internal/delivery/config"
	"raven/internal/delivery/storage"
)

// scriptConn is a net.Conn whose read side is a pre-written script and
// whose write side is captured for assertions.
type scriptConn struct {
	in  *bytes.Buffer
	out *bytes.Buffer
}

func newScriptConn(script string) *scriptConn {
	return &scriptConn{in: bytes.NewBufferString(script), out: &bytes.Buffer{}}
}

func (c *scriptConn) Read(b []byte) (int, error)  { return c.in.Read(b) }
func (c *scriptConn) Write(b []byte) (int, error) { return c.out.Write(b) }
func (c *scriptConn) Close() error                { return nil }
func (c *scriptConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 24}
}
func (c *scriptConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
}
func (c *scriptConn) SetDeadline(t time.Time) error      { return nil }
func (c *scriptConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *scriptConn) SetWriteDeadline(t time.Time) error { return nil }

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.LMTP.Hostname = "test.example.com"
	cfg.LMTP.MaxSize = 1024 * 1024
	cfg.LMTP.Timeout = 0
	cfg.LMTP.MaxRecipients = 10
	cfg.Delivery.AllowedDomains = nil
	cfg.Delivery.RejectUnknownUser = false
	cfg.Delivery.QuotaEnabled = false
	return cfg
}

func testStorage(t *testing.T) *storage.Storage {
	t.Helper()
	dbManager, err := db.NewDBManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewDBManager: %v", err)
	}
	t.Cleanup(func() { _ = dbManager.Close() })
	return storage.NewStorage(dbManager, nil)
}

// runScript feeds script through a fresh session and returns everything
// the server wrote.
func runScript(t *testing.T, cfg *config.Config, script string) string {
	t.Helper()
	conn := newScriptConn(script)
	_ = NewSession(conn, testStorage(t), cfg).Handle()
	return conn.out.String()
}

func TestSessionGreetingAndLHLO(t *testing.T) {
	out := runScript(t, testConfig(), "LHLO client.example.com\r\nQUIT\r\n")

	if !strings.Contains(out, "220 test.example.com LMTP Service ready") {
		t.Errorf("missing greeting: %q", out)
	}
	for _, want := range []string{"250-test.example.com", "250-PIPELINING", "250-ENHANCEDSTATUSCODES", "250-SIZE", "250 8BITMIME"} {
		if !strings.Contains(out, want) {
			t.Errorf("LHLO response missing %q", want)
		}
	}
	if !strings.Contains(out, "221 Bye") {
		t.Errorf("missing goodbye: %q", out)
	}
}

func TestSessionCommandOrdering(t *testing.T) {
	cases := []struct {
		name   string
		script string
		want   string
	}{
		{"LHLO without domain", "LHLO\r\nQUIT\r\n", "501"},
		{"MAIL before LHLO", "MAIL FROM:<a@b.com>\r\nQUIT\r\n", "503 Please send LHLO first"},
		{"RCPT before MAIL", "LHLO c\r\nRCPT TO:<a@b.com>\r\nQUIT\r\n", "503 Please send MAIL FROM first"},
		{"DATA before RCPT", "LHLO c\r\nMAIL FROM:<a@b.com>\r\nDATA\r\nQUIT\r\n", "503 Please send RCPT TO first"},
		{"duplicate sender", "LHLO c\r\nMAIL FROM:<a@b.com>\r\nMAIL FROM:<c@d.com>\r\nQUIT\r\n", "503 Sender already specified"},
		{"bad MAIL syntax", "LHLO c\r\nMAIL SENDER:<a@b.com>\r\nQUIT\r\n", "501"},
		{"bad RCPT syntax", "LHLO c\r\nMAIL FROM:<a@b.com>\r\nRCPT FOR:<c@d.com>\r\nQUIT\r\n", "501"},
		{"unknown verb", "BOGUS\r\nQUIT\r\n", "500 Command not recognized"},
		{"VRFY disabled", "VRFY alice\r\nQUIT\r\n", "252"},
		{"NOOP", "NOOP\r\nQUIT\r\n", "250 OK"},
		{"HELP", "HELP\r\nQUIT\r\n", "214"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := runScript(t, testConfig(), tc.script)
			if !strings.Contains(out, tc.want) {
				t.Errorf("want %q in output:\n%s", tc.want, out)
			}
		})
	}
}

func TestSessionRecipientLimit(t *testing.T) {
	cfg := testConfig()
	cfg.LMTP.MaxRecipients = 2

	var sb strings.Builder
	sb.WriteString("LHLO c\r\nMAIL FROM:<a@b.com>\r\n")
	for _, r := range []string{"one@x.com", "two@x.com", "three@x.com"} {
		sb.WriteString("RCPT TO:<" + r + ">\r\n")
	}
	sb.WriteString("QUIT\r\n")

	out := runScript(t, cfg, sb.String())
	if strings.Count(out, "250 2.1.5 Recipient OK") != 2 {
		t.Errorf("expected exactly 2 accepted recipients:\n%s", out)
	}
	if !strings.Contains(out, "452 Too many recipients") {
		t.Errorf("expected recipient limit rejection:\n%s", out)
	}
}

func TestSessionDomainRestriction(t *testing.T) {
	cfg := testConfig()
	cfg.Delivery.AllowedDomains = []string{"example.com"}

	out := runScript(t, cfg,
		"LHLO c\r\nMAIL FROM:<a@b.com>\r\n"+
			"RCPT TO:<ok@example.com>\r\n"+
			"RCPT TO:<no@elsewhere.org>\r\nQUIT\r\n")
	if !strings.Contains(out, "250 2.1.5 Recipient OK") {
		t.Errorf("allowed domain rejected:\n%s", out)
	}
	if !strings.Contains(out, "550 5.7.1 Relay not permitted") {
		t.Errorf("foreign domain accepted:\n%s", out)
	}
}

func TestSessionRejectUnknownUser(t *testing.T) {
	cfg := testConfig()
	cfg.Delivery.RejectUnknownUser = true

	out := runScript(t, cfg, "LHLO c\r\nMAIL FROM:<a@b.com>\r\nRCPT TO:<ghost@example.com>\r\nQUIT\r\n")
	if !strings.Contains(out, "550 5.1.1 User does not exist") {
		t.Errorf("unknown user accepted:\n%s", out)
	}
}

func TestSessionRSETClearsEnvelope(t *testing.T) {
	out := runScript(t, testConfig(),
		"LHLO c\r\nMAIL FROM:<a@b.com>\r\nRSET\r\nMAIL FROM:<c@d.com>\r\nQUIT\r\n")
	if !strings.Contains(out, "250 Reset state") {
		t.Errorf("missing RSET ack:\n%s", out)
	}
	if strings.Count(out, "250 2.1.0 Sender OK") != 2 {
		t.Errorf("second MAIL FROM after RSET should succeed:\n%s", out)
	}
}

func TestSessionFullDeliveryFlow(t *testing.T) {
	dbManager, err := db.NewDBManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewDBManager: %v", err)
	}
	defer dbManager.Close()

	shared := dbManager.GetSharedDB()
	domainID, _ := db.CreateDomain(shared, "example.com")
	userID, _ := db.CreateUser(shared, "testuser", domainID)

	cfg := testConfig()
	conn := newScriptConn(
		"LHLO client.example.com\r\n" +
			"MAIL FROM:<sender@example.com>\r\n" +
			"RCPT TO:<testuser@example.com>\r\n" +
			"DATA\r\n" +
			"From: sender@example.com\r\n" +
			"To: testuser@example.com\r\n" +
			"Date: Mon, 01 Jan 2024 12:00:00 +0000\r\n" +
			"Subject: Test Message\r\n" +
			"\r\n" +
			"This is a test message.\r\n" +
			".\r\n" +
			"QUIT\r\n")
	_ = NewSession(conn, storage.NewStorage(dbManager, nil), cfg).Handle()
	out := conn.out.String()

	for _, want := range []string{
		"250 2.1.0 Sender OK",
		"250 2.1.5 Recipient OK",
		"354 Start mail input",
		"250 2.0.0 Message accepted for delivery to <testuser@example.com>",
		"221 Bye",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}

	// The message must land in the recipient's INBOX.
	userDB, err := dbManager.GetUserDB(userID)
	if err != nil {
		t.Fatalf("GetUserDB: %v", err)
	}
	inboxID, err := db.GetMailboxByName(userDB, userID, "INBOX")
	if err != nil {
		t.Fatalf("GetMailboxByName: %v", err)
	}
	if n, _ := db.GetMessageCount(userDB, inboxID); n != 1 {
		t.Errorf("INBOX message count = %d, want 1", n)
	}
}

func TestSessionDotStuffingAndTermination(t *testing.T) {
	dbManager, err := db.NewDBManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewDBManager: %v", err)
	}
	defer dbManager.Close()
	shared := dbManager.GetSharedDB()
	domainID, _ := db.CreateDomain(shared, "example.com")
	userID, _ := db.CreateUser(shared, "dot", domainID)

	conn := newScriptConn(
		"LHLO c\r\nMAIL FROM:<a@example.com>\r\nRCPT TO:<dot@example.com>\r\nDATA\r\n" +
			"From: a@example.com\r\nTo: dot@example.com\r\nDate: Mon, 01 Jan 2024 12:00:00 +0000\r\nSubject: dots\r\n\r\n" +
			"..leading dot line\r\n" +
			"normal line\r\n" +
			".\r\nQUIT\r\n")
	_ = NewSession(conn, storage.NewStorage(dbManager, nil), testConfig()).Handle()

	if !strings.Contains(conn.out.String(), "250 2.0.0 Message accepted") {
		t.Fatalf("delivery failed:\n%s", conn.out.String())
	}

	userDB, _ := dbManager.GetUserDB(userID)
	inboxID, _ := db.GetMailboxByName(userDB, userID, "INBOX")
	rows, err := db.ListMailboxMessages(userDB, inboxID)
	if err != nil || len(rows) != 1 {
		t.Fatalf("rows = %v, %v", rows, err)
	}
	raw, err := db.GetRawMessage(userDB, rows[0].RawBlobID)
	if err != nil {
		t.Fatalf("GetRawMessage: %v", err)
	}
	if !strings.Contains(string(raw), "\r\n.leading dot line\r\n") {
		t.Errorf("dot-stuffing not undone: %q", raw)
	}
	if strings.Contains(string(raw), "\r\n..leading dot line") {
		t.Errorf("stuffed dot survived: %q", raw)
	}
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		args   string
		prefix string
		want   string
		ok     bool
	}{
		{"FROM:<a@b.com>", "FROM:", "a@b.com", true},
		{"FROM: <a@b.com>", "FROM:", "a@b.com", true},
		{"FROM:a@b.com", "FROM:", "a@b.com", true},
		{"FROM:<a@b.com> SIZE=1000", "FROM:", "a@b.com", true},
		{"from:<a@b.com>", "FROM:", "a@b.com", true},
		{"TO:<c@d.com>", "TO:", "c@d.com", true},
		{"SENDER:<a@b.com>", "FROM:", "", false},
	}
	for _, tc := range cases {
		got, err := parsePath(tc.args, tc.prefix)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("parsePath(%q) = %q, %v; want %q", tc.args, got, err, tc.want)
		}
		if !tc.ok && err == nil {
			t.Errorf("parsePath(%q) should fail", tc.args)
		}
	}
}
