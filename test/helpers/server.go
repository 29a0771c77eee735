package helpers

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"raven/internal/db"
	"raven/internal/delivery/config"
	"raven/internal/delivery/lmtp"
	"raven/internal/server"
)

// TestIMAPServer is a running IMAP server on a loopback port, backed by a
// stub HTTPS auth service that accepts any credentials.
type TestIMAPServer struct {
	Address  string
	Listener net.Listener
	Server   *server.IMAPServer

	done       chan struct{}
	configPath string
	authSrv    *http.Server
}

// StartTestIMAPServer brings up an IMAP server on a random port with
// generated TLS certificates and an accept-anything auth stub.
func StartTestIMAPServer(t *testing.T, dbManager *db.DBManager) *TestIMAPServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	certPath, keyPath, _ := server.GenerateTestCertificates(t)

	// Auth stub: HTTPS, same certificate pair, 200 for anything.
	authCert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatalf("load auth stub certs: %v", err)
	}
	authMux := http.NewServeMux()
	authMux.HandleFunc("/auth", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	authTLS := &tls.Config{Certificates: []tls.Certificate{authCert}}
	authSrv := &http.Server{Handler: authMux, TLSConfig: authTLS}
	authLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("auth stub listen: %v", err)
	}
	go func() { _ = authSrv.Serve(tls.NewListener(authLn, authTLS)) }()

	// The server reads ./config/raven.yaml at construction; point it at
	// the stub.
	_ = os.MkdirAll("config", 0o755)
	cfgPath := filepath.Join("config", "raven.yaml")
	cfgBody := "domain: localhost\nauth_server_url: https://" + authLn.Addr().String() + "/auth\n"
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	imapServer := server.NewIMAPServer(dbManager)
	imapServer.SetTLSCertificates(certPath, keyPath)

	ts := &TestIMAPServer{
		Address:    listener.Addr().String(),
		Listener:   listener,
		Server:     imapServer,
		done:       make(chan struct{}),
		configPath: cfgPath,
		authSrv:    authSrv,
	}

	go func() {
		defer close(ts.done)
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go imapServer.HandleConnection(conn)
		}
	}()

	return ts
}

// Stop shuts the listener, the auth stub, and removes the test config.
func (s *TestIMAPServer) Stop(t *testing.T) {
	t.Helper()
	if s.Listener != nil {
		_ = s.Listener.Close()
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		t.Log("warning: IMAP server stop timed out")
	}
	if s.authSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.authSrv.Shutdown(ctx)
		cancel()
	}
	if s.configPath != "" {
		_ = os.Remove(s.configPath)
	}
}

// IMAPClient speaks enough IMAP for tests: one command in flight, tagged
// responses collected until the matching completion.
type IMAPClient struct {
	conn   net.Conn
	reader *bufio.Reader
	tagNum int
}

// ConnectIMAP dials the server, consumes the greeting, and upgrades to
// TLS when the greeting advertises STARTTLS.
func ConnectIMAP(t *testing.T, addr string) *IMAPClient {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial IMAP: %v", err)
	}
	c := &IMAPClient{conn: conn, reader: bufio.NewReader(conn)}

	greeting, err := c.ReadLine()
	if err != nil {
		_ = conn.Close()
		t.Fatalf("read greeting: %v", err)
	}
	if !strings.HasPrefix(greeting, "* OK") {
		_ = conn.Close()
		t.Fatalf("unexpected greeting: %s", greeting)
	}
	if strings.Contains(strings.ToUpper(greeting), "STARTTLS") {
		if err := c.StartTLS(); err != nil {
			_ = conn.Close()
			t.Fatalf("STARTTLS: %v", err)
		}
	}
	return c
}

// StartTLS issues STARTTLS and wraps the connection.
func (c *IMAPClient) StartTLS() error {
	responses, err := c.SendCommand("STARTTLS")
	if err != nil {
		return err
	}
	if last := responses[len(responses)-1]; !strings.Contains(last, "OK") {
		return fmt.Errorf("STARTTLS refused: %s", last)
	}
	tlsConn := tls.Client(c.conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("TLS handshake: %w", err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	return nil
}

// SendCommand tags and sends one command, returning every line up to and
// including the tagged completion.
func (c *IMAPClient) SendCommand(command string) ([]string, error) {
	c.tagNum++
	tag := fmt.Sprintf("A%03d", c.tagNum)
	if _, err := fmt.Fprintf(c.conn, "%s %s\r\n", tag, command); err != nil {
		return nil, err
	}

	var responses []string
	for {
		line, err := c.ReadLine()
		if err != nil {
			return nil, err
		}
		responses = append(responses, line)
		if strings.HasPrefix(line, tag+" ") {
			return responses, nil
		}
	}
}

func (c *IMAPClient) ReadLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *IMAPClient) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *IMAPClient) expectOK(what string, responses []string) error {
	if last := responses[len(responses)-1]; !strings.Contains(last, "OK") {
		return fmt.Errorf("%s failed: %s", what, last)
	}
	return nil
}

func (c *IMAPClient) Login(username, password string) error {
	responses, err := c.SendCommand(fmt.Sprintf("LOGIN %s %s", username, password))
	if err != nil {
		return err
	}
	return c.expectOK("login", responses)
}

func (c *IMAPClient) Select(mailbox string) error {
	responses, err := c.SendCommand("SELECT " + mailbox)
	if err != nil {
		return err
	}
	return c.expectOK("select", responses)
}

// List returns the untagged LIST lines for the given reference/pattern.
func (c *IMAPClient) List(reference, mailbox string) ([]string, error) {
	responses, err := c.SendCommand(fmt.Sprintf("LIST %q %q", reference, mailbox))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range responses {
		if strings.HasPrefix(line, "* LIST") {
			out = append(out, line)
		}
	}
	return out, nil
}

// Fetch returns the untagged FETCH lines for the given set/items.
func (c *IMAPClient) Fetch(sequence, items string) ([]string, error) {
	responses, err := c.SendCommand(fmt.Sprintf("FETCH %s %s", sequence, items))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, line := range responses {
		if strings.HasPrefix(line, "* ") && strings.Contains(line, "FETCH") {
			out = append(out, line)
		}
	}
	return out, nil
}

func (c *IMAPClient) Store(sequence, flags string) error {
	responses, err := c.SendCommand(fmt.Sprintf("STORE %s %s", sequence, flags))
	if err != nil {
		return err
	}
	return c.expectOK("store", responses)
}

func (c *IMAPClient) Logout() error {
	if _, err := c.SendCommand("LOGOUT"); err != nil {
		return err
	}
	return c.Close()
}

// StartTestLMTPServer brings up an LMTP server on a random TCP port.
func StartTestLMTPServer(t *testing.T, dbManager *db.DBManager) (addr string, srv *lmtp.Server, cleanup func()) {
	t.Helper()

	cfg := &config.Config{}
	cfg.LMTP.TCPAddress = "127.0.0.1:0"
	cfg.LMTP.Hostname = "localhost"
	cfg.LMTP.MaxSize = 1024 * 1024
	cfg.LMTP.MaxRecipients = 50
	cfg.Delivery.DefaultFolder = "INBOX"
	cfg.Delivery.AllowedDomains = []string{"example.com"}
	cfg.Delivery.RejectUnknownUser = true

	srv = lmtp.NewServer(dbManager, cfg)
	go func() { _ = srv.Start() }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if a := srv.TCPAddr(); a != nil {
			addr = a.String()
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("LMTP TCP listener did not start")
	}
	return addr, srv, func() { _ = srv.Shutdown() }
}

// LMTPClient speaks line-oriented LMTP for tests.
type LMTPClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

// ConnectLMTP dials the server and consumes the 220 greeting.
func ConnectLMTP(t *testing.T, addr string) *LMTPClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial LMTP: %v", err)
	}
	c := &LMTPClient{conn: conn, reader: bufio.NewReader(conn)}
	if _, err := c.ReadLine(); err != nil {
		_ = conn.Close()
		t.Fatalf("read LMTP greeting: %v", err)
	}
	return c
}

func (c *LMTPClient) Close() error { return c.conn.Close() }

func (c *LMTPClient) ReadLine() (string, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (c *LMTPClient) SendLine(line string) error {
	_, err := c.conn.Write([]byte(line + "\r\n"))
	return err
}

// readUntilStatus collects continuation lines (250-...) until a final
// status line, returning all of them. A 4xx/5xx final line is an error.
func (c *LMTPClient) readUntilStatus() ([]string, error) {
	var lines []string
	for {
		line, err := c.ReadLine()
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
		if len(line) >= 4 && line[3] == '-' {
			continue
		}
		if strings.HasPrefix(line, "4") || strings.HasPrefix(line, "5") {
			return lines, fmt.Errorf("server rejected: %s", line)
		}
		return lines, nil
	}
}

func (c *LMTPClient) command(line string) ([]string, error) {
	if err := c.SendLine(line); err != nil {
		return nil, err
	}
	return c.readUntilStatus()
}

func (c *LMTPClient) LHLO(domain string) ([]string, error) { return c.command("LHLO " + domain) }
func (c *LMTPClient) MAILFROM(addr string) ([]string, error) {
	return c.command("MAIL FROM:<" + addr + ">")
}
func (c *LMTPClient) RCPTTO(addr string) ([]string, error) { return c.command("RCPT TO:<" + addr + ">") }
func (c *LMTPClient) QUIT() ([]string, error)              { return c.command("QUIT") }

// DATA sends the body with dot-stuffing and returns the per-recipient
// status lines.
func (c *LMTPClient) DATA(body []byte) ([]string, error) {
	if _, err := c.command("DATA"); err != nil {
		return nil, err
	}
	for _, line := range strings.Split(string(body), "\r\n") {
		if strings.HasPrefix(line, ".") {
			line = "." + line
		}
		if err := c.SendLine(line); err != nil {
			return nil, err
		}
	}
	if err := c.SendLine("."); err != nil {
		return nil, err
	}
	return c.readUntilStatus()
}

// SASLClient speaks the Dovecot auth protocol for tests.
type SASLClient struct {
	conn   net.Conn
	reader *bufio.Reader
}

func ConnectSASL(t *testing.T, socketPath string) *SASLClient {
	t.Helper()
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial SASL socket %s: %v", socketPath, err)
	}
	return &SASLClient{conn: conn, reader: bufio.NewReader(conn)}
}

func (c *SASLClient) SendCommand(command string) {
	_, _ = c.conn.Write([]byte(command + "\n"))
}

func (c *SASLClient) ReadResponse() string {
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimRight(line, "\r\n")
}

// ReadMultipleResponses reads lines until DONE or a read timeout.
func (c *SASLClient) ReadMultipleResponses() []string {
	var responses []string
	for {
		response := c.ReadResponse()
		if response == "" {
			return responses
		}
		responses = append(responses, response)
		if strings.HasPrefix(response, "DONE") {
			return responses
		}
	}
}

func (c *SASLClient) Close() error { return c.conn.Close() }

// MockAuthServer is an HTTPS credential-check stub with a fixed response.
type MockAuthServer struct {
	*httptest.Server
}

// SetupMockAuthServer accepts any credentials.
func SetupMockAuthServer(t *testing.T) *MockAuthServer {
	return SetupMockAuthServerWithResponse(t, http.StatusOK, `{"status":"ok"}`)
}

// SetupMockAuthServerWithResponse answers every request with the given
// status and body.
func SetupMockAuthServerWithResponse(t *testing.T, statusCode int, response string) *MockAuthServer {
	t.Helper()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_, _ = w.Write([]byte(response))
	})
	return &MockAuthServer{Server: httptest.NewTLSServer(handler)}
}

// GetTestSocketPath returns a unique, short socket path under /tmp.
func GetTestSocketPath(t *testing.T, testName string) string {
	t.Helper()
	socketPath := filepath.Join("/tmp", fmt.Sprintf("raven-%s-%d.sock", testName, time.Now().UnixNano()))
	t.Cleanup(func() { _ = os.Remove(socketPath) })
	return socketPath
}

// WaitForUnixSocket blocks until the socket accepts a connection or the
// timeout elapses.
func WaitForUnixSocket(t *testing.T, socketPath string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", socketPath); err == nil {
			_ = conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("unix socket %s not available within %v", socketPath, timeout)
}
