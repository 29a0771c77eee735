// Package server is the listener and connection supervisor: it owns the
// plaintext/STARTTLS and implicit-TLS TCP listeners, the TLS certificate
// pair, and the per-connection goroutine fan-out onto internal/imap/conn.
// Everything protocol-shaped (commands, the state machine, the selected
// view) lives in internal/imap; this package only gets bytes onto a wire
// and a backend.Session behind an authenticated connection.
package server

import (
	"context"
	"crypto/tls"
	"log"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"raven/internal/backend/sqlite"
	"raven/internal/conf"
	"raven/internal/db"
	"raven/internal/imap/conn"
)

// IMAPServer wires configuration, the sqlite backend, and the HTTP
// authenticator into ready-to-serve connections.
type IMAPServer struct {
	backend  *sqlite.Backend
	certPath string
	keyPath  string

	cfg *conf.Config
}

// NewIMAPServer builds a server over dbManager's sharded databases: the
// shared directory resolves accounts, each session then works against its
// user's own mailstore file.
func NewIMAPServer(dbManager *db.DBManager) *IMAPServer {
	s := &IMAPServer{
		backend:  sqlite.NewBackend(dbManager),
		certPath: "/certs/fullchain.pem",
		keyPath:  "/certs/privkey.pem",
	}
	if cfg, err := conf.LoadConfig(); err == nil {
		s.cfg = cfg
	}
	return s
}

// SetTLSCertificates overrides the default certificate paths (tests point
// these at a generated self-signed pair).
func (s *IMAPServer) SetTLSCertificates(certPath, keyPath string) {
	s.certPath = certPath
	s.keyPath = keyPath
}

func (s *IMAPServer) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func (s *IMAPServer) authenticator() Authenticator {
	domain, authURL, secret := "localhost", "", ""
	if s.cfg != nil {
		domain, authURL, secret = s.cfg.Domain, s.cfg.AuthServerURL, s.cfg.IMAP.BearerJWTSecret
	}
	return &httpAuthenticator{
		backend:   s.backend,
		domain:    domain,
		authURL:   authURL,
		jwtSecret: secret,
	}
}

func (s *IMAPServer) connOptions() conn.Options {
	opts := conn.Options{
		Hostname:        "raven",
		StartTLSEnabled: true,
		MaxAppendLen:     0,
		BadCommandLimit:  5,
		AuthFailureLimit: 3,
	}
	if s.cfg != nil {
		opts.Hostname = firstNonEmpty(s.cfg.IMAP.Hostname, firstNonEmpty(s.cfg.Domain, opts.Hostname))
		opts.StartTLSEnabled = s.cfg.IMAP.StartTLSEnabled
		opts.RejectInsecureAuth = s.cfg.IMAP.RejectInsecureAuth
		opts.MaxAppendLen = s.cfg.IMAP.MaxAppendLen
		opts.BadCommandLimit = s.cfg.IMAP.BadCommandLimit
		opts.AuthFailureLimit = s.cfg.IMAP.AuthFailureLimit
		opts.DisableIdle = s.cfg.IMAP.DisableIdle
	}
	if tlsCfg, err := s.tlsConfig(); err == nil {
		opts.TLSConfig = tlsCfg
	} else {
		opts.StartTLSEnabled = false
	}
	return opts
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// HandleConnection drives one accepted connection end to end until
// LOGOUT, a fatal error, or the connection's own idle timeout.
func (s *IMAPServer) HandleConnection(netConn net.Conn) {
	netConn.SetDeadline(time.Now().Add(30 * time.Minute))
	c := conn.New(netConn, s.authenticator(), s.connOptions())
	if err := c.Serve(context.Background()); err != nil {
		log.Printf("imap: connection from %s ended: %v", netConn.RemoteAddr(), err)
	}
}

// ListenAndServe runs the plaintext/STARTTLS listener on plainAddr and the
// implicit-TLS listener on tlsAddr (either may be empty to skip it),
// supervised by an errgroup so a fatal accept error on either listener
// brings both down together.
func (s *IMAPServer) ListenAndServe(ctx context.Context, plainAddr, tlsAddr string) error {
	g, ctx := errgroup.WithContext(ctx)

	if plainAddr != "" {
		ln, err := net.Listen("tcp", plainAddr)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.serve(ctx, ln) })
	}
	if tlsAddr != "" {
		tlsCfg, err := s.tlsConfig()
		if err != nil {
			return err
		}
		ln, err := tls.Listen("tcp", tlsAddr, tlsCfg)
		if err != nil {
			return err
		}
		g.Go(func() error { return s.serve(ctx, ln) })
	}
	return g.Wait()
}

func (s *IMAPServer) serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go s.HandleConnection(netConn)
	}
}
