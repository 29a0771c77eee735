package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"raven/internal/backend/sqlite"
	"raven/internal/imap/backend"
	"raven/internal/sasl"
)

// Authenticator is internal/imap/conn.Authenticator, restated here so this
// file documents the contract it implements without importing conn just
// for the type name.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (backend.Session, error)
	Bearer(ctx context.Context, token []byte) (backend.Session, error)
}

// httpAuthenticator verifies credentials against the configured auth
// server over HTTPS, then resolves a sqlite-backed session for the (now
// trusted) username.
type httpAuthenticator struct {
	backend   *sqlite.Backend
	domain    string
	authURL   string
	jwtSecret string
	client    *http.Client
}

func (a *httpAuthenticator) httpClient() *http.Client {
	if a.client != nil {
		return a.client
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// email normalizes a LOGIN username into the email form the auth server
// expects: bare usernames are qualified with the configured domain,
// already-qualified ones pass through unchanged.
func (a *httpAuthenticator) email(username string) string {
	if strings.Contains(username, "@") {
		return username
	}
	return username + "@" + a.domain
}

func (a *httpAuthenticator) Login(ctx context.Context, username, password string) (backend.Session, error) {
	if a.authURL == "" {
		return nil, backend.NewError(backend.CodeInternal, "", "authentication service not configured")
	}
	email := a.email(username)

	body, err := json.Marshal(struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}{Email: email, Password: password})
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.authURL, bytes.NewReader(body))
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "", "internal error", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return nil, backend.WrapError(backend.CodeInternal, "UNAVAILABLE", "authentication service unavailable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, backend.NewError(backend.CodeInvalidAuth, "AUTHENTICATIONFAILED", "invalid credentials")
	}

	return sqlite.NewSession(ctx, a.backend, email, a.domain)
}

// Bearer verifies a SASL BEARER (RFC 7628-style OAuth bearer) token as a
// signed JWT whose subject names the mailbox user, rather than round
// tripping to the HTTP auth server. The mechanism is scoped entirely to
// connection login.
func (a *httpAuthenticator) Bearer(ctx context.Context, token []byte) (backend.Session, error) {
	if a.jwtSecret == "" {
		return nil, backend.NewError(backend.CodeInvalidAuth, "", "BEARER mechanism not configured")
	}
	subject, err := sasl.ParseBearerAssertion(string(token), a.jwtSecret)
	if err != nil {
		return nil, backend.WrapError(backend.CodeInvalidAuth, "AUTHENTICATIONFAILED", "invalid bearer token", err)
	}
	return sqlite.NewSession(ctx, a.backend, subject, a.domain)
}
