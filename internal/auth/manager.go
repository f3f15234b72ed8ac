// Package auth owns the OAuth2 credential lifecycle for the Gmail API:
// loading the installed-app client configuration, persisting tokens across
// runs, refreshing expired tokens, and running the one-time interactive
// consent flow.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// SendScope is the Gmail API scope required to send mail.
const SendScope = "https://www.googleapis.com/auth/gmail.send"

// tokenExpiryBuffer is the time before actual expiry when we consider a token
// expired. This prevents using a token that is about to expire during a request.
const tokenExpiryBuffer = 5 * time.Minute

// Error is a fatal authorization failure: revoked or invalid refresh token,
// a declined consent flow, or a credential missing the send scope. The run
// aborts when one of these surfaces; no partial-credential states are retried.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("authorization failed during %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Manager is the sole owner and mutator of the run's credential.
// All methods are safe for concurrent use; the credential is never
// refreshed from two call sites at once.
type Manager struct {
	mu      sync.Mutex
	conf    *oauth2.Config
	store   TokenStore
	current *oauth2.Token
	scopes  []string

	httpClient *http.Client
	prompt     func(authURL string)
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient overrides the HTTP client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithPrompt overrides how the consent URL is presented to the operator.
func WithPrompt(fn func(authURL string)) Option {
	return func(m *Manager) { m.prompt = fn }
}

// WithEndpoint overrides the OAuth2 endpoint, used for testing.
func WithEndpoint(ep oauth2.Endpoint) Option {
	return func(m *Manager) { m.conf.Endpoint = ep }
}

// NewManager loads the OAuth2 client configuration from the given
// credentials file and returns a Manager persisting tokens to store.
func NewManager(credentialsFile string, store TokenStore, opts ...Option) (*Manager, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth client configuration: %w", err)
	}

	conf, err := google.ConfigFromJSON(data, SendScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse oauth client configuration: %w", err)
	}

	m := &Manager{
		conf:   conf,
		store:  store,
		prompt: defaultPrompt,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Token returns a valid access token for the run, loading the persisted
// credential on first use, refreshing it when expired, and falling back to
// the interactive consent flow when no usable credential exists. A token
// refreshed once is reused for every subsequent call until it expires.
func (m *Manager) Token(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenLocked(ctx)
}

// Invalidate discards the cached access token and acquires a fresh one.
// The pipeline calls this once when the transport reports an authentication
// failure; a second failure is fatal.
func (m *Manager) Invalidate(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.AccessToken = ""
		m.current.Expiry = time.Now().Add(-time.Minute)
	}
	return m.tokenLocked(ctx)
}

// tokenLocked implements the load → validate → refresh/consent → persist
// lifecycle. The caller must hold m.mu.
func (m *Manager) tokenLocked(ctx context.Context) (*oauth2.Token, error) {
	if m.current == nil {
		stored, err := m.store.Load()
		switch {
		case err == ErrNoToken:
			return m.runConsent(ctx)
		case err != nil:
			return nil, err
		}
		m.current = &oauth2.Token{
			AccessToken:  stored.AccessToken,
			TokenType:    stored.TokenType,
			RefreshToken: stored.RefreshToken,
			Expiry:       stored.Expiry,
		}
		m.scopes = stored.Scopes
		if err := m.requireSendScope(); err != nil {
			return nil, err
		}
	}

	if usable(m.current) {
		return m.current, nil
	}

	if m.current.RefreshToken == "" {
		return m.runConsent(ctx)
	}
	return m.refresh(ctx)
}

// refresh exchanges the refresh token for a new access token and persists
// the result. A refresh failure means the grant was revoked or is otherwise
// unusable, which is fatal for the run.
func (m *Manager) refresh(ctx context.Context) (*oauth2.Token, error) {
	src := m.conf.TokenSource(m.contextWithHTTPClient(ctx), m.current)
	tok, err := src.Token()
	if err != nil {
		return nil, &Error{Op: "token refresh", Err: err}
	}

	if tok.RefreshToken == "" {
		tok.RefreshToken = m.current.RefreshToken
	}
	m.current = tok

	if err := m.persist(); err != nil {
		return nil, err
	}
	return m.current, nil
}

// runConsent performs the interactive consent flow and persists the
// resulting credential. The caller must hold m.mu.
func (m *Manager) runConsent(ctx context.Context) (*oauth2.Token, error) {
	tok, granted, err := m.authorize(ctx)
	if err != nil {
		return nil, err
	}

	m.current = tok
	m.scopes = granted
	if err := m.requireSendScope(); err != nil {
		return nil, err
	}

	if err := m.persist(); err != nil {
		return nil, err
	}
	return m.current, nil
}

// persist writes the current credential to the token store.
func (m *Manager) persist() error {
	stored := &StoredToken{
		AccessToken:  m.current.AccessToken,
		TokenType:    m.current.TokenType,
		RefreshToken: m.current.RefreshToken,
		Expiry:       m.current.Expiry,
		Scopes:       m.scopes,
	}
	if err := m.store.Save(stored); err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

// requireSendScope verifies the recorded grant covers the Gmail send scope.
// Tokens persisted by older tools may not record scopes at all; those are
// accepted and left for the API to reject.
func (m *Manager) requireSendScope() error {
	if len(m.scopes) == 0 {
		slog.Warn("stored token records no scopes; the API will reject sends if the grant lacks the send scope",
			"required_scope", SendScope,
		)
		return nil
	}
	if !slices.Contains(m.scopes, SendScope) {
		return &Error{
			Op:  "scope validation",
			Err: fmt.Errorf("granted scopes %v do not include %s", m.scopes, SendScope),
		}
	}
	return nil
}

func (m *Manager) contextWithHTTPClient(ctx context.Context) context.Context {
	if m.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	return ctx
}

// usable reports whether the token can authorize a request right now,
// with a safety buffer before its declared expiry.
func usable(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return time.Now().Before(tok.Expiry.Add(-tokenExpiryBuffer))
}

// grantedScopes extracts the space-separated scope list from a token
// endpoint response.
func grantedScopes(tok *oauth2.Token) []string {
	raw, _ := tok.Extra("scope").(string)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}
