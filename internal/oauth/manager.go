package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/atrium/internal/apperr"
	"github.com/haasonsaas/atrium/internal/metacache"
	"github.com/haasonsaas/atrium/pkg/models"
)

// SessionTTL bounds how long a started authorization flow may stay open.
const SessionTTL = 10 * time.Minute

// Session is the transient state of one in-flight authorization flow, keyed
// by the state parameter.
type Session struct {
	State       string
	Verifier    string
	ServerID    string
	RedirectURI string
	CreatedAt   time.Time
}

// TokenStore persists per-server token sets. SaveTokens must replace the
// whole set atomically.
type TokenStore interface {
	GetTokens(ctx context.Context, serverID string) (*models.OAuthTokens, error)
	SaveTokens(ctx context.Context, tokens *models.OAuthTokens) error
}

// ServerStore resolves servers for refresh flows.
type ServerStore interface {
	GetServer(ctx context.Context, id string) (*models.MCPServer, error)
}

// Manager drives the authorization flow for oauth-authenticated MCP servers
// and serves access tokens to the MCP client. It satisfies the client's
// TokenSource contract.
type Manager struct {
	client      *http.Client
	cache       *metacache.Cache
	tokens      TokenStore
	servers     ServerStore
	clientID    string
	redirectURI string
	logger      *slog.Logger
	now         func() time.Time

	// verified is called after a callback lands tokens, so the server gets
	// probed with its new credentials right away.
	verified func(ctx context.Context, serverID string)

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithVerifyHook registers a callback invoked after a successful token
// exchange.
func WithVerifyHook(fn func(ctx context.Context, serverID string)) Option {
	return func(m *Manager) { m.verified = fn }
}

// NewManager builds a manager. client backs all discovery and token requests;
// cache holds discovery documents; clientID and redirectURI identify this
// installation to authorization servers.
func NewManager(client *http.Client, cache *metacache.Cache, tokens TokenStore, servers ServerStore, clientID, redirectURI string, opts ...Option) *Manager {
	m := &Manager{
		client:      client,
		cache:       cache,
		tokens:      tokens,
		servers:     servers,
		clientID:    clientID,
		redirectURI: redirectURI,
		logger:      slog.Default(),
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "oauth")
	return m
}

// DiscoverMetadata returns the authorization-server metadata for an MCP
// server URL, served through the TTL cache.
func (m *Manager) DiscoverMetadata(ctx context.Context, serverURL string) (*Metadata, error) {
	v, err := m.cache.Get(ctx, serverURL, func(ctx context.Context, key string) (any, error) {
		return discoverMetadata(ctx, m.client, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metadata), nil
}

// BeginAuth starts an authorization flow for the server and returns the URL
// to send the user to.
func (m *Manager) BeginAuth(ctx context.Context, server *models.MCPServer, scope string) (string, error) {
	md, err := m.DiscoverMetadata(ctx, server.URL)
	if err != nil {
		return "", fmt.Errorf("discover metadata: %w", err)
	}

	pkce, err := GeneratePKCE()
	if err != nil {
		return "", err
	}
	state, err := GenerateState()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sweepLocked()
	m.sessions[state] = &Session{
		State:       state,
		Verifier:    pkce.Verifier,
		ServerID:    server.ID,
		RedirectURI: m.redirectURI,
		CreatedAt:   m.now(),
	}
	m.mu.Unlock()

	conf := m.config(md, scope)
	authURL := conf.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", pkce.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"))
	m.logger.Info("authorization flow started", "server_id", server.ID)
	return authURL, nil
}

// HandleCallback completes the flow on redirect: resolves the session by
// state, exchanges the code, persists the tokens, and drops the session.
// Returns the server id the tokens belong to.
func (m *Manager) HandleCallback(ctx context.Context, state, code string) (string, error) {
	m.mu.Lock()
	sess, ok := m.sessions[state]
	if ok {
		delete(m.sessions, state)
	}
	m.mu.Unlock()
	if !ok {
		return "", apperr.New(apperr.KindAuthentication, "unknown or expired oauth state")
	}
	if m.now().Sub(sess.CreatedAt) > SessionTTL {
		return "", apperr.New(apperr.KindAuthentication, "oauth session expired")
	}

	server, err := m.servers.GetServer(ctx, sess.ServerID)
	if err != nil {
		return "", fmt.Errorf("resolve server: %w", err)
	}
	md, err := m.DiscoverMetadata(ctx, server.URL)
	if err != nil {
		return "", fmt.Errorf("discover metadata: %w", err)
	}

	conf := m.config(md, "")
	tok, err := conf.Exchange(m.httpContext(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", sess.Verifier))
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuthentication, err, "code exchange failed")
	}

	if err := m.persist(ctx, sess.ServerID, tok); err != nil {
		return "", err
	}
	m.logger.Info("authorization completed", "server_id", sess.ServerID)

	if m.verified != nil {
		m.verified(ctx, sess.ServerID)
	}
	return sess.ServerID, nil
}

// AccessToken returns a current access token for the server, refreshing
// transparently when the stored one has expired.
func (m *Manager) AccessToken(ctx context.Context, serverID string) (string, error) {
	tokens, err := m.tokens.GetTokens(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("load tokens: %w", err)
	}
	if tokens.Expired(m.now()) {
		return m.Refresh(ctx, serverID)
	}
	return tokens.AccessToken, nil
}

// Refresh exchanges the stored refresh token for a new token set and
// persists it. Returns the new access token.
func (m *Manager) Refresh(ctx context.Context, serverID string) (string, error) {
	tokens, err := m.tokens.GetTokens(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("load tokens: %w", err)
	}
	if tokens.RefreshToken == "" {
		return "", apperr.New(apperr.KindAuthentication, "no refresh token for server %s", serverID)
	}

	server, err := m.servers.GetServer(ctx, serverID)
	if err != nil {
		return "", fmt.Errorf("resolve server: %w", err)
	}
	md, err := m.DiscoverMetadata(ctx, server.URL)
	if err != nil {
		return "", fmt.Errorf("discover metadata: %w", err)
	}

	conf := m.config(md, "")
	src := conf.TokenSource(m.httpContext(ctx), &oauth2.Token{RefreshToken: tokens.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return "", apperr.Wrap(apperr.KindAuthentication, err, "token refresh failed")
	}

	if err := m.persist(ctx, serverID, tok); err != nil {
		return "", err
	}
	m.logger.Info("tokens refreshed", "server_id", serverID)
	return tok.AccessToken, nil
}

// SessionCount reports the number of open authorization flows.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) config(md *Metadata, scope string) *oauth2.Config {
	conf := &oauth2.Config{
		ClientID:    m.clientID,
		RedirectURL: m.redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
	}
	if scope != "" {
		conf.Scopes = []string{scope}
	}
	return conf
}

// httpContext routes the oauth2 library's requests through the shared client.
func (m *Manager) httpContext(ctx context.Context) context.Context {
	if m.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

func (m *Manager) persist(ctx context.Context, serverID string, tok *oauth2.Token) error {
	stored := &models.OAuthTokens{
		ServerID:     serverID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
		UpdatedAt:    m.now(),
	}
	if err := m.tokens.SaveTokens(ctx, stored); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	return nil
}

// sweepLocked removes expired sessions. Caller holds m.mu.
func (m *Manager) sweepLocked() {
	cutoff := m.now().Add(-SessionTTL)
	for state, sess := range m.sessions {
		if sess.CreatedAt.Before(cutoff) {
			delete(m.sessions, state)
		}
	}
}
