// Package session holds the authenticated session used to reach the remote
// authority.
//
// The session persists an oauth2 token as JSON (mode 0600) and hands out a
// token source that refreshes through the configured oauth2.Config and saves
// refreshed tokens back to disk. When the remote reports that the
// credentials are no longer accepted the coordinator calls Invalidate; the
// session then reports unauthenticated until a new token is saved.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// ErrNoToken is returned when no token has been saved.
var ErrNoToken = errors.New("not logged in")

// Config holds configuration for a Session.
type Config struct {
	// TokenFile is where the token is persisted
	TokenFile string

	// OAuth refreshes expired tokens and runs the login exchange.
	// nil means the token is a static bearer token.
	OAuth *oauth2.Config

	// Logger for session events
	Logger *log.Logger
}

// Session is the process-wide authentication state.
type Session struct {
	config *Config

	mu      sync.Mutex
	token   *oauth2.Token
	invalid error
}

// Open loads the session from config.TokenFile. A missing file yields an
// unauthenticated session, not an error.
func Open(config *Config) (*Session, error) {
	if config == nil || config.TokenFile == "" {
		return nil, fmt.Errorf("token file cannot be empty")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}

	s := &Session{config: config}

	tok, err := tokenFromFile(config.TokenFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		s.token = tok
	}
	return s, nil
}

// Authenticated reports whether a usable token is held: present, not
// invalidated, and either unexpired or refreshable.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usableLocked()
}

func (s *Session) usableLocked() bool {
	if s.token == nil || s.invalid != nil {
		return false
	}
	return s.token.Valid() || (s.config.OAuth != nil && s.token.RefreshToken != "")
}

// Invalidate marks the session unusable after the remote rejected its
// credentials. The token file is kept so the user can inspect it; a
// subsequent Save clears the invalid state.
func (s *Session) Invalidate(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalid == nil {
		s.config.Logger.Printf("Session invalidated: %v", reason)
	}
	if reason == nil {
		reason = syncerr.ErrAuthExpired
	}
	s.invalid = reason
}

// Err returns why the session is unusable, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.invalid != nil:
		return s.invalid
	case s.token == nil:
		return ErrNoToken
	case !s.usableLocked():
		return fmt.Errorf("%w: token expired", syncerr.ErrAuthExpired)
	}
	return nil
}

// Token returns a copy of the held token, or nil.
func (s *Session) Token() *oauth2.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == nil {
		return nil
	}
	tok := *s.token
	return &tok
}

// Save stores tok as the session token and persists it.
func (s *Session) Save(tok *oauth2.Token) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("token has no access token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := saveToken(s.config.TokenFile, tok); err != nil {
		return err
	}
	s.token = tok
	s.invalid = nil
	return nil
}

// Logout forgets the token and removes the token file.
func (s *Session) Logout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
	s.invalid = nil
	if err := os.Remove(s.config.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove token file: %w", err)
	}
	return nil
}

// TokenSource returns a source backed by the session. It fails with
// syncerr.ErrAuthExpired when the session is unusable and persists tokens
// refreshed through the oauth2 config.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &sessionSource{ctx: ctx, s: s}
}

// HTTPClient returns a client that authorizes every request with the
// session token.
func (s *Session) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, s.TokenSource(ctx))
}

// AuthCodeURL returns the URL the user visits to log in.
func (s *Session) AuthCodeURL(state string) (string, error) {
	if s.config.OAuth == nil {
		return "", fmt.Errorf("oauth is not configured")
	}
	return s.config.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline), nil
}

// Exchange trades an authorization code for a token and saves it.
func (s *Session) Exchange(ctx context.Context, code string) error {
	if s.config.OAuth == nil {
		return fmt.Errorf("oauth is not configured")
	}
	tok, err := s.config.OAuth.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("unable to exchange authorization code: %w", err)
	}
	return s.Save(tok)
}

type sessionSource struct {
	ctx context.Context
	s   *Session
}

func (src *sessionSource) Token() (*oauth2.Token, error) {
	s := src.s
	s.mu.Lock()
	if s.invalid != nil {
		defer s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", syncerr.ErrAuthExpired, s.invalid)
	}
	if s.token == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", syncerr.ErrAuthExpired, ErrNoToken)
	}
	current := *s.token
	s.mu.Unlock()

	if s.config.OAuth == nil || current.Valid() {
		return &current, nil
	}

	// Network failures while refreshing are left unclassified so the
	// gateway can tell them apart from a rejected refresh token.
	fresh, err := s.config.OAuth.TokenSource(src.ctx, &current).Token()
	if err != nil {
		return nil, err
	}

	if fresh.AccessToken != current.AccessToken || fresh.RefreshToken != current.RefreshToken {
		if err := s.storeRefreshed(&current, fresh); err != nil {
			return nil, err
		}
	}
	return fresh, nil
}

// storeRefreshed persists fresh if the session still holds prev. A session
// that was logged out or invalidated while the refresh was in flight stays
// that way.
func (s *Session) storeRefreshed(prev, fresh *oauth2.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.invalid != nil:
		return fmt.Errorf("%w: %w", syncerr.ErrAuthExpired, s.invalid)
	case s.token == nil:
		return fmt.Errorf("%w: %w", syncerr.ErrAuthExpired, ErrNoToken)
	case s.token.AccessToken != prev.AccessToken:
		// A newer token was saved meanwhile; keep it.
		return nil
	}

	s.config.Logger.Println("Token refreshed")
	if err := saveToken(s.config.TokenFile, fresh); err != nil {
		s.config.Logger.Printf("Warning: failed to persist refreshed token: %v", err)
	}
	s.token = fresh
	return nil
}

// tokenFromFile reads an oauth2.Token from a JSON file.
func tokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("failed to decode token from file %s: %w", path, err)
	}
	return tok, nil
}

// saveToken writes tok to path with owner-only permissions, replacing any
// previous file atomically.
func saveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp token file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to restrict token file: %w", err)
	}
	if err := json.NewEncoder(tmp).Encode(tok); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save token file: %w", err)
	}
	return nil
}
