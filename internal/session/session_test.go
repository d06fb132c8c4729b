package session

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

func setupSession(t *testing.T, oauth *oauth2.Config) (*Session, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auth", "token.json")
	s, err := Open(&Config{TokenFile: path, OAuth: oauth, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return s, path
}

func TestSession_SaveAndReload(t *testing.T) {
	s, path := setupSession(t, nil)
	if s.Authenticated() {
		t.Fatal("fresh session should be unauthenticated")
	}
	if !errors.Is(s.Err(), ErrNoToken) {
		t.Errorf("Err() = %v, want ErrNoToken", s.Err())
	}

	if err := s.Save(&oauth2.Token{AccessToken: "abc"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if !s.Authenticated() {
		t.Fatal("session should be authenticated after Save")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("token file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}

	reloaded, err := Open(&Config{TokenFile: path, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if tok := reloaded.Token(); tok == nil || tok.AccessToken != "abc" {
		t.Errorf("reloaded token = %+v, want abc", tok)
	}
}

func TestSession_InvalidateAndRecover(t *testing.T) {
	s, _ := setupSession(t, nil)
	if err := s.Save(&oauth2.Token{AccessToken: "abc"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	s.Invalidate(syncerr.ErrAuthExpired)
	if s.Authenticated() {
		t.Fatal("invalidated session should be unauthenticated")
	}
	if _, err := s.TokenSource(context.Background()).Token(); !errors.Is(err, syncerr.ErrAuthExpired) {
		t.Errorf("Token() error = %v, want ErrAuthExpired", err)
	}

	if err := s.Save(&oauth2.Token{AccessToken: "def"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if !s.Authenticated() {
		t.Error("saving a new token should clear the invalid state")
	}
}

func TestSession_Logout(t *testing.T) {
	s, path := setupSession(t, nil)
	if err := s.Save(&oauth2.Token{AccessToken: "abc"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if err := s.Logout(); err != nil {
		t.Fatalf("Logout() failed: %v", err)
	}
	if s.Authenticated() {
		t.Error("session should be unauthenticated after Logout")
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("token file still present: %v", err)
	}
	if err := s.Logout(); err != nil {
		t.Errorf("second Logout() failed: %v", err)
	}
}

func TestSession_ExpiredStaticTokenIsUnusable(t *testing.T) {
	s, _ := setupSession(t, nil)
	err := s.Save(&oauth2.Token{AccessToken: "abc", RefreshToken: "r", Expiry: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if s.Authenticated() {
		t.Error("expired token without an oauth config cannot refresh")
	}
}

func TestSession_RefreshPersistsToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"fresh","token_type":"Bearer","refresh_token":"r2","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	cfg := &oauth2.Config{ClientID: "tasksync", Endpoint: oauth2.Endpoint{TokenURL: tokenSrv.URL}}
	s, path := setupSession(t, cfg)
	err := s.Save(&oauth2.Token{AccessToken: "stale", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	if !s.Authenticated() {
		t.Fatal("refreshable token should count as authenticated")
	}

	tok, err := s.TokenSource(context.Background()).Token()
	if err != nil {
		t.Fatalf("Token() failed: %v", err)
	}
	if tok.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q, want fresh", tok.AccessToken)
	}

	saved, err := tokenFromFile(path)
	if err != nil {
		t.Fatalf("tokenFromFile() failed: %v", err)
	}
	if saved.AccessToken != "fresh" || saved.RefreshToken != "r2" {
		t.Errorf("persisted token = %+v, want refreshed", saved)
	}
}

func TestSession_RefreshAfterLogoutIsDiscarded(t *testing.T) {
	tests := []struct {
		name string
		end  func(s *Session)
	}{
		{"logout", func(s *Session) { s.Logout() }},
		{"invalidate", func(s *Session) { s.Invalidate(errors.New("revoked")) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requested := make(chan struct{})
			release := make(chan struct{})
			tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				close(requested)
				<-release
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, `{"access_token":"fresh","token_type":"Bearer","refresh_token":"r2","expires_in":3600}`)
			}))
			defer tokenSrv.Close()

			cfg := &oauth2.Config{ClientID: "tasksync", Endpoint: oauth2.Endpoint{TokenURL: tokenSrv.URL}}
			s, path := setupSession(t, cfg)
			err := s.Save(&oauth2.Token{AccessToken: "stale", RefreshToken: "r1", Expiry: time.Now().Add(-time.Hour)})
			if err != nil {
				t.Fatalf("Save() failed: %v", err)
			}

			errCh := make(chan error, 1)
			go func() {
				_, err := s.TokenSource(context.Background()).Token()
				errCh <- err
			}()

			<-requested
			tt.end(s)
			close(release)

			if err := <-errCh; !errors.Is(err, syncerr.ErrAuthExpired) {
				t.Errorf("Token() error = %v, want ErrAuthExpired", err)
			}
			if s.Authenticated() {
				t.Error("session should stay unauthenticated")
			}
			if tt.name == "logout" {
				if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
					t.Errorf("token file should stay removed, stat err = %v", err)
				}
			} else if saved, err := tokenFromFile(path); err != nil || saved.AccessToken != "stale" {
				t.Errorf("token file = %+v (err %v), want the stale token", saved, err)
			}
		})
	}
}

func TestSession_HTTPClientSendsBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	s, _ := setupSession(t, nil)
	if err := s.Save(&oauth2.Token{AccessToken: "abc"}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}

	resp, err := s.HTTPClient(context.Background()).Get(srv.URL)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	resp.Body.Close()
	if got != "Bearer abc" {
		t.Errorf("Authorization = %q, want Bearer abc", got)
	}
}

func TestSession_ExchangeRequiresOAuth(t *testing.T) {
	s, _ := setupSession(t, nil)
	if _, err := s.AuthCodeURL("x"); err == nil {
		t.Error("AuthCodeURL() should fail without oauth config")
	}
	if err := s.Exchange(context.Background(), "code"); err == nil {
		t.Error("Exchange() should fail without oauth config")
	}
}
