package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 16 << 20

// HTTPGateway talks to the remote authority over HTTP.
//
// The http.Client is expected to carry authorization, typically one built by
// oauth2.NewClient from the session's token source.
type HTTPGateway struct {
	base      *url.URL
	client    *http.Client
	userAgent string
}

// NewHTTPGateway returns a gateway rooted at baseURL.
func NewHTTPGateway(baseURL string, client *http.Client) (*HTTPGateway, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("remote base URL must be http or https, got %q", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPGateway{base: base, client: client, userAgent: "tasksync"}, nil
}

type applyRequest struct {
	Groups []ChangeGroup `json:"groups"`
}

type applyResponse struct {
	Results map[string]AckResult `json:"results"`
}

// ApplyChanges implements Gateway.
func (g *HTTPGateway) ApplyChanges(ctx context.Context, groups []ChangeGroup) (map[string]AckResult, error) {
	body, err := json.Marshal(applyRequest{Groups: groups})
	if err != nil {
		return nil, fmt.Errorf("failed to encode changes: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint("/v1/changes/apply", nil), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build apply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var resp applyResponse
	if err := g.do(req, &resp); err != nil {
		return nil, fmt.Errorf("apply changes: %w", err)
	}
	if resp.Results == nil {
		resp.Results = map[string]AckResult{}
	}
	return resp.Results, nil
}

// FetchChanges implements Gateway.
func (g *HTTPGateway) FetchChanges(ctx context.Context, cursor string) (*ChangeSet, error) {
	query := url.Values{}
	query.Set("cursor", cursor)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint("/v1/changes", query), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	var set ChangeSet
	if err := g.do(req, &set); err != nil {
		return nil, fmt.Errorf("fetch changes: %w", err)
	}
	for i := range set.Entities {
		if err := set.Entities[i].Validate(); err != nil {
			return nil, fmt.Errorf("fetch changes: %w: %w", syncerr.ErrRemoteProtocol, err)
		}
	}
	return &set, nil
}

func (g *HTTPGateway) endpoint(path string, query url.Values) string {
	u := *g.base
	u.Path = g.base.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// do sends req and decodes a JSON response into out. Every error is
// classified with a syncerr sentinel.
func (g *HTTPGateway) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", g.userAgent)

	resp, err := g.client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %w", syncerr.ErrTransientNetwork, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, data)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", syncerr.ErrRemoteProtocol, err)
	}
	return nil
}

// statusError maps an HTTP status to the error taxonomy.
func statusError(code int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}

	var kind error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		kind = syncerr.ErrAuthExpired
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		kind = syncerr.ErrTransientNetwork
	default:
		kind = syncerr.ErrRemoteProtocol
	}

	if msg == "" {
		return fmt.Errorf("%w: HTTP %d", kind, code)
	}
	return fmt.Errorf("%w: HTTP %d: %s", kind, code, msg)
}

// classifyTransportError maps a failed round trip to the error taxonomy.
// Token refresh failures surface from the oauth2 transport; only a refused
// refresh means the session is no longer usable.
func classifyTransportError(err error) error {
	if errors.Is(err, syncerr.ErrAuthExpired) {
		return err
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return fmt.Errorf("%w: %w", refreshErrorKind(retrieveErr), err)
	}

	// Timeouts, refused connections, DNS and TLS failures all mean the
	// request never got an answer.
	return fmt.Errorf("%w: %w", syncerr.ErrTransientNetwork, err)
}

// refreshErrorKind classifies a token endpoint failure. The endpoint answers
// 400 (invalid_grant) or 401 when it refuses the refresh token; overloads
// and outages recover on their own.
func refreshErrorKind(err *oauth2.RetrieveError) error {
	if err.Response == nil {
		return syncerr.ErrTransientNetwork
	}
	switch code := err.Response.StatusCode; {
	case code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden:
		return syncerr.ErrAuthExpired
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return syncerr.ErrTransientNetwork
	}
	return syncerr.ErrRemoteProtocol
}
