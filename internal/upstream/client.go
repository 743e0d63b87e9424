package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"cobranzas/gateway/internal/domain"
)

const (
	DataPath   = "/collections/data/"
	CreatePath = "/collections/create/"

	// TokenField is the anti-forgery form field the server expects; the
	// token itself travels in the csrftoken cookie.
	TokenField  = "csrfmiddlewaretoken"
	TokenCookie = "csrftoken"
	TokenHeader = "X-CSRFToken"
)

// NetworkError is a transport-level failure: the request never produced an
// application response.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a non-200 application response.
type ServerError struct {
	URL        string
	StatusCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server responded %d for %s", e.StatusCode, e.URL)
}

// PermissionDenied reports the collector lacks access to the resource.
func (e *ServerError) PermissionDenied() bool { return e.StatusCode == http.StatusForbidden }

// ServerFault reports a failure on the server side rather than a rejection.
func (e *ServerError) ServerFault() bool { return e.StatusCode >= 500 }

// CreateResponse carries the id used to build the receipt URL.
type CreateResponse struct {
	CollectionID int `json:"collection_id"`
}

// Client talks to the remote collections server. It keeps a cookie jar so
// the anti-forgery cookie set by the server is available for later POSTs.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func New(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("upstream base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("upstream base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout, Jar: jar},
		logger:  logger,
	}, nil
}

// BaseURL returns the configured server root without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchSnapshot downloads the full authoritative dataset.
func (c *Client) FetchSnapshot(ctx context.Context) (*domain.Snapshot, error) {
	target := c.baseURL + DataPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ServerError{URL: target, StatusCode: resp.StatusCode}
	}

	var snapshot domain.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snapshot, nil
}

// FetchToken requests the submission page so the server refreshes the
// anti-forgery cookie, then reads the token out of the jar. Tokens captured
// with an offline form are stale by replay time, so every replay round
// starts here.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	target := c.baseURL + CreatePath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &NetworkError{URL: target, Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	base, _ := url.Parse(c.baseURL)
	for _, cookie := range c.http.Jar.Cookies(base) {
		if cookie.Name == TokenCookie {
			return cookie.Value, nil
		}
	}
	return "", fmt.Errorf("server did not provide a %s cookie", TokenCookie)
}

// SubmitCollection posts one form-encoded collection body. A transport
// failure comes back as NetworkError, a non-200 as ServerError; only a 200
// with a collection id counts as delivered.
func (c *Client) SubmitCollection(ctx context.Context, body, token string) (*CreateResponse, error) {
	target := c.baseURL + CreatePath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("collection submission rejected",
			zap.Int("status", resp.StatusCode))
		return nil, &ServerError{URL: target, StatusCode: resp.StatusCode}
	}

	var created CreateResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &created, nil
}
