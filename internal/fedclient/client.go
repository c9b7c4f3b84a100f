// Package fedclient implements the thin HTTPS client instances use to
// talk to each other (spec §4.G): signed requests carrying a
// tenant-minted access token, unauthenticated public requests, typed
// JSON envelopes, and a streaming download mode for attachments.
package fedclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Envelope is the typed response wrapper every endpoint returns (spec
// §6 "Responses are typed JSON envelopes").
type Envelope struct {
	Data       json.RawMessage `json:"data"`
	Pagination *Pagination     `json:"pagination,omitempty"`
	ReqID      string          `json:"req_id,omitempty"`
}

// Pagination carries cursor-based paging hints.
type Pagination struct {
	Next string `json:"next,omitempty"`
}

// TokenMinter mints a signed access token scoped to targetIDTag from the
// tenant's current key (spec §4.G "attach an access token minted from
// our tenant key scoped to the target id_tag").
type TokenMinter interface {
	MintAccessToken(targetIDTag string) (string, error)
}

// Client is a federation HTTP client for one tenant, shared across all
// outbound peer calls.
type Client struct {
	http   *http.Client
	minter TokenMinter
	userAgent string
}

// Config configures a Client. Timeout defaults to 30s (spec §5 "Every
// federation HTTP call has a hard timeout (default 30 s)").
type Config struct {
	Timeout   time.Duration
	Minter    TokenMinter
	UserAgent string
}

// New creates a Client preferring HTTP/2 (spec §4.G "HTTP/2 preferred").
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "cloudillo/1.0 (+federation)"
	}
	transport := &http.Transport{}
	_ = http2.ConfigureTransport(transport) // best-effort; falls back to h1 on failure

	return &Client{
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("stopped after 5 redirects")
				}
				if req.URL.Scheme != "https" {
					return errors.New("redirects must use https")
				}
				return nil
			},
		},
		minter:    cfg.Minter,
		userAgent: cfg.UserAgent,
	}
}

// Get performs a signed GET against targetIDTag's inbox-adjacent API
// (spec §4.G "Signed request (get/post)").
func (c *Client) Get(ctx context.Context, targetIDTag, path string) (*Envelope, error) {
	return c.do(ctx, http.MethodGet, targetIDTag, path, nil, true)
}

// Post performs a signed POST.
func (c *Client) Post(ctx context.Context, targetIDTag, path string, body any) (*Envelope, error) {
	return c.do(ctx, http.MethodPost, targetIDTag, path, body, true)
}

// GetNoAuth performs an unauthenticated GET (spec §4.G "Public request
// (get_noauth, post_public)").
func (c *Client) GetNoAuth(ctx context.Context, targetIDTag, path string) (*Envelope, error) {
	return c.do(ctx, http.MethodGet, targetIDTag, path, nil, false)
}

// PostPublic performs an unauthenticated POST.
func (c *Client) PostPublic(ctx context.Context, targetIDTag, path string, body any) (*Envelope, error) {
	return c.do(ctx, http.MethodPost, targetIDTag, path, body, false)
}

func (c *Client) do(ctx context.Context, method, targetIDTag, path string, body any, signed bool) (*Envelope, error) {
	url := fmt.Sprintf("https://%s%s", targetIDTag, path)

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if signed {
		if c.minter == nil {
			return nil, errors.New("fedclient: signed request requires a TokenMinter")
		}
		tok, err := c.minter.MintAccessToken(targetIDTag)
		if err != nil {
			return nil, fmt.Errorf("minting access token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", url, err)
	}
	return &env, nil
}

// Stream opens a signed streaming GET, returning the raw body for the
// caller to copy without buffering (spec §4.G "Streaming variant returns
// a Stream<Item=Bytes> for attachment downloads without buffering").
// Callers must close the returned ReadCloser.
func (c *Client) Stream(ctx context.Context, targetIDTag, path string) (io.ReadCloser, error) {
	url := fmt.Sprintf("https://%s%s", targetIDTag, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.minter != nil {
		if tok, err := c.minter.MintAccessToken(targetIDTag); err == nil {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

// StatusError reports a non-2xx HTTP response from a peer.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("instance at %s returned status %d", e.URL, e.StatusCode)
}
