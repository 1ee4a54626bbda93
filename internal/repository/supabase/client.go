// Package supabase is the HTTP client for the hosted account service: GoTrue
// for identities, PostgREST for the users table and Edge Functions for side
// effects.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/msomdec/user-admin/internal/domain"
)

const maxErrorBody = 64 << 10

// Config configures the client.
type Config struct {
	BaseURL string
	// APIKey is sent as the apikey header and as the bearer token for table
	// and function calls.
	APIKey            string
	DeleteFunction    string
	EmailSyncFunction string
	Timeout           time.Duration
	HTTPClient        *http.Client
}

// Client talks to one Supabase project.
type Client struct {
	baseURL           string
	apiKey            string
	deleteFunction    string
	emailSyncFunction string
	httpClient        *http.Client
}

// New constructs a client. BaseURL and APIKey are required.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("%w: supabase base url is required", domain.ErrConfig)
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("%w: supabase base url: %v", domain.ErrConfig, err)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: supabase key is required", domain.ErrConfig)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		baseURL:           base,
		apiKey:            cfg.APIKey,
		deleteFunction:    cfg.DeleteFunction,
		emailSyncFunction: cfg.EmailSyncFunction,
		httpClient:        httpClient,
	}
	if c.deleteFunction == "" {
		c.deleteFunction = "smooth-function"
	}
	if c.emailSyncFunction == "" {
		c.emailSyncFunction = "update-user"
	}
	return c, nil
}

type request struct {
	method string
	path   string
	query  url.Values
	body   any
	header http.Header
	// bearer overrides the API key as the Authorization token.
	bearer string
}

// do sends the request and decodes a 2xx JSON body into out when out is
// non-nil. Non-2xx responses are returned as *APIError.
func (c *Client) do(ctx context.Context, req request, out any) error {
	u := c.baseURL + req.path
	if len(req.query) > 0 {
		u += "?" + req.query.Encode()
	}

	var body io.Reader
	if req.body != nil {
		data, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	bearer := req.bearer
	if bearer == "" {
		bearer = c.apiKey
	}
	httpReq.Header.Set("apikey", c.apiKey)
	httpReq.Header.Set("Authorization", "Bearer "+bearer)
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.method, req.path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", req.method, req.path, err)
	}
	return nil
}
