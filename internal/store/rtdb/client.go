// Package rtdb implements store.Store over the Firebase Realtime Database
// REST API.
package rtdb

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

	"github.com/agsys/rigpanel/internal/store"
)

// Config holds REST client configuration
type Config struct {
	BaseURL     string        // Database URL (https://<project>.firebaseio.com)
	Auth        string        // Database secret or ID token, sent as ?auth=
	HTTPTimeout time.Duration // Timeout for HTTP requests, 0 for none
}

// DefaultConfig returns default REST client configuration
func DefaultConfig() Config {
	return Config{
		HTTPTimeout: 0,
	}
}

// Client talks to one database over HTTPS
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a new REST client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("rtdb: base url is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("rtdb: invalid base url: %w", err)
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
	}, nil
}

var _ store.Store = (*Client)(nil)

// Get reads the value at path. A JSON null response means the path is empty.
func (c *Client) Get(ctx context.Context, path string) (store.Value, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, nil), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, err
	}

	v := store.Value(body)
	if v.IsNull() {
		return nil, store.ErrNotFound
	}
	return v, nil
}

// Set replaces the value at path
func (c *Client) Set(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}

	q := url.Values{}
	q.Set("print", "silent")
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(path, q), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

// endpoint builds {base}/{path}.json with auth and extra query parameters
func (c *Client) endpoint(path string, q url.Values) string {
	if q == nil {
		q = url.Values{}
	}
	if c.config.Auth != "" {
		q.Set("auth", c.config.Auth)
	}

	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}

	u := c.config.BaseURL + "/" + strings.Join(segs, "/") + ".json"
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	return u
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("rtdb error %d: %s", resp.StatusCode, apiError(body))
	}
	return body, nil
}

// apiError extracts the message from a {"error": "..."} body
func apiError(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
