// Package client talks to a running `interlock serve` instance.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   string
}

type Option func(*Client)

// WithToken sets the bearer token sent to non-local servers.
func WithToken(token string) Option {
	return func(c *Client) {
		c.Token = strings.TrimSpace(token)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.HTTP = httpClient
		}
	}
}

type Lock struct {
	FilePath   string    `json:"file_path"`
	HolderID   string    `json:"holder_id"`
	Agent      string    `json:"agent"`
	PID        int       `json:"pid"`
	Token      string    `json:"lock_token"`
	State      string    `json:"state"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	AgeSeconds float64   `json:"age_seconds"`
	Overdue    bool      `json:"overdue"`
}

type Modification struct {
	ID           string     `json:"modification_id"`
	FilePath     string     `json:"file_path"`
	Agent        string     `json:"agent"`
	LockToken    string     `json:"lock_token"`
	BackupID     string     `json:"backup_id,omitempty"`
	OperationID  string     `json:"operation_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Success      bool       `json:"success"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

type Status struct {
	Locks   []Lock         `json:"locks"`
	Recent  []Modification `json:"recent"`
	Store   string         `json:"store"`
	Breaker string         `json:"breaker,omitempty"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("interlock api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("interlock api: status %d: %s", e.StatusCode, e.Message)
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Locks(ctx context.Context) ([]Lock, error) {
	var out struct {
		Locks []Lock `json:"locks"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/locks", &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// History returns the newest modifications of file, or of every file when
// file is empty. limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, file string, limit int) ([]Modification, error) {
	values := url.Values{}
	if file != "" {
		values.Set("file", file)
	}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "/api/history"
	if len(values) > 0 {
		endpoint += "?" + values.Encode()
	}
	var out struct {
		Modifications []Modification `json:"modifications"`
	}
	if err := c.do(ctx, http.MethodGet, endpoint, &out); err != nil {
		return nil, err
	}
	return out.Modifications, nil
}

func (c *Client) Status(ctx context.Context, file string) (Status, error) {
	endpoint := "/api/status"
	if file != "" {
		endpoint += "?file=" + url.QueryEscape(file)
	}
	var out Status
	err := c.do(ctx, http.MethodGet, endpoint, &out)
	return out, err
}

// Cleanup asks the server to reclaim locks held by dead processes and
// returns what it reclaimed.
func (c *Client) Cleanup(ctx context.Context) ([]Lock, error) {
	var out struct {
		Reclaimed []Lock `json:"reclaimed"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/cleanup", &out); err != nil {
		return nil, err
	}
	return out.Reclaimed, nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.applyHeaders(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var body struct {
			Error string `json:"error"`
		}
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil && json.Unmarshal(data, &body) == nil {
			apiErr.Message = body.Error
		}
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) applyHeaders(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
