// Package remote provides the adapters that replay queued operations
// against the incident API server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kimhsiao/fieldsync/internal/auth"
	"github.com/kimhsiao/fieldsync/internal/errors"
)

// maxErrorBody bounds how much of an error response is kept for diagnosis.
const maxErrorBody = 512

// ClientConfig holds API connection configuration.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client performs authenticated JSON and multipart calls against the API.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(config ClientConfig, tokens auth.TokenSource) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// HTTPError is a non-2xx API response.
type HTTPError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Body)
}

// response is a completed HTTP exchange.
type response struct {
	status int
	body   []byte
}

// request describes one API call.
type request struct {
	method         string
	path           string
	body           io.Reader
	contentType    string
	idempotencyKey string
}

// do sends req with the bearer credential. A transport failure returns an
// error; any HTTP status, including errors, returns a response.
func (c *Client) do(ctx context.Context, req request) (*response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, req.body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "fieldsync")
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	if req.idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.idempotencyKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &response{status: resp.StatusCode, body: body}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload interface{}, idempotencyKey string) (*response, error) {
	var body io.Reader
	contentType := ""
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "failed to encode request", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	return c.do(ctx, request{
		method:         method,
		path:           path,
		body:           body,
		contentType:    contentType,
		idempotencyKey: idempotencyKey,
	})
}

// listRecords fetches a listing endpoint.
func (c *Client) listRecords(ctx context.Context, path string) ([]Record, error) {
	resp, err := c.doJSON(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	if resp.status < 200 || resp.status > 299 {
		return nil, &HTTPError{StatusCode: resp.status, Body: truncate(resp.body)}
	}

	var listing struct {
		Items []Record `json:"items"`
	}
	if err := json.Unmarshal(resp.body, &listing); err != nil {
		return nil, errors.Wrap(errors.ErrSyncFailed, "failed to decode listing", err)
	}
	return listing.Items, nil
}

func truncate(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
