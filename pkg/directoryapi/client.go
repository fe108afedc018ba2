package directoryapi

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
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	usersPath         = "/users"
	notificationsPath = "/notifications"

	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 8 << 20
)

// ErrMissingToken is returned when a call is attempted without a bearer token.
var ErrMissingToken = errors.New("directory api token is required")

// StatusError reports a non-2xx response from the remote API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("directory api unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client calls the remote directory/notification API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the API rooted at baseURL. A nil httpClient gets a
// traced client with a 15 second timeout.
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("directory api base url is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse directory api url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("directory api url must be http or https: %s", baseURL)
	}

	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{baseURL: baseURL, http: httpClient}, nil
}

// ListUsers returns the identifiers the remote service currently considers valid.
func (c *Client) ListUsers(ctx context.Context, token string) ([]string, error) {
	body, err := c.do(ctx, http.MethodGet, usersPath, token, nil)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users, err := decodeUsers(body)
	if err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

// FetchNotifications returns pending notifications for the batch of identifiers
// in a single request.
func (c *Client) FetchNotifications(ctx context.Context, token string, identifiers []string) ([]Batch, error) {
	if len(identifiers) == 0 {
		return nil, nil
	}
	body, err := c.do(ctx, http.MethodPost, notificationsPath, token, fetchRequest{Identifiers: identifiers})
	if err != nil {
		return nil, fmt.Errorf("fetch notifications: %w", err)
	}
	batches, err := decodeBatches(body)
	if err != nil {
		return nil, fmt.Errorf("decode notifications: %w", err)
	}
	return batches, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, payload any) ([]byte, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return data, nil
}
