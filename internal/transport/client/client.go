package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joshdurbin/linkbottle/internal/domain"
)

const userIDHeader = "X-User-ID"

// APIError is returned when the server answers with an unexpected status
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// Is maps 404 responses to domain.ErrNotFound
func (e *APIError) Is(target error) bool {
	return target == domain.ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client represents an HTTP client for the link API
type Client struct {
	serverURL  string
	userID     int64
	httpClient *http.Client
}

// NewClient creates a new client acting as userID
func NewClient(serverURL string, userID int64) *Client {
	return &Client{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		userID:    userID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// do sends a request and decodes a JSON response into out when it is non-nil.
// Any status outside expected becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any, expected ...int) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(userIDHeader, strconv.FormatInt(c.userID, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	ok := false
	for _, status := range expected {
		if resp.StatusCode == status {
			ok = true
			break
		}
	}
	if !ok {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// CreateLink shortens a URL
func (c *Client) CreateLink(ctx context.Context, req domain.ShortenRequest) (*domain.ShortenResponse, error) {
	var result domain.ShortenResponse
	if err := c.do(ctx, http.MethodPost, "/api/links", req, &result, http.StatusOK, http.StatusCreated); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetLink retrieves a link record without recording a click
func (c *Client) GetLink(ctx context.Context, key string) (*domain.LinkRecord, error) {
	var record domain.LinkRecord
	if err := c.do(ctx, http.MethodGet, "/api/links/"+url.PathEscape(key), nil, &record, http.StatusOK); err != nil {
		return nil, err
	}
	return &record, nil
}

// ListLinks retrieves the caller's links
func (c *Client) ListLinks(ctx context.Context) ([]*domain.UserLinkView, error) {
	var views []*domain.UserLinkView
	if err := c.do(ctx, http.MethodGet, "/api/links", nil, &views, http.StatusOK); err != nil {
		return nil, err
	}
	return views, nil
}

// UpdateLink changes the caller's title and/or tags for a link
func (c *Client) UpdateLink(ctx context.Context, key string, req domain.UpdateLinkRequest) (*domain.UserLinkView, error) {
	var view domain.UserLinkView
	if err := c.do(ctx, http.MethodPut, "/api/links/"+url.PathEscape(key), req, &view, http.StatusOK); err != nil {
		return nil, err
	}
	return &view, nil
}

// DeleteLink removes the caller's link
func (c *Client) DeleteLink(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/api/links/"+url.PathEscape(key), nil, nil, http.StatusNoContent)
}

// FetchTitle asks the server for the page title of target
func (c *Client) FetchTitle(ctx context.Context, target string) (*domain.TitleResponse, error) {
	var title domain.TitleResponse
	if err := c.do(ctx, http.MethodGet, "/api/title?url="+url.QueryEscape(target), nil, &title, http.StatusOK); err != nil {
		return nil, err
	}
	return &title, nil
}
