package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// StatusError is returned for non-2xx coordination API responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// IsRetryable reports whether err represents a transient failure: a
// transport-level error or a 5xx response. 4xx responses are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	// Transport-level errors (connection refused, timeouts) are transient.
	return true
}

// Client implements Coordinator over HTTP JSON with bearer-token auth.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string
	token      string
	logger     *log.Logger
}

// NewClient creates a coordination API client.
//
// The client uses retrying HTTP (transient transport errors and 5xx are
// retried with backoff before surfacing). If logger is nil, a default logger
// writing to stderr is used.
func NewClient(baseURL, token string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 10 * time.Second
	rc.Logger = nil

	return &Client{
		httpClient: rc,
		baseURL:    baseURL,
		token:      token,
		logger:     logger,
	}
}

type uploadURLsRequest struct {
	Hashes []string `json:"hashes"`
}

type uploadURLsResponse struct {
	URLs map[string]UploadURL `json:"urls"`
}

type markCompletedRequest struct {
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	PageCount int    `json:"page_count,omitempty"`
}

type resetFailedResponse struct {
	Uploads []FailedUpload `json:"uploads"`
}

// GetUploadURLs implements Coordinator.GetUploadURLs.
func (c *Client) GetUploadURLs(ctx context.Context, hashes []string) (map[string]UploadURL, error) {
	if len(hashes) == 0 {
		return map[string]UploadURL{}, nil
	}

	var resp uploadURLsResponse
	err := c.doJSON(ctx, http.MethodPost, "/attachments/upload-urls",
		uploadURLsRequest{Hashes: hashes}, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to get upload URLs: %w", err)
	}

	return resp.URLs, nil
}

// MarkCompleted implements Coordinator.MarkCompleted.
func (c *Client) MarkCompleted(ctx context.Context, contentHash, mimeType string, size int64, pageCount int) error {
	path := fmt.Sprintf("/attachments/%s/completed", contentHash)
	err := c.doJSON(ctx, http.MethodPost, path, markCompletedRequest{
		MimeType:  mimeType,
		Size:      size,
		PageCount: pageCount,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", contentHash, err)
	}
	return nil
}

// MarkFailed implements Coordinator.MarkFailed.
func (c *Client) MarkFailed(ctx context.Context, contentHash string) error {
	path := fmt.Sprintf("/attachments/%s/failed", contentHash)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", contentHash, err)
	}
	return nil
}

// ResetFailedUploads implements Coordinator.ResetFailedUploads.
func (c *Client) ResetFailedUploads(ctx context.Context) ([]FailedUpload, error) {
	var resp resetFailedResponse
	err := c.doJSON(ctx, http.MethodPost, "/attachments/reset-failed", nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("failed to reset failed uploads: %w", err)
	}
	return resp.Uploads, nil
}

// doJSON sends a JSON request and decodes the JSON response into out
// (which may be nil for calls that only care about the status code).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Printf("Error closing response body: %v", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return unwrapError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}

func unwrapError(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &StatusError{Code: resp.StatusCode}
	}
	return &StatusError{Code: resp.StatusCode, Body: string(body)}
}
