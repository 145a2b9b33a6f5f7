package uploader

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/jlegewie/beaver-sync/internal/api"
)

// transferAttempts is how many times the same transfer is tried before the
// failure surfaces to the queue-level retry logic.
const transferAttempts = 3

// Transferer performs the byte transfer to a presigned upload URL.
//
// Transport-level errors and 5xx responses are retried in place with linear
// backoff (attempt x step) up to transferAttempts total tries; 4xx responses
// are never retried here and propagate immediately as a transfer failure.
type Transferer struct {
	client *retryablehttp.Client
	logger *log.Logger
	step   time.Duration
}

// NewTransferer creates a transferer with the default 2s backoff step.
func NewTransferer(logger *log.Logger) *Transferer {
	t := &Transferer{
		logger: logger,
		step:   2 * time.Second,
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = transferAttempts - 1
	rc.Logger = nil
	rc.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return time.Duration(attemptNum+1) * t.step
	}
	t.client = rc

	return t
}

// Upload PUTs the data to the presigned URL.
//
// Non-2xx responses come back as *api.StatusError so callers can classify
// permanent vs transient outcomes with api.IsRetryable.
func (t *Transferer) Upload(ctx context.Context, url api.UploadURL, data []byte, mimeType string) error {
	method := url.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url.URL, data)
	if err != nil {
		return fmt.Errorf("failed to build transfer request: %w", err)
	}
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}
	// retryablehttp doesn't set Content-Length automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
	req.ContentLength = int64(len(data))

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &api.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	return nil
}
