// Package api provides the client for the remote upload-coordination
// service.
//
// The coordination service is the authority for upload outcomes: it issues
// time-limited write URLs for content hashes and records completion or
// failure per hash. All calls are idempotent on the server side, keyed by
// content hash, so redundant calls after a crash are harmless.
package api

import (
	"context"
	"time"
)

// UploadURL is a time-limited write credential for one content hash.
type UploadURL struct {
	URL       string    `json:"url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// FailedUpload identifies a server-side failed upload that was reset and
// should be re-enqueued locally.
type FailedUpload struct {
	ContentHash string `json:"content_hash"`
	LibraryID   int64  `json:"library_id"`
	ItemKey     string `json:"item_key"`
}

// Coordinator is the remote upload-coordination API consumed by the queue
// machinery.
//
// Implementations must treat MarkCompleted and MarkFailed as idempotent:
// under at-least-once delivery the same hash may be reported more than once.
type Coordinator interface {
	// GetUploadURLs issues write URLs for the given content hashes in one
	// batch call. Hashes the server declines (e.g. already stored) may be
	// absent from the result.
	GetUploadURLs(ctx context.Context, hashes []string) (map[string]UploadURL, error)

	// MarkCompleted records a durably completed upload together with the
	// extracted file metadata.
	MarkCompleted(ctx context.Context, contentHash, mimeType string, size int64, pageCount int) error

	// MarkFailed records a permanent upload failure for the hash.
	MarkFailed(ctx context.Context, contentHash string) error

	// ResetFailedUploads clears server-side failed markers and returns the
	// uploads to re-enqueue locally.
	ResetFailedUploads(ctx context.Context) ([]FailedUpload, error)
}
