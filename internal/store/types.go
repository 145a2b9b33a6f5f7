package store

import (
	"fmt"
	"time"
)

// UploadStatus is the terminal-state enum on an attachment row.
type UploadStatus string

const (
	// StatusPending means the attachment is queued or awaiting upload.
	StatusPending UploadStatus = "pending"
	// StatusCompleted means the remote backend durably accepted the upload.
	StatusCompleted UploadStatus = "completed"
	// StatusFailed means the upload failed permanently.
	StatusFailed UploadStatus = "failed"
	// StatusPlanLimit means the user's plan does not cover this upload.
	StatusPlanLimit UploadStatus = "plan_limit"
)

// ItemRef identifies an attachment item within a library. It is the opaque
// representative reference used to resolve the actual file bytes when a
// queue item is executed.
type ItemRef struct {
	LibraryID int64  `json:"library_id"`
	ItemKey   string `json:"item_key"`
}

// String returns the canonical "libraryID/itemKey" form used in logs.
func (r ItemRef) String() string {
	return fmt.Sprintf("%d/%s", r.LibraryID, r.ItemKey)
}

// QueueItem is one pending upload, identified by (user, content hash).
//
// Visibility is nil while the item is claimable. A claim sets it to
// now+timeout and increments AttemptCount; the item becomes claimable again
// once the timeout lapses without a complete/fail transition.
type QueueItem struct {
	UserID       string
	ContentHash  string
	Ref          ItemRef
	Visibility   *time.Time
	AttemptCount int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks that the queue item carries a usable identity.
func (q *QueueItem) Validate() error {
	if q.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if q.ContentHash == "" {
		return fmt.Errorf("%w: content hash is required", ErrInvalidInput)
	}
	if q.Ref.ItemKey == "" {
		return fmt.Errorf("%w: item key is required", ErrInvalidInput)
	}
	return nil
}

// Attachment is one tracked attachment file. ContentHash is empty until the
// file has been hashed and enqueued.
type Attachment struct {
	UserID       string
	Ref          ItemRef
	ContentHash  string
	UploadStatus UploadStatus
	MimeType     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks that the attachment carries a usable identity.
func (a *Attachment) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if a.Ref.ItemKey == "" {
		return fmt.Errorf("%w: item key is required", ErrInvalidInput)
	}
	if a.UploadStatus == "" {
		return fmt.Errorf("%w: upload status is required", ErrInvalidInput)
	}
	return nil
}
