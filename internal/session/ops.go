package session

import (
	"context"
	"fmt"

	"github.com/jlegewie/beaver-sync/internal/store"
)

// Enqueue registers an attachment for upload: it upserts the attachment row
// as pending and the queue row keyed by content hash. Idempotent; enqueueing
// the same hash twice only refreshes the item reference.
func (c *Controller) Enqueue(ctx context.Context, ref store.ItemRef, contentHash, mimeType string) error {
	if !c.gate.IsAuthenticated() {
		return ErrNotAuthenticated
	}
	userID := c.gate.CurrentUserID()

	att := &store.Attachment{
		UserID:       userID,
		Ref:          ref,
		ContentHash:  contentHash,
		UploadStatus: store.StatusPending,
		MimeType:     mimeType,
	}
	if err := c.store.UpsertAttachment(ctx, att); err != nil {
		return fmt.Errorf("failed to record attachment: %w", err)
	}

	item := &store.QueueItem{
		UserID:      userID,
		ContentHash: contentHash,
		Ref:         ref,
	}
	if err := c.store.EnqueueUpload(ctx, item); err != nil {
		return fmt.Errorf("failed to enqueue upload: %w", err)
	}

	c.config.Logger.Printf("Enqueued %s (%s)", contentHash, ref)
	return nil
}

// Repair detects queue/state divergence and corrects it: attachments left
// pending with a content hash but no queue row are re-enqueued. Returns the
// number of repaired rows.
func (c *Controller) Repair(ctx context.Context) (int, error) {
	if !c.gate.IsAuthenticated() {
		return 0, ErrNotAuthenticated
	}
	userID := c.gate.CurrentUserID()

	orphans, err := c.store.FindOrphanedPending(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to scan for divergence: %w", err)
	}

	repaired := 0
	for _, att := range orphans {
		item := &store.QueueItem{
			UserID:      att.UserID,
			ContentHash: att.ContentHash,
			Ref:         att.Ref,
		}
		if err := c.store.EnqueueUpload(ctx, item); err != nil {
			c.config.Logger.Printf("Failed to re-enqueue orphaned %s: %v", att.ContentHash, err)
			continue
		}
		repaired++
	}

	if repaired > 0 {
		c.config.Logger.Printf("Repaired %d orphaned pending attachments", repaired)
	}
	return repaired, nil
}

// RetryFailed implements the user-initiated "retry all failed" flow: the
// coordination service clears its failed markers first (remote authority),
// then the returned uploads are re-enqueued locally with a fresh schedule.
func (c *Controller) RetryFailed(ctx context.Context) (int, error) {
	if !c.gate.IsAuthenticated() {
		return 0, ErrNotAuthenticated
	}
	userID := c.gate.CurrentUserID()

	uploads, err := c.coordinator.ResetFailedUploads(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to reset remote failed markers: %w", err)
	}

	items := make([]*store.QueueItem, 0, len(uploads))
	for _, u := range uploads {
		ref := store.ItemRef{LibraryID: u.LibraryID, ItemKey: u.ItemKey}

		att := &store.Attachment{
			UserID:       userID,
			Ref:          ref,
			ContentHash:  u.ContentHash,
			UploadStatus: store.StatusPending,
		}
		if err := c.store.UpsertAttachment(ctx, att); err != nil {
			return 0, fmt.Errorf("failed to reset attachment %s: %w", u.ContentHash, err)
		}

		items = append(items, &store.QueueItem{
			UserID:      userID,
			ContentHash: u.ContentHash,
			Ref:         ref,
		})
	}

	if err := c.store.ResetQueueItems(ctx, items); err != nil {
		return 0, err
	}

	c.config.Logger.Printf("Reset %d failed uploads for retry", len(items))
	return len(items), nil
}
