package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// EnqueueUpload inserts a new queue item or, if a row for the same
// (user, content hash) already exists, updates its item reference only.
//
// New rows start with visibility NULL and attempt_count 0 so they are
// claimable immediately. An existing row keeps its schedule: enqueueing the
// same content twice never duplicates the row and never resets a retry
// schedule that is already in flight.
func (s *Store) EnqueueUpload(ctx context.Context, item *QueueItem) error {
	return s.upsertQueueItem(ctx, item, false)
}

// UpsertQueueItem inserts or updates a queue item.
//
// When overwriteSchedule is false this behaves like EnqueueUpload: a
// conflicting row only has its item reference refreshed. When true, the
// supplied Visibility and AttemptCount are written as well - the
// administrative path used by ResetQueueItems.
func (s *Store) UpsertQueueItem(ctx context.Context, item *QueueItem, overwriteSchedule bool) error {
	return s.upsertQueueItem(ctx, item, overwriteSchedule)
}

func (s *Store) upsertQueueItem(ctx context.Context, item *QueueItem, overwriteSchedule bool) error {
	if err := item.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	query := `
	INSERT INTO upload_queue (
		user_id, content_hash, library_id, item_key,
		visibility, attempt_count, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, content_hash) DO UPDATE SET
		library_id = excluded.library_id,
		item_key = excluded.item_key,
		updated_at = excluded.updated_at
	`
	if overwriteSchedule {
		query += `,
		visibility = excluded.visibility,
		attempt_count = excluded.attempt_count
		`
	}

	_, err := s.conn.ExecContext(ctx, query,
		item.UserID,
		item.ContentHash,
		item.Ref.LibraryID,
		item.Ref.ItemKey,
		timeToNullString(item.Visibility),
		item.AttemptCount,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert queue item %s: %w", item.ContentHash, err)
	}

	return nil
}

// ClaimQueueItems atomically claims up to limit visible queue items.
//
// A row is visible when its visibility is NULL or in the past and its
// attempt_count is below maxAttempts. Selected rows are ordered by ascending
// attempt count, then content hash (fewest-retried first, deterministic
// tie-break). Each claimed row gets visibility = now+visibilityTimeout and
// attempt_count incremented, all within one transaction so two concurrent
// claimers always receive disjoint sets.
//
// The returned items reflect the post-claim state (incremented attempts).
func (s *Store) ClaimQueueItems(ctx context.Context, userID string, limit, maxAttempts int, visibilityTimeout time.Duration) ([]*QueueItem, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	query := `
	SELECT user_id, content_hash, library_id, item_key,
	       visibility, attempt_count, created_at, updated_at
	FROM upload_queue
	WHERE user_id = ?
	  AND (visibility IS NULL OR visibility <= ?)
	  AND attempt_count < ?
	ORDER BY attempt_count ASC, content_hash ASC
	LIMIT ?
	`

	rows, err := tx.QueryContext(ctx, query,
		userID,
		now.Format(time.RFC3339Nano),
		maxAttempts,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable items: %w", err)
	}

	items, err := scanQueueItems(rows)
	if err != nil {
		return nil, err
	}

	claimedUntil := now.Add(visibilityTimeout)
	update := `
	UPDATE upload_queue
	SET visibility = ?, attempt_count = attempt_count + 1, updated_at = ?
	WHERE user_id = ? AND content_hash = ?
	`

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, update,
			claimedUntil.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
			item.UserID,
			item.ContentHash,
		); err != nil {
			return nil, fmt.Errorf("failed to claim item %s: %w", item.ContentHash, err)
		}
		v := claimedUntil
		item.Visibility = &v
		item.AttemptCount++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	return items, nil
}

// CompleteQueueItem deletes the queue row and marks the paired attachment
// completed, in one transaction.
//
// This must only be called after the remote backend has durably accepted the
// completion; the local store only ever reflects outcomes the remote side
// already knows about. Returns nil if the queue row doesn't exist
// (idempotent, a redundant call after a crash is harmless).
func (s *Store) CompleteQueueItem(ctx context.Context, userID, contentHash string) error {
	return s.removeQueueItem(ctx, userID, contentHash, StatusCompleted)
}

// FailQueueItem deletes the queue row and marks the paired attachment with
// the given terminal status, in one transaction.
//
// Same remote-first precondition as CompleteQueueItem: the remote backend
// must already have recorded the failure.
func (s *Store) FailQueueItem(ctx context.Context, userID, contentHash string, status UploadStatus) error {
	if status == "" {
		status = StatusFailed
	}
	return s.removeQueueItem(ctx, userID, contentHash, status)
}

func (s *Store) removeQueueItem(ctx context.Context, userID, contentHash string, status UploadStatus) error {
	if userID == "" || contentHash == "" {
		return fmt.Errorf("%w: user id and content hash are required", ErrInvalidInput)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM upload_queue WHERE user_id = ? AND content_hash = ?`,
		userID, contentHash,
	); err != nil {
		return fmt.Errorf("failed to delete queue item %s: %w", contentHash, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE attachments SET upload_status = ?, updated_at = ? WHERE user_id = ? AND content_hash = ?`,
		string(status), now, userID, contentHash,
	); err != nil {
		return fmt.Errorf("failed to update attachment status for %s: %w", contentHash, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// ExtendVisibility pushes a claimed item's visibility out by d without
// deleting it, so a transiently failed item is retried later instead of
// being reclaimed immediately.
func (s *Store) ExtendVisibility(ctx context.Context, userID, contentHash string, d time.Duration) error {
	if userID == "" || contentHash == "" {
		return fmt.Errorf("%w: user id and content hash are required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	visible := now.Add(d)

	_, err := s.conn.ExecContext(ctx,
		`UPDATE upload_queue SET visibility = ?, updated_at = ? WHERE user_id = ? AND content_hash = ?`,
		visible.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		userID, contentHash,
	)
	if err != nil {
		return fmt.Errorf("failed to extend visibility for %s: %w", contentHash, err)
	}

	return nil
}

// ReleaseQueueItems returns claimed items to the queue unused: visibility
// goes back to NULL and the attempt the claim consumed is refunded. Used
// when a batch is claimed but never dispatched (the URL batch call failed),
// so coordination outages do not eat into the per-item attempt budget.
func (s *Store) ReleaseQueueItems(ctx context.Context, items []*QueueItem) error {
	if len(items) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin release transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	release := `
	UPDATE upload_queue
	SET visibility = NULL, attempt_count = MAX(attempt_count - 1, 0), updated_at = ?
	WHERE user_id = ? AND content_hash = ?
	`

	for _, item := range items {
		if _, err := tx.ExecContext(ctx, release,
			now.Format(time.RFC3339Nano),
			item.UserID,
			item.ContentHash,
		); err != nil {
			return fmt.Errorf("failed to release item %s: %w", item.ContentHash, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release transaction: %w", err)
	}

	return nil
}

// ResetQueueItems re-inserts items with visibility NULL and attempt_count 0.
// Used for the user-initiated "retry all failed" flow.
func (s *Store) ResetQueueItems(ctx context.Context, items []*QueueItem) error {
	for _, item := range items {
		reset := &QueueItem{
			UserID:      item.UserID,
			ContentHash: item.ContentHash,
			Ref:         item.Ref,
		}
		if err := s.upsertQueueItem(ctx, reset, true); err != nil {
			return fmt.Errorf("failed to reset queue item %s: %w", item.ContentHash, err)
		}
	}
	return nil
}

// CountQueueItems returns the total number of queue rows for the user.
func (s *Store) CountQueueItems(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_queue WHERE user_id = ?`, userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}

// ListQueueItems returns all queue rows for the user ordered by attempt
// count then content hash (the claim order).
func (s *Store) ListQueueItems(ctx context.Context, userID string) ([]*QueueItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT user_id, content_hash, library_id, item_key,
	       visibility, attempt_count, created_at, updated_at
	FROM upload_queue
	WHERE user_id = ?
	ORDER BY attempt_count ASC, content_hash ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}

	return scanQueueItems(rows)
}

// GetQueueItem retrieves a single queue row.
// Returns sql.ErrNoRows if the row is not found.
func (s *Store) GetQueueItem(ctx context.Context, userID, contentHash string) (*QueueItem, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT user_id, content_hash, library_id, item_key,
	       visibility, attempt_count, created_at, updated_at
	FROM upload_queue
	WHERE user_id = ? AND content_hash = ?
	`, userID, contentHash)

	item, err := scanQueueItem(row)
	if err != nil {
		return nil, err
	}
	return item, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var item QueueItem
	var visibility sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&item.UserID,
		&item.ContentHash,
		&item.Ref.LibraryID,
		&item.Ref.ItemKey,
		&visibility,
		&item.AttemptCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.Visibility = nullStringToTime(visibility)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		item.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		item.UpdatedAt = t
	}

	return &item, nil
}

func scanQueueItems(rows *sql.Rows) ([]*QueueItem, error) {
	defer rows.Close()

	var items []*QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}
