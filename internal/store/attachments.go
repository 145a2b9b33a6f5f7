package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertAttachment inserts or updates an attachment row.
//
// On conflict the content hash, status, and mime type are refreshed; the
// created_at timestamp is preserved.
func (s *Store) UpsertAttachment(ctx context.Context, att *Attachment) error {
	if err := att.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)

	query := `
	INSERT INTO attachments (
		user_id, library_id, item_key, content_hash,
		upload_status, mime_type, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id, library_id, item_key) DO UPDATE SET
		content_hash = excluded.content_hash,
		upload_status = excluded.upload_status,
		mime_type = excluded.mime_type,
		updated_at = excluded.updated_at
	`

	var hash sql.NullString
	if att.ContentHash != "" {
		hash = sql.NullString{String: att.ContentHash, Valid: true}
	}

	_, err := s.conn.ExecContext(ctx, query,
		att.UserID,
		att.Ref.LibraryID,
		att.Ref.ItemKey,
		hash,
		string(att.UploadStatus),
		att.MimeType,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert attachment %s: %w", att.Ref, err)
	}

	return nil
}

// GetAttachment retrieves a single attachment by its item reference.
// Returns sql.ErrNoRows if the attachment is not found.
func (s *Store) GetAttachment(ctx context.Context, userID string, ref ItemRef) (*Attachment, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT user_id, library_id, item_key, content_hash,
	       upload_status, mime_type, created_at, updated_at
	FROM attachments
	WHERE user_id = ? AND library_id = ? AND item_key = ?
	`, userID, ref.LibraryID, ref.ItemKey)

	return scanAttachment(row)
}

// GetAttachmentByHash retrieves a single attachment by content hash.
// Returns sql.ErrNoRows if no attachment carries the hash.
func (s *Store) GetAttachmentByHash(ctx context.Context, userID, contentHash string) (*Attachment, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT user_id, library_id, item_key, content_hash,
	       upload_status, mime_type, created_at, updated_at
	FROM attachments
	WHERE user_id = ? AND content_hash = ?
	`, userID, contentHash)

	return scanAttachment(row)
}

// ListAttachmentsByStatus returns attachments with the given upload status,
// ordered by library then item key.
func (s *Store) ListAttachmentsByStatus(ctx context.Context, userID string, status UploadStatus) ([]*Attachment, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT user_id, library_id, item_key, content_hash,
	       upload_status, mime_type, created_at, updated_at
	FROM attachments
	WHERE user_id = ? AND upload_status = ?
	ORDER BY library_id ASC, item_key ASC
	`, userID, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list attachments: %w", err)
	}

	return scanAttachments(rows)
}

// CountAttachmentsByStatus returns per-status attachment counts for the user.
func (s *Store) CountAttachmentsByStatus(ctx context.Context, userID string) (map[UploadStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT upload_status, COUNT(*)
	FROM attachments
	WHERE user_id = ?
	GROUP BY upload_status
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to count attachments: %w", err)
	}
	defer rows.Close()

	counts := make(map[UploadStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan attachment count: %w", err)
		}
		counts[UploadStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachment counts: %w", err)
	}

	return counts, nil
}

// FindOrphanedPending returns attachments that claim upload_status 'pending'
// with a content hash but have no corresponding queue row.
//
// A non-empty result indicates queue/state divergence (a crash between the
// attachment write and the queue write, or a manually deleted queue row).
// The repair pass re-enqueues these.
func (s *Store) FindOrphanedPending(ctx context.Context, userID string) ([]*Attachment, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT a.user_id, a.library_id, a.item_key, a.content_hash,
	       a.upload_status, a.mime_type, a.created_at, a.updated_at
	FROM attachments a
	LEFT JOIN upload_queue q
	       ON q.user_id = a.user_id AND q.content_hash = a.content_hash
	WHERE a.user_id = ?
	  AND a.upload_status = 'pending'
	  AND a.content_hash IS NOT NULL
	  AND q.content_hash IS NULL
	ORDER BY a.library_id ASC, a.item_key ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned attachments: %w", err)
	}

	return scanAttachments(rows)
}

func scanAttachment(row rowScanner) (*Attachment, error) {
	var att Attachment
	var hash sql.NullString
	var status string
	var createdAt, updatedAt string

	err := row.Scan(
		&att.UserID,
		&att.Ref.LibraryID,
		&att.Ref.ItemKey,
		&hash,
		&status,
		&att.MimeType,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if hash.Valid {
		att.ContentHash = hash.String
	}
	att.UploadStatus = UploadStatus(status)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		att.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		att.UpdatedAt = t
	}

	return &att, nil
}

func scanAttachments(rows *sql.Rows) ([]*Attachment, error) {
	defer rows.Close()

	var atts []*Attachment
	for rows.Next() {
		att, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		atts = append(atts, att)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attachments: %w", err)
	}

	return atts, nil
}
