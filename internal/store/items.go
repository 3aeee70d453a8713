package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"

	"relaypod/internal/apperr"
	"relaypod/internal/model"
)

// ItemRepo performs CRUD against the items table.
type ItemRepo struct {
	db sqlx.ExtContext
}

// Create inserts a new item. A duplicate video_id is reported as
// apperr.ErrAlreadyQueued rather than the raw constraint error, since
// callers (spec §4.4 "skip items already known") treat it as a normal
// dedup signal, not a failure.
func (r *ItemRepo) Create(ctx context.Context, it *model.Item) error {
	now := timeNow()
	it.CreatedAt, it.UpdatedAt = now, now
	if it.Status == "" {
		it.Status = model.ItemPending
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO items (id, channel_id, video_id, title, description, thumbnail_url, duration_secs, published_at, status,
			file_path_audio, file_size_audio, file_path_video, file_size_video, downloaded_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.ChannelID, it.VideoID, it.Title, it.Description, it.ThumbnailURL, it.DurationSecs, it.PublishedAt, it.Status,
		it.FilePathAudio, it.FileSizeAudio, it.FilePathVideo, it.FileSizeVideo, it.DownloadedAt, it.LastError, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.ErrAlreadyQueued
		}
		return &apperr.StorageError{Op: "items.create", Err: err}
	}
	return nil
}

// Get returns an item by ID.
func (r *ItemRepo) Get(ctx context.Context, id string) (*model.Item, error) {
	var it model.Item
	err := sqlx.GetContext(ctx, r.db, &it, `SELECT * FROM items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "items.get", Err: err}
	}
	return &it, nil
}

// GetByVideoID returns the item with the given globally-unique
// video_id, or apperr.ErrNotFound, used by the refresh scheduler to
// dedup against items already known from any channel.
func (r *ItemRepo) GetByVideoID(ctx context.Context, videoID string) (*model.Item, error) {
	var it model.Item
	err := sqlx.GetContext(ctx, r.db, &it, `SELECT * FROM items WHERE video_id = ?`, videoID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "items.get_by_video_id", Err: err}
	}
	return &it, nil
}

// ListByChannel returns items belonging to a channel, most recently
// published first, for feed generation (spec §4.6).
func (r *ItemRepo) ListByChannel(ctx context.Context, channelID string, limit int) ([]model.Item, error) {
	query := `SELECT * FROM items WHERE channel_id = ? AND status != ? ORDER BY published_at DESC, created_at DESC`
	args := []any{channelID, model.ItemDeleted}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var items []model.Item
	if err := sqlx.SelectContext(ctx, r.db, &items, query, args...); err != nil {
		return nil, &apperr.StorageError{Op: "items.list_by_channel", Err: err}
	}
	return items, nil
}

// UpdateStatus transitions an item's status and records an optional error.
func (r *ItemRepo) UpdateStatus(ctx context.Context, id string, status model.ItemStatus, lastError *string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE items SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status, lastError, timeNow(), id)
	if err != nil {
		return &apperr.StorageError{Op: "items.update_status", Err: err}
	}
	return checkRowsAffected(res, "items.update_status")
}

// SetAudioArtifact records the completed audio transcode for an item.
func (r *ItemRepo) SetAudioArtifact(ctx context.Context, id, path string, size int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE items SET file_path_audio = ?, file_size_audio = ?, downloaded_at = ?, updated_at = ? WHERE id = ?`,
		path, size, timeNow(), timeNow(), id)
	if err != nil {
		return &apperr.StorageError{Op: "items.set_audio_artifact", Err: err}
	}
	return checkRowsAffected(res, "items.set_audio_artifact")
}

// SetVideoArtifact records the completed video transcode for an item.
func (r *ItemRepo) SetVideoArtifact(ctx context.Context, id, path string, size int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE items SET file_path_video = ?, file_size_video = ?, downloaded_at = ?, updated_at = ? WHERE id = ?`,
		path, size, timeNow(), timeNow(), id)
	if err != nil {
		return &apperr.StorageError{Op: "items.set_video_artifact", Err: err}
	}
	return checkRowsAffected(res, "items.set_video_artifact")
}

// ListRetentionCandidates returns a channel's completed items beyond
// the keepCount most recently published, newest first — the set the
// retention cleaner (spec §4.8) is allowed to delete.
func (r *ItemRepo) ListRetentionCandidates(ctx context.Context, channelID string, keepCount int) ([]model.Item, error) {
	var items []model.Item
	err := sqlx.SelectContext(ctx, r.db, &items, `
		SELECT * FROM items
		WHERE channel_id = ? AND status = ?
		ORDER BY published_at DESC, created_at DESC
		LIMIT -1 OFFSET ?`, channelID, model.ItemCompleted, keepCount)
	if err != nil {
		return nil, &apperr.StorageError{Op: "items.list_retention_candidates", Err: err}
	}
	return items, nil
}

// MarkDeleted clears artifact paths and moves an item to ItemDeleted
// after the retention cleaner has removed its files on disk.
func (r *ItemRepo) MarkDeleted(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE items SET status = ?, file_path_audio = NULL, file_size_audio = NULL, file_path_video = NULL, file_size_video = NULL, updated_at = ?
		WHERE id = ?`, model.ItemDeleted, timeNow(), id)
	if err != nil {
		return &apperr.StorageError{Op: "items.mark_deleted", Err: err}
	}
	return checkRowsAffected(res, "items.mark_deleted")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
