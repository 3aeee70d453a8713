package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"relaypod/internal/apperr"
	"relaypod/internal/model"
)

// ChannelRepo performs CRUD against the channels table. The zero value
// is not usable; construct via Store.Channels or store.ChannelsTx.
type ChannelRepo struct {
	db sqlx.ExtContext
}

// Create inserts a new channel row.
func (r *ChannelRepo) Create(ctx context.Context, c *model.Channel) error {
	now := c.CreatedAt
	if now.IsZero() {
		now = timeNow()
	}
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels (id, url, title, description, thumbnail_url, enabled, feed_type, episode_count_config, last_refresh_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.URL, c.Title, c.Description, c.ThumbnailURL, c.Enabled, c.FeedType, c.EpisodeCountConfig, c.LastRefreshAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return &apperr.StorageError{Op: "channels.create", Err: err}
	}
	return nil
}

// Get returns a channel by ID, or apperr.ErrNotFound.
func (r *ChannelRepo) Get(ctx context.Context, id string) (*model.Channel, error) {
	var c model.Channel
	err := sqlx.GetContext(ctx, r.db, &c, `SELECT * FROM channels WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "channels.get", Err: err}
	}
	return &c, nil
}

// GetByURL returns the channel with the given source URL, or apperr.ErrNotFound.
func (r *ChannelRepo) GetByURL(ctx context.Context, url string) (*model.Channel, error) {
	var c model.Channel
	err := sqlx.GetContext(ctx, r.db, &c, `SELECT * FROM channels WHERE url = ?`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "channels.get_by_url", Err: err}
	}
	return &c, nil
}

// List returns every channel, optionally filtering to enabled-only.
func (r *ChannelRepo) List(ctx context.Context, enabledOnly bool) ([]model.Channel, error) {
	query := `SELECT * FROM channels`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	var channels []model.Channel
	if err := sqlx.SelectContext(ctx, r.db, &channels, query); err != nil {
		return nil, &apperr.StorageError{Op: "channels.list", Err: err}
	}
	return channels, nil
}

// Update rewrites the mutable fields of a channel.
func (r *ChannelRepo) Update(ctx context.Context, c *model.Channel) error {
	c.UpdatedAt = timeNow()
	res, err := r.db.ExecContext(ctx, `
		UPDATE channels SET title = ?, description = ?, thumbnail_url = ?, enabled = ?, feed_type = ?, episode_count_config = ?, updated_at = ?
		WHERE id = ?`,
		c.Title, c.Description, c.ThumbnailURL, c.Enabled, c.FeedType, c.EpisodeCountConfig, c.UpdatedAt, c.ID)
	if err != nil {
		return &apperr.StorageError{Op: "channels.update", Err: err}
	}
	return checkRowsAffected(res, "channels.update")
}

// SetLastRefresh records the timestamp of the most recent completed
// refresh scheduler tick for this channel (spec §4.4).
func (r *ChannelRepo) SetLastRefresh(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE channels SET last_refresh_at = ?, updated_at = ? WHERE id = ?`, at, timeNow(), id)
	if err != nil {
		return &apperr.StorageError{Op: "channels.set_last_refresh", Err: err}
	}
	return checkRowsAffected(res, "channels.set_last_refresh")
}

// Delete removes a channel and (via ON DELETE CASCADE) its items and
// queue entries.
func (r *ChannelRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return &apperr.StorageError{Op: "channels.delete", Err: err}
	}
	return checkRowsAffected(res, "channels.delete")
}

func checkRowsAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return &apperr.StorageError{Op: op, Err: err}
	}
	if n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func timeNow() time.Time { return time.Now().UTC() }
