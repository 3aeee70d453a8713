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

// QueueRepo performs CRUD against the queue_entries table. The state
// machine that decides which transitions are legal lives one layer up
// in internal/queue; this repo just persists whatever it decides.
type QueueRepo struct {
	db sqlx.ExtContext
}

// Create inserts a new queue entry in QueuePending.
func (r *QueueRepo) Create(ctx context.Context, e *model.QueueEntry) error {
	now := timeNow()
	e.CreatedAt, e.UpdatedAt = now, now
	if e.Status == "" {
		e.Status = model.QueuePending
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = model.DefaultMaxAttempts
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO queue_entries (id, item_id, priority, status, attempts, max_attempts, next_retry_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ItemID, e.Priority, e.Status, e.Attempts, e.MaxAttempts, e.NextRetryAt, e.LastError, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return &apperr.StorageError{Op: "queue.create", Err: err}
	}
	return nil
}

// Get returns a queue entry by ID.
func (r *QueueRepo) Get(ctx context.Context, id string) (*model.QueueEntry, error) {
	var e model.QueueEntry
	err := sqlx.GetContext(ctx, r.db, &e, `SELECT * FROM queue_entries WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "queue.get", Err: err}
	}
	return &e, nil
}

// GetByItemID returns the active (non-terminal) queue entry for an
// item, if any, used to enforce the "item already queued" invariant
// (spec §4.2).
func (r *QueueRepo) GetByItemID(ctx context.Context, itemID string) (*model.QueueEntry, error) {
	var e model.QueueEntry
	err := sqlx.GetContext(ctx, r.db, &e, `
		SELECT * FROM queue_entries
		WHERE item_id = ? AND status NOT IN (?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		itemID, model.QueueCompleted, model.QueueFailed, model.QueueCancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "queue.get_by_item_id", Err: err}
	}
	return &e, nil
}

// NextPending returns the most urgent (smallest priority value, then
// earliest created_at) eligible entry in QueuePending or QueueRetrying
// whose next_retry_at has elapsed, or apperr.ErrNotFound when the
// queue is empty (spec §4.2 "next_pending").
func (r *QueueRepo) NextPending(ctx context.Context, now time.Time) (*model.QueueEntry, error) {
	var e model.QueueEntry
	err := sqlx.GetContext(ctx, r.db, &e, `
		SELECT * FROM queue_entries
		WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`, model.QueuePending, model.QueueRetrying, now)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, &apperr.StorageError{Op: "queue.next_pending", Err: err}
	}
	return &e, nil
}

// MarkInProgress transitions an entry to QueueInProgress. It only
// applies when the current row is still Pending or Retrying, which
// also guards against a second worker racing the same entry.
func (r *QueueRepo) MarkInProgress(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		model.QueueInProgress, timeNow(), id, model.QueuePending, model.QueueRetrying)
	if err != nil {
		return &apperr.StorageError{Op: "queue.mark_in_progress", Err: err}
	}
	return checkRowsAffected(res, "queue.mark_in_progress")
}

// MarkCompleted transitions an entry to its terminal success state.
func (r *QueueRepo) MarkCompleted(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE queue_entries SET status = ?, updated_at = ? WHERE id = ?`,
		model.QueueCompleted, timeNow(), id)
	if err != nil {
		return &apperr.StorageError{Op: "queue.mark_completed", Err: err}
	}
	return checkRowsAffected(res, "queue.mark_completed")
}

// MarkFailed records a failed attempt. If attempts has reached
// max_attempts the entry becomes terminally QueueFailed; otherwise it
// becomes QueueRetrying with next_retry_at set from model.BackoffTable
// (spec §4.2, §8).
func (r *QueueRepo) MarkFailed(ctx context.Context, id string, reason string) error {
	e, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	e.Attempts++
	e.LastError = &reason
	if e.Attempts >= e.MaxAttempts {
		e.Status = model.QueueFailed
		e.NextRetryAt = nil
	} else {
		e.Status = model.QueueRetrying
		delay := model.BackoffTable[e.Attempts]
		next := timeNow().Add(delay)
		e.NextRetryAt = &next
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, attempts = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		e.Status, e.Attempts, e.NextRetryAt, e.LastError, timeNow(), id)
	if err != nil {
		return &apperr.StorageError{Op: "queue.mark_failed", Err: err}
	}
	return checkRowsAffected(res, "queue.mark_failed")
}

// Cancel transitions a non-terminal entry to QueueCancelled.
func (r *QueueRepo) Cancel(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		model.QueueCancelled, timeNow(), id, model.QueueCompleted, model.QueueFailed, model.QueueCancelled)
	if err != nil {
		return &apperr.StorageError{Op: "queue.cancel", Err: err}
	}
	return checkRowsAffected(res, "queue.cancel")
}

// ListByStatus returns entries in a given status, for admin inspection
// endpoints and tests.
func (r *QueueRepo) ListByStatus(ctx context.Context, status model.QueueStatus) ([]model.QueueEntry, error) {
	var entries []model.QueueEntry
	err := sqlx.SelectContext(ctx, r.db, &entries, `
		SELECT * FROM queue_entries WHERE status = ? ORDER BY priority ASC, created_at ASC`, status)
	if err != nil {
		return nil, &apperr.StorageError{Op: "queue.list_by_status", Err: err}
	}
	return entries, nil
}
