// Package queue implements the download-queue state machine (spec
// §4.2) atop the relational store: enqueue, next_pending,
// mark_in_progress, mark_completed, mark_failed, and cancel.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"relaypod/internal/apperr"
	"relaypod/internal/model"
	"relaypod/internal/store"
)

// Queue wraps the store's queue_entries repository with the
// transition rules spec §4.2 requires.
type Queue struct {
	st *store.Store
}

// New builds a Queue over the given store.
func New(st *store.Store) *Queue {
	return &Queue{st: st}
}

// Enqueue creates a queue entry for an item, rejecting a second
// enqueue while one is already active (spec §4.2 "AlreadyQueued").
func (q *Queue) Enqueue(ctx context.Context, itemID string, priority int) (*model.QueueEntry, error) {
	existing, err := q.st.QueueEntries().GetByItemID(ctx, itemID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, apperr.ErrAlreadyQueued
	}

	entry := &model.QueueEntry{
		ID:          uuid.NewString(),
		ItemID:      itemID,
		Priority:    model.ClampPriority(priority),
		Status:      model.QueuePending,
		MaxAttempts: model.DefaultMaxAttempts,
	}
	if err := q.st.QueueEntries().Create(ctx, entry); err != nil {
		return nil, err
	}
	slog.Info("queue entry enqueued", "entry_id", entry.ID, "item_id", itemID, "priority", entry.Priority)
	return entry, nil
}

// NextPending claims and returns the next eligible entry, or
// apperr.ErrNotFound when nothing is ready. The returned entry has
// already transitioned to QueueInProgress.
func (q *Queue) NextPending(ctx context.Context) (*model.QueueEntry, error) {
	entry, err := q.st.QueueEntries().NextPending(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := q.st.QueueEntries().MarkInProgress(ctx, entry.ID); err != nil {
		// Another worker claimed it first; treat as empty rather than error.
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	entry.Status = model.QueueInProgress
	return entry, nil
}

// MarkCompleted transitions a claimed entry to its terminal success state.
func (q *Queue) MarkCompleted(ctx context.Context, entryID string) error {
	if err := q.st.QueueEntries().MarkCompleted(ctx, entryID); err != nil {
		return err
	}
	slog.Info("queue entry completed", "entry_id", entryID)
	return nil
}

// MarkFailed records a failed attempt, moving the entry to Retrying
// with a backoff delay or terminally Failed once max_attempts is
// reached (spec §4.2, §8). Non-retryable causes (cancellation,
// invalid-state bugs) cancel the entry outright instead of retrying.
func (q *Queue) MarkFailed(ctx context.Context, entryID string, cause error) error {
	if !apperr.Retryable(cause) {
		return q.Cancel(ctx, entryID)
	}
	if err := q.st.QueueEntries().MarkFailed(ctx, entryID, cause.Error()); err != nil {
		return err
	}
	slog.Warn("queue entry attempt failed", "entry_id", entryID, "error", cause)
	return nil
}

// Cancel transitions a non-terminal entry to QueueCancelled.
func (q *Queue) Cancel(ctx context.Context, entryID string) error {
	if err := q.st.QueueEntries().Cancel(ctx, entryID); err != nil {
		return err
	}
	slog.Info("queue entry cancelled", "entry_id", entryID)
	return nil
}

// Get returns a queue entry by ID.
func (q *Queue) Get(ctx context.Context, entryID string) (*model.QueueEntry, error) {
	return q.st.QueueEntries().Get(ctx, entryID)
}

// ListByStatus returns every entry in the given status, for admin
// inspection endpoints (spec's supplemental /api/queue endpoint).
func (q *Queue) ListByStatus(ctx context.Context, status model.QueueStatus) ([]model.QueueEntry, error) {
	return q.st.QueueEntries().ListByStatus(ctx, status)
}

// ErrEmpty reports that the queue currently has no eligible entry;
// callers awaiting work should retry after a short delay.
var ErrEmpty = fmt.Errorf("queue: %w", apperr.ErrNotFound)
