package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaypod/internal/apperr"
	"relaypod/internal/model"
)

func seedItem(t *testing.T, st *Store, channelID, itemID string) {
	t.Helper()
	it := &model.Item{ID: itemID, ChannelID: channelID, VideoID: itemID, Title: itemID}
	require.NoError(t, st.Items().Create(context.Background(), it))
}

func TestQueueCreateAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, st, "c1")
	seedItem(t, st, "c1", "i1")

	e := &model.QueueEntry{ID: "q1", ItemID: "i1", Priority: 5}
	require.NoError(t, st.QueueEntries().Create(ctx, e))

	got, err := st.QueueEntries().Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.QueuePending, got.Status)
	assert.Equal(t, model.DefaultMaxAttempts, got.MaxAttempts)
}

func TestQueueGetByItemIDIgnoresTerminalEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, st, "c1")
	seedItem(t, st, "c1", "i1")

	e := &model.QueueEntry{ID: "q1", ItemID: "i1"}
	require.NoError(t, st.QueueEntries().Create(ctx, e))
	require.NoError(t, st.QueueEntries().MarkCompleted(ctx, "q1"))

	_, err := st.QueueEntries().GetByItemID(ctx, "i1")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "a completed entry must not block re-enqueue")
}

func TestQueueNextPendingOrdersByPriorityThenAge(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, st, "c1")
	seedItem(t, st, "c1", "i1")
	seedItem(t, st, "c1", "i2")

	urgent := &model.QueueEntry{ID: "q1", ItemID: "i1", Priority: 1}
	relaxed := &model.QueueEntry{ID: "q2", ItemID: "i2", Priority: 9}
	require.NoError(t, st.QueueEntries().Create(ctx, urgent))
	require.NoError(t, st.QueueEntries().Create(ctx, relaxed))

	next, err := st.QueueEntries().NextPending(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "q1", next.ID, "lower priority value is more urgent and should be claimed first")
}

func TestQueueNextPendingRespectsRetryDelay(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, st, "c1")
	seedItem(t, st, "c1", "i1")

	future := time.Now().UTC().Add(time.Hour)
	e := &model.QueueEntry{ID: "q1", ItemID: "i1", Status: model.QueueRetrying, NextRetryAt: &future}
	require.NoError(t, st.QueueEntries().Create(ctx, e))

	_, err := st.QueueEntries().NextPending(ctx, time.Now().UTC())
	assert.ErrorIs(t, err, apperr.ErrNotFound, "an entry whose retry delay hasn't elapsed must not be claimed")
}

func TestQueueMarkInProgressGuardsAgainstDoubleClaim(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, st, "c1")
	seedItem(t, st, "c1", "i1")

	e := &model.QueueEntry{ID: "q1", ItemID: "i1"}
	require.NoError(t, st.QueueEntries().Create(ctx, e))

	require.NoError(t, st.QueueEntries().MarkInProgress(ctx, "q1"))

	err := st.QueueEntries().MarkInProgress(ctx, "q1")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "a second claim of an already in-progress entry must fail")
}

func TestQueueMarkFailedRetriesUntilMaxAttempts(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, st, "c1")
	seedItem(t, st, "c1", "i1")

	e := &model.QueueEntry{ID: "q1", ItemID: "i1", MaxAttempts: 2}
	require.NoError(t, st.QueueEntries().Create(ctx, e))

	require.NoError(t, st.QueueEntries().MarkFailed(ctx, "q1", "first failure"))
	got, err := st.QueueEntries().Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.QueueRetrying, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.NextRetryAt)

	require.NoError(t, st.QueueEntries().MarkFailed(ctx, "q1", "second failure"))
	got, err = st.QueueEntries().Get(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, model.QueueFailed, got.Status, "attempts reaching max_attempts must become terminal")
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.NextRetryAt)
}

func TestQueueCancelRejectsTerminalEntries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, st, "c1")
	seedItem(t, st, "c1", "i1")

	e := &model.QueueEntry{ID: "q1", ItemID: "i1"}
	require.NoError(t, st.QueueEntries().Create(ctx, e))
	require.NoError(t, st.QueueEntries().MarkCompleted(ctx, "q1"))

	err := st.QueueEntries().Cancel(ctx, "q1")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "a completed entry cannot be cancelled")
}

func TestQueueListByStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedChannel(t, st, "c1")
	seedItem(t, st, "c1", "i1")
	seedItem(t, st, "c1", "i2")

	require.NoError(t, st.QueueEntries().Create(ctx, &model.QueueEntry{ID: "q1", ItemID: "i1"}))
	require.NoError(t, st.QueueEntries().Create(ctx, &model.QueueEntry{ID: "q2", ItemID: "i2"}))
	require.NoError(t, st.QueueEntries().MarkInProgress(ctx, "q2"))

	pending, err := st.QueueEntries().ListByStatus(ctx, model.QueuePending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "q1", pending[0].ID)
}
