package retention

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaypod/internal/model"
	"relaypod/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

type recordingNotifier struct {
	deletions []string
	freed     int64
}

func (r *recordingNotifier) OnItemDeleted(channelID, itemID string, bytesFreed int64) {
	r.deletions = append(r.deletions, itemID)
	r.freed += bytesFreed
}

const fakeMediaContent = "fake media content"

func seedCompletedItem(t *testing.T, st *store.Store, channelID, id string, path string, publishedAt time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(fakeMediaContent), 0o644))
	it := &model.Item{
		ID:            id,
		ChannelID:     channelID,
		VideoID:       id,
		Title:         id,
		Status:        model.ItemCompleted,
		FilePathAudio: &path,
		PublishedAt:   &publishedAt,
	}
	size := int64(len(fakeMediaContent))
	it.FileSizeAudio = &size
	require.NoError(t, st.Items().Create(context.Background(), it))
}

func TestSweepDeletesBeyondKeepCount(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	ch := &model.Channel{ID: "c1", URL: "https://example.com/c1", EpisodeCountConfig: 2, Enabled: true}
	require.NoError(t, st.Channels().Create(ctx, ch))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		id := string(rune('a' + i))
		path := filepath.Join(dir, id+".mp3")
		seedCompletedItem(t, st, "c1", id, path, base.Add(time.Duration(i)*time.Hour))
	}

	notifier := &recordingNotifier{}
	cleaner := New(st, "", time.Hour, notifier)

	freed, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(fakeMediaContent)*2, freed, "two of the four items are beyond the keep count")

	// ListByChannel hides Deleted items, so read each seeded item by ID.
	remaining := make([]*model.Item, 0, 4)
	for i := 0; i < 4; i++ {
		it, err := st.Items().Get(ctx, string(rune('a'+i)))
		require.NoError(t, err)
		remaining = append(remaining, it)
	}
	assert.Len(t, remaining, 4, "deleted items stay in the store with ItemDeleted status, not removed")

	var deletedCount int
	for _, it := range remaining {
		if it.Status == model.ItemDeleted {
			deletedCount++
		}
	}
	assert.Equal(t, 2, deletedCount)
	assert.Len(t, notifier.deletions, 2)
}

func TestSweepRemovesFilesFromDisk(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	ch := &model.Channel{ID: "c1", URL: "https://example.com/c1", EpisodeCountConfig: 0, Enabled: true}
	require.NoError(t, st.Channels().Create(ctx, ch))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	paths := make([]string, 0, model.DefaultEpisodeCount+1)
	for i := 0; i <= model.DefaultEpisodeCount; i++ {
		id := "item" + string(rune('A'+i%26)) + string(rune('0'+i/26))
		path := filepath.Join(dir, id+".mp3")
		seedCompletedItem(t, st, "c1", id, path, base.Add(time.Duration(i)*time.Minute))
		paths = append(paths, path)
	}

	cleaner := New(st, "", time.Hour, nil)
	freed, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(fakeMediaContent), freed, "exactly one item exceeds the default keep count")

	_, statErr := os.Stat(paths[0])
	assert.True(t, os.IsNotExist(statErr), "oldest item's file should be removed")
}

func TestSweepToleratesAlreadyMissingFile(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	ch := &model.Channel{ID: "c1", URL: "https://example.com/c1", EpisodeCountConfig: 1, Enabled: true}
	require.NoError(t, st.Channels().Create(ctx, ch))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	missingPath := "/nonexistent/path/gone.mp3"
	newer := base.Add(time.Hour)
	older := base

	newItem := &model.Item{ID: "new", ChannelID: "c1", VideoID: "new", Title: "new", Status: model.ItemCompleted, PublishedAt: &newer}
	require.NoError(t, st.Items().Create(ctx, newItem))

	size := int64(0)
	oldItem := &model.Item{ID: "old", ChannelID: "c1", VideoID: "old", Title: "old", Status: model.ItemCompleted, PublishedAt: &older, FilePathAudio: &missingPath, FileSizeAudio: &size}
	require.NoError(t, st.Items().Create(ctx, oldItem))

	cleaner := New(st, "", time.Hour, nil)
	freed, err := cleaner.Sweep(ctx)
	require.NoError(t, err, "a missing file must not fail the sweep")
	assert.EqualValues(t, 0, freed)

	got, err := st.Items().Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, model.ItemDeleted, got.Status)
}

func TestSweepDeletesLocalThumbnailButNotRemoteURL(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	ch := &model.Channel{ID: "c1", URL: "https://example.com/c1", EpisodeCountConfig: 1, Enabled: true}
	require.NoError(t, st.Channels().Create(ctx, ch))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	localThumbPath := filepath.Join(dir, "local-thumb.jpg")
	require.NoError(t, os.WriteFile(localThumbPath, []byte("thumb"), 0o644))
	localAudioPath := filepath.Join(dir, "local.mp3")
	localSeeded := seedItemWithThumbnail(t, st, "c1", "local", localAudioPath, base, localThumbPath)

	remoteAudioPath := filepath.Join(dir, "remote.mp3")
	remoteSeeded := seedItemWithThumbnail(t, st, "c1", "remote", remoteAudioPath, base.Add(time.Hour), "https://img.example.com/remote-thumb.jpg")

	cleaner := New(st, "", time.Hour, nil)
	_, err := cleaner.Sweep(ctx)
	require.NoError(t, err)

	_, statErr := os.Stat(localThumbPath)
	assert.True(t, os.IsNotExist(statErr), "a storage-relative thumbnail must be deleted alongside the media")

	deletedLocal, err := st.Items().Get(ctx, localSeeded)
	require.NoError(t, err)
	assert.Equal(t, model.ItemDeleted, deletedLocal.Status, "the older item (local thumbnail) is the retention candidate")

	remoteItem, err := st.Items().Get(ctx, remoteSeeded)
	require.NoError(t, err)
	assert.Equal(t, model.ItemCompleted, remoteItem.Status, "the newer item (remote thumbnail) is kept, not swept")
}

func seedItemWithThumbnail(t *testing.T, st *store.Store, channelID, id, audioPath string, publishedAt time.Time, thumbnailURL string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(audioPath, []byte(fakeMediaContent), 0o644))
	size := int64(len(fakeMediaContent))
	it := &model.Item{
		ID:            id,
		ChannelID:     channelID,
		VideoID:       id,
		Title:         id,
		Status:        model.ItemCompleted,
		FilePathAudio: &audioPath,
		FileSizeAudio: &size,
		PublishedAt:   &publishedAt,
		ThumbnailURL:  thumbnailURL,
	}
	require.NoError(t, st.Items().Create(context.Background(), it))
	return id
}
