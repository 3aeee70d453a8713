package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaypod/internal/feedcache"
	"relaypod/internal/metrics"
	"relaypod/internal/model"
	"relaypod/internal/queue"
	"relaypod/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	srv := New(Config{
		Port:      "0",
		BaseURL:   "https://relay.example.com",
		FeedPath:  "/feed",
		MediaRoot: t.TempDir(),
		Store:     st,
		Queue:     queue.New(st),
		Cache:     feedcache.New(time.Minute),
		Metrics:   metrics.New(),
	})
	return srv, st
}

func seedChannelWithItem(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	ch := &model.Channel{ID: "c1", URL: "https://example.com/c1", Title: "Channel One", FeedType: model.FeedAudio, Enabled: true}
	require.NoError(t, st.Channels().Create(ctx, ch))
	path := "/tmp/episode.mp3"
	size := int64(100)
	it := &model.Item{
		ID: "i1", ChannelID: "c1", VideoID: "v1", Title: "Episode One",
		Status: model.ItemCompleted, FilePathAudio: &path, FileSizeAudio: &size,
	}
	require.NoError(t, st.Items().Create(ctx, it))
}

func (s *Server) test() http.Handler { return s.router }

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.test().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestChannelFeedServesRenderedXML(t *testing.T) {
	srv, st := newTestServer(t)
	seedChannelWithItem(t, st)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/feed/c1/audio", nil)
	srv.test().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Episode One")
	assert.NotEmpty(t, rec.Header().Get("ETag"))
}

func TestChannelFeedUnknownChannelReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/feed/nonexistent/audio", nil)
	srv.test().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChannelFeedIfNoneMatchReturns304(t *testing.T) {
	srv, st := newTestServer(t)
	seedChannelWithItem(t, st)

	rec1 := httptest.NewRecorder()
	srv.test().ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/feed/c1/audio", nil))
	require.Equal(t, http.StatusOK, rec1.Code)
	etag := rec1.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/feed/c1/audio", nil)
	req2.Header.Set("If-None-Match", etag)
	srv.test().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestChannelFeedSecondRequestIsCacheHit(t *testing.T) {
	srv, st := newTestServer(t)
	seedChannelWithItem(t, st)

	rec1 := httptest.NewRecorder()
	srv.test().ServeHTTP(rec1, httptest.NewRequest(http.MethodGet, "/feed/c1/audio", nil))
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := httptest.NewRecorder()
	srv.test().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/feed/c1/audio", nil))
	require.Equal(t, http.StatusOK, rec2.Code)

	assert.Equal(t, rec1.Body.String(), rec2.Body.String())
}

func TestCombinedFeedAggregatesAcrossChannels(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	ch1 := &model.Channel{ID: "c1", URL: "https://example.com/c1", Title: "One", FeedType: model.FeedAudio, Enabled: true}
	ch2 := &model.Channel{ID: "c2", URL: "https://example.com/c2", Title: "Two", FeedType: model.FeedAudio, Enabled: true}
	require.NoError(t, st.Channels().Create(ctx, ch1))
	require.NoError(t, st.Channels().Create(ctx, ch2))

	path := "/tmp/a.mp3"
	size := int64(1)
	require.NoError(t, st.Items().Create(ctx, &model.Item{ID: "i1", ChannelID: "c1", VideoID: "v1", Title: "From One", Status: model.ItemCompleted, FilePathAudio: &path, FileSizeAudio: &size}))
	require.NoError(t, st.Items().Create(ctx, &model.Item{ID: "i2", ChannelID: "c2", VideoID: "v2", Title: "From Two", Status: model.ItemCompleted, FilePathAudio: &path, FileSizeAudio: &size}))

	rec := httptest.NewRecorder()
	srv.test().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feed/combined/audio", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "From One")
	assert.Contains(t, rec.Body.String(), "From Two")
}

func TestCombinedFeedOrdersNewestFirstAcrossChannels(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	ch1 := &model.Channel{ID: "c1", URL: "https://example.com/c1", Title: "One", FeedType: model.FeedAudio, Enabled: true}
	ch2 := &model.Channel{ID: "c2", URL: "https://example.com/c2", Title: "Two", FeedType: model.FeedAudio, Enabled: true}
	require.NoError(t, st.Channels().Create(ctx, ch1))
	require.NoError(t, st.Channels().Create(ctx, ch2))

	path := "/tmp/a.mp3"
	size := int64(1)
	older := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	// Oldest item belongs to the channel processed first, newest to the
	// channel processed second: a naive per-channel concatenation would
	// emit "Older From One" ahead of "Newer From Two".
	require.NoError(t, st.Items().Create(ctx, &model.Item{ID: "i1", ChannelID: "c1", VideoID: "v1", Title: "Older From One", Status: model.ItemCompleted, PublishedAt: &older, FilePathAudio: &path, FileSizeAudio: &size}))
	require.NoError(t, st.Items().Create(ctx, &model.Item{ID: "i2", ChannelID: "c2", VideoID: "v2", Title: "Newer From Two", Status: model.ItemCompleted, PublishedAt: &newer, FilePathAudio: &path, FileSizeAudio: &size}))

	rec := httptest.NewRecorder()
	srv.test().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/feed/combined/audio", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	newerIdx := strings.Index(body, "Newer From Two")
	olderIdx := strings.Index(body, "Older From One")
	require.NotEqual(t, -1, newerIdx)
	require.NotEqual(t, -1, olderIdx)
	assert.Less(t, newerIdx, olderIdx, "combined feed must be globally re-ordered by published_at desc, not grouped by channel")
}

func TestListChannels(t *testing.T) {
	srv, st := newTestServer(t)
	seedChannelWithItem(t, st)

	rec := httptest.NewRecorder()
	srv.test().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "c1")
}

func TestListItemsForChannel(t *testing.T) {
	srv, st := newTestServer(t)
	seedChannelWithItem(t, st)

	rec := httptest.NewRecorder()
	srv.test().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channels/c1/items", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Episode One")
}

func TestListQueueDefaultsToPending(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	ch := &model.Channel{ID: "c1", URL: "https://example.com/c1", Enabled: true}
	require.NoError(t, st.Channels().Create(ctx, ch))
	require.NoError(t, st.Items().Create(ctx, &model.Item{ID: "i1", ChannelID: "c1", VideoID: "v1", Title: "t"}))

	q := queue.New(st)
	_, err := q.Enqueue(ctx, "i1", model.DefaultPriority)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.test().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "i1")
}

func TestListQueueFiltersByStatusQueryParam(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()
	ch := &model.Channel{ID: "c1", URL: "https://example.com/c1", Enabled: true}
	require.NoError(t, st.Channels().Create(ctx, ch))
	require.NoError(t, st.Items().Create(ctx, &model.Item{ID: "i1", ChannelID: "c1", VideoID: "v1", Title: "t"}))

	q := queue.New(st)
	e, err := q.Enqueue(ctx, "i1", model.DefaultPriority)
	require.NoError(t, err)
	require.NoError(t, q.Cancel(ctx, e.ID))

	rec := httptest.NewRecorder()
	srv.test().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/queue?status=cancelled", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "i1")
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.test().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relaypod")
}
