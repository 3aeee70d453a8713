// Package httpapi is relaypod's HTTP surface (spec §6): per-channel
// and combined RSS/Atom feeds, static media serving, health and
// metrics endpoints, and a handful of supplemental admin endpoints for
// inspecting channels, items, and the download queue.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaypod/internal/apperr"
	"relaypod/internal/feed"
	"relaypod/internal/feedcache"
	"relaypod/internal/metrics"
	"relaypod/internal/model"
	"relaypod/internal/queue"
	"relaypod/internal/store"
)

// Server wraps the HTTP server exposing relaypod's feeds and admin API.
type Server struct {
	httpServer *http.Server
	router     *gin.Engine
}

// Config groups the Server's construction parameters.
type Config struct {
	Port      string
	BaseURL   string
	FeedPath  string
	MediaRoot string
	Store     *store.Store
	Queue     *queue.Queue
	Cache     *feedcache.Cache
	Metrics   *metrics.Sink
}

// New builds an HTTP Server wiring every route described in spec §6.
func New(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	h := &handlers{cfg: cfg}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(cfg.Metrics))

	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	router.GET("/feed/:channel_id/:artifact", h.channelFeed)
	router.GET("/feed/combined/:artifact", h.combinedFeed)
	router.StaticFS(cfg.FeedPath+"/media", http.Dir(cfg.MediaRoot))

	api := router.Group("/api")
	api.GET("/channels", h.listChannels)
	api.GET("/channels/:channel_id/items", h.listItems)
	api.GET("/queue", h.listQueue)

	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start runs the HTTP server until it's shut down or fails.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type handlers struct {
	cfg Config
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handlers) channelFeed(c *gin.Context) {
	channelID := c.Param("channel_id")
	artifact := model.FeedType(c.Param("artifact"))

	channel, err := h.cfg.Store.Channels().Get(c.Request.Context(), channelID)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	cacheKey := "channel:" + channelID
	if cached, ok := h.cfg.Cache.Get(cacheKey, string(artifact)); ok {
		h.cfg.Metrics.IncFeedCacheHit()
		serveFeed(c, cached)
		return
	}
	h.cfg.Metrics.IncFeedCacheMiss()

	items, err := h.cfg.Store.Items().ListByChannel(c.Request.Context(), channelID, channel.ResolvedEpisodeCount())
	if err != nil {
		writeStoreError(c, err)
		return
	}

	rendered := feed.Render(formatFor(c), h.cfg.BaseURL, h.cfg.FeedPath, channel, items, artifact)
	h.cfg.Cache.Set(cacheKey, string(artifact), rendered)
	serveFeed(c, rendered)
}

// combinedFeedPerChannelLimit and combinedFeedCap bound the combined
// feed's per-channel fetch and its final merged size (spec §4.6
// "Combined feed").
const (
	combinedFeedPerChannelLimit = 100
	combinedFeedCap             = 100
)

func (h *handlers) combinedFeed(c *gin.Context) {
	artifact := model.FeedType(c.Param("artifact"))

	cacheKey := "combined"
	if cached, ok := h.cfg.Cache.Get(cacheKey, string(artifact)); ok {
		h.cfg.Metrics.IncFeedCacheHit()
		serveFeed(c, cached)
		return
	}
	h.cfg.Metrics.IncFeedCacheMiss()

	channels, err := h.cfg.Store.Channels().List(c.Request.Context(), true)
	if err != nil {
		writeStoreError(c, err)
		return
	}

	synthetic := &model.Channel{
		ID:          "combined",
		Title:       "All Channels",
		Description: "Combined feed across every enabled channel",
	}

	var allItems []model.Item
	for _, ch := range channels {
		items, err := h.cfg.Store.Items().ListByChannel(c.Request.Context(), ch.ID, combinedFeedPerChannelLimit)
		if err != nil {
			continue
		}
		allItems = append(allItems, items...)
	}

	sort.SliceStable(allItems, func(i, j int) bool {
		a, b := allItems[i].PublishedAt, allItems[j].PublishedAt
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.After(*b)
	})
	if len(allItems) > combinedFeedCap {
		allItems = allItems[:combinedFeedCap]
	}

	rendered := feed.Render(formatFor(c), h.cfg.BaseURL, h.cfg.FeedPath, synthetic, allItems, artifact)
	h.cfg.Cache.Set(cacheKey, string(artifact), rendered)
	serveFeed(c, rendered)
}

func (h *handlers) listChannels(c *gin.Context) {
	channels, err := h.cfg.Store.Channels().List(c.Request.Context(), false)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, channels)
}

func (h *handlers) listItems(c *gin.Context) {
	channelID := c.Param("channel_id")
	items, err := h.cfg.Store.Items().ListByChannel(c.Request.Context(), channelID, 0)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *handlers) listQueue(c *gin.Context) {
	status := model.QueueStatus(c.Query("status"))
	if status == "" {
		status = model.QueuePending
	}
	entries, err := h.cfg.Queue.ListByStatus(c.Request.Context(), status)
	if err != nil {
		writeStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func formatFor(c *gin.Context) feed.Format {
	if c.Query("format") == "atom" {
		return feed.FormatAtom
	}
	return feed.FormatRSS
}

func serveFeed(c *gin.Context, r feed.Rendered) {
	c.Header("ETag", r.ETag)
	if match := c.GetHeader("If-None-Match"); match != "" && match == r.ETag {
		c.Status(http.StatusNotModified)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", r.Body)
}

func writeStoreError(c *gin.Context, err error) {
	if errors.Is(err, apperr.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
