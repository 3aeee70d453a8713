// Package model defines the persistent entities of relaypod (spec §3):
// Channel, Item, and QueueEntry, plus the small enums that constrain
// their fields.
package model

import "time"

// FeedType selects which artifacts a channel wants transcoded and
// which enclosures a feed emits for its items.
type FeedType string

const (
	FeedAudio FeedType = "audio"
	FeedVideo FeedType = "video"
	FeedBoth  FeedType = "both"
)

// DefaultEpisodeCount is substituted whenever a channel's
// episode_count_config is zero or negative (spec §3 Channel invariant).
const DefaultEpisodeCount = 50

// ItemStatus is the lifecycle state of an Item (spec §3).
type ItemStatus string

const (
	ItemPending     ItemStatus = "pending"
	ItemDownloading ItemStatus = "downloading"
	ItemProcessing  ItemStatus = "processing"
	ItemCompleted   ItemStatus = "completed"
	ItemFailed      ItemStatus = "failed"
	ItemDeleted     ItemStatus = "deleted"
)

// QueueStatus is the lifecycle state of a QueueEntry (spec §4.2).
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueInProgress QueueStatus = "in_progress"
	QueueRetrying   QueueStatus = "retrying"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
	QueueCancelled  QueueStatus = "cancelled"
)

// DefaultMaxAttempts is the default ceiling on QueueEntry.Attempts
// before a queue entry becomes terminally Failed.
const DefaultMaxAttempts = 5

// DefaultPriority is used by the refresh scheduler when enqueueing
// newly discovered items (spec §4.4 step 3).
const DefaultPriority = 5

// Channel is a remote source of items identified by a URL (spec §3).
type Channel struct {
	ID                 string    `db:"id"`
	URL                string    `db:"url"`
	Title              string    `db:"title"`
	Description        string    `db:"description"`
	ThumbnailURL       string    `db:"thumbnail_url"`
	Enabled            bool      `db:"enabled"`
	FeedType           FeedType  `db:"feed_type"`
	EpisodeCountConfig int       `db:"episode_count_config"`
	LastRefreshAt      *time.Time `db:"last_refresh_at"`
	CreatedAt          time.Time `db:"created_at"`
	UpdatedAt          time.Time `db:"updated_at"`
}

// ResolvedEpisodeCount returns EpisodeCountConfig, coerced to
// DefaultEpisodeCount when zero or negative (spec §3).
func (c *Channel) ResolvedEpisodeCount() int {
	if c.EpisodeCountConfig <= 0 {
		return DefaultEpisodeCount
	}
	return c.EpisodeCountConfig
}

// Item is a single media unit (podcast episode) discovered inside a
// channel (spec §3).
type Item struct {
	ID            string     `db:"id"`
	ChannelID     string     `db:"channel_id"`
	VideoID       string     `db:"video_id"`
	Title         string     `db:"title"`
	Description   string     `db:"description"`
	ThumbnailURL  string     `db:"thumbnail_url"`
	DurationSecs  *int64     `db:"duration_secs"`
	PublishedAt   *time.Time `db:"published_at"`
	Status        ItemStatus `db:"status"`
	FilePathAudio *string    `db:"file_path_audio"`
	FileSizeAudio *int64     `db:"file_size_audio"`
	FilePathVideo *string    `db:"file_path_video"`
	FileSizeVideo *int64     `db:"file_size_video"`
	DownloadedAt  *time.Time `db:"downloaded_at"`
	LastError     *string    `db:"last_error"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

// HasAudio reports whether the item has a complete audio artifact.
func (i *Item) HasAudio() bool {
	return i.FilePathAudio != nil && *i.FilePathAudio != "" && i.FileSizeAudio != nil
}

// HasVideo reports whether the item has a complete video artifact.
func (i *Item) HasVideo() bool {
	return i.FilePathVideo != nil && *i.FilePathVideo != "" && i.FileSizeVideo != nil
}

// MatchesFeedType reports whether the item is eligible for inclusion
// in a feed of the given type (spec §4.6 "Filtering per feed type").
func (i *Item) MatchesFeedType(ft FeedType) bool {
	switch ft {
	case FeedAudio:
		return i.HasAudio()
	case FeedVideo:
		return i.HasVideo()
	case FeedBoth:
		return i.HasAudio() || i.HasVideo()
	default:
		return false
	}
}

// QueueEntry is a scheduling record pointing at an Item (spec §3, §4.2).
type QueueEntry struct {
	ID          string      `db:"id"`
	ItemID      string      `db:"item_id"`
	Priority    int         `db:"priority"`
	Status      QueueStatus `db:"status"`
	Attempts    int         `db:"attempts"`
	MaxAttempts int         `db:"max_attempts"`
	NextRetryAt *time.Time  `db:"next_retry_at"`
	LastError   *string     `db:"last_error"`
	CreatedAt   time.Time   `db:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"`
}

// ClampPriority clamps a priority to the valid [1,10] range (spec §4.2).
func ClampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}

// IsTerminal reports whether a queue status admits no further
// transitions other than being superseded by a fresh enqueue.
func (s QueueStatus) IsTerminal() bool {
	switch s {
	case QueueCompleted, QueueFailed, QueueCancelled:
		return true
	default:
		return false
	}
}

// BackoffTable is the fixed retry-delay sequence keyed by the
// just-completed attempt number (spec §4.2, §8).
var BackoffTable = map[int]time.Duration{
	1: 0,
	2: 5 * time.Minute,
	3: 30 * time.Minute,
	4: 2 * time.Hour,
	5: 8 * time.Hour,
}
