// Package feed renders a channel's completed items as RSS 2.0 (with
// the iTunes podcast extension) or Atom 1.0 XML (spec §4.6), computing
// a content-hash ETag for each rendering.
package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"path"
	"strings"
	"time"

	"relaypod/internal/model"
)

// Format selects which XML dialect to render.
type Format string

const (
	FormatRSS  Format = "rss"
	FormatAtom Format = "atom"
)

// rss is the RSS 2.0 root element, with iTunes podcast tags and the
// RSS content namespace bound for content:encoded.
type rss struct {
	XMLName    xml.Name   `xml:"rss"`
	Version    string     `xml:"version,attr"`
	ItunesNS   string      `xml:"xmlns:itunes,attr"`
	ContentNS  string      `xml:"xmlns:content,attr"`
	Channel    rssChannel `xml:"channel"`
}

type rssChannel struct {
	Title          string      `xml:"title"`
	Description    string      `xml:"description"`
	Link           string      `xml:"link"`
	Language       string      `xml:"language"`
	LastBuildDate  string      `xml:"lastBuildDate"`
	ItunesType     string      `xml:"itunes:type"`
	ItunesAuthor   string      `xml:"itunes:author"`
	ItunesSummary  string      `xml:"itunes:summary"`
	ItunesExplicit string      `xml:"itunes:explicit"`
	ItunesOwner    itunesOwner `xml:"itunes:owner"`
	ItunesImage    *itunesImage `xml:"itunes:image"`
	Items          []rssItem   `xml:"item"`
}

type itunesOwner struct {
	Email string `xml:"itunes:email"`
}

type itunesImage struct {
	Href string `xml:"href,attr"`
}

type rssItem struct {
	Title          string       `xml:"title"`
	Link           string       `xml:"link"`
	Description    string       `xml:"description"`
	GUID           rssGUID      `xml:"guid"`
	PubDate        string       `xml:"pubDate,omitempty"`
	Enclosure      rssEnclosure `xml:"enclosure"`
	ItunesTitle    string       `xml:"itunes:title"`
	ItunesExplicit string       `xml:"itunes:explicit"`
	ItunesEpisode  string       `xml:"itunes:episodeType"`
	ItunesDuration string       `xml:"itunes:duration,omitempty"`
	ItunesImage    *itunesImage `xml:"itunes:image"`
	ContentEncoded cdata        `xml:"content:encoded"`
}

type rssGUID struct {
	IsPermaLink string `xml:"isPermaLink,attr"`
	Value       string `xml:",chardata"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Type   string `xml:"type,attr"`
	Length string `xml:"length,attr"`
}

// cdata wraps a string so it marshals as a literal CDATA section
// rather than an escaped text node (spec §4.6 "CDATA contents are
// emitted verbatim").
type cdata struct {
	Text string `xml:",innerxml"`
}

func newCDATA(s string) cdata {
	return cdata{Text: "<![CDATA[" + s + "]]>"}
}

// atomFeed is the Atom 1.0 root element.
type atomFeed struct {
	XMLName  xml.Name    `xml:"feed"`
	Xmlns    string      `xml:"xmlns,attr"`
	Title    string      `xml:"title"`
	Subtitle string      `xml:"subtitle"`
	ID       string      `xml:"id"`
	Author   atomAuthor  `xml:"author"`
	Updated  string      `xml:"updated"`
	Links    []atomLink  `xml:"link"`
	Entries  []atomEntry `xml:"entry"`
}

type atomAuthor struct {
	Name string `xml:"name"`
}

type atomLink struct {
	Href   string `xml:"href,attr"`
	Rel    string `xml:"rel,attr,omitempty"`
	Type   string `xml:"type,attr,omitempty"`
	Length string `xml:"length,attr,omitempty"`
	Title  string `xml:"title,attr,omitempty"`
}

type atomEntry struct {
	Title     string      `xml:"title"`
	ID        string      `xml:"id"`
	Published string      `xml:"published,omitempty"`
	Updated   string      `xml:"updated"`
	Summary   string      `xml:"summary"`
	Content   atomContent `xml:"content"`
	Links     []atomLink  `xml:"link"`
}

type atomContent struct {
	Type string `xml:"type,attr"`
	Text string `xml:",innerxml"`
}

// Rendered holds an XML document and its content ETag.
type Rendered struct {
	Body []byte
	ETag string
}

// Render builds the feed document for a channel's items, in the given
// format and filtered to the requested artifact type (spec §4.6
// "filtering per feed type"). baseURL and feedPath build the media
// base enclosure/media URLs are resolved against.
func Render(format Format, baseURL, feedPath string, channel *model.Channel, items []model.Item, artifact model.FeedType) Rendered {
	mediaBase := mediaBaseURL(baseURL, feedPath)

	var body []byte
	switch format {
	case FormatAtom:
		body = renderAtom(mediaBase, channel, items, artifact)
	default:
		body = renderRSS(mediaBase, channel, items, artifact)
	}
	return Rendered{Body: body, ETag: etag(body)}
}

// mediaBaseURL implements spec §4.6's "media base" rule: base,
// right-trimmed of trailing slashes, joined with feedPath trimmed of
// leading/trailing slashes — or just the base when feedPath is empty.
func mediaBaseURL(baseURL, feedPath string) string {
	base := strings.TrimRight(baseURL, "/")
	fp := strings.Trim(feedPath, "/")
	if fp == "" {
		return base
	}
	return base + "/" + fp
}

// fileURL builds a media URL from the media base and an item's
// stored relative path (spec §4.6 "Enclosure URL construction").
func fileURL(mediaBase, relativePath string) string {
	return mediaBase + "/" + strings.TrimLeft(relativePath, "/")
}

// mimeForPath derives a MIME type from a stored path's extension,
// following the exact table in spec §4.6.
func mimeForPath(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".aac":
		return "audio/aac"
	case ".ogg":
		return "audio/ogg"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	default:
		return "application/octet-stream"
	}
}

func renderRSS(mediaBase string, channel *model.Channel, items []model.Item, artifact model.FeedType) []byte {
	doc := rss{
		Version:   "2.0",
		ItunesNS:  "http://www.itunes.com/dtds/podcast-1.0.dtd",
		ContentNS: "http://purl.org/rss/1.0/modules/content/",
		Channel: rssChannel{
			Title:          channel.Title,
			Description:    channel.Description,
			Link:           channel.URL,
			Language:       "en-us",
			LastBuildDate:  time.Now().UTC().Format(time.RFC1123Z),
			ItunesType:     "episodic",
			ItunesAuthor:   channel.Title,
			ItunesSummary:  channel.Description,
			ItunesExplicit: "false",
			ItunesOwner:    itunesOwner{Email: synthesizedOwnerEmail(channel.Title)},
			ItunesImage:    itunesImageFor(channel.ThumbnailURL),
		},
	}

	for _, it := range items {
		if !it.MatchesFeedType(artifact) {
			continue
		}
		doc.Channel.Items = append(doc.Channel.Items, rssItemFor(mediaBase, &it, artifact))
	}

	out, _ := xml.MarshalIndent(doc, "", "  ")
	return append([]byte(xml.Header), out...)
}

func rssItemFor(mediaBase string, it *model.Item, artifact model.FeedType) rssItem {
	enc := enclosureFor(mediaBase, it, artifact)
	pubDate := ""
	if it.PublishedAt != nil {
		pubDate = it.PublishedAt.UTC().Format(time.RFC1123Z)
	}
	return rssItem{
		Title:          it.Title,
		Link:           watchURL(it.VideoID),
		Description:    it.Description,
		GUID:           rssGUID{IsPermaLink: "false", Value: "yt:" + it.VideoID},
		PubDate:        pubDate,
		Enclosure:      enc,
		ItunesTitle:    it.Title,
		ItunesExplicit: "false",
		ItunesEpisode:  "full",
		ItunesDuration: durationOrEmpty(it.DurationSecs),
		ItunesImage:    itunesImageFor(it.ThumbnailURL),
		ContentEncoded: newCDATA(it.Description),
	}
}

func watchURL(videoID string) string {
	return "https://www.youtube.com/watch?v=" + videoID
}

func durationOrEmpty(secs *int64) string {
	if secs == nil {
		return ""
	}
	return formatDuration(*secs)
}

// enclosureFor resolves the enclosure using the item's actually stored
// relative artifact path (spec §4.6 "Enclosure URL construction"); for
// FeedBoth it prefers audio when both are present, falling back to
// whichever side is complete.
func enclosureFor(mediaBase string, it *model.Item, artifact model.FeedType) rssEnclosure {
	useVideo := artifact == model.FeedVideo || (artifact == model.FeedBoth && !it.HasAudio() && it.HasVideo())
	if useVideo && it.FilePathVideo != nil {
		return rssEnclosure{
			URL:    fileURL(mediaBase, *it.FilePathVideo),
			Type:   mimeForPath(*it.FilePathVideo),
			Length: sizeOrZero(it.FileSizeVideo),
		}
	}
	if it.FilePathAudio != nil {
		return rssEnclosure{
			URL:    fileURL(mediaBase, *it.FilePathAudio),
			Type:   mimeForPath(*it.FilePathAudio),
			Length: sizeOrZero(it.FileSizeAudio),
		}
	}
	return rssEnclosure{}
}

func itunesImageFor(thumbnailURL string) *itunesImage {
	if thumbnailURL == "" {
		return nil
	}
	return &itunesImage{Href: thumbnailURL}
}

// synthesizedOwnerEmail distills a title into a lowercase
// alphanumeric-only local part (spec §4.6); this is intentionally
// lossy and may collide across channels with similar titles.
func synthesizedOwnerEmail(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	local := b.String()
	if local == "" {
		local = "channel"
	}
	return local + "@" + local + ".com"
}

func renderAtom(mediaBase string, channel *model.Channel, items []model.Item, artifact model.FeedType) []byte {
	feedURL := fmt.Sprintf("%s/%s/%s", mediaBase, channel.ID, string(artifact))
	doc := atomFeed{
		Xmlns:    "http://www.w3.org/2005/Atom",
		Title:    channel.Title,
		Subtitle: channel.Description,
		ID:       feedURL,
		Author:   atomAuthor{Name: channel.Title},
		Updated:  channel.UpdatedAt.UTC().Format(time.RFC3339),
		Links: []atomLink{
			{Href: feedURL, Rel: "self", Type: "application/atom+xml"},
			{Href: channel.URL, Rel: "alternate"},
		},
	}

	for _, it := range items {
		if !it.MatchesFeedType(artifact) {
			continue
		}
		doc.Entries = append(doc.Entries, atomEntryFor(mediaBase, &it, artifact))
	}

	out, _ := xml.MarshalIndent(doc, "", "  ")
	return append([]byte(xml.Header), out...)
}

func atomEntryFor(mediaBase string, it *model.Item, artifact model.FeedType) atomEntry {
	published := ""
	if it.PublishedAt != nil {
		published = it.PublishedAt.UTC().Format(time.RFC3339)
	}

	enc := enclosureFor(mediaBase, it, artifact)
	links := []atomLink{
		{Href: watchURL(it.VideoID), Rel: "alternate"},
	}
	if enc.URL != "" {
		links = append(links, atomLink{
			Href:   enc.URL,
			Rel:    "enclosure",
			Type:   enc.Type,
			Length: enc.Length,
			Title:  "Audio Download",
		})
	}

	return atomEntry{
		Title:     it.Title,
		ID:        "yt:" + it.VideoID,
		Published: published,
		Updated:   atomEntryUpdated(it).UTC().Format(time.RFC3339),
		Summary:   it.Description,
		Content:   atomContent{Type: "html", Text: "<![CDATA[" + it.Description + "]]>"},
		Links:     links,
	}
}

// atomEntryUpdated is max(item.updated_at, item.published_at), per
// spec §4.6's Atom entry rules.
func atomEntryUpdated(it *model.Item) time.Time {
	updated := it.UpdatedAt
	if it.PublishedAt != nil && it.PublishedAt.After(updated) {
		updated = *it.PublishedAt
	}
	return updated
}

func sizeOrZero(size *int64) string {
	if size == nil {
		return "0"
	}
	return fmt.Sprintf("%d", *size)
}

func formatDuration(secs int64) string {
	if secs < 0 {
		return "0:00"
	}
	h := secs / 3600
	m := (secs % 3600) / 60
	s := secs % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// etag returns the lowercase hex SHA-256 digest of the rendered body
// (spec §4.6 "ETag is a content hash").
func etag(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
