// Package opml reads and writes channel lists as OPML outlines pointing at
// each channel's RSS feed.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"
)

// FeedBase is the channel RSS endpoint; the channel id goes in channel_id.
const FeedBase = "https://www.youtube.com/feeds/videos.xml"

// OPML represents the root OPML document structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is one feed entry. Subscription exports nest the feeds one level
// below a grouping outline.
type Outline struct {
	Type     string    `xml:"type,attr,omitempty"`
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Channel is a tracked channel as it appears in an OPML file.
type Channel struct {
	Name      string
	ChannelID string
}

// FeedURL returns the RSS feed of a channel.
func FeedURL(channelID string) string {
	return FeedBase + "?channel_id=" + url.QueryEscape(channelID)
}

// ChannelURL returns the channel's web page.
func ChannelURL(channelID string) string {
	return "https://www.youtube.com/channel/" + channelID
}

// ChannelIDFromFeed extracts the channel id from a feed URL.
func ChannelIDFromFeed(feed string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(feed))
	if err != nil {
		return "", false
	}
	id := strings.TrimSpace(u.Query().Get("channel_id"))
	return id, id != ""
}

// Export writes channels as an OPML document.
func Export(w io.Writer, channels []Channel, created time.Time) error {
	doc := OPML{
		Version: "1.1",
		Head: Head{
			Title:       "ytbackup channels",
			DateCreated: created.UTC().Format(time.RFC1123Z),
		},
	}
	group := Outline{Text: "YouTube Subscriptions", Title: "YouTube Subscriptions"}
	for _, ch := range channels {
		group.Outlines = append(group.Outlines, Outline{
			Type:    "rss",
			Text:    ch.Name,
			Title:   ch.Name,
			XMLURL:  FeedURL(ch.ChannelID),
			HTMLURL: ChannelURL(ch.ChannelID),
		})
	}
	doc.Body.Outlines = []Outline{group}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encode OPML: %w", err)
	}
	return nil
}

// Import returns every channel feed found in the document, at any depth.
// Outlines without a recognizable channel feed are skipped; duplicates are
// returned once.
func Import(r io.Reader) ([]Channel, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode OPML: %w", err)
	}
	seen := map[string]bool{}
	var channels []Channel
	var walk func([]Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if id, ok := ChannelIDFromFeed(o.XMLURL); ok && !seen[id] {
				seen[id] = true
				name := o.Title
				if name == "" {
					name = o.Text
				}
				channels = append(channels, Channel{Name: name, ChannelID: id})
			}
			walk(o.Outlines)
		}
	}
	walk(doc.Body.Outlines)
	return channels, nil
}
