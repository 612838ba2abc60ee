package youtube

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"ytbackup/internal/domain"
	"ytbackup/internal/logging"
)

// MaxBatch is the largest id list a single list call accepts.
const MaxBatch = 50

// Options configures a Client.
type Options struct {
	APIKey            string
	CredentialsFile   string
	RequestsPerSecond float64

	// HTTPClient and Endpoint redirect calls, used by tests.
	HTTPClient *http.Client
	Endpoint   string
}

// Client is the narrow view of the Data API the archive needs. Every call
// waits on the rate limiter and charges its cost to the quota meter.
type Client struct {
	svc     *yt.Service
	limiter *rate.Limiter
	meter   *QuotaMeter
}

func New(ctx context.Context, opts Options, meter *QuotaMeter) (*Client, error) {
	var clientOpts []option.ClientOption
	switch {
	case opts.HTTPClient != nil:
		clientOpts = append(clientOpts, option.WithHTTPClient(opts.HTTPClient))
	case opts.CredentialsFile != "":
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	case opts.APIKey != "":
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	default:
		return nil, errors.New("youtube: api key or credentials file required")
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}

	svc, err := yt.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	if meter == nil {
		meter = &QuotaMeter{}
	}
	return &Client{svc: svc, limiter: rate.NewLimiter(limit, 1), meter: meter}, nil
}

// Meter exposes the quota counter shared with the run.
func (c *Client) Meter() *QuotaMeter {
	return c.meter
}

func (c *Client) call(ctx context.Context, op string, cost int, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.meter.Add(cost)
	logging.Debugf("youtube %s (cost %d, run total %d)", op, cost, c.meter.Used())
	return wrap(op, fn())
}

// ResolveUsername returns the channel id for a legacy username or an
// @handle.
func (c *Client) ResolveUsername(ctx context.Context, username string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("username cannot be empty")
	}
	var resp *yt.ChannelListResponse
	err := c.call(ctx, "channels.list(forUsername)", CostResolve, func() error {
		call := c.svc.Channels.List([]string{"id"}).Context(ctx)
		if strings.HasPrefix(username, "@") {
			call = call.ForHandle(username)
		} else {
			call = call.ForUsername(username)
		}
		var err error
		resp, err = call.Do()
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Items) == 0 {
		return "", &APIError{Op: "channels.list(forUsername)", Kind: KindNotFound, Err: fmt.Errorf("no channel for %q", username)}
	}
	return resp.Items[0].Id, nil
}

// ChannelInfo describes a channel's name and its related playlists.
type ChannelInfo struct {
	ID        string
	Name      string
	Playlists map[string]string
}

// Related playlists never archived.
var skippedRelated = map[string]bool{
	"watchHistory": true,
	"watchLater":   true,
	"favorites":    true,
	"likes":        true,
}

// Channel fetches branding and content pointers for one channel. The name has
// spaces replaced so it can be used as a directory.
func (c *Client) Channel(ctx context.Context, channelID string) (ChannelInfo, error) {
	var resp *yt.ChannelListResponse
	err := c.call(ctx, "channels.list", CostList, func() error {
		var err error
		resp, err = c.svc.Channels.List([]string{"brandingSettings", "contentDetails"}).Id(channelID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	if len(resp.Items) == 0 {
		return ChannelInfo{}, &APIError{Op: "channels.list", Kind: KindNotFound, Err: fmt.Errorf("channel %s", channelID)}
	}

	ch := resp.Items[0]
	info := ChannelInfo{ID: ch.Id, Playlists: map[string]string{}}
	if ch.BrandingSettings != nil && ch.BrandingSettings.Channel != nil {
		info.Name = strings.ReplaceAll(strings.TrimSpace(ch.BrandingSettings.Channel.Title), " ", "_")
	}
	if info.Name == "" {
		info.Name = ch.Id
	}
	if ch.ContentDetails != nil && ch.ContentDetails.RelatedPlaylists != nil {
		rel := ch.ContentDetails.RelatedPlaylists
		for name, id := range map[string]string{
			domain.UploadsPlaylistName: rel.Uploads,
			"likes":                    rel.Likes,
			"favorites":                rel.Favorites,
			"watchHistory":             rel.WatchHistory,
			"watchLater":               rel.WatchLater,
		} {
			if id == "" || skippedRelated[name] {
				continue
			}
			info.Playlists[name] = id
		}
	}
	return info, nil
}

// PlaylistMeta is the change token and title of a playlist.
type PlaylistMeta struct {
	ETag  string
	Title string
}

// Playlists returns metadata for up to MaxBatch playlist ids. Ids missing
// from the result are unknown to the remote.
func (c *Client) Playlists(ctx context.Context, ids []string) (map[string]PlaylistMeta, error) {
	if len(ids) > MaxBatch {
		return nil, fmt.Errorf("youtube: %d playlist ids exceed batch size %d", len(ids), MaxBatch)
	}
	var resp *yt.PlaylistListResponse
	err := c.call(ctx, "playlists.list", CostList, func() error {
		var err error
		resp, err = c.svc.Playlists.List([]string{"id", "snippet"}).Id(ids...).MaxResults(MaxBatch).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]PlaylistMeta, len(resp.Items))
	for _, item := range resp.Items {
		meta := PlaylistMeta{ETag: item.Etag}
		if item.Snippet != nil {
			meta.Title = item.Snippet.Title
		}
		out[item.Id] = meta
	}
	return out, nil
}

// PlaylistItems pages through the complete listing. A failure on any page
// returns an error and no partial listing.
func (c *Client) PlaylistItems(ctx context.Context, playlistID string) ([]domain.ListedVideo, error) {
	var videos []domain.ListedVideo
	pageToken := ""
	for {
		var resp *yt.PlaylistItemListResponse
		err := c.call(ctx, "playlistItems.list", CostPlaylistItems, func() error {
			call := c.svc.PlaylistItems.List([]string{"snippet", "contentDetails"}).
				PlaylistId(playlistID).
				MaxResults(MaxBatch).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			var err error
			resp, err = call.Do()
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, item := range resp.Items {
			if item.ContentDetails == nil || item.ContentDetails.VideoId == "" {
				continue
			}
			v := domain.ListedVideo{VideoID: item.ContentDetails.VideoId}
			if item.Snippet != nil {
				v.Title = item.Snippet.Title
				v.Description = item.Snippet.Description
			}
			if t, err := time.Parse(time.RFC3339, item.ContentDetails.VideoPublishedAt); err == nil {
				t = t.UTC()
				v.UploadedAt = &t
			}
			videos = append(videos, v)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			return videos, nil
		}
	}
}

// VideoStatus is what a direct video lookup reports.
type VideoStatus struct {
	ID            string
	ChannelID     string
	Title         string
	Description   string
	PublishedAt   *time.Time
	PrivacyStatus string
	Blocked       []string
}

// Videos looks up to MaxBatch videos. Ids absent from the result are not
// visible remotely.
func (c *Client) Videos(ctx context.Context, ids []string) (map[string]VideoStatus, error) {
	if len(ids) > MaxBatch {
		return nil, fmt.Errorf("youtube: %d video ids exceed batch size %d", len(ids), MaxBatch)
	}
	var resp *yt.VideoListResponse
	err := c.call(ctx, "videos.list", CostList, func() error {
		var err error
		resp, err = c.svc.Videos.List([]string{"snippet", "contentDetails", "status"}).Id(ids...).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]VideoStatus, len(resp.Items))
	for _, item := range resp.Items {
		st := VideoStatus{ID: item.Id}
		if item.Snippet != nil {
			st.ChannelID = item.Snippet.ChannelId
			st.Title = item.Snippet.Title
			st.Description = item.Snippet.Description
			if t, err := time.Parse(time.RFC3339, item.Snippet.PublishedAt); err == nil {
				t = t.UTC()
				st.PublishedAt = &t
			}
		}
		if item.Status != nil {
			st.PrivacyStatus = item.Status.PrivacyStatus
		}
		if item.ContentDetails != nil && item.ContentDetails.RegionRestriction != nil {
			st.Blocked = append([]string(nil), item.ContentDetails.RegionRestriction.Blocked...)
		}
		out[item.Id] = st
	}
	return out, nil
}

// BlockedRegions returns the region codes in which a video is blocked.
func (c *Client) BlockedRegions(ctx context.Context, videoID string) ([]string, error) {
	found, err := c.Videos(ctx, []string{videoID})
	if err != nil {
		return nil, err
	}
	st, ok := found[videoID]
	if !ok {
		return nil, &APIError{Op: "videos.list", Kind: KindNotFound, Err: fmt.Errorf("video %s", videoID)}
	}
	return st.Blocked, nil
}

// ChannelsExist reports, for up to MaxBatch channel ids, which ones the
// remote still knows.
func (c *Client) ChannelsExist(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) > MaxBatch {
		return nil, fmt.Errorf("youtube: %d channel ids exceed batch size %d", len(ids), MaxBatch)
	}
	var resp *yt.ChannelListResponse
	err := c.call(ctx, "channels.list(id)", CostList, func() error {
		var err error
		resp, err = c.svc.Channels.List([]string{"id"}).Id(ids...).MaxResults(MaxBatch).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	exists := make(map[string]bool, len(ids))
	for _, id := range ids {
		exists[id] = false
	}
	for _, item := range resp.Items {
		exists[item.Id] = true
	}
	return exists, nil
}
