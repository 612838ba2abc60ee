// Package catalog keeps channels, playlists and videos in agreement with the
// remote platform.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"ytbackup/internal/domain"
	"ytbackup/internal/guard"
	"ytbackup/internal/repository"
	"ytbackup/internal/run"
	"ytbackup/internal/youtube"
)

// API is the part of the metadata API the catalog needs.
type API interface {
	ResolveUsername(ctx context.Context, username string) (string, error)
	Channel(ctx context.Context, channelID string) (youtube.ChannelInfo, error)
	Playlists(ctx context.Context, ids []string) (map[string]youtube.PlaylistMeta, error)
	PlaylistItems(ctx context.Context, playlistID string) ([]domain.ListedVideo, error)
	Videos(ctx context.Context, ids []string) (map[string]youtube.VideoStatus, error)
}

type Synchronizer struct {
	store     *repository.Store
	api       API
	guard     *guard.Guard
	run       *run.Run
	batchSize int
}

func New(store *repository.Store, api API, g *guard.Guard, r *run.Run, batchSize int) *Synchronizer {
	if batchSize <= 0 || batchSize > youtube.MaxBatch {
		batchSize = youtube.MaxBatch
	}
	return &Synchronizer{store: store, api: api, guard: g, run: r, batchSize: batchSize}
}

// checkQuota refuses to start API work during a quota cooldown.
func (s *Synchronizer) checkQuota(ctx context.Context) error {
	exhausted, err := s.guard.IsQuotaExhausted(ctx)
	if err != nil {
		return err
	}
	if exhausted {
		return guard.ErrQuotaCooldown
	}
	return nil
}

// apiFailed starts the quota cooldown when err carries a quota signal and
// reports whether the caller must stop the whole sweep.
func (s *Synchronizer) apiFailed(ctx context.Context, err error) bool {
	if !youtube.IsQuota(err) {
		return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	}
	if markErr := s.guard.MarkQuotaExhausted(context.WithoutCancel(ctx)); markErr != nil {
		log.Printf("mark quota exhausted: %v", markErr)
	}
	return true
}

// AddChannel registers a channel and its archivable playlists.
func (s *Synchronizer) AddChannel(ctx context.Context, channelID string) (domain.Channel, bool, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return domain.Channel{}, false, errors.New("channel id cannot be empty")
	}
	if err := s.checkQuota(ctx); err != nil {
		return domain.Channel{}, false, err
	}
	start := s.run.Now()

	info, err := s.api.Channel(ctx, channelID)
	if err != nil {
		s.apiFailed(ctx, err)
		return domain.Channel{}, false, fmt.Errorf("channel %s: %w", channelID, err)
	}
	ch, created, err := s.store.InsertChannel(ctx, info.ID, info.Name)
	if err != nil {
		return domain.Channel{}, false, fmt.Errorf("store channel %s: %w", channelID, err)
	}
	if created {
		log.Printf("added channel %s (%s)", ch.Name, ch.ChannelID)
	} else {
		log.Printf("channel %s (%s) is already tracked", ch.Name, ch.ChannelID)
	}
	if _, err := s.insertPlaylists(ctx, ch, info, !ch.Offline()); err != nil {
		return ch, created, err
	}
	s.run.Record(ctx, s.store, start, "add_channel", "Added channel "+ch.Name)
	return ch, created, nil
}

// AddUser resolves a username or @handle and registers its channel.
func (s *Synchronizer) AddUser(ctx context.Context, username string) (domain.Channel, bool, error) {
	if err := s.checkQuota(ctx); err != nil {
		return domain.Channel{}, false, err
	}
	channelID, err := s.api.ResolveUsername(ctx, username)
	if err != nil {
		s.apiFailed(ctx, err)
		return domain.Channel{}, false, fmt.Errorf("resolve user %s: %w", username, err)
	}
	return s.AddChannel(ctx, channelID)
}

func (s *Synchronizer) insertPlaylists(ctx context.Context, ch domain.Channel, info youtube.ChannelInfo, monitored bool) (int, error) {
	added := 0
	for name, playlistID := range info.Playlists {
		created, err := s.store.InsertPlaylist(ctx, domain.Playlist{
			PlaylistID: playlistID,
			Name:       name,
			ChannelID:  ch.ID,
			Monitored:  monitored,
		})
		if err != nil {
			return added, fmt.Errorf("store playlist %s of %s: %w", playlistID, ch.ChannelID, err)
		}
		if created {
			added++
			log.Printf("found playlist %s (%s) for channel %s", name, playlistID, ch.Name)
		}
	}
	return added, nil
}

// DiscoverPlaylists registers new playlists for every live channel. A failing
// channel is skipped; quota exhaustion stops the sweep.
func (s *Synchronizer) DiscoverPlaylists(ctx context.Context) (int, error) {
	if err := s.checkQuota(ctx); err != nil {
		return 0, err
	}
	channels, err := s.store.ListLiveChannels(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, ch := range channels {
		start := s.run.Now()
		info, err := s.api.Channel(ctx, ch.ChannelID)
		if err != nil {
			if s.apiFailed(ctx, err) {
				return added, fmt.Errorf("discover playlists: %w", err)
			}
			log.Printf("discover playlists for channel %s (%s): %v", ch.Name, ch.ChannelID, err)
			continue
		}
		n, err := s.insertPlaylists(ctx, ch, info, true)
		added += n
		if err != nil {
			log.Printf("discover playlists for channel %s: %v", ch.ChannelID, err)
			continue
		}
		s.run.Record(ctx, s.store, start, "get_playlists", "Got playlists for channel "+ch.Name)
	}
	return added, nil
}

// ManualVideo describes a video registered by hand, typically one already in
// the archive or known to be gone remotely.
type ManualVideo struct {
	VideoID string
	// ChannelID is required when the video is no longer visible remotely.
	ChannelID      string
	DownloadedAt   *time.Time
	Resolution     string
	SizeBytes      *int64
	RuntimeSeconds *float64
}

// AddVideo registers one video under its channel's uploads playlist. The
// channel and its playlists are created unmonitored if unknown.
func (s *Synchronizer) AddVideo(ctx context.Context, mv ManualVideo) (domain.Video, error) {
	mv.VideoID = strings.TrimSpace(mv.VideoID)
	if mv.VideoID == "" {
		return domain.Video{}, errors.New("video id cannot be empty")
	}
	if existing, err := s.store.GetVideo(ctx, mv.VideoID); err == nil {
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return domain.Video{}, err
	}
	if err := s.checkQuota(ctx); err != nil {
		return domain.Video{}, err
	}
	start := s.run.Now()

	found, err := s.api.Videos(ctx, []string{mv.VideoID})
	if err != nil {
		s.apiFailed(ctx, err)
		return domain.Video{}, fmt.Errorf("look up video %s: %w", mv.VideoID, err)
	}
	status, visible := found[mv.VideoID]
	state := domain.AvailabilityOnline
	channelID := status.ChannelID
	if !visible {
		if mv.ChannelID == "" {
			return domain.Video{}, fmt.Errorf("video %s is not available remotely; pass its channel id to add it as offline", mv.VideoID)
		}
		state = domain.AvailabilityOffline
		channelID = mv.ChannelID
	} else if status.PrivacyStatus == "unlisted" {
		state = domain.AvailabilityUnlisted
	}

	ch, err := s.store.GetChannel(ctx, channelID)
	if errors.Is(err, repository.ErrNotFound) {
		info, apiErr := s.api.Channel(ctx, channelID)
		if apiErr != nil {
			s.apiFailed(ctx, apiErr)
			return domain.Video{}, fmt.Errorf("channel %s of video %s: %w", channelID, mv.VideoID, apiErr)
		}
		if ch, _, err = s.store.InsertChannel(ctx, info.ID, info.Name); err != nil {
			return domain.Video{}, err
		}
		if _, err := s.insertPlaylists(ctx, ch, info, false); err != nil {
			return domain.Video{}, err
		}
	} else if err != nil {
		return domain.Video{}, err
	}

	uploads, err := s.store.FindChannelPlaylist(ctx, ch.ID, domain.UploadsPlaylistName)
	if err != nil {
		return domain.Video{}, fmt.Errorf("uploads playlist of channel %s: %w", ch.ChannelID, err)
	}

	v := domain.Video{
		VideoID:          mv.VideoID,
		PlaylistID:       uploads.ID,
		Title:            status.Title,
		Description:      status.Description,
		UploadedAt:       status.PublishedAt,
		Availability:     state,
		DownloadRequired: true,
		DownloadedAt:     mv.DownloadedAt,
		SizeBytes:        mv.SizeBytes,
		Resolution:       mv.Resolution,
		RuntimeSeconds:   mv.RuntimeSeconds,
	}
	if v.Title == "" {
		v.Title = mv.VideoID
	}
	if _, err := s.store.InsertVideo(ctx, v); err != nil {
		return domain.Video{}, fmt.Errorf("store video %s: %w", mv.VideoID, err)
	}
	s.run.Record(ctx, s.store, start, "add_video", "Added video "+mv.VideoID)
	return s.store.GetVideo(ctx, mv.VideoID)
}
