package catalog

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ytbackup/internal/availability"
	"ytbackup/internal/domain"
	"ytbackup/internal/logging"
	"ytbackup/internal/repository"
)

// SyncOptions narrows a synchronization sweep.
type SyncOptions struct {
	// PlaylistID restricts the sweep to one playlist.
	PlaylistID string
	// ForceRefresh clears stored change tokens so every playlist is listed.
	ForceRefresh bool
}

// SyncReport counts what a sweep did.
type SyncReport struct {
	Checked    int
	Unchanged  int
	Synced     int
	Failed     int
	Added      int
	Reappeared int
	Offline    int
	Backfilled int
}

func (r SyncReport) String() string {
	return fmt.Sprintf("%d playlists checked, %d unchanged, %d synced, %d failed; %d new videos, %d back online, %d offline, %d dates backfilled",
		r.Checked, r.Unchanged, r.Synced, r.Failed, r.Added, r.Reappeared, r.Offline, r.Backfilled)
}

// SyncPlaylists brings the videos of every monitored playlist in line with
// the remote. Playlists whose change token is unchanged are not listed.
func (s *Synchronizer) SyncPlaylists(ctx context.Context, opts SyncOptions) (SyncReport, error) {
	var report SyncReport
	if err := s.checkQuota(ctx); err != nil {
		return report, err
	}

	playlists, err := s.selectPlaylists(ctx, opts.PlaylistID)
	if err != nil {
		return report, err
	}

	for start := 0; start < len(playlists); start += s.batchSize {
		end := start + s.batchSize
		if end > len(playlists) {
			end = len(playlists)
		}
		batch := playlists[start:end]
		if err := s.syncBatch(ctx, batch, opts.ForceRefresh, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *Synchronizer) selectPlaylists(ctx context.Context, playlistID string) ([]domain.Playlist, error) {
	if playlistID == "" {
		return s.store.ListMonitoredPlaylists(ctx)
	}
	p, err := s.store.GetPlaylist(ctx, playlistID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("playlist %s is not tracked", playlistID)
	}
	if err != nil {
		return nil, err
	}
	if !p.Monitored {
		log.Printf("playlist %s is not monitored, skipping", playlistID)
		return nil, nil
	}
	return []domain.Playlist{p}, nil
}

// syncBatch compares change tokens for one batch and lists the playlists that
// changed. Only quota exhaustion and cancellation are returned.
func (s *Synchronizer) syncBatch(ctx context.Context, batch []domain.Playlist, force bool, report *SyncReport) error {
	ids := make([]string, len(batch))
	for i, p := range batch {
		ids[i] = p.PlaylistID
		if force && p.ETag != "" {
			if err := s.store.SetPlaylistETag(ctx, p.ID, ""); err != nil {
				return fmt.Errorf("clear change token of %s: %w", p.PlaylistID, err)
			}
			batch[i].ETag = ""
		}
	}

	metas, err := s.api.Playlists(ctx, ids)
	if err != nil {
		if s.apiFailed(ctx, err) {
			return fmt.Errorf("playlist change tokens: %w", err)
		}
		log.Printf("playlist change tokens for %d playlists: %v", len(ids), err)
		report.Checked += len(batch)
		report.Failed += len(batch)
		return nil
	}

	for _, p := range batch {
		report.Checked++
		meta, ok := metas[p.PlaylistID]
		if !ok {
			log.Printf("playlist %s (%s) is not available remotely", p.Name, p.PlaylistID)
			report.Failed++
			continue
		}
		if !force && meta.ETag != "" && meta.ETag == p.ETag {
			logging.Debugf("playlist %s unchanged (etag %s)", p.PlaylistID, p.ETag)
			report.Unchanged++
			continue
		}
		if err := s.syncPlaylist(ctx, p, meta.ETag, report); err != nil {
			if s.apiFailed(ctx, err) {
				return fmt.Errorf("playlist %s: %w", p.PlaylistID, err)
			}
			log.Printf("sync playlist %s (%s): %v", p.Name, p.PlaylistID, err)
			report.Failed++
			continue
		}
		report.Synced++
	}
	return nil
}

// syncPlaylist lists one playlist completely, reconciles every listed video
// and takes offline the downloaded videos the listing no longer contains.
// The change token is stored last so an interrupted sync is repeated.
func (s *Synchronizer) syncPlaylist(ctx context.Context, p domain.Playlist, etag string, report *SyncReport) error {
	start := s.run.Now()
	listed, err := s.api.PlaylistItems(ctx, p.PlaylistID)
	if err != nil {
		return err
	}

	present := make(map[string]bool, len(listed))
	for _, item := range listed {
		present[item.VideoID] = true
		if err := s.reconcile(ctx, p, item, report); err != nil {
			return fmt.Errorf("video %s: %w", item.VideoID, err)
		}
	}

	candidates, err := s.store.ListOfflineCandidates(ctx, p.ID)
	if err != nil {
		return err
	}
	var gone []int64
	for _, v := range candidates {
		if present[v.VideoID] || !availability.OfflineCandidate(v) {
			continue
		}
		if _, changed := availability.Next(v.Availability, availability.MissingFromListing); changed {
			log.Printf("video %s (%s) is no longer listed in playlist %s, marking offline", v.VideoID, v.Title, p.PlaylistID)
			gone = append(gone, v.ID)
		}
	}
	if err := s.store.MarkOffline(ctx, gone); err != nil {
		return err
	}
	report.Offline += len(gone)

	if err := s.store.SetPlaylistETag(ctx, p.ID, etag); err != nil {
		return err
	}
	s.run.Record(ctx, s.store, start, "get_video_infos",
		fmt.Sprintf("Got video infos for playlist %s (%s): %d listed, %d offline", p.Name, p.PlaylistID, len(listed), len(gone)))
	return nil
}

func (s *Synchronizer) reconcile(ctx context.Context, p domain.Playlist, item domain.ListedVideo, report *SyncReport) error {
	existing, err := s.store.GetVideo(ctx, item.VideoID)
	if errors.Is(err, repository.ErrNotFound) {
		created, err := s.store.InsertVideo(ctx, domain.Video{
			VideoID:          item.VideoID,
			PlaylistID:       p.ID,
			Title:            item.Title,
			Description:      item.Description,
			UploadedAt:       item.UploadedAt,
			Availability:     domain.AvailabilityOnline,
			DownloadRequired: true,
		})
		if err != nil {
			return err
		}
		if created {
			report.Added++
			log.Printf("added new video %s (%s) to playlist %s", item.VideoID, item.Title, p.PlaylistID)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if next, changed := availability.Next(existing.Availability, availability.Listed); changed {
		if err := s.store.SetAvailability(ctx, existing.ID, next); err != nil {
			return err
		}
		report.Reappeared++
		log.Printf("video %s is listed again, marking %s", existing.VideoID, next)
	}
	if existing.UploadedAt == nil && item.UploadedAt != nil {
		if err := s.store.BackfillUploadDate(ctx, existing.ID, *item.UploadedAt); err != nil {
			return err
		}
		report.Backfilled++
	}
	return nil
}
