package catalog

import (
	"context"
	"fmt"
	"log"

	"ytbackup/internal/availability"
)

// VerifyReport counts the outcome of a verification sweep.
type VerifyReport struct {
	Checked  int
	Online   int
	Unlisted int
	Missing  int
}

// VerifyOfflineVideos asks the platform directly about every required video
// that is offline, hate_speech or unlisted. Videos the lookup returns become
// unlisted or online; videos it does not return keep their state.
func (s *Synchronizer) VerifyOfflineVideos(ctx context.Context) (VerifyReport, error) {
	var report VerifyReport
	if err := s.checkQuota(ctx); err != nil {
		return report, err
	}
	start := s.run.Now()

	videos, err := s.store.ListVerificationCandidates(ctx)
	if err != nil {
		return report, err
	}

	for from := 0; from < len(videos); from += s.batchSize {
		to := from + s.batchSize
		if to > len(videos) {
			to = len(videos)
		}
		batch := videos[from:to]
		ids := make([]string, len(batch))
		for i, v := range batch {
			ids[i] = v.VideoID
		}

		found, err := s.api.Videos(ctx, ids)
		if err != nil {
			if s.apiFailed(ctx, err) {
				return report, fmt.Errorf("verify videos: %w", err)
			}
			log.Printf("verify %d videos starting at %s: %v", len(ids), ids[0], err)
			continue
		}

		for _, v := range batch {
			report.Checked++
			status, ok := found[v.VideoID]
			if !ok {
				report.Missing++
				continue
			}
			event := availability.VerifiedPublic
			if status.PrivacyStatus == "unlisted" {
				event = availability.VerifiedUnlisted
			}
			next, changed := availability.Next(v.Availability, event)
			if next == v.Availability && event == availability.VerifiedUnlisted {
				report.Unlisted++
			}
			if !changed {
				continue
			}
			if err := s.store.SetAvailability(ctx, v.ID, next); err != nil {
				log.Printf("set availability of video %s to %s: %v", v.VideoID, next, err)
				continue
			}
			log.Printf("video %s verified %s (was %s)", v.VideoID, next, v.Availability)
			if event == availability.VerifiedUnlisted {
				report.Unlisted++
			} else {
				report.Online++
			}
		}
	}

	s.run.Record(ctx, s.store, start, "verify_offline_videos",
		fmt.Sprintf("Verified %d videos: %d online, %d unlisted, %d not visible", report.Checked, report.Online, report.Unlisted, report.Missing))
	return report, nil
}
