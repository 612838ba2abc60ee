// Package monitor reconciles channel existence with the remote and cascades
// changes down to playlists and videos.
package monitor

import (
	"context"
	"fmt"
	"log"

	"ytbackup/internal/domain"
	"ytbackup/internal/guard"
	"ytbackup/internal/repository"
	"ytbackup/internal/run"
	"ytbackup/internal/youtube"
)

// API reports which channel ids still exist remotely.
type API interface {
	ChannelsExist(ctx context.Context, ids []string) (map[string]bool, error)
}

type Monitor struct {
	store     *repository.Store
	api       API
	guard     *guard.Guard
	run       *run.Run
	batchSize int
}

func New(store *repository.Store, api API, g *guard.Guard, r *run.Run, batchSize int) *Monitor {
	if batchSize <= 0 || batchSize > youtube.MaxBatch {
		batchSize = youtube.MaxBatch
	}
	return &Monitor{store: store, api: api, guard: g, run: r, batchSize: batchSize}
}

// Report counts the channels whose existence changed.
type Report struct {
	Checked    int
	WentGone   int
	CameBack   int
	Playlists  int
	Videos     int
	Unresolved int
}

// VerifyChannels checks every tracked channel. A channel missing remotely is
// taken offline with its whole subtree; an offline channel found again is
// brought back. Channels whose state matches the remote are not written.
func (m *Monitor) VerifyChannels(ctx context.Context) (Report, error) {
	var report Report
	exhausted, err := m.guard.IsQuotaExhausted(ctx)
	if err != nil {
		return report, err
	}
	if exhausted {
		return report, guard.ErrQuotaCooldown
	}
	start := m.run.Now()

	channels, err := m.store.ListChannels(ctx)
	if err != nil {
		return report, err
	}

	for from := 0; from < len(channels); from += m.batchSize {
		to := min(from+m.batchSize, len(channels))
		batch := channels[from:to]
		ids := make([]string, len(batch))
		for i, ch := range batch {
			ids[i] = ch.ChannelID
		}

		exists, err := m.api.ChannelsExist(ctx, ids)
		if err != nil {
			if youtube.IsQuota(err) {
				if markErr := m.guard.MarkQuotaExhausted(context.WithoutCancel(ctx)); markErr != nil {
					log.Printf("mark quota exhausted: %v", markErr)
				}
				return report, fmt.Errorf("verify channels: %w", err)
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			log.Printf("verify %d channels starting at %s: %v", len(ids), ids[0], err)
			report.Unresolved += len(batch)
			continue
		}

		for _, ch := range batch {
			report.Checked++
			if err := m.reconcile(ctx, ch, exists[ch.ChannelID], &report); err != nil {
				log.Printf("update channel %s (%s): %v", ch.Name, ch.ChannelID, err)
			}
		}
	}

	m.run.Record(ctx, m.store, start, "verify_channels",
		fmt.Sprintf("Verified %d channels: %d gone, %d back", report.Checked, report.WentGone, report.CameBack))
	return report, nil
}

func (m *Monitor) reconcile(ctx context.Context, ch domain.Channel, present bool, report *Report) error {
	switch {
	case !present && !ch.Offline():
		res, err := m.store.SetChannelOffline(ctx, ch.ID, m.run.Now())
		if err != nil {
			return err
		}
		report.WentGone++
		report.Playlists += res.Playlists
		report.Videos += res.Videos
		log.Printf("channel %s (%s) is gone: %d playlists unmonitored, %d videos offline", ch.Name, ch.ChannelID, res.Playlists, res.Videos)
	case present && ch.Offline():
		res, err := m.store.SetChannelOnline(ctx, ch.ID)
		if err != nil {
			return err
		}
		report.CameBack++
		report.Playlists += res.Playlists
		report.Videos += res.Videos
		log.Printf("channel %s (%s) is back: %d playlists monitored, %d videos online", ch.Name, ch.ChannelID, res.Playlists, res.Videos)
	}
	return nil
}
