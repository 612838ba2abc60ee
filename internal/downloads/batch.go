package downloads

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"ytbackup/internal/availability"
	"ytbackup/internal/domain"
	"ytbackup/internal/fetcher"
	"ytbackup/internal/guard"
	"ytbackup/internal/logging"
	"ytbackup/internal/process"
	"ytbackup/internal/repository"
	"ytbackup/internal/youtube"
)

// Options narrows one batch.
type Options struct {
	// PlaylistID restricts the queue to one playlist.
	PlaylistID string
	// RetryForbidden puts http_403 videos back into the queue.
	RetryForbidden bool
	// IgnoreThrottle starts the batch even while the throttle marker holds.
	IgnoreThrottle bool
}

// step is what the loop does after one item.
type step int

const (
	stepNext step = iota
	stepPause
	stepAbort
)

type batch struct {
	region      string
	identity    string
	consecutive int
	throttled   bool
	// started is set once the staging directory is ready.
	started bool
}

// RunBatch downloads every queued video in turn. It refuses to start when
// another batch holds the lock or the throttle cooldown applies to the
// current network identity.
func (o *Orchestrator) RunBatch(ctx context.Context, opts Options) (Counters, error) {
	var counters Counters
	if guard.Held(o.settings.LockPath) {
		return counters, guard.ErrLocked
	}
	ident, err := o.deps.Identity.Lookup(ctx)
	if err != nil {
		return counters, fmt.Errorf("resolve network identity: %w", err)
	}
	if !opts.IgnoreThrottle {
		throttled, err := o.guard.IsThrottled(ctx, ident.IP)
		if err != nil {
			return counters, err
		}
		if throttled {
			return counters, guard.ErrThrottled
		}
	}

	filter := repository.QueueFilter{IncludeHTTP403: opts.RetryForbidden}
	if opts.PlaylistID != "" {
		p, err := o.store.GetPlaylist(ctx, opts.PlaylistID)
		if err != nil {
			return counters, fmt.Errorf("playlist %s: %w", opts.PlaylistID, err)
		}
		filter.PlaylistID = p.ID
	}

	lock, err := guard.Acquire(o.settings.LockPath)
	if err != nil {
		return counters, err
	}
	b := &batch{region: ident.Country, identity: ident.IP}
	defer o.teardown(ctx, lock, b)

	if err := os.RemoveAll(o.settings.StagingDir); err != nil {
		return counters, fmt.Errorf("clear staging directory: %w", err)
	}
	if err := os.MkdirAll(o.settings.StagingDir, 0o755); err != nil {
		return counters, fmt.Errorf("create staging directory: %w", err)
	}
	b.started = true

	queue, err := o.store.ListDownloadQueue(ctx, filter)
	if err != nil {
		return counters, err
	}
	counters.Queued = len(queue)
	log.Printf("download batch: %d videos queued (ip %s, region %s)", len(queue), ident.IP, ident.Country)
	o.marker(ctx, domain.StatStatus, domain.StatusDownloading)

	for i, item := range queue {
		if err := ctx.Err(); err != nil {
			return counters, err
		}
		next, err := o.download(ctx, b, item, &counters)
		if err != nil {
			return counters, err
		}
		switch next {
		case stepAbort:
			b.throttled = true
			return counters, fmt.Errorf("%d consecutive throttled fetches: %w", b.consecutive, guard.ErrThrottled)
		case stepPause:
			if i == len(queue)-1 {
				continue
			}
			if err := o.sleep(ctx, o.pause()); err != nil {
				return counters, err
			}
		}
	}
	log.Printf("download batch finished: %s", counters)
	return counters, nil
}

// teardown runs on every exit path once the lock is held.
func (o *Orchestrator) teardown(ctx context.Context, lock *guard.Lock, b *batch) {
	status := domain.StatusDone
	switch {
	case !b.started:
		status = domain.StatusAborted
	case ctx.Err() != nil:
		status = domain.StatusAborted
		log.Printf("download batch interrupted: %v", context.Cause(ctx))
	case b.throttled:
		status = domain.StatusThrottled
	}
	ctx = context.WithoutCancel(ctx)
	if err := lock.Release(); err != nil {
		log.Printf("release download lock: %v", err)
	}
	o.marker(ctx, domain.StatStatus, status)
	o.marker(ctx, domain.StatCurrentlyDownloading, domain.NothingDownloading)
}

// download resolves one queued item. Only cancellation is returned as an
// error; everything else is logged and counted.
func (o *Orchestrator) download(ctx context.Context, b *batch, item domain.QueueItem, c *Counters) (step, error) {
	v := item.Video

	if v.BlockedIn(b.region) {
		logging.Debugf("video %s is blocked in %s, skipping", v.VideoID, b.region)
		c.GeoSkipped++
		return stepNext, nil
	}

	archived, err := o.deps.Ledger.Contains(v.VideoID)
	if err != nil {
		log.Printf("check archive ledger for %s: %v", v.VideoID, err)
	}
	if archived {
		o.preexisting(ctx, v, c)
		return stepNext, nil
	}

	if item.DownloadFromDate != nil && v.UploadedAt != nil && v.UploadedAt.Before(*item.DownloadFromDate) {
		log.Printf("video %s was uploaded %s, before the download date %s of playlist %s; no longer required",
			v.VideoID, v.UploadedAt.Format("2006-01-02"), item.DownloadFromDate.Format("2006-01-02"), item.PlaylistID)
		if err := o.store.SetDownloadRequired(ctx, v.ID, false); err != nil {
			log.Printf("clear download flag of %s: %v", v.VideoID, err)
		}
		c.Expired++
		return stepNext, nil
	}

	o.marker(ctx, domain.StatCurrentlyDownloading, fmt.Sprintf("%s: %s (%s)", item.ChannelName, v.Title, v.VideoID))
	log.Printf("downloading %s (%s) from %s", v.VideoID, v.Title, item.ChannelName)
	start := o.run.Now()
	res, err := o.deps.Fetcher.Fetch(ctx, v.VideoID, item.ChannelName)
	if err != nil {
		if ctx.Err() != nil {
			return stepNext, ctx.Err()
		}
		log.Printf("fetch %s: %v", v.VideoID, err)
		c.Failed++
		return stepNext, nil
	}
	if res.Outcome != fetcher.Throttled {
		b.consecutive = 0
	}

	switch res.Outcome {
	case fetcher.Success:
		return o.finish(ctx, item, res.File, start, c)
	case fetcher.AlreadyArchived:
		o.preexisting(ctx, v, c)
	case fetcher.Geoblocked:
		c.Geoblocked++
		o.recordGeoblock(ctx, v, b.region)
		return stepNext, o.sleep(ctx, o.settings.GeoblockSleep)
	case fetcher.Forbidden:
		log.Printf("video %s: forbidden, skipping for this run", v.VideoID)
		c.Forbidden++
	case fetcher.ServerError:
		log.Printf("video %s: server error, will retry next run", v.VideoID)
		c.ServerErrors++
		if _, err := o.deps.Ledger.Remove(v.VideoID); err != nil {
			log.Printf("remove %s from archive ledger: %v", v.VideoID, err)
		}
		return stepNext, o.sleep(ctx, o.settings.ServerErrorSleep)
	case fetcher.Throttled:
		return o.throttled(ctx, b, v, c)
	case fetcher.ItemForbidden:
		c.ItemForbidden++
		o.transition(ctx, v, availability.ItemForbidden)
	case fetcher.PolicyRemoved:
		c.PolicyRemoved++
		o.transition(ctx, v, availability.PolicyRemoved)
	case fetcher.NoFile:
		log.Printf("video %s: no downloaded file found, will retry next run", v.VideoID)
		if res.Stderr != "" {
			logging.Debugf("fetch %s stderr: %s", v.VideoID, strings.TrimSpace(res.Stderr))
		}
		c.NoFile++
	}
	return stepNext, nil
}

// finish inspects, uploads and persists a fetched file. The downloaded
// timestamp is only written once the upload succeeded.
func (o *Orchestrator) finish(ctx context.Context, item domain.QueueItem, file string, start time.Time, c *Counters) (step, error) {
	v := item.Video
	result := domain.DownloadResult{}
	if st, err := os.Stat(file); err == nil {
		result.SizeBytes = st.Size()
	} else {
		log.Printf("stat %s: %v", file, err)
	}
	info, err := o.deps.Inspector.Inspect(ctx, file)
	if err != nil {
		log.Printf("inspect %s: %v", file, err)
	}
	result.RuntimeSeconds = info.DurationSeconds
	result.Resolution = info.Resolution

	o.marker(ctx, domain.StatStatus, domain.StatusUploading)
	uploadStart := o.run.Now()
	uploadErr := o.deps.Uploader.Move(ctx, o.settings.StagingDir)
	o.marker(ctx, domain.StatStatus, domain.StatusDownloading)
	if uploadErr != nil {
		if ctx.Err() != nil {
			return stepNext, ctx.Err()
		}
		log.Printf("upload %s: %v", v.VideoID, uploadErr)
		if err := os.Remove(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("remove %s: %v", file, err)
		}
		if _, err := o.deps.Ledger.Remove(v.VideoID); err != nil {
			log.Printf("remove %s from archive ledger: %v", v.VideoID, err)
		}
		c.Failed++
		return stepNext, nil
	}

	o.run.Record(ctx, o.store, uploadStart, "rclone_upload", "Uploaded files to the remote archive")

	result.DownloadedAt = o.run.Now()
	if err := o.store.PersistDownloadResult(ctx, v.ID, result); err != nil {
		log.Printf("record download of %s: %v", v.VideoID, err)
		c.Failed++
		return stepNext, nil
	}
	c.Downloaded++
	o.run.Record(ctx, o.store, start, "download_videos", "Downloaded video with ID "+v.VideoID)
	log.Printf("downloaded %s (%s, %s)", v.VideoID, result.Resolution, file)
	return stepPause, nil
}

func (o *Orchestrator) throttled(ctx context.Context, b *batch, v domain.Video, c *Counters) (step, error) {
	c.Throttled++
	b.consecutive++
	log.Printf("video %s: throttled by remote (%d in a row)", v.VideoID, b.consecutive)
	if err := o.guard.MarkThrottled(ctx, b.identity); err != nil {
		log.Printf("mark throttled: %v", err)
	}
	o.marker(ctx, domain.StatStatus, domain.StatusThrottled)
	if b.consecutive >= o.settings.ThrottleAbortAfter {
		return stepAbort, nil
	}
	if cmd := strings.TrimSpace(o.settings.ProxyRestartCommand); cmd != "" {
		res, err := process.RunLine(ctx, o.deps.Runner, cmd)
		switch {
		case err != nil:
			log.Printf("restart proxy: %v", err)
		case res.ExitCode != 0:
			log.Printf("restart proxy: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
	}
	return stepNext, o.sleep(ctx, o.settings.ThrottleSleep)
}

func (o *Orchestrator) preexisting(ctx context.Context, v domain.Video, c *Counters) {
	c.Preexisting++
	if err := o.store.MarkPreexisting(ctx, v.ID); err != nil {
		log.Printf("mark %s as already archived: %v", v.VideoID, err)
		return
	}
	logging.Debugf("video %s is already in the archive ledger", v.VideoID)
}

// recordGeoblock looks up the full region list; the lookup failing leaves
// the video to be tried again next run.
func (o *Orchestrator) recordGeoblock(ctx context.Context, v domain.Video, region string) {
	regions, err := o.deps.Regions.BlockedRegions(ctx, v.VideoID)
	if err != nil {
		if youtube.IsQuota(err) {
			if err := o.guard.MarkQuotaExhausted(context.WithoutCancel(ctx)); err != nil {
				log.Printf("mark quota exhausted: %v", err)
			}
		}
		log.Printf("look up blocked regions of %s: %v", v.VideoID, err)
		return
	}
	if err := o.store.SetGeoblock(ctx, v.ID, regions); err != nil {
		log.Printf("record geoblock of %s: %v", v.VideoID, err)
		return
	}
	log.Printf("video %s is blocked in %d regions (current region %s)", v.VideoID, len(regions), region)
}

func (o *Orchestrator) transition(ctx context.Context, v domain.Video, event availability.Event) {
	next, changed := availability.Next(v.Availability, event)
	if !changed {
		return
	}
	if err := o.store.SetAvailability(ctx, v.ID, next); err != nil {
		log.Printf("set %s to %s: %v", v.VideoID, next, err)
		return
	}
	log.Printf("video %s is now %s", v.VideoID, next)
}

func (o *Orchestrator) marker(ctx context.Context, kind, value string) {
	if err := o.store.SetMarker(context.WithoutCancel(ctx), kind, value, o.run.Now()); err != nil {
		log.Printf("set %s marker: %v", kind, err)
	}
}
