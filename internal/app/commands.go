package app

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"ytbackup/internal/catalog"
	"ytbackup/internal/channels"
	"ytbackup/internal/downloads"
	"ytbackup/internal/guard"
	"ytbackup/internal/monitor"
	"ytbackup/internal/run"
	"ytbackup/internal/scheduler"
	"ytbackup/internal/stats"
)

func (a *App) addChannelCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("add_channel", flag.ContinueOnError)
	channelID := fs.String("channel_id", "", "channel id")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	if strings.TrimSpace(*channelID) == "" {
		return CommandResult{}, a.usageError(fs.Name(), "--channel_id is required")
	}
	return a.withRun(ctx, func(r *run.Run, api API) (CommandResult, error) {
		ch, created, err := a.catalog(r, api).AddChannel(ctx, *channelID)
		if err != nil {
			return CommandResult{}, err
		}
		if !created {
			return CommandResult{Message: fmt.Sprintf("Channel %s (%s) is already tracked.", ch.Name, ch.ChannelID)}, nil
		}
		return CommandResult{Message: fmt.Sprintf("Added channel %s (%s).", ch.Name, ch.ChannelID)}, nil
	})
}

func (a *App) addUserCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("add_user", flag.ContinueOnError)
	username := fs.String("username", "", "legacy username or @handle")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	if strings.TrimSpace(*username) == "" {
		return CommandResult{}, a.usageError(fs.Name(), "--username is required")
	}
	return a.withRun(ctx, func(r *run.Run, api API) (CommandResult, error) {
		ch, created, err := a.catalog(r, api).AddUser(ctx, *username)
		if err != nil {
			return CommandResult{}, err
		}
		if !created {
			return CommandResult{Message: fmt.Sprintf("Channel %s (%s) is already tracked.", ch.Name, ch.ChannelID)}, nil
		}
		return CommandResult{Message: fmt.Sprintf("Added channel %s (%s) for %s.", ch.Name, ch.ChannelID, *username)}, nil
	})
}

func (a *App) addVideoCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("add_video", flag.ContinueOnError)
	videoID := fs.String("video_id", "", "video id")
	channelID := fs.String("channel_id", "", "owning channel, required when the video is gone")
	downloaded := fs.String("downloaded", "", "date the video was archived (YYYY-MM-DD)")
	resolution := fs.String("resolution", "", "archived resolution, e.g. 1920x1080")
	size := fs.Int64("size", 0, "archived size in bytes")
	runtime := fs.Float64("runtime", 0, "archived runtime in seconds")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	if strings.TrimSpace(*videoID) == "" {
		return CommandResult{}, a.usageError(fs.Name(), "--video_id is required")
	}

	mv := catalog.ManualVideo{
		VideoID:    *videoID,
		ChannelID:  strings.TrimSpace(*channelID),
		Resolution: strings.TrimSpace(*resolution),
	}
	if *downloaded != "" {
		at, err := time.Parse("2006-01-02", *downloaded)
		if err != nil {
			return CommandResult{}, a.usageError(fs.Name(), fmt.Sprintf("invalid --downloaded %q", *downloaded))
		}
		mv.DownloadedAt = &at
	}
	if *size < 0 || *runtime < 0 {
		return CommandResult{}, a.usageError(fs.Name(), "--size and --runtime cannot be negative")
	}
	if *size > 0 {
		mv.SizeBytes = size
	}
	if *runtime > 0 {
		mv.RuntimeSeconds = runtime
	}

	return a.withRun(ctx, func(r *run.Run, api API) (CommandResult, error) {
		v, err := a.catalog(r, api).AddVideo(ctx, mv)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Message: fmt.Sprintf("Video %s is tracked (%s).", v.VideoID, v.Availability)}, nil
	})
}

func (a *App) getPlaylistsCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("get_playlists", flag.ContinueOnError)
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	return a.withRun(ctx, func(r *run.Run, api API) (CommandResult, error) {
		n, err := a.catalog(r, api).DiscoverPlaylists(ctx)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Message: fmt.Sprintf("Discovered %d new playlists.", n)}, nil
	})
}

func (a *App) getVideoInfosCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("get_video_infos", flag.ContinueOnError)
	playlistID := fs.String("playlist_id", "", "only synchronize this playlist")
	force := fs.Bool("force_refresh", false, "list playlists even when their etag is unchanged")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	return a.withRun(ctx, func(r *run.Run, api API) (CommandResult, error) {
		report, err := a.catalog(r, api).SyncPlaylists(ctx, catalog.SyncOptions{
			PlaylistID:   strings.TrimSpace(*playlistID),
			ForceRefresh: *force,
		})
		if err != nil {
			return CommandResult{Message: report.String()}, err
		}
		return CommandResult{Message: "Synchronized: " + report.String() + "."}, nil
	})
}

func (a *App) downloadVideosCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("download_videos", flag.ContinueOnError)
	playlistID := fs.String("playlist_id", "", "only download videos of this playlist")
	retry := fs.Bool("retry-403", false, "retry videos previously answered with http 403")
	ignore := fs.Bool("ignore_429_lock", false, "run even while the throttle cooldown is active")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	return a.withRun(ctx, func(r *run.Run, api API) (CommandResult, error) {
		orch, err := a.orchestrator(r, api)
		if err != nil {
			return CommandResult{}, err
		}
		counters, err := orch.RunBatch(ctx, downloads.Options{
			PlaylistID:     strings.TrimSpace(*playlistID),
			RetryForbidden: *retry,
			IgnoreThrottle: *ignore,
		})
		if err != nil {
			return CommandResult{Message: counters.String()}, err
		}
		return CommandResult{Message: "Batch finished: " + counters.String() + "."}, nil
	})
}

func (a *App) verifyOfflineCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("verify_offline_videos", flag.ContinueOnError)
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	return a.withRun(ctx, func(r *run.Run, api API) (CommandResult, error) {
		report, err := a.catalog(r, api).VerifyOfflineVideos(ctx)
		msg := fmt.Sprintf("Verified %d videos: %d online, %d unlisted, %d still missing.",
			report.Checked, report.Online, report.Unlisted, report.Missing)
		return CommandResult{Message: msg}, err
	})
}

func (a *App) verifyChannelsCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("verify_channels", flag.ContinueOnError)
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	return a.withRun(ctx, func(r *run.Run, api API) (CommandResult, error) {
		report, err := monitor.New(a.store, api, a.guard(), r, a.config.YouTube.BatchSize).VerifyChannels(ctx)
		msg := fmt.Sprintf("Verified %d channels: %d gone, %d back (%d playlists, %d videos changed, %d unresolved).",
			report.Checked, report.WentGone, report.CameBack, report.Playlists, report.Videos, report.Unresolved)
		return CommandResult{Message: msg}, err
	})
}

func (a *App) generateStatisticsCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("generate_statistics", flag.ContinueOnError)
	selection := fs.String("statistics", "", "comma separated statistics to generate")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	kinds, err := stats.ParseKinds(*selection)
	if err != nil {
		return CommandResult{}, a.usageError(fs.Name(), err.Error())
	}

	values, err := stats.NewGenerator(a.store, a.uploader(), run.New()).Generate(ctx, kinds)
	var b strings.Builder
	for _, kind := range kinds {
		if v, ok := values[kind]; ok {
			fmt.Fprintf(&b, "%s: %d\n", kind, v)
		}
	}
	return CommandResult{Message: strings.TrimRight(b.String(), "\n")}, err
}

func (a *App) toggleChannelCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("toggle_channel_download", flag.ContinueOnError)
	username := fs.String("username", "", "channel name or id")
	enabled := fs.Bool("enabled", false, "download the channel's videos")
	disabled := fs.Bool("disabled", false, "stop downloading the channel's videos")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	if *enabled == *disabled {
		return CommandResult{}, a.usageError(fs.Name(), "exactly one of --enabled and --disabled is required")
	}
	if strings.TrimSpace(*username) == "" {
		return CommandResult{}, a.usageError(fs.Name(), "--username is required")
	}

	n, err := channels.NewService(a.store, nil).ToggleDownload(ctx, *username, *enabled)
	if err != nil {
		return CommandResult{}, err
	}
	state := "enabled"
	if *disabled {
		state = "disabled"
	}
	return CommandResult{Message: fmt.Sprintf("Downloads %s for %s (%d videos).", state, *username, n)}, nil
}

func (a *App) setDownloadFromDateCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("set_download_from_date", flag.ContinueOnError)
	playlistID := fs.String("playlist_id", "", "playlist id")
	date := fs.String("date", "", "YYYY-MM-DD or none")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	if strings.TrimSpace(*playlistID) == "" || strings.TrimSpace(*date) == "" {
		return CommandResult{}, a.usageError(fs.Name(), "--playlist_id and --date are required")
	}
	threshold, err := channels.ParseDate(*date)
	if err != nil {
		return CommandResult{}, a.usageError(fs.Name(), err.Error())
	}

	n, err := channels.NewService(a.store, nil).SetDownloadFromDate(ctx, *playlistID, threshold)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Download date of %s set to %s; %d videos changed.", *playlistID, *date, n)}, nil
}

func (a *App) clearLockCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("clear_lock", flag.ContinueOnError)
	kind := fs.String("kind", "", "throttle, quota or download")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}

	if strings.EqualFold(strings.TrimSpace(*kind), "download") {
		lock := a.config.Base.DownloadLockfile
		if !guard.Held(lock) {
			return CommandResult{Message: "No batch lock present."}, nil
		}
		if err := guard.Remove(lock); err != nil {
			return CommandResult{}, err
		}
		log.Printf("removed batch lock %s", lock)
		return CommandResult{Message: "Batch lock removed."}, nil
	}

	k, err := guard.ParseKind(*kind)
	if err != nil {
		return CommandResult{}, a.usageError(fs.Name(), err.Error())
	}
	if err := a.guard().Clear(ctx, k); err != nil {
		return CommandResult{}, err
	}
	log.Printf("cleared %s cooldown", k)
	return CommandResult{Message: fmt.Sprintf("Cleared the %s cooldown.", k)}, nil
}

func (a *App) statusCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	operations := fs.Int("operations", 10, "number of recent operations to show")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	st, err := stats.Collect(ctx, a.store, *operations)
	if err != nil {
		return CommandResult{}, err
	}
	var buf bytes.Buffer
	stats.Render(&buf, st, a.theme(), time.Now().UTC())
	return CommandResult{Message: buf.String()}, nil
}

func (a *App) importCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("import_opml", flag.ContinueOnError)
	file := fs.String("file", "", "OPML file")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	if strings.TrimSpace(*file) == "" {
		return CommandResult{}, a.usageError(fs.Name(), "--file is required")
	}
	return a.withRun(ctx, func(r *run.Run, api API) (CommandResult, error) {
		result, err := channels.NewService(a.store, a.catalog(r, api)).ImportOPML(ctx, *file)
		var b strings.Builder
		fmt.Fprintf(&b, "Imported %d channels, skipped %d already tracked.", result.Imported, result.Skipped)
		if len(result.Errors) > 0 {
			b.WriteString("\nErrors encountered:")
			for _, msg := range result.Errors {
				b.WriteString("\n  " + msg)
			}
		}
		return CommandResult{Message: b.String()}, err
	})
}

func (a *App) exportCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("export_opml", flag.ContinueOnError)
	file := fs.String("file", "", "OPML file")
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}
	if strings.TrimSpace(*file) == "" {
		return CommandResult{}, a.usageError(fs.Name(), "--file is required")
	}
	n, err := channels.NewService(a.store, nil).ExportOPML(ctx, *file)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Exported %d channels to %s.", n, *file)}, nil
}

// runSteps is the maintenance order of the run mode.
var runSteps = []string{
	"get_playlists",
	"get_video_infos",
	"download_videos",
	"verify_offline_videos",
	"verify_channels",
	"generate_statistics",
}

// runCommand executes every maintenance mode in order. A failing step is
// logged and the chain continues; only cancellation stops it.
func (a *App) runCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}

	var (
		lines []string
		errs  []error
	)
	for _, step := range runSteps {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		log.Printf("run: %s", step)
		result, err := a.commands[step].handler(ctx, nil)
		if result.Message != "" {
			lines = append(lines, step+": "+result.Message)
		}
		if err != nil {
			log.Printf("run: %s failed: %v", step, err)
			lines = append(lines, step+" failed: "+err.Error())
			errs = append(errs, fmt.Errorf("%s: %w", step, err))
		}
	}
	return CommandResult{Message: strings.Join(lines, "\n")}, errors.Join(errs...)
}

// daemonCommand runs the configured schedule until ctx is cancelled.
func (a *App) daemonCommand(ctx context.Context, args []string) (CommandResult, error) {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	if err := a.parseFlags(fs, args); err != nil {
		return CommandResult{}, err
	}

	entries := make([]scheduler.Entry, 0, len(a.config.Schedule.Entries))
	for _, e := range a.config.Schedule.Entries {
		if mode := strings.Fields(e.Command); len(mode) > 0 && strings.EqualFold(mode[0], "daemon") {
			return CommandResult{}, a.usageError(fs.Name(), "a scheduled entry cannot start the daemon")
		}
		entries = append(entries, scheduler.Entry{Spec: e.Spec, Command: e.Command})
	}
	s, err := scheduler.New(entries, func(ctx context.Context, line string) error {
		result, err := a.Execute(ctx, line)
		if result.Message != "" {
			log.Printf("%s: %s", line, result.Message)
		}
		return err
	})
	if err != nil {
		return CommandResult{}, err
	}
	if err := s.Run(ctx); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: "Daemon stopped."}, nil
}
