package app

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"

	"ytbackup/internal/catalog"
	"ytbackup/internal/config"
	"ytbackup/internal/downloads"
	"ytbackup/internal/fetcher"
	"ytbackup/internal/guard"
	"ytbackup/internal/media"
	"ytbackup/internal/monitor"
	"ytbackup/internal/netinfo"
	"ytbackup/internal/process"
	"ytbackup/internal/repository"
	"ytbackup/internal/run"
	"ytbackup/internal/storage"
	"ytbackup/internal/theme"
	"ytbackup/internal/upload"
	"ytbackup/internal/youtube"
)

type commandHandler func(context.Context, []string) (CommandResult, error)

type command struct {
	usage   string
	summary string
	handler commandHandler
}

// CommandResult is what a mode reports back to the operator.
type CommandResult struct {
	Message string
}

// ErrUsage marks a malformed command line. Nothing was changed.
var ErrUsage = errors.New("usage error")

// API is every metadata call the modes make.
type API interface {
	catalog.API
	monitor.API
	downloads.RegionLookup
}

// Dependencies lets tests replace the external collaborators. Zero fields
// fall back to the real implementations built from the configuration.
type Dependencies struct {
	// NewAPI builds the metadata client of one run; meter collects its quota.
	NewAPI   func(ctx context.Context, meter *youtube.QuotaMeter) (API, error)
	Runner   process.Runner
	Identity downloads.IdentityResolver
	Sleep    downloads.SleepFunc
}

type App struct {
	config     config.Config
	configPath string
	db         *sql.DB
	store      *repository.Store
	deps       Dependencies
	commands   map[string]*command
}

func New(cfg config.Config, configPath string, db *sql.DB, dialect storage.Dialect) *App {
	return NewWithDependencies(cfg, configPath, db, dialect, Dependencies{})
}

func NewWithDependencies(cfg config.Config, configPath string, db *sql.DB, dialect storage.Dialect, deps Dependencies) *App {
	if deps.Runner == nil {
		deps.Runner = process.Exec{}
	}
	if deps.Identity == nil {
		deps.Identity = netinfo.New(cfg.NetInfo.Endpoint, nil)
	}
	application := &App{
		config:     cfg,
		configPath: configPath,
		db:         db,
		store:      repository.New(db, dialect),
		deps:       deps,
		commands:   make(map[string]*command),
	}
	if application.deps.NewAPI == nil {
		application.deps.NewAPI = application.youtubeClient
	}
	application.registerCommands()
	return application
}

func (a *App) youtubeClient(ctx context.Context, meter *youtube.QuotaMeter) (API, error) {
	yt := a.config.YouTube
	client, err := youtube.New(ctx, youtube.Options{
		APIKey:            yt.APIKey,
		CredentialsFile:   yt.CredentialsFile,
		RequestsPerSecond: yt.RequestsPerSecond,
	}, meter)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *App) Config() config.Config {
	return a.config
}

func (a *App) CommandNames() []string {
	names := make([]string, 0, len(a.commands))
	for name := range a.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *App) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Execute runs one shell-quoted mode line, e.g. `get_video_infos --force_refresh`.
func (a *App) Execute(ctx context.Context, input string) (CommandResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return CommandResult{}, nil
	}

	args, err := shellquote.Split(input)
	if err != nil {
		return CommandResult{}, err
	}
	if len(args) == 0 {
		return CommandResult{}, nil
	}

	cmdName := strings.ToLower(args[0])
	cmd, ok := a.commands[cmdName]
	if !ok {
		return CommandResult{}, fmt.Errorf("%w: unknown mode %s", ErrUsage, args[0])
	}

	return cmd.handler(ctx, args[1:])
}

func (a *App) registerCommands() {
	a.registerCommand("help", "help", "List the available modes", a.helpCommand)
	a.registerCommand("add_channel", "add_channel --channel_id ID", "Track a channel and its playlists", a.addChannelCommand)
	a.registerCommand("add_user", "add_user --username NAME", "Track the channel of a username or @handle", a.addUserCommand)
	a.registerCommand("add_video", "add_video --video_id ID [--channel_id ID] [--downloaded YYYY-MM-DD] [--resolution WxH] [--size BYTES] [--runtime SECONDS]",
		"Register a single, possibly already archived, video", a.addVideoCommand)
	a.registerCommand("get_playlists", "get_playlists", "Discover new playlists of live channels", a.getPlaylistsCommand)
	a.registerCommand("get_video_infos", "get_video_infos [--playlist_id ID] [--force_refresh]", "Synchronize playlist contents", a.getVideoInfosCommand)
	a.registerCommand("download_videos", "download_videos [--playlist_id ID] [--retry-403] [--ignore_429_lock]", "Run one download batch", a.downloadVideosCommand)
	a.registerCommand("verify_offline_videos", "verify_offline_videos", "Re-check videos believed offline or unlisted", a.verifyOfflineCommand)
	a.registerCommand("verify_channels", "verify_channels", "Check that tracked channels still exist", a.verifyChannelsCommand)
	a.registerCommand("generate_statistics", "generate_statistics [--statistics archive_size,videos_monitored,videos_downloaded]",
		"Append archive measurements", a.generateStatisticsCommand)
	a.registerCommand("toggle_channel_download", "toggle_channel_download --username NAME --enabled|--disabled",
		"Enable or disable downloads for a channel", a.toggleChannelCommand)
	a.registerCommand("set_download_from_date", "set_download_from_date --playlist_id ID --date YYYY-MM-DD|none",
		"Only download videos uploaded on or after a date", a.setDownloadFromDateCommand)
	a.registerCommand("clear_lock", "clear_lock --kind throttle|quota|download", "Clear a cooldown marker or a stale batch lock", a.clearLockCommand)
	a.registerCommand("status", "status [--operations N]", "Show markers, measurements and recent operations", a.statusCommand)
	a.registerCommand("import_opml", "import_opml --file PATH", "Track every channel of an OPML file", a.importCommand)
	a.registerCommand("export_opml", "export_opml --file PATH", "Export tracked channels as OPML", a.exportCommand)
	a.registerCommand("configure", "configure [show]", "View or edit the configuration", a.configCommand, "config")
	a.registerCommand("run", "run", "Run every maintenance mode in order", a.runCommand)
	a.registerCommand("daemon", "daemon", "Run the configured schedule until interrupted", a.daemonCommand)
}

func (a *App) registerCommand(name, usage, summary string, handler commandHandler, aliases ...string) {
	cmd := &command{usage: usage, summary: summary, handler: handler}
	names := append([]string{name}, aliases...)
	for _, alias := range names {
		a.commands[alias] = cmd
	}
}

func (a *App) helpCommand(_ context.Context, _ []string) (CommandResult, error) {
	seen := make(map[*command]bool)
	var b strings.Builder
	b.WriteString("Modes:\n")
	for _, name := range a.CommandNames() {
		cmd := a.commands[name]
		if seen[cmd] {
			continue
		}
		seen[cmd] = true
		fmt.Fprintf(&b, "  %s\n      %s\n", cmd.usage, cmd.summary)
	}
	return CommandResult{Message: b.String()}, nil
}

// parseFlags parses a mode's flags. Parse failures become ErrUsage with the
// mode's usage line.
func (a *App) parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return a.usageError(fs.Name(), err.Error())
	}
	if fs.NArg() > 0 {
		return a.usageError(fs.Name(), "unexpected arguments: "+strings.Join(fs.Args(), " "))
	}
	return nil
}

func (a *App) usageError(mode, reason string) error {
	usage := mode
	if cmd, ok := a.commands[mode]; ok {
		usage = cmd.usage
	}
	if reason == "" {
		return fmt.Errorf("%w: usage: %s", ErrUsage, usage)
	}
	return fmt.Errorf("%w: %s (usage: %s)", ErrUsage, reason, usage)
}

// withRun runs fn with a fresh run context and metadata client and persists
// the quota the run spent, whatever fn returned.
func (a *App) withRun(ctx context.Context, fn func(r *run.Run, api API) (CommandResult, error)) (CommandResult, error) {
	r := run.New()
	api, err := a.deps.NewAPI(ctx, r.Quota)
	if err != nil {
		return CommandResult{}, fmt.Errorf("create metadata client: %w", err)
	}
	result, err := fn(r, api)
	if ferr := r.FlushQuota(ctx, a.store); ferr != nil {
		log.Printf("run %s: %v", r.ID, ferr)
	}
	return result, err
}

func (a *App) guard() *guard.Guard {
	return guard.New(a.store, a.config.Cooldown())
}

func (a *App) catalog(r *run.Run, api API) *catalog.Synchronizer {
	return catalog.New(a.store, api, a.guard(), r, a.config.YouTube.BatchSize)
}

func (a *App) uploader() *upload.Uploader {
	u := a.config.Uploader
	return upload.New(u.BinaryPath, u.UploadTarget, u.UploadBasePath, a.deps.Runner)
}

func (a *App) orchestrator(r *run.Run, api API) (*downloads.Orchestrator, error) {
	extra, err := a.config.FetcherOptions()
	if err != nil {
		return nil, err
	}
	f := a.config.Fetcher
	fetch := fetcher.New(fetcher.Options{
		BinaryPath:      f.BinaryPath,
		DownloadArchive: f.DownloadArchive,
		StagingDir:      a.config.Base.DownloadDir,
		NamingFormat:    f.NamingFormat,
		VideoFormat:     f.VideoFormat,
		ExtraArgs:       extra,
		Proxy:           f.Proxy,
	}, a.deps.Runner)
	deps := downloads.Deps{
		Fetcher:   fetch,
		Inspector: media.NewInspector(a.config.Inspector.BinaryPath, a.deps.Runner),
		Uploader:  a.uploader(),
		Identity:  a.deps.Identity,
		Regions:   api,
		Ledger:    fetcher.NewArchive(f.DownloadArchive),
		Runner:    a.deps.Runner,
	}
	settings := downloads.Settings{
		StagingDir:          a.config.Base.DownloadDir,
		LockPath:            a.config.Base.DownloadLockfile,
		MinSleep:            seconds(f.MinSleepInterval),
		MaxSleep:            seconds(f.MaxSleepInterval),
		GeoblockSleep:       seconds(f.GeoblockSleepSeconds),
		ServerErrorSleep:    seconds(f.ServerErrorSleepSeconds),
		ThrottleSleep:       seconds(f.ThrottleSleepSeconds),
		ThrottleAbortAfter:  a.config.Base.ThrottleAbortAfter,
		ProxyRestartCommand: a.config.Base.ProxyRestartCommand,
	}
	return downloads.NewOrchestrator(a.store, a.guard(), r, deps, settings, a.deps.Sleep), nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (a *App) theme() theme.Theme {
	return theme.ForName(a.config.ColorTheme)
}

func (a *App) configCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) > 0 && strings.EqualFold(args[0], "show") {
		data, err := yaml.Marshal(a.config)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Message: string(data)}, nil
	}
	return a.editConfig(ctx)
}

func (a *App) editConfig(ctx context.Context) (CommandResult, error) {
	updated, err := config.EditInteractive(ctx, a.config)
	if err != nil {
		return CommandResult{}, err
	}
	if err := updated.Validate(); err != nil {
		return CommandResult{}, err
	}
	if err := config.Save(a.configPath, updated); err != nil {
		return CommandResult{}, err
	}
	a.config = updated
	log.Println("configuration updated")
	return CommandResult{Message: "Configuration saved."}, nil
}
