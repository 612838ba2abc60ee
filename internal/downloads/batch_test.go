package downloads

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ytbackup/internal/domain"
	"ytbackup/internal/fetcher"
	"ytbackup/internal/guard"
	"ytbackup/internal/media"
	"ytbackup/internal/netinfo"
	"ytbackup/internal/process"
	"ytbackup/internal/repository"
	"ytbackup/internal/run"
	"ytbackup/internal/storage"
)

type fakeFetcher struct {
	staging  string
	outcomes map[string]fetcher.Outcome
	calls    []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, videoID, channelName string) (fetcher.Result, error) {
	f.calls = append(f.calls, videoID)
	outcome, ok := f.outcomes[videoID]
	if !ok {
		outcome = fetcher.Success
	}
	if outcome != fetcher.Success {
		return fetcher.Result{Outcome: outcome}, nil
	}
	dir := filepath.Join(f.staging, channelName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fetcher.Result{}, err
	}
	file := filepath.Join(dir, videoID+".mkv")
	if err := os.WriteFile(file, []byte("video-bytes"), 0o644); err != nil {
		return fetcher.Result{}, err
	}
	return fetcher.Result{Outcome: fetcher.Success, File: file}, nil
}

type fakeInspector struct{}

func (fakeInspector) Inspect(ctx context.Context, path string) (media.Info, error) {
	d := 12.5
	return media.Info{DurationSeconds: &d, Resolution: "1920x1080"}, nil
}

type fakeUploader struct {
	err   error
	moves int
}

func (u *fakeUploader) Move(ctx context.Context, dir string) error {
	u.moves++
	if u.err != nil {
		return u.err
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		os.RemoveAll(filepath.Join(dir, e.Name()))
	}
	return nil
}

type fakeIdentity struct {
	ident netinfo.Identity
	err   error
}

func (f fakeIdentity) Lookup(ctx context.Context) (netinfo.Identity, error) {
	return f.ident, f.err
}

type fakeRegions struct {
	regions []string
}

func (f fakeRegions) BlockedRegions(ctx context.Context, videoID string) ([]string, error) {
	return f.regions, nil
}

type fakeRunner struct {
	lines [][]string
}

func (r *fakeRunner) Run(ctx context.Context, name string, args ...string) (process.Result, error) {
	r.lines = append(r.lines, append([]string{name}, args...))
	return process.Result{}, nil
}

type recordingSleeper struct {
	sleeps []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.sleeps = append(r.sleeps, d)
	return ctx.Err()
}

type harness struct {
	store    *repository.Store
	guard    *guard.Guard
	fetch    *fakeFetcher
	upload   *fakeUploader
	runner   *fakeRunner
	sleeper  *recordingSleeper
	ledger   *fetcher.Archive
	settings Settings
	deps     Deps
	run      *run.Run
	playlist domain.Playlist
	now      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := storage.Open(storage.SQLite, filepath.Join(dir, "downloads.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	h.store = repository.New(db, storage.SQLite)
	h.guard = guard.New(h.store, 48*time.Hour)
	h.guard.SetClock(func() time.Time { return h.now })
	h.run = run.New()
	h.run.Now = func() time.Time { return h.now }

	h.settings = Settings{
		StagingDir:         filepath.Join(dir, "staging"),
		LockPath:           filepath.Join(dir, "download.lock"),
		MinSleep:           time.Second,
		MaxSleep:           3 * time.Second,
		GeoblockSleep:      60 * time.Second,
		ServerErrorSleep:   30 * time.Second,
		ThrottleSleep:      10 * time.Second,
		ThrottleAbortAfter: 3,
	}
	h.fetch = &fakeFetcher{staging: h.settings.StagingDir, outcomes: map[string]fetcher.Outcome{}}
	h.upload = &fakeUploader{}
	h.runner = &fakeRunner{}
	h.sleeper = &recordingSleeper{}
	h.ledger = fetcher.NewArchive(filepath.Join(dir, "archive.txt"))
	h.deps = Deps{
		Fetcher:   h.fetch,
		Inspector: fakeInspector{},
		Uploader:  h.upload,
		Identity:  fakeIdentity{ident: netinfo.Identity{IP: "1.2.3.4", Country: "DE"}},
		Regions:   fakeRegions{regions: []string{"DE", "AT"}},
		Ledger:    h.ledger,
		Runner:    h.runner,
	}

	ctx := context.Background()
	ch, _, err := h.store.InsertChannel(ctx, "UC1", "Chan")
	if err != nil {
		t.Fatalf("InsertChannel() error = %v", err)
	}
	if _, err := h.store.InsertPlaylist(ctx, domain.Playlist{PlaylistID: "UU1", Name: domain.UploadsPlaylistName, ChannelID: ch.ID, Monitored: true}); err != nil {
		t.Fatalf("InsertPlaylist() error = %v", err)
	}
	h.playlist, _ = h.store.GetPlaylist(ctx, "UU1")
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	o := NewOrchestrator(h.store, h.guard, h.run, h.deps, h.settings, h.sleeper.Sleep)
	o.SetRand(func(n int64) int64 { return n - 1 })
	return o
}

func (h *harness) addVideo(t *testing.T, id string, mutate func(*domain.Video)) {
	t.Helper()
	v := domain.Video{
		VideoID:          id,
		PlaylistID:       h.playlist.ID,
		Title:            "title " + id,
		Availability:     domain.AvailabilityOnline,
		DownloadRequired: true,
	}
	if mutate != nil {
		mutate(&v)
	}
	if _, err := h.store.InsertVideo(context.Background(), v); err != nil {
		t.Fatalf("InsertVideo(%s) error = %v", id, err)
	}
}

func (h *harness) video(t *testing.T, id string) domain.Video {
	t.Helper()
	v, err := h.store.GetVideo(context.Background(), id)
	if err != nil {
		t.Fatalf("GetVideo(%s) error = %v", id, err)
	}
	return v
}

func (h *harness) marker(t *testing.T, kind string) string {
	t.Helper()
	stat, _, err := h.store.GetMarker(context.Background(), kind)
	if err != nil {
		t.Fatalf("GetMarker(%s) error = %v", kind, err)
	}
	return stat.Value
}

func TestBatchDownloadsAndPersists(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "v1", nil)
	h.addVideo(t, "v2", nil)

	counters, err := h.orchestrator().RunBatch(context.Background(), Options{})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if counters.Queued != 2 || counters.Downloaded != 2 {
		t.Fatalf("counters = %s", counters)
	}
	v1 := h.video(t, "v1")
	if v1.DownloadedAt == nil || !v1.DownloadedAt.Equal(h.now) {
		t.Fatalf("v1 downloaded = %v", v1.DownloadedAt)
	}
	if v1.Resolution != "1920x1080" || v1.SizeBytes == nil || *v1.SizeBytes != int64(len("video-bytes")) {
		t.Fatalf("v1 = %+v", v1)
	}
	if v1.RuntimeSeconds == nil || *v1.RuntimeSeconds != 12.5 {
		t.Fatalf("v1 runtime = %v", v1.RuntimeSeconds)
	}
	if h.upload.moves != 2 {
		t.Fatalf("uploads = %d", h.upload.moves)
	}
	if len(h.sleeper.sleeps) != 1 || h.sleeper.sleeps[0] != 3*time.Second {
		t.Fatalf("sleeps = %v, want one pause between the two items", h.sleeper.sleeps)
	}
	if got := h.marker(t, domain.StatStatus); got != domain.StatusDone {
		t.Fatalf("status = %q", got)
	}
	if got := h.marker(t, domain.StatCurrentlyDownloading); got != domain.NothingDownloading {
		t.Fatalf("currently downloading = %q", got)
	}
	if guard.Held(h.settings.LockPath) {
		t.Fatalf("lock marker left behind")
	}
}

func TestBatchRefusesWhileLocked(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "v1", nil)
	lock, err := guard.Acquire(h.settings.LockPath)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer lock.Release()

	if _, err := h.orchestrator().RunBatch(context.Background(), Options{}); !errors.Is(err, guard.ErrLocked) {
		t.Fatalf("RunBatch() error = %v, want ErrLocked", err)
	}
	if len(h.fetch.calls) != 0 {
		t.Fatalf("fetch was called while locked")
	}
}

func TestBatchRefusesWhileThrottled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addVideo(t, "v1", nil)
	if err := h.guard.MarkThrottled(ctx, "1.2.3.4"); err != nil {
		t.Fatalf("MarkThrottled() error = %v", err)
	}

	if _, err := h.orchestrator().RunBatch(ctx, Options{}); !errors.Is(err, guard.ErrThrottled) {
		t.Fatalf("RunBatch() error = %v, want ErrThrottled", err)
	}
	if guard.Held(h.settings.LockPath) {
		t.Fatalf("refused batch must not take the lock")
	}

	counters, err := h.orchestrator().RunBatch(ctx, Options{IgnoreThrottle: true})
	if err != nil || counters.Downloaded != 1 {
		t.Fatalf("overridden RunBatch() = %s, %v", counters, err)
	}
}

func TestIdentityFailureAbortsWithoutSideEffects(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "v1", nil)
	h.deps.Identity = fakeIdentity{err: errors.New("network down")}

	if _, err := h.orchestrator().RunBatch(context.Background(), Options{}); err == nil {
		t.Fatalf("expected identity error")
	}
	if guard.Held(h.settings.LockPath) || len(h.fetch.calls) != 0 {
		t.Fatalf("identity failure must leave no lock and fetch nothing")
	}
}

func TestGeoblockedVideoIsSkippedWithoutFetch(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "blocked", func(v *domain.Video) { v.Geoblock = []string{"FR", "DE"} })

	counters, err := h.orchestrator().RunBatch(context.Background(), Options{})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if counters.GeoSkipped != 1 || len(h.fetch.calls) != 0 {
		t.Fatalf("counters = %s, fetch calls = %v", counters, h.fetch.calls)
	}
}

func TestLedgerEntryMarksPreexisting(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "old", nil)
	if err := os.WriteFile(h.ledger.Path(), []byte("youtube old\n"), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	if _, err := h.orchestrator().RunBatch(context.Background(), Options{}); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	v := h.video(t, "old")
	if v.DownloadedAt == nil || !v.DownloadedAt.Equal(domain.PreexistingDownload) {
		t.Fatalf("downloaded = %v, want pre-existing sentinel", v.DownloadedAt)
	}
	if len(h.fetch.calls) != 0 {
		t.Fatalf("ledger hit must not fetch")
	}
}

func TestDownloadFromDateClearsRequirement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	early := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	late := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	h.addVideo(t, "early", func(v *domain.Video) { v.UploadedAt = &early })
	h.addVideo(t, "late", func(v *domain.Video) { v.UploadedAt = &late })
	threshold := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	if _, err := h.store.SetDownloadFromDate(ctx, h.playlist.ID, &threshold); err != nil {
		t.Fatalf("SetDownloadFromDate() error = %v", err)
	}
	// Re-arm the early video so the batch itself has to apply the threshold.
	if err := h.store.SetDownloadRequired(ctx, h.video(t, "early").ID, true); err != nil {
		t.Fatalf("SetDownloadRequired() error = %v", err)
	}

	counters, err := h.orchestrator().RunBatch(ctx, Options{})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if counters.Expired != 1 || counters.Downloaded != 1 {
		t.Fatalf("counters = %s", counters)
	}
	if h.video(t, "early").DownloadRequired {
		t.Fatalf("early video should no longer be required")
	}
}

func TestOutcomesUpdateState(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"forbidden", "hate", "geo", "busy", "nofile", "transient"} {
		h.addVideo(t, id, nil)
	}
	h.fetch.outcomes = map[string]fetcher.Outcome{
		"forbidden": fetcher.ItemForbidden,
		"hate":      fetcher.PolicyRemoved,
		"geo":       fetcher.Geoblocked,
		"busy":      fetcher.ServerError,
		"nofile":    fetcher.NoFile,
		"transient": fetcher.Forbidden,
	}
	if err := os.WriteFile(h.ledger.Path(), []byte("youtube other\n"), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	counters, err := h.orchestrator().RunBatch(context.Background(), Options{})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if counters.ItemForbidden != 1 || counters.PolicyRemoved != 1 || counters.Geoblocked != 1 ||
		counters.ServerErrors != 1 || counters.NoFile != 1 || counters.Forbidden != 1 {
		t.Fatalf("counters = %s", counters)
	}
	if got := h.video(t, "forbidden").Availability; got != domain.AvailabilityHTTP403 {
		t.Fatalf("forbidden = %s", got)
	}
	if got := h.video(t, "hate").Availability; got != domain.AvailabilityHateSpeech {
		t.Fatalf("hate = %s", got)
	}
	geo := h.video(t, "geo")
	if !geo.BlockedIn("AT") || !geo.BlockedIn("DE") {
		t.Fatalf("geoblock = %v", geo.Geoblock)
	}
	for _, id := range []string{"busy", "nofile", "transient"} {
		v := h.video(t, id)
		if v.Availability != domain.AvailabilityOnline || v.DownloadedAt != nil {
			t.Fatalf("%s = %+v, want untouched", id, v)
		}
	}
	want := []time.Duration{60 * time.Second, 30 * time.Second}
	if len(h.sleeper.sleeps) != len(want) || h.sleeper.sleeps[0] != want[0] || h.sleeper.sleeps[1] != want[1] {
		t.Fatalf("sleeps = %v, want %v", h.sleeper.sleeps, want)
	}
	if h.upload.moves != 0 {
		t.Fatalf("no upload expected")
	}
}

func TestForbiddenRetryPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addVideo(t, "v403", func(v *domain.Video) { v.Availability = domain.AvailabilityHTTP403 })

	counters, _ := h.orchestrator().RunBatch(ctx, Options{})
	if counters.Queued != 0 {
		t.Fatalf("http_403 queued without retry override")
	}
	counters, err := h.orchestrator().RunBatch(ctx, Options{RetryForbidden: true})
	if err != nil || counters.Downloaded != 1 {
		t.Fatalf("retry RunBatch() = %s, %v", counters, err)
	}
	if got := h.video(t, "v403").Availability; got != domain.AvailabilityOnline {
		t.Fatalf("state after download = %s", got)
	}
}

func TestConsecutiveThrottlesAbortBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.settings.ProxyRestartCommand = "systemctl restart 'tor proxy'"
	for _, id := range []string{"a", "b", "c", "d"} {
		h.addVideo(t, id, nil)
		h.fetch.outcomes[id] = fetcher.Throttled
	}

	counters, err := h.orchestrator().RunBatch(ctx, Options{})
	if !errors.Is(err, guard.ErrThrottled) {
		t.Fatalf("RunBatch() error = %v, want ErrThrottled", err)
	}
	if counters.Throttled != 3 || len(h.fetch.calls) != 3 {
		t.Fatalf("counters = %s, calls = %v", counters, h.fetch.calls)
	}
	if len(h.runner.lines) != 2 || strings.Join(h.runner.lines[0], " ") != "systemctl restart tor proxy" {
		t.Fatalf("proxy restarts = %v", h.runner.lines)
	}
	if got := h.marker(t, domain.StatStatus); got != domain.StatusThrottled {
		t.Fatalf("status = %q", got)
	}
	throttled, err := h.guard.IsThrottled(ctx, "1.2.3.4")
	if err != nil || !throttled {
		t.Fatalf("IsThrottled() = %v, %v", throttled, err)
	}
	if guard.Held(h.settings.LockPath) {
		t.Fatalf("lock marker left behind")
	}
}

func TestUploadFailureKeepsVideoQueued(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "v1", nil)
	h.upload.err = errors.New("remote unreachable")
	if err := os.WriteFile(h.ledger.Path(), []byte("youtube other\n"), 0o644); err != nil {
		t.Fatalf("write ledger: %v", err)
	}

	counters, err := h.orchestrator().RunBatch(context.Background(), Options{})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if counters.Failed != 1 || counters.Downloaded != 0 {
		t.Fatalf("counters = %s", counters)
	}
	if v := h.video(t, "v1"); v.DownloadedAt != nil {
		t.Fatalf("downloaded set despite failed upload")
	}
	if _, err := os.Stat(filepath.Join(h.settings.StagingDir, "Chan", "v1.mkv")); !os.IsNotExist(err) {
		t.Fatalf("file of failed upload left in staging: %v", err)
	}
}

func TestStagingFailureLeavesBatchAborted(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "v1", nil)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	h.settings.StagingDir = filepath.Join(blocker, "staging")

	if _, err := h.orchestrator().RunBatch(context.Background(), Options{}); err == nil {
		t.Fatalf("expected staging error")
	}
	if got := h.marker(t, domain.StatStatus); got != domain.StatusAborted {
		t.Fatalf("status = %q, want %q", got, domain.StatusAborted)
	}
	if guard.Held(h.settings.LockPath) || len(h.fetch.calls) != 0 {
		t.Fatalf("staging failure must release the lock and fetch nothing")
	}
}

func TestInterruptedBatchIsAborted(t *testing.T) {
	h := newHarness(t)
	h.addVideo(t, "v1", nil)
	h.addVideo(t, "v2", nil)
	ctx, cancel := context.WithCancel(context.Background())
	o := NewOrchestrator(h.store, h.guard, h.run, h.deps, h.settings, func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	})

	_, err := o.RunBatch(ctx, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RunBatch() error = %v, want canceled", err)
	}
	if got := h.marker(t, domain.StatStatus); got != domain.StatusAborted {
		t.Fatalf("status = %q", got)
	}
	if guard.Held(h.settings.LockPath) {
		t.Fatalf("lock marker left behind")
	}
	if h.video(t, "v1").DownloadedAt == nil || h.video(t, "v2").DownloadedAt != nil {
		t.Fatalf("only the first item should be recorded")
	}
}

func TestStaleStagingIsCleared(t *testing.T) {
	h := newHarness(t)
	stale := filepath.Join(h.settings.StagingDir, "Chan", "partial.mkv.part")
	if err := os.MkdirAll(filepath.Dir(stale), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(stale, []byte("x"), 0o644); err != nil {
		t.Fatalf("write stale: %v", err)
	}

	if _, err := h.orchestrator().RunBatch(context.Background(), Options{}); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale staging file survived: %v", err)
	}
}
