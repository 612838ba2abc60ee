package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"ytbackup/internal/domain"
	"ytbackup/internal/guard"
	"ytbackup/internal/repository"
	"ytbackup/internal/run"
	"ytbackup/internal/storage"
	"ytbackup/internal/youtube"
)

type fakeAPI struct {
	channels    map[string]youtube.ChannelInfo
	usernames   map[string]string
	etags       map[string]string
	listings    map[string][]string
	videos      map[string]youtube.VideoStatus
	listErr     map[string]error
	playlistErr error
	listCalls   map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		channels:  map[string]youtube.ChannelInfo{},
		usernames: map[string]string{},
		etags:     map[string]string{},
		listings:  map[string][]string{},
		videos:    map[string]youtube.VideoStatus{},
		listErr:   map[string]error{},
		listCalls: map[string]int{},
	}
}

func (f *fakeAPI) addChannel(channelID, name, uploads string) {
	f.channels[channelID] = youtube.ChannelInfo{ID: channelID, Name: name, Playlists: map[string]string{domain.UploadsPlaylistName: uploads}}
}

func (f *fakeAPI) ResolveUsername(ctx context.Context, username string) (string, error) {
	id, ok := f.usernames[username]
	if !ok {
		return "", &youtube.APIError{Op: "resolve", Kind: youtube.KindNotFound, Err: errors.New(username)}
	}
	return id, nil
}

func (f *fakeAPI) Channel(ctx context.Context, channelID string) (youtube.ChannelInfo, error) {
	info, ok := f.channels[channelID]
	if !ok {
		return youtube.ChannelInfo{}, &youtube.APIError{Op: "channels.list", Kind: youtube.KindNotFound, Err: errors.New(channelID)}
	}
	return info, nil
}

func (f *fakeAPI) Playlists(ctx context.Context, ids []string) (map[string]youtube.PlaylistMeta, error) {
	if f.playlistErr != nil {
		return nil, f.playlistErr
	}
	out := map[string]youtube.PlaylistMeta{}
	for _, id := range ids {
		if etag, ok := f.etags[id]; ok {
			out[id] = youtube.PlaylistMeta{ETag: etag}
		}
	}
	return out, nil
}

func (f *fakeAPI) PlaylistItems(ctx context.Context, playlistID string) ([]domain.ListedVideo, error) {
	f.listCalls[playlistID]++
	if err := f.listErr[playlistID]; err != nil {
		return nil, err
	}
	var out []domain.ListedVideo
	for _, id := range f.listings[playlistID] {
		uploaded := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
		out = append(out, domain.ListedVideo{VideoID: id, Title: "title " + id, UploadedAt: &uploaded})
	}
	return out, nil
}

func (f *fakeAPI) Videos(ctx context.Context, ids []string) (map[string]youtube.VideoStatus, error) {
	out := map[string]youtube.VideoStatus{}
	for _, id := range ids {
		if v, ok := f.videos[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

type fixture struct {
	store *repository.Store
	api   *fakeAPI
	guard *guard.Guard
	sync  *Synchronizer
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(storage.SQLite, filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	f.store = repository.New(db, storage.SQLite)
	f.api = newFakeAPI()
	f.guard = guard.New(f.store, 48*time.Hour)
	f.guard.SetClock(func() time.Time { return f.now })
	r := run.New()
	r.Now = func() time.Time { return f.now }
	f.sync = New(f.store, f.api, f.guard, r, 2)
	return f
}

func (f *fixture) markDownloaded(t *testing.T, videoID string) {
	t.Helper()
	v, err := f.store.GetVideo(context.Background(), videoID)
	if err != nil {
		t.Fatalf("GetVideo(%s) error = %v", videoID, err)
	}
	if err := f.store.PersistDownloadResult(context.Background(), v.ID, domain.DownloadResult{DownloadedAt: f.now, SizeBytes: 10}); err != nil {
		t.Fatalf("PersistDownloadResult() error = %v", err)
	}
}

func (f *fixture) state(t *testing.T, videoID string) domain.Availability {
	t.Helper()
	v, err := f.store.GetVideo(context.Background(), videoID)
	if err != nil {
		t.Fatalf("GetVideo(%s) error = %v", videoID, err)
	}
	return v.Availability
}

func TestAddChannelRegistersUploadsPlaylist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "Chan_One", "UU1")

	ch, created, err := f.sync.AddChannel(ctx, "UC1")
	if err != nil {
		t.Fatalf("AddChannel() error = %v", err)
	}
	if !created || ch.Name != "Chan_One" {
		t.Fatalf("channel = %+v created = %v", ch, created)
	}
	p, err := f.store.GetPlaylist(ctx, "UU1")
	if err != nil {
		t.Fatalf("GetPlaylist() error = %v", err)
	}
	if p.Name != domain.UploadsPlaylistName || !p.Monitored || p.ChannelID != ch.ID {
		t.Fatalf("playlist = %+v", p)
	}

	_, created, err = f.sync.AddChannel(ctx, "UC1")
	if err != nil || created {
		t.Fatalf("second AddChannel() created = %v err = %v", created, err)
	}
	channels, _ := f.store.ListChannels(ctx)
	if len(channels) != 1 {
		t.Fatalf("expected one channel row, got %d", len(channels))
	}
}

func TestAddUserResolvesChannel(t *testing.T) {
	f := newFixture(t)
	f.api.addChannel("UC9", "Nine", "UU9")
	f.api.usernames["ninefan"] = "UC9"

	ch, _, err := f.sync.AddUser(context.Background(), "ninefan")
	if err != nil {
		t.Fatalf("AddUser() error = %v", err)
	}
	if ch.ChannelID != "UC9" {
		t.Fatalf("channel = %+v", ch)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "Chan", "UU1")
	f.api.etags["UU1"] = "e1"
	f.api.listings["UU1"] = []string{"v1", "v2"}
	if _, _, err := f.sync.AddChannel(ctx, "UC1"); err != nil {
		t.Fatalf("AddChannel() error = %v", err)
	}

	report, err := f.sync.SyncPlaylists(ctx, SyncOptions{})
	if err != nil {
		t.Fatalf("SyncPlaylists() error = %v", err)
	}
	if report.Added != 2 || report.Synced != 1 {
		t.Fatalf("first report = %s", report)
	}
	v1, _ := f.store.GetVideo(ctx, "v1")
	if v1.Availability != domain.AvailabilityOnline || !v1.DownloadRequired || v1.UploadedAt == nil {
		t.Fatalf("v1 = %+v", v1)
	}
	opsBefore, _ := f.store.ListOperations(ctx, 100)

	report, err = f.sync.SyncPlaylists(ctx, SyncOptions{})
	if err != nil {
		t.Fatalf("second SyncPlaylists() error = %v", err)
	}
	if report.Unchanged != 1 || report.Synced != 0 || report.Added != 0 || report.Offline != 0 {
		t.Fatalf("second report = %s", report)
	}
	if f.api.listCalls["UU1"] != 1 {
		t.Fatalf("unchanged playlist was listed again (%d calls)", f.api.listCalls["UU1"])
	}
	opsAfter, _ := f.store.ListOperations(ctx, 100)
	if len(opsAfter) != len(opsBefore) {
		t.Fatalf("unchanged sweep wrote %d operations", len(opsAfter)-len(opsBefore))
	}
}

func TestForceRefreshListsUnchangedPlaylist(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "Chan", "UU1")
	f.api.etags["UU1"] = "e1"
	f.api.listings["UU1"] = []string{"v1"}
	f.sync.AddChannel(ctx, "UC1")

	if _, err := f.sync.SyncPlaylists(ctx, SyncOptions{}); err != nil {
		t.Fatalf("SyncPlaylists() error = %v", err)
	}
	report, err := f.sync.SyncPlaylists(ctx, SyncOptions{ForceRefresh: true})
	if err != nil {
		t.Fatalf("forced SyncPlaylists() error = %v", err)
	}
	if report.Synced != 1 || f.api.listCalls["UU1"] != 2 {
		t.Fatalf("forced report = %s, calls = %d", report, f.api.listCalls["UU1"])
	}
	p, _ := f.store.GetPlaylist(ctx, "UU1")
	if p.ETag != "e1" {
		t.Fatalf("etag after forced sync = %q", p.ETag)
	}
}

func TestOfflineDiff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "Chan", "UU1")
	f.api.etags["UU1"] = "e1"
	f.api.listings["UU1"] = []string{"A", "B", "C"}
	f.sync.AddChannel(ctx, "UC1")
	if _, err := f.sync.SyncPlaylists(ctx, SyncOptions{}); err != nil {
		t.Fatalf("SyncPlaylists() error = %v", err)
	}
	for _, id := range []string{"A", "B", "C"} {
		f.markDownloaded(t, id)
	}

	f.api.etags["UU1"] = "e2"
	f.api.listings["UU1"] = []string{"A", "C"}
	report, err := f.sync.SyncPlaylists(ctx, SyncOptions{})
	if err != nil {
		t.Fatalf("SyncPlaylists() error = %v", err)
	}
	if report.Offline != 1 {
		t.Fatalf("report = %s", report)
	}
	if got := f.state(t, "B"); got != domain.AvailabilityOffline {
		t.Fatalf("B = %s, want offline", got)
	}
	for _, id := range []string{"A", "C"} {
		if got := f.state(t, id); got != domain.AvailabilityOnline {
			t.Fatalf("%s = %s, want online", id, got)
		}
	}
}

func TestOfflineDiffSkipsUnlisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "Chan", "UU1")
	f.api.etags["UU1"] = "e1"
	f.api.listings["UU1"] = []string{"A", "B", "C"}
	f.sync.AddChannel(ctx, "UC1")
	f.sync.SyncPlaylists(ctx, SyncOptions{})
	for _, id := range []string{"A", "B", "C"} {
		f.markDownloaded(t, id)
	}
	b, _ := f.store.GetVideo(ctx, "B")
	if err := f.store.SetAvailability(ctx, b.ID, domain.AvailabilityUnlisted); err != nil {
		t.Fatalf("SetAvailability() error = %v", err)
	}

	f.api.etags["UU1"] = "e2"
	f.api.listings["UU1"] = []string{"A", "C"}
	if _, err := f.sync.SyncPlaylists(ctx, SyncOptions{}); err != nil {
		t.Fatalf("SyncPlaylists() error = %v", err)
	}
	if got := f.state(t, "B"); got != domain.AvailabilityUnlisted {
		t.Fatalf("B = %s, want unlisted", got)
	}
}

func TestListedVideoComesBackOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "Chan", "UU1")
	f.api.etags["UU1"] = "e1"
	f.api.listings["UU1"] = []string{"A"}
	f.sync.AddChannel(ctx, "UC1")
	f.sync.SyncPlaylists(ctx, SyncOptions{})

	a, _ := f.store.GetVideo(ctx, "A")
	f.store.MarkOffline(ctx, []int64{a.ID})

	f.api.etags["UU1"] = "e2"
	report, err := f.sync.SyncPlaylists(ctx, SyncOptions{})
	if err != nil {
		t.Fatalf("SyncPlaylists() error = %v", err)
	}
	if report.Reappeared != 1 || f.state(t, "A") != domain.AvailabilityOnline {
		t.Fatalf("report = %s state = %s", report, f.state(t, "A"))
	}
}

func TestQuotaExhaustionAbortsSweep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "Chan", "UU1")
	f.sync.AddChannel(ctx, "UC1")
	f.api.playlistErr = &youtube.APIError{Op: "playlists.list", Kind: youtube.KindQuota, Err: errors.New("quotaExceeded")}

	_, err := f.sync.SyncPlaylists(ctx, SyncOptions{})
	if !errors.Is(err, youtube.ErrQuotaExceeded) {
		t.Fatalf("SyncPlaylists() error = %v, want quota", err)
	}
	if exhausted, _ := f.guard.IsQuotaExhausted(ctx); !exhausted {
		t.Fatalf("expected quota cooldown after quota error")
	}

	f.api.playlistErr = nil
	if _, err := f.sync.SyncPlaylists(ctx, SyncOptions{}); !errors.Is(err, guard.ErrQuotaCooldown) {
		t.Fatalf("SyncPlaylists() during cooldown error = %v", err)
	}
}

func TestPlaylistFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "One", "UU1")
	f.api.addChannel("UC2", "Two", "UU2")
	f.api.etags["UU1"] = "e1"
	f.api.etags["UU2"] = "e2"
	f.api.listings["UU2"] = []string{"x"}
	f.api.listErr["UU1"] = &youtube.APIError{Op: "playlistItems.list", Kind: youtube.KindTransient, Err: errors.New("backend")}
	f.sync.AddChannel(ctx, "UC1")
	f.sync.AddChannel(ctx, "UC2")

	report, err := f.sync.SyncPlaylists(ctx, SyncOptions{})
	if err != nil {
		t.Fatalf("SyncPlaylists() error = %v", err)
	}
	if report.Failed != 1 || report.Synced != 1 || report.Added != 1 {
		t.Fatalf("report = %s", report)
	}
	p1, _ := f.store.GetPlaylist(ctx, "UU1")
	if p1.ETag != "" {
		t.Fatalf("failed playlist must keep its old change token, got %q", p1.ETag)
	}
}

func TestVerifyOfflineVideos(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "Chan", "UU1")
	f.api.etags["UU1"] = "e1"
	f.api.listings["UU1"] = []string{"A", "B", "C"}
	f.sync.AddChannel(ctx, "UC1")
	f.sync.SyncPlaylists(ctx, SyncOptions{})

	var ids []int64
	for _, id := range []string{"A", "B", "C"} {
		v, _ := f.store.GetVideo(ctx, id)
		ids = append(ids, v.ID)
	}
	f.store.MarkOffline(ctx, ids)
	f.api.videos["A"] = youtube.VideoStatus{ID: "A", PrivacyStatus: "public"}
	f.api.videos["B"] = youtube.VideoStatus{ID: "B", PrivacyStatus: "unlisted"}

	report, err := f.sync.VerifyOfflineVideos(ctx)
	if err != nil {
		t.Fatalf("VerifyOfflineVideos() error = %v", err)
	}
	if report.Checked != 3 || report.Online != 1 || report.Unlisted != 1 || report.Missing != 1 {
		t.Fatalf("report = %+v", report)
	}
	if f.state(t, "A") != domain.AvailabilityOnline || f.state(t, "B") != domain.AvailabilityUnlisted || f.state(t, "C") != domain.AvailabilityOffline {
		t.Fatalf("states = %s %s %s", f.state(t, "A"), f.state(t, "B"), f.state(t, "C"))
	}
}

func TestAddVideoKnownOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.addChannel("UC1", "Chan", "UU1")

	if _, err := f.sync.AddVideo(ctx, ManualVideo{VideoID: "gone"}); err == nil {
		t.Fatalf("expected error without channel id for an invisible video")
	}

	downloaded := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	v, err := f.sync.AddVideo(ctx, ManualVideo{VideoID: "gone", ChannelID: "UC1", DownloadedAt: &downloaded})
	if err != nil {
		t.Fatalf("AddVideo() error = %v", err)
	}
	if v.Availability != domain.AvailabilityOffline || v.DownloadedAt == nil {
		t.Fatalf("video = %+v", v)
	}
	p, _ := f.store.GetPlaylist(ctx, "UU1")
	if p.Monitored {
		t.Fatalf("playlists of a channel added through a video start unmonitored")
	}
}
