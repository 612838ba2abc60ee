package channels

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"ytbackup/internal/domain"
	"ytbackup/internal/repository"
	"ytbackup/internal/storage"
)

type fakeRegistrar struct {
	store *repository.Store
	fail  map[string]error
	added []string
}

func (f *fakeRegistrar) AddChannel(ctx context.Context, channelID string) (domain.Channel, bool, error) {
	if err := f.fail[channelID]; err != nil {
		return domain.Channel{}, false, err
	}
	f.added = append(f.added, channelID)
	return f.store.InsertChannel(ctx, channelID, "imported-"+channelID)
}

func newService(t *testing.T) (*Service, *repository.Store, *fakeRegistrar) {
	t.Helper()
	db, err := storage.Open(storage.SQLite, filepath.Join(t.TempDir(), "channels.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := repository.New(db, storage.SQLite)
	reg := &fakeRegistrar{store: store, fail: map[string]error{}}
	return NewService(store, reg), store, reg
}

func seedChannel(t *testing.T, store *repository.Store, channelID, name string, uploads ...time.Time) {
	t.Helper()
	ctx := context.Background()
	ch, _, err := store.InsertChannel(ctx, channelID, name)
	if err != nil {
		t.Fatalf("InsertChannel() error = %v", err)
	}
	store.InsertPlaylist(ctx, domain.Playlist{PlaylistID: "UU" + channelID, Name: domain.UploadsPlaylistName, ChannelID: ch.ID, Monitored: true})
	p, _ := store.GetPlaylist(ctx, "UU"+channelID)
	for i, at := range uploads {
		at := at
		id := channelID + "-v" + string(rune('a'+i))
		if _, err := store.InsertVideo(ctx, domain.Video{VideoID: id, PlaylistID: p.ID, Title: id, UploadedAt: &at, Availability: domain.AvailabilityOnline, DownloadRequired: true}); err != nil {
			t.Fatalf("InsertVideo() error = %v", err)
		}
	}
}

func TestToggleDownload(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	now := time.Now()
	seedChannel(t, store, "UC1", "Tom_Scott", now, now)

	n, err := svc.ToggleDownload(ctx, "Tom_Scott", false)
	if err != nil || n != 2 {
		t.Fatalf("ToggleDownload() = %d, %v", n, err)
	}
	v, _ := store.GetVideo(ctx, "UC1-va")
	if v.DownloadRequired {
		t.Fatalf("video still required after disabling")
	}
	queue, _ := store.ListDownloadQueue(ctx, repository.QueueFilter{})
	if len(queue) != 0 {
		t.Fatalf("disabled videos must leave the queue, got %d", len(queue))
	}

	if _, err := svc.ToggleDownload(ctx, "UC1", true); err != nil {
		t.Fatalf("ToggleDownload() by channel id error = %v", err)
	}
}

func TestToggleDownloadSuggestsNames(t *testing.T) {
	svc, store, _ := newService(t)
	seedChannel(t, store, "UC1", "Tom_Scott")
	seedChannel(t, store, "UC2", "Veritasium")

	_, err := svc.ToggleDownload(context.Background(), "tom scot", true)
	var unknown *UnknownChannelError
	if !errors.As(err, &unknown) {
		t.Fatalf("ToggleDownload() error = %v, want *UnknownChannelError", err)
	}
	if len(unknown.Suggestions) == 0 || unknown.Suggestions[0] != "Tom_Scott" {
		t.Fatalf("suggestions = %v", unknown.Suggestions)
	}
	if !strings.Contains(err.Error(), "did you mean Tom_Scott") {
		t.Fatalf("error text = %q", err.Error())
	}
}

func TestSetDownloadFromDate(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	old := time.Date(2018, 5, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	seedChannel(t, store, "UC1", "Chan", old, recent)

	threshold, err := ParseDate("2020-01-01")
	if err != nil {
		t.Fatalf("ParseDate() error = %v", err)
	}
	n, err := svc.SetDownloadFromDate(ctx, "UUUC1", threshold)
	if err != nil || n != 1 {
		t.Fatalf("SetDownloadFromDate() = %d, %v", n, err)
	}
	if v, _ := store.GetVideo(ctx, "UC1-va"); v.DownloadRequired {
		t.Fatalf("old video still required")
	}

	none, _ := ParseDate("none")
	if none != nil {
		t.Fatalf("ParseDate(none) = %v", none)
	}
	if n, err := svc.SetDownloadFromDate(ctx, "UUUC1", none); err != nil || n != 1 {
		t.Fatalf("clearing threshold = %d, %v", n, err)
	}
	if _, err := svc.SetDownloadFromDate(ctx, "missing", nil); !errors.Is(err, ErrUnknownPlaylist) {
		t.Fatalf("unknown playlist error = %v", err)
	}
	if _, err := ParseDate("01/02/2020"); err == nil {
		t.Fatalf("expected invalid date error")
	}
}

func TestDisabledChannelStaysDisabledAcrossThresholdChanges(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	old := time.Date(2018, 5, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2023, 5, 1, 0, 0, 0, 0, time.UTC)
	seedChannel(t, store, "UC1", "Chan", recent, recent)

	if _, err := svc.ToggleDownload(ctx, "Chan", false); err != nil {
		t.Fatalf("ToggleDownload() error = %v", err)
	}
	threshold, _ := ParseDate("2020-01-01")
	n, err := svc.SetDownloadFromDate(ctx, "UUUC1", threshold)
	if err != nil {
		t.Fatalf("SetDownloadFromDate() error = %v", err)
	}
	if n != 0 {
		t.Fatalf("SetDownloadFromDate() changed %d videos of a disabled channel", n)
	}
	if queue, _ := store.ListDownloadQueue(ctx, repository.QueueFilter{}); len(queue) != 0 {
		t.Fatalf("queue after disabling channel then setting date = %d, want 0", len(queue))
	}

	p, _ := store.GetPlaylist(ctx, "UUUC1")
	if created, err := store.InsertVideo(ctx, domain.Video{VideoID: "UC1-new", PlaylistID: p.ID, Title: "new", UploadedAt: &recent, Availability: domain.AvailabilityOnline, DownloadRequired: true}); err != nil || !created {
		t.Fatalf("InsertVideo() = %v, %v", created, err)
	}
	if v, _ := store.GetVideo(ctx, "UC1-new"); v.DownloadRequired {
		t.Fatalf("video discovered on a disabled channel is required")
	}

	store.InsertVideo(ctx, domain.Video{VideoID: "UC1-old", PlaylistID: p.ID, Title: "old", UploadedAt: &old, Availability: domain.AvailabilityOnline})
	if _, err := svc.ToggleDownload(ctx, "Chan", true); err != nil {
		t.Fatalf("ToggleDownload() error = %v", err)
	}
	want := map[string]bool{"UC1-va": true, "UC1-vb": true, "UC1-new": true, "UC1-old": false}
	for id, required := range want {
		if v, _ := store.GetVideo(ctx, id); v.DownloadRequired != required {
			t.Errorf("video %s required = %v after enabling, want %v", id, v.DownloadRequired, required)
		}
	}
	if ch, _ := store.GetChannel(ctx, "UC1"); !ch.DownloadEnabled {
		t.Fatalf("channel not marked enabled")
	}
}

func TestOPMLExportImport(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newService(t)
	path := filepath.Join(t.TempDir(), "channels.opml")

	if _, err := svc.ExportOPML(ctx, path); !errors.Is(err, ErrNoChannelsToExport) {
		t.Fatalf("ExportOPML() on empty store error = %v", err)
	}
	seedChannel(t, store, "UC1", "Chan")
	n, err := svc.ExportOPML(ctx, path)
	if err != nil || n != 1 {
		t.Fatalf("ExportOPML() = %d, %v", n, err)
	}

	other, _, reg := newService(t)
	result, err := other.ImportOPML(ctx, path)
	if err != nil {
		t.Fatalf("ImportOPML() error = %v", err)
	}
	if result.Imported != 1 || len(reg.added) != 1 || reg.added[0] != "UC1" {
		t.Fatalf("result = %+v, added = %v", result, reg.added)
	}
	result, _ = other.ImportOPML(ctx, path)
	if result.Skipped != 1 || result.Imported != 0 {
		t.Fatalf("second import = %+v", result)
	}
}

func TestImportOPMLReportsFailures(t *testing.T) {
	ctx := context.Background()
	svc, _, reg := newService(t)
	reg.fail["UCbad"] = errors.New("channel not found")
	path := filepath.Join(t.TempDir(), "takeout.opml")
	data := `<opml version="1.1"><body><outline text="YouTube Subscriptions">
<outline text="Bad" xmlUrl="https://www.youtube.com/feeds/videos.xml?channel_id=UCbad"/>
<outline text="Good" xmlUrl="https://www.youtube.com/feeds/videos.xml?channel_id=UCgood"/>
</outline></body></opml>`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write opml: %v", err)
	}

	result, err := svc.ImportOPML(ctx, path)
	if err != nil {
		t.Fatalf("ImportOPML() error = %v", err)
	}
	if result.Imported != 1 || len(result.Errors) != 1 {
		t.Fatalf("result = %+v", result)
	}
}
