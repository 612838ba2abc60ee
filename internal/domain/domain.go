package domain

import (
	"fmt"
	"time"
)

// Availability is the per-video lifecycle state persisted in videos.online.
type Availability int

const (
	AvailabilityOffline    Availability = 0
	AvailabilityOnline     Availability = 1
	AvailabilityHTTP403    Availability = 2
	AvailabilityHateSpeech Availability = 3
	AvailabilityUnlisted   Availability = 4
)

var availabilityNames = map[Availability]string{
	AvailabilityOffline:    "offline",
	AvailabilityOnline:     "online",
	AvailabilityHTTP403:    "http_403",
	AvailabilityHateSpeech: "hate_speech",
	AvailabilityUnlisted:   "unlisted",
}

func (a Availability) String() string {
	if name, ok := availabilityNames[a]; ok {
		return name
	}
	return fmt.Sprintf("availability(%d)", int(a))
}

// Valid reports whether a is one of the five persisted states.
func (a Availability) Valid() bool {
	_, ok := availabilityNames[a]
	return ok
}

// ParseAvailability converts a stored integer into an Availability.
func ParseAvailability(v int) (Availability, error) {
	a := Availability(v)
	if !a.Valid() {
		return 0, fmt.Errorf("invalid availability state %d", v)
	}
	return a, nil
}

// PreexistingDownload marks videos found in the fetch tool's archive ledger
// that were never downloaded by this installation.
var PreexistingDownload = time.Date(1972, time.January, 1, 23, 23, 23, 0, time.UTC)

// Statistic kinds. Markers keep a single live row; measurements append.
const (
	StatStatus               = "status"
	StatCurrentlyDownloading = "currently_downloading"
	StatThrottle             = "http_429_state"
	StatQuotaExceeded        = "quota_exceeded_state"
	StatUsedQuota            = "used_quota"
	StatArchiveSize          = "archive_size"
	StatVideosMonitored      = "videos_monitored"
	StatVideosDownloaded     = "videos_downloaded"
)

// Values written to the status marker.
const (
	StatusDownloading  = "downloading"
	StatusUploading    = "uploading"
	StatusThrottled    = "429 paused"
	StatusDone         = "done"
	StatusAborted      = "aborted"
	NothingDownloading = "Nothing"
)

// UploadsPlaylistName is the name given to a channel's uploads playlist.
const UploadsPlaylistName = "uploads"

type Channel struct {
	ID        int64
	ChannelID string
	Name      string
	OfflineAt *time.Time
	// DownloadEnabled is false once the operator turned downloads off for
	// the channel.
	DownloadEnabled bool
}

// Offline reports whether the channel is confirmed gone remotely.
func (c Channel) Offline() bool {
	return c.OfflineAt != nil
}

type Playlist struct {
	ID               int64
	PlaylistID       string
	Name             string
	ChannelID        int64
	Monitored        bool
	DownloadFromDate *time.Time
	ETag             string
}

type Video struct {
	ID               int64
	VideoID          string
	PlaylistID       int64
	Title            string
	Description      string
	UploadedAt       *time.Time
	Availability     Availability
	DownloadRequired bool
	DownloadedAt     *time.Time
	SizeBytes        *int64
	Resolution       string
	RuntimeSeconds   *float64
	Geoblock         []string
}

// BlockedIn reports whether region is in the recorded geoblock list.
func (v Video) BlockedIn(region string) bool {
	if region == "" {
		return false
	}
	for _, r := range v.Geoblock {
		if r == region {
			return true
		}
	}
	return false
}

// QueueItem is a download queue entry with its owners resolved to scalars.
type QueueItem struct {
	Video            Video
	PlaylistID       string
	ChannelName      string
	DownloadFromDate *time.Time
}

// DownloadResult is everything persisted together once a fetch is uploaded.
type DownloadResult struct {
	DownloadedAt   time.Time
	SizeBytes      int64
	Resolution     string
	RuntimeSeconds *float64
}

type Operation struct {
	ID          int64
	StartedAt   time.Time
	Duration    time.Duration
	Kind        string
	Description string
	RunID       string
}

type Statistic struct {
	Kind  string
	Value string
	Date  time.Time
	RunID string
}

// ListedVideo is one entry of a remote playlist listing.
type ListedVideo struct {
	VideoID     string
	Title       string
	Description string
	UploadedAt  *time.Time
}
