package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"ytbackup/internal/domain"
)

const videoColumns = `v.id, v.video_id, v.playlist_id, v.title, v.description, v.upload_date, v.online,
v.download_required, v.downloaded, v.size, v.resolution, v.runtime, v.copyright`

func scanVideo(row interface{ Scan(...any) error }, extra ...any) (domain.Video, error) {
	var v domain.Video
	var uploaded, downloaded, resolution, copyright sql.NullString
	var size sql.NullInt64
	var runtime sql.NullFloat64
	var online, required int
	dest := []any{&v.ID, &v.VideoID, &v.PlaylistID, &v.Title, &v.Description, &uploaded, &online,
		&required, &downloaded, &size, &resolution, &runtime, &copyright}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return domain.Video{}, err
	}
	state, err := domain.ParseAvailability(online)
	if err != nil {
		return domain.Video{}, fmt.Errorf("video %s: %w", v.VideoID, err)
	}
	v.Availability = state
	v.DownloadRequired = required != 0
	v.UploadedAt = parseNullTime(uploaded)
	v.DownloadedAt = parseNullTime(downloaded)
	if size.Valid {
		n := size.Int64
		v.SizeBytes = &n
	}
	if runtime.Valid {
		f := runtime.Float64
		v.RuntimeSeconds = &f
	}
	v.Resolution = resolution.String
	v.Geoblock = decodeGeoblock(copyright.String)
	return v, nil
}

// encodeGeoblock stores region codes as "DE,FR," so that "<region>," matches
// rows written by earlier installations as well.
func encodeGeoblock(regions []string) string {
	var b strings.Builder
	for _, r := range regions {
		r = strings.ToUpper(strings.TrimSpace(r))
		if r == "" {
			continue
		}
		b.WriteString(r)
		b.WriteByte(',')
	}
	return b.String()
}

func decodeGeoblock(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	regions := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			regions = append(regions, p)
		}
	}
	return regions
}

// InsertVideo stores a newly discovered video. Duplicate remote ids are
// ignored and reported as not inserted.
func (s *Store) InsertVideo(ctx context.Context, v domain.Video) (bool, error) {
	v.VideoID = strings.TrimSpace(v.VideoID)
	if v.VideoID == "" {
		return false, errors.New("video id cannot be empty")
	}
	if v.PlaylistID == 0 {
		return false, errors.New("video must belong to a playlist")
	}
	if !v.Availability.Valid() {
		return false, fmt.Errorf("video %s: invalid availability %d", v.VideoID, int(v.Availability))
	}
	if v.DownloadRequired {
		enabled, err := s.playlistDownloadsEnabled(ctx, v.PlaylistID)
		if err != nil {
			return false, err
		}
		v.DownloadRequired = enabled
	}
	res, err := s.exec(ctx, `INSERT INTO videos
(video_id, playlist_id, title, description, upload_date, online, download_required, downloaded, size, resolution, runtime, copyright)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(video_id) DO NOTHING`,
		v.VideoID, v.PlaylistID, v.Title, v.Description, nullTime(v.UploadedAt), int(v.Availability),
		boolInt(v.DownloadRequired), nullTime(v.DownloadedAt), v.SizeBytes, nullString(v.Resolution),
		v.RuntimeSeconds, nullString(encodeGeoblock(v.Geoblock)))
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (s *Store) playlistDownloadsEnabled(ctx context.Context, playlistID int64) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT c.download_enabled FROM playlists p
JOIN channels c ON c.id = p.channel_id WHERE p.id = ?`), playlistID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("playlist %d: %w", playlistID, ErrNotFound)
	}
	if err != nil {
		return false, err
	}
	return enabled != 0, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) GetVideo(ctx context.Context, videoID string) (domain.Video, error) {
	v, err := scanVideo(s.db.QueryRowContext(ctx, s.q(`SELECT `+videoColumns+` FROM videos v WHERE v.video_id = ?`), videoID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Video{}, ErrNotFound
	}
	return v, err
}

func (s *Store) listVideos(ctx context.Context, query string, args ...any) ([]domain.Video, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	videos := make([]domain.Video, 0, 64)
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return videos, nil
}

// ListPlaylistVideos returns every video owned by the playlist.
func (s *Store) ListPlaylistVideos(ctx context.Context, playlistID int64) ([]domain.Video, error) {
	return s.listVideos(ctx, `SELECT `+videoColumns+` FROM videos v WHERE v.playlist_id = ? ORDER BY v.id`, playlistID)
}

// ListOfflineCandidates returns the videos of a playlist that a complete
// listing can take offline: state online with a download timestamp set.
func (s *Store) ListOfflineCandidates(ctx context.Context, playlistID int64) ([]domain.Video, error) {
	return s.listVideos(ctx, `SELECT `+videoColumns+` FROM videos v
WHERE v.playlist_id = ? AND v.online = ? AND v.downloaded IS NOT NULL ORDER BY v.id`,
		playlistID, int(domain.AvailabilityOnline))
}

// ListVerificationCandidates returns required videos whose state a direct
// status lookup can resolve.
func (s *Store) ListVerificationCandidates(ctx context.Context) ([]domain.Video, error) {
	return s.listVideos(ctx, `SELECT `+videoColumns+` FROM videos v
WHERE v.download_required = 1 AND v.online IN (?, ?, ?) ORDER BY v.id`,
		int(domain.AvailabilityOffline), int(domain.AvailabilityHateSpeech), int(domain.AvailabilityUnlisted))
}

// QueueFilter narrows the download queue.
type QueueFilter struct {
	PlaylistID     int64
	IncludeHTTP403 bool
}

// ListDownloadQueue returns videos without a download timestamp that are
// required and in a downloadable state, with owning playlist and channel
// resolved.
func (s *Store) ListDownloadQueue(ctx context.Context, filter QueueFilter) ([]domain.QueueItem, error) {
	states := []any{int(domain.AvailabilityOnline), int(domain.AvailabilityHateSpeech), int(domain.AvailabilityUnlisted)}
	if filter.IncludeHTTP403 {
		states = append(states, int(domain.AvailabilityHTTP403))
	}
	query := `SELECT ` + videoColumns + `, p.playlist_id, p.download_from_date, c.channel_name
FROM videos v
JOIN playlists p ON p.id = v.playlist_id
JOIN channels c ON c.id = p.channel_id
WHERE v.downloaded IS NULL AND v.download_required = 1 AND v.online IN (` + placeholders(len(states)) + `)`
	args := states
	if filter.PlaylistID != 0 {
		query += ` AND v.playlist_id = ?`
		args = append(args, filter.PlaylistID)
	}
	query += ` ORDER BY v.id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.QueueItem, 0, 64)
	for rows.Next() {
		var item domain.QueueItem
		var fromDate sql.NullString
		v, err := scanVideo(rows, &item.PlaylistID, &fromDate, &item.ChannelName)
		if err != nil {
			return nil, err
		}
		item.Video = v
		item.DownloadFromDate = parseNullTime(fromDate)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// SetAvailability writes a new state for one video.
func (s *Store) SetAvailability(ctx context.Context, id int64, state domain.Availability) error {
	if !state.Valid() {
		return fmt.Errorf("invalid availability %d", int(state))
	}
	_, err := s.exec(ctx, `UPDATE videos SET online = ? WHERE id = ?`, int(state), id)
	return err
}

// MarkOffline takes the given videos offline in one transaction.
func (s *Store) MarkOffline(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE videos SET online = ? WHERE id = ?`), int(domain.AvailabilityOffline), id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) BackfillUploadDate(ctx context.Context, id int64, uploaded time.Time) error {
	_, err := s.exec(ctx, `UPDATE videos SET upload_date = ? WHERE id = ? AND upload_date IS NULL`, formatTime(uploaded), id)
	return err
}

func (s *Store) SetDownloadRequired(ctx context.Context, id int64, required bool) error {
	_, err := s.exec(ctx, `UPDATE videos SET download_required = ? WHERE id = ?`, boolInt(required), id)
	return err
}

// SetChannelDownloadRequired records whether downloads are enabled for the
// channel and re-evaluates download_required for its videos, honoring each
// playlist's download-from date. It returns the number of videos whose flag
// changed.
func (s *Store) SetChannelDownloadRequired(ctx context.Context, channelID int64, enabled bool) (int, error) {
	changed := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE channels SET download_enabled = ? WHERE id = ?`), boolInt(enabled), channelID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		changed, err = s.reevaluateRequired(ctx, tx, `c.id = ?`, channelID)
		return err
	})
	return changed, err
}

func (s *Store) SetGeoblock(ctx context.Context, id int64, regions []string) error {
	_, err := s.exec(ctx, `UPDATE videos SET copyright = ? WHERE id = ?`, nullString(encodeGeoblock(regions)), id)
	return err
}

// MarkPreexisting records a video as archived outside this installation.
func (s *Store) MarkPreexisting(ctx context.Context, id int64) error {
	_, err := s.exec(ctx, `UPDATE videos SET downloaded = ? WHERE id = ? AND downloaded IS NULL`, formatTime(domain.PreexistingDownload), id)
	return err
}

// PersistDownloadResult writes every field of a completed download in a
// single statement and forces the video back online.
func (s *Store) PersistDownloadResult(ctx context.Context, id int64, result domain.DownloadResult) error {
	_, err := s.exec(ctx, `UPDATE videos SET
downloaded = ?,
size = ?,
resolution = ?,
runtime = ?,
online = ?
WHERE id = ?`,
		formatTime(result.DownloadedAt), result.SizeBytes, nullString(result.Resolution), result.RuntimeSeconds,
		int(domain.AvailabilityOnline), id)
	return err
}

// CountVideos returns the number of tracked videos.
func (s *Store) CountVideos(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos`).Scan(&count)
	return count, err
}

// CountDownloadedVideos returns the number of videos with a download timestamp.
func (s *Store) CountDownloadedVideos(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM videos WHERE downloaded IS NOT NULL`).Scan(&count)
	return count, err
}
