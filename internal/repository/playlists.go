package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ytbackup/internal/domain"
)

const playlistColumns = `id, playlist_id, playlist_name, channel_id, monitored, download_from_date, etag`

func scanPlaylist(row interface{ Scan(...any) error }) (domain.Playlist, error) {
	var p domain.Playlist
	var monitored int
	var fromDate sql.NullString
	if err := row.Scan(&p.ID, &p.PlaylistID, &p.Name, &p.ChannelID, &monitored, &fromDate, &p.ETag); err != nil {
		return domain.Playlist{}, err
	}
	p.Monitored = monitored != 0
	p.DownloadFromDate = parseNullTime(fromDate)
	return p, nil
}

// InsertPlaylist stores a playlist under its channel unless the remote id is
// already known; existing rows are left untouched.
func (s *Store) InsertPlaylist(ctx context.Context, p domain.Playlist) (bool, error) {
	p.PlaylistID = strings.TrimSpace(p.PlaylistID)
	if p.PlaylistID == "" {
		return false, errors.New("playlist id cannot be empty")
	}
	if p.ChannelID == 0 {
		return false, errors.New("playlist must belong to a channel")
	}
	res, err := s.exec(ctx, `INSERT INTO playlists (playlist_id, playlist_name, channel_id, monitored, download_from_date, etag)
VALUES (?, ?, ?, ?, ?, '')
ON CONFLICT(playlist_id) DO NOTHING`,
		p.PlaylistID, p.Name, p.ChannelID, boolInt(p.Monitored), nullTime(p.DownloadFromDate))
	if err != nil {
		return false, err
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

func (s *Store) GetPlaylist(ctx context.Context, playlistID string) (domain.Playlist, error) {
	p, err := scanPlaylist(s.db.QueryRowContext(ctx, s.q(`SELECT `+playlistColumns+` FROM playlists WHERE playlist_id = ?`), playlistID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Playlist{}, ErrNotFound
	}
	return p, err
}

// FindChannelPlaylist returns the named playlist of a channel.
func (s *Store) FindChannelPlaylist(ctx context.Context, channelID int64, name string) (domain.Playlist, error) {
	p, err := scanPlaylist(s.db.QueryRowContext(ctx, s.q(`SELECT `+playlistColumns+` FROM playlists
WHERE channel_id = ? AND playlist_name = ? ORDER BY id LIMIT 1`), channelID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Playlist{}, ErrNotFound
	}
	return p, err
}

func (s *Store) ListPlaylists(ctx context.Context) ([]domain.Playlist, error) {
	return s.listPlaylists(ctx, `SELECT `+playlistColumns+` FROM playlists ORDER BY id`)
}

func (s *Store) ListMonitoredPlaylists(ctx context.Context) ([]domain.Playlist, error) {
	return s.listPlaylists(ctx, `SELECT `+playlistColumns+` FROM playlists WHERE monitored = 1 ORDER BY id`)
}

func (s *Store) ListChannelPlaylists(ctx context.Context, channelID int64) ([]domain.Playlist, error) {
	return s.listPlaylists(ctx, `SELECT `+playlistColumns+` FROM playlists WHERE channel_id = ? ORDER BY id`, channelID)
}

func (s *Store) listPlaylists(ctx context.Context, query string, args ...any) ([]domain.Playlist, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	playlists := make([]domain.Playlist, 0, 16)
	for rows.Next() {
		p, err := scanPlaylist(rows)
		if err != nil {
			return nil, err
		}
		playlists = append(playlists, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return playlists, nil
}

func (s *Store) SetPlaylistETag(ctx context.Context, id int64, etag string) error {
	_, err := s.exec(ctx, `UPDATE playlists SET etag = ? WHERE id = ?`, etag, id)
	return err
}

// SetDownloadFromDate stores the playlist threshold and re-evaluates
// download_required for all of its videos in one transaction. It returns the
// number of videos whose flag changed.
func (s *Store) SetDownloadFromDate(ctx context.Context, id int64, threshold *time.Time) (int, error) {
	changed := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE playlists SET download_from_date = ? WHERE id = ?`), nullTime(threshold), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		changed, err = s.reevaluateRequired(ctx, tx, `p.id = ?`, id)
		return err
	})
	return changed, err
}

// reevaluateRequired recomputes download_required for the videos selected by
// where: a video is required when its channel has downloads enabled and it
// was not uploaded before its playlist's threshold.
func (s *Store) reevaluateRequired(ctx context.Context, tx *sql.Tx, where string, args ...any) (int, error) {
	rows, err := tx.QueryContext(ctx, s.q(`SELECT v.id, v.upload_date, v.download_required, p.download_from_date, c.download_enabled
FROM videos v
JOIN playlists p ON p.id = v.playlist_id
JOIN channels c ON c.id = p.channel_id
WHERE `+where), args...)
	if err != nil {
		return 0, err
	}
	type flag struct {
		id       int64
		required bool
	}
	var updates []flag
	for rows.Next() {
		var videoID int64
		var uploaded, threshold sql.NullString
		var required, enabled int
		if err := rows.Scan(&videoID, &uploaded, &required, &threshold, &enabled); err != nil {
			rows.Close()
			return 0, err
		}
		want := enabled != 0
		if from := parseNullTime(threshold); want && from != nil {
			if at := parseNullTime(uploaded); at != nil && at.Before(*from) {
				want = false
			}
		}
		if want != (required != 0) {
			updates = append(updates, flag{id: videoID, required: want})
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE videos SET download_required = ? WHERE id = ?`), boolInt(u.required), u.id); err != nil {
			return 0, err
		}
	}
	return len(updates), nil
}
