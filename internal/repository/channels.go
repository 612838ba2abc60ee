package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"ytbackup/internal/domain"
)

const channelColumns = `id, channel_id, channel_name, offline, download_enabled`

func scanChannel(row interface{ Scan(...any) error }) (domain.Channel, error) {
	var ch domain.Channel
	var offline sql.NullString
	var enabled int
	if err := row.Scan(&ch.ID, &ch.ChannelID, &ch.Name, &offline, &enabled); err != nil {
		return domain.Channel{}, err
	}
	ch.OfflineAt = parseNullTime(offline)
	ch.DownloadEnabled = enabled != 0
	return ch, nil
}

// InsertChannel stores a channel unless its remote id is already known. The
// returned channel is always the persisted row.
func (s *Store) InsertChannel(ctx context.Context, channelID, name string) (domain.Channel, bool, error) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return domain.Channel{}, false, errors.New("channel id cannot be empty")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = channelID
	}

	res, err := s.exec(ctx, `INSERT INTO channels (channel_id, channel_name) VALUES (?, ?)
ON CONFLICT(channel_id) DO NOTHING`, channelID, name)
	if err != nil {
		return domain.Channel{}, false, err
	}
	created := false
	if rows, _ := res.RowsAffected(); rows > 0 {
		created = true
	}
	ch, err := s.GetChannel(ctx, channelID)
	return ch, created, err
}

func (s *Store) GetChannel(ctx context.Context, channelID string) (domain.Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, s.q(`SELECT `+channelColumns+` FROM channels WHERE channel_id = ?`), channelID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, ErrNotFound
	}
	return ch, err
}

func (s *Store) GetChannelByID(ctx context.Context, id int64) (domain.Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, s.q(`SELECT `+channelColumns+` FROM channels WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, ErrNotFound
	}
	return ch, err
}

func (s *Store) GetChannelByName(ctx context.Context, name string) (domain.Channel, error) {
	ch, err := scanChannel(s.db.QueryRowContext(ctx, s.q(`SELECT `+channelColumns+` FROM channels WHERE channel_name = ?`), name))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Channel{}, ErrNotFound
	}
	return ch, err
}

// ListChannels returns every tracked channel, offline ones included.
func (s *Store) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	return s.listChannels(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY LOWER(channel_name)`)
}

// ListLiveChannels returns channels without an offline marker.
func (s *Store) ListLiveChannels(ctx context.Context) ([]domain.Channel, error) {
	return s.listChannels(ctx, `SELECT `+channelColumns+` FROM channels WHERE offline IS NULL ORDER BY LOWER(channel_name)`)
}

func (s *Store) listChannels(ctx context.Context, query string, args ...any) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := make([]domain.Channel, 0, 16)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return channels, nil
}

// CascadeResult counts the rows touched by a channel existence change.
type CascadeResult struct {
	Playlists int
	Videos    int
}

// SetChannelOffline marks the channel gone and, in the same transaction,
// disables every playlist and takes every video of those playlists offline.
func (s *Store) SetChannelOffline(ctx context.Context, id int64, at time.Time) (CascadeResult, error) {
	return s.cascadeChannel(ctx, id, formatTime(at), false, domain.AvailabilityOffline)
}

// SetChannelOnline clears the offline marker and re-enables the subtree.
func (s *Store) SetChannelOnline(ctx context.Context, id int64) (CascadeResult, error) {
	return s.cascadeChannel(ctx, id, nil, true, domain.AvailabilityOnline)
}

func (s *Store) cascadeChannel(ctx context.Context, id int64, offline any, monitored bool, state domain.Availability) (CascadeResult, error) {
	var result CascadeResult
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result = CascadeResult{}
		res, err := tx.ExecContext(ctx, s.q(`UPDATE channels SET offline = ? WHERE id = ?`), offline, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		res, err = tx.ExecContext(ctx, s.q(`UPDATE playlists SET monitored = ? WHERE channel_id = ?`), boolInt(monitored), id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		result.Playlists = int(n)

		res, err = tx.ExecContext(ctx, s.q(`UPDATE videos SET online = ?
WHERE playlist_id IN (SELECT id FROM playlists WHERE channel_id = ?)`), int(state), id)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		result.Videos = int(n)
		return nil
	})
	return result, err
}
