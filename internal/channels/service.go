// Package channels holds the operator-facing channel maintenance: download
// toggles, per-playlist date thresholds and OPML import and export.
package channels

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"ytbackup/internal/domain"
	"ytbackup/internal/fuzzy"
	"ytbackup/internal/guard"
	"ytbackup/internal/opml"
	"ytbackup/internal/repository"
	"ytbackup/internal/youtube"
)

var (
	ErrMissingName        = errors.New("channel name cannot be empty")
	ErrNoChannelsToExport = errors.New("no channels to export")
	ErrNoChannelsInOPML   = errors.New("no channel feeds found in OPML file")
	ErrUnknownPlaylist    = errors.New("playlist is not tracked")
)

// UnknownChannelError carries close matches for a mistyped channel name.
type UnknownChannelError struct {
	Name        string
	Suggestions []string
}

func (e *UnknownChannelError) Error() string {
	msg := fmt.Sprintf("no channel named %q", e.Name)
	if len(e.Suggestions) > 0 {
		msg += "; did you mean " + strings.Join(e.Suggestions, ", ") + "?"
	}
	return msg
}

// Registrar adds a channel by id, as the catalog does.
type Registrar interface {
	AddChannel(ctx context.Context, channelID string) (domain.Channel, bool, error)
}

type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

type Service struct {
	store     *repository.Store
	registrar Registrar
	now       func() time.Time
}

func NewService(store *repository.Store, registrar Registrar) *Service {
	return &Service{store: store, registrar: registrar, now: func() time.Time { return time.Now().UTC() }}
}

// ToggleDownload sets download_required for every video of the named
// channel and returns how many videos were touched.
func (s *Service) ToggleDownload(ctx context.Context, name string, enabled bool) (int, error) {
	ch, err := s.lookup(ctx, name)
	if err != nil {
		return 0, err
	}
	n, err := s.store.SetChannelDownloadRequired(ctx, ch.ID, enabled)
	if err != nil {
		return 0, fmt.Errorf("toggle downloads of %s: %w", ch.Name, err)
	}
	log.Printf("channel %s (%s): download required = %v for %d videos", ch.Name, ch.ChannelID, enabled, n)
	return n, nil
}

func (s *Service) lookup(ctx context.Context, name string) (domain.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Channel{}, ErrMissingName
	}
	ch, err := s.store.GetChannelByName(ctx, name)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.Channel{}, err
	}
	// Fall back to the platform id before suggesting names.
	if ch, err := s.store.GetChannel(ctx, name); err == nil {
		return ch, nil
	}
	all, err := s.store.ListChannels(ctx)
	if err != nil {
		return domain.Channel{}, err
	}
	names := make([]string, len(all))
	for i, c := range all {
		names[i] = c.Name
	}
	return domain.Channel{}, &UnknownChannelError{Name: name, Suggestions: fuzzy.Suggest(name, names, 3)}
}

// SetDownloadFromDate stores a playlist threshold, or clears it when
// threshold is nil, and returns how many videos changed their flag.
func (s *Service) SetDownloadFromDate(ctx context.Context, playlistID string, threshold *time.Time) (int, error) {
	p, err := s.store.GetPlaylist(ctx, strings.TrimSpace(playlistID))
	if errors.Is(err, repository.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPlaylist, playlistID)
	}
	if err != nil {
		return 0, err
	}
	n, err := s.store.SetDownloadFromDate(ctx, p.ID, threshold)
	if err != nil {
		return 0, fmt.Errorf("set download date of %s: %w", playlistID, err)
	}
	if threshold == nil {
		log.Printf("playlist %s: download date cleared, %d videos changed", playlistID, n)
	} else {
		log.Printf("playlist %s: download date %s, %d videos changed", playlistID, threshold.Format("2006-01-02"), n)
	}
	return n, nil
}

// ParseDate accepts YYYY-MM-DD or "none".
func ParseDate(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "none") {
		return nil, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (want YYYY-MM-DD or none)", value)
	}
	return &t, nil
}

// ExportOPML writes every tracked channel to filePath.
func (s *Service) ExportOPML(ctx context.Context, filePath string) (int, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return 0, errors.New("file path cannot be empty")
	}
	all, err := s.store.ListChannels(ctx)
	if err != nil {
		return 0, err
	}
	if len(all) == 0 {
		return 0, ErrNoChannelsToExport
	}

	file, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer file.Close()

	out := make([]opml.Channel, len(all))
	for i, ch := range all {
		out[i] = opml.Channel{Name: ch.Name, ChannelID: ch.ChannelID}
	}
	if err := opml.Export(file, out, s.now()); err != nil {
		return 0, err
	}
	return len(out), file.Close()
}

// ImportOPML registers every channel feed in filePath that is not tracked
// yet. A failing channel is reported and the rest continue.
func (s *Service) ImportOPML(ctx context.Context, filePath string) (ImportResult, error) {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return ImportResult{}, errors.New("file path cannot be empty")
	}
	file, err := os.Open(filePath)
	if err != nil {
		return ImportResult{}, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	found, err := opml.Import(file)
	if err != nil {
		return ImportResult{}, err
	}
	if len(found) == 0 {
		return ImportResult{}, ErrNoChannelsInOPML
	}

	var result ImportResult
	for _, ch := range found {
		if _, err := s.store.GetChannel(ctx, ch.ChannelID); err == nil {
			result.Skipped++
			continue
		} else if !errors.Is(err, repository.ErrNotFound) {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", ch.Name, err))
			continue
		}
		if _, _, err := s.registrar.AddChannel(ctx, ch.ChannelID); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s (%s): %v", ch.Name, ch.ChannelID, err))
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if errors.Is(err, youtube.ErrQuotaExceeded) || errors.Is(err, guard.ErrQuotaCooldown) {
				return result, err
			}
			continue
		}
		result.Imported++
	}
	return result, nil
}
