// Package stats appends archive measurements and renders the status report.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"ytbackup/internal/domain"
	"ytbackup/internal/repository"
	"ytbackup/internal/run"
)

// Sizer reports the bytes held by the remote archive.
type Sizer interface {
	Size(ctx context.Context) (int64, error)
}

// Kinds lists the measurements Generate can produce, in order.
var Kinds = []string{domain.StatArchiveSize, domain.StatVideosMonitored, domain.StatVideosDownloaded}

type Generator struct {
	store *repository.Store
	sizer Sizer
	run   *run.Run
}

func NewGenerator(store *repository.Store, sizer Sizer, r *run.Run) *Generator {
	return &Generator{store: store, sizer: sizer, run: r}
}

// ParseKinds accepts a comma separated selection; empty selects all.
func ParseKinds(value string) ([]string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return Kinds, nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		kind := strings.TrimSpace(part)
		if kind == "" {
			continue
		}
		known := false
		for _, k := range Kinds {
			if k == kind {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown statistic %q (want one of %s)", kind, strings.Join(Kinds, ", "))
		}
		out = append(out, kind)
	}
	return out, nil
}

// Generate measures each kind and appends one row per kind. A failing
// measurement is logged and the others still run.
func (g *Generator) Generate(ctx context.Context, kinds []string) (map[string]int64, error) {
	values := make(map[string]int64, len(kinds))
	var errs []error
	for _, kind := range kinds {
		start := g.run.Now()
		value, err := g.measure(ctx, kind)
		if err != nil {
			log.Printf("statistic %s: %v", kind, err)
			errs = append(errs, fmt.Errorf("%s: %w", kind, err))
			continue
		}
		stat := domain.Statistic{Kind: kind, Value: strconv.FormatInt(value, 10), Date: g.run.Now(), RunID: g.run.ID}
		if err := g.store.AppendStatistic(ctx, stat); err != nil {
			errs = append(errs, fmt.Errorf("store %s: %w", kind, err))
			continue
		}
		values[kind] = value
		g.run.Record(ctx, g.store, start, "generate_statistics", fmt.Sprintf("Generated statistic %s: %d", kind, value))
	}
	return values, errors.Join(errs...)
}

func (g *Generator) measure(ctx context.Context, kind string) (int64, error) {
	switch kind {
	case domain.StatArchiveSize:
		if g.sizer == nil {
			return 0, errors.New("no uploader configured")
		}
		return g.sizer.Size(ctx)
	case domain.StatVideosMonitored:
		n, err := g.store.CountVideos(ctx)
		return int64(n), err
	case domain.StatVideosDownloaded:
		n, err := g.store.CountDownloadedVideos(ctx)
		return int64(n), err
	default:
		return 0, fmt.Errorf("unknown statistic %q", kind)
	}
}
