package stats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"ytbackup/internal/domain"
	"ytbackup/internal/repository"
	"ytbackup/internal/theme"
)

var markerKinds = []string{
	domain.StatStatus,
	domain.StatCurrentlyDownloading,
	domain.StatThrottle,
	domain.StatQuotaExceeded,
}

var measurementKinds = []string{
	domain.StatUsedQuota,
	domain.StatArchiveSize,
	domain.StatVideosMonitored,
	domain.StatVideosDownloaded,
}

// Status is a snapshot of the control markers, the newest measurements and
// the most recent operations.
type Status struct {
	Markers      []domain.Statistic
	Measurements []domain.Statistic
	Operations   []domain.Operation
}

// Collect reads a Status from the store.
func Collect(ctx context.Context, store *repository.Store, operations int) (Status, error) {
	var st Status
	for _, kind := range markerKinds {
		stat, ok, err := store.GetMarker(ctx, kind)
		if err != nil {
			return st, err
		}
		if !ok {
			stat = domain.Statistic{Kind: kind}
		}
		st.Markers = append(st.Markers, stat)
	}
	for _, kind := range measurementKinds {
		stat, err := store.LatestStatistic(ctx, kind)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return st, err
		}
		st.Measurements = append(st.Measurements, stat)
	}
	ops, err := store.ListOperations(ctx, operations)
	if err != nil {
		return st, err
	}
	st.Operations = ops
	return st, nil
}

// Render writes the status report as tables.
func Render(w io.Writer, st Status, th theme.Theme, now time.Time) {
	fmt.Fprintln(w, th.Title.Render("Control markers"))
	markers := tablewriter.NewWriter(w)
	markers.SetHeader([]string{"Marker", "Value", "Since"})
	markers.SetAutoWrapText(false)
	for _, m := range st.Markers {
		value := m.Value
		if value == "" {
			value = th.Dim.Render("-")
		} else if m.Kind == domain.StatThrottle || m.Kind == domain.StatQuotaExceeded {
			value = th.Warning.Render(value)
		}
		markers.Append([]string{th.Label.Render(m.Kind), value, since(m.Date, now)})
	}
	markers.Render()

	if len(st.Measurements) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, th.Title.Render("Statistics"))
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Statistic", "Value", "Measured"})
		table.SetAutoWrapText(false)
		for _, m := range st.Measurements {
			table.Append([]string{th.Label.Render(m.Kind), th.Value.Render(formatMeasurement(m)), since(m.Date, now)})
		}
		table.Render()
	}

	if len(st.Operations) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, th.Title.Render("Recent operations"))
		table := tablewriter.NewWriter(w)
		table.SetHeader([]string{"Started", "Took", "Operation", "Description"})
		table.SetAutoWrapText(false)
		for _, op := range st.Operations {
			table.Append([]string{
				since(op.StartedAt, now),
				op.Duration.Round(time.Second).String(),
				op.Kind,
				op.Description,
			})
		}
		table.Render()
	}
}

func formatMeasurement(m domain.Statistic) string {
	n, err := strconv.ParseInt(m.Value, 10, 64)
	if err != nil {
		return m.Value
	}
	if m.Kind == domain.StatArchiveSize {
		return humanize.IBytes(uint64(n))
	}
	return humanize.Comma(n)
}

func since(t time.Time, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.RelTime(t, now, "ago", "from now")
}
