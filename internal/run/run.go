// Package run carries the per-invocation state every component receives
// explicitly: the run id stamped into the operation log and the quota
// counter shared by all API calls of the run.
package run

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ytbackup/internal/domain"
	"ytbackup/internal/youtube"
)

type Run struct {
	ID      string
	Started time.Time
	Quota   *youtube.QuotaMeter
	Now     func() time.Time
}

func New() *Run {
	now := func() time.Time { return time.Now().UTC() }
	return &Run{ID: uuid.NewString(), Started: now(), Quota: &youtube.QuotaMeter{}, Now: now}
}

// OperationLogger is the append-only audit trail.
type OperationLogger interface {
	LogOperation(ctx context.Context, op domain.Operation) error
}

// StatisticAppender stores measurement rows.
type StatisticAppender interface {
	AppendStatistic(ctx context.Context, stat domain.Statistic) error
}

// Record appends one operation that started at start. Failures to write the
// audit entry are logged, never returned.
func (r *Run) Record(ctx context.Context, store OperationLogger, start time.Time, kind, description string) {
	op := domain.Operation{
		StartedAt:   start,
		Duration:    r.Now().Sub(start),
		Kind:        kind,
		Description: description,
		RunID:       r.ID,
	}
	if err := store.LogOperation(context.WithoutCancel(ctx), op); err != nil {
		log.Printf("record operation %s (%s): %v", kind, description, err)
	}
}

// FlushQuota persists the quota spent since the last flush as one used_quota
// row. Nothing is written when no quota was spent.
func (r *Run) FlushQuota(ctx context.Context, store StatisticAppender) error {
	used := r.Quota.Reset()
	if used == 0 {
		return nil
	}
	stat := domain.Statistic{
		Kind:  domain.StatUsedQuota,
		Value: strconv.Itoa(used),
		Date:  r.Now(),
		RunID: r.ID,
	}
	if err := store.AppendStatistic(context.WithoutCancel(ctx), stat); err != nil {
		r.Quota.Add(used)
		return fmt.Errorf("persist used quota: %w", err)
	}
	log.Printf("run %s used %d quota units", r.ID, used)
	return nil
}
