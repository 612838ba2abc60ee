package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ytbackup/internal/domain"
)

// GetMarker returns the live row of a control marker.
func (s *Store) GetMarker(ctx context.Context, kind string) (domain.Statistic, bool, error) {
	stat, err := s.latest(ctx, kind)
	if errors.Is(err, ErrNotFound) {
		return domain.Statistic{}, false, nil
	}
	if err != nil {
		return domain.Statistic{}, false, err
	}
	return stat, true, nil
}

// SetMarker overwrites a control marker in place, creating it on first use.
func (s *Store) SetMarker(ctx context.Context, kind, value string, at time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(`UPDATE statistics SET statistic_value = ?, statistic_date = ? WHERE statistic_type = ?`),
			value, formatTime(at), kind)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO statistics (statistic_type, statistic_value, statistic_date) VALUES (?, ?, ?)`),
			kind, value, formatTime(at))
		return err
	})
}

// AppendStatistic adds a measurement row; history is kept.
func (s *Store) AppendStatistic(ctx context.Context, stat domain.Statistic) error {
	at := stat.Date
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO statistics (statistic_type, statistic_value, statistic_date, run_id) VALUES (?, ?, ?, ?)`,
		stat.Kind, stat.Value, formatTime(at), stat.RunID)
	return err
}

// LatestStatistic returns the newest row of a measurement kind.
func (s *Store) LatestStatistic(ctx context.Context, kind string) (domain.Statistic, error) {
	return s.latest(ctx, kind)
}

func (s *Store) latest(ctx context.Context, kind string) (domain.Statistic, error) {
	var stat domain.Statistic
	var date string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT statistic_type, statistic_value, statistic_date, run_id FROM statistics
WHERE statistic_type = ? ORDER BY id DESC LIMIT 1`), kind).Scan(&stat.Kind, &stat.Value, &date, &stat.RunID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Statistic{}, ErrNotFound
	}
	if err != nil {
		return domain.Statistic{}, err
	}
	stat.Date, _ = parseTime(date)
	return stat, nil
}

// LogOperation appends one entry to the operation log.
func (s *Store) LogOperation(ctx context.Context, op domain.Operation) error {
	at := op.StartedAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.exec(ctx, `INSERT INTO operations (operation_date, duration, operation_type, operation_description, run_id)
VALUES (?, ?, ?, ?, ?)`, formatTime(at), op.Duration.Seconds(), op.Kind, op.Description, op.RunID)
	return err
}

// ListOperations returns the newest operations first.
func (s *Store) ListOperations(ctx context.Context, limit int) ([]domain.Operation, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT id, operation_date, duration, operation_type, operation_description, run_id
FROM operations ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := make([]domain.Operation, 0, limit)
	for rows.Next() {
		var op domain.Operation
		var date string
		var seconds float64
		if err := rows.Scan(&op.ID, &date, &seconds, &op.Kind, &op.Description, &op.RunID); err != nil {
			return nil, err
		}
		op.StartedAt, _ = parseTime(date)
		op.Duration = time.Duration(seconds * float64(time.Second))
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}
