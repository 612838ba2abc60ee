package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log"
	"strings"
	"time"

	"ytbackup/internal/storage"
)

var ErrNotFound = errors.New("not found")

// Store is the narrow persistence boundary for channels, playlists, videos,
// the operation log and the statistic key/value rows.
type Store struct {
	db      *sql.DB
	dialect storage.Dialect
	now     func() time.Time
}

func New(db *sql.DB, dialect storage.Dialect) *Store {
	return &Store{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides the time source used for stored timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.withRetry(ctx, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, s.q(query), args...)
		return err
	})
	return res, err
}

// inTx runs fn in a transaction that is committed only if fn succeeds.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	})
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	const attempts = 5
	lostRetried := false
	var err error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		switch {
		case isConnectionLost(err):
			if lostRetried {
				return err
			}
			lostRetried = true
			log.Printf("database connection lost, retrying once: %v", err)
			if err := waitWithContext(ctx, 500*time.Millisecond); err != nil {
				return err
			}
		case isSQLiteBusy(err):
			backoff := 50 * time.Millisecond * time.Duration(1<<i)
			if err := waitWithContext(ctx, backoff); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return err
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func isConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "server has gone away") ||
		strings.Contains(msg, "lost connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(value string) (time.Time, bool) {
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed, true
	}
	if parsed, err := time.Parse(time.RFC3339, value); err == nil {
		return parsed, true
	}
	if parsed, err := time.Parse("2006-01-02 15:04:05", value); err == nil {
		return parsed.UTC(), true
	}
	return time.Time{}, false
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid || value.String == "" {
		return nil
	}
	if parsed, ok := parseTime(value.String); ok {
		return &parsed
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
