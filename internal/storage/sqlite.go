package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects driver specific SQL.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// ParseDialect maps a configured driver name onto a Dialect.
func ParseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Open initialises the database and applies the base schema. For SQLite the
// dsn is a file path.
func Open(dialect Dialect, dsn string) (*sql.DB, error) {
	switch dialect {
	case SQLite:
		return openSQLite(dsn)
	case Postgres:
		return openPostgres(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect %q", dialect)
	}
}

func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps per-item transactions strictly sequential.
	db.SetMaxOpenConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db, sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func openPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := applySchema(db, postgresSchema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %s: %w", pragma, err)
		}
	}
	return nil
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            channel_id TEXT NOT NULL UNIQUE,
            channel_name TEXT NOT NULL,
            offline TEXT,
            download_enabled INTEGER NOT NULL DEFAULT 1
        );`,
	`CREATE TABLE IF NOT EXISTS playlists (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            playlist_id TEXT NOT NULL UNIQUE,
            playlist_name TEXT NOT NULL,
            channel_id INTEGER NOT NULL REFERENCES channels(id),
            monitored INTEGER NOT NULL DEFAULT 1,
            download_from_date TEXT,
            etag TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS videos (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            video_id TEXT NOT NULL UNIQUE,
            playlist_id INTEGER NOT NULL REFERENCES playlists(id),
            title TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            upload_date TEXT,
            online INTEGER NOT NULL CHECK (online BETWEEN 0 AND 4),
            download_required INTEGER NOT NULL DEFAULT 1,
            downloaded TEXT,
            size INTEGER,
            resolution TEXT,
            runtime REAL,
            copyright TEXT
        );`,
	`CREATE INDEX IF NOT EXISTS idx_playlists_channel ON playlists(channel_id);`,
	`CREATE INDEX IF NOT EXISTS idx_videos_playlist ON videos(playlist_id);`,
	`CREATE INDEX IF NOT EXISTS idx_videos_queue ON videos(downloaded, download_required, online);`,
	`CREATE TABLE IF NOT EXISTS operations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            operation_date TEXT NOT NULL,
            duration REAL NOT NULL,
            operation_type TEXT NOT NULL,
            operation_description TEXT NOT NULL DEFAULT '',
            run_id TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS statistics (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            statistic_type TEXT NOT NULL,
            statistic_value TEXT NOT NULL,
            statistic_date TEXT NOT NULL,
            run_id TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE INDEX IF NOT EXISTS idx_statistics_type ON statistics(statistic_type);`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
            id BIGSERIAL PRIMARY KEY,
            channel_id TEXT NOT NULL UNIQUE,
            channel_name TEXT NOT NULL,
            offline TEXT,
            download_enabled INTEGER NOT NULL DEFAULT 1
        );`,
	`CREATE TABLE IF NOT EXISTS playlists (
            id BIGSERIAL PRIMARY KEY,
            playlist_id TEXT NOT NULL UNIQUE,
            playlist_name TEXT NOT NULL,
            channel_id BIGINT NOT NULL REFERENCES channels(id),
            monitored INTEGER NOT NULL DEFAULT 1,
            download_from_date TEXT,
            etag TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS videos (
            id BIGSERIAL PRIMARY KEY,
            video_id TEXT NOT NULL UNIQUE,
            playlist_id BIGINT NOT NULL REFERENCES playlists(id),
            title TEXT NOT NULL,
            description TEXT NOT NULL DEFAULT '',
            upload_date TEXT,
            online INTEGER NOT NULL CHECK (online BETWEEN 0 AND 4),
            download_required INTEGER NOT NULL DEFAULT 1,
            downloaded TEXT,
            size BIGINT,
            resolution TEXT,
            runtime DOUBLE PRECISION,
            copyright TEXT
        );`,
	`CREATE INDEX IF NOT EXISTS idx_playlists_channel ON playlists(channel_id);`,
	`CREATE INDEX IF NOT EXISTS idx_videos_playlist ON videos(playlist_id);`,
	`CREATE INDEX IF NOT EXISTS idx_videos_queue ON videos(downloaded, download_required, online);`,
	`CREATE TABLE IF NOT EXISTS operations (
            id BIGSERIAL PRIMARY KEY,
            operation_date TEXT NOT NULL,
            duration DOUBLE PRECISION NOT NULL,
            operation_type TEXT NOT NULL,
            operation_description TEXT NOT NULL DEFAULT '',
            run_id TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE TABLE IF NOT EXISTS statistics (
            id BIGSERIAL PRIMARY KEY,
            statistic_type TEXT NOT NULL,
            statistic_value TEXT NOT NULL,
            statistic_date TEXT NOT NULL,
            run_id TEXT NOT NULL DEFAULT ''
        );`,
	`CREATE INDEX IF NOT EXISTS idx_statistics_type ON statistics(statistic_type);`,
}

func applySchema(db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	return nil
}
