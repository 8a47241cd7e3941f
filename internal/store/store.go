// Package store persists command usage statistics and the loaded-module set
// in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"jarvis/pkg/jarvis"
)

const schema = `
CREATE TABLE IF NOT EXISTS command_usage (
	key      TEXT PRIMARY KEY,
	count    INTEGER NOT NULL DEFAULT 0,
	last_at  INTEGER NOT NULL,
	total_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS module_state (
	name       TEXT PRIMARY KEY,
	loaded     INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);
`

// Store provides SQLite-backed usage and module-state persistence.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

// Open opens the store at path and creates missing tables.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("open store: path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}

	return s.sqlDB.Close()
}

// RecordUsage notes one dispatch of a command key, accumulating count and
// total execution time.
func (s *Store) RecordUsage(ctx context.Context, key string, duration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("record usage: store is not configured")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("record usage: key is required")
	}
	if duration < 0 {
		duration = 0
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO command_usage (key, count, last_at, total_ms)
VALUES (?, 1, ?, ?)
ON CONFLICT(key) DO UPDATE SET
	count = count + 1,
	last_at = excluded.last_at,
	total_ms = total_ms + excluded.total_ms
`,
		key,
		s.now().UTC().UnixMilli(),
		duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record usage %s: %w", key, err)
	}

	return nil
}

// TopCommands returns the most dispatched command keys, busiest first with
// keys as the tiebreak.
func (s *Store) TopCommands(ctx context.Context, limit int) ([]jarvis.UsageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("top commands: store is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("top commands: limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT key, count, last_at, total_ms
FROM command_usage
ORDER BY count DESC, key ASC
LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("top commands: %w", err)
	}
	defer rows.Close()

	records := make([]jarvis.UsageRecord, 0, limit)
	for rows.Next() {
		var (
			record  jarvis.UsageRecord
			lastAt  int64
			totalMS int64
		)
		if err := rows.Scan(&record.Key, &record.Count, &lastAt, &totalMS); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		record.LastUsed = time.UnixMilli(lastAt).UTC()
		record.TotalTime = time.Duration(totalMS) * time.Millisecond
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage records: %w", err)
	}

	return records, nil
}

// ResetUsage clears all recorded usage rows.
func (s *Store) ResetUsage(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("reset usage: store is not configured")
	}

	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM command_usage`); err != nil {
		return fmt.Errorf("reset usage: %w", err)
	}

	return nil
}

// SaveLoaded replaces the persisted loaded-module set. Modules absent from
// names are kept as rows marked unloaded so the table carries history.
func (s *Store) SaveLoaded(ctx context.Context, names []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("save loaded modules: store is not configured")
	}

	updatedAt := s.now().UTC().UnixMilli()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save loaded modules: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE module_state SET loaded = 0, updated_at = ?`, updatedAt); err != nil {
		return fmt.Errorf("save loaded modules: clear: %w", err)
	}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO module_state (name, loaded, updated_at)
VALUES (?, 1, ?)
ON CONFLICT(name) DO UPDATE SET loaded = 1, updated_at = excluded.updated_at
`, name, updatedAt); err != nil {
			return fmt.Errorf("save loaded module %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save loaded modules: commit: %w", err)
	}

	return nil
}

// LoadedModules returns the persisted loaded-module names sorted by name.
func (s *Store) LoadedModules(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("loaded modules: store is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT name
FROM module_state
WHERE loaded = 1
ORDER BY name ASC
`)
	if err != nil {
		return nil, fmt.Errorf("loaded modules: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0, 8)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan module name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate module names: %w", err)
	}

	return names, nil
}

var _ jarvis.UsageStore = (*Store)(nil)
