package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SQLiteStore backs the Store contract with a single SQLite table. SQLite
// has no native TTL, so expiry lives in an expires_at column: expired rows
// are filtered on read and purged by a scheduled sweep.
type SQLiteStore struct {
	db     *sql.DB
	cron   *cron.Cron
	logger zerolog.Logger
	now    func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv (expires_at) WHERE expires_at IS NOT NULL;
`

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	Path          string `json:"path" mapstructure:"path"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"` // cron spec, default every 5m
}

// NewSQLiteStore opens (creating if needed) the database and starts the
// expiry sweep.
func NewSQLiteStore(cfg SQLiteConfig, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create kv table: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		cron:   cron.New(),
		logger: logger,
		now:    time.Now,
	}

	schedule := cfg.SweepSchedule
	if schedule == "" {
		schedule = "@every 5m"
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		db.Close()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	s.cron.Start()

	return s, nil
}

// Set implements Store.
func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	return err
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, s.now().UnixMilli())
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Close stops the sweep and closes the database.
func (s *SQLiteStore) Close() error {
	s.cron.Stop()
	return s.db.Close()
}

func (s *SQLiteStore) sweep() {
	result, err := s.db.Exec(`DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.now().UnixMilli())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Expiry sweep failed")
		return
	}
	if purged, err := result.RowsAffected(); err == nil && purged > 0 {
		s.logger.Debug().Int64("purged", purged).Msg("Purged expired entries")
	}
}
