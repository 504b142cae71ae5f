// Package sqlite implements engram.Storage using pure-Go SQLite.
// Zero CGO required.
//
// Values live in a single kv table keyed by the engine's canonical key
// layout, with millisecond-precision expiry. Memory records additionally
// land in a structured memories table (see memory.go) so operators can
// query them with plain SQL.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nevindra/engram"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements engram.Storage backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

var _ engram.Storage = (*Store)(nil)
var _ engram.MemoryWriter = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables and purges entries that expired while
// the store was offline. Safe to call multiple times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	tables := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS memories (
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			importance REAL NOT NULL,
			resonance REAL NOT NULL,
			access_count INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			batch_id TEXT NOT NULL DEFAULT '',
			payload BLOB NOT NULL,
			PRIMARY KEY (user_id, agent_id, id)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Migrations (best-effort, silent fail if already applied)
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE kv ADD COLUMN expires_at INTEGER NOT NULL DEFAULT 0")
	_, _ = s.db.ExecContext(ctx, "ALTER TABLE memories ADD COLUMN batch_id TEXT NOT NULL DEFAULT ''")

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at) WHERE expires_at > 0`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id, type)`)

	if _, err := s.PurgeExpired(ctx); err != nil {
		return err
	}

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Get returns the value stored under key. Expired entries are removed
// on access and reported as absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get", "key", key)

	var value []byte
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM kv WHERE key = ?`, key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: get miss", "key", key, "duration", time.Since(start))
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("sqlite: get failed", "key", key, "error", err, "duration", time.Since(start))
		return nil, false, fmt.Errorf("get: %w", err)
	}
	if expiresAt > 0 && expiresAt <= s.nowMilli() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		s.logger.Debug("sqlite: get expired", "key", key, "duration", time.Since(start))
		return nil, false, nil
	}
	s.logger.Debug("sqlite: get ok", "key", key, "bytes", len(value), "duration", time.Since(start))
	return value, true, nil
}

// Set inserts or replaces the value under key. A ttl of 0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	s.logger.Debug("sqlite: set", "key", key, "bytes", len(value), "ttl", ttl)

	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, expiresAt,
	)
	if err != nil {
		s.logger.Error("sqlite: set failed", "key", key, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set: %w", err)
	}
	s.logger.Debug("sqlite: set ok", "key", key, "duration", time.Since(start))
	return nil
}

// Delete removes key, reporting whether a live entry existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: delete", "key", key)

	var expiresAt int64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM kv WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		s.logger.Debug("sqlite: delete miss", "key", key, "duration", time.Since(start))
		return false, nil
	}
	if err != nil {
		s.logger.Error("sqlite: delete failed", "key", key, "error", err, "duration", time.Since(start))
		return false, fmt.Errorf("delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		s.logger.Error("sqlite: delete failed", "key", key, "error", err, "duration", time.Since(start))
		return false, fmt.Errorf("delete: %w", err)
	}
	existed := expiresAt == 0 || expiresAt > s.nowMilli()
	s.logger.Debug("sqlite: delete ok", "key", key, "existed", existed, "duration", time.Since(start))
	return existed, nil
}

// List returns all live keys with the given prefix, sorted ascending.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list", "prefix", prefix)

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv
		 WHERE key LIKE ? ESCAPE '\' AND (expires_at = 0 OR expires_at > ?)
		 ORDER BY key`,
		escapeLike(prefix)+"%", s.nowMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: list failed", "prefix", prefix, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}

	s.logger.Debug("sqlite: list ok", "prefix", prefix, "count", len(keys), "duration", time.Since(start))
	return keys, nil
}

// PurgeExpired deletes every expired entry and returns the number removed.
// Get and List already filter expired rows; this reclaims the space.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`, s.nowMilli(),
	)
	if err != nil {
		s.logger.Error("sqlite: purge expired failed", "error", err, "duration", time.Since(start))
		return 0, fmt.Errorf("purge expired: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Debug("sqlite: purge expired ok", "removed", n, "duration", time.Since(start))
	}
	return n, nil
}

// escapeLike escapes LIKE wildcards so prefix is matched literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) nowMilli() int64 { return s.now().UnixMilli() }

// DB exposes the underlying database handle for ad-hoc queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: store closed")
	return s.db.Close()
}
