// Package postgres implements engram.Storage using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool. Values live in a
// kv table with millisecond-precision expiry; memory records are
// mirrored into a structured memories table (see memory.go).
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nevindra/engram"
)

// Store implements engram.Storage backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ engram.Storage = (*Store)(nil)
var _ engram.MemoryWriter = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Init creates all required tables and indexes, then purges entries that
// expired while the store was offline. Safe to call multiple times (all
// statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value BYTEA NOT NULL,
			expires_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kv_expires ON kv(expires_at) WHERE expires_at > 0`,

		`CREATE TABLE IF NOT EXISTS memories (
			user_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			id TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL,
			importance DOUBLE PRECISION NOT NULL,
			resonance DOUBLE PRECISION NOT NULL,
			access_count INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			last_accessed_at BIGINT NOT NULL,
			batch_id TEXT NOT NULL DEFAULT '',
			payload JSONB NOT NULL,
			PRIMARY KEY (user_id, agent_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_agent ON memories(agent_id, type)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}

	if _, err := s.PurgeExpired(ctx); err != nil {
		return err
	}
	return nil
}

// Get returns the value stored under key. Expired entries are removed
// on access and reported as absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM kv WHERE key = $1`, key,
	).Scan(&value, &expiresAt)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("postgres: get: %w", err)
	}
	if expiresAt > 0 && expiresAt <= s.nowMilli() {
		_, _ = s.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Set inserts or replaces the value under key. A ttl of 0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.now().Add(ttl).UnixMilli()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv (key, value, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
		   value = EXCLUDED.value,
		   expires_at = EXCLUDED.expires_at`,
		key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres: set: %w", err)
	}
	return nil
}

// Delete removes key, reporting whether a live entry existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	var expiresAt int64
	err := s.pool.QueryRow(ctx,
		`DELETE FROM kv WHERE key = $1 RETURNING expires_at`, key,
	).Scan(&expiresAt)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres: delete: %w", err)
	}
	return expiresAt == 0 || expiresAt > s.nowMilli(), nil
}

// List returns all live keys with the given prefix, sorted ascending.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key FROM kv
		 WHERE key LIKE $1 ESCAPE '\' AND (expires_at = 0 OR expires_at > $2)
		 ORDER BY key`,
		escapeLike(prefix)+"%", s.nowMilli())
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("postgres: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate keys: %w", err)
	}
	return keys, nil
}

// PurgeExpired deletes every expired entry and returns the number removed.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM kv WHERE expires_at > 0 AND expires_at <= $1`, s.nowMilli())
	if err != nil {
		return 0, fmt.Errorf("postgres: purge expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// escapeLike escapes LIKE wildcards so prefix is matched literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func (s *Store) nowMilli() int64 { return s.now().UnixMilli() }
