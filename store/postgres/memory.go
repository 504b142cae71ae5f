package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/engram"
)

// StoreMemory persists a memory record. The canonical JSON lands in the kv
// table under engram.MemoryKey, and the structured columns in memories are
// refreshed in the same transaction, so the key-value view and the SQL view
// never diverge.
func (s *Store) StoreMemory(ctx context.Context, userID, agentID string, m engram.Memory) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("postgres: encode memory: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO kv (key, value, expires_at)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (key) DO UPDATE SET
		   value = EXCLUDED.value,
		   expires_at = 0`,
		engram.MemoryKey(userID, agentID, m.ID), payload)
	if err != nil {
		return fmt.Errorf("postgres: store memory: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO memories
		 (user_id, agent_id, id, content, type, importance, resonance, access_count,
		  created_at, updated_at, last_accessed_at, batch_id, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb)
		 ON CONFLICT (user_id, agent_id, id) DO UPDATE SET
		   content = EXCLUDED.content,
		   type = EXCLUDED.type,
		   importance = EXCLUDED.importance,
		   resonance = EXCLUDED.resonance,
		   access_count = EXCLUDED.access_count,
		   created_at = EXCLUDED.created_at,
		   updated_at = EXCLUDED.updated_at,
		   last_accessed_at = EXCLUDED.last_accessed_at,
		   batch_id = EXCLUDED.batch_id,
		   payload = EXCLUDED.payload`,
		userID, agentID, m.ID, m.Content, string(m.Type), m.Importance, m.Resonance,
		m.AccessCount, m.CreatedAt, m.UpdatedAt, m.LastAccessedAt, m.BatchID, payload)
	if err != nil {
		return fmt.Errorf("postgres: store memory: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: store memory: %w", err)
	}
	return nil
}

// DeleteMemory removes a memory from both views, reporting whether it existed.
func (s *Store) DeleteMemory(ctx context.Context, userID, agentID, id string) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	existed := true
	var expiresAt int64
	err = tx.QueryRow(ctx,
		`DELETE FROM kv WHERE key = $1 RETURNING expires_at`,
		engram.MemoryKey(userID, agentID, id),
	).Scan(&expiresAt)
	if err == pgx.ErrNoRows {
		existed = false
	} else if err != nil {
		return false, fmt.Errorf("postgres: delete memory: %w", err)
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM memories WHERE user_id = $1 AND agent_id = $2 AND id = $3`,
		userID, agentID, id)
	if err != nil {
		return false, fmt.Errorf("postgres: delete memory: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("postgres: delete memory: %w", err)
	}
	return existed, nil
}

// CountMemories returns the number of stored memories for an agent,
// straight off the structured table.
func (s *Store) CountMemories(ctx context.Context, userID, agentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = $1 AND agent_id = $2`,
		userID, agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count memories: %w", err)
	}
	return n, nil
}
