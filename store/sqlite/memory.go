package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nevindra/engram"
)

// StoreMemory persists a memory record. The canonical JSON lands in the kv
// table under engram.MemoryKey, and the structured columns in memories are
// refreshed in the same transaction, so the key-value view and the SQL view
// never diverge.
func (s *Store) StoreMemory(ctx context.Context, userID, agentID string, m engram.Memory) error {
	start := time.Now()
	s.logger.Debug("sqlite: store memory", "user_id", userID, "agent_id", agentID, "id", m.ID, "type", m.Type)

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO kv (key, value, expires_at) VALUES (?, ?, 0)`,
		engram.MemoryKey(userID, agentID, m.ID), payload,
	)
	if err != nil {
		s.logger.Error("sqlite: store memory failed", "id", m.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store memory: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO memories
		 (user_id, agent_id, id, content, type, importance, resonance, access_count,
		  created_at, updated_at, last_accessed_at, batch_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		userID, agentID, m.ID, m.Content, string(m.Type), m.Importance, m.Resonance,
		m.AccessCount, m.CreatedAt, m.UpdatedAt, m.LastAccessedAt, m.BatchID, payload,
	)
	if err != nil {
		s.logger.Error("sqlite: store memory failed", "id", m.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: store memory failed", "id", m.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("store memory: %w", err)
	}
	s.logger.Debug("sqlite: store memory ok", "id", m.ID, "duration", time.Since(start))
	return nil
}

// DeleteMemory removes a memory from both views, reporting whether it existed.
func (s *Store) DeleteMemory(ctx context.Context, userID, agentID, id string) (bool, error) {
	start := time.Now()
	s.logger.Debug("sqlite: delete memory", "user_id", userID, "agent_id", agentID, "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`DELETE FROM kv WHERE key = ?`, engram.MemoryKey(userID, agentID, id),
	)
	if err != nil {
		s.logger.Error("sqlite: delete memory failed", "id", id, "error", err, "duration", time.Since(start))
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM memories WHERE user_id = ? AND agent_id = ? AND id = ?`,
		userID, agentID, id,
	)
	if err != nil {
		s.logger.Error("sqlite: delete memory failed", "id", id, "error", err, "duration", time.Since(start))
		return false, fmt.Errorf("delete memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("sqlite: delete memory failed", "id", id, "error", err, "duration", time.Since(start))
		return false, fmt.Errorf("delete memory: %w", err)
	}
	s.logger.Debug("sqlite: delete memory ok", "id", id, "existed", n > 0, "duration", time.Since(start))
	return n > 0, nil
}

// CountMemories returns the number of stored memories for an agent,
// straight off the structured table.
func (s *Store) CountMemories(ctx context.Context, userID, agentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memories WHERE user_id = ? AND agent_id = ?`,
		userID, agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}
