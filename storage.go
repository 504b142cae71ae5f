package engram

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Storage abstracts key-value persistence consumed by every layer of the
// engine. Adapters must provide at-least-once durability for Set and treat
// keys as opaque strings.
type Storage interface {
	// Get returns the value stored under key. The second return is false
	// when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A ttl of 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key, reporting whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// List returns all live keys with the given prefix, sorted ascending.
	List(ctx context.Context, prefix string) ([]string, error)
}

// MemoryWriter is an optional Storage capability: adapters that know about
// memory records can implement dedicated write paths (structured columns,
// secondary indexes). StoreMemory must be idempotent by memory id — storing
// the same record twice yields the state of a single store.
//
// Adapters implementing this interface must keep the key-value view
// consistent: a stored memory is readable via Get(MemoryKey(...)) and
// visible to List(MemoryPrefix(...)).
type MemoryWriter interface {
	StoreMemory(ctx context.Context, userID, agentID string, m Memory) error
	DeleteMemory(ctx context.Context, userID, agentID, id string) (bool, error)
}

// --- Key layout ---
//
// All persisted state lives under adapter-independent keys:
//
//	memory:{userId}:{agentId}:{memoryId}
//	extraction-rules:{userId}:{agentId}
//	batch_metadata:{batchId}
//	archive:{agentId}:{memoryId}      (or a user-supplied pattern)
//	connection:{memoryId}:{otherId}
//	cost:{agentId}:{recordId}
//	evolution:{agentId}:{evolutionId}

func MemoryKey(userID, agentID, memoryID string) string {
	return fmt.Sprintf("memory:%s:%s:%s", userID, agentID, memoryID)
}

func MemoryPrefix(userID, agentID string) string {
	return fmt.Sprintf("memory:%s:%s:", userID, agentID)
}

func RulesKey(userID, agentID string) string {
	return fmt.Sprintf("extraction-rules:%s:%s", userID, agentID)
}

func BatchMetadataKey(batchID string) string {
	return "batch_metadata:" + batchID
}

func ConnectionKey(memoryID, otherID string) string {
	return fmt.Sprintf("connection:%s:%s", memoryID, otherID)
}

func ConnectionPrefix(memoryID string) string {
	return "connection:" + memoryID + ":"
}

func costRecordKey(agentID, recordID string) string {
	return fmt.Sprintf("cost:%s:%s", agentID, recordID)
}

func evolutionKey(agentID, evolutionID string) string {
	return fmt.Sprintf("evolution:%s:%s", agentID, evolutionID)
}

// DefaultArchiveKeyPattern is the archive key layout used when no custom
// pattern is configured. Recognised placeholders: {agentId}, {memoryId}.
const DefaultArchiveKeyPattern = "archive:{agentId}:{memoryId}"

// ArchiveKey expands an archive key pattern for a concrete memory.
// An empty pattern falls back to DefaultArchiveKeyPattern.
func ArchiveKey(pattern, agentID, memoryID string) string {
	if pattern == "" {
		pattern = DefaultArchiveKeyPattern
	}
	k := strings.ReplaceAll(pattern, "{agentId}", agentID)
	return strings.ReplaceAll(k, "{memoryId}", memoryID)
}

// --- JSON helpers ---

// GetJSON reads key and unmarshals its value into T.
// The second return is false when the key is absent.
func GetJSON[T any](ctx context.Context, st Storage, key string) (T, bool, error) {
	var zero T
	raw, ok, err := st.Get(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, st Storage, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return st.Set(ctx, key, raw, ttl)
}

// --- Memory record helpers (capability-aware) ---

// storeMemory persists a memory, using the MemoryWriter fast path when the
// adapter provides one and falling back to a plain keyed write otherwise.
func storeMemory(ctx context.Context, st Storage, userID, agentID string, m Memory) error {
	if mw, ok := st.(MemoryWriter); ok {
		return mw.StoreMemory(ctx, userID, agentID, m)
	}
	return SetJSON(ctx, st, MemoryKey(userID, agentID, m.ID), m, 0)
}

// deleteMemory removes a memory record, reporting whether it existed.
func deleteMemory(ctx context.Context, st Storage, userID, agentID, id string) (bool, error) {
	if mw, ok := st.(MemoryWriter); ok {
		return mw.DeleteMemory(ctx, userID, agentID, id)
	}
	return st.Delete(ctx, MemoryKey(userID, agentID, id))
}

// getMemory loads one memory by id.
func getMemory(ctx context.Context, st Storage, userID, agentID, id string) (Memory, bool, error) {
	return GetJSON[Memory](ctx, st, MemoryKey(userID, agentID, id))
}

// listMemories loads every memory for an agent. Keys that vanish or fail to
// decode between List and Get are skipped; enumeration tolerates concurrent
// deletion.
func listMemories(ctx context.Context, st Storage, userID, agentID string) ([]Memory, error) {
	keys, err := st.List(ctx, MemoryPrefix(userID, agentID))
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	mems := make([]Memory, 0, len(keys))
	for _, key := range keys {
		m, ok, err := GetJSON[Memory](ctx, st, key)
		if err != nil || !ok {
			continue
		}
		mems = append(mems, m)
	}
	return mems, nil
}
