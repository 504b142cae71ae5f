package engram

import (
	"context"
	"testing"
)

func TestKeyLayout(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"memory", MemoryKey("u1", "a1", "m1"), "memory:u1:a1:m1"},
		{"memory prefix", MemoryPrefix("u1", "a1"), "memory:u1:a1:"},
		{"rules", RulesKey("u1", "a1"), "extraction-rules:u1:a1"},
		{"batch metadata", BatchMetadataKey("batch_0a1b2c3d"), "batch_metadata:batch_0a1b2c3d"},
		{"connection", ConnectionKey("m1", "m2"), "connection:m1:m2"},
		{"connection prefix", ConnectionPrefix("m1"), "connection:m1:"},
		{"cost", costRecordKey("a1", "r1"), "cost:a1:r1"},
		{"evolution", evolutionKey("a1", "e1"), "evolution:a1:e1"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s key = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestArchiveKey(t *testing.T) {
	if got := ArchiveKey("", "a1", "m1"); got != "archive:a1:m1" {
		t.Errorf("default pattern = %q, want %q", got, "archive:a1:m1")
	}
	if got := ArchiveKey("trash/{agentId}/{memoryId}", "a1", "m1"); got != "trash/a1/m1" {
		t.Errorf("custom pattern = %q, want %q", got, "trash/a1/m1")
	}
	if got := ArchiveKey("static-key", "a1", "m1"); got != "static-key" {
		t.Errorf("pattern without placeholders = %q, want %q", got, "static-key")
	}
}

func TestSetGetJSON(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()

	in := BatchMetadata{BatchID: "batch_1", MessagesProcessed: 3}
	if err := SetJSON(ctx, st, "k", in, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, ok, err := GetJSON[BatchMetadata](ctx, st, "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("key should exist")
	}
	if out.BatchID != in.BatchID || out.MessagesProcessed != in.MessagesProcessed {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestGetJSONMissing(t *testing.T) {
	_, ok, err := GetJSON[Memory](context.Background(), newMemStore(), "absent")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("absent key should report ok=false")
	}
}

func TestGetJSONDecodeError(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	if err := st.Set(ctx, "k", []byte("{not json"), 0); err != nil {
		t.Fatal(err)
	}
	if _, _, err := GetJSON[Memory](ctx, st, "k"); err == nil {
		t.Error("expected decode error, got nil")
	}
}

func TestStoreMemoryKeyedFallback(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := Memory{ID: "m1", UserID: "u1", AgentID: "a1", Content: "fact", Type: MemorySemantic, Resonance: 1}

	if err := storeMemory(ctx, st, "u1", "a1", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok, err := getMemory(ctx, st, "u1", "a1", "m1")
	if err != nil || !ok {
		t.Fatalf("getMemory: ok=%v err=%v", ok, err)
	}
	if got.Content != "fact" {
		t.Errorf("Content = %q, want %q", got.Content, "fact")
	}

	existed, err := deleteMemory(ctx, st, "u1", "a1", "m1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !existed {
		t.Error("delete should report the memory existed")
	}
	if existed, _ := deleteMemory(ctx, st, "u1", "a1", "m1"); existed {
		t.Error("second delete should report absence")
	}
}

func TestStoreMemoryTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	m := Memory{ID: "m1", UserID: "u1", AgentID: "a1", Content: "fact", Type: MemorySemantic, Resonance: 1}

	if err := storeMemory(ctx, st, "u1", "a1", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same id again: last writer wins, no duplicate record.
	m.Content = "fact, revised"
	if err := storeMemory(ctx, st, "u1", "a1", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mems, err := listMemories(ctx, st, "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mems) != 1 {
		t.Fatalf("got %d memories, want 1", len(mems))
	}
	if mems[0].Content != "fact, revised" {
		t.Errorf("Content = %q, want the second write", mems[0].Content)
	}
}

// writerStore verifies the MemoryWriter fast path is preferred over plain
// keyed writes.
type writerStore struct {
	*memStore
	stored  int
	deleted int
}

func (w *writerStore) StoreMemory(ctx context.Context, userID, agentID string, m Memory) error {
	w.stored++
	return SetJSON(ctx, w.memStore, MemoryKey(userID, agentID, m.ID), m, 0)
}

func (w *writerStore) DeleteMemory(ctx context.Context, userID, agentID, id string) (bool, error) {
	w.deleted++
	return w.memStore.Delete(ctx, MemoryKey(userID, agentID, id))
}

func TestStoreMemoryWriterPath(t *testing.T) {
	ctx := context.Background()
	st := &writerStore{memStore: newMemStore()}
	m := Memory{ID: "m1", Content: "fact", Type: MemorySemantic}

	if err := storeMemory(ctx, st, "u1", "a1", m); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.stored != 1 {
		t.Errorf("StoreMemory called %d times, want 1", st.stored)
	}
	if _, err := deleteMemory(ctx, st, "u1", "a1", "m1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.deleted != 1 {
		t.Errorf("DeleteMemory called %d times, want 1", st.deleted)
	}
}

func TestListMemories(t *testing.T) {
	ctx := context.Background()
	st := newMemStore()
	seedMemory(t, st, "u1", "a1", Memory{ID: "m1", Content: "first"})
	seedMemory(t, st, "u1", "a1", Memory{ID: "m2", Content: "second"})
	seedMemory(t, st, "u1", "other", Memory{ID: "m3", Content: "elsewhere"})

	// A corrupt record is skipped, not fatal.
	if err := st.Set(ctx, MemoryKey("u1", "a1", "broken"), []byte("boom"), 0); err != nil {
		t.Fatal(err)
	}

	mems, err := listMemories(ctx, st, "u1", "a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mems) != 2 {
		t.Fatalf("got %d memories, want 2", len(mems))
	}
	if mems[0].ID != "m1" || mems[1].ID != "m2" {
		t.Errorf("order = %s, %s; want m1, m2", mems[0].ID, mems[1].ID)
	}
}
