package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestSetGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "memory:u1:a1:m1", []byte(`{"id":"m1"}`), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, "memory:u1:a1:m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected key to exist")
	}
	if string(got) != `{"id":"m1"}` {
		t.Errorf("value = %q", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := testStore(t)
	_, ok, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected miss for absent key")
	}
}

func TestSetOverwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Set(ctx, "k", []byte("old"), 0)
	s.Set(ctx, "k", []byte("new"), 0)
	got, _, _ := s.Get(ctx, "k")
	if string(got) != "new" {
		t.Errorf("value = %q, want %q", got, "new")
	}
}

func TestTTLExpiry(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("expected key before expiry")
	}

	s.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("expected miss after expiry")
	}
	if existed, _ := s.Delete(ctx, "k"); existed {
		t.Error("expired key should not count as existing on delete")
	}
}

func TestDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Set(ctx, "k", []byte("v"), 0)
	existed, err := s.Delete(ctx, "k")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !existed {
		t.Error("expected delete of live key to report true")
	}
	existed, _ = s.Delete(ctx, "k")
	if existed {
		t.Error("expected second delete to report false")
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("key still readable after delete")
	}
}

func TestListPrefix(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Set(ctx, "memory:u1:a1:3", []byte("c"), 0)
	s.Set(ctx, "memory:u1:a1:1", []byte("a"), 0)
	s.Set(ctx, "memory:u1:a2:2", []byte("b"), 0)
	s.Set(ctx, "cost:a1:1", []byte("x"), 0)

	keys, err := s.List(ctx, "memory:u1:a1:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"memory:u1:a1:1", "memory:u1:a1:3"}
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d: %v", len(keys), len(want), keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("keys[%d] = %q, want %q", i, keys[i], want[i])
		}
	}
}

func TestListEscapesWildcards(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	s.Set(ctx, "a%b:1", []byte("v"), 0)
	s.Set(ctx, "axb:1", []byte("v"), 0)
	s.Set(ctx, "a_b:1", []byte("v"), 0)

	keys, err := s.List(ctx, "a%b:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a%b:1" {
		t.Errorf("keys = %v, want [a%%b:1]", keys)
	}

	keys, _ = s.List(ctx, "a_b:")
	if len(keys) != 1 || keys[0] != "a_b:1" {
		t.Errorf("keys = %v, want [a_b:1]", keys)
	}
}

func TestListSkipsExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	s.Set(ctx, "a:1", []byte("v"), time.Minute)
	s.Set(ctx, "a:2", []byte("v"), 0)

	s.now = func() time.Time { return base.Add(time.Hour) }
	keys, err := s.List(ctx, "a:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 || keys[0] != "a:2" {
		t.Errorf("keys = %v, want [a:2]", keys)
	}
}

func TestPurgeExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Now()
	s.now = func() time.Time { return base }
	s.Set(ctx, "a:1", []byte("v"), time.Minute)
	s.Set(ctx, "a:2", []byte("v"), time.Minute)
	s.Set(ctx, "a:3", []byte("v"), 0)

	s.now = func() time.Time { return base.Add(time.Hour) }
	n, err := s.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}
	if rows := countRows(t, s, "kv"); rows != 1 {
		t.Errorf("kv rows = %d, want 1", rows)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")
	ctx := context.Background()

	s := New(path)
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("survives"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := New(path)
	defer s2.Close()
	if err := s2.Init(ctx); err != nil {
		t.Fatalf("reopen Init: %v", err)
	}
	got, ok, err := s2.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if string(got) != "survives" {
		t.Errorf("value = %q, want %q", got, "survives")
	}
}

func countRows(t *testing.T, s *Store, table string) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
