package storage

import (
	"context"
	"path/filepath"
	"testing"

	logx "userscriptd/pkg/logx"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want absent", ok, err)
	}
	if err := s.Set(ctx, "schedule:a", []byte(`{"id":"a"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "schedule:b", []byte(`{"id":"b"}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, "script:x", []byte(`{}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := s.Get(ctx, "schedule:a")
	if err != nil || !ok || string(got) != `{"id":"a"}` {
		t.Fatalf("Get(schedule:a) = %q ok=%v err=%v", got, ok, err)
	}

	list, err := s.List(ctx, "schedule:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List(schedule:) returned %d entries, want 2", len(list))
	}

	if err := s.Delete(ctx, "schedule:a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "schedule:a"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStoreReplaysJournal(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "state.db")
	cfg := Config{Driver: "file", Path: path, CompactEvery: 3}

	s, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	ctx := context.Background()
	if _, ok, _ := reopened.Get(ctx, "schedule:a"); ok {
		t.Fatal("deleted key resurrected after reopen")
	}
	v, ok, err := reopened.Get(ctx, "schedule:b")
	if err != nil || !ok || string(v) != `{"id":"b"}` {
		t.Fatalf("Get(schedule:b) after reopen = %q ok=%v err=%v", v, ok, err)
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "state.sqlite")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestJSONHelpers(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	ctx := context.Background()

	type rec struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	if err := SetJSON(ctx, s, "k", rec{ID: "a", Count: 3}); err != nil {
		t.Fatalf("SetJSON: %v", err)
	}
	var out rec
	ok, err := GetJSON(ctx, s, "k", &out)
	if err != nil || !ok {
		t.Fatalf("GetJSON ok=%v err=%v", ok, err)
	}
	if out.ID != "a" || out.Count != 3 {
		t.Fatalf("GetJSON decoded %+v", out)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
