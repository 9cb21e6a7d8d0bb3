package userscript

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"userscriptd/internal/storage"
)

func TestRepositoryRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo := NewStoreRepository(storage.NewMemory())

	err := repo.Save(ctx, Script{ID: "s1", Name: "demo", Code: "1", Enabled: true, Matches: []string{"*://*/*"}, RunAt: "end"})
	require.NoError(t, err)

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, RunAtDocumentEnd, got.RunAt)
	require.Equal(t, WorldIsolated, got.World)

	at := time.Now()
	require.NoError(t, repo.RecordExecution(ctx, "s1", at))
	require.NoError(t, repo.SetEnabled(ctx, "s1", false))

	got, err = repo.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, got.ExecutionCount)
	require.False(t, got.Enabled)

	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "s1"))
	_, err = repo.Get(ctx, "s1")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestParseRunAt(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]RunAt{
		"start":          RunAtDocumentStart,
		"document_end":   RunAtDocumentEnd,
		"IDLE":           RunAtDocumentIdle,
		"document-start": RunAtDocumentStart,
	} {
		got, ok := ParseRunAt(in)
		if !ok || got != want {
			t.Fatalf("ParseRunAt(%q) = %q,%v want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseRunAt("later"); ok {
		t.Fatal("expected invalid run-at")
	}
}
