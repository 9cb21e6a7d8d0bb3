package userscript

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"userscriptd/internal/storage"
)

const keyPrefix = "script:"

// Repository reads and writes scripts.
type Repository interface {
	Get(ctx context.Context, id string) (Script, error)
	List(ctx context.Context) ([]Script, error)
	Save(ctx context.Context, s Script) error
	Delete(ctx context.Context, id string) error
	// RecordExecution bumps the execution counters of a script.
	RecordExecution(ctx context.Context, id string, at time.Time) error
	// SetEnabled flips the enablement flag.
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// StoreRepository persists scripts in a storage.Store under "script:<id>".
type StoreRepository struct {
	// mu serializes read-modify-write of a single script record.
	mu    sync.Mutex
	store storage.Store
}

func NewStoreRepository(store storage.Store) *StoreRepository {
	return &StoreRepository{store: store}
}

func key(id string) string { return keyPrefix + id }

func (r *StoreRepository) Get(ctx context.Context, id string) (Script, error) {
	var s Script
	ok, err := storage.GetJSON(ctx, r.store, key(id), &s)
	if err != nil {
		return Script{}, fmt.Errorf("load script %q: %w", id, err)
	}
	if !ok {
		return Script{}, ErrNotFound
	}
	return s, nil
}

func (r *StoreRepository) List(ctx context.Context) ([]Script, error) {
	raw, err := r.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	out := make([]Script, 0, len(raw))
	for k := range raw {
		s, err := r.Get(ctx, strings.TrimPrefix(k, keyPrefix))
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *StoreRepository) Save(ctx context.Context, s Script) error {
	s.Normalize()
	if s.ID == "" {
		return fmt.Errorf("script id required")
	}
	s.UpdatedAt = time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return storage.SetJSON(ctx, r.store, key(s.ID), s)
}

func (r *StoreRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Delete(ctx, key(id))
}

func (r *StoreRepository) RecordExecution(ctx context.Context, id string, at time.Time) error {
	return r.update(ctx, id, func(s *Script) {
		s.ExecutionCount++
		s.LastExecuted = at
	})
}

func (r *StoreRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return r.update(ctx, id, func(s *Script) { s.Enabled = enabled })
}

func (r *StoreRepository) update(ctx context.Context, id string, fn func(s *Script)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s Script
	ok, err := storage.GetJSON(ctx, r.store, key(id), &s)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	fn(&s)
	return storage.SetJSON(ctx, r.store, key(id), s)
}
