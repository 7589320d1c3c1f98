package store

import (
	"cmp"
	"context"
	"iter"
	"slices"
	"sync"

	"nostr-sync/internal/types"
)

// MemoryStore implements Store in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	events   map[string]*types.Event
	ordered  []*types.Event // newest first, id descending on ties
	profiles map[string]*types.Event
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:   make(map[string]*types.Event),
		profiles: make(map[string]*types.Event),
	}
}

// newestFirst orders events by created_at descending, then id descending
func newestFirst(a, b *types.Event) int {
	if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}

func (s *MemoryStore) Ingest(ctx context.Context, evt *types.Event) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[evt.ID]; ok {
		return Duplicate, nil
	}
	stored := *evt
	s.events[evt.ID] = &stored
	idx, _ := slices.BinarySearchFunc(s.ordered, &stored, newestFirst)
	s.ordered = slices.Insert(s.ordered, idx, &stored)

	if evt.Kind == types.KindMetadata {
		if cur, ok := s.profiles[evt.PubKey]; !ok || cur.CreatedAt < evt.CreatedAt {
			s.profiles[evt.PubKey] = &stored
		}
	}
	return New, nil
}

func (s *MemoryStore) HasEvent(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[id]
	return ok, nil
}

func (s *MemoryStore) HasProfile(ctx context.Context, pubkey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.profiles[pubkey]
	return ok, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evt, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *evt
	return &out, nil
}

// QueryLocal selects under the read lock and yields the copies afterwards
func (s *MemoryStore) QueryLocal(ctx context.Context, filters []types.Filter) (iter.Seq[*types.Event], error) {
	if len(filters) == 0 {
		return seq(ctx, nil), nil
	}
	sel := newSelector(filters)
	var out []*types.Event

	s.mu.RLock()
	for _, evt := range s.ordered {
		if sel.done() {
			break
		}
		if sel.take(evt) {
			cp := *evt
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()

	return seq(ctx, out), nil
}

// Len returns the number of stored events
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

func (s *MemoryStore) Close() error { return nil }
