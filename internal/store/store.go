// Package store is the local event store boundary: durable ingest with
// duplicate detection, and locally satisfiable reads.
package store

import (
	"context"
	"errors"
	"iter"

	"nostr-sync/internal/types"
)

// ErrNotFound is returned by Get for an id the store does not hold
var ErrNotFound = errors.New("event not found")

// Result is the outcome of an Ingest
type Result int

const (
	New Result = iota + 1
	Duplicate
)

func (r Result) String() string {
	switch r {
	case New:
		return "new"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Store is authoritative for whether an id is already known. Implementations
// must be safe for concurrent use: every relay reader ingests in parallel.
type Store interface {
	// Ingest persists evt. Exactly one of any number of concurrent ingests
	// of the same id reports New.
	Ingest(ctx context.Context, evt *types.Event) (Result, error)
	HasEvent(ctx context.Context, id string) (bool, error)
	// HasProfile reports whether metadata (kind 0) for pubkey is stored
	HasProfile(ctx context.Context, pubkey string) (bool, error)
	Get(ctx context.Context, id string) (*types.Event, error)
	// QueryLocal returns stored events matching any filter, newest first,
	// honoring each filter's limit.
	QueryLocal(ctx context.Context, filters []types.Filter) (iter.Seq[*types.Event], error)
	Close() error
}

// selector applies per-filter limits while events are visited newest first
type selector struct {
	filters []types.Filter
	counts  []int
}

func newSelector(filters []types.Filter) *selector {
	return &selector{filters: filters, counts: make([]int, len(filters))}
}

// take reports whether evt belongs in the result, charging every filter
// with room left that it matches.
func (s *selector) take(evt *types.Event) bool {
	taken := false
	for i, f := range s.filters {
		if f.Limit > 0 && s.counts[i] >= f.Limit {
			continue
		}
		if f.Matches(evt) {
			s.counts[i]++
			taken = true
		}
	}
	return taken
}

// done reports whether no further event can be taken
func (s *selector) done() bool {
	for i, f := range s.filters {
		if f.Limit <= 0 || s.counts[i] < f.Limit {
			return false
		}
	}
	return true
}

// timeBounds is the created_at range covering every filter
func timeBounds(filters []types.Filter) (since, until *int64) {
	for i, f := range filters {
		if f.Since == nil {
			since = nil
		} else if i == 0 || (since != nil && *f.Since < *since) {
			since = types.Int64(*f.Since)
		}
		if f.Until == nil {
			until = nil
		} else if i == 0 || (until != nil && *f.Until > *until) {
			until = types.Int64(*f.Until)
		}
	}
	return since, until
}

// seq yields already selected events until ctx ends or the consumer stops
func seq(ctx context.Context, events []*types.Event) iter.Seq[*types.Event] {
	return func(yield func(*types.Event) bool) {
		for _, evt := range events {
			if ctx.Err() != nil || !yield(evt) {
				return
			}
		}
	}
}
