// Package timeline keeps the ordered, deduplicated event sequence behind a view.
package timeline

import (
	"slices"
	"sort"

	"nostr-sync/internal/metrics"
)

// Ref is the part of an event a view orders by
type Ref struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// Before reports whether a sorts ahead of b: newer first, then higher id.
func (a Ref) Before(b Ref) bool {
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt > b.CreatedAt
	}
	return a.ID > b.ID
}

// View is an ordered set of Refs. It is owned by a single goroutine and is
// not safe for concurrent use.
type View struct {
	refs   []Ref
	index  map[string]struct{}
	dirty  bool
	shared bool // refs was handed out by Poll and must not be mutated in place
}

// New creates an empty view
func New() *View {
	return &View{index: make(map[string]struct{})}
}

// MergeInsert inserts refs that are not already present, keeping the
// sequence sorted. It returns the number of refs inserted.
func (v *View) MergeInsert(refs []Ref) int {
	inserted := 0
	for _, r := range refs {
		if r.ID == "" {
			continue
		}
		if _, ok := v.index[r.ID]; ok {
			continue
		}
		if v.shared {
			v.refs = slices.Clone(v.refs)
			v.shared = false
		}
		idx := sort.Search(len(v.refs), func(i int) bool {
			return r.Before(v.refs[i])
		})
		v.refs = append(v.refs, Ref{})
		copy(v.refs[idx+1:], v.refs[idx:])
		v.refs[idx] = r
		v.index[r.ID] = struct{}{}
		inserted++
	}
	if inserted > 0 {
		v.dirty = true
		metrics.ViewInserts.Add(float64(inserted))
	}
	return inserted
}

// Poll returns the current sequence and whether it changed since the last
// Poll. The returned slice is never modified afterwards.
func (v *View) Poll() ([]Ref, bool) {
	dirty := v.dirty
	v.dirty = false
	v.shared = true
	return v.refs, dirty
}

// Touch marks the view dirty without changing it, for when something it
// displays (a profile, a referenced note) became available
func (v *View) Touch() { v.dirty = true }

// Len returns the number of refs in the view
func (v *View) Len() int { return len(v.refs) }

// Contains reports whether id is in the view
func (v *View) Contains(id string) bool {
	_, ok := v.index[id]
	return ok
}

// Oldest returns the last ref in order, the pagination cursor
func (v *View) Oldest() (Ref, bool) {
	if len(v.refs) == 0 {
		return Ref{}, false
	}
	return v.refs[len(v.refs)-1], true
}

// Newest returns the first ref in order
func (v *View) Newest() (Ref, bool) {
	if len(v.refs) == 0 {
		return Ref{}, false
	}
	return v.refs[0], true
}
