// Package resolver batches references to unknown profiles and events into
// follow-up queries, coalescing duplicates and giving up after a retry ceiling.
package resolver

import (
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	"nostr-sync/internal/nostr"
	"nostr-sync/internal/subs"
	"nostr-sync/internal/types"
)

// Key identifies an unresolved entity
type Key struct {
	Kind nostr.RefKind
	ID   string
}

// Batch is one follow-up query for references of a single kind
type Batch struct {
	ID   uint64
	Kind nostr.RefKind
	IDs  []string
}

// Filters returns the query for the batch: author metadata for profiles,
// ids for events.
func (b Batch) Filters() []types.Filter {
	ids := slices.Clone(b.IDs)
	if b.Kind == nostr.RefProfile {
		return []types.Filter{{Kinds: []int{types.KindMetadata}, Authors: ids}}
	}
	return []types.Filter{{IDs: ids}}
}

type entry struct {
	key        Key
	requesters map[subs.Owner]struct{}
	attempts   int
	batch      uint64 // 0 while waiting for a flush
}

// Pending is the set of unresolved references. It is not safe for
// concurrent use; Resolver confines it to one goroutine.
type Pending struct {
	batchSize int
	retries   int
	entries   map[Key]*entry
	waiting   []Key
	batches   map[uint64][]Key
	nextBatch uint64
	abandoned *lru.Cache[Key, struct{}]
}

// NewPending creates an empty set. Each batch carries at most batchSize ids;
// a reference is queried at most 1+retries times; the last abandonedMemory
// abandoned keys are ignored when reported again.
func NewPending(batchSize, retries, abandonedMemory int) *Pending {
	if batchSize <= 0 {
		batchSize = 100
	}
	if abandonedMemory <= 0 {
		abandonedMemory = 1
	}
	abandoned, _ := lru.New[Key, struct{}](abandonedMemory)
	return &Pending{
		batchSize: batchSize,
		retries:   retries,
		entries:   make(map[Key]*entry),
		batches:   make(map[uint64][]Key),
		abandoned: abandoned,
	}
}

// Report records that owner needs ref. It returns true when ref was not
// pending before; a second report only adds the requester.
func (p *Pending) Report(ref nostr.Reference, owner subs.Owner) bool {
	key := Key{Kind: ref.Kind, ID: ref.ID}
	if p.abandoned.Contains(key) {
		return false
	}
	if e, ok := p.entries[key]; ok {
		e.requesters[owner] = struct{}{}
		return false
	}
	p.entries[key] = &entry{key: key, requesters: map[subs.Owner]struct{}{owner: {}}}
	p.waiting = append(p.waiting, key)
	return true
}

// Resolve removes key and returns who asked for it
func (p *Pending) Resolve(key Key) []subs.Owner {
	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	delete(p.entries, key)
	if e.batch == 0 {
		if i := slices.Index(p.waiting, key); i >= 0 {
			p.waiting = slices.Delete(p.waiting, i, i+1)
		}
	}
	out := make([]subs.Owner, 0, len(e.requesters))
	for o := range e.requesters {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// Contains reports whether key is pending
func (p *Pending) Contains(key Key) bool {
	_, ok := p.entries[key]
	return ok
}

// Abandoned reports whether key was given up on recently
func (p *Pending) Abandoned(key Key) bool {
	return p.abandoned.Contains(key)
}

// Len is the number of pending references, waiting or in flight
func (p *Pending) Len() int { return len(p.entries) }

// Waiting is the number of references not yet part of a batch
func (p *Pending) Waiting() int { return len(p.waiting) }

// Attempts returns how many batches for key completed unanswered
func (p *Pending) Attempts(key Key) int {
	if e, ok := p.entries[key]; ok {
		return e.attempts
	}
	return 0
}

// Flush moves every waiting reference into batches of at most batchSize ids,
// one kind per batch, in report order.
func (p *Pending) Flush() []Batch {
	if len(p.waiting) == 0 {
		return nil
	}
	var out []Batch
	for _, kind := range []nostr.RefKind{nostr.RefProfile, nostr.RefEvent} {
		var keys []Key
		for _, k := range p.waiting {
			if k.Kind == kind {
				keys = append(keys, k)
			}
		}
		for chunk := range slices.Chunk(keys, p.batchSize) {
			p.nextBatch++
			b := Batch{ID: p.nextBatch, Kind: kind, IDs: make([]string, len(chunk))}
			for i, k := range chunk {
				b.IDs[i] = k.ID
				p.entries[k].batch = b.ID
			}
			p.batches[b.ID] = slices.Clone(chunk)
			out = append(out, b)
		}
	}
	p.waiting = nil
	return out
}

// Complete is called when every peer finished answering batch id. References
// it did not resolve go back to waiting, or are abandoned once their
// attempts exceed the retry ceiling. The abandoned keys are returned.
func (p *Pending) Complete(id uint64) []Key {
	keys, ok := p.batches[id]
	if !ok {
		return nil
	}
	delete(p.batches, id)

	var abandoned []Key
	for _, k := range keys {
		e, ok := p.entries[k]
		if !ok || e.batch != id {
			continue
		}
		e.attempts++
		e.batch = 0
		if e.attempts > p.retries {
			delete(p.entries, k)
			p.abandoned.Add(k, struct{}{})
			abandoned = append(abandoned, k)
			continue
		}
		p.waiting = append(p.waiting, k)
	}
	return abandoned
}
