package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrInvalidFilter is returned when a filter cannot be decoded from its NIP-01 form
var ErrInvalidFilter = errors.New("invalid filter")

// Filter represents a Nostr subscription filter (NIP-01).
// A Filter is treated as immutable once it has been handed to the engine;
// use Clone before deriving a modified copy.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Tags    map[string][]string // single-letter tag name (without '#') -> values
	Since   *int64
	Until   *int64
	Limit   int
	Search  string // NIP-50 search query
}

// Int64 returns a pointer to v, for Since/Until literals
func Int64(v int64) *int64 {
	return &v
}

// Clone returns a deep copy of the filter
func (f Filter) Clone() Filter {
	out := Filter{
		IDs:     slices.Clone(f.IDs),
		Authors: slices.Clone(f.Authors),
		Kinds:   slices.Clone(f.Kinds),
		Limit:   f.Limit,
		Search:  f.Search,
	}
	if f.Since != nil {
		out.Since = Int64(*f.Since)
	}
	if f.Until != nil {
		out.Until = Int64(*f.Until)
	}
	if len(f.Tags) > 0 {
		out.Tags = make(map[string][]string, len(f.Tags))
		for k, v := range f.Tags {
			out.Tags[k] = slices.Clone(v)
		}
	}
	return out
}

// Normalize returns a copy with every set-valued field sorted and deduplicated.
// Two filters that select the same events by construction normalize identically.
func (f Filter) Normalize() Filter {
	out := f.Clone()
	out.IDs = sortedUnique(out.IDs)
	out.Authors = sortedUnique(out.Authors)
	if len(out.Kinds) > 0 {
		slices.Sort(out.Kinds)
		out.Kinds = slices.Compact(out.Kinds)
	}
	for k, v := range out.Tags {
		if len(v) == 0 {
			delete(out.Tags, k)
			continue
		}
		out.Tags[k] = sortedUnique(v)
	}
	if len(out.Tags) == 0 {
		out.Tags = nil
	}
	return out
}

func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	slices.Sort(in)
	return slices.Compact(in)
}

// MarshalJSON encodes the filter in NIP-01 wire form
func (f Filter) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if len(f.IDs) > 0 {
		m["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		m["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		m["kinds"] = f.Kinds
	}
	for name, values := range f.Tags {
		if len(values) > 0 {
			m["#"+name] = values
		}
	}
	if f.Since != nil {
		m["since"] = *f.Since
	}
	if f.Until != nil {
		m["until"] = *f.Until
	}
	if f.Limit > 0 {
		m["limit"] = f.Limit
	}
	if f.Search != "" {
		m["search"] = f.Search
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes a NIP-01 filter object
func (f *Filter) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	var out Filter
	for key, value := range raw {
		var err error
		switch {
		case key == "ids":
			err = json.Unmarshal(value, &out.IDs)
		case key == "authors":
			err = json.Unmarshal(value, &out.Authors)
		case key == "kinds":
			err = json.Unmarshal(value, &out.Kinds)
		case key == "since":
			var v int64
			err = json.Unmarshal(value, &v)
			out.Since = &v
		case key == "until":
			var v int64
			err = json.Unmarshal(value, &v)
			out.Until = &v
		case key == "limit":
			err = json.Unmarshal(value, &out.Limit)
		case key == "search":
			err = json.Unmarshal(value, &out.Search)
		case strings.HasPrefix(key, "#") && len(key) == 2:
			var values []string
			err = json.Unmarshal(value, &values)
			if out.Tags == nil {
				out.Tags = make(map[string][]string)
			}
			out.Tags[key[1:]] = values
		default:
			return fmt.Errorf("%w: unknown field %q", ErrInvalidFilter, key)
		}
		if err != nil {
			return fmt.Errorf("%w: field %q: %v", ErrInvalidFilter, key, err)
		}
	}
	*f = out
	return nil
}

// Key returns a string that is equal for structurally equal filters.
// It is the canonical JSON of the normalized filter (map keys sort in encoding/json).
func (f Filter) Key() string {
	data, err := f.Normalize().MarshalJSON()
	if err != nil {
		// only reachable with values encoding/json cannot represent, which Filter has none of
		return fmt.Sprintf("%#v", f.Normalize())
	}
	return string(data)
}

// FiltersKey returns the structural key of a filter set; order of the set matters
// no more than order within a filter does.
func FiltersKey(filters []Filter) string {
	keys := make([]string, len(filters))
	for i, f := range filters {
		keys[i] = f.Key()
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)
	return "[" + strings.Join(keys, ",") + "]"
}

// CloneFilters deep-copies a filter set
func CloneFilters(filters []Filter) []Filter {
	out := make([]Filter, len(filters))
	for i, f := range filters {
		out[i] = f.Clone()
	}
	return out
}

// Matches reports whether evt satisfies the filter. Search is not checked:
// NIP-50 relays match terms with their own tokenizing and ranking, so their
// results are taken as they come.
func (f Filter) Matches(evt *Event) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, evt.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, evt.Kind) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	for name, values := range f.Tags {
		if len(values) > 0 && !evt.HasTagValue(name, values) {
			return false
		}
	}
	return true
}

// MatchesAny reports whether evt satisfies at least one filter of the set
func MatchesAny(filters []Filter, evt *Event) bool {
	for _, f := range filters {
		if f.Matches(evt) {
			return true
		}
	}
	return false
}
