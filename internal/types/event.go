// Package types provides shared type definitions used across internal packages.
package types

// Event represents a Nostr event (NIP-01)
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Well-known kinds the engine treats specially
const (
	KindMetadata = 0
	KindTextNote = 1
	KindRepost   = 6
)

// TagValue returns the first value for the given tag name, or empty string if not found.
func (e *Event) TagValue(name string) string {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

// TagValues returns all values for the given tag name.
func (e *Event) TagValues(name string) []string {
	var results []string
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name {
			results = append(results, tag[1])
		}
	}
	return results
}

// HasTagValue reports whether any tag with the given name carries one of values.
func (e *Event) HasTagValue(name string, values []string) bool {
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, v := range values {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}
