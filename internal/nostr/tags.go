package nostr

import (
	"regexp"
	"slices"

	"nostr-sync/internal/types"
)

// RefKind distinguishes the two kinds of entity an event can point at
type RefKind uint8

const (
	RefProfile RefKind = iota + 1 // author metadata (kind 0) for a pubkey
	RefEvent                      // event by id
)

func (k RefKind) String() string {
	switch k {
	case RefProfile:
		return "profile"
	case RefEvent:
		return "event"
	}
	return "unknown"
}

// Reference is an entity id mentioned by an event, with any relay hints it carried
type Reference struct {
	Kind   RefKind
	ID     string
	Relays []string
}

// Thread is the NIP-10 position of an event
type Thread struct {
	Root  string
	Reply string
}

// IsReply reports whether the event answers another event
func (t Thread) IsReply() bool {
	return t.Root != "" || t.Reply != ""
}

// ParseThread reads NIP-10 e tags. Marked tags win; otherwise the deprecated
// positional scheme applies (first e is root, last e is the direct parent).
func ParseThread(evt *types.Event) Thread {
	var th Thread
	var positional []string
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != "e" || !isHex64(tag[1]) {
			continue
		}
		marker := ""
		if len(tag) >= 4 {
			marker = tag[3]
		}
		switch marker {
		case "root":
			th.Root = tag[1]
		case "reply":
			th.Reply = tag[1]
		case "mention":
		default:
			positional = append(positional, tag[1])
		}
	}
	if th.Root != "" || th.Reply != "" {
		if th.Reply == "" {
			th.Reply = th.Root
		}
		if th.Root == "" {
			th.Root = th.Reply
		}
		return th
	}
	if len(positional) > 0 {
		th.Root = positional[0]
		th.Reply = positional[len(positional)-1]
	}
	return th
}

var mentionPattern = regexp.MustCompile(`nostr:((?:npub|note|nprofile|nevent)1[023456789acdefghjklmnpqrstuvwxyz]+)`)

// ContentMentions decodes nostr: URIs embedded in the content. Undecodable
// mentions are skipped.
func ContentMentions(content string) []Entity {
	var out []Entity
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		ent, err := DecodeEntity(m[1])
		if err != nil {
			continue
		}
		out = append(out, ent)
	}
	return out
}

// References lists every entity evt depends on for display: the author's
// profile, thread root and parent, p/e/q tags, and content mentions.
// Each (kind, id) appears once; relay hints are merged.
func References(evt *types.Event) []Reference {
	type refKey struct {
		kind RefKind
		id   string
	}
	var refs []Reference
	index := make(map[refKey]int)
	add := func(kind RefKind, id string, hints ...string) {
		if !isHex64(id) {
			return
		}
		key := refKey{kind, id}
		if i, ok := index[key]; ok {
			for _, h := range hints {
				if h != "" && !slices.Contains(refs[i].Relays, h) {
					refs[i].Relays = append(refs[i].Relays, h)
				}
			}
			return
		}
		ref := Reference{Kind: kind, ID: id}
		for _, h := range hints {
			if h != "" {
				ref.Relays = append(ref.Relays, h)
			}
		}
		index[key] = len(refs)
		refs = append(refs, ref)
	}

	add(RefProfile, evt.PubKey)
	th := ParseThread(evt)
	add(RefEvent, th.Root)
	add(RefEvent, th.Reply)

	for _, tag := range evt.Tags {
		if len(tag) < 2 {
			continue
		}
		hint := ""
		if len(tag) >= 3 {
			hint = tag[2]
		}
		switch tag[0] {
		case "p":
			add(RefProfile, tag[1], hint)
		case "e", "q":
			add(RefEvent, tag[1], hint)
		}
	}

	for _, ent := range ContentMentions(evt.Content) {
		if ent.Event != "" {
			add(RefEvent, ent.Event, ent.Relays...)
		}
		if ent.Pubkey != "" {
			add(RefProfile, ent.Pubkey, ent.Relays...)
		}
	}
	return refs
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
