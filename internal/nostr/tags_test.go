package nostr

import (
	"strings"
	"testing"

	"nostr-sync/internal/types"
)

func hexID(c byte) string {
	return strings.Repeat(string(c), 64)
}

func TestDecodeEntityKnownVector(t *testing.T) {
	ent, err := DecodeEntity("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6")
	if err != nil {
		t.Fatalf("DecodeEntity: %v", err)
	}
	if want := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"; ent.Pubkey != want {
		t.Errorf("pubkey = %s, want %s", ent.Pubkey, want)
	}

	enc, err := EncodeKey("npub", ent.Pubkey)
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	if enc != "npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6" {
		t.Errorf("EncodeKey = %s", enc)
	}
}

func TestDecodeEntityRejectsBadChecksum(t *testing.T) {
	if _, err := DecodeEntity("npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w7"); err == nil {
		t.Fatal("expected checksum error")
	}
}

func TestDecodeNEvent(t *testing.T) {
	s, err := EncodeNEvent(hexID('a'), []string{"wss://relay.example.com"}, hexID('b'))
	if err != nil {
		t.Fatalf("EncodeNEvent: %v", err)
	}
	ent, err := DecodeEntity(s)
	if err != nil {
		t.Fatalf("DecodeEntity(%s): %v", s, err)
	}
	if ent.HRP != "nevent" || ent.Event != hexID('a') || ent.Pubkey != hexID('b') {
		t.Errorf("unexpected entity: %+v", ent)
	}
	if len(ent.Relays) != 1 || ent.Relays[0] != "wss://relay.example.com" {
		t.Errorf("relays = %v", ent.Relays)
	}
}

func TestParseThread(t *testing.T) {
	tests := []struct {
		name      string
		tags      [][]string
		root      string
		reply     string
		wantReply bool
	}{
		{"top level", [][]string{{"p", hexID('1')}}, "", "", false},
		{"marked", [][]string{{"e", hexID('a'), "", "root"}, {"e", hexID('b'), "", "reply"}}, hexID('a'), hexID('b'), true},
		{"marked root only", [][]string{{"e", hexID('a'), "", "root"}}, hexID('a'), hexID('a'), true},
		{"positional", [][]string{{"e", hexID('a')}, {"e", hexID('c')}, {"e", hexID('b')}}, hexID('a'), hexID('b'), true},
		{"single positional", [][]string{{"e", hexID('a')}}, hexID('a'), hexID('a'), true},
		{"mention only", [][]string{{"e", hexID('a'), "", "mention"}}, "", "", false},
		{"garbage id", [][]string{{"e", "nothex"}}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := ParseThread(&types.Event{Kind: 1, Tags: tt.tags})
			if th.Root != tt.root || th.Reply != tt.reply || th.IsReply() != tt.wantReply {
				t.Errorf("thread = %+v (reply=%v), want root=%s reply=%s", th, th.IsReply(), tt.root, tt.reply)
			}
		})
	}
}

func TestReferences(t *testing.T) {
	note, err := EncodeKey("note", hexID('d'))
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	npub, err := EncodeKey("npub", hexID('2'))
	if err != nil {
		t.Fatalf("EncodeKey: %v", err)
	}
	evt := &types.Event{
		PubKey: hexID('1'),
		Kind:   1,
		Tags: [][]string{
			{"e", hexID('a'), "wss://hint.example.com", "root"},
			{"e", hexID('b'), "", "reply"},
			{"p", hexID('1')},
			{"p", hexID('3'), "wss://p.example.com"},
			{"q", hexID('c')},
		},
		Content: "see nostr:" + note + " by nostr:" + npub + " and nostr:npub1broken",
	}

	refs := References(evt)
	type key struct {
		kind RefKind
		id   string
	}
	got := make(map[key]Reference)
	for _, r := range refs {
		k := key{r.Kind, r.ID}
		if _, dup := got[k]; dup {
			t.Fatalf("duplicate reference %v", k)
		}
		got[k] = r
	}

	want := []key{
		{RefProfile, hexID('1')},
		{RefProfile, hexID('2')},
		{RefProfile, hexID('3')},
		{RefEvent, hexID('a')},
		{RefEvent, hexID('b')},
		{RefEvent, hexID('c')},
		{RefEvent, hexID('d')},
	}
	if len(got) != len(want) {
		t.Errorf("got %d references, want %d: %+v", len(got), len(want), refs)
	}
	for _, k := range want {
		if _, ok := got[k]; !ok {
			t.Errorf("missing reference %v %s", k.kind, ShortID(k.id))
		}
	}
	if r := got[key{RefEvent, hexID('a')}]; len(r.Relays) != 1 || r.Relays[0] != "wss://hint.example.com" {
		t.Errorf("root relay hints = %v", r.Relays)
	}
}
