package nostr

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"nostr-sync/internal/types"
)

const testPrivKey = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"

func TestComputeIDMatchesManualSerialization(t *testing.T) {
	evt := &types.Event{
		PubKey:    "bbde6a0e8847e1cdb2ba5ec021cc949eb3cef125b8304a748fe11c0407990eec",
		CreatedAt: 1700000000,
		Kind:      1,
		Tags:      [][]string{{"e", "abc123", "", "reply"}, {"p", "def456"}},
		Content:   "plain text",
	}
	id, err := ComputeID(evt)
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}

	tagsJSON, _ := json.Marshal(evt.Tags)
	contentJSON, _ := json.Marshal(evt.Content)
	serialized := fmt.Sprintf(`[0,"%s",%d,%d,%s,%s]`, evt.PubKey, evt.CreatedAt, evt.Kind, tagsJSON, contentJSON)
	hash := sha256.Sum256([]byte(serialized))
	if want := hex.EncodeToString(hash[:]); id != want {
		t.Errorf("id = %s, want %s", id, want)
	}
}

func TestComputeIDDoesNotEscapeHTML(t *testing.T) {
	evt := &types.Event{PubKey: "aa", CreatedAt: 1, Kind: 1, Content: "<b>&</b>"}
	id, err := ComputeID(evt)
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	hash := sha256.Sum256([]byte(`[0,"aa",1,1,[],"<b>&</b>"]`))
	if want := hex.EncodeToString(hash[:]); id != want {
		t.Errorf("id = %s, want %s", id, want)
	}
}

func TestSignAndVerify(t *testing.T) {
	evt := &types.Event{CreatedAt: 1700000000, Kind: 1, Content: `{"test":"json content"}`}
	if err := Sign(evt, testPrivKey); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := Verify(evt); err != nil {
		t.Fatalf("Verify signed event: %v", err)
	}

	tampered := *evt
	tampered.Content = "changed"
	if err := Verify(&tampered); !errors.Is(err, ErrBadID) {
		t.Errorf("tampered content: err = %v, want ErrBadID", err)
	}

	forged := *evt
	last := byte('0')
	if evt.Sig[127] == '0' {
		last = '1'
	}
	forged.Sig = evt.Sig[:127] + string(last)
	if err := Verify(&forged); !errors.Is(err, ErrBadSignature) {
		t.Errorf("forged sig: err = %v, want ErrBadSignature", err)
	}

	short := *evt
	short.Sig = "abcd"
	if err := Verify(&short); !errors.Is(err, ErrBadSignature) {
		t.Errorf("short sig: err = %v, want ErrBadSignature", err)
	}
}

func TestPublicKeyMatchesSign(t *testing.T) {
	pk, err := PublicKey(testPrivKey)
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	evt := &types.Event{Kind: 1}
	if err := Sign(evt, testPrivKey); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if evt.PubKey != pk {
		t.Errorf("pubkey = %s, want %s", evt.PubKey, pk)
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "0123456789ab" {
		t.Errorf("ShortID = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID short = %q", got)
	}
}
