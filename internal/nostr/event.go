// Package nostr holds the NIP-01 wire codec, event verification and the
// reference extraction rules shared by the relay layer and the resolver.
package nostr

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-sync/internal/types"
)

var (
	// ErrBadID is returned when an event id does not match its serialized content
	ErrBadID = errors.New("event id mismatch")
	// ErrBadSignature is returned when the schnorr signature does not verify
	ErrBadSignature = errors.New("invalid event signature")
)

// ComputeID returns the NIP-01 id of evt: sha256 over
// [0, pubkey, created_at, kind, tags, content] with no HTML escaping.
func ComputeID(evt *types.Event) (string, error) {
	tags := evt.Tags
	if tags == nil {
		tags = [][]string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, evt.PubKey, evt.CreatedAt, evt.Kind, tags, evt.Content}); err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	sum := sha256.Sum256(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks that evt.ID matches the content and that the signature is valid
func Verify(evt *types.Event) error {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 || len(evt.ID) != 64 {
		return ErrBadSignature
	}
	id, err := ComputeID(evt)
	if err != nil {
		return err
	}
	if id != evt.ID {
		return ErrBadID
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return ErrBadSignature
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return ErrBadSignature
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return ErrBadID
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrBadSignature
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return ErrBadSignature
	}
	if !sig.Verify(idBytes, pubKey) {
		return ErrBadSignature
	}
	return nil
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
