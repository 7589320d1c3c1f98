package nostr

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"nostr-sync/internal/types"
)

// PublicKey returns the x-only hex public key for a hex private key
func PublicKey(privKeyHex string) (string, error) {
	privKeyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil || len(privKeyBytes) != 32 {
		return "", fmt.Errorf("invalid private key")
	}
	privateKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	return hex.EncodeToString(schnorr.SerializePubKey(privateKey.PubKey())), nil
}

// Sign fills PubKey, ID and Sig of evt using the hex private key
func Sign(evt *types.Event, privKeyHex string) error {
	privKeyBytes, err := hex.DecodeString(privKeyHex)
	if err != nil || len(privKeyBytes) != 32 {
		return fmt.Errorf("invalid private key")
	}
	privateKey, _ := btcec.PrivKeyFromBytes(privKeyBytes)
	evt.PubKey = hex.EncodeToString(schnorr.SerializePubKey(privateKey.PubKey()))

	id, err := ComputeID(evt)
	if err != nil {
		return err
	}
	evt.ID = id
	idBytes, _ := hex.DecodeString(id)
	sig, err := schnorr.Sign(privateKey, idBytes)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}
