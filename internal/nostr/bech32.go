package nostr

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Bech32 charset
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// TLV types (NIP-19)
const (
	tlvTypeSpecial = 0
	tlvTypeRelay   = 1
	tlvTypeAuthor  = 2
	tlvTypeKind    = 3
)

// Bech32Decode decodes a bech32 string into HRP and 5-bit data, checksum verified
func Bech32Decode(bech string) (string, []byte, error) {
	if len(bech) < 8 {
		return "", nil, errors.New("too short")
	}
	bech = strings.ToLower(bech)

	// Find separator
	pos := strings.LastIndex(bech, "1")
	if pos < 1 || pos+7 > len(bech) {
		return "", nil, errors.New("invalid separator position")
	}

	hrp := bech[:pos]
	data := bech[pos+1:]

	values := make([]byte, 0, len(data))
	for _, c := range data {
		idx := strings.IndexRune(bech32Charset, c)
		if idx == -1 {
			return "", nil, errors.New("invalid character")
		}
		values = append(values, byte(idx))
	}

	if !bech32VerifyChecksum(hrp, values) {
		return "", nil, errors.New("invalid checksum")
	}
	return hrp, values[:len(values)-6], nil
}

// Bech32ConvertBits converts between bit groups
func Bech32ConvertBits(data []byte, fromBits, toBits int, pad bool) ([]byte, error) {
	acc := 0
	bits := 0
	var ret []byte
	maxv := (1 << toBits) - 1

	for _, value := range data {
		acc = (acc << fromBits) | int(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			ret = append(ret, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, errors.New("invalid padding")
	}

	return ret, nil
}

// Bech32Encode encodes 5-bit data with the given HRP
func Bech32Encode(hrp string, data []byte) string {
	values := append([]byte{}, data...)
	combined := append(values, bech32CreateChecksum(hrp, values)...)

	var result strings.Builder
	result.WriteString(hrp)
	result.WriteByte('1')
	for _, v := range combined {
		result.WriteByte(bech32Charset[v])
	}
	return result.String()
}

func bech32Polymod(values []int) int {
	gen := []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []int {
	var ret []int
	for _, c := range hrp {
		ret = append(ret, int(c>>5))
	}
	ret = append(ret, 0)
	for _, c := range hrp {
		ret = append(ret, int(c&31))
	}
	return ret
}

func bech32VerifyChecksum(hrp string, data []byte) bool {
	values := bech32HrpExpand(hrp)
	for _, d := range data {
		values = append(values, int(d))
	}
	return bech32Polymod(values) == 1
}

func bech32CreateChecksum(hrp string, data []byte) []byte {
	values := bech32HrpExpand(hrp)
	for _, d := range data {
		values = append(values, int(d))
	}
	for i := 0; i < 6; i++ {
		values = append(values, 0)
	}
	polymod := bech32Polymod(values) ^ 1
	checksum := make([]byte, 6)
	for i := 0; i < 6; i++ {
		checksum[i] = byte((polymod >> (5 * (5 - i))) & 31)
	}
	return checksum
}

// EncodeKey encodes a 32-byte hex key (pubkey or event id) under hrp ("npub", "note")
func EncodeKey(hrp, hexKey string) (string, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return "", err
	}
	if len(raw) != 32 {
		return "", errors.New("invalid key length")
	}
	data, err := Bech32ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return Bech32Encode(hrp, data), nil
}

// EncodeNEvent encodes an event id with optional relay hints and author
func EncodeNEvent(eventID string, relays []string, author string) (string, error) {
	idBytes, err := hex.DecodeString(eventID)
	if err != nil || len(idBytes) != 32 {
		return "", errors.New("invalid event id")
	}
	tlv := append([]byte{tlvTypeSpecial, 32}, idBytes...)
	for _, r := range relays {
		tlv = append(tlv, tlvTypeRelay, byte(len(r)))
		tlv = append(tlv, r...)
	}
	if author != "" {
		authorBytes, err := hex.DecodeString(author)
		if err != nil || len(authorBytes) != 32 {
			return "", errors.New("invalid author")
		}
		tlv = append(tlv, tlvTypeAuthor, 32)
		tlv = append(tlv, authorBytes...)
	}
	data, err := Bech32ConvertBits(tlv, 8, 5, true)
	if err != nil {
		return "", err
	}
	return Bech32Encode("nevent", data), nil
}

// Entity is a decoded NIP-19 reference to a profile or an event
type Entity struct {
	HRP    string
	Pubkey string // npub, nprofile, or the author hint of nevent
	Event  string // note, nevent
	Relays []string
}

// DecodeEntity decodes npub, note, nprofile and nevent strings
func DecodeEntity(s string) (Entity, error) {
	hrp, data, err := Bech32Decode(s)
	if err != nil {
		return Entity{}, err
	}
	raw, err := Bech32ConvertBits(data, 5, 8, false)
	if err != nil {
		return Entity{}, err
	}
	ent := Entity{HRP: hrp}

	switch hrp {
	case "npub", "note":
		if len(raw) != 32 {
			return Entity{}, fmt.Errorf("invalid %s length", hrp)
		}
		if hrp == "npub" {
			ent.Pubkey = hex.EncodeToString(raw)
		} else {
			ent.Event = hex.EncodeToString(raw)
		}
	case "nprofile", "nevent":
		parseTLV(raw, func(typ byte, value []byte) {
			switch typ {
			case tlvTypeSpecial:
				if len(value) == 32 {
					if hrp == "nprofile" {
						ent.Pubkey = hex.EncodeToString(value)
					} else {
						ent.Event = hex.EncodeToString(value)
					}
				}
			case tlvTypeRelay:
				ent.Relays = append(ent.Relays, string(value))
			case tlvTypeAuthor:
				if hrp == "nevent" && len(value) == 32 {
					ent.Pubkey = hex.EncodeToString(value)
				}
			}
		})
		if hrp == "nprofile" && ent.Pubkey == "" {
			return Entity{}, errors.New("nprofile missing pubkey")
		}
		if hrp == "nevent" && ent.Event == "" {
			return Entity{}, errors.New("nevent missing event ID")
		}
	default:
		return Entity{}, fmt.Errorf("unsupported bech32 prefix %q", hrp)
	}
	return ent, nil
}

func parseTLV(data []byte, fn func(typ byte, value []byte)) {
	for i := 0; i+2 <= len(data); {
		typ := data[i]
		n := int(data[i+1])
		i += 2
		if i+n > len(data) {
			return
		}
		fn(typ, data[i:i+n])
		i += n
	}
}
