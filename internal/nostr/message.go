package nostr

import (
	"encoding/json"
	"errors"
	"fmt"

	"nostr-sync/internal/types"
)

var (
	// ErrMalformed is returned for frames that are not a labelled JSON array
	// of the expected shape.
	ErrMalformed = errors.New("malformed relay message")
	// ErrUnknownLabel is returned for frames whose label is not part of the protocol
	ErrUnknownLabel = errors.New("unknown relay message label")
)

// RelayMessage is one decoded relay-to-client frame. The set of
// implementations is closed; switch on the concrete type.
type RelayMessage interface {
	Label() string
	relayMessage()
}

// EventMsg carries an event delivered for a subscription
type EventMsg struct {
	SubID string
	Event types.Event
}

// EOSEMsg marks the end of stored events for a subscription
type EOSEMsg struct {
	SubID string
}

// OKMsg acknowledges a published event
type OKMsg struct {
	EventID  string
	Accepted bool
	Message  string
}

// NoticeMsg is a human readable message from the relay
type NoticeMsg struct {
	Message string
}

// ClosedMsg reports that the relay terminated a subscription
type ClosedMsg struct {
	SubID  string
	Reason string
}

// Unhandled is a frame with a known label the engine does not act on (AUTH, COUNT)
type Unhandled struct {
	Name string
	Raw  []json.RawMessage
}

func (EventMsg) Label() string    { return "EVENT" }
func (EOSEMsg) Label() string     { return "EOSE" }
func (OKMsg) Label() string       { return "OK" }
func (NoticeMsg) Label() string   { return "NOTICE" }
func (ClosedMsg) Label() string   { return "CLOSED" }
func (u Unhandled) Label() string { return u.Name }

func (EventMsg) relayMessage()  {}
func (EOSEMsg) relayMessage()   {}
func (OKMsg) relayMessage()     {}
func (NoticeMsg) relayMessage() {}
func (ClosedMsg) relayMessage() {}
func (Unhandled) relayMessage() {}

// DecodeRelayMessage parses one text frame received from a relay.
// Signatures are not checked here.
func DecodeRelayMessage(data []byte) (RelayMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty array", ErrMalformed)
	}
	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return nil, fmt.Errorf("%w: label: %v", ErrMalformed, err)
	}

	switch label {
	case "EVENT":
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: EVENT needs 3 elements, got %d", ErrMalformed, len(parts))
		}
		var msg EventMsg
		if err := decodeString(parts[1], &msg.SubID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[2], &msg.Event); err != nil {
			return nil, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
		if msg.Event.ID == "" {
			return nil, fmt.Errorf("%w: event without id", ErrMalformed)
		}
		return msg, nil

	case "EOSE":
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: EOSE without subscription id", ErrMalformed)
		}
		var msg EOSEMsg
		if err := decodeString(parts[1], &msg.SubID); err != nil {
			return nil, err
		}
		return msg, nil

	case "OK":
		if len(parts) < 3 {
			return nil, fmt.Errorf("%w: OK needs at least 3 elements", ErrMalformed)
		}
		var msg OKMsg
		if err := decodeString(parts[1], &msg.EventID); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(parts[2], &msg.Accepted); err != nil {
			return nil, fmt.Errorf("%w: OK flag: %v", ErrMalformed, err)
		}
		if len(parts) > 3 {
			if err := decodeString(parts[3], &msg.Message); err != nil {
				return nil, err
			}
		}
		return msg, nil

	case "NOTICE":
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: NOTICE without message", ErrMalformed)
		}
		var msg NoticeMsg
		if err := decodeString(parts[1], &msg.Message); err != nil {
			return nil, err
		}
		return msg, nil

	case "CLOSED":
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: CLOSED without subscription id", ErrMalformed)
		}
		var msg ClosedMsg
		if err := decodeString(parts[1], &msg.SubID); err != nil {
			return nil, err
		}
		if len(parts) > 2 {
			if err := decodeString(parts[2], &msg.Reason); err != nil {
				return nil, err
			}
		}
		return msg, nil

	case "AUTH", "COUNT":
		return Unhandled{Name: label, Raw: parts[1:]}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, label)
}

func decodeString(raw json.RawMessage, dst *string) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: expected string: %v", ErrMalformed, err)
	}
	return nil
}

// EncodeReq builds ["REQ", subID, filter...]
func EncodeReq(subID string, filters []types.Filter) ([]byte, error) {
	msg := make([]any, 0, len(filters)+2)
	msg = append(msg, "REQ", subID)
	for _, f := range filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

// EncodeClose builds ["CLOSE", subID]
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]any{"CLOSE", subID})
}
