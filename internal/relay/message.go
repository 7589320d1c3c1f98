package relay

import (
	"context"
	"time"

	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
)

// MessageKind tags an inbound message drained from the ConnectionSet
type MessageKind int

const (
	KindEvent MessageKind = iota + 1
	KindEOSE
	KindOK
	KindNotice
	KindClosed
	KindTransportError
	KindProtocolError
	KindPeerOpened
	KindPeerClosed
	KindSubscriptionSent
)

var kindNames = map[MessageKind]string{
	KindEvent:            "event",
	KindEOSE:             "eose",
	KindOK:               "ok",
	KindNotice:           "notice",
	KindClosed:           "closed",
	KindTransportError:   "transport_error",
	KindProtocolError:    "protocol_error",
	KindPeerOpened:       "peer_opened",
	KindPeerClosed:       "peer_closed",
	KindSubscriptionSent: "subscription_sent",
}

func (k MessageKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Message is one inbound item tagged with its origin peer. Messages from a
// single peer are drained in arrival order.
type Message struct {
	Relay  string
	Kind   MessageKind
	SubID  string             // EVENT, EOSE, CLOSED, SubscriptionSent
	Frame  nostr.RelayMessage // decoded frame for EVENT, EOSE, OK, NOTICE, CLOSED
	Event  *types.Event       // EVENT only, already verified
	Ingest Ingested           // EVENT only
	Err    error              // TransportError, ProtocolError, PeerClosed
	At     time.Time
}

// Ingested is what the local store and reference extraction made of an EVENT
type Ingested struct {
	Fresh   bool              // first time the store saw this id
	Missing []nostr.Reference // references the store cannot satisfy
	Err     error
}

// Ingester receives every verified EVENT on the reader goroutine of the
// connection that delivered it, so store I/O never runs on the consumer.
type Ingester interface {
	Ingest(ctx context.Context, relay string, evt *types.Event) Ingested
}

// IngestFunc adapts a function to Ingester
type IngestFunc func(ctx context.Context, relay string, evt *types.Event) Ingested

// Ingest calls f
func (f IngestFunc) Ingest(ctx context.Context, relay string, evt *types.Event) Ingested {
	return f(ctx, relay, evt)
}
