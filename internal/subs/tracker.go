// Package subs tracks per-peer subscription state and multiplexes identical
// queries from many owners onto one wire-level subscription per peer.
package subs

import "time"

// State of one subscription on one peer
type State int

const (
	NeedsSend State = iota
	AwaitingReplay
	ReplayComplete
	Steady
	Broken
)

func (s State) String() string {
	switch s {
	case NeedsSend:
		return "needs_send"
	case AwaitingReplay:
		return "awaiting_replay"
	case ReplayComplete:
		return "replay_complete"
	case Steady:
		return "steady"
	case Broken:
		return "broken"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON snapshots
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Tracker is the state machine of one subscription on one peer. States only
// move forward, except Disconnect (back to NeedsSend) and Reset. Broken
// ignores everything but Reset.
type Tracker struct {
	state       State
	reason      string
	sentAt      time.Time
	queued      bool
	timedOut    bool
	disconnects int
	newest      int64
	waitFrom    time.Time // first tick seen in NeedsSend
	stalled     bool      // never sent within the replay timeout
}

// NewTracker returns a tracker in NeedsSend
func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) State() State     { return t.state }
func (t *Tracker) Reason() string   { return t.reason }
func (t *Tracker) Queued() bool     { return t.queued }
func (t *Tracker) TimedOut() bool   { return t.timedOut }
func (t *Tracker) Stalled() bool    { return t.stalled }
func (t *Tracker) Newest() int64    { return t.newest }
func (t *Tracker) Disconnects() int { return t.disconnects }

// Settled reports whether the peer is past its historical replay, or has
// stalled before its REQ could go out
func (t *Tracker) Settled() bool {
	return t.state >= ReplayComplete || t.stalled
}

// Queue records that a REQ was handed to the connection
func (t *Tracker) Queue() {
	if t.state == NeedsSend {
		t.queued = true
	}
}

// Sent moves NeedsSend to AwaitingReplay once the REQ is flushed
func (t *Tracker) Sent(now time.Time) bool {
	if t.state != NeedsSend {
		return false
	}
	t.state = AwaitingReplay
	t.sentAt = now
	t.queued = false
	t.timedOut = false
	t.waitFrom = time.Time{}
	t.stalled = false
	return true
}

// Observe records an event delivered for this subscription. A delivery
// proves the REQ went out.
func (t *Tracker) Observe(createdAt int64, now time.Time) {
	if t.state == Broken {
		return
	}
	t.Sent(now)
	if createdAt > t.newest {
		t.newest = createdAt
	}
}

// EndOfReplay handles the relay's end-of-stored-events marker
func (t *Tracker) EndOfReplay(now time.Time) bool {
	if t.state == Broken {
		return false
	}
	t.Sent(now)
	t.disconnects = 0
	if t.state != AwaitingReplay {
		return false
	}
	t.state = ReplayComplete
	return true
}

// Expire completes the replay of a peer that never sent the marker
func (t *Tracker) Expire(now time.Time, timeout time.Duration) bool {
	if t.state != AwaitingReplay || now.Sub(t.sentAt) < timeout {
		return false
	}
	t.state = ReplayComplete
	t.timedOut = true
	return true
}

// Stall gives up waiting on a peer that could not take the REQ within
// timeout, typically one in backoff. The tracker stays NeedsSend and still
// sends when the peer opens; only Settled changes.
func (t *Tracker) Stall(now time.Time, timeout time.Duration) bool {
	if t.state != NeedsSend || t.stalled {
		return false
	}
	if t.waitFrom.IsZero() {
		t.waitFrom = now
		return false
	}
	if now.Sub(t.waitFrom) < timeout {
		return false
	}
	t.stalled = true
	return true
}

// Consume marks that the owning view has merged at least once since replay
func (t *Tracker) Consume() bool {
	if t.state != ReplayComplete {
		return false
	}
	t.state = Steady
	return true
}

// Disconnect sends the tracker back to NeedsSend, or to Broken once more
// than budget consecutive disconnects happened without an end-of-replay.
// A budget of 0 never breaks.
func (t *Tracker) Disconnect(budget int) State {
	if t.state == Broken {
		return Broken
	}
	t.disconnects++
	t.queued = false
	if budget > 0 && t.disconnects > budget {
		t.state = Broken
		t.reason = "resubscribe budget exhausted"
		return Broken
	}
	t.state = NeedsSend
	t.waitFrom = time.Time{}
	t.stalled = false
	return NeedsSend
}

// Close marks the subscription rejected by the peer
func (t *Tracker) Close(reason string) bool {
	if t.state == Broken {
		return false
	}
	t.state = Broken
	t.reason = reason
	t.queued = false
	return true
}

// Reset is the only way out of Broken
func (t *Tracker) Reset() {
	*t = Tracker{newest: t.newest}
}
