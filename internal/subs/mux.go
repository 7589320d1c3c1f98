package subs

import (
	"crypto/rand"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"nostr-sync/internal/metrics"
	"nostr-sync/internal/types"
)

// Owner identifies whoever holds a handle (a view, or the resolver)
type Owner uint64

// Sender is the outbound side of the connection set. Broadcast returns the
// read peers that queued the REQ.
type Sender interface {
	Broadcast(subID string, filters []types.Filter) ([]string, error)
	Subscribe(relay, subID string, filters []types.Filter) error
	Unsubscribe(relay, subID string)
}

// Options tune the multiplexer
type Options struct {
	ReplayTimeout     time.Duration
	ResubscribeBudget int // 0 = unlimited
	SinceOptimize     bool
	Logger            *slog.Logger
	NewID             func() string
}

// Subscription is one logical query shared by every owner that acquired a
// structurally equal filter set, with one tracker per peer.
type Subscription struct {
	ID       string
	Filters  []types.Filter
	key      string
	refs     int
	owners   map[Owner]int
	trackers map[string]*Tracker
}

// Handle is one owner's reference to a Subscription
type Handle struct {
	sub      *Subscription
	owner    Owner
	released bool
}

// ID returns the wire-level subscription id
func (h *Handle) ID() string { return h.sub.ID }

// Owner returns the holder of the handle
func (h *Handle) Owner() Owner { return h.owner }

// Filters returns the shared filter set; callers must not modify it
func (h *Handle) Filters() []types.Filter { return h.sub.Filters }

// Multiplexer deduplicates identical queries into one subscription per peer,
// fans results back out to owners, and reference-counts teardown. It is not
// safe for concurrent use; the engine drives it from its update loop.
type Multiplexer struct {
	sender Sender
	opts   Options
	log    *slog.Logger
	byKey  map[string]*Subscription
	byID   map[string]*Subscription
	peers  []string
}

// NewMultiplexer creates a multiplexer issuing REQ/CLOSE through sender
func NewMultiplexer(sender Sender, opts Options) *Multiplexer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		entropy := ulid.Monotonic(rand.Reader, 0)
		opts.NewID = func() string {
			return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
		}
	}
	return &Multiplexer{
		sender: sender,
		opts:   opts,
		log:    opts.Logger,
		byKey:  make(map[string]*Subscription),
		byID:   make(map[string]*Subscription),
	}
}

// Acquire returns a handle to the subscription for filters, creating it and
// broadcasting its REQ when no equal filter set is active. Peers that did not
// take the REQ are retried by Tick.
func (m *Multiplexer) Acquire(filters []types.Filter, owner Owner) *Handle {
	key := types.FiltersKey(filters)
	sub, ok := m.byKey[key]
	if !ok {
		normalized := make([]types.Filter, len(filters))
		for i, f := range filters {
			normalized[i] = f.Normalize()
		}
		sub = &Subscription{
			ID:       m.opts.NewID(),
			Filters:  normalized,
			key:      key,
			owners:   make(map[Owner]int),
			trackers: make(map[string]*Tracker, len(m.peers)),
		}
		m.byKey[key] = sub
		m.byID[sub.ID] = sub
		metrics.SubscriptionsActive.Inc()
		m.log.Debug("subscription created", "sub_id", sub.ID, "filters", key)
		queued, err := m.sender.Broadcast(sub.ID, sub.Filters)
		if err != nil {
			m.log.Debug("broadcast partly deferred", "sub_id", sub.ID, "error", err)
		}
		for _, relay := range m.peers {
			tr := NewTracker()
			sub.trackers[relay] = tr
			if slices.Contains(queued, relay) {
				tr.Queue()
			}
		}
	}
	sub.refs++
	sub.owners[owner]++
	return &Handle{sub: sub, owner: owner}
}

// Release drops a handle. The last release sends CLOSE to every peer that
// still holds the subscription and forgets its trackers.
func (m *Multiplexer) Release(h *Handle) {
	if h == nil || h.released {
		return
	}
	h.released = true
	sub := h.sub
	sub.refs--
	if sub.owners[h.owner]--; sub.owners[h.owner] <= 0 {
		delete(sub.owners, h.owner)
	}
	if sub.refs > 0 {
		return
	}
	for relay, tr := range sub.trackers {
		if tr.State() != Broken {
			m.sender.Unsubscribe(relay, sub.ID)
		}
	}
	delete(m.byKey, sub.key)
	delete(m.byID, sub.ID)
	metrics.SubscriptionsActive.Dec()
	m.log.Debug("subscription released", "sub_id", sub.ID)
}

// AddPeer starts every active subscription on relay
func (m *Multiplexer) AddPeer(relay string) {
	if slices.Contains(m.peers, relay) {
		return
	}
	m.peers = append(m.peers, relay)
	slices.Sort(m.peers)
	for _, sub := range m.byID {
		tr := NewTracker()
		sub.trackers[relay] = tr
		m.send(sub, relay, tr)
	}
}

// RemovePeer forgets relay. No CLOSE is sent; the connection is gone.
func (m *Multiplexer) RemovePeer(relay string) {
	i := slices.Index(m.peers, relay)
	if i < 0 {
		return
	}
	m.peers = slices.Delete(m.peers, i, i+1)
	for _, sub := range m.byID {
		delete(sub.trackers, relay)
	}
}

// Peers lists the relays subscriptions are issued to
func (m *Multiplexer) Peers() []string {
	return slices.Clone(m.peers)
}

func (m *Multiplexer) tracker(relay, subID string) (*Subscription, *Tracker) {
	sub, ok := m.byID[subID]
	if !ok {
		return nil, nil
	}
	return sub, sub.trackers[relay]
}

func (m *Multiplexer) send(sub *Subscription, relay string, tr *Tracker) {
	filters := sub.Filters
	if m.opts.SinceOptimize && tr.Newest() > 0 {
		filters = sinceOptimized(filters, tr.Newest())
	}
	if err := m.sender.Subscribe(relay, sub.ID, filters); err != nil {
		m.log.Debug("subscribe deferred", "relay", relay, "sub_id", sub.ID, "error", err)
		return
	}
	tr.Queue()
}

// sinceOptimized narrows since to the newest event already seen from the peer
func sinceOptimized(filters []types.Filter, newest int64) []types.Filter {
	out := types.CloneFilters(filters)
	for i := range out {
		if out[i].Since == nil || *out[i].Since < newest {
			out[i].Since = types.Int64(newest)
		}
	}
	return out
}

// Sent records that the REQ for subID left for relay
func (m *Multiplexer) Sent(relay, subID string, now time.Time) {
	if _, tr := m.tracker(relay, subID); tr != nil {
		tr.Sent(now)
	}
}

// Event records a delivery and returns the owners to fan it out to.
// Unknown or released subscriptions yield no owners.
func (m *Multiplexer) Event(relay, subID string, createdAt int64, now time.Time) []Owner {
	sub, tr := m.tracker(relay, subID)
	if tr == nil || tr.State() == Broken {
		return nil
	}
	tr.Observe(createdAt, now)
	return ownersOf(sub)
}

// EndOfReplay records the end-of-stored-events marker from relay
func (m *Multiplexer) EndOfReplay(relay, subID string, now time.Time) {
	if _, tr := m.tracker(relay, subID); tr != nil {
		tr.EndOfReplay(now)
	}
}

// Closed marks the subscription Broken on relay. It is not retried.
func (m *Multiplexer) Closed(relay, subID, reason string) {
	if _, tr := m.tracker(relay, subID); tr != nil && tr.Close(reason) {
		metrics.TrackersBroken.Inc()
		m.log.Warn("subscription broken", "relay", relay, "sub_id", subID, "reason", reason)
	}
}

// Disconnected moves every tracker on relay back to NeedsSend and queues
// the REQ again for the next open, or breaks it past the retry budget.
func (m *Multiplexer) Disconnected(relay string) {
	for _, sub := range m.byID {
		tr := sub.trackers[relay]
		if tr == nil || tr.State() == Broken {
			continue
		}
		if tr.Disconnect(m.opts.ResubscribeBudget) == Broken {
			metrics.TrackersBroken.Inc()
			m.log.Warn("subscription broken", "relay", relay, "sub_id", sub.ID, "reason", tr.Reason())
			continue
		}
		m.send(sub, relay, tr)
	}
}

// Tick applies the replay timeout and retries REQs that could not be queued
func (m *Multiplexer) Tick(now time.Time) {
	for _, sub := range m.byID {
		for relay, tr := range sub.trackers {
			switch tr.State() {
			case AwaitingReplay:
				if tr.Expire(now, m.opts.ReplayTimeout) {
					metrics.ReplayTimeouts.Inc()
					m.log.Debug("replay timed out", "relay", relay, "sub_id", sub.ID)
				}
			case NeedsSend:
				if !tr.Queued() {
					m.send(sub, relay, tr)
				}
				if tr.Stall(now, m.opts.ReplayTimeout) {
					metrics.ReplayTimeouts.Inc()
					m.log.Debug("peer never took the REQ, not waiting on it", "relay", relay, "sub_id", sub.ID)
				}
			}
		}
	}
}

// Consume marks a merge pass by the owner: ReplayComplete becomes Steady
func (m *Multiplexer) Consume(h *Handle) {
	if h == nil || h.released {
		return
	}
	for _, tr := range h.sub.trackers {
		tr.Consume()
	}
}

// Reset returns Broken trackers of h to NeedsSend and resends them. An empty
// relay resets every peer.
func (m *Multiplexer) Reset(h *Handle, relay string) int {
	if h == nil || h.released {
		return 0
	}
	n := 0
	for r, tr := range h.sub.trackers {
		if (relay != "" && r != relay) || tr.State() != Broken {
			continue
		}
		tr.Reset()
		m.send(h.sub, r, tr)
		n++
	}
	return n
}

// Owners returns the current holders of subID, sorted
func (m *Multiplexer) Owners(subID string) []Owner {
	sub, ok := m.byID[subID]
	if !ok {
		return nil
	}
	return ownersOf(sub)
}

func ownersOf(sub *Subscription) []Owner {
	out := make([]Owner, 0, len(sub.owners))
	for o := range sub.owners {
		out = append(out, o)
	}
	slices.Sort(out)
	return out
}

// State returns the tracker state of h on relay
func (m *Multiplexer) State(h *Handle, relay string) (State, bool) {
	if h == nil || h.released {
		return 0, false
	}
	tr, ok := h.sub.trackers[relay]
	if !ok {
		return 0, false
	}
	return tr.State(), true
}

// Settled reports whether every peer of h is past replay, stalled or Broken.
// A subscription with no peers is settled.
func (m *Multiplexer) Settled(h *Handle) bool {
	if h == nil || h.released {
		return true
	}
	for _, tr := range h.sub.trackers {
		if !tr.Settled() {
			return false
		}
	}
	return true
}

// RefCount returns how many handles share h's subscription
func (m *Multiplexer) RefCount(h *Handle) int {
	if h == nil {
		return 0
	}
	return h.sub.refs
}

// Len returns the number of distinct active subscriptions
func (m *Multiplexer) Len() int {
	return len(m.byID)
}

// TrackerInfo is a snapshot of one (subscription, peer) pair
type TrackerInfo struct {
	SubID    string `json:"subId"`
	Relay    string `json:"relay"`
	State    State  `json:"state"`
	Reason   string `json:"reason,omitempty"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Stalled  bool   `json:"stalled,omitempty"`
	Refs     int    `json:"refs"`
}

// Snapshot lists every tracker, sorted by subscription then relay
func (m *Multiplexer) Snapshot() []TrackerInfo {
	var out []TrackerInfo
	for _, sub := range m.byID {
		for relay, tr := range sub.trackers {
			out = append(out, TrackerInfo{
				SubID:    sub.ID,
				Relay:    relay,
				State:    tr.State(),
				Reason:   tr.Reason(),
				TimedOut: tr.TimedOut(),
				Stalled:  tr.Stalled(),
				Refs:     sub.refs,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubID != out[j].SubID {
			return out[i].SubID < out[j].SubID
		}
		return out[i].Relay < out[j].Relay
	})
	return out
}
