package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"nostr-sync/internal/config"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
)

// ErrUnknownPeer is returned when addressing a relay that is not in the set
var ErrUnknownPeer = errors.New("unknown relay")

// Options configures every Connection of a ConnectionSet
type Options struct {
	Backoff          Backoff
	DialTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	AllowPrivate     bool
	VerifySignatures bool
	Ingester         Ingester
	Logger           *slog.Logger
}

// OptionsFromConfig maps the configuration surface onto connection options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Backoff: Backoff{
			Base:         cfg.Backoff.Base.D(),
			Cap:          cfg.Backoff.Cap.D(),
			Jitter:       cfg.Backoff.Jitter,
			DeadAfter:    cfg.Backoff.DeadAfter,
			DeadInterval: cfg.Backoff.DeadInterval.D(),
		},
		DialTimeout:      cfg.DialTimeout.D(),
		WriteTimeout:     cfg.WriteTimeout.D(),
		PingInterval:     cfg.PingInterval.D(),
		ReadTimeout:      cfg.ReadTimeout.D(),
		AllowPrivate:     cfg.AllowPrivateRelays,
		VerifySignatures: cfg.VerifySignatures,
	}
}

func (o *Options) setDefaults() {
	def := OptionsFromConfig(config.Default())
	if o.Backoff.Base <= 0 {
		o.Backoff = def.Backoff
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = def.ReadTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ConnectionSet owns all Connections. The peer map has a single writer:
// Add, Remove, Broadcast, Subscribe, Unsubscribe, Peers and Close must be
// called from one goroutine. Drain is safe from anywhere.
type ConnectionSet struct {
	opts  Options
	conns map[string]*Connection

	mu    sync.Mutex
	inbox []Message
	ready chan struct{}
}

// NewConnectionSet creates an empty set
func NewConnectionSet(opts Options) *ConnectionSet {
	opts.setDefaults()
	return &ConnectionSet{
		opts:  opts,
		conns: make(map[string]*Connection),
		ready: make(chan struct{}, 1),
	}
}

func (s *ConnectionSet) push(m Message) {
	if m.At.IsZero() {
		m.At = time.Now()
	}
	s.mu.Lock()
	s.inbox = append(s.inbox, m)
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Add starts connecting to p in the background. Adding a known address
// only updates its read/write flags.
func (s *ConnectionSet) Add(p Peer) error {
	url, err := nostr.NormalizeRelayURL(p.URL)
	if err != nil {
		return fmt.Errorf("add relay %q: %w", p.URL, err)
	}
	if err := checkAddress(url, s.opts.AllowPrivate); err != nil {
		return fmt.Errorf("add relay %q: %w", url, err)
	}
	p.URL = url
	if c, ok := s.conns[url]; ok {
		c.setPeer(p)
		return nil
	}
	c := newConnection(p, &s.opts, s.push)
	s.conns[url] = c
	c.start()
	return nil
}

// Remove closes and forgets the connection to url
func (s *ConnectionSet) Remove(url string) bool {
	if canonical, err := nostr.NormalizeRelayURL(url); err == nil {
		url = canonical
	}
	c, ok := s.conns[url]
	if !ok {
		return false
	}
	delete(s.conns, url)
	c.close()
	return true
}

// Has reports whether url is in the set
func (s *ConnectionSet) Has(url string) bool {
	_, ok := s.conns[url]
	return ok
}

// Peers returns a snapshot of every connection, sorted by address
func (s *ConnectionSet) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ReadPeers lists the addresses subscriptions are sent to
func (s *ConnectionSet) ReadPeers() []string {
	var out []string
	for url, c := range s.conns {
		if c.info().Read {
			out = append(out, url)
		}
	}
	slices.Sort(out)
	return out
}

// Broadcast queues a REQ on every read peer, open or not, and returns the
// peers that took it. A peer that refuses does not stop the others.
func (s *ConnectionSet) Broadcast(subID string, filters []types.Filter) ([]string, error) {
	var queued []string
	var errs []error
	for _, url := range s.ReadPeers() {
		if err := s.conns[url].subscribe(subID, filters); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		queued = append(queued, url)
	}
	return queued, errors.Join(errs...)
}

// Subscribe queues a REQ on one peer
func (s *ConnectionSet) Subscribe(url, subID string, filters []types.Filter) error {
	c, ok := s.conns[url]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, url)
	}
	return c.subscribe(subID, filters)
}

// Unsubscribe sends CLOSE for subID to one peer
func (s *ConnectionSet) Unsubscribe(url, subID string) {
	if c, ok := s.conns[url]; ok {
		c.unsubscribe(subID)
	}
}

// Drain returns every message received since the last call, without blocking
func (s *ConnectionSet) Drain() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbox
	s.inbox = nil
	return out
}

// Ready is signalled whenever new messages are waiting to be drained
func (s *ConnectionSet) Ready() <-chan struct{} {
	return s.ready
}

// Close removes every peer
func (s *ConnectionSet) Close() {
	for url := range s.conns {
		s.Remove(url)
	}
}
