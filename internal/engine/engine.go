// Package engine ties the connection set, the multiplexer, the resolver and
// the view caches together behind the non-blocking interface the rendering
// loop uses: open a view, poll it once per frame, close it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nostr-sync/internal/config"
	"nostr-sync/internal/facts"
	"nostr-sync/internal/metrics"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/relay"
	"nostr-sync/internal/resolver"
	"nostr-sync/internal/store"
	"nostr-sync/internal/subs"
	"nostr-sync/internal/timeline"
	"nostr-sync/internal/types"
)

// ErrUnknownView is returned for a ViewID that is not open
var ErrUnknownView = errors.New("unknown view")

// ErrNoFilters is returned when opening a view without a query
var ErrNoFilters = errors.New("view needs at least one filter")

// ViewID names an open view. Zero is never a valid view.
type ViewID uint64

// resolverOwner holds the follow-up subscriptions of the resolver. Views
// own subs.Owner(ViewID), which starts at one.
const resolverOwner subs.Owner = 0

// Network is what the engine needs from the connection set
type Network interface {
	subs.Sender
	Add(p relay.Peer) error
	Remove(url string) bool
	Peers() []relay.PeerInfo
	Drain() []relay.Message
}

// Deps are the collaborators an Engine drives
// Ingester must be the hook the network calls for every EVENT; when nil one
// is built over Store and Facts, for networks that ingest elsewhere.
type Deps struct {
	Network  Network
	Store    store.Store
	Ingester *Ingester
	Facts    *facts.Cache
	Logger   *slog.Logger
}

// ViewOptions tune how a view admits events
type ViewOptions struct {
	Name      string
	NotesOnly bool // drop replies, using the cached thread facts
}

type view struct {
	id      ViewID
	opts    ViewOptions
	filters []types.Filter
	tl      *timeline.View
	main    *subs.Handle
	pages   []*subs.Handle // pagination queries, released once settled
	seeding int            // local store reads still in flight
}

func (v *view) owner() subs.Owner { return subs.Owner(v.id) }

// handle returns the view's handle for a wire subscription id
func (v *view) handle(subID string) *subs.Handle {
	if v.main.ID() == subID {
		return v.main
	}
	for _, h := range v.pages {
		if h.ID() == subID {
			return h
		}
	}
	return nil
}

// seed is the result of one local store read, produced off the update loop
type seed struct {
	view    ViewID
	refs    []timeline.Ref
	missing []nostr.Reference
	err     error
}

// Stats counts what the engine did since it started
type Stats struct {
	Events     int `json:"events"`
	Merged     int `json:"merged"`
	Rejected   int `json:"rejected"`
	Batches    int `json:"batches"`
	Abandoned  int `json:"abandoned"`
	Resolved   int `json:"resolved"`
	SeedErrors int `json:"seedErrors"`
}

// Engine is driven by a single goroutine calling Update and Poll. Every
// method except Start and Close must be called from that goroutine.
type Engine struct {
	cfg      *config.Config
	log      *slog.Logger
	net      Network
	store    store.Store
	ingest   *Ingester
	mux      *subs.Multiplexer
	resolver *resolver.Resolver

	views    map[ViewID]*view
	nextView ViewID
	batches  map[uint64]*subs.Handle
	stats    Stats

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu    sync.Mutex
	seeds []seed
}

// New wires an engine. Call Start before the first Update.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Network == nil || deps.Store == nil {
		return nil, errors.New("engine: network and store are required")
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	ing := deps.Ingester
	if ing == nil {
		fc := deps.Facts
		if fc == nil {
			var err error
			if fc, err = facts.NewCache(cfg.FactCacheSize); err != nil {
				return nil, err
			}
		}
		ing = NewIngester(deps.Store, fc, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	ropts := resolver.OptionsFromConfig(cfg.Resolver)
	ropts.Logger = log
	e := &Engine{
		cfg:      cfg,
		log:      log,
		net:      deps.Network,
		store:    deps.Store,
		ingest:   ing,
		resolver: resolver.New(ropts),
		views:    make(map[ViewID]*view),
		batches:  make(map[uint64]*subs.Handle),
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
	}
	e.mux = subs.NewMultiplexer(deps.Network, subs.Options{
		ReplayTimeout:     cfg.ReplayTimeout.D(),
		ResubscribeBudget: cfg.ResubscribeBudget,
		SinceOptimize:     cfg.SinceOptimize,
		Logger:            log,
	})
	return e, nil
}

// Start runs the background resolver until ctx ends or Close is called
func (e *Engine) Start(ctx context.Context) {
	context.AfterFunc(ctx, e.cancel)
	e.group.Go(func() error {
		return e.resolver.Run(e.ctx)
	})
}

// Close stops background work and releases every view
func (e *Engine) Close() error {
	for id := range e.views {
		e.CloseView(id)
	}
	for id, h := range e.batches {
		e.mux.Release(h)
		delete(e.batches, id)
	}
	e.cancel()
	if err := e.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// SetPeers applies a peer-list edit: new peers are connected, dropped peers
// are closed, and subscriptions follow the read flag.
func (e *Engine) SetPeers(peers []config.Peer) error {
	var errs []error
	want := make(map[string]config.Peer, len(peers))
	for _, p := range peers {
		url, err := nostr.NormalizeRelayURL(p.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("peer %q: %w", p.URL, err))
			continue
		}
		p.URL = url
		want[url] = p
	}

	for _, info := range e.net.Peers() {
		if _, ok := want[info.URL]; ok {
			continue
		}
		e.mux.RemovePeer(info.URL)
		e.net.Remove(info.URL)
		e.log.Info("peer removed", "relay", info.URL)
	}

	urls := make([]string, 0, len(want))
	for url := range want {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	for _, url := range urls {
		p := want[url]
		if err := e.net.Add(relay.Peer{URL: url, Read: p.Read, Write: p.Write}); err != nil {
			errs = append(errs, err)
			continue
		}
		if p.Read {
			e.mux.AddPeer(url)
			continue
		}
		e.stopReading(url)
	}
	return errors.Join(errs...)
}

// stopReading closes every subscription on a peer that lost its read flag
func (e *Engine) stopReading(url string) {
	for _, info := range e.mux.Snapshot() {
		if info.Relay == url && info.State != subs.Broken {
			e.net.Unsubscribe(url, info.SubID)
		}
	}
	e.mux.RemovePeer(url)
}

// Peers reports the status of every connection
func (e *Engine) Peers() []relay.PeerInfo {
	return e.net.Peers()
}

// OpenView acquires the view's query and starts seeding it from the local store
func (e *Engine) OpenView(filters []types.Filter, opts ViewOptions) (ViewID, error) {
	if len(filters) == 0 {
		return 0, ErrNoFilters
	}
	e.nextView++
	v := &view{
		id:      e.nextView,
		opts:    opts,
		filters: types.CloneFilters(filters),
		tl:      timeline.New(),
	}
	v.main = e.mux.Acquire(v.filters, v.owner())
	e.views[v.id] = v
	e.seed(v, v.filters)
	e.log.Debug("view opened", "view", v.id, "name", opts.Name, "sub_id", v.main.ID())
	return v.id, nil
}

// CloseView releases the view's subscriptions. Connections stay up.
func (e *Engine) CloseView(id ViewID) error {
	v, ok := e.views[id]
	if !ok {
		return ErrUnknownView
	}
	e.mux.Release(v.main)
	for _, h := range v.pages {
		e.mux.Release(h)
	}
	delete(e.views, id)
	return nil
}

// Poll returns the view's ordered refs and whether they changed since the
// last Poll. It never blocks.
func (e *Engine) Poll(id ViewID) ([]timeline.Ref, bool, error) {
	v, ok := e.views[id]
	if !ok {
		return nil, false, ErrUnknownView
	}
	refs, dirty := v.tl.Poll()
	e.mux.Consume(v.main)
	for _, h := range v.pages {
		e.mux.Consume(h)
	}
	return refs, dirty, nil
}

// PaginateOlder queries events created at or before cursor, or before the
// oldest event in the view when cursor is zero. The query is an ordinary
// subscription owned by the view.
func (e *Engine) PaginateOlder(id ViewID, cursor int64) error {
	v, ok := e.views[id]
	if !ok {
		return ErrUnknownView
	}
	if cursor <= 0 {
		oldest, ok := v.tl.Oldest()
		if !ok {
			return nil
		}
		cursor = oldest.CreatedAt
	}
	older := types.CloneFilters(v.filters)
	for i := range older {
		older[i].Until = types.Int64(cursor)
		older[i].Limit = e.cfg.PageSize
		if older[i].Since != nil && *older[i].Since > cursor {
			older[i].Since = nil
		}
	}
	v.pages = append(v.pages, e.mux.Acquire(older, v.owner()))
	e.seed(v, older)
	return nil
}

// Reset returns Broken subscriptions of the view to NeedsSend. An empty
// relay resets every peer. It returns how many were reset.
func (e *Engine) Reset(id ViewID, relayURL string) (int, error) {
	v, ok := e.views[id]
	if !ok {
		return 0, ErrUnknownView
	}
	if relayURL != "" {
		url, err := nostr.NormalizeRelayURL(relayURL)
		if err != nil {
			return 0, err
		}
		relayURL = url
	}
	n := e.mux.Reset(v.main, relayURL)
	for _, h := range v.pages {
		n += e.mux.Reset(h, relayURL)
	}
	return n, nil
}

// Loading reports whether the view is still waiting on the local store or
// on a peer that has not finished replaying
func (e *Engine) Loading(id ViewID) bool {
	v, ok := e.views[id]
	if !ok {
		return false
	}
	if v.seeding > 0 || !e.mux.Settled(v.main) {
		return true
	}
	for _, h := range v.pages {
		if !e.mux.Settled(h) {
			return true
		}
	}
	return false
}

// State returns the subscription state of the view's main query on relay
func (e *Engine) State(id ViewID, relayURL string) (subs.State, bool) {
	v, ok := e.views[id]
	if !ok {
		return 0, false
	}
	return e.mux.State(v.main, relayURL)
}

// Facts returns the cached derived facts for an event id
func (e *Engine) Facts(id string) (facts.Facts, bool) {
	return e.ingest.facts.Get(id)
}

// Subscriptions lists every (subscription, peer) state
func (e *Engine) Subscriptions() []subs.TrackerInfo {
	return e.mux.Snapshot()
}

// Stats returns the engine counters
func (e *Engine) Stats() Stats { return e.stats }

// ViewInfo summarizes an open view
type ViewInfo struct {
	ID      ViewID `json:"id"`
	Name    string `json:"name"`
	Len     int    `json:"len"`
	Loading bool   `json:"loading"`
	SubID   string `json:"subId"`
}

// Views lists the open views by id
func (e *Engine) Views() []ViewInfo {
	out := make([]ViewInfo, 0, len(e.views))
	for _, v := range e.views {
		out = append(out, ViewInfo{
			ID:      v.id,
			Name:    v.opts.Name,
			Len:     v.tl.Len(),
			Loading: e.Loading(v.id),
			SubID:   v.main.ID(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// seed reads the local store on a background goroutine
func (e *Engine) seed(v *view, filters []types.Filter) {
	v.seeding++
	id, notesOnly := v.id, v.opts.NotesOnly
	filters = types.CloneFilters(filters)
	e.group.Go(func() error {
		s := seed{view: id}
		events, err := e.store.QueryLocal(e.ctx, filters)
		if err != nil {
			s.err = err
		} else {
			for evt := range events {
				// fills the fact cache for every seeded event
				if f := e.ingest.Facts(evt); notesOnly && f.IsReply {
					continue
				}
				s.refs = append(s.refs, timeline.Ref{ID: evt.ID, CreatedAt: evt.CreatedAt})
				s.missing = append(s.missing, e.ingest.Missing(e.ctx, evt)...)
			}
		}
		e.mu.Lock()
		e.seeds = append(e.seeds, s)
		e.mu.Unlock()
		return nil
	})
}

// admits applies the notes-only tab rule
func (e *Engine) admits(evt *types.Event) bool {
	return !e.ingest.Facts(evt).IsReply
}

// Update processes everything that arrived since the last call. It does
// no I/O of its own and never blocks.
func (e *Engine) Update(now time.Time) {
	start := time.Now()
	defer func() { metrics.UpdateDuration.Observe(time.Since(start).Seconds()) }()

	for _, m := range e.net.Drain() {
		e.dispatch(m)
	}
	e.applySeeds()
	e.applyResolver()
	e.settle()
	e.mux.Tick(now)
}

func (e *Engine) dispatch(m relay.Message) {
	switch m.Kind {
	case relay.KindSubscriptionSent:
		e.mux.Sent(m.Relay, m.SubID, m.At)
	case relay.KindEvent:
		e.event(m)
	case relay.KindEOSE:
		e.mux.EndOfReplay(m.Relay, m.SubID, m.At)
	case relay.KindClosed:
		reason := ""
		if c, ok := m.Frame.(nostr.ClosedMsg); ok {
			reason = c.Reason
		}
		e.mux.Closed(m.Relay, m.SubID, reason)
	case relay.KindPeerClosed:
		e.mux.Disconnected(m.Relay)
	case relay.KindPeerOpened:
		e.log.Debug("peer opened", "relay", m.Relay)
	case relay.KindTransportError, relay.KindProtocolError:
		e.log.Debug("peer error", "relay", m.Relay, "kind", m.Kind.String(), "error", m.Err)
	}
}

func (e *Engine) event(m relay.Message) {
	evt := m.Event
	if evt == nil {
		return
	}
	e.stats.Events++
	owners := e.mux.Event(m.Relay, m.SubID, evt.CreatedAt, m.At)

	answersResolver := false
	for _, owner := range owners {
		if owner == resolverOwner {
			answersResolver = true
			continue
		}
		v, ok := e.views[ViewID(owner)]
		if !ok {
			continue
		}
		h := v.handle(m.SubID)
		if h == nil || !types.MatchesAny(h.Filters(), evt) {
			e.stats.Rejected++
			continue
		}
		if v.opts.NotesOnly && !e.admits(evt) {
			continue
		}
		e.stats.Merged += v.tl.MergeInsert([]timeline.Ref{{ID: evt.ID, CreatedAt: evt.CreatedAt}})
		for _, ref := range m.Ingest.Missing {
			e.resolver.Report(ref, owner)
		}
	}

	if answersResolver {
		// a fetched note is shown through whoever referenced it, so its
		// author is needed too; its own event references are not chased
		for _, ref := range m.Ingest.Missing {
			if ref.Kind == nostr.RefProfile {
				e.resolver.Report(ref, resolverOwner)
			}
		}
	}
	if m.Ingest.Fresh || answersResolver {
		e.resolver.Resolve(nostr.RefEvent, evt.ID)
		if evt.Kind == types.KindMetadata {
			e.resolver.Resolve(nostr.RefProfile, evt.PubKey)
		}
	}
}

func (e *Engine) applySeeds() {
	e.mu.Lock()
	seeds := e.seeds
	e.seeds = nil
	e.mu.Unlock()

	for _, s := range seeds {
		v, ok := e.views[s.view]
		if !ok {
			continue
		}
		v.seeding--
		if s.err != nil {
			e.stats.SeedErrors++
			e.log.Warn("local seed failed", "view", s.view, "error", s.err)
			continue
		}
		e.stats.Merged += v.tl.MergeInsert(s.refs)
		for _, ref := range s.missing {
			e.resolver.Report(ref, v.owner())
		}
	}
}

func (e *Engine) applyResolver() {
	for _, res := range e.resolver.Answered() {
		e.stats.Resolved++
		for _, owner := range res.Owners {
			if v, ok := e.views[ViewID(owner)]; ok {
				v.tl.Touch()
			}
		}
	}
	for _, k := range e.resolver.Abandoned() {
		e.stats.Abandoned++
		e.log.Debug("reference left unresolved", "kind", k.Kind.String(), "id", nostr.ShortID(k.ID))
	}
	for _, b := range e.resolver.Batches() {
		e.stats.Batches++
		e.batches[b.ID] = e.mux.Acquire(b.Filters(), resolverOwner)
	}
}

// settle completes follow-up batches and drops pagination queries once
// every peer is past replay. Nothing settles while there are no peers.
func (e *Engine) settle() {
	if len(e.mux.Peers()) == 0 {
		return
	}
	for id, h := range e.batches {
		if !e.mux.Settled(h) {
			continue
		}
		e.mux.Release(h)
		delete(e.batches, id)
		e.resolver.Complete(id)
	}
	for _, v := range e.views {
		kept := v.pages[:0]
		for _, h := range v.pages {
			if e.mux.Settled(h) {
				e.mux.Release(h)
				continue
			}
			kept = append(kept, h)
		}
		v.pages = kept
	}
}
