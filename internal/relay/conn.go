// Package relay maintains websocket connections to nostr relays: reconnect
// with backoff, an outbound REQ/CLOSE queue, and decoding of inbound frames
// into tagged messages collected by a ConnectionSet.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"nostr-sync/internal/metrics"
	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
)

// Status of a peer connection
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusBackoff
	StatusDead
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusBackoff:
		return "backoff"
	case StatusDead:
		return "dead"
	}
	return "unknown"
}

// MarshalText renders the status name in JSON snapshots
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Peer is a relay address with its NIP-65 capability flags
type Peer struct {
	URL   string `json:"url"`
	Read  bool   `json:"read"`
	Write bool   `json:"write"`
}

// PeerInfo is a point-in-time view of a Connection
type PeerInfo struct {
	Peer
	Status   Status    `json:"status"`
	Until    time.Time `json:"until,omitzero"` // next attempt while in Backoff or Dead
	LastSeen time.Time `json:"lastSeen,omitzero"`
	Failures int       `json:"failures"`
}

// ErrProtocol marks session ends caused by a frame that could not be decoded
var ErrProtocol = errors.New("protocol error")

const maxFrameSize = 4 << 20

type outbound struct {
	subID string
	req   bool
	data  []byte
}

// Connection is one physical link to a relay. It reconnects on its own
// through an owned timer until closed.
type Connection struct {
	url    string
	opts   *Options
	emit   func(Message)
	log    *slog.Logger
	dialer *websocket.Dialer
	notify chan struct{}

	mu       sync.Mutex
	peer     Peer
	status   Status
	until    time.Time
	lastSeen time.Time
	failures int
	timer    *time.Timer
	cancel   context.CancelFunc
	gen      uint64
	closed   bool
	outbox   []outbound
}

func newConnection(peer Peer, opts *Options, emit func(Message)) *Connection {
	return &Connection{
		url:    peer.URL,
		opts:   opts,
		emit:   emit,
		log:    opts.Logger.With("relay", peer.URL),
		notify: make(chan struct{}, 1),
		peer:   peer,
		dialer: &websocket.Dialer{
			NetDialContext: (&net.Dialer{
				Timeout: opts.DialTimeout,
				Control: dialControl(opts.AllowPrivate),
			}).DialContext,
			HandshakeTimeout: opts.DialTimeout,
		},
	}
}

// start schedules the first connect attempt without blocking
func (c *Connection) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = StatusConnecting
	c.timer = time.AfterFunc(0, c.connect)
}

// connect runs one session on the timer goroutine
func (c *Connection) connect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.gen++
	gen := c.gen
	c.cancel = cancel
	c.status = StatusConnecting
	c.mu.Unlock()

	defer cancel()
	c.run(ctx, gen)
}

func (c *Connection) run(ctx context.Context, gen uint64) {
	dialCtx, cancelDial := context.WithTimeout(ctx, c.opts.DialTimeout)
	ws, _, err := c.dialer.DialContext(dialCtx, c.url, nil)
	cancelDial()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.TransportErrors.Inc()
		c.log.Debug("relay dial failed", "error", err)
		c.finish(gen, KindTransportError, fmt.Errorf("dial: %w", err), false)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	if !c.opened(gen) {
		ws.Close()
		return
	}
	err = c.serve(ctx, ws)
	ws.Close()
	metrics.PeersConnected.Dec()
	if ctx.Err() != nil {
		return
	}

	kind := KindTransportError
	if errors.Is(err, ErrProtocol) {
		kind = KindProtocolError
		metrics.ProtocolErrors.Inc()
		c.log.Warn("dropping relay after protocol error", "error", err)
	} else {
		metrics.TransportErrors.Inc()
		c.log.Info("relay connection lost", "error", err)
	}
	c.finish(gen, kind, err, true)
}

func (c *Connection) opened(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return false
	}
	now := time.Now()
	c.status = StatusConnected
	c.failures = 0
	c.until = time.Time{}
	c.lastSeen = now
	metrics.PeersConnected.Inc()
	c.log.Info("relay connected")
	c.emitLocked(Message{Kind: KindPeerOpened, At: now})
	return true
}

// finish reports the end of a session and schedules the next attempt.
// Frames queued for an open socket die with it; the subscription layer
// requeues them on PeerClosed. Frames queued before any open survive.
func (c *Connection) finish(gen uint64, kind MessageKind, err error, wasOpen bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	now := time.Now()
	if wasOpen && len(c.outbox) > 0 {
		metrics.OutboxDropped.Add(float64(len(c.outbox)))
		c.outbox = nil
	}
	c.emitLocked(Message{Kind: kind, Err: err, At: now})
	if wasOpen {
		c.emitLocked(Message{Kind: KindPeerClosed, Err: err, At: now})
	}

	c.failures++
	delay, dead := c.opts.Backoff.Delay(c.failures)
	c.status = StatusBackoff
	if dead {
		c.status = StatusDead
	}
	c.until = now.Add(delay)
	c.timer = time.AfterFunc(delay, c.connect)
	metrics.Reconnects.Inc()
	c.log.Debug("relay reconnect scheduled", "delay", delay, "failures", c.failures, "dead", dead)
}

// serve runs the reader and writer until either fails
func (c *Connection) serve(ctx context.Context, ws *websocket.Conn) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		ws.Close()
		return nil
	})
	g.Go(func() error { return c.writeLoop(gctx, ws) })
	g.Go(func() error { return c.readLoop(gctx, ws) })
	return g.Wait()
}

func (c *Connection) writeLoop(ctx context.Context, ws *websocket.Conn) error {
	ping := time.NewTicker(c.opts.PingInterval)
	defer ping.Stop()

	for {
		for _, out := range c.takeOutbox() {
			if out.req {
				// emitted before the write so it precedes any reply from the relay
				c.send(Message{Kind: KindSubscriptionSent, SubID: out.subID, At: time.Now()})
			}
			ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, out.data); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

func (c *Connection) readLoop(ctx context.Context, ws *websocket.Conn) error {
	extend := func() {
		ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	extend()
	ws.SetPongHandler(func(string) error {
		c.touch()
		extend()
		return nil
	})

	for {
		typ, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		extend()
		c.touch()
		if typ != websocket.TextMessage {
			continue
		}

		frame, err := nostr.DecodeRelayMessage(data)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		metrics.RelayMessages.WithLabelValues(frame.Label()).Inc()
		c.dispatch(ctx, frame)
	}
}

func (c *Connection) dispatch(ctx context.Context, frame nostr.RelayMessage) {
	now := time.Now()
	switch f := frame.(type) {
	case nostr.EventMsg:
		metrics.EventsReceived.Inc()
		evt := f.Event
		if c.opts.VerifySignatures {
			if err := nostr.Verify(&evt); err != nil {
				metrics.EventsInvalid.Inc()
				c.log.Debug("dropping invalid event", "event_id", nostr.ShortID(evt.ID), "error", err)
				return
			}
		}
		var ing Ingested
		if c.opts.Ingester != nil {
			ing = c.opts.Ingester.Ingest(ctx, c.url, &evt)
		}
		c.send(Message{Kind: KindEvent, SubID: f.SubID, Frame: f, Event: &evt, Ingest: ing, At: now})

	case nostr.EOSEMsg:
		c.send(Message{Kind: KindEOSE, SubID: f.SubID, Frame: f, At: now})

	case nostr.OKMsg:
		c.send(Message{Kind: KindOK, Frame: f, At: now})

	case nostr.NoticeMsg:
		c.log.Info("relay notice", "message", f.Message)
		c.send(Message{Kind: KindNotice, Frame: f, At: now})

	case nostr.ClosedMsg:
		c.log.Warn("relay closed subscription", "sub_id", f.SubID, "reason", f.Reason)
		c.send(Message{Kind: KindClosed, SubID: f.SubID, Frame: f, At: now})

	case nostr.Unhandled:
		c.log.Debug("ignoring relay message", "label", f.Label())
	}
}

// send emits m unless the connection has been closed
func (c *Connection) send(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.emitLocked(m)
	}
}

func (c *Connection) emitLocked(m Message) {
	m.Relay = c.url
	c.emit(m)
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

func (c *Connection) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *Connection) takeOutbox() []outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	return out
}

// subscribe queues a REQ. A queued REQ for the same id is replaced.
func (c *Connection) subscribe(subID string, filters []types.Filter) error {
	data, err := nostr.EncodeReq(subID, filters)
	if err != nil {
		return fmt.Errorf("encode REQ %s: %w", subID, err)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	replaced := false
	for i := range c.outbox {
		if c.outbox[i].req && c.outbox[i].subID == subID {
			c.outbox[i].data = data
			replaced = true
			break
		}
	}
	if !replaced {
		c.outbox = append(c.outbox, outbound{subID: subID, req: true, data: data})
	}
	c.mu.Unlock()
	c.wake()
	return nil
}

// unsubscribe drops a REQ that never left, or queues a CLOSE on an open socket
func (c *Connection) unsubscribe(subID string) {
	c.mu.Lock()
	for i, out := range c.outbox {
		if out.req && out.subID == subID {
			c.outbox = slices.Delete(c.outbox, i, i+1)
			c.mu.Unlock()
			return
		}
	}
	if c.closed || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	data, _ := nostr.EncodeClose(subID)
	c.outbox = append(c.outbox, outbound{subID: subID, data: data})
	c.mu.Unlock()
	c.wake()
}

func (c *Connection) setPeer(p Peer) {
	c.mu.Lock()
	c.peer.Read = p.Read
	c.peer.Write = p.Write
	c.mu.Unlock()
}

func (c *Connection) info() PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return PeerInfo{
		Peer:     c.peer,
		Status:   c.status,
		Until:    c.until,
		LastSeen: c.lastSeen,
		Failures: c.failures,
	}
}

// close stops the reconnect timer and cancels the running session. Nothing
// is emitted for this connection after close returns.
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.outbox = nil
	c.status = StatusDisconnected
}
