package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"nostr-sync/internal/nostr"
	"nostr-sync/internal/types"
)

const testPrivKey = "edc90d06fee17615229c8526dc005d959e4af3bdc0b48c5776c951bcafedec85"

// fakeRelay is a websocket server that records client frames and lets the
// test push frames back.
type fakeRelay struct {
	srv      *httptest.Server
	frames   chan []json.RawMessage
	accepted chan *websocket.Conn
	hold     chan struct{} // when set, upgrades wait until it is closed

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	return startFakeRelay(t, nil)
}

func startFakeRelay(t *testing.T, hold chan struct{}) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		frames:   make(chan []json.RawMessage, 100),
		accepted: make(chan *websocket.Conn, 10),
		hold:     hold,
	}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.hold != nil {
			<-r.hold
		}
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, ws)
		r.mu.Unlock()
		r.accepted <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var parts []json.RawMessage
			if err := json.Unmarshal(data, &parts); err == nil {
				r.frames <- parts
			}
		}
	}))
	t.Cleanup(r.close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) close() {
	r.mu.Lock()
	for _, ws := range r.conns {
		ws.Close()
	}
	r.mu.Unlock()
	r.srv.Close()
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-r.accepted:
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("relay never received a connection")
		return nil
	}
}

func (r *fakeRelay) nextFrame(t *testing.T) (string, []json.RawMessage) {
	t.Helper()
	select {
	case parts := <-r.frames:
		var label string
		json.Unmarshal(parts[0], &label)
		return label, parts
	case <-time.After(5 * time.Second):
		t.Fatal("relay never received a frame")
		return "", nil
	}
}

func write(t *testing.T, ws *websocket.Conn, frame string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("relay write: %v", err)
	}
}

func testOptions() Options {
	return Options{
		Backoff:          Backoff{Base: 10 * time.Millisecond, Cap: 50 * time.Millisecond, DeadAfter: 100, DeadInterval: time.Second},
		DialTimeout:      2 * time.Second,
		WriteTimeout:     2 * time.Second,
		PingInterval:     time.Second,
		ReadTimeout:      5 * time.Second,
		VerifySignatures: true,
	}
}

// collect drains set until pred is satisfied by the accumulated messages
func collect(t *testing.T, set *ConnectionSet, pred func([]Message) bool) []Message {
	t.Helper()
	var all []Message
	deadline := time.After(5 * time.Second)
	for {
		all = append(all, set.Drain()...)
		if pred(all) {
			return all
		}
		select {
		case <-set.Ready():
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("condition not reached, got %d messages: %v", len(all), kinds(all))
		}
	}
}

func kinds(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Kind.String()
	}
	return out
}

func has(kind MessageKind) func([]Message) bool {
	return func(msgs []Message) bool {
		for _, m := range msgs {
			if m.Kind == kind {
				return true
			}
		}
		return false
	}
}

func signedEvent(t *testing.T, createdAt int64, content string) types.Event {
	t.Helper()
	evt := types.Event{CreatedAt: createdAt, Kind: 1, Tags: [][]string{}, Content: content}
	if err := nostr.Sign(&evt, testPrivKey); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return evt
}

func eventFrame(t *testing.T, subID string, evt types.Event) string {
	t.Helper()
	data, err := json.Marshal([]any{"EVENT", subID, evt})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestConnectionQueuesUntilOpenAndDecodes(t *testing.T) {
	relay := newFakeRelay(t)
	var ingested atomic.Int32
	opts := testOptions()
	opts.Ingester = IngestFunc(func(ctx context.Context, url string, evt *types.Event) Ingested {
		ingested.Add(1)
		return Ingested{Fresh: true}
	})
	set := NewConnectionSet(opts)
	defer set.Close()

	if err := set.Add(Peer{URL: relay.url(), Read: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// queued before the socket is open
	peers, err := set.Broadcast("sub1", []types.Filter{{Kinds: []int{1}}})
	if err != nil || len(peers) != 1 {
		t.Fatalf("Broadcast = %v, %v", peers, err)
	}

	ws := relay.accept(t)
	label, parts := relay.nextFrame(t)
	if label != "REQ" || string(parts[1]) != `"sub1"` {
		t.Fatalf("relay got %s %s", label, parts)
	}

	good := signedEvent(t, 100, "hello")
	bad := signedEvent(t, 101, "forged")
	bad.Content = "tampered"
	write(t, ws, eventFrame(t, "sub1", bad))
	write(t, ws, eventFrame(t, "sub1", good))
	write(t, ws, `["EOSE","sub1"]`)
	write(t, ws, `["NOTICE","hi there"]`)
	write(t, ws, `["AUTH","challenge"]`)
	write(t, ws, `["CLOSED","sub1","rate-limited: slow down"]`)

	msgs := collect(t, set, has(KindClosed))
	var order []MessageKind
	for _, m := range msgs {
		if m.Relay != relay.url() {
			t.Errorf("message tagged with %q, want %q", m.Relay, relay.url())
		}
		order = append(order, m.Kind)
	}
	want := []MessageKind{KindPeerOpened, KindSubscriptionSent, KindEvent, KindEOSE, KindNotice, KindClosed}
	if len(order) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds(msgs), want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds(msgs), want)
		}
	}

	evtMsg := msgs[2]
	if evtMsg.Event.ID != good.ID || evtMsg.SubID != "sub1" || !evtMsg.Ingest.Fresh {
		t.Errorf("event message = %+v", evtMsg)
	}
	if n := ingested.Load(); n != 1 {
		t.Errorf("ingester called %d times, want 1 (invalid event must be dropped)", n)
	}
	if closed, ok := msgs[5].Frame.(nostr.ClosedMsg); !ok || closed.Reason != "rate-limited: slow down" {
		t.Errorf("closed frame = %#v", msgs[5].Frame)
	}
}

func TestConnectionReplacesQueuedReq(t *testing.T) {
	hold := make(chan struct{})
	relay := startFakeRelay(t, hold)
	set := NewConnectionSet(testOptions())
	defer set.Close()

	if err := set.Add(Peer{URL: relay.url(), Read: true}); err != nil {
		t.Fatal(err)
	}
	url := set.ReadPeers()[0]
	set.Subscribe(url, "a", []types.Filter{{Kinds: []int{1}}})
	set.Subscribe(url, "a", []types.Filter{{Kinds: []int{6}}})
	set.Subscribe(url, "b", []types.Filter{{Kinds: []int{0}}})
	set.Unsubscribe(url, "b") // never sent, so no CLOSE either
	close(hold)

	relay.accept(t)
	label, parts := relay.nextFrame(t)
	if label != "REQ" || string(parts[1]) != `"a"` || !strings.Contains(string(parts[2]), "6") {
		t.Fatalf("first frame = %s %s", label, parts)
	}
	select {
	case extra := <-relay.frames:
		t.Fatalf("unexpected extra frame %s", extra)
	case <-time.After(200 * time.Millisecond):
	}

	collect(t, set, has(KindSubscriptionSent))
	set.Unsubscribe(url, "a")
	if label, parts := relay.nextFrame(t); label != "CLOSE" || string(parts[1]) != `"a"` {
		t.Fatalf("expected CLOSE a, got %s %s", label, parts)
	}
}

func TestConnectionProtocolErrorReconnects(t *testing.T) {
	relay := newFakeRelay(t)
	set := NewConnectionSet(testOptions())
	defer set.Close()

	if err := set.Add(Peer{URL: relay.url(), Read: true}); err != nil {
		t.Fatal(err)
	}
	ws := relay.accept(t)
	collect(t, set, has(KindPeerOpened))

	write(t, ws, `["BOGUS","x"]`)
	msgs := collect(t, set, has(KindPeerClosed))
	var protoErr *Message
	for i := range msgs {
		if msgs[i].Kind == KindProtocolError {
			protoErr = &msgs[i]
		}
	}
	if protoErr == nil || !errors.Is(protoErr.Err, ErrProtocol) || !errors.Is(protoErr.Err, nostr.ErrUnknownLabel) {
		t.Fatalf("expected protocol error message, got %v", kinds(msgs))
	}

	relay.accept(t)
	collect(t, set, has(KindPeerOpened))
	if info := set.Peers()[0]; info.Status != StatusConnected || info.Failures != 0 {
		t.Errorf("after reconnect: %+v", info)
	}
}

func TestConnectionDialFailureBacksOff(t *testing.T) {
	relay := newFakeRelay(t)
	url := relay.url()
	relay.close()

	set := NewConnectionSet(testOptions())
	defer set.Close()
	if err := set.Add(Peer{URL: url, Read: true}); err != nil {
		t.Fatal(err)
	}
	msgs := collect(t, set, func(msgs []Message) bool {
		n := 0
		for _, m := range msgs {
			if m.Kind == KindTransportError {
				n++
			}
		}
		return n >= 2
	})
	for _, m := range msgs {
		if m.Kind == KindPeerOpened || m.Kind == KindPeerClosed {
			t.Errorf("unexpected %s for a relay that never opened", m.Kind)
		}
	}
	info := set.Peers()[0]
	if info.Failures < 2 || (info.Status != StatusBackoff && info.Status != StatusConnecting) {
		t.Errorf("peer info = %+v", info)
	}
}

func TestRemoveIsSynchronous(t *testing.T) {
	relay := newFakeRelay(t)
	set := NewConnectionSet(testOptions())

	if err := set.Add(Peer{URL: relay.url(), Read: true}); err != nil {
		t.Fatal(err)
	}
	ws := relay.accept(t)
	collect(t, set, has(KindPeerOpened))

	if !set.Remove(relay.url()) {
		t.Fatal("Remove returned false")
	}
	set.Drain()
	// the client side is already closing, so the write may fail
	ws.WriteMessage(websocket.TextMessage, []byte(`["NOTICE","after close"]`))
	time.Sleep(100 * time.Millisecond)
	if got := set.Drain(); len(got) != 0 {
		t.Errorf("messages after Remove: %v", kinds(got))
	}
	if len(set.Peers()) != 0 {
		t.Error("peer still listed after Remove")
	}
}

func TestAddRejectsUnsafeAndInvalid(t *testing.T) {
	set := NewConnectionSet(testOptions())
	defer set.Close()

	for _, url := range []string{"ws://10.0.0.5:7777", "wss://relay.onion", "wss://192.168.1.1"} {
		if err := set.Add(Peer{URL: url}); !errors.Is(err, ErrUnsafeAddress) {
			t.Errorf("Add(%s) = %v, want ErrUnsafeAddress", url, err)
		}
	}
	if err := set.Add(Peer{URL: "https://relay.example.com"}); !errors.Is(err, nostr.ErrBadRelayURL) {
		t.Errorf("Add(https) = %v", err)
	}
	if err := set.Subscribe("wss://missing.example.com", "x", nil); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Subscribe unknown = %v", err)
	}
}

func TestCheckAddressAllowPrivate(t *testing.T) {
	if err := checkAddress("ws://10.0.0.5:7777", true); err != nil {
		t.Errorf("allowPrivate: %v", err)
	}
	if err := checkAddress("ws://127.0.0.1:7777", false); err != nil {
		t.Errorf("loopback: %v", err)
	}
	if err := checkAddress("wss://relay.damus.io", false); err != nil {
		t.Errorf("public name: %v", err)
	}
}

func TestReadFlagSelectsBroadcastPeers(t *testing.T) {
	reader := newFakeRelay(t)
	writer := newFakeRelay(t)
	set := NewConnectionSet(testOptions())
	defer set.Close()

	set.Add(Peer{URL: reader.url(), Read: true})
	set.Add(Peer{URL: writer.url(), Write: true})
	peers, err := set.Broadcast("s", []types.Filter{{Kinds: []int{1}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0] != reader.url() {
		t.Errorf("broadcast peers = %v", peers)
	}

	// flags are updated in place
	set.Add(Peer{URL: writer.url(), Read: true, Write: true})
	if got := set.ReadPeers(); len(got) != 2 {
		t.Errorf("read peers after update = %v", got)
	}
}
