package subs

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestTrackerHappyPath(t *testing.T) {
	now := time.Unix(1700000000, 0)
	tr := NewTracker()
	if tr.State() != NeedsSend {
		t.Fatalf("initial state = %s", tr.State())
	}
	tr.Queue()
	if !tr.Queued() {
		t.Error("Queue not recorded")
	}
	if !tr.Sent(now) || tr.State() != AwaitingReplay || tr.Queued() {
		t.Fatalf("after Sent: %s queued=%v", tr.State(), tr.Queued())
	}
	tr.Observe(100, now)
	if !tr.EndOfReplay(now) || tr.State() != ReplayComplete {
		t.Fatalf("after EOSE: %s", tr.State())
	}
	if tr.EndOfReplay(now) {
		t.Error("second EOSE should not transition")
	}
	if !tr.Consume() || tr.State() != Steady {
		t.Fatalf("after Consume: %s", tr.State())
	}
	if tr.Newest() != 100 {
		t.Errorf("newest = %d", tr.Newest())
	}
}

func TestTrackerImpliedSend(t *testing.T) {
	now := time.Now()
	tr := NewTracker()
	tr.EndOfReplay(now)
	if tr.State() != ReplayComplete {
		t.Errorf("EOSE while NeedsSend: state = %s, want replay_complete", tr.State())
	}

	tr = NewTracker()
	tr.Observe(5, now)
	if tr.State() != AwaitingReplay {
		t.Errorf("EVENT while NeedsSend: state = %s, want awaiting_replay", tr.State())
	}
}

func TestTrackerReplayTimeout(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tr := NewTracker()
	tr.Sent(start)
	if tr.Expire(start.Add(7*time.Second), 8*time.Second) {
		t.Fatal("expired too early")
	}
	if !tr.Expire(start.Add(8*time.Second), 8*time.Second) || tr.State() != ReplayComplete || !tr.TimedOut() {
		t.Fatalf("state after timeout = %s timedOut=%v", tr.State(), tr.TimedOut())
	}
}

func TestTrackerStallsWithoutSend(t *testing.T) {
	start := time.Unix(1700000000, 0)
	tr := NewTracker()
	if tr.Stall(start, 8*time.Second) || tr.Settled() {
		t.Fatal("stalled on the first tick")
	}
	if tr.Stall(start.Add(7*time.Second), 8*time.Second) {
		t.Fatal("stalled too early")
	}
	if !tr.Stall(start.Add(8*time.Second), 8*time.Second) || !tr.Settled() || tr.State() != NeedsSend {
		t.Fatalf("after timeout: settled=%v state=%s", tr.Settled(), tr.State())
	}

	// the peer opens late: the REQ goes out and the replay is awaited again
	tr.Sent(start.Add(20 * time.Second))
	if tr.Stalled() || tr.Settled() || tr.State() != AwaitingReplay {
		t.Errorf("after late send: stalled=%v settled=%v state=%s", tr.Stalled(), tr.Settled(), tr.State())
	}

	tr.Disconnect(0)
	if tr.Stall(start.Add(30*time.Second), 8*time.Second) || tr.Settled() {
		t.Error("disconnect must restart the wait")
	}
}

func TestTrackerDisconnectBudget(t *testing.T) {
	now := time.Now()
	tr := NewTracker()
	for i := 0; i < 3; i++ {
		tr.Sent(now)
		if got := tr.Disconnect(3); got != NeedsSend {
			t.Fatalf("disconnect %d: %s", i+1, got)
		}
	}
	tr.Sent(now)
	if got := tr.Disconnect(3); got != Broken || tr.Reason() == "" {
		t.Fatalf("fourth disconnect: %s reason=%q", got, tr.Reason())
	}

	// an end-of-replay refills the budget
	tr.Reset()
	tr.Sent(now)
	tr.Disconnect(1)
	tr.EndOfReplay(now)
	if got := tr.Disconnect(1); got != NeedsSend {
		t.Errorf("budget not refilled by EOSE: %s", got)
	}

	unlimited := NewTracker()
	for i := 0; i < 100; i++ {
		unlimited.Disconnect(0)
	}
	if unlimited.State() != NeedsSend {
		t.Errorf("budget 0 must never break, got %s", unlimited.State())
	}
}

func TestBrokenIsTerminal(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ops := []func(tr *Tracker){
		func(tr *Tracker) { tr.Queue() },
		func(tr *Tracker) { tr.Sent(now) },
		func(tr *Tracker) { tr.Observe(42, now) },
		func(tr *Tracker) { tr.EndOfReplay(now) },
		func(tr *Tracker) { tr.Expire(now.Add(time.Hour), time.Second) },
		func(tr *Tracker) { tr.Consume() },
		func(tr *Tracker) { tr.Disconnect(0) },
		func(tr *Tracker) { tr.Disconnect(1) },
		func(tr *Tracker) { tr.Close("again") },
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for run := 0; run < 200; run++ {
		tr := NewTracker()
		tr.Sent(now)
		tr.Close("blocked: not allowed")
		for step := 0; step < 50; step++ {
			ops[rng.IntN(len(ops))](tr)
			if tr.State() != Broken {
				t.Fatalf("run %d step %d: left Broken for %s", run, step, tr.State())
			}
		}
		if tr.Reason() != "blocked: not allowed" {
			t.Fatalf("reason overwritten: %q", tr.Reason())
		}
		tr.Reset()
		if tr.State() != NeedsSend || tr.Reason() != "" {
			t.Fatalf("Reset: %s %q", tr.State(), tr.Reason())
		}
	}
}
