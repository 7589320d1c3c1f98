package relay

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: 10 * time.Second, DeadAfter: 5, DeadInterval: time.Minute}

	if d, dead := b.Delay(0); d != 0 || dead {
		t.Errorf("Delay(0) = %v, %v", d, dead)
	}
	want := []time.Duration{time.Second, 1500 * time.Millisecond, 2250 * time.Millisecond, 3375 * time.Millisecond}
	for i, w := range want {
		d, dead := b.Delay(i + 1)
		if dead || d != w {
			t.Errorf("Delay(%d) = %v, %v; want %v", i+1, d, dead, w)
		}
	}
	if d, dead := b.Delay(5); !dead || d != time.Minute {
		t.Errorf("Delay(5) = %v, %v; want dead cadence", d, dead)
	}

	capped := Backoff{Base: time.Second, Cap: 2 * time.Second}
	if d, _ := capped.Delay(30); d != 2*time.Second {
		t.Errorf("capped delay = %v", d)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	b := Backoff{Base: time.Second, Cap: time.Minute, Jitter: 0.2}
	for i := 0; i < 200; i++ {
		d, _ := b.Delay(1)
		if d < 800*time.Millisecond || d > 1200*time.Millisecond {
			t.Fatalf("jittered delay %v out of bounds", d)
		}
	}
}
