package facts

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"nostr-sync/internal/types"
)

const (
	rootID  = "1111111111111111111111111111111111111111111111111111111111111111"
	replyID = "2222222222222222222222222222222222222222222222222222222222222222"
)

func TestComputeThread(t *testing.T) {
	note := &types.Event{ID: "a", Kind: types.KindTextNote, Content: "gm"}
	if f := Compute(note); f.IsReply {
		t.Errorf("plain note marked as reply: %+v", f)
	}

	reply := &types.Event{
		ID:   "b",
		Kind: types.KindTextNote,
		Tags: [][]string{
			{"e", rootID, "", "root"},
			{"e", replyID, "", "reply"},
		},
	}
	f := Compute(reply)
	if !f.IsReply || f.RootID != rootID || f.ReplyID != replyID {
		t.Errorf("reply facts = %+v", f)
	}
}

func TestComputePreviewURL(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"none", "just words", ""},
		{"bare link", "read https://example.com/post today", "https://example.com/post"},
		{"markdown link", "see [this](https://example.org/a)", "https://example.org/a"},
		{"image skipped", "https://cdn.example.com/cat.jpg and https://example.com/x", "https://example.com/x"},
		{"youtube skipped", "https://youtu.be/dQw4w9WgXcQ", ""},
		{"code span skipped", "`https://example.com/code`", ""},
		{"ftp skipped", "ftp://example.com/file", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Compute(&types.Event{Content: tt.content})
			if f.PreviewURL != tt.want {
				t.Errorf("PreviewURL = %q, want %q", f.PreviewURL, tt.want)
			}
			if f.PreviewEligible() != (tt.want != "") {
				t.Errorf("PreviewEligible = %v", f.PreviewEligible())
			}
		})
	}
}

func TestComputeMentions(t *testing.T) {
	content := "hi nostr:npub180cvv07tjdrrgpa0j7j7tmnyl2yr6yr7l8j4s3evf6u64th6gkwsyjh6w6 and nostr:nope"
	if f := Compute(&types.Event{Content: content}); f.Mentions != 1 {
		t.Errorf("Mentions = %d, want 1", f.Mentions)
	}
}

func TestCacheMemoizes(t *testing.T) {
	c, err := NewCache(8)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	calls := 0
	compute := func() Facts {
		calls++
		return Facts{IsReply: true}
	}
	for range 3 {
		if f := c.GetOrCompute("x", compute); !f.IsReply {
			t.Fatalf("unexpected facts %+v", f)
		}
	}
	if calls != 1 {
		t.Errorf("compute called %d times, want 1", calls)
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewCache(2)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	c.GetOrCompute("a", func() Facts { return Facts{} })
	c.GetOrCompute("b", func() Facts { return Facts{} })
	c.GetOrCompute("a", func() Facts { t.Fatal("a recomputed"); return Facts{} })
	c.GetOrCompute("c", func() Facts { return Facts{} })

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("a should still be cached")
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCacheConcurrentMissComputesOnce(t *testing.T) {
	c, err := NewCache(16)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func() Facts {
		calls.Add(1)
		<-release
		return Facts{PreviewURL: "https://example.com"}
	}

	var wg sync.WaitGroup
	results := make([]Facts, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.GetOrCompute("same", compute)
		}()
	}
	for calls.Load() == 0 {
		// wait for the first compute to start
	}
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("compute ran %d times, want 1", n)
	}
	for i, f := range results {
		if !strings.HasPrefix(f.PreviewURL, "https://") {
			t.Errorf("result %d = %+v", i, f)
		}
	}
}

func TestNewCacheRejectsZeroSize(t *testing.T) {
	if _, err := NewCache(0); err == nil {
		t.Error("expected error for size 0")
	}
}
