package window

import (
	"context"
	"fmt"
	"testing"

	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/memory"
)

// fakeStore serves a fixed event list and session record.
type fakeStore struct {
	events  []memory.LogEvent
	session *memory.Session
}

func (f *fakeStore) Events(sessionID string) []memory.LogEvent { return f.events }
func (f *fakeStore) GetSession(id string) *memory.Session      { return f.session }

// session of n numbered user messages, one per millisecond.
func numberedEvents(n int) []memory.LogEvent {
	out := make([]memory.LogEvent, n)
	for i := range out {
		out[i] = memory.LogEvent{
			ID:        fmt.Sprintf("e%d", i),
			SessionID: "s1",
			Role:      "user",
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: int64(1000 + i),
		}
	}
	return out
}

func newRetriever(store Store) *Retriever {
	return NewRetriever(store, events.New(), nil)
}

func TestWindow_ShortSessionBypass(t *testing.T) {
	store := &fakeStore{events: numberedEvents(25)}
	r := newRetriever(store)

	got := r.Window(context.Background(), "s1", Options{Keywords: []string{"anything"}})
	if len(got) != RecentCount {
		t.Fatalf("bypass returned %d messages, want %d", len(got), RecentCount)
	}
	// The most recent messages, in order.
	if got[0].Content != "message 5" || got[len(got)-1].Content != "message 24" {
		t.Errorf("bypass window spans %q..%q, want message 5..message 24", got[0].Content, got[len(got)-1].Content)
	}
}

func TestWindow_KeywordNeighborhood(t *testing.T) {
	evts := numberedEvents(50)
	evts[10].Keywords = []string{"deploy"}
	store := &fakeStore{events: evts}
	r := newRetriever(store)

	got := r.Window(context.Background(), "s1", Options{Keywords: []string{"deploy"}, WindowSize: 2})
	if len(got) != 5 {
		t.Fatalf("got %d messages, want hit plus 2 neighbors each side", len(got))
	}
	if got[0].Content != "message 8" || got[4].Content != "message 12" {
		t.Errorf("neighborhood spans %q..%q, want message 8..message 12", got[0].Content, got[4].Content)
	}
}

func TestWindow_EdgeClamping(t *testing.T) {
	evts := numberedEvents(50)
	evts[0].Keywords = []string{"first"}
	evts[49].Keywords = []string{"last"}
	store := &fakeStore{events: evts}
	r := newRetriever(store)

	got := r.Window(context.Background(), "s1", Options{Keywords: []string{"first"}, WindowSize: 3})
	if len(got) != 4 {
		t.Errorf("hit at index 0 with window 3: got %d messages, want 4", len(got))
	}

	got = r.Window(context.Background(), "s1", Options{Keywords: []string{"last"}, WindowSize: 3})
	if len(got) != 4 {
		t.Errorf("hit at last index with window 3: got %d messages, want 4", len(got))
	}
}

func TestWindow_MaxMessagesBound(t *testing.T) {
	evts := numberedEvents(200)
	// Every message is a hit: the bound is the only thing limiting output.
	for i := range evts {
		evts[i].Keywords = []string{"common"}
	}
	store := &fakeStore{events: evts}
	r := newRetriever(store)

	got := r.Window(context.Background(), "s1", Options{Keywords: []string{"common"}, MaxMessages: 15})
	if len(got) != 15 {
		t.Fatalf("got %d messages, want the 15 cap", len(got))
	}
	// Earliest hits win once the bound is reached.
	if got[0].Content != "message 0" {
		t.Errorf("earliest message is %q, want message 0", got[0].Content)
	}
}

func TestWindow_OverlappingNeighborhoodsUnion(t *testing.T) {
	evts := numberedEvents(50)
	evts[10].Keywords = []string{"topic"}
	evts[12].Keywords = []string{"topic"}
	store := &fakeStore{events: evts}
	r := newRetriever(store)

	got := r.Window(context.Background(), "s1", Options{Keywords: []string{"topic"}, WindowSize: 2})
	// Indices 8..14 union, no duplicates.
	if len(got) != 7 {
		t.Fatalf("got %d messages, want 7 from unioned neighborhoods", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp <= got[i-1].Timestamp {
			t.Fatal("window output not strictly ordered")
		}
	}
}

func TestWindow_MatchAll(t *testing.T) {
	evts := numberedEvents(50)
	evts[5].Keywords = []string{"alpha"}
	evts[20].Keywords = []string{"alpha", "beta"}
	store := &fakeStore{events: evts}
	r := newRetriever(store)

	got := r.Window(context.Background(), "s1", Options{
		Keywords: []string{"alpha", "beta"}, MatchAll: true, WindowSize: 0,
	})
	// Only index 20 carries both; default window size 3 spans 17..23.
	if len(got) != 7 {
		t.Fatalf("got %d messages, want 7 around the sole full match", len(got))
	}
	if got[3].Content != "message 20" {
		t.Errorf("center = %q, want message 20", got[3].Content)
	}
}

func TestWindow_SessionKeywordsAsDefaultQuery(t *testing.T) {
	evts := numberedEvents(50)
	evts[30].Keywords = []string{"heating"}
	store := &fakeStore{
		events:  evts,
		session: &memory.Session{ID: "s1", Keywords: []string{"heating"}},
	}
	r := newRetriever(store)

	got := r.Window(context.Background(), "s1", Options{WindowSize: 1})
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3 via session aggregate query", len(got))
	}
}

func TestWindow_NoHitsEmptyNotNil(t *testing.T) {
	store := &fakeStore{events: numberedEvents(50)}
	r := newRetriever(store)

	got := r.Window(context.Background(), "s1", Options{Keywords: []string{"absent"}})
	if got == nil {
		t.Fatal("no hits should yield empty slice, not nil")
	}
	if len(got) != 0 {
		t.Errorf("got %d messages, want 0", len(got))
	}
}

func TestComposeContext_ShortSessionRecentOnly(t *testing.T) {
	store := &fakeStore{events: numberedEvents(10)}
	r := newRetriever(store)

	got := r.ComposeContext(context.Background(), "s1")
	if len(got) != 10 {
		t.Fatalf("got %d messages, want all 10", len(got))
	}
}

func TestComposeContext_MergesRetrievedWithRecent(t *testing.T) {
	evts := numberedEvents(100)
	evts[10].Keywords = []string{"budget"}
	store := &fakeStore{
		events:  evts,
		session: &memory.Session{ID: "s1", Keywords: []string{"budget"}},
	}
	r := newRetriever(store)

	got := r.ComposeContext(context.Background(), "s1")

	// Recent block: messages 80..99. Retrieved: 8..12. No overlap, so 25.
	if len(got) != 25 {
		t.Fatalf("got %d messages, want 25 (retrieved 5 + recent 20)", len(got))
	}
	if got[0].Content != "message 8" {
		t.Errorf("first = %q, want message 8", got[0].Content)
	}
	if got[len(got)-1].Content != "message 99" {
		t.Errorf("last = %q, want message 99", got[len(got)-1].Content)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp < got[i-1].Timestamp {
			t.Fatal("composed context not sorted ascending")
		}
	}
}

func TestComposeContext_DedupByTimestamp(t *testing.T) {
	evts := numberedEvents(100)
	// A hit inside the recent block: its neighborhood overlaps recent
	// messages, which must not appear twice.
	evts[90].Keywords = []string{"budget"}
	store := &fakeStore{
		events:  evts,
		session: &memory.Session{ID: "s1", Keywords: []string{"budget"}},
	}
	r := newRetriever(store)

	got := r.ComposeContext(context.Background(), "s1")
	seen := make(map[int64]int)
	for _, m := range got {
		seen[m.Timestamp]++
		if seen[m.Timestamp] > 1 {
			t.Fatalf("timestamp %d appears twice in composed context", m.Timestamp)
		}
	}
	if len(got) != 20 {
		t.Errorf("got %d messages, want exactly the recent 20 (retrieval fully overlapped)", len(got))
	}
}

// Zero timestamps all share one dedup bucket: if any recent message has
// ts 0, every retrieved ts-0 message is suppressed. Deliberate behavior
// of the timestamp key, pinned here so a change is a conscious one.
func TestComposeContext_ZeroTimestampBucket(t *testing.T) {
	evts := numberedEvents(100)
	evts[5].Timestamp = 0
	evts[5].Keywords = []string{"budget"}
	evts[99].Timestamp = 0
	store := &fakeStore{
		events:  evts,
		session: &memory.Session{ID: "s1", Keywords: []string{"budget"}},
	}
	r := newRetriever(store)

	got := r.ComposeContext(context.Background(), "s1")
	zeros := 0
	for _, m := range got {
		if m.Timestamp == 0 {
			zeros++
		}
	}
	if zeros != 1 {
		t.Errorf("found %d zero-timestamp messages, want 1 (bucket collapses them)", zeros)
	}
}
