// Package window builds bounded "working context" views over a
// session's message history: a recency window plus keyword-hit
// neighborhoods, used to cap model input size on long conversations.
package window

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/memory"
	"github.com/loomchat/loom/internal/metrics"
)

// Policy thresholds. Sessions at or below ShortSessionThreshold skip
// the keyword machinery entirely: retrieval overhead is not worth
// paying on conversations too short to need it.
const (
	ShortSessionThreshold = 30
	RecentCount           = 20
	DefaultWindowSize     = 3
	DefaultMaxMessages    = 20
	composeWindowSize     = 2
)

// ContextMessage is the model-context view of a message. Tool call and
// result fields are intentionally absent: this view feeds the model,
// not the full history API.
type ContextMessage struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Name      string `json:"name,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Options configures a window build.
type Options struct {
	// Keywords is the query set. Empty falls back to the session's
	// stored aggregate keywords.
	Keywords []string

	// MatchAll requires a message to carry every query keyword instead
	// of any one of them.
	MatchAll bool

	// WindowSize is how many neighbors on each side of a keyword hit
	// are pulled into the window. Default 3.
	WindowSize int

	// MaxMessages bounds the result. Default 20.
	MaxMessages int
}

func (o *Options) applyDefaults() {
	if o.WindowSize <= 0 {
		o.WindowSize = DefaultWindowSize
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = DefaultMaxMessages
	}
}

// Store is the storage surface the retriever reads. Implemented by
// memory.SQLiteStore.
type Store interface {
	Events(sessionID string) []memory.LogEvent
	GetSession(id string) *memory.Session
}

// Retriever builds bounded context windows over session history.
type Retriever struct {
	store  Store
	bus    *events.Bus
	logger *slog.Logger
}

// NewRetriever creates a sliding-window retriever.
func NewRetriever(store Store, bus *events.Bus, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{store: store, bus: bus, logger: logger}
}

// Window returns a bounded keyword-neighborhood view of the session.
// Short sessions (at or below ShortSessionThreshold messages) bypass
// the keyword machinery and return the most recent RecentCount
// messages regardless of the query.
func (r *Retriever) Window(ctx context.Context, sessionID string, opts Options) []ContextMessage {
	opts.applyDefaults()

	msgs := r.store.Events(sessionID)

	if len(msgs) <= ShortSessionThreshold {
		out := materialize(lastN(msgs, RecentCount))
		metrics.WindowBuilds.WithLabelValues("bypass").Inc()
		r.publish(sessionID, len(out), true)
		return out
	}

	query := r.resolveKeywords(sessionID, opts.Keywords)
	picked := pickIndices(msgs, query, opts)

	out := make([]ContextMessage, 0, len(picked))
	for _, i := range picked {
		out = append(out, toContextMessage(msgs[i]))
	}

	metrics.WindowBuilds.WithLabelValues("keyword").Inc()
	r.publish(sessionID, len(out), false)
	return out
}

// ComposeContext builds the model input history for long conversations:
// the most recent RecentCount messages plus an independently retrieved
// keyword window over the full history, deduplicated against the recent
// block by exact timestamp, sorted ascending.
//
// Messages without a timestamp all normalize to the zero bucket and
// dedup against each other, a known sharp edge of the timestamp key,
// kept as specified.
func (r *Retriever) ComposeContext(ctx context.Context, sessionID string) []ContextMessage {
	msgs := r.store.Events(sessionID)
	recent := materialize(lastN(msgs, RecentCount))

	if len(msgs) <= ShortSessionThreshold {
		return recent
	}

	retrieved := r.Window(ctx, sessionID, Options{
		WindowSize:  composeWindowSize,
		MaxMessages: DefaultMaxMessages,
	})

	seen := make(map[int64]bool, len(recent))
	for _, m := range recent {
		seen[m.Timestamp] = true
	}

	merged := make([]ContextMessage, 0, len(retrieved)+len(recent))
	for _, m := range retrieved {
		if seen[m.Timestamp] {
			continue
		}
		merged = append(merged, m)
	}
	merged = append(merged, recent...)

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

// resolveKeywords lower-cases the query, falling back to the session's
// stored aggregate when no query was supplied.
func (r *Retriever) resolveKeywords(sessionID string, query []string) []string {
	if len(query) == 0 {
		if sess := r.store.GetSession(sessionID); sess != nil {
			query = sess.Keywords
		}
	}
	seen := make(map[string]bool, len(query))
	out := make([]string, 0, len(query))
	for _, kw := range query {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}

// pickIndices unions the neighborhood of each keyword hit into a picked
// set, bounded at MaxMessages. Hits are visited in history order and
// picking stops once the set is full: earliest hits win. Bounded work,
// not globally optimal coverage.
func pickIndices(msgs []memory.LogEvent, query []string, opts Options) []int {
	picked := make(map[int]bool)

	for i, m := range msgs {
		if !isHit(m, query, opts.MatchAll) {
			continue
		}
		if len(picked) >= opts.MaxMessages {
			break
		}
		lo := i - opts.WindowSize
		if lo < 0 {
			lo = 0
		}
		hi := i + opts.WindowSize
		if hi > len(msgs)-1 {
			hi = len(msgs) - 1
		}
		for j := lo; j <= hi; j++ {
			picked[j] = true
		}
	}

	indices := make([]int, 0, len(picked))
	for i := range picked {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	if len(indices) > opts.MaxMessages {
		indices = indices[:opts.MaxMessages]
	}
	return indices
}

// isHit reports whether a message's keywords intersect the query:
// under matchAll the intersection must cover the (non-empty) query,
// otherwise any overlap counts.
func isHit(m memory.LogEvent, query []string, matchAll bool) bool {
	if len(query) == 0 {
		return false
	}

	own := make(map[string]bool, len(m.Keywords))
	for _, kw := range m.Keywords {
		own[strings.ToLower(kw)] = true
	}

	overlap := 0
	for _, kw := range query {
		if own[kw] {
			overlap++
		}
	}

	if matchAll {
		return overlap == len(query)
	}
	return overlap > 0
}

func (r *Retriever) publish(sessionID string, count int, bypass bool) {
	r.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceRetriever,
		Kind:      events.KindWindowBuilt,
		Data: map[string]any{
			"session_id": sessionID,
			"messages":   count,
			"bypass":     bypass,
		},
	})
}

func lastN(msgs []memory.LogEvent, n int) []memory.LogEvent {
	if len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func materialize(msgs []memory.LogEvent) []ContextMessage {
	out := make([]ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toContextMessage(m))
	}
	return out
}

func toContextMessage(m memory.LogEvent) ContextMessage {
	return ContextMessage{
		Role:      m.Role,
		Content:   m.Content,
		Name:      m.Name,
		Timestamp: m.Timestamp,
	}
}
