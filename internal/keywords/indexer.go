package keywords

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/memory"
	"github.com/loomchat/loom/internal/metrics"
)

// aggregateRecentEvents is how many of the most recent events feed the
// session-level keyword aggregate.
const aggregateRecentEvents = 10

// Store is the storage surface the indexer needs. Implemented by
// memory.SQLiteStore.
type Store interface {
	EventsMissingKeywords(sessionID string) []memory.LogEvent
	SetEventKeywords(eventID string, keywords []string) error
	RecentEvents(sessionID string, n int) []memory.LogEvent
	SetSessionKeywords(sessionID string, keywords []string) error
}

// Indexer runs background keyword enrichment. Jobs are fire-and-forget:
// enqueued after each chat turn, never retried synchronously, and their
// failures are logged and swallowed. Work is a pure upsert of derived
// fields, so duplicate or concurrent runs only waste effort; they
// cannot corrupt state.
type Indexer struct {
	store     Store
	extractor *Extractor
	bus       *events.Bus
	logger    *slog.Logger

	queue chan string

	mu      sync.Mutex
	pending map[string]bool // sessions already queued, to collapse duplicates

	cancel context.CancelFunc
	done   chan struct{}
}

// NewIndexer creates a keyword indexer. Call Start to begin processing
// queued sessions; ReindexSession can also be invoked directly.
func NewIndexer(store Store, extractor *Extractor, bus *events.Bus, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		store:     store,
		extractor: extractor,
		bus:       bus,
		logger:    logger.With("component", "indexer"),
		queue:     make(chan string, 64),
		pending:   make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// Start begins the background worker goroutine.
func (ix *Indexer) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	ix.cancel = cancel
	go ix.run(workerCtx)
}

// Stop cancels the worker and waits for its goroutine to exit.
func (ix *Indexer) Stop() {
	if ix.cancel != nil {
		ix.cancel()
	}
	<-ix.done
}

// Enqueue schedules a session for reindexing. Non-blocking: if the
// queue is full the job is dropped; the next turn on that session will
// enqueue it again. Duplicate enqueues for a session already waiting
// are collapsed.
func (ix *Indexer) Enqueue(sessionID string) {
	ix.mu.Lock()
	if ix.pending[sessionID] {
		ix.mu.Unlock()
		return
	}
	ix.pending[sessionID] = true
	ix.mu.Unlock()

	select {
	case ix.queue <- sessionID:
	default:
		ix.mu.Lock()
		delete(ix.pending, sessionID)
		ix.mu.Unlock()
		ix.logger.Warn("reindex queue full, dropping job", "session", sessionID)
	}
}

func (ix *Indexer) run(ctx context.Context) {
	defer close(ix.done)

	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("indexer stopped")
			return
		case sessionID := <-ix.queue:
			ix.mu.Lock()
			delete(ix.pending, sessionID)
			ix.mu.Unlock()

			count, err := ix.ReindexSession(ctx, sessionID)
			if err != nil {
				// Background failures never propagate; the job is not retried.
				ix.logger.Warn("reindex failed", "session", sessionID, "error", err)
				metrics.ReindexJobs.WithLabelValues("error").Inc()
				continue
			}
			metrics.ReindexJobs.WithLabelValues("ok").Inc()
			if count > 0 {
				ix.logger.Debug("reindexed session", "session", sessionID, "events", count)
			}
		}
	}
}

// ReindexSession annotates all events of a session that are missing
// keywords, then recomputes the session-level aggregate from the most
// recent events. Returns the number of events annotated. Safe to run
// concurrently and redundantly.
func (ix *Indexer) ReindexSession(ctx context.Context, sessionID string) (int, error) {
	missing := ix.store.EventsMissingKeywords(sessionID)

	count := 0
	for _, event := range missing {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}

		kws := ix.extractor.Extract(ctx, event.Content)
		if err := ix.store.SetEventKeywords(event.ID, kws); err != nil {
			ix.logger.Warn("failed to persist event keywords",
				"session", sessionID, "event", event.ID, "error", err)
			continue
		}
		count++
	}

	// Session aggregate: extract over the concatenated content of the
	// most recent events so the session record reflects current topics.
	recent := ix.store.RecentEvents(sessionID, aggregateRecentEvents)
	if len(recent) > 0 {
		var b strings.Builder
		for _, event := range recent {
			if event.Content == "" {
				continue
			}
			b.WriteString(event.Content)
			b.WriteByte('\n')
		}
		aggregate := ix.extractor.Extract(ctx, b.String())
		if err := ix.store.SetSessionKeywords(sessionID, aggregate); err != nil {
			ix.logger.Warn("failed to persist session keywords",
				"session", sessionID, "error", err)
		}
	}

	ix.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceIndexer,
		Kind:      events.KindReindexComplete,
		Data: map[string]any{
			"session_id":     sessionID,
			"events_indexed": count,
		},
	})

	return count, nil
}
