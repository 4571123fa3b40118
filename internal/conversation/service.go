// Package conversation exposes the reconciled view of a session: full
// history for the read surface, soft deletion, and the serving-layer
// append path.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/checkpoint"
	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/fingerprint"
	"github.com/loomchat/loom/internal/memory"
	"github.com/loomchat/loom/internal/metrics"
	"github.com/loomchat/loom/internal/reconcile"
)

// CheckpointStore is the checkpoint surface the service needs.
// Implemented by checkpoint.Store.
type CheckpointStore interface {
	checkpoint.Reader
	Put(snap *checkpoint.Snapshot) error
	Delete(sessionID string) error
}

// HistoryOptions filters a history read.
type HistoryOptions struct {
	// Limit keeps only the last N messages when positive.
	Limit int

	// ExcludeRoles drops messages with any of these roles.
	ExcludeRoles []string
}

// Service builds canonical conversation views by reconciling the agent
// runtime's checkpoint with the serving layer's message log. All read
// paths degrade rather than fail: a session with no checkpoint, no log,
// or a broken store read yields an empty history, never an error.
type Service struct {
	checkpoints CheckpointStore
	store       *memory.SQLiteStore
	bus         *events.Bus
	logger      *slog.Logger
}

// New creates a conversation service.
func New(checkpoints CheckpointStore, store *memory.SQLiteStore, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		checkpoints: checkpoints,
		store:       store,
		bus:         bus,
		logger:      logger,
	}
}

// History returns the reconciled, deletion-filtered message list for a
// session. Messages whose fingerprint is in the session's deletion set
// are hidden; Limit and ExcludeRoles apply after that filter so clients
// get the number of visible messages they asked for.
func (s *Service) History(ctx context.Context, sessionID string, opts HistoryOptions) []reconcile.Message {
	start := time.Now()

	msgs := s.visible(sessionID)

	if len(opts.ExcludeRoles) > 0 {
		excluded := make(map[string]bool, len(opts.ExcludeRoles))
		for _, r := range opts.ExcludeRoles {
			excluded[r] = true
		}
		filtered := msgs[:0:0]
		for _, m := range msgs {
			if !excluded[m.Role] {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}
	if msgs == nil {
		msgs = []reconcile.Message{}
	}

	outcome := "ok"
	if len(msgs) == 0 {
		outcome = "empty"
	}
	metrics.ReconcileRuns.WithLabelValues(outcome).Inc()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())

	s.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceReconciler,
		Kind:      events.KindHistoryBuilt,
		Data: map[string]any{
			"session_id": sessionID,
			"messages":   len(msgs),
			"elapsed_ms": time.Since(start).Milliseconds(),
		},
	})

	return msgs
}

// Delete hides the message at position in the visible history (the
// list History returns with no limit or role filter) by recording its
// fingerprint in the session's deletion set. The log itself is never
// rewritten.
func (s *Service) Delete(ctx context.Context, sessionID string, position int) error {
	full := s.reconciled(sessionID)
	deleted := s.store.DeletedFingerprints(sessionID)

	visible := 0
	for i, m := range full {
		fp := fingerprint.Digest(sessionID, m, i)
		if _, gone := deleted[fp]; gone {
			continue
		}
		if visible == position {
			if err := s.store.AddDeletedFingerprint(sessionID, fp); err != nil {
				return err
			}
			s.bus.Publish(events.Event{
				Timestamp: time.Now().UTC(),
				Source:    events.SourceLog,
				Kind:      events.KindMessageDeleted,
				Data: map[string]any{
					"session_id": sessionID,
					"position":   position,
				},
			})
			return nil
		}
		visible++
	}

	return fmt.Errorf("no message at position %d (session %s has %d visible messages)", position, sessionID, visible)
}

// ImportCheckpoint stores the agent runtime's latest snapshot for a
// session, replacing any previous one, and ensures the session record
// exists so the session shows up in listings before its first log
// write. This is the only path by which checkpoints enter the system;
// without it History derives nothing.
func (s *Service) ImportCheckpoint(ctx context.Context, sessionID string, ts int64, entries []checkpoint.TurnEntry) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	if err := s.checkpoints.Put(&checkpoint.Snapshot{
		SessionID: sessionID,
		TS:        ts,
		Entries:   entries,
	}); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	if _, err := s.store.GetOrCreateSession(sessionID); err != nil {
		s.logger.Warn("session record create failed after checkpoint store", "session", sessionID, "error", err)
	}

	metrics.CheckpointStores.Inc()
	s.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceCheckpoint,
		Kind:      events.KindCheckpointStored,
		Data: map[string]any{
			"session_id": sessionID,
			"entries":    len(entries),
		},
	})

	return nil
}

// Append records one serving-layer log event and publishes the write to
// the event bus. The caller is responsible for scheduling keyword
// enrichment afterward.
func (s *Service) Append(ctx context.Context, event memory.LogEvent) (memory.LogEvent, error) {
	stored, err := s.store.Append(event)
	if err != nil {
		return stored, err
	}

	metrics.LogAppends.WithLabelValues(stored.Role).Inc()
	s.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceLog,
		Kind:      events.KindMessageAppended,
		Data: map[string]any{
			"session_id": stored.SessionID,
			"role":       stored.Role,
			"event_id":   stored.ID,
		},
	})

	return stored, nil
}

// Session returns session bookkeeping, or nil when unknown.
func (s *Service) Session(sessionID string) *memory.Session {
	return s.store.GetSession(sessionID)
}

// Sessions lists sessions by most recent activity.
func (s *Service) Sessions(limit int) []*memory.Session {
	return s.store.ListSessions(limit)
}

// Clear removes a session entirely: log events, deletion fingerprints,
// session record, and checkpoint. The only destructive operation the
// service offers.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	if err := s.store.Clear(sessionID); err != nil {
		return fmt.Errorf("clear session store: %w", err)
	}
	if err := s.checkpoints.Delete(sessionID); err != nil {
		return fmt.Errorf("clear checkpoint: %w", err)
	}
	return nil
}

// TranscriptMarkdown renders the visible history as a markdown
// transcript for export and the debug UI.
func (s *Service) TranscriptMarkdown(ctx context.Context, sessionID string) string {
	msgs := s.History(ctx, sessionID, HistoryOptions{})

	var b strings.Builder
	title := sessionID
	if sess := s.store.GetSession(sessionID); sess != nil && sess.Title != "" {
		title = sess.Title
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	for _, m := range msgs {
		ts := time.UnixMilli(m.Timestamp).UTC().Format("2006-01-02 15:04:05")
		fmt.Fprintf(&b, "## %s (%s)\n\n", m.Role, ts)
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n\n")
		}
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "- tool call `%s` (%s)\n", tc.Name, tc.ID)
		}
		for _, tr := range m.ToolResults {
			out := tr.Output
			if len(out) > 200 {
				out = out[:200] + "…"
			}
			fmt.Fprintf(&b, "- tool result `%s`: %s\n", tr.Name, out)
		}
		if len(m.ToolCalls) > 0 || len(m.ToolResults) > 0 {
			b.WriteString("\n")
		}
	}

	return b.String()
}

// visible is the reconciled list minus soft-deleted messages.
func (s *Service) visible(sessionID string) []reconcile.Message {
	full := s.reconciled(sessionID)
	deleted := s.store.DeletedFingerprints(sessionID)
	if len(deleted) == 0 {
		return full
	}

	out := full[:0:0]
	for i, m := range full {
		if _, gone := deleted[fingerprint.Digest(sessionID, m, i)]; gone {
			continue
		}
		out = append(out, m)
	}
	return out
}

// reconciled merges checkpoint and log with no filtering. A checkpoint
// read failure is logged and treated as "no checkpoint"; the history
// path never fails a request over it.
func (s *Service) reconciled(sessionID string) []reconcile.Message {
	snap, err := s.checkpoints.Latest(sessionID)
	if err != nil {
		s.logger.Warn("checkpoint read failed, reconciling without snapshot",
			"session", sessionID, "error", err)
		snap = nil
	}

	logEvents := s.store.Events(sessionID)
	return reconcile.Reconcile(snap, logEvents, reconcile.Options{})
}
