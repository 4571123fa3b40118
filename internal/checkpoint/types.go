// Package checkpoint reads and stores agent-runtime conversation
// snapshots. A snapshot is the runtime's latest turn-by-turn state for
// one session: coarse-grained (a single timestamp for the whole
// snapshot) and potentially batched, so reconstruction of relative
// order happens downstream in the reconciler.
package checkpoint

import "time"

// Entry kinds as recorded by the agent runtime.
const (
	KindHuman  = "human"
	KindSystem = "system"
	KindAI     = "ai"
	KindTool   = "tool"
)

// EntryToolCall is a tool invocation as the runtime records it. Older
// runtimes write the arguments under "args", newer ones under "input";
// both are accepted and normalized by the reconciler.
type EntryToolCall struct {
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Args  map[string]any `json:"args,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

// Arguments returns the call's argument map regardless of which field
// name the source representation used.
func (c EntryToolCall) Arguments() map[string]any {
	if c.Input != nil {
		return c.Input
	}
	return c.Args
}

// TurnEntry is one entry in a snapshot's ordered turn list.
type TurnEntry struct {
	Kind       string          `json:"kind"`
	Content    string          `json:"content"`
	ToolCalls  []EntryToolCall `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// Snapshot is the runtime's latest recorded state for a session. TS is
// unix milliseconds, one value for the entire snapshot. Only the
// latest snapshot per session is retained; there is no snapshot
// history.
type Snapshot struct {
	SessionID string      `json:"session_id"`
	TS        int64       `json:"ts"`
	Entries   []TurnEntry `json:"entries"`
	StoredAt  time.Time   `json:"stored_at"`
}

// Reader is the read side consumed by the reconciliation path.
type Reader interface {
	// Latest returns the newest snapshot for a session, or (nil, nil)
	// when the session has no checkpoint.
	Latest(sessionID string) (*Snapshot, error)
}
