// Package memory provides conversation message-log storage.
package memory

import (
	"time"
)

// Part types for the ordered intra-turn sequence on assistant events.
const (
	PartText       = "text"
	PartToolCall   = "tool_call"
	PartToolResult = "tool_result"
)

// ToolCall is a tool invocation requested by an assistant turn.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is the recorded output of a tool invocation.
type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
}

// Part is one element of an assistant turn's ordered fragment sequence.
// Exactly one of the type-specific field groups is populated, keyed by
// Type. The serving layer records parts in true emission order, which
// includes tool results from delegated sub-agent calls the agent
// runtime's checkpoint never sees.
type Part struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Output string         `json:"output,omitempty"`
}

// LogEvent is a single append-only message-log record, one per
// serving-layer write. Timestamp is unix milliseconds.
type LogEvent struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Role        string       `json:"role"` // system, user, assistant
	Content     string       `json:"content"`
	Name        string       `json:"name,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Parts       []Part       `json:"parts,omitempty"`
	Keywords    []string     `json:"keywords,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

// Session holds per-conversation bookkeeping. Title and Keywords are
// best-effort enrichments maintained by the background indexer.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Keywords  []string  `json:"keywords,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
