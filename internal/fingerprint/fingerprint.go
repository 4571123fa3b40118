// Package fingerprint produces stable digests identifying logical
// messages for soft-deletion tracking. Recording a fingerprint hides a
// logically-equivalent message from every later view without mutating
// the append-only log.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/loomchat/loom/internal/reconcile"
)

// canonical is the digested form of a message. It deliberately contains
// only fields that are part of the logical message: timestamps are
// floored to the second (sub-second jitter between reconciliation runs
// must not change identity), and transport-level fields never appear.
type canonical struct {
	SessionID   string          `json:"session_id"`
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	ToolCalls   []canonicalCall `json:"tool_calls,omitempty"`
	ToolResults []canonicalRes  `json:"tool_results,omitempty"`
	Parts       []canonicalPart `json:"parts,omitempty"`
	TSFloor     int64           `json:"ts_floor_seconds"`
	Position    *int            `json:"position,omitempty"`
}

type canonicalCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

type canonicalRes struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Output string `json:"output,omitempty"`
}

type canonicalPart struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content,omitempty"`
}

// Digest returns a stable hex digest for a message. Pass position < 0
// when no position disambiguator is needed; a non-negative position is
// folded in to distinguish otherwise-identical repeated messages.
//
// Digest never fails: if the canonical form cannot be serialized (tool
// inputs can carry irregular values from upstream), it degrades to a
// deterministic string built from the session id, role, and a content
// prefix. Weaker, but still stable across runs.
func Digest(sessionID string, m reconcile.Message, position int) string {
	c := canonical{
		SessionID: sessionID,
		Role:      m.Role,
		Content:   m.Content,
		TSFloor:   m.Timestamp / 1000,
	}
	if position >= 0 {
		c.Position = &position
	}

	for _, tc := range m.ToolCalls {
		c.ToolCalls = append(c.ToolCalls, canonicalCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
	}
	for _, tr := range m.ToolResults {
		c.ToolResults = append(c.ToolResults, canonicalRes{ID: tr.ID, Name: tr.Name, Output: tr.Output})
	}
	for _, p := range m.Parts {
		cp := canonicalPart{Type: p.Type, ID: p.ID, Name: p.Name}
		switch p.Type {
		case "text":
			cp.Content = p.Text
		case "tool_result":
			cp.Content = p.Output
		}
		c.Parts = append(c.Parts, cp)
	}

	// encoding/json sorts map keys, so tool inputs serialize
	// deterministically.
	data, err := json.Marshal(c)
	if err != nil {
		return fallback(sessionID, m)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func fallback(sessionID string, m reconcile.Message) string {
	content := m.Content
	if len(content) > 64 {
		content = content[:64]
	}
	return fmt.Sprintf("degraded:%s:%s:%s", sessionID, m.Role, content)
}
