// Package reconcile merges the agent runtime's checkpoint snapshot with
// the serving layer's append-only message log into one canonical,
// deduplicated, strictly ordered message list.
//
// The two sources are imperfect in complementary ways: the checkpoint
// captures full turn-by-turn state (including tool invocations) but
// carries only one timestamp per snapshot and may batch several logical
// assistant turns together; the log has exact per-event ordering but may
// be incomplete after a writer crash or race with the checkpoint.
// Reconcile is a pure function over both: same inputs, same output,
// always.
package reconcile

import (
	"sort"
	"strings"

	"github.com/loomchat/loom/internal/checkpoint"
	"github.com/loomchat/loom/internal/memory"
)

// Message is a canonical reconciled conversation message. Derived, never
// stored. Timestamp is unix milliseconds and may be synthetic: entries
// flattened from a snapshot get snapshot.TS plus their position, which
// restores the relative order the snapshot's single coarse timestamp
// lost.
type Message struct {
	Role        string              `json:"role"`
	Content     string              `json:"content"`
	Name        string              `json:"name,omitempty"`
	ToolCalls   []memory.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []memory.ToolResult `json:"tool_results,omitempty"`
	Parts       []memory.Part       `json:"parts,omitempty"`
	Timestamp   int64               `json:"timestamp"`
}

// Options controls the final filtering pass.
type Options struct {
	// Limit keeps only the last N messages when positive.
	Limit int

	// ExcludeRoles drops messages with any of these roles.
	ExcludeRoles []string
}

// Reconcile merges a checkpoint snapshot and the session's log events
// into an ordered message list. A nil snapshot yields an empty list; a
// session with no checkpoint has no derivable history. Malformed
// entries are coerced to safe defaults; Reconcile never fails.
func Reconcile(snap *checkpoint.Snapshot, events []memory.LogEvent, opts Options) []Message {
	if snap == nil {
		return []Message{}
	}

	msgs, pending := flatten(snap)
	resolvePending(msgs, pending)
	msgs = coalesceTurns(msgs)
	enrichFromLog(msgs, events)
	return finalize(msgs, opts)
}

// flatten walks the snapshot's ordered entries once, assigning each a
// synthetic timestamp of snapshot.TS plus its position. Tool entries are
// not emitted as messages: they appear in walk order after the
// assistant entry that requested them and must be reattached backward,
// so they are buffered by call id instead. Tool calls already buffered
// when an assistant entry arrives are paired immediately.
func flatten(snap *checkpoint.Snapshot) ([]Message, map[string]memory.ToolResult) {
	var msgs []Message
	pending := make(map[string]memory.ToolResult)

	for seq, entry := range snap.Entries {
		ts := snap.TS + int64(seq)

		switch entry.Kind {
		case checkpoint.KindHuman:
			msgs = append(msgs, Message{Role: "user", Content: entry.Content, Name: entry.Name, Timestamp: ts})

		case checkpoint.KindSystem:
			msgs = append(msgs, Message{Role: "system", Content: entry.Content, Timestamp: ts})

		case checkpoint.KindAI:
			m := Message{Role: "assistant", Content: entry.Content, Timestamp: ts}
			for _, tc := range entry.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, memory.ToolCall{
					ID:    tc.ID,
					Name:  tc.Name,
					Input: tc.Arguments(),
				})
			}
			for _, tc := range m.ToolCalls {
				if res, ok := pending[tc.ID]; ok {
					m.ToolResults = append(m.ToolResults, res)
					delete(pending, tc.ID)
				}
			}
			msgs = append(msgs, m)

		case checkpoint.KindTool:
			pending[entry.ToolCallID] = memory.ToolResult{
				ID:     entry.ToolCallID,
				Name:   entry.Name,
				Output: entry.Content,
			}
		}
		// Unknown kinds are skipped; their position still consumes a
		// sequence slot so surviving entries keep their relative order.
	}

	return msgs, pending
}

// resolvePending re-scans assistant messages after the full walk and
// attaches any tool results that arrived, in walk order, after the
// assistant entry that requested them. Results that match no call
// anywhere are dropped: they cannot be attached and are not themselves
// displayable messages.
func resolvePending(msgs []Message, pending map[string]memory.ToolResult) {
	for i := range msgs {
		if msgs[i].Role != "assistant" {
			continue
		}
		resolved := make(map[string]bool, len(msgs[i].ToolResults))
		for _, tr := range msgs[i].ToolResults {
			resolved[tr.ID] = true
		}
		for _, tc := range msgs[i].ToolCalls {
			if resolved[tc.ID] {
				continue
			}
			if res, ok := pending[tc.ID]; ok {
				msgs[i].ToolResults = append(msgs[i].ToolResults, res)
				resolved[tc.ID] = true
				delete(pending, tc.ID)
			}
		}
	}
}

// coalesceTurns groups runs of consecutive assistant messages into one
// logical message each. The runtime emits several AI chunks across a
// tool round-trip; they belong to a single assistant turn.
func coalesceTurns(msgs []Message) []Message {
	var out []Message
	for i := 0; i < len(msgs); {
		if msgs[i].Role != "assistant" {
			out = append(out, msgs[i])
			i++
			continue
		}
		j := i
		for j < len(msgs) && msgs[j].Role == "assistant" {
			j++
		}
		out = append(out, mergeAssistantRun(msgs[i:j]))
		i = j
	}
	return out
}

// mergeAssistantRun builds one message from a run of assistant chunks,
// preserving the original intra-turn order of text vs. tool-call vs.
// tool-result fragments in Parts. Tool calls and results are
// deduplicated by id across the whole run. The merged timestamp is the
// last chunk's.
func mergeAssistantRun(chunks []Message) Message {
	var parts []memory.Part
	var calls []memory.ToolCall
	var results []memory.ToolResult
	var texts []string
	seenCall := make(map[string]bool)
	seenResult := make(map[string]bool)

	for _, c := range chunks {
		if c.Content != "" {
			texts = append(texts, c.Content)
			parts = append(parts, memory.Part{Type: memory.PartText, Text: c.Content})
		}
		for _, tc := range c.ToolCalls {
			if seenCall[tc.ID] {
				continue
			}
			seenCall[tc.ID] = true
			calls = append(calls, tc)
			parts = append(parts, memory.Part{Type: memory.PartToolCall, ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		for _, tr := range c.ToolResults {
			if seenResult[tr.ID] {
				continue
			}
			seenResult[tr.ID] = true
			results = append(results, tr)
			parts = append(parts, memory.Part{Type: memory.PartToolResult, ID: tr.ID, Name: tr.Name, Output: tr.Output})
		}
	}

	var content string
	switch len(texts) {
	case 0:
	case 1:
		content = texts[0]
	default:
		content = strings.Join(texts, "\n\n")
	}

	return Message{
		Role:        "assistant",
		Content:     content,
		ToolCalls:   calls,
		ToolResults: results,
		Parts:       parts,
		Timestamp:   chunks[len(chunks)-1].Timestamp,
	}
}

// enrichFromLog pairs each reconciled assistant message with its stored
// log record by ordinal position: the k-th reconciled assistant message
// corresponds to the k-th stored assistant event, in emission order.
// Pairing by timestamp would be wrong: the snapshot's single coarse
// timestamp can collide with or postdate the log's real per-event
// timestamps, silently matching messages to the wrong records.
//
// A stored record with a non-empty parts sequence is authoritative and
// replaces the reconciled message's parts, tool calls, and tool results
// wholesale: the serving layer captures emission order (including
// results from calls delegated to sub-agents) that the checkpoint never
// sees. Records without parts merge additively.
func enrichFromLog(msgs []Message, events []memory.LogEvent) {
	var stored []memory.LogEvent
	for _, e := range events {
		if e.Role == "assistant" {
			stored = append(stored, e)
		}
	}

	k := 0
	for i := range msgs {
		if msgs[i].Role != "assistant" {
			continue
		}
		if k >= len(stored) {
			break
		}
		rec := stored[k]
		k++

		if len(rec.Parts) > 0 {
			msgs[i].Parts = append([]memory.Part(nil), rec.Parts...)
			msgs[i].ToolCalls = nil
			msgs[i].ToolResults = nil
			for _, p := range rec.Parts {
				switch p.Type {
				case memory.PartToolCall:
					msgs[i].ToolCalls = append(msgs[i].ToolCalls, memory.ToolCall{ID: p.ID, Name: p.Name, Input: p.Input})
				case memory.PartToolResult:
					msgs[i].ToolResults = append(msgs[i].ToolResults, memory.ToolResult{ID: p.ID, Name: p.Name, Output: p.Output})
				}
			}
			continue
		}

		haveCall := make(map[string]bool, len(msgs[i].ToolCalls))
		for _, tc := range msgs[i].ToolCalls {
			haveCall[tc.ID] = true
		}
		haveResult := make(map[string]bool, len(msgs[i].ToolResults))
		for _, tr := range msgs[i].ToolResults {
			haveResult[tr.ID] = true
		}

		for _, tc := range rec.ToolCalls {
			if haveCall[tc.ID] {
				continue
			}
			haveCall[tc.ID] = true
			msgs[i].ToolCalls = append(msgs[i].ToolCalls, tc)
			msgs[i].Parts = append(msgs[i].Parts, memory.Part{Type: memory.PartToolCall, ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		for _, tr := range rec.ToolResults {
			if haveResult[tr.ID] {
				continue
			}
			haveResult[tr.ID] = true
			msgs[i].ToolResults = append(msgs[i].ToolResults, tr)
			msgs[i].Parts = append(msgs[i].Parts, memory.Part{Type: memory.PartToolResult, ID: tr.ID, Name: tr.Name, Output: tr.Output})
		}
	}
}

// finalize applies the role-exclusion filter, sorts by timestamp
// (stable, so ties keep their relative order), and trims to the last
// Limit entries when requested.
func finalize(msgs []Message, opts Options) []Message {
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

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp < msgs[j].Timestamp
	})

	if opts.Limit > 0 && len(msgs) > opts.Limit {
		msgs = msgs[len(msgs)-opts.Limit:]
	}

	if msgs == nil {
		return []Message{}
	}
	return msgs
}
