package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"

	"github.com/loomchat/loom/internal/checkpoint"
	"github.com/loomchat/loom/internal/conversation"
	"github.com/loomchat/loom/internal/memory"
	"github.com/loomchat/loom/internal/window"
)

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 50)
	sessions := s.service.Sessions(limit)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	}, s.logger)
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess := s.service.Session(id)
	if sess == nil {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, sess, s.logger)
}

func (s *Server) handleSessionClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.service.Clear(r.Context(), id); err != nil {
		s.logger.Error("session clear failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "clear failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "cleared", "session_id": id}, s.logger)
}

// handleHistory returns the reconciled history for a session. Query
// params: limit (last N messages), exclude_roles (comma-separated).
// Positions used by the delete endpoint refer to the unfiltered list,
// so clients that plan to delete should fetch without limit or
// exclusions.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opts := conversation.HistoryOptions{
		Limit:        intQuery(r, "limit", 0),
		ExcludeRoles: csvQuery(r, "exclude_roles"),
	}

	msgs := s.service.History(r.Context(), id, opts)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": id,
		"messages":   msgs,
		"count":      len(msgs),
	}, s.logger)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	md := s.service.TranscriptMarkdown(r.Context(), id)

	if r.URL.Query().Get("format") == "html" {
		var buf bytes.Buffer
		if err := goldmark.Convert([]byte(md), &buf); err != nil {
			s.logger.Error("transcript render failed", "session", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "render failed")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(buf.Bytes())
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(md))
}

// handleWindow runs keyword-window retrieval. Query params: keywords
// (comma-separated, defaults to the session's own keywords; q is a
// short alias), match_all, window_size, max_messages.
func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	query := csvQuery(r, "keywords")
	if query == nil {
		query = csvQuery(r, "q")
	}
	opts := window.Options{
		Keywords:    query,
		MatchAll:    r.URL.Query().Get("match_all") == "true",
		WindowSize:  intQuery(r, "window_size", s.defaultWindowSize),
		MaxMessages: intQuery(r, "max_messages", s.defaultMaxMessages),
	}

	msgs := s.retriever.Window(r.Context(), id, opts)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": id,
		"messages":   msgs,
		"count":      len(msgs),
	}, s.logger)
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs := s.retriever.ComposeContext(r.Context(), id)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"session_id": id,
		"messages":   msgs,
		"count":      len(msgs),
	}, s.logger)
}

// checkpointRequest is the body for PUT /api/sessions/{id}/checkpoint:
// the agent runtime's latest snapshot, replacing any previous one for
// the session. TS is unix milliseconds for the whole snapshot.
type checkpointRequest struct {
	TS      int64                  `json:"ts"`
	Entries []checkpoint.TurnEntry `json:"entries"`
}

func (s *Server) handleCheckpointPut(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req checkpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.service.ImportCheckpoint(r.Context(), id, req.TS, req.Entries); err != nil {
		s.logger.Error("checkpoint store failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "checkpoint store failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":     "stored",
		"session_id": id,
		"entries":    len(req.Entries),
	}, s.logger)
}

// appendRequest is the body for POST /api/sessions/{id}/messages.
type appendRequest struct {
	Role        string              `json:"role"`
	Content     string              `json:"content"`
	Name        string              `json:"name,omitempty"`
	ToolCalls   []memory.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []memory.ToolResult `json:"tool_results,omitempty"`
	Parts       []memory.Part       `json:"parts,omitempty"`
}

func (s *Server) handleMessageAppend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req appendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		s.errorResponse(w, http.StatusBadRequest, "role is required")
		return
	}

	stored, err := s.service.Append(r.Context(), memory.LogEvent{
		SessionID:   id,
		Role:        req.Role,
		Content:     req.Content,
		Name:        req.Name,
		ToolCalls:   req.ToolCalls,
		ToolResults: req.ToolResults,
		Parts:       req.Parts,
	})
	if err != nil {
		s.logger.Error("message append failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "append failed")
		return
	}

	if s.indexer != nil {
		s.indexer.Enqueue(id)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, stored, s.logger)
}

func (s *Server) handleMessageDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	position, err := strconv.Atoi(r.PathValue("position"))
	if err != nil || position < 0 {
		s.errorResponse(w, http.StatusBadRequest, "invalid position")
		return
	}

	if err := s.service.Delete(r.Context(), id, position); err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":     "deleted",
		"session_id": id,
		"position":   position,
	}, s.logger)
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.indexer == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "indexer not configured")
		return
	}

	indexed, err := s.indexer.ReindexSession(r.Context(), id)
	if err != nil {
		s.logger.Error("reindex failed", "session", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reindex failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":         "ok",
		"session_id":     id,
		"events_indexed": indexed,
	}, s.logger)
}

func intQuery(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func csvQuery(r *http.Request, key string) []string {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
