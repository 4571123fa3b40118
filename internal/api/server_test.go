package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/loomchat/loom/internal/checkpoint"
	"github.com/loomchat/loom/internal/conversation"
	"github.com/loomchat/loom/internal/events"
	"github.com/loomchat/loom/internal/keywords"
	"github.com/loomchat/loom/internal/memory"
	"github.com/loomchat/loom/internal/window"
)

// setupServer wires a full in-memory service graph behind the mux.
func setupServer(t *testing.T) (*Server, *memory.SQLiteStore, *checkpoint.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := memory.NewSQLiteStoreDB(db)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	checkpoints, err := checkpoint.NewStore(db)
	if err != nil {
		t.Fatalf("checkpoint store: %v", err)
	}

	bus := events.New()
	service := conversation.New(checkpoints, store, bus, nil)
	retriever := window.NewRetriever(store, bus, nil)

	srv := NewServer("", 0, service, retriever, bus, nil)
	srv.SetIndexer(keywords.NewIndexer(store, keywords.NewExtractor(nil, "", nil), bus, nil))
	return srv, store, checkpoints
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestHealthAndVersion(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, "GET", "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}

	rec = doRequest(t, srv, "GET", "/api/version", "")
	var info map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if info["version"] == "" {
		t.Error("version missing from response")
	}
}

func TestMessageAppendAndHistory(t *testing.T) {
	srv, _, checkpoints := setupServer(t)

	rec := doRequest(t, srv, "POST", "/api/sessions/s1/messages",
		`{"role": "user", "content": "turn on the kitchen light"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("append status = %d, body = %s", rec.Code, rec.Body.String())
	}

	// History needs a checkpoint; the log alone derives nothing.
	err := checkpoints.Put(&checkpoint.Snapshot{
		SessionID: "s1",
		TS:        1000,
		Entries: []checkpoint.TurnEntry{
			{Kind: checkpoint.KindHuman, Content: "turn on the kitchen light"},
			{Kind: checkpoint.KindAI, Content: "Done."},
		},
	})
	if err != nil {
		t.Fatalf("put snapshot: %v", err)
	}

	rec = doRequest(t, srv, "GET", "/api/sessions/s1/history", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var resp struct {
		Messages []map[string]any `json:"messages"`
		Count    int              `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("history count = %d, want 2", resp.Count)
	}
}

func TestCheckpointPutEndpoint(t *testing.T) {
	srv, _, checkpoints := setupServer(t)

	// The runtime delivers its snapshot over HTTP; nothing else writes
	// the checkpoint table in serve mode.
	rec := doRequest(t, srv, "PUT", "/api/sessions/s1/checkpoint",
		`{"ts": 1000, "entries": [
			{"kind": "human", "content": "turn on the kitchen light"},
			{"kind": "ai", "content": "Done."}
		]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("checkpoint put status = %d, body = %s", rec.Code, rec.Body.String())
	}

	snap, err := checkpoints.Latest("s1")
	if err != nil || snap == nil {
		t.Fatalf("snapshot not stored via endpoint: %v", err)
	}
	if len(snap.Entries) != 2 {
		t.Errorf("stored entries = %d, want 2", len(snap.Entries))
	}

	rec = doRequest(t, srv, "GET", "/api/sessions/s1/history", "")
	var resp struct {
		Count int `json:"count"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 2 {
		t.Errorf("history count after checkpoint put = %d, want 2", resp.Count)
	}

	// Session is listable before any log write.
	rec = doRequest(t, srv, "GET", "/api/sessions/s1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("session get after checkpoint put status = %d", rec.Code)
	}
}

func TestCheckpointPut_RejectsBadBody(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, "PUT", "/api/sessions/s1/checkpoint", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMessageAppend_RequiresRole(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, "POST", "/api/sessions/s1/messages", `{"content": "no role"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMessageDelete(t *testing.T) {
	srv, _, checkpoints := setupServer(t)
	checkpoints.Put(&checkpoint.Snapshot{
		SessionID: "s1", TS: 1000,
		Entries: []checkpoint.TurnEntry{
			{Kind: checkpoint.KindHuman, Content: "one"},
			{Kind: checkpoint.KindAI, Content: "two"},
		},
	})

	rec := doRequest(t, srv, "DELETE", "/api/sessions/s1/messages/1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, "GET", "/api/sessions/s1/history", "")
	var resp struct {
		Count int `json:"count"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 1 {
		t.Errorf("history count after delete = %d, want 1", resp.Count)
	}

	rec = doRequest(t, srv, "DELETE", "/api/sessions/s1/messages/9", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("out-of-range delete status = %d, want 404", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	srv, store, _ := setupServer(t)
	store.Append(memory.LogEvent{SessionID: "s1", Role: "user", Content: "hi"})

	rec := doRequest(t, srv, "GET", "/api/sessions", "")
	var list struct {
		Count int `json:"count"`
	}
	json.NewDecoder(rec.Body).Decode(&list)
	if list.Count != 1 {
		t.Errorf("session count = %d, want 1", list.Count)
	}

	rec = doRequest(t, srv, "GET", "/api/sessions/s1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("session get status = %d", rec.Code)
	}

	rec = doRequest(t, srv, "GET", "/api/sessions/unknown", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", rec.Code)
	}

	rec = doRequest(t, srv, "DELETE", "/api/sessions/s1", "")
	if rec.Code != http.StatusOK {
		t.Errorf("clear status = %d", rec.Code)
	}
	if len(store.Events("s1")) != 0 {
		t.Error("events survived session clear")
	}
}

func TestWindowAndContextEndpoints(t *testing.T) {
	srv, store, _ := setupServer(t)
	for i := 0; i < 10; i++ {
		store.Append(memory.LogEvent{SessionID: "s1", Role: "user", Content: "hello"})
	}

	rec := doRequest(t, srv, "GET", "/api/sessions/s1/window?q=anything", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("window status = %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 10 {
		t.Errorf("short-session window count = %d, want 10", resp.Count)
	}

	rec = doRequest(t, srv, "GET", "/api/sessions/s1/context", "")
	if rec.Code != http.StatusOK {
		t.Errorf("context status = %d", rec.Code)
	}
}

func TestWindowKeywordsParam(t *testing.T) {
	srv, store, _ := setupServer(t)
	for i := 0; i < 40; i++ {
		ev := memory.LogEvent{SessionID: "s1", Role: "user", Content: "filler"}
		if i == 10 {
			ev.Keywords = []string{"alpha"}
		}
		store.Append(ev)
	}

	rec := doRequest(t, srv, "GET", "/api/sessions/s1/window?keywords=alpha&window_size=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("window status = %d", rec.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 3 {
		t.Errorf("keyword window count = %d, want 3", resp.Count)
	}

	// q stays as a short alias.
	rec = doRequest(t, srv, "GET", "/api/sessions/s1/window?q=alpha&window_size=1", "")
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Count != 3 {
		t.Errorf("alias window count = %d, want 3", resp.Count)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	srv, _, checkpoints := setupServer(t)
	checkpoints.Put(&checkpoint.Snapshot{
		SessionID: "s1", TS: 1000,
		Entries: []checkpoint.TurnEntry{
			{Kind: checkpoint.KindHuman, Content: "hello **world**"},
		},
	})

	rec := doRequest(t, srv, "GET", "/api/sessions/s1/transcript", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("transcript status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("content type = %q", ct)
	}

	rec = doRequest(t, srv, "GET", "/api/sessions/s1/transcript?format=html", "")
	if !strings.Contains(rec.Body.String(), "<strong>world</strong>") {
		t.Errorf("markdown not rendered to HTML: %s", rec.Body.String())
	}
}

func TestReindexEndpoint(t *testing.T) {
	srv, store, _ := setupServer(t)
	store.Append(memory.LogEvent{SessionID: "s1", Role: "user", Content: "kitchen light"})

	rec := doRequest(t, srv, "POST", "/api/sessions/s1/reindex", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("reindex status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		EventsIndexed int `json:"events_indexed"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.EventsIndexed != 1 {
		t.Errorf("events_indexed = %d, want 1", resp.EventsIndexed)
	}

	missing := store.EventsMissingKeywords("s1")
	if len(missing) != 0 {
		t.Error("event still missing keywords after reindex")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)

	rec := doRequest(t, srv, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("prometheus output missing standard collectors")
	}
}
