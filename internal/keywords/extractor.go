// Package keywords derives keyword annotations for log events and
// sessions. The primary extraction path is an instruction-following
// model call; every failure mode (timeout, malformed output, empty
// result) falls back to a deterministic tokenizer, so extraction never
// fails and never blocks a chat turn.
package keywords

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/loomchat/loom/internal/llm"
	"github.com/loomchat/loom/internal/metrics"
)

const extractPrompt = `Extract the most important keywords from the text below.
Respond with ONLY a JSON array of lowercase keyword strings, nothing else.
Keep multi-character CJK terms intact. Limit to 12 keywords.

Text:
`

// Extractor derives keywords from text. A nil model client is valid and
// routes every call straight to the fallback tokenizer.
type Extractor struct {
	client  llm.Client
	model   string
	logger  *slog.Logger
	timeout time.Duration
}

// NewExtractor creates a keyword extractor. client may be nil to run
// fallback-only (no model configured).
func NewExtractor(client llm.Client, model string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		client:  client,
		model:   model,
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// SetTimeout configures the model call timeout for extraction.
func (e *Extractor) SetTimeout(d time.Duration) {
	e.timeout = d
}

// Extract returns a deduplicated keyword list for text. It never
// returns an error: model failures are logged and replaced with the
// deterministic fallback.
func (e *Extractor) Extract(ctx context.Context, text string) []string {
	if strings.TrimSpace(text) == "" {
		return []string{}
	}
	if e.client == nil || e.model == "" {
		return Fallback(text)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Chat(ctx, e.model, []llm.Message{
		{Role: "user", Content: extractPrompt + text},
	})
	if err != nil {
		e.logger.Warn("keyword extraction model call failed, using fallback", "error", err)
		metrics.ExtractorFallbacks.Inc()
		return Fallback(text)
	}

	kws := parseKeywordResponse(resp.Message.Content)
	if len(kws) == 0 {
		e.logger.Debug("keyword extraction returned nothing usable, using fallback")
		metrics.ExtractorFallbacks.Inc()
		return Fallback(text)
	}
	return kws
}

// parseKeywordResponse parses the model's JSON array response. Models
// frequently wrap JSON in markdown code fences; strip them first.
func parseKeywordResponse(content string) []string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var raw []string
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil
	}

	seen := make(map[string]bool, len(raw))
	var out []string
	for _, kw := range raw {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || seen[kw] {
			continue
		}
		seen[kw] = true
		out = append(out, kw)
	}
	return out
}
