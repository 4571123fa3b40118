// Package llm provides the model client used for best-effort
// enrichment calls (keyword extraction, session titling).
package llm

import "context"

// Message represents a chat message for the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a model call.
type ChatResponse struct {
	Model   string
	Message Message

	InputTokens  int
	OutputTokens int
}

// Client is the interface all model providers implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
