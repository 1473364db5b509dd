package runner

import (
	"context"
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of an /api/chat call.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
}

// ChatResponse is the subset of the /api/chat reply the translator reads.
type ChatResponse struct {
	Model   string  `json:"model,omitempty"`
	Message Message `json:"message"`
	Done    bool    `json:"done,omitempty"`
}

// NetRunner represents a language model runner.
type NetRunner interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}
