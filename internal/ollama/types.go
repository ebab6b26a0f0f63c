// Package ollama implements the eino chat-model interface over a locally
// hosted Ollama server. Every request is self-contained: the server's own
// continuation-context handle is never sent and never kept, so the session
// store stays the only source of conversational memory.
package ollama

import "time"

// Default configuration values.
const (
	DefaultEndpoint = "http://localhost:11434"
	DefaultModel    = "phi4-mini"
	DefaultTimeout  = 90 * time.Second
)

// API endpoints.
const (
	EndpointTags = "/api/tags"
	EndpointChat = "/api/chat"
)

// Message roles accepted by the chat endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in a chat request or response.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options carries the sampling parameters for one request. Seed is always
// set by the client, fresh per call, so two identical prompts never return
// byte-identical output that could read as remembered context.
type Options struct {
	Seed        *int64   `json:"seed,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	NumPredict  *int     `json:"num_predict,omitempty"`
}

// ChatRequest is the body posted to /api/chat.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	Options  *Options  `json:"options,omitempty"`
}

// ChatResponse is one /api/chat response object; in streaming mode each
// NDJSON line decodes into one of these.
//
// The Context field is decoded only so it can be discarded: forwarding it
// back would let the backend chain state across calls behind the session
// store's back.
type ChatResponse struct {
	Model      string  `json:"model"`
	CreatedAt  string  `json:"created_at"`
	Message    Message `json:"message"`
	Done       bool    `json:"done"`
	DoneReason string  `json:"done_reason,omitempty"`
	Context    []int   `json:"context,omitempty"`

	TotalDuration int64 `json:"total_duration,omitempty"`
	EvalCount     int   `json:"eval_count,omitempty"`
}

// TagsResponse is the /api/tags listing, used to verify the server is up
// and the configured model is pulled.
type TagsResponse struct {
	Models []ModelInfo `json:"models"`
}

// ModelInfo describes one locally available model.
type ModelInfo struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
}
