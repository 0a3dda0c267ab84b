package provider

import "context"

// Message is one chat message sent to the provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a provider-neutral streaming completion request.
// Model is the provider-side model name, not the public identifier.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []Message
}

// Usage carries the provider-reported token counts for a completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamEvent is one event on a completion stream. Exactly one of Delta,
// Usage or Err is meaningful per event; Usage arrives at most once, near the
// end of a successful stream.
type StreamEvent struct {
	Delta string
	Usage *Usage
	Err   error
}

// ChatClient streams text completions from an upstream model provider.
// The returned channel is closed when the stream ends; a non-nil Err event
// terminates the stream.
type ChatClient interface {
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}
