package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/textpolish/textpolish/internal/provider"
)

// Ensure Client implements ChatClient.
var _ provider.ChatClient = (*Client)(nil)

// Client echoes the text to correct back to the caller in small chunks.
// Used for local development and pipeline tests without provider cost.
type Client struct{}

// New creates a loopback Client instance.
func New() *Client {
	return &Client{}
}

// StreamCompletion fabricates a deterministic stream from the first user
// message, with estimated token usage reported at the end.
func (c *Client) StreamCompletion(ctx context.Context, req provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("loopback: no messages provided")
	}

	text := req.Messages[0].Content
	// Strip the instruction scaffolding so only the user text echoes back.
	if i := strings.Index(text, ":\n"); i >= 0 {
		text = text[i+2:]
	}

	inputTokens := provider.EstimatePromptTokens(req.System, req.Messages)
	outputTokens := provider.EstimateTokens(text)

	ch := make(chan provider.StreamEvent, 4)
	go func() {
		defer close(ch)
		const chunkSize = 16
		for i := 0; i < len(text); i += chunkSize {
			end := i + chunkSize
			if end > len(text) {
				end = len(text)
			}
			if err := ctx.Err(); err != nil {
				ch <- provider.StreamEvent{Err: err}
				return
			}
			select {
			case <-ctx.Done():
				ch <- provider.StreamEvent{Err: ctx.Err()}
				return
			case ch <- provider.StreamEvent{Delta: text[i:end]}:
			}
		}
		ch <- provider.StreamEvent{Usage: &provider.Usage{
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
		}}
	}()

	return ch, nil
}
