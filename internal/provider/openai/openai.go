package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/textpolish/textpolish/internal/provider"
)

// Ensure Client implements ChatClient.
var _ provider.ChatClient = (*Client)(nil)

// Client streams chat completions from the OpenAI API.
type Client struct {
	apiKey     string
	baseURL    string
	org        string
	httpClient *http.Client
}

// Config holds configuration for the OpenAI client.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com/v1
	Organization   string
	RequestTimeout time.Duration
}

// New creates an OpenAI Client instance.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		org:     cfg.Organization,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// StreamCompletion sends a streaming chat completion request and converts
// SSE chunks into provider events. Final token usage is requested via
// stream_options so billing can use exact counts.
func (c *Client) StreamCompletion(ctx context.Context, req provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}

	messages := make([]provider.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, provider.Message{Role: "system", Content: req.System})
	}
	messages = append(messages, req.Messages...)

	payload := map[string]interface{}{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
		"stream_options": map[string]bool{
			"include_usage": true,
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.org != "" {
		httpReq.Header.Set("OpenAI-Organization", c.org)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai: send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("openai: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	ch := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "[DONE]" {
				continue
			}

			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				ch <- provider.StreamEvent{Err: fmt.Errorf("openai: parse stream: %w", err)}
				return
			}

			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				ch <- provider.StreamEvent{Delta: chunk.Choices[0].Delta.Content}
			}
			if chunk.Usage != nil {
				ch <- provider.StreamEvent{Usage: &provider.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}}
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- provider.StreamEvent{Err: fmt.Errorf("openai: read stream: %w", err)}
		}
	}()

	return ch, nil
}
