package anthropic

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

// Client streams messages from the Anthropic API (Claude).
type Client struct {
	apiKey     string
	baseURL    string
	version    string
	maxTokens  int
	httpClient *http.Client
}

// Config holds configuration for the Anthropic client.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Version        string // optional, defaults to 2023-06-01
	MaxTokens      int    // optional, defaults to 4096
	RequestTimeout time.Duration
}

// New creates an Anthropic Client instance.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key required")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}

	return &Client{
		apiKey:    cfg.APIKey,
		baseURL:   baseURL,
		version:   version,
		maxTokens: maxTokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// StreamCompletion sends a streaming request to the Messages API and
// converts SSE events into provider events. Anthropic reports input tokens
// on message_start and output tokens on message_delta; both are surfaced as
// a single Usage event at stream end.
func (c *Client) StreamCompletion(ctx context.Context, req provider.CompletionRequest) (<-chan provider.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: no messages provided")
	}

	payload := map[string]interface{}{
		"model":      req.Model,
		"messages":   req.Messages,
		"max_tokens": c.maxTokens,
		"stream":     true,
	}
	if req.System != "" {
		payload["system"] = req.System
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", c.version)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: send request: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("anthropic: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	ch := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		usage := provider.Usage{}
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "" || data == "{}" {
				continue
			}

			var evt streamEvent
			if err := json.Unmarshal([]byte(data), &evt); err != nil {
				ch <- provider.StreamEvent{Err: fmt.Errorf("anthropic: parse stream: %w", err)}
				return
			}

			switch evt.Type {
			case "message_start":
				usage.InputTokens = evt.Message.Usage.InputTokens
			case "content_block_delta":
				if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
					ch <- provider.StreamEvent{Delta: evt.Delta.Text}
				}
			case "message_delta":
				if evt.Usage.OutputTokens > 0 {
					usage.OutputTokens = evt.Usage.OutputTokens
				}
			case "message_stop":
				if usage.InputTokens > 0 || usage.OutputTokens > 0 {
					u := usage
					ch <- provider.StreamEvent{Usage: &u}
				}
				return
			case "error":
				ch <- provider.StreamEvent{Err: fmt.Errorf("anthropic: %s (type=%s)", evt.Error.Message, evt.Error.Type)}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			ch <- provider.StreamEvent{Err: fmt.Errorf("anthropic: read stream: %w", err)}
		}
	}()

	return ch, nil
}
