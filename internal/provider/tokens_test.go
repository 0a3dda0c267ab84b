package provider

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one char rounds up", "a", 1},
		{"exact boundary", "abcd", 1},
		{"five chars", "abcde", 2},
		{"hundred chars", strings.Repeat("x", 100), 25},
		{"hundred umlauts", strings.Repeat("ä", 100), 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Fatalf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimatePromptTokens(t *testing.T) {
	system := strings.Repeat("s", 40) // 10 tokens
	messages := []Message{
		{Role: "user", Content: strings.Repeat("a", 40)}, // 10 tokens
		{Role: "user", Content: strings.Repeat("b", 20)}, // 5 tokens
	}
	if got := EstimatePromptTokens(system, messages); got != 25 {
		t.Fatalf("EstimatePromptTokens = %d, want 25", got)
	}
}

func TestEstimateOutputTokensPadsInput(t *testing.T) {
	text := strings.Repeat("x", 400) // 100 input tokens
	if got := EstimateOutputTokens(text); got != 110 {
		t.Fatalf("EstimateOutputTokens = %d, want 110", got)
	}
	if EstimateOutputTokens("") != 0 {
		t.Fatal("empty text should estimate zero output")
	}
}
