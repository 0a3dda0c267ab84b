package provider

import (
	"strings"
	"testing"
)

func TestBuildPromptLanguages(t *testing.T) {
	tests := []struct {
		name       string
		lang       string
		wantSystem string
	}{
		{"english", "en", "You are a Text Assistant"},
		{"german", "de", "Sie sind ein Textassistent"},
		{"swiss german", "de-CH", "Schweizer Hochdeutsch"},
		{"unknown falls back to english", "fr", "You are a Text Assistant"},
		{"empty falls back to english", "", "You are a Text Assistant"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			system, messages := BuildPrompt(tt.lang, "hello", "", "")
			if !strings.Contains(system, tt.wantSystem) {
				t.Fatalf("system = %q, want it to contain %q", system, tt.wantSystem)
			}
			if len(messages) != 1 {
				t.Fatalf("messages = %d, want 1", len(messages))
			}
			if !strings.Contains(messages[0].Content, "hello") {
				t.Fatalf("user message %q missing the text", messages[0].Content)
			}
		})
	}
}

func TestBuildPromptOptionalMessages(t *testing.T) {
	_, messages := BuildPrompt("en", "fix me", "keep it formal", "a business letter")
	if len(messages) != 3 {
		t.Fatalf("messages = %d, want text + context + custom", len(messages))
	}
	if !strings.Contains(messages[1].Content, "a business letter") {
		t.Fatalf("context message = %q", messages[1].Content)
	}
	if !strings.Contains(messages[2].Content, "keep it formal") {
		t.Fatalf("custom message = %q", messages[2].Content)
	}

	// Whitespace-only extras are dropped.
	_, messages = BuildPrompt("en", "fix me", "   ", "\n")
	if len(messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(messages))
	}
}

func TestBuildPromptSwissGermanUsesGermanTemplates(t *testing.T) {
	_, messages := BuildPrompt("de-ch", "text", "", "")
	if !strings.Contains(messages[0].Content, "Zu korrigierender Text") {
		t.Fatalf("de-ch user message %q should use the German template", messages[0].Content)
	}
}
