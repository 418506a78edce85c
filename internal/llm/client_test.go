package llm

import (
	"context"
	"testing"
)

func TestModelNameForProvider(t *testing.T) {
	tests := []struct {
		provider string
		model    string
		want     string
	}{
		{"google", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
		{"anthropic", "claude-sonnet-4-5", "anthropic/claude-sonnet-4-5"},
		{"openai", "gpt-4o", "openai/gpt-4o"},
		{"openai_compatible", "mistral-large", "mistral-large"},
		{"", "gemini-2.5-flash", "googleai/gemini-2.5-flash"},
	}
	for _, tt := range tests {
		if got := modelNameForProvider(tt.provider, tt.model); got != tt.want {
			t.Errorf("modelNameForProvider(%q, %q) = %q, want %q", tt.provider, tt.model, got, tt.want)
		}
	}
}

func TestComplete_OfflineFallback(t *testing.T) {
	// No API key: the client must still complete deterministically.
	c := NewGenkitClient(context.Background(), Config{Provider: "google"}, nil)

	resp, err := c.Complete(context.Background(), Request{
		Model:  "gemini-2.5-flash",
		System: "You describe pictures.",
		Prompt: "Describe a red boat on a lake.",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text == "" {
		t.Fatal("expected fallback text")
	}
	if resp.TokensIn == 0 || resp.TokensOut == 0 {
		t.Fatalf("expected estimated token counts, got in=%d out=%d", resp.TokensIn, resp.TokensOut)
	}
}

func TestComplete_RejectsEmptyInput(t *testing.T) {
	c := NewGenkitClient(context.Background(), Config{Provider: "google"}, nil)

	if _, err := c.Complete(context.Background(), Request{Model: "m"}); err == nil {
		t.Fatal("expected error for empty prompt")
	}
	if _, err := c.Complete(context.Background(), Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error for empty model")
	}
}
