package model

import (
	"context"
	"strings"
)

// Request is a single text generation call.
type Request struct {
	// Model identifies which model to use (e.g. "gemini-2.0-flash"). Empty
	// selects the provider's default.
	Model string
	// SystemPrompt is sent as the system instruction.
	SystemPrompt string
	// Context is a transcript of earlier turns; it may be empty.
	Context string
	// Input is the (possibly enriched) user input.
	Input string

	Temperature float64
	MaxTokens   int
}

// Prompt joins the conversation context and the input into the user message
// sent to the model.
func (r Request) Prompt() string {
	if strings.TrimSpace(r.Context) == "" {
		return r.Input
	}
	return strings.TrimRight(r.Context, "\n") + "\n\n" + r.Input
}

// Provider represents a service that generates text with an LLM (e.g. Gemini, OpenAI).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini", "openai").
	Name() string

	// Generate runs one completion and returns the response text. Timeouts
	// are the caller's responsibility via ctx.
	Generate(ctx context.Context, req Request) (string, error)
}
