// Package llm abstracts the chat provider used by job handlers.
//
// Provider failures are carried in the ChatResponse, mirroring the connector
// contract: a handler inspects ErrorMessage and Done, never a second error
// channel, so the dispatcher's outcome handling stays uniform.
package llm

import (
	"context"
	"encoding/json"
	"time"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tunes a single chat call.
type Options struct {
	// Model names the serving model, e.g. "qwen3:8b".
	Model string
	// Temperature of 0 keeps structured extraction near-deterministic.
	Temperature float64
	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
	// TimeoutSeconds bounds the call. Zero means the client default.
	TimeoutSeconds int
}

// ChatRequest is one structured-output chat exchange.
type ChatRequest struct {
	Messages []Message
	// OutputSchema is a JSON schema the provider constrains output to.
	// Nil means free-form text.
	OutputSchema json.RawMessage
	Options      Options
}

// ChatResponse is the provider's answer.
type ChatResponse struct {
	// Content is the assistant message body.
	Content string
	// RawResponse is the provider's full response body, persisted as the
	// response_json artifact.
	RawResponse []byte

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	Duration time.Duration

	// Done reports whether the provider finished the completion.
	Done bool

	ErrorMessage string
}

// OK reports a finished completion with no provider error.
func (r *ChatResponse) OK() bool {
	return r.ErrorMessage == "" && r.Done
}

// ModelInfo is provider metadata captured into run metrics.
type ModelInfo struct {
	Name          string `json:"name"`
	Digest        string `json:"digest,omitempty"`
	Family        string `json:"family,omitempty"`
	ParameterSize string `json:"parameter_size,omitempty"`
	Quantization  string `json:"quantization,omitempty"`
}

// Client is the chat provider contract.
type Client interface {
	// Chat performs one structured chat call.
	Chat(ctx context.Context, req ChatRequest) ChatResponse

	// ModelInfo fetches metadata for a model. Best effort; an error leaves
	// the run's metrics without model detail but never fails the run.
	ModelInfo(ctx context.Context, model string) (ModelInfo, error)
}
