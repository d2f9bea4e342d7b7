package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pithecene-io/seam/iox"
)

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	// BaseURL is the server root, e.g. "http://localhost:11434".
	BaseURL string `yaml:"base_url"`
	// DefaultModel serves jobs without a model hint.
	DefaultModel string `yaml:"default_model"`
	// TimeoutSeconds bounds each call. Zero means 120.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Validate checks the fields required to build a client.
func (c OllamaConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("llm base_url is required")
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("llm default_model is required")
	}
	return nil
}

// OllamaClient talks to an Ollama-compatible chat server.
type OllamaClient struct {
	cfg    OllamaConfig
	client *http.Client
}

// NewOllama builds a client from config.
func NewOllama(cfg OllamaConfig) (*OllamaClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OllamaClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []Message       `json:"messages"`
	Format   json.RawMessage `json:"format,omitempty"`
	Stream   bool            `json:"stream"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	Error           string `json:"error"`
}

// Chat implements Client.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) ChatResponse {
	model := req.Options.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}

	options := map[string]any{"temperature": req.Options.Temperature}
	if req.Options.MaxTokens > 0 {
		options["num_predict"] = req.Options.MaxTokens
	}
	payload, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Format:   req.OutputSchema,
		Stream:   false,
		Options:  options,
	})
	if err != nil {
		return ChatResponse{ErrorMessage: fmt.Sprintf("failed to encode chat request: %v", err)}
	}

	if req.Options.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Options.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	body, status, err := c.post(ctx, "/api/chat", payload)
	if err != nil {
		return ChatResponse{Duration: time.Since(start), ErrorMessage: fmt.Sprintf("chat call failed: %v", err)}
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ChatResponse{
			RawResponse:  body,
			Duration:     time.Since(start),
			ErrorMessage: fmt.Sprintf("failed to decode chat response: %v", err),
		}
	}

	resp := ChatResponse{
		Content:          parsed.Message.Content,
		RawResponse:      body,
		PromptTokens:     parsed.PromptEvalCount,
		CompletionTokens: parsed.EvalCount,
		TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		Duration:         time.Since(start),
		Done:             parsed.Done,
		ErrorMessage:     parsed.Error,
	}
	if status != http.StatusOK && resp.ErrorMessage == "" {
		resp.ErrorMessage = fmt.Sprintf("chat endpoint returned status %d", status)
	}
	return resp
}

type ollamaShowResponse struct {
	Details struct {
		Family            string `json:"family"`
		ParameterSize     string `json:"parameter_size"`
		QuantizationLevel string `json:"quantization_level"`
	} `json:"details"`
	Digest string `json:"digest"`
}

// ModelInfo implements Client.
func (c *OllamaClient) ModelInfo(ctx context.Context, model string) (ModelInfo, error) {
	if model == "" {
		model = c.cfg.DefaultModel
	}
	payload, err := json.Marshal(map[string]string{"model": model})
	if err != nil {
		return ModelInfo{}, fmt.Errorf("failed to encode show request: %w", err)
	}
	body, status, err := c.post(ctx, "/api/show", payload)
	if err != nil {
		return ModelInfo{}, fmt.Errorf("show call failed: %w", err)
	}
	if status != http.StatusOK {
		return ModelInfo{}, fmt.Errorf("show endpoint returned status %d", status)
	}
	var parsed ollamaShowResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ModelInfo{}, fmt.Errorf("failed to decode show response: %w", err)
	}
	return ModelInfo{
		Name:          model,
		Digest:        parsed.Digest,
		Family:        parsed.Details.Family,
		ParameterSize: parsed.Details.ParameterSize,
		Quantization:  parsed.Details.QuantizationLevel,
	}, nil
}

func (c *OllamaClient) post(ctx context.Context, path string, payload []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer iox.DiscardClose(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}

// Verify OllamaClient implements Client.
var _ Client = (*OllamaClient)(nil)
