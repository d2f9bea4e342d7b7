package llm

import (
	"context"
	"sync"
	"time"
)

// StubClient is a test double returning scripted responses.
type StubClient struct {
	mu sync.Mutex

	// Responses are returned in order; the last one repeats once exhausted.
	Responses []ChatResponse
	// Info is returned by ModelInfo.
	Info ModelInfo
	// InfoErr, when set, fails ModelInfo.
	InfoErr error

	// Requests records every chat request seen.
	Requests []ChatRequest

	next int
}

// NewStub returns a StubClient that answers every call with content.
func NewStub(content string) *StubClient {
	return &StubClient{
		Responses: []ChatResponse{{
			Content:          content,
			RawResponse:      []byte(`{"stub":true}`),
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
			Duration:         time.Millisecond,
			Done:             true,
		}},
		Info: ModelInfo{Name: "stub-model", Family: "stub", ParameterSize: "0B"},
	}
}

// Chat implements Client.
func (s *StubClient) Chat(_ context.Context, req ChatRequest) ChatResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Requests = append(s.Requests, req)
	if len(s.Responses) == 0 {
		return ChatResponse{ErrorMessage: "stub has no responses"}
	}
	resp := s.Responses[s.next]
	if s.next < len(s.Responses)-1 {
		s.next++
	}
	return resp
}

// ModelInfo implements Client.
func (s *StubClient) ModelInfo(context.Context, string) (ModelInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InfoErr != nil {
		return ModelInfo{}, s.InfoErr
	}
	return s.Info, nil
}

// CallCount reports how many chat calls were made.
func (s *StubClient) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Requests)
}

// Verify StubClient implements Client.
var _ Client = (*StubClient)(nil)
