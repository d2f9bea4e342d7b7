package connector

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TestConnector serves a fixed corpus for development and tests. It records
// every request it sees and can inject failures per URI.
type TestConnector struct {
	name string

	mu sync.Mutex
	// corpus maps bare URIs (no query) to payloads.
	corpus map[string][]byte
	// failures maps URIs to the Response returned instead of the corpus.
	failures map[string]Response
	history  []Request
}

// NewTest builds a TestConnector over the given corpus.
func NewTest(name string, corpus map[string][]byte) *TestConnector {
	c := &TestConnector{
		name:     name,
		corpus:   make(map[string][]byte, len(corpus)),
		failures: make(map[string]Response),
	}
	for uri, payload := range corpus {
		c.corpus[uri] = payload
	}
	return c
}

// Name implements Connector.
func (c *TestConnector) Name() string { return c.name }

// Fetch implements Connector. Unknown URIs return 404.
func (c *TestConnector) Fetch(_ context.Context, req Request) Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, req)

	if resp, ok := c.failures[req.URI]; ok {
		return resp
	}
	payload, ok := c.corpus[req.URI]
	if !ok {
		return Response{
			StatusCode:   404,
			ErrorMessage: "",
			Duration:     time.Millisecond,
		}
	}
	return Response{
		StatusCode: 200,
		Payload:    payload,
		Duration:   time.Millisecond,
	}
}

// Add puts a payload into the corpus.
func (c *TestConnector) Add(uri string, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.corpus[uri] = payload
}

// FailWith makes the connector return resp for uri instead of the corpus.
func (c *TestConnector) FailWith(uri string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[uri] = resp
}

// FailTransport makes uri fail like a transport error.
func (c *TestConnector) FailTransport(uri string) {
	c.FailWith(uri, Response{ErrorMessage: fmt.Sprintf("dial %s: connection refused", uri)})
}

// History returns a copy of every request seen, in order.
func (c *TestConnector) History() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, len(c.history))
	copy(out, c.history)
	return out
}

// Verify TestConnector implements Connector.
var _ Connector = (*TestConnector)(nil)
