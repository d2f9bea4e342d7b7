// Package connector abstracts upstream fetching for the ingest runner.
//
// A connector is stateless with respect to the queue. Failures are carried
// in the Response, as a non-2xx status or an error message; Fetch never
// returns an out-of-band error, so the runner's outcome handling has exactly
// one place to look.
package connector

import (
	"context"
	"time"
)

// Request is one upstream fetch.
type Request struct {
	URI    string
	Method string
	// Headers are added to the outbound request verbatim.
	Headers map[string]string
	Body    []byte
	// Params are appended to the URI's query string.
	Params map[string]string
}

// Response is the outcome of one fetch. Transport errors surface as
// StatusCode 0 with ErrorMessage set.
type Response struct {
	StatusCode int
	Payload    []byte
	Headers    map[string]string

	Duration time.Duration

	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration

	ErrorMessage string
}

// OK reports a 2xx status with no transport error.
func (r *Response) OK() bool {
	return r.ErrorMessage == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

// Connector fetches resources from one upstream system.
type Connector interface {
	// Name identifies the connector in logs and work item metadata.
	Name() string

	// Fetch performs the request. The context bounds the whole attempt,
	// including any rate-limit wait.
	Fetch(ctx context.Context, req Request) Response
}
