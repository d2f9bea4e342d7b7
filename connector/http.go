package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pithecene-io/seam/iox"
	"github.com/pithecene-io/seam/proxy"
)

// maxPayloadBytes caps how much of an upstream body is read. Oversized
// responses are truncated, not failed; the payload is still usable evidence.
const maxPayloadBytes = 32 << 20

// HTTPConfig configures an HTTPConnector.
type HTTPConfig struct {
	// Name identifies this connector, e.g. "webarchive".
	Name string `yaml:"name"`

	UserAgent string `yaml:"user_agent"`

	// TimeoutSeconds bounds each request. Zero means 30.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// RequestsPerSecond throttles outbound fetches. Zero means unthrottled.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// ContactParam and ContactValue add an identification query parameter
	// to every request, e.g. email=ops@example.org for polite crawling.
	ContactParam string `yaml:"contact_param"`
	ContactValue string `yaml:"contact_value"`

	// Proxies routes outbound requests through a rotating proxy pool.
	// Nil means direct connections.
	Proxies *proxy.Pool `yaml:"proxies"`
}

// HTTPConnector fetches over HTTP with a private rate-limit clock.
type HTTPConnector struct {
	cfg    HTTPConfig
	client *http.Client

	mu   sync.Mutex
	next time.Time
}

// NewHTTP builds an HTTPConnector from config.
func NewHTTP(cfg HTTPConfig) (*HTTPConnector, error) {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}
	if cfg.Proxies != nil {
		selector, err := proxy.NewSelector(*cfg.Proxies)
		if err != nil {
			return nil, fmt.Errorf("connector %s: %w", cfg.Name, err)
		}
		// Sticky pools key on the upstream host so one host keeps one exit.
		client.Transport = &http.Transport{
			Proxy: func(req *http.Request) (*url.URL, error) {
				return selector.Pick(req.URL.Host)
			},
		}
	}
	return &HTTPConnector{cfg: cfg, client: client}, nil
}

// Name implements Connector.
func (c *HTTPConnector) Name() string { return c.cfg.Name }

// Fetch implements Connector.
func (c *HTTPConnector) Fetch(ctx context.Context, req Request) Response {
	if err := c.waitTurn(ctx); err != nil {
		return Response{ErrorMessage: fmt.Sprintf("rate limit wait: %v", err)}
	}

	uri, err := c.buildURI(req)
	if err != nil {
		return Response{ErrorMessage: fmt.Sprintf("invalid request uri: %v", err)}
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, uri, body)
	if err != nil {
		return Response{ErrorMessage: fmt.Sprintf("failed to build request: %v", err)}
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return Response{Duration: time.Since(start), ErrorMessage: fmt.Sprintf("fetch failed: %v", err)}
	}
	defer iox.DiscardClose(httpResp.Body)

	payload, err := io.ReadAll(io.LimitReader(httpResp.Body, maxPayloadBytes))
	resp := Response{
		StatusCode: httpResp.StatusCode,
		Payload:    payload,
		Headers:    flattenHeaders(httpResp.Header),
		Duration:   time.Since(start),
		RetryAfter: parseRetryAfter(httpResp.Header.Get("Retry-After")),
	}
	if err != nil {
		resp.ErrorMessage = fmt.Sprintf("failed to read body: %v", err)
	}
	return resp
}

// waitTurn blocks until the rate-limit clock allows the next request.
func (c *HTTPConnector) waitTurn(ctx context.Context) error {
	if c.cfg.RequestsPerSecond <= 0 {
		return ctx.Err()
	}
	interval := time.Duration(float64(time.Second) / c.cfg.RequestsPerSecond)

	c.mu.Lock()
	now := time.Now()
	wait := c.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	c.next = now.Add(wait + interval)
	c.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

func (c *HTTPConnector) buildURI(req Request) (string, error) {
	u, err := url.Parse(req.URI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range req.Params {
		q.Set(k, v)
	}
	if c.cfg.ContactParam != "" && c.cfg.ContactValue != "" {
		q.Set(c.cfg.ContactParam, c.cfg.ContactValue)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// parseRetryAfter handles the delta-seconds form. The HTTP-date form is
// rare enough upstream that it is treated as absent.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Verify HTTPConnector implements Connector.
var _ Connector = (*HTTPConnector)(nil)
