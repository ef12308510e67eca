package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// drainLimit caps how much of a response body we read before discarding it.
// We only care about the status, but draining keeps connections reusable.
const drainLimit = 64 << 10

// Connection pooling limits so polling many endpoints can't exhaust sockets.
const (
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	maxConnsPerHost     = 10
	idleConnTimeout     = 60 * time.Second
)

// Request describes one probe HTTP call.
type Request struct {
	Method  string // defaults to GET
	URL     string
	Headers map[string]string
	Timeout time.Duration
}

// Client is an HTTP client tuned for repeated health probes. Timeouts are
// per-request via context, not a global client timeout, so endpoints can
// differ.
type Client struct {
	httpClient *http.Client
}

func NewClient() *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        maxIdleConns,
				MaxIdleConnsPerHost: maxIdleConnsPerHost,
				MaxConnsPerHost:     maxConnsPerHost,
				IdleConnTimeout:     idleConnTimeout,
			},
		},
	}
}

// Check performs the request and classifies the outcome: transport errors and
// status codes >= 400 are failures. The body is drained (bounded) and
// discarded.
func (c *Client) Check(ctx context.Context, req Request) error {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	r, err := http.NewRequestWithContext(ctx, method, req.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		r.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(r)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, drainLimit))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections. The client stays usable afterwards.
func (c *Client) Close() {
	if c == nil || c.httpClient == nil {
		return
	}
	if tr, ok := c.httpClient.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}
