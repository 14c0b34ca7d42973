package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vast-ai/pyworker/internal/adapter"
)

// ModelClient is the shared HTTP client the Engine and the Benchmarker
// both use to talk to the co-located model server. It has no per-call
// timeout: per spec.md §5, the model-server POST has no timeout, the
// autoscaler is the backstop.
type ModelClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewModelClient builds a ModelClient against baseURL (e.g.
// "http://127.0.0.1:8000"), reusing httpClient's connection pool across
// requests. A nil httpClient falls back to http.DefaultClient.
func NewModelClient(baseURL string, httpClient *http.Client) *ModelClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &ModelClient{baseURL: baseURL, httpClient: httpClient}
}

// Do posts payload's model-facing JSON to handler's endpoint, returning
// the raw response for the caller to translate or measure.
func (c *ModelClient) Do(ctx context.Context, handler adapter.EndpointHandler, payload adapter.Payload) (*http.Response, error) {
	body, err := payload.ToModelJSON()
	if err != nil {
		return nil, fmt.Errorf("backend: encoding model payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+handler.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// Call implements benchmark.Caller: times one full round trip against
// the model server, discarding the response body.
func (c *ModelClient) Call(handler adapter.EndpointHandler, payload adapter.Payload) (time.Duration, error) {
	start := time.Now()
	resp, err := c.Do(context.Background(), handler, payload)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return 0, fmt.Errorf("backend: reading benchmark response: %w", err)
	}
	return time.Since(start), nil
}
