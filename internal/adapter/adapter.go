// Package adapter defines the boundary the core consumes for per-model
// request handling: a Payload type that knows its own workload and wire
// encoding, and an EndpointHandler that wires a Payload type to a model
// server route.
package adapter

import (
	"net/http"
)

// FieldErrors is the per-field error map surfaced as a 422 response body
// when request JSON fails to parse or validate.
type FieldErrors map[string]string

// Payload is an incoming request body, already validated. Implementations
// must be side-effect free and deterministic.
type Payload interface {
	// CountWorkload returns the unitless workload this request
	// represents; used as the throughput denominator and the
	// load-reporting currency.
	CountWorkload() float64
	// ToModelJSON renders the payload as the JSON body to POST to the
	// model server.
	ToModelJSON() ([]byte, error)
}

// EndpointHandler is the per-route contract the core uses to parse,
// forward, translate, and benchmark requests for one model-server route.
type EndpointHandler interface {
	// Endpoint is the path on the model server this handler forwards to.
	Endpoint() string
	// BenchmarkRuns is how many timed calls the Benchmarker performs
	// (excluding the discarded cold-load run).
	BenchmarkRuns() int
	// ParsePayload validates and decodes the "payload" object of an
	// inbound request. A non-nil FieldErrors return means malformed
	// input; err is reserved for unexpected decode failures.
	ParsePayload(raw map[string]any) (Payload, FieldErrors, error)
	// MakeBenchmarkPayload builds a representative Payload used only by
	// the Benchmarker.
	MakeBenchmarkPayload() Payload
	// TranslateResponse converts the model server's response into the
	// client response. May stream (chunk-forwarding) or buffer.
	TranslateResponse(w http.ResponseWriter, r *http.Request, modelResp *http.Response) error
}
