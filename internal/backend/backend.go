// Package backend implements the Request Lifecycle Engine: the
// authenticate -> forward -> account-for-metrics pipeline every inbound
// inference request goes through, including the Forward-vs-client-cancel
// race described in spec.md §4.3/§5.
package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vast-ai/pyworker/internal/adapter"
	"github.com/vast-ai/pyworker/internal/authdata"
	"github.com/vast-ai/pyworker/internal/gate"
	"github.com/vast-ai/pyworker/internal/metrics"
	"github.com/vast-ai/pyworker/internal/telemetry"
)

// Caller is the subset of ModelClient the Engine depends on; satisfied
// by *ModelClient, substitutable with a fake in tests.
type Caller interface {
	Do(ctx context.Context, handler adapter.EndpointHandler, payload adapter.Payload) (*http.Response, error)
}

// Backend wires authentication, the admission gate, metrics accounting
// and the model-server client into one per-route HTTP handler factory.
type Backend struct {
	auth        *authdata.Authenticator
	metrics     *metrics.Metrics
	gate        *gate.Gate
	modelClient Caller
	telemetry   *telemetry.Telemetry
	log         zerolog.Logger
}

// New builds a Backend. g may be gate.Disabled() when the model server
// accepts parallel requests. tel may be nil, in which case otel/Prometheus
// instrumentation is skipped.
func New(auth *authdata.Authenticator, m *metrics.Metrics, g *gate.Gate, modelClient Caller, tel *telemetry.Telemetry, log zerolog.Logger) *Backend {
	return &Backend{auth: auth, metrics: m, gate: g, modelClient: modelClient, telemetry: tel, log: log}
}

type requestEnvelope struct {
	AuthData map[string]any `json:"auth_data"`
	Payload  map[string]any `json:"payload"`
}

// Handler builds the http.HandlerFunc for one Endpoint Adapter, carrying
// out spec.md §4.3 steps 1-5 for every inbound request.
func (b *Backend) Handler(handler adapter.EndpointHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env requestEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			writeFieldErrors(w, adapter.FieldErrors{"_": "malformed JSON"})
			return
		}

		auth, fieldErrs := authdata.FromJSON(env.AuthData)
		if fieldErrs != nil {
			writeFieldErrors(w, fieldErrs)
			return
		}

		if err := b.auth.Verify(auth); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		payload, fieldErrs, err := handler.ParsePayload(env.Payload)
		if err != nil {
			b.log.Debug().Err(err).Msg("payload decode failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if fieldErrs != nil {
			writeFieldErrors(w, fieldErrs)
			return
		}

		workload := payload.CountWorkload()
		b.forward(w, r, handler, payload, workload, auth.Reqnum)
	}
}

type forwardResult struct {
	resp    *http.Response
	elapsed time.Duration
	err     error
}

// forward runs the Forward subtask and races it against the inbound
// request's own context, which net/http cancels the moment the client
// disconnects — that cancellation IS the Cancel-watch subtask. select
// guarantees exactly one of the two branches below executes, so exactly
// one terminal metrics hook fires per request (spec.md §8 invariant 3).
func (b *Backend) forward(w http.ResponseWriter, r *http.Request, handler adapter.EndpointHandler, payload adapter.Payload, workload float64, reqnum int64) {
	ctx := r.Context()
	done := make(chan forwardResult, 1)

	b.metrics.RequestStart(workload, reqnum)
	if b.telemetry != nil {
		b.telemetry.RequestStarted(ctx, handler.Endpoint())
	}

	go func() {
		if err := b.gate.Acquire(ctx); err != nil {
			done <- forwardResult{err: err}
			return
		}
		defer b.gate.Release()

		start := time.Now()
		resp, err := b.modelClient.Do(ctx, handler, payload)
		done <- forwardResult{resp: resp, elapsed: time.Since(start), err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			b.metrics.RequestErrored(workload, reqnum)
			b.recordFinished(handler, telemetry.OutcomeErrored, 0)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		defer res.resp.Body.Close()
		if err := handler.TranslateResponse(w, r, res.resp); err != nil {
			b.log.Debug().Err(err).Msg("translating model server response failed")
			b.metrics.RequestErrored(workload, reqnum)
			b.recordFinished(handler, telemetry.OutcomeErrored, 0)
			return
		}
		b.metrics.RequestEnd(workload, res.elapsed, reqnum)
		b.recordFinished(handler, telemetry.OutcomeServed, res.elapsed.Seconds())

	case <-ctx.Done():
		b.metrics.RequestCanceled(workload, reqnum)
		b.recordFinished(handler, telemetry.OutcomeCancelled, 0)
		w.WriteHeader(http.StatusInternalServerError)
		// Forward is still in flight against the now-cancelled ctx; drain
		// and close its eventual result so the connection isn't leaked.
		go func() {
			if res := <-done; res.resp != nil {
				res.resp.Body.Close()
			}
		}()
	}
}

func (b *Backend) recordFinished(handler adapter.EndpointHandler, outcome telemetry.Outcome, seconds float64) {
	if b.telemetry == nil {
		return
	}
	b.telemetry.RequestFinished(context.Background(), handler.Endpoint(), outcome, seconds)
}

func writeFieldErrors(w http.ResponseWriter, errs adapter.FieldErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(errs)
}
