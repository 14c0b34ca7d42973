package backend

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vast-ai/pyworker/internal/adapter"
	"github.com/vast-ai/pyworker/internal/authdata"
	"github.com/vast-ai/pyworker/internal/gate"
	"github.com/vast-ai/pyworker/internal/metrics"
)

// canonicalMessage mirrors authdata's unexported wire-format builder
// closely enough to sign test envelopes; it is the same contract a real
// control-plane client implements independently of this codebase. Like
// the real (Python) signer, it must not HTML-escape `<`, `>`, `&`.
func canonicalMessage(env authdata.Envelope) []byte {
	quote := func(s string) string {
		var b bytes.Buffer
		enc := json.NewEncoder(&b)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(s)
		return strings.TrimRight(b.String(), "\n")
	}
	var buf bytes.Buffer
	buf.WriteString("{\n")
	buf.WriteString("    \"cost\": " + quote(env.Cost) + ",\n")
	buf.WriteString("    \"endpoint\": " + quote(env.Endpoint) + ",\n")
	buf.WriteString("    \"reqnum\": " + itoa(env.Reqnum) + ",\n")
	buf.WriteString("    \"url\": " + quote(env.URL) + "\n")
	buf.WriteString("}")
	return buf.Bytes()
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func signEnvelope(t *testing.T, priv *rsa.PrivateKey, env authdata.Envelope) string {
	t.Helper()
	digest := sha256.Sum256(canonicalMessage(env))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

type echoPayload struct {
	Workload float64 `json:"workload"`
}

func (p echoPayload) CountWorkload() float64       { return p.Workload }
func (p echoPayload) ToModelJSON() ([]byte, error) { return json.Marshal(p) }

type echoHandler struct{}

func (echoHandler) Endpoint() string   { return "/infer" }
func (echoHandler) BenchmarkRuns() int { return 3 }
func (echoHandler) ParsePayload(raw map[string]any) (adapter.Payload, adapter.FieldErrors, error) {
	w, _ := raw["workload"].(float64)
	return echoPayload{Workload: w}, nil, nil
}
func (echoHandler) MakeBenchmarkPayload() adapter.Payload { return echoPayload{Workload: 1} }
func (echoHandler) TranslateResponse(w http.ResponseWriter, r *http.Request, modelResp *http.Response) error {
	w.WriteHeader(modelResp.StatusCode)
	_, err := io.Copy(w, modelResp.Body)
	return err
}

func newSignedRequest(t *testing.T, priv *rsa.PrivateKey, reqnum int64, workload float64) *http.Request {
	t.Helper()
	env := authdata.Envelope{Cost: "1.0", Endpoint: "/infer", Reqnum: reqnum, URL: "http://node"}
	env.Signature = signEnvelope(t, priv, env)

	body := map[string]any{
		"auth_data": map[string]any{
			"signature": env.Signature,
			"cost":      env.Cost,
			"endpoint":  env.Endpoint,
			"reqnum":    env.Reqnum,
			"url":       env.URL,
		},
		"payload": map[string]any{"workload": workload},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return httptest.NewRequest(http.MethodPost, "/infer", bytes.NewReader(raw))
}

func newBackend(t *testing.T, modelServer *httptest.Server, priv *rsa.PrivateKey, g *gate.Gate) (*Backend, *metrics.Metrics) {
	t.Helper()
	auth := authdata.New()
	auth.SetPublicKey(&priv.PublicKey)
	m := metrics.New(nil)
	client := NewModelClient(modelServer.URL, modelServer.Client())
	return New(auth, m, g, client, nil, zerolog.Nop()), m
}

func TestBackend_HappyPath(t *testing.T) {
	priv := mustTestKey(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	b, m := newBackend(t, upstream, priv, gate.New())
	req := newSignedRequest(t, priv, 1, 200)
	rec := httptest.NewRecorder()

	b.Handler(echoHandler{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, 200.0, m.Model.WorkloadServed)
	assert.Equal(t, 0.0, m.Model.WorkloadPending)
	assert.NotContains(t, m.Model.RequestsWorking, int64(1))
	assert.Contains(t, m.Model.RequestsReceived, int64(1))
}

func TestBackend_Replay_SecondRequestRejected(t *testing.T) {
	priv := mustTestKey(t)
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	b, _ := newBackend(t, upstream, priv, gate.New())
	handler := b.Handler(echoHandler{})

	req1 := newSignedRequest(t, priv, 5, 10)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	assert.Equal(t, http.StatusOK, rec1.Code)

	req2 := newSignedRequest(t, priv, 5, 10)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)

	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestBackend_StaleReqnumRejected(t *testing.T) {
	priv := mustTestKey(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	b, _ := newBackend(t, upstream, priv, gate.New())
	handler := b.Handler(echoHandler{})

	req1 := newSignedRequest(t, priv, 200, 10)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	stale := newSignedRequest(t, priv, 50, 10)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, stale)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestBackend_ClientCancel_MarksCancelledNotServed(t *testing.T) {
	priv := mustTestKey(t)
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()
	defer close(release)

	b, m := newBackend(t, upstream, priv, gate.New())
	handler := b.Handler(echoHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	req := newSignedRequest(t, priv, 1, 50).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.ServeHTTP(rec, req)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 50.0, m.Model.WorkloadCancelled)
	assert.Equal(t, 0.0, m.Model.WorkloadPending)
	assert.Equal(t, 0.0, m.Model.WorkloadServed)
	assert.NotContains(t, m.Model.RequestsWorking, int64(1))
}

func TestBackend_SerialMode_SecondRequestWaitsForFirst(t *testing.T) {
	priv := mustTestKey(t)
	inFlight := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case inFlight <- struct{}{}:
		default:
		}
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	b, _ := newBackend(t, upstream, priv, gate.New())
	handler := b.Handler(echoHandler{})

	var secondStarted int32
	done1 := make(chan struct{})
	go func() {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newSignedRequest(t, priv, 1, 10))
		close(done1)
	}()

	<-inFlight // first request is now holding the gate inside upstream

	done2 := make(chan struct{})
	go func() {
		atomic.StoreInt32(&secondStarted, 1)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, newSignedRequest(t, priv, 2, 10))
		close(done2)
	}()

	time.Sleep(50 * time.Millisecond)
	// Second request's goroutine has started but must still be blocked on
	// the gate, so the upstream handler should not have received it yet.
	select {
	case <-inFlight:
		t.Fatal("second request reached the model server before the first finished")
	default:
	}

	close(release)
	<-done1
	<-done2
	assert.EqualValues(t, 1, atomic.LoadInt32(&secondStarted))
}

func TestBackend_EnvelopeFieldsWithHTMLSignificantCharacters(t *testing.T) {
	priv := mustTestKey(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	b, _ := newBackend(t, upstream, priv, gate.New())

	env := authdata.Envelope{Cost: "1.0", Endpoint: "/infer?a=1&b=2", Reqnum: 1, URL: "http://node/<path>?x=1&y=2"}
	env.Signature = signEnvelope(t, priv, env)
	body := map[string]any{
		"auth_data": map[string]any{
			"signature": env.Signature,
			"cost":      env.Cost,
			"endpoint":  env.Endpoint,
			"reqnum":    env.Reqnum,
			"url":       env.URL,
		},
		"payload": map[string]any{"workload": 10.0},
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewReader(raw))
	rec := httptest.NewRecorder()

	b.Handler(echoHandler{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func mustTestKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}
