package server

import (
	"crypto/rand"
	"crypto/rsa"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vast-ai/pyworker/internal/adapter"
	"github.com/vast-ai/pyworker/internal/authdata"
	"github.com/vast-ai/pyworker/internal/backend"
	"github.com/vast-ai/pyworker/internal/gate"
	"github.com/vast-ai/pyworker/internal/metrics"
	"github.com/vast-ai/pyworker/internal/telemetry"
)

type noopHandler struct{}

func (noopHandler) Endpoint() string   { return "/infer" }
func (noopHandler) BenchmarkRuns() int { return 1 }
func (noopHandler) ParsePayload(raw map[string]any) (adapter.Payload, adapter.FieldErrors, error) {
	return nil, nil, nil
}
func (noopHandler) MakeBenchmarkPayload() adapter.Payload { return nil }
func (noopHandler) TranslateResponse(w http.ResponseWriter, r *http.Request, modelResp *http.Response) error {
	return nil
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	auth := authdata.New()
	auth.SetPublicKey(&priv.PublicKey)
	m := metrics.New(nil)
	client := backend.NewModelClient("http://127.0.0.1:0", nil)
	be := backend.New(auth, m, gate.New(), client, nil, zerolog.Nop())

	tel, err := telemetry.New()
	require.NoError(t, err)

	modelHealth := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("model ok"))
	})

	srv := New(Config{Addr: ":0"}, be, []Route{{Handler: noopHandler{}}}, tel, modelHealth, zerolog.Nop())
	return httptest.NewServer(srv.router)
}

func TestPing(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "pong", string(body))
}

func TestHealthcheckProxiesModelServer(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthcheck")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
	body, _ := io.ReadAll(res.Body)
	assert.Equal(t, "model ok", string(body))
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestCorrelationIDIsEchoedBack(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/ping", nil)
	require.NoError(t, err)
	req.Header.Set("X-Correlation-ID", "fixed-id")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, "fixed-id", res.Header.Get("X-Correlation-ID"))
}
