package tgi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload_WorkloadIsRequestDeclared(t *testing.T) {
	raw := map[string]any{
		"inputs":     "tell me about cats",
		"parameters": map[string]any{"max_new_tokens": float64(500)},
	}
	payload, fieldErrs, err := parsePayload(raw)
	require.NoError(t, err)
	assert.Nil(t, fieldErrs)
	assert.Equal(t, 500.0, payload.CountWorkload())
}

func TestParsePayload_MissingParametersReturnsFieldErrors(t *testing.T) {
	raw := map[string]any{"inputs": "hi"}
	payload, fieldErrs, err := parsePayload(raw)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Contains(t, fieldErrs, "parameters")
}

func TestGenerateHandler_TranslateResponseRelaysJSON(t *testing.T) {
	modelResp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`{"generated_text":"meow"}`)),
	}
	rec := httptest.NewRecorder()
	err := GenerateHandler{}.TranslateResponse(rec, nil, modelResp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"generated_text":"meow"}`, rec.Body.String())
}

func TestGenerateStreamHandler_TranslateResponseStreamsChunks(t *testing.T) {
	modelResp := &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(`data: {"token":{"text":"meow"}}` + "\n\n")),
	}
	rec := httptest.NewRecorder()
	err := GenerateStreamHandler{}.TranslateResponse(rec, nil, modelResp)
	require.NoError(t, err)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"token"`)
}

func TestMakeBenchmarkPayload_UsesDefaultMaxNewTokens(t *testing.T) {
	p := forTest()
	assert.NotEmpty(t, p.Inputs)
	assert.Equal(t, 256, p.Parameters.MaxNewTokens)
}
