// Package tgi is a demo Endpoint Adapter shaped like Hugging Face's Text
// Generation Inference server: the client declares how much work it is
// asking for via parameters.max_new_tokens instead of the adapter
// deriving it from prompt length. Grounded on
// original_source/workers/tgi/{data_types,server}.py.
package tgi

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"

	"github.com/vast-ai/pyworker/internal/adapter"
)

var sampleWords = strings.Fields(
	"the quick brown fox jumps over lazy dog while a curious cat watches " +
		"from the windowsill and dreams of chasing birds across the yard",
)

// Parameters mirrors TGI's generation parameters object; only the field
// the workload formula needs is modeled.
type Parameters struct {
	MaxNewTokens int `json:"max_new_tokens" validate:"required"`
}

// InputData is the /generate and /generate_stream request payload.
type InputData struct {
	Inputs     string     `json:"inputs" validate:"required"`
	Parameters Parameters `json:"parameters" validate:"required"`
}

// CountWorkload is request-declared, not derived from the prompt: TGI
// callers state how many tokens they want generated up front.
func (d InputData) CountWorkload() float64 {
	return float64(d.Parameters.MaxNewTokens)
}

func (d InputData) ToModelJSON() ([]byte, error) {
	return json.Marshal(d)
}

func forTest() InputData {
	words := make([]string, 250)
	for i := range words {
		words[i] = sampleWords[rand.Intn(len(sampleWords))]
	}
	return InputData{
		Inputs:     strings.Join(words, " "),
		Parameters: Parameters{MaxNewTokens: 256},
	}
}

func parsePayload(raw map[string]any) (adapter.Payload, adapter.FieldErrors, error) {
	var d InputData
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("tgi: re-encoding payload: %w", err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, nil, fmt.Errorf("tgi: decoding payload: %w", err)
	}
	if errs := adapter.ValidateRequired(d); errs != nil {
		return nil, errs, nil
	}
	return d, nil, nil
}

// GenerateHandler forwards to the model server's buffered /generate
// route and relays its JSON response verbatim.
type GenerateHandler struct {
	benchmarkRuns int
}

func NewGenerateHandler(benchmarkRuns int) GenerateHandler {
	return GenerateHandler{benchmarkRuns: benchmarkRuns}
}

func (GenerateHandler) Endpoint() string                     { return "/generate" }
func (h GenerateHandler) BenchmarkRuns() int                  { return h.benchmarkRuns }
func (GenerateHandler) MakeBenchmarkPayload() adapter.Payload { return forTest() }

func (GenerateHandler) ParsePayload(raw map[string]any) (adapter.Payload, adapter.FieldErrors, error) {
	return parsePayload(raw)
}

func (GenerateHandler) TranslateResponse(w http.ResponseWriter, r *http.Request, modelResp *http.Response) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(modelResp.StatusCode)
	_, err := io.Copy(w, modelResp.Body)
	return err
}

// GenerateStreamHandler forwards to /generate_stream and streams TGI's
// token-by-token SSE response through to the client.
type GenerateStreamHandler struct {
	benchmarkRuns int
}

func NewGenerateStreamHandler(benchmarkRuns int) GenerateStreamHandler {
	return GenerateStreamHandler{benchmarkRuns: benchmarkRuns}
}

func (GenerateStreamHandler) Endpoint() string                     { return "/generate_stream" }
func (h GenerateStreamHandler) BenchmarkRuns() int                  { return h.benchmarkRuns }
func (GenerateStreamHandler) MakeBenchmarkPayload() adapter.Payload { return forTest() }

func (GenerateStreamHandler) ParsePayload(raw map[string]any) (adapter.Payload, adapter.FieldErrors, error) {
	return parsePayload(raw)
}

func (GenerateStreamHandler) TranslateResponse(w http.ResponseWriter, r *http.Request, modelResp *http.Response) error {
	if modelResp.StatusCode != http.StatusOK {
		w.WriteHeader(modelResp.StatusCode)
		_, err := io.Copy(w, modelResp.Body)
		return err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	reader := bufio.NewReader(modelResp.Body)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tgi: streaming model response: %w", err)
		}
	}
}
