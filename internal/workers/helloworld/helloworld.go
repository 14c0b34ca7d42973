// Package helloworld is a demo Endpoint Adapter recovering the original
// workers/hello_world breadth: a buffered /generate handler and a
// streaming /generate_stream handler, both backed by the same
// token-workload payload. Grounded on
// original_source/workers/hello_world/{data_types,server}.py.
package helloworld

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

// sampleWords stands in for the original's nltk word corpus; it's enough
// variety to produce a representative benchmark prompt without pulling
// in a corpus dependency.
var sampleWords = strings.Fields(
	"the quick brown fox jumps over lazy dog while a curious cat watches " +
		"from the windowsill and dreams of chasing birds across the yard",
)

// InputData is the /generate and /generate_stream request payload.
type InputData struct {
	Prompt            string `json:"prompt" validate:"required"`
	MaxResponseTokens int    `json:"max_response_tokens" validate:"required"`
}

// CountWorkload approximates the original's tokenizer.tokenize(prompt)
// token count with a whitespace split; a full BPE tokenizer has no
// idiomatic Go equivalent in the pack, so word count stands in as the
// workload unit.
func (d InputData) CountWorkload() float64 {
	return float64(len(strings.Fields(d.Prompt)))
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
		Prompt:            strings.Join(words, " "),
		MaxResponseTokens: 300,
	}
}

func parsePayload(raw map[string]any) (adapter.Payload, adapter.FieldErrors, error) {
	var d InputData
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("helloworld: re-encoding payload: %w", err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, nil, fmt.Errorf("helloworld: decoding payload: %w", err)
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

func (GenerateHandler) Endpoint() string                  { return "/generate" }
func (h GenerateHandler) BenchmarkRuns() int               { return h.benchmarkRuns }
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

// GenerateStreamHandler forwards to /generate_stream and passes the
// model server's SSE stream through to the client chunk by chunk.
type GenerateStreamHandler struct {
	benchmarkRuns int
}

func NewGenerateStreamHandler(benchmarkRuns int) GenerateStreamHandler {
	return GenerateStreamHandler{benchmarkRuns: benchmarkRuns}
}

func (GenerateStreamHandler) Endpoint() string                  { return "/generate_stream" }
func (h GenerateStreamHandler) BenchmarkRuns() int               { return h.benchmarkRuns }
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
			return fmt.Errorf("helloworld: streaming model response: %w", err)
		}
	}
}
